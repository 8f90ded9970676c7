package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"huddle/internal/core/services"
	apperrors "huddle/pkg/errors"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ServerConfig tunes the duplex channel.
type ServerConfig struct {
	AllowedOrigins []string
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64

	// MessagesPerSecond of zero disables per-connection rate limiting.
	MessagesPerSecond float64
	Burst             int
}

func (c *ServerConfig) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

type WebSocketServer struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader
	auth     services.AuthService
	hub      *Hub
	relay    *Relay
	logger   *zap.SugaredLogger
}

func NewWebSocketServer(
	cfg ServerConfig,
	auth services.AuthService,
	hub *Hub,
	relay *Relay,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	cfg.applyDefaults()
	s := &WebSocketServer{
		cfg:    cfg,
		auth:   auth,
		hub:    hub,
		relay:  relay,
		logger: logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

// checkOrigin accepts requests without an Origin header (non-browser clients) and
// browser requests from an allowed origin. "*" allows everything.
func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	s.logger.Warnw("Rejected websocket origin", "origin", origin)
	return false
}

func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func writeHTTPError(w http.ResponseWriter, appErr *apperrors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	json.NewEncoder(w).Encode(map[string]string{
		"message": appErr.Message,
		"code":    string(appErr.Code),
	})
}

// HandleWebSocket authenticates, upgrades and serves one client until it goes away.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	if token == "" {
		writeHTTPError(w, apperrors.NewUnauthorizedError("missing token"))
		return
	}
	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		s.logger.Infow("Rejected websocket token", "error", err)
		writeHTTPError(w, apperrors.NewUnauthorizedError("invalid token"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	username := claims.Username
	if username == "" {
		username = string(claims.UserID)
	}
	client := NewConn(uuid.NewString(), claims.UserID, username, s.cfg.SendBuffer)

	// Cancelled on disconnect so in-flight control plane calls stop waiting.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.relay.Connect(ctx, client)

	conn.SetReadLimit(s.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	errorChan := make(chan error, 1)
	go s.readPump(ctx, conn, client, errorChan)

	for {
		select {
		case data := <-client.Outbound():
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Infow("error writing to client", "connection_id", client.ID, "error", err)
				goto cleanup
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "connection_id", client.ID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading from client", "connection_id", client.ID, "error", err)
			}
			goto cleanup

		case <-client.Done():
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			goto cleanup
		}
	}

cleanup:
	cancel()
	s.relay.Disconnect(context.Background(), client)
}

// readPump decodes messages and dispatches them in arrival order.
func (s *WebSocketServer) readPump(ctx context.Context, conn *websocket.Conn, client *Conn, errorChan chan<- error) {
	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errorChan <- err
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		var msg SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			s.relay.Reject(client, msg, apperrors.NewInvalidInputError("malformed message"))
			continue
		}
		if limiter != nil && !limiter.Allow() {
			s.relay.Reject(client, msg, apperrors.NewRateLimitError())
			continue
		}

		s.relay.Dispatch(ctx, client, msg)
	}
}

func (s *WebSocketServer) ConnectionCount() int {
	return s.hub.ConnectionCount()
}

// Shutdown hangs up on every client; each connection runs its own disconnect cleanup.
func (s *WebSocketServer) Shutdown() {
	s.hub.CloseAll()
}
