package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"go.uber.org/zap"
)

// Handler is the media engine a Server dispatches to.
// Methods must not block on network I/O; long work continues in the background
// and reports back through the notify function.
type Handler interface {
	SetNotifier(fn func(ports.WorkerNotification))

	CreateRouter(routerID string, caps domain.RtpCapabilities) error
	CreateTransport(routerID, transportID string, opts domain.WebRtcTransportOptions) (*domain.TransportParameters, error)
	ConnectTransport(transportID string, dtls domain.DtlsParameters, ice *domain.IceParameters) error
	CloseTransport(transportID string) error

	Produce(transportID, producerID string, kind domain.MediaKind, params domain.RtpParameters) error
	CloseProducer(producerID string) error

	Consume(transportID, consumerID, producerID string, kind domain.MediaKind, params domain.RtpParameters, paused bool) (domain.RtpParameters, error)
	ResumeConsumer(consumerID string) error
	CloseConsumer(consumerID string) error

	Close() error
}

// Server runs the worker side of the channel: it reads requests, dispatches them to a Handler
// and writes responses and notifications back.
type Server struct {
	handler Handler
	r       io.Reader
	w       io.Writer
	wmu     sync.Mutex
	logger  *zap.SugaredLogger
}

func NewServer(handler Handler, r io.Reader, w io.Writer, logger *zap.SugaredLogger) *Server {
	s := &Server{
		handler: handler,
		r:       r,
		w:       w,
		logger:  logger,
	}
	handler.SetNotifier(s.notify)
	return s
}

// Serve blocks until the input closes or a worker.close request is handled.
func (s *Server) Serve() error {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			s.logger.Warnw("Dropping malformed request", "error", err)
			continue
		}

		if req.Method == MethodWorkerClose {
			err := s.handler.Close()
			s.respond(req, nil, err)
			return nil
		}

		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			data, err := s.dispatch(req)
			s.respond(req, data, err)
		}(req)
	}

	if err := scanner.Err(); err != nil {
		_ = s.handler.Close()
		return fmt.Errorf("read requests: %w", err)
	}
	return s.handler.Close()
}

func (s *Server) dispatch(req Request) (any, error) {
	switch req.Method {
	case MethodRouterCreate:
		var d routerCreateData
		if err := decode(req, &d); err != nil {
			return nil, err
		}
		return nil, s.handler.CreateRouter(req.HandlerID, d.RtpCapabilities)

	case MethodTransportCreate:
		var d transportCreateData
		if err := decode(req, &d); err != nil {
			return nil, err
		}
		return s.handler.CreateTransport(d.RouterID, req.HandlerID, d.Options)

	case MethodTransportConnect:
		var d transportConnectData
		if err := decode(req, &d); err != nil {
			return nil, err
		}
		return nil, s.handler.ConnectTransport(req.HandlerID, d.DtlsParameters, d.IceParameters)

	case MethodTransportClose:
		return nil, s.handler.CloseTransport(req.HandlerID)

	case MethodProducerCreate:
		var d producerCreateData
		if err := decode(req, &d); err != nil {
			return nil, err
		}
		return nil, s.handler.Produce(d.TransportID, req.HandlerID, d.Kind, d.RtpParameters)

	case MethodProducerClose:
		return nil, s.handler.CloseProducer(req.HandlerID)

	case MethodConsumerCreate:
		var d consumerCreateData
		if err := decode(req, &d); err != nil {
			return nil, err
		}
		params, err := s.handler.Consume(d.TransportID, req.HandlerID, d.ProducerID, d.Kind, d.RtpParameters, d.Paused)
		if err != nil {
			return nil, err
		}
		return consumerCreateResult{RtpParameters: params}, nil

	case MethodConsumerResume:
		return nil, s.handler.ResumeConsumer(req.HandlerID)

	case MethodConsumerClose:
		return nil, s.handler.CloseConsumer(req.HandlerID)

	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

func decode(req Request, out any) error {
	if len(req.Data) == 0 {
		return fmt.Errorf("%s: missing data", req.Method)
	}
	if err := json.Unmarshal(req.Data, out); err != nil {
		return fmt.Errorf("%s: invalid data: %w", req.Method, err)
	}
	return nil
}

func (s *Server) respond(req Request, data any, err error) {
	resp := Response{ID: req.ID, Accepted: err == nil}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = codeOf(err)
		s.logger.Debugw("Request rejected", "method", req.Method, "handler_id", req.HandlerID, "error", err)
	} else if data != nil {
		b, mErr := json.Marshal(data)
		if mErr != nil {
			resp = Response{ID: req.ID, Error: mErr.Error()}
		} else {
			resp.Data = b
		}
	}
	s.write(resp)
}

func (s *Server) notify(n ports.WorkerNotification) {
	s.write(struct {
		Event    string          `json:"event"`
		TargetID string          `json:"targetId"`
		Data     json.RawMessage `json:"data,omitempty"`
	}{n.Event, n.TargetID, n.Data})
}

func (s *Server) write(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.Errorw("Failed to encode message", "error", err)
		return
	}
	b = append(b, '\n')

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.w.Write(b); err != nil {
		s.logger.Debugw("Failed to write message", "error", err)
	}
}

// notification builds a WorkerNotification with a JSON payload.
func notification(event, targetID string, data any) ports.WorkerNotification {
	raw, _ := json.Marshal(data)
	return ports.WorkerNotification{Event: event, TargetID: targetID, Data: raw}
}
