package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/tracing"

	"go.uber.org/zap"
)

const maxMessageSize = 4 * 1024 * 1024

// RequestError is a rejected worker request.
type RequestError struct {
	Method  string
	Message string
	cause   error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("worker %s: %s", e.Method, e.Message)
}

func (e *RequestError) Unwrap() error {
	return e.cause
}

// Channel correlates requests and responses over a worker's stdin/stdout pair.
// Responses may arrive in any order.
type Channel struct {
	r      io.Reader
	w      io.WriteCloser
	wmu    sync.Mutex
	logger *zap.SugaredLogger

	nextID atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]chan *Response
	notifyFn func(ports.WorkerNotification)

	done      chan struct{}
	closeOnce sync.Once
}

func NewChannel(r io.Reader, w io.WriteCloser, logger *zap.SugaredLogger) *Channel {
	c := &Channel{
		r:       r,
		w:       w,
		logger:  logger,
		pending: make(map[uint64]chan *Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// OnNotification replaces the notification handler.
func (c *Channel) OnNotification(fn func(ports.WorkerNotification)) {
	c.mu.Lock()
	c.notifyFn = fn
	c.mu.Unlock()
}

// Done is closed once the read side hits EOF or the channel is closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Request sends one request and decodes the response data into out, which may be nil.
func (c *Channel) Request(ctx context.Context, method, handlerID string, data, out any) error {
	ctx, span := tracing.TraceWorkerRequest(ctx, method, handlerID)
	defer span.End()

	select {
	case <-c.done:
		return fmt.Errorf("worker %s: %w", method, domain.ErrWorkerClosed)
	default:
	}

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", method, err)
		}
		raw = b
	}

	id := c.nextID.Add(1)
	respCh := make(chan *Response, 1)

	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(Request{ID: id, Method: method, HandlerID: handlerID, Data: raw}); err != nil {
		return fmt.Errorf("worker %s: %w", method, err)
	}

	select {
	case resp := <-respCh:
		if !resp.Accepted {
			return &RequestError{Method: method, Message: resp.Error, cause: wireErrors[resp.Code]}
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker %s: %w", method, ctx.Err())
	case <-c.done:
		return fmt.Errorf("worker %s: %w", method, domain.ErrWorkerClosed)
	}
}

func (c *Channel) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.w.Write(b)
	return err
}

func (c *Channel) readLoop() {
	defer c.shutdown()

	scanner := bufio.NewScanner(c.r)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)

	for scanner.Scan() {
		var msg envelope
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			c.logger.Warnw("Dropping malformed worker message", "error", err)
			continue
		}

		if msg.Event != "" {
			c.mu.Lock()
			fn := c.notifyFn
			c.mu.Unlock()
			if fn != nil {
				fn(ports.WorkerNotification{Event: msg.Event, TargetID: msg.TargetID, Data: msg.Data})
			}
			continue
		}

		c.mu.Lock()
		respCh, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if !ok {
			c.logger.Debugw("Response for unknown request", "id", msg.ID)
			continue
		}
		resp := msg.Response
		select {
		case respCh <- &resp:
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warnw("Worker channel read failed", "error", err)
	}
}

func (c *Channel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Close stops writing. The read loop ends when the peer closes its side.
func (c *Channel) Close() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.w.Close()
}
