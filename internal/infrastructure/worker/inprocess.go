package worker

import (
	"context"
	"fmt"
	"io"

	"huddle/internal/core/ports"

	"go.uber.org/zap"
)

// HandlerFactory builds the engine for one worker slot.
type HandlerFactory func(settings ports.WorkerSettings, logger *zap.SugaredLogger) (Handler, error)

// InProcessSpawner runs each engine on a goroutine behind a pair of pipes.
// The control plane cannot tell it apart from a worker process.
type InProcessSpawner struct {
	newHandler HandlerFactory
	logger     *zap.SugaredLogger
}

func NewInProcessSpawner(newHandler HandlerFactory, logger *zap.SugaredLogger) *InProcessSpawner {
	if newHandler == nil {
		newHandler = func(settings ports.WorkerSettings, logger *zap.SugaredLogger) (Handler, error) {
			return NewEngine(settings, logger)
		}
	}
	return &InProcessSpawner{newHandler: newHandler, logger: logger}
}

func (s *InProcessSpawner) Spawn(ctx context.Context, settings ports.WorkerSettings) (ports.MediaWorker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := s.logger.With("worker_id", settings.ID, "slot", settings.Slot)
	handler, err := s.newHandler(settings, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine for worker %s: %w", settings.ID, err)
	}

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	server := NewServer(handler, reqR, respW, logger)
	go func() {
		if err := server.Serve(); err != nil {
			logger.Warnw("Worker stopped with error", "error", err)
		}
		_ = reqR.Close()
		_ = respW.Close()
	}()

	channel := NewChannel(respR, reqW, logger)
	logger.Infow("Worker started in-process", "rtc_min_port", settings.Ports.Min, "rtc_max_port", settings.Ports.Max)

	return newWorker(settings, channel, nil), nil
}

var _ ports.WorkerSpawner = (*InProcessSpawner)(nil)
