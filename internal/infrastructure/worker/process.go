package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"huddle/internal/core/ports"

	"go.uber.org/zap"
)

// SettingsEnv carries the JSON-encoded WorkerSettings into a worker process.
const SettingsEnv = "HUDDLE_WORKER_SETTINGS"

const killGrace = 3 * time.Second

// ProcessSpawner starts each worker as a child process of the given binary.
// Requests go to its stdin, responses and notifications come from its stdout,
// and its stderr is passed through for logs.
type ProcessSpawner struct {
	binary string
	logger *zap.SugaredLogger
}

func NewProcessSpawner(binary string, logger *zap.SugaredLogger) *ProcessSpawner {
	return &ProcessSpawner{binary: binary, logger: logger}
}

func (s *ProcessSpawner) Spawn(ctx context.Context, settings ports.WorkerSettings) (ports.MediaWorker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to encode worker settings: %w", err)
	}

	cmd := exec.Command(s.binary)
	cmd.Env = append(os.Environ(), SettingsEnv+"="+string(encoded))
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", settings.ID, err)
	}

	logger := s.logger.With("worker_id", settings.ID, "slot", settings.Slot, "pid", cmd.Process.Pid)
	channel := NewChannel(stdout, stdin, logger)

	exited := make(chan struct{})
	go func() {
		<-channel.Done()
		err := cmd.Wait()
		close(exited)
		if err != nil {
			logger.Warnw("Worker process exited", "error", err)
			return
		}
		logger.Infow("Worker process exited")
	}()

	stop := func() error {
		select {
		case <-exited:
			return nil
		case <-time.After(killGrace):
			logger.Warnw("Worker did not exit, killing it")
			return cmd.Process.Kill()
		}
	}

	logger.Infow("Worker process started", "binary", s.binary, "rtc_min_port", settings.Ports.Min, "rtc_max_port", settings.Ports.Max)
	return newWorker(settings, channel, stop), nil
}

// SettingsFromEnv reads the settings a ProcessSpawner passed to this process.
func SettingsFromEnv() (ports.WorkerSettings, error) {
	var settings ports.WorkerSettings
	raw := os.Getenv(SettingsEnv)
	if raw == "" {
		return settings, fmt.Errorf("%s is not set", SettingsEnv)
	}
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return settings, fmt.Errorf("invalid %s: %w", SettingsEnv, err)
	}
	return settings, nil
}

var _ ports.WorkerSpawner = (*ProcessSpawner)(nil)
