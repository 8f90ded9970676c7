package main

import (
	"os"
	"os/signal"
	"syscall"

	"huddle/internal/infrastructure/worker"
	"huddle/pkg/logger"
)

// The media worker speaks newline-delimited JSON on stdin/stdout. Logs go to stderr.
func main() {
	settings, err := worker.SettingsFromEnv()
	if err != nil {
		logger.NewStderr("info").Sugar().Fatalw("Failed to read worker settings", "error", err)
	}

	zapLogger := logger.NewStderr(settings.LogLevel)
	defer zapLogger.Sync()

	log := zapLogger.Sugar().With("worker_id", settings.ID, "slot", settings.Slot, "pid", os.Getpid())

	engine, err := worker.NewEngine(settings, log)
	if err != nil {
		log.Fatalw("Failed to create engine", "error", err)
	}

	// The parent owns our lifetime; ignore terminal signals and exit when stdin closes.
	signal.Ignore(syscall.SIGINT, syscall.SIGHUP)

	log.Infow("Media worker started", "rtc_min_port", settings.Ports.Min, "rtc_max_port", settings.Ports.Max)

	server := worker.NewServer(engine, os.Stdin, os.Stdout, log)
	if err := server.Serve(); err != nil {
		log.Errorw("Media worker stopped with error", "error", err)
		os.Exit(1)
	}
	log.Infow("Media worker stopped")
}
