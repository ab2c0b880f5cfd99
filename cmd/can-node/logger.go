package main

import (
	"log/slog"
	"os"

	"github.com/lorenzodimauro97/klipper/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "can-node")
	logging.Set(l)
	return l
}
