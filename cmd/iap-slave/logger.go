package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-can-iap/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	l := logging.New(format, lvl, os.Stderr).With("app", "iap-slave")
	logging.Set(l)
	return l
}
