//go:build linux

package main

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ja7ad/gatocollector/pkg/config"
)

// newLogger builds the process logger. With a log file the output is rotated
// by lumberjack; a detached daemon without one logs nowhere, since its
// standard streams are the null device.
func newLogger(cfg config.Config, detached bool) (*slog.Logger, func()) {
	var (
		w       io.Writer = os.Stderr
		closeFn           = func() {}
	)
	switch {
	case cfg.LogFile != "":
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		w = lj
		closeFn = func() { _ = lj.Close() }
	case detached:
		w = io.Discard
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closeFn
}
