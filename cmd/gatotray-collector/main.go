//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ja7ad/gatocollector/pkg/config"
	"github.com/ja7ad/gatocollector/pkg/daemon"
	"github.com/ja7ad/gatocollector/pkg/system/util"
)

func main() {
	root := &cobra.Command{
		Use:   "gatotray-collector",
		Short: "Process Top-N collector daemon for gatotray",
		Long: `gatotray-collector samples /proc once per interval, ranks processes by CPU
usage and keeps the last snapshots in a memory-mapped ring file. Clients read
them over an abstract unix socket with a line protocol:

  TOP       latest snapshot
  HISTORY   every snapshot in the ring, oldest first
  QUIT      close the connection

Examples:
  gatotray-collector -d
  gatotray-collector -s my_socket -c ~/.cache/gatotray.cache --metrics-addr 127.0.0.1:9311
  gatotray-collector query HISTORY`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.BindFlags(root.Flags())
	root.AddCommand(newQueryCmd())

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	if cfg.Daemonize && !daemon.Detached() {
		// the child starts in /, so hand it the resolved paths
		args := append(slices.Clone(os.Args[1:]), "--"+config.KeyCache, cfg.CacheFile)
		if cfg.LogFile != "" {
			args = append(args, "--"+config.KeyLogFile, cfg.LogFile)
		}
		pid, err := daemon.Detach(args)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "gatotray-collector running in background, pid %d\n", pid)
		return nil
	}

	logger, closeLog := newLogger(cfg, daemon.Detached())
	defer closeLog()
	slog.SetDefault(logger)

	if !daemon.Detached() {
		host, kernel, cpus, mem := util.SystemSummary()
		fmt.Fprintf(os.Stderr, _console, host, kernel, cpus, mem, cfg.Socket, cfg.CacheFile,
			time.Now().Format("2006-01-02 15:04:05"))
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(cfg, daemon.WithLogger(logger))
	if err != nil {
		return err
	}
	runErr := d.Run(ctx)
	if err := d.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

const _console = `gatotray-collector - process Top-N collector

       Host: %s
       Kernel: %s
       CPUs: %s
       Mem: %s
       Socket: @%s
       Cache: %s

Collector started at %s

`
