//go:build linux

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ja7ad/gatocollector/pkg/cache"
	"github.com/ja7ad/gatocollector/pkg/client"
	"github.com/ja7ad/gatocollector/pkg/config"
	"github.com/ja7ad/gatocollector/pkg/daemon"
	"github.com/ja7ad/gatocollector/pkg/server"
	"github.com/ja7ad/gatocollector/pkg/top"
	"github.com/ja7ad/gatocollector/pkg/types"
)

const spawnWait = 2 * time.Second

type queryOpts struct {
	spawn     bool
	cachePath string
	human     bool
	timeout   time.Duration
}

func newQueryCmd() *cobra.Command {
	var o queryOpts
	cmd := &cobra.Command{
		Use:   "query [TOP|HISTORY|LINE]",
		Short: "Send one command to a running collector and print the reply",
		Long: `query connects to the collector's socket, sends one protocol line (TOP when
omitted) and prints the reply. With --cache the ring file is read directly and
no daemon is needed.

Examples:
  gatotray-collector query
  gatotray-collector query HISTORY --human
  gatotray-collector query --spawn -s my_socket
  gatotray-collector query --cache /tmp/gatotray_top.cache HISTORY`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			line := "TOP"
			if len(args) == 1 {
				line = args[0]
			}
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
			defer cancel()
			return query(ctx, cmd.OutOrStdout(), cfg.Socket, line, o)
		},
	}
	config.BindSocketFlag(cmd.Flags())
	cmd.Flags().BoolVarP(&o.spawn, "spawn", "a", false, "start the collector in the background if none is listening")
	cmd.Flags().StringVar(&o.cachePath, "cache", "", "read this cache file instead of connecting")
	cmd.Flags().BoolVar(&o.human, "human", false, "print a table instead of protocol lines")
	cmd.Flags().DurationVar(&o.timeout, "timeout", client.DefaultTimeout, "overall request timeout")
	return cmd
}

func query(ctx context.Context, out io.Writer, socket, line string, o queryOpts) error {
	cmd := server.ParseCommand(line)

	if o.cachePath != "" {
		r, err := cache.OpenReadOnly(o.cachePath)
		if err != nil {
			return err
		}
		defer r.Close()
		switch cmd {
		case server.CmdTop:
			return printSnapshots(out, []top.Snapshot{r.Latest()}, o.human)
		case server.CmdHistory:
			return printSnapshots(out, r.History(), o.human)
		default:
			return errors.Errorf("only TOP and HISTORY can be read from a cache file, got %q", line)
		}
	}

	c, err := connect(ctx, socket, o.spawn)
	if err != nil {
		return err
	}
	defer c.Close()

	switch cmd {
	case server.CmdTop:
		s, err := c.Top(ctx)
		if err != nil {
			return err
		}
		return printSnapshots(out, []top.Snapshot{s}, o.human)
	case server.CmdHistory:
		h, err := c.History(ctx)
		if err != nil {
			return err
		}
		return printSnapshots(out, h, o.human)
	default:
		lines, err := c.Raw(ctx, line)
		if err != nil {
			return err
		}
		for _, l := range lines {
			fmt.Fprintln(out, l)
		}
		return nil
	}
}

// connect dials socket and, when spawn is set and nobody listens, starts a
// detached collector on that socket and retries until spawnWait runs out.
func connect(ctx context.Context, socket string, spawn bool) (*client.Client, error) {
	c, err := client.Dial(ctx, socket)
	if err == nil || !spawn {
		return c, err
	}
	if _, err := daemon.Detach([]string{"-s", socket}); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(spawnWait)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		c, err = client.Dial(ctx, socket)
		if err == nil || time.Now().After(deadline) {
			return c, errors.Wrap(err, "connect to spawned collector")
		}
	}
}

func printSnapshots(out io.Writer, snaps []top.Snapshot, human bool) error {
	if !human {
		w := bufio.NewWriter(out)
		for _, s := range snaps {
			if err := server.Render(w, s); err != nil {
				return err
			}
		}
		return w.Flush()
	}

	// title lines carry no tabs, so their colour codes do not skew the columns
	title := color.New(color.Bold, color.FgCyan)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for i, s := range snaps {
		if i > 0 {
			fmt.Fprintln(tw)
		}
		if s.IsZero() {
			fmt.Fprintln(tw, color.YellowString("no data yet"))
			continue
		}
		fmt.Fprintln(tw, title.Sprintf("%s  (%d processes)", time.Unix(s.Timestamp, 0).Format("2006-01-02 15:04:05"), len(s.Entries)))
		fmt.Fprintln(tw, "PID\tCPU%\tRSS\tCOMMAND")
		fmt.Fprintln(tw, strings.Repeat("-", 5)+"\t"+strings.Repeat("-", 6)+"\t"+strings.Repeat("-", 9)+"\t"+strings.Repeat("-", 7))
		for _, e := range s.Entries {
			fmt.Fprintf(tw, "%d\t%.2f\t%s\t%s\n", e.PID, e.CPUPercent, types.FromKB(uint64(e.RSSKB)).Humanized(), e.Comm)
		}
	}
	return tw.Flush()
}
