// Package client talks to a running collector over its abstract socket.
package client

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/ja7ad/gatocollector/pkg/top"
)

// DefaultTimeout bounds a request when the context has no deadline.
const DefaultTimeout = 5 * time.Second

// fence is sent after HISTORY. The protocol has no end marker for a history
// reply, but the daemon answers any unknown command with one ERROR line, which
// marks where the history ends.
const fence = "SYNC"

// Client is one connection to the collector. It is not safe for concurrent
// use.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to the abstract socket name.
func Dial(ctx context.Context, name string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", "@"+name)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to collector %q", name)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

func (c *Client) send(ctx context.Context, lines ...string) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return err
	}
	_, err := io.WriteString(c.conn, strings.Join(lines, "\n")+"\n")
	return errors.Wrap(err, "send command")
}

// Top returns the daemon's latest snapshot.
func (c *Client) Top(ctx context.Context) (top.Snapshot, error) {
	if err := c.send(ctx, "TOP"); err != nil {
		return top.Snapshot{}, err
	}
	return ReadSnapshot(c.r)
}

// History returns every snapshot in the daemon's ring, oldest first.
func (c *Client) History(ctx context.Context) ([]top.Snapshot, error) {
	if err := c.send(ctx, "HISTORY", fence); err != nil {
		return nil, err
	}
	var out []top.Snapshot
	for {
		s, err := ReadSnapshot(c.r)
		var se *ServerError
		if errors.As(err, &se) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
}

// Raw sends line as is and returns the reply lines: up to END for a snapshot
// command, the single ERROR line for an unknown one, nothing once the
// connection is closed by QUIT.
func (c *Client) Raw(ctx context.Context, line string) ([]string, error) {
	if err := c.send(ctx, line); err != nil {
		return nil, err
	}
	var out []string
	for {
		l, err := readLine(c.r)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, l)
		if l == "END" || strings.HasPrefix(l, "ERROR ") {
			return out, nil
		}
	}
}

// Quit asks the daemon to close the connection and closes it locally.
func (c *Client) Quit(ctx context.Context) error {
	err := c.send(ctx, "QUIT")
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }
