//go:build linux

// Package server answers the line protocol on an abstract unix socket.
//
// Each accepted connection is served by its own goroutine; the runtime
// netpoller does the readiness multiplexing. A weighted semaphore bounds the
// number of connected clients: it is acquired before Accept, so connections
// past the limit wait in the listen backlog until a slot frees up.
package server

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ja7ad/gatocollector/pkg/metrics"
)

const (
	// DefaultMaxClients is the default number of simultaneously connected clients.
	DefaultMaxClients = 10
	// MaxLineLen is the longest command line accepted, newline excluded. A
	// longer line closes the connection.
	MaxLineLen = 4096
)

// Options tune a Server. The zero value is usable.
type Options struct {
	MaxClients int
	Logger     *slog.Logger
	Metrics    *metrics.Monitor
}

// Server owns the listening socket and the connected clients.
type Server struct {
	name    string
	ln      net.Listener
	src     Source
	sem     *semaphore.Weighted
	logger  *slog.Logger
	metrics *metrics.Monitor
	warn    rate.Sometimes

	mu      sync.Mutex
	clients map[net.Conn]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// Address returns the listen address of the abstract socket called name.
func Address(name string) string { return "@" + name }

// Listen binds the abstract socket name. Failing to bind is fatal for the
// daemon.
func Listen(name string, src Source, opts Options) (*Server, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if opts.MaxClients < 1 {
		opts.MaxClients = DefaultMaxClients
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ln, err := net.Listen("unix", Address(name))
	if err != nil {
		return nil, errors.Wrapf(err, "listen on abstract socket %q", name)
	}
	opts.Logger.Info("listening", "socket", name, "max_clients", opts.MaxClients)

	return &Server{
		name:    name,
		ln:      ln,
		src:     src,
		sem:     semaphore.NewWeighted(int64(opts.MaxClients)),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		warn:    rate.Sometimes{First: 3, Interval: time.Minute},
		clients: make(map[net.Conn]struct{}),
	}, nil
}

// Name returns the socket name without the abstract prefix.
func (s *Server) Name() string { return s.name }

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Serve accepts clients until ctx is done or the server is closed, then
// disconnects every client and waits for their goroutines. It returns nil on
// a regular shutdown.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		conn, err := s.ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			_ = s.Close()
			return errors.Wrap(err, "accept")
		}
		if !s.track(conn) {
			_ = conn.Close()
			s.sem.Release(1)
			return nil
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

// Close stops accepting and disconnects every client. It is safe to call more
// than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := s.ln.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	return errors.Wrap(err, "close listener")
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	s.metrics.ClientConnected()
	s.logger.Debug("client connected", "clients", len(s.clients))
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
	s.metrics.ClientDisconnected()
	s.logger.Debug("client disconnected", "clients", len(s.clients))
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer s.untrack(conn)
	defer conn.Close()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 512), MaxLineLen+1)
	sc.Split(scanCompleteLines)
	w := bufio.NewWriter(conn)

	for sc.Scan() {
		cmd := ParseCommand(sc.Text())
		s.metrics.IncCommand(cmd.String())

		quit, err := Reply(w, cmd, s.src)
		if err == nil {
			err = w.Flush()
		}
		if err != nil {
			s.warn.Do(func() { s.logger.Warn("client write failed", "err", err) })
			return
		}
		if quit {
			return
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("client read ended", "err", err)
	}
}

// scanCompleteLines is bufio.ScanLines without the final-line-at-EOF case: a
// fragment that never gets its newline is dropped. '\r' is left to
// ParseCommand.
func scanCompleteLines(data []byte, _ bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i], nil
	}
	return 0, nil, nil
}
