package client

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/ja7ad/gatocollector/pkg/top"
)

// ServerError is an ERROR line sent by the daemon.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "server: " + e.Message }

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

// ReadSnapshot parses one TIMESTAMP/ENTRIES/.../END block from r. An ERROR
// line is returned as a *ServerError.
func ReadSnapshot(r *bufio.Reader) (top.Snapshot, error) {
	line, err := readLine(r)
	if err != nil {
		return top.Snapshot{}, err
	}
	if msg, ok := strings.CutPrefix(line, "ERROR "); ok {
		return top.Snapshot{}, &ServerError{Message: msg}
	}

	var s top.Snapshot
	v, ok := strings.CutPrefix(line, "TIMESTAMP ")
	if !ok {
		return s, errors.Wrapf(ErrMalformed, "want TIMESTAMP, got %q", line)
	}
	if s.Timestamp, err = strconv.ParseInt(v, 10, 64); err != nil {
		return s, errors.Wrapf(ErrMalformed, "timestamp %q", v)
	}

	if line, err = readLine(r); err != nil {
		return s, err
	}
	v, ok = strings.CutPrefix(line, "ENTRIES ")
	if !ok {
		return s, errors.Wrapf(ErrMalformed, "want ENTRIES, got %q", line)
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > top.MaxEntries {
		return s, errors.Wrapf(ErrMalformed, "entry count %q", v)
	}

	s.Entries = make([]top.Entry, n)
	for i := range s.Entries {
		if line, err = readLine(r); err != nil {
			return s, err
		}
		if s.Entries[i], err = parseEntry(line); err != nil {
			return s, err
		}
	}

	if line, err = readLine(r); err != nil {
		return s, err
	}
	if line != "END" {
		return s, errors.Wrapf(ErrMalformed, "want END, got %q", line)
	}
	return s, nil
}

// parseEntry reads "<pid> <cpu> <rss> <comm>"; comm may contain spaces or be
// empty.
func parseEntry(line string) (top.Entry, error) {
	f := strings.SplitN(line, " ", 4)
	if len(f) < 3 {
		return top.Entry{}, errors.Wrapf(ErrMalformed, "entry %q", line)
	}
	pid, err := strconv.ParseUint(f[0], 10, 32)
	if err != nil {
		return top.Entry{}, errors.Wrapf(ErrMalformed, "pid in %q", line)
	}
	cpu, err := strconv.ParseFloat(f[1], 32)
	if err != nil {
		return top.Entry{}, errors.Wrapf(ErrMalformed, "cpu in %q", line)
	}
	rss, err := strconv.ParseUint(f[2], 10, 32)
	if err != nil {
		return top.Entry{}, errors.Wrapf(ErrMalformed, "rss in %q", line)
	}
	e := top.Entry{PID: uint32(pid), CPUPercent: float32(cpu), RSSKB: uint32(rss)}
	if len(f) == 4 {
		e.Comm = f[3]
	}
	return e, nil
}
