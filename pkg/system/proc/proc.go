//go:build linux

package proc

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultRoot is where procfs is mounted on a normal Linux host.
const DefaultRoot = "/proc"

// MaxCommLen is the longest command name kept for a process, in bytes.
const MaxCommLen = 255

// FS reads counters below a procfs root.
type FS struct {
	root string
}

// NewFS returns an FS rooted at root, or at DefaultRoot when root is empty.
func NewFS(root string) FS {
	if root == "" {
		root = DefaultRoot
	}
	return FS{root: root}
}

// Root returns the directory this FS reads from.
func (fs FS) Root() string { return fs.root }

func (fs FS) path(elem ...string) string {
	return filepath.Join(append([]string{fs.root}, elem...)...)
}

func (fs FS) pidPath(pid uint32, file string) string {
	return fs.path(strconv.FormatUint(uint64(pid), 10), file)
}

//
// System-level readers
//

// CPUTimes holds the aggregate jiffy counters of the "cpu" line in /proc/stat.
// Steal is zero on kernels that do not report it.
type CPUTimes struct {
	User    uint64
	Nice    uint64
	System  uint64
	Idle    uint64
	IOWait  uint64
	IRQ     uint64
	SoftIRQ uint64
	Steal   uint64
}

// Total is the sum of all counters: the system-wide tick total that per-process
// deltas are divided by.
func (c CPUTimes) Total() uint64 {
	return c.User + c.Nice + c.System + c.Idle + c.IOWait + c.IRQ + c.SoftIRQ + c.Steal
}

// SystemTimes parses the aggregate CPU line of /proc/stat. The counters are
// monotonic; callers take deltas between samples.
func (fs FS) SystemTimes() (CPUTimes, error) {
	f, err := os.Open(fs.path("stat"))
	if err != nil {
		return CPUTimes{}, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || fields[0] != "cpu" {
			continue
		}
		// user nice system idle iowait irq softirq [steal ...]
		if len(fields) < 8 {
			return CPUTimes{}, ErrNoCPU
		}
		vals := make([]uint64, 8)
		for i := range vals {
			if i+1 >= len(fields) {
				break
			}
			v, err := strconv.ParseUint(fields[i+1], 10, 64)
			if err != nil {
				return CPUTimes{}, ErrNoCPU
			}
			vals[i] = v
		}
		return CPUTimes{
			User:    vals[0],
			Nice:    vals[1],
			System:  vals[2],
			Idle:    vals[3],
			IOWait:  vals[4],
			IRQ:     vals[5],
			SoftIRQ: vals[6],
			Steal:   vals[7],
		}, nil
	}
	if err := sc.Err(); err != nil {
		return CPUTimes{}, err
	}
	return CPUTimes{}, ErrNoCPU
}

// PIDs lists the process directories under the root: every directory whose
// name parses as a positive integer.
func (fs FS) PIDs() ([]uint32, error) {
	entries, err := os.ReadDir(fs.root)
	if err != nil {
		return nil, err
	}
	pids := make([]uint32, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil || pid == 0 {
			continue
		}
		pids = append(pids, uint32(pid))
	}
	return pids, nil
}

//
// Per-PID readers
//

// Stat is the subset of /proc/<pid>/stat the collector needs.
type Stat struct {
	Comm  string
	UTime uint64 // user jiffies
	STime uint64 // system jiffies
}

// Ticks returns utime+stime.
func (s Stat) Ticks() uint64 { return s.UTime + s.STime }

// Stat parses /proc/<pid>/stat.
//
// comm (2nd field) is in parens and may contain spaces or parens itself, so
// it runs from the first '(' to the last ')'. It is truncated to MaxCommLen.
func (fs FS) Stat(pid uint32) (Stat, error) {
	b, err := os.ReadFile(fs.pidPath(pid, "stat"))
	if err != nil {
		return Stat{}, err
	}
	line := strings.TrimSpace(string(b))

	l := strings.IndexByte(line, '(')
	r := strings.LastIndexByte(line, ')')
	if l < 0 || r < l {
		return Stat{}, ErrNoStat
	}
	comm := line[l+1 : r]
	if len(comm) > MaxCommLen {
		comm = comm[:MaxCommLen]
	}

	// fields[0] is state (3rd overall); utime is 14th overall, stime 15th.
	fields := strings.Fields(line[r+1:])
	if len(fields) < 13 {
		return Stat{}, ErrShortStat
	}
	ut, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return Stat{}, ErrNoStat
	}
	st, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return Stat{}, ErrNoStat
	}
	return Stat{Comm: comm, UTime: ut, STime: st}, nil
}

// StatusRSS returns VmRSS in kilobytes from /proc/<pid>/status.
// Kernel threads have no VmRSS line; that reads as 0, not as an error.
func (fs FS) StatusRSS(pid uint32) (uint64, error) {
	f, err := os.Open(fs.pidPath(pid, "status"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "VmRSS:"))
		if len(fields) == 0 {
			return 0, nil
		}
		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, errors.Wrapf(ErrNoRSS, "pid %d: %v", pid, err)
		}
		return kb, nil
	}
	return 0, sc.Err()
}
