//go:build linux

package proc

import (
	"log/slog"

	"github.com/pkg/errors"
)

// Sampler walks a procfs root once per call and keeps the resulting per-pid
// state in a Table.
type Sampler struct {
	fs     FS
	table  *Table
	logger *slog.Logger

	gen   uint64
	total uint64
}

// PassStats describes one sampling pass.
type PassStats struct {
	Total   uint64 // system tick total the pass was computed against
	Seen    int    // processes read successfully
	Skipped int    // processes that vanished or had unreadable records
	Pruned  int    // records dropped because their pid is gone
}

// NewSampler returns a sampler over fs with an empty table.
func NewSampler(fs FS, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{fs: fs, table: NewTable(), logger: logger}
}

// Table returns the sampler's process table.
func (s *Sampler) Table() *Table { return s.table }

// Total returns the system tick total of the last successful pass.
func (s *Sampler) Total() uint64 { return s.total }

// Sample reads the system tick total and then every process under the root.
//
// When the system counters or the process list cannot be read the table is
// left untouched and the error is returned; PassStats.Total then carries the
// total of the previous pass. A process that disappears or has a malformed
// record between listing and reading is skipped for this pass.
func (s *Sampler) Sample() (PassStats, error) {
	times, err := s.fs.SystemTimes()
	if err != nil {
		return PassStats{Total: s.total}, errors.Wrap(err, "read system cpu times")
	}
	total := times.Total()

	pids, err := s.fs.PIDs()
	if err != nil {
		return PassStats{Total: s.total}, errors.Wrap(err, "list processes")
	}

	s.gen++
	ps := PassStats{Total: total}
	for _, pid := range pids {
		st, err := s.fs.Stat(pid)
		if err != nil {
			ps.Skipped++
			continue
		}
		rss, err := s.fs.StatusRSS(pid)
		if err != nil {
			ps.Skipped++
			continue
		}
		s.table.update(pid, st, rss, total, s.gen)
		ps.Seen++
	}
	ps.Pruned = s.table.prune(s.gen)
	s.total = total

	s.logger.Debug("sampling pass done",
		"total", total, "seen", ps.Seen, "skipped", ps.Skipped, "pruned", ps.Pruned, "tracked", s.table.Len())
	return ps, nil
}
