// Package top ranks the process table into fixed-size Top-N snapshots.
package top

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/ja7ad/gatocollector/pkg/system/proc"
)

// MaxEntries is the N of Top-N: a snapshot never holds more entries.
const MaxEntries = 10

// Entry is one ranked process.
type Entry struct {
	PID        uint32
	RSSKB      uint32
	CPUPercent float32
	Comm       string
}

// Snapshot is one timestamped ranking. A zero Timestamp means "no data".
type Snapshot struct {
	Timestamp    int64 // unix seconds
	TotalJiffies uint64
	Entries      []Entry
}

// IsZero reports whether s was never written.
func (s Snapshot) IsZero() bool { return s.Timestamp == 0 }

// Build ranks records by CPU% (descending, ties by ascending pid) and keeps
// the first MaxEntries. records is not modified.
func Build(records []proc.Record, total uint64, now time.Time) Snapshot {
	ranked := slices.Clone(records)
	slices.SortFunc(ranked, func(a, b proc.Record) int {
		if c := cmp.Compare(b.CPUPercent, a.CPUPercent); c != 0 {
			return c
		}
		return cmp.Compare(a.PID, b.PID)
	})

	n := min(len(ranked), MaxEntries)
	s := Snapshot{
		Timestamp:    now.Unix(),
		TotalJiffies: total,
		Entries:      make([]Entry, n),
	}
	for i, r := range ranked[:n] {
		comm := r.Comm
		if len(comm) > proc.MaxCommLen {
			comm = comm[:proc.MaxCommLen]
		}
		s.Entries[i] = Entry{
			PID:        r.PID,
			RSSKB:      uint32(min(r.RSSKB, math.MaxUint32)),
			CPUPercent: float32(r.CPUPercent),
			Comm:       comm,
		}
	}
	return s
}
