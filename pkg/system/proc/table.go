//go:build linux

package proc

// initialCapacity is the first allocation of the record storage; it doubles
// every time it fills up.
const initialCapacity = 256

// Record is the sampling state of one pid.
type Record struct {
	PID        uint32
	Comm       string
	RSSKB      uint64
	UTime      uint64 // user ticks at the last sample
	STime      uint64 // system ticks at the last sample
	Total      uint64 // system tick total at the last sample
	CPUPercent float64

	gen uint64 // sampling pass that last observed this pid
}

// Ticks returns utime+stime at the last sample.
func (r Record) Ticks() uint64 { return r.UTime + r.STime }

// Table holds one Record per pid. It is not safe for concurrent use; the
// sampler is its only writer.
type Table struct {
	recs  []Record
	index map[uint32]int
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{index: make(map[uint32]int)}
}

// Len returns the number of tracked pids.
func (t *Table) Len() int { return len(t.recs) }

// Cap returns the current storage capacity.
func (t *Table) Cap() int { return cap(t.recs) }

// Records returns the live records. The slice is owned by the table and is
// only valid until the next Update or Prune.
func (t *Table) Records() []Record { return t.recs }

// Get returns the record for pid.
func (t *Table) Get(pid uint32) (Record, bool) {
	i, ok := t.index[pid]
	if !ok {
		return Record{}, false
	}
	return t.recs[i], true
}

// Update records a new observation of pid.
//
// A pid seen for the first time starts at 0% with the given ticks and total as
// baseline. A known pid gets cpu% = 100 * Δticks / Δtotal, or 0 when either
// delta is not positive, and the new values become the baseline.
func (t *Table) Update(pid uint32, st Stat, rssKB, total uint64) {
	t.update(pid, st, rssKB, total, 0)
}

func (t *Table) update(pid uint32, st Stat, rssKB, total, gen uint64) {
	i, ok := t.index[pid]
	if !ok {
		t.grow()
		t.recs = append(t.recs, Record{
			PID:   pid,
			Comm:  st.Comm,
			RSSKB: rssKB,
			UTime: st.UTime,
			STime: st.STime,
			Total: total,
			gen:   gen,
		})
		t.index[pid] = len(t.recs) - 1
		return
	}

	r := &t.recs[i]
	r.CPUPercent = cpuPercent(tickDelta(st.Ticks(), r.Ticks()), tickDelta(total, r.Total))
	r.Comm = st.Comm
	r.RSSKB = rssKB
	r.UTime = st.UTime
	r.STime = st.STime
	r.Total = total
	r.gen = gen
}

func (t *Table) grow() {
	if len(t.recs) < cap(t.recs) {
		return
	}
	n := cap(t.recs) * 2
	if n == 0 {
		n = initialCapacity
	}
	grown := make([]Record, len(t.recs), n)
	copy(grown, t.recs)
	t.recs = grown
}

// prune drops every record not observed during pass gen and returns how many
// were removed.
func (t *Table) prune(gen uint64) int {
	kept := t.recs[:0]
	for _, r := range t.recs {
		if r.gen == gen {
			kept = append(kept, r)
		}
	}
	removed := len(t.recs) - len(kept)
	if removed == 0 {
		return 0
	}
	clear(t.recs[len(kept):])
	t.recs = kept
	clear(t.index)
	for i, r := range t.recs {
		t.index[r.PID] = i
	}
	return removed
}
