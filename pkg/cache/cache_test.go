//go:build linux

package cache

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ja7ad/gatocollector/pkg/top"
)

func snap(ts int64, pids ...uint32) top.Snapshot {
	s := top.Snapshot{Timestamp: ts, TotalJiffies: uint64(ts) * 100, Entries: []top.Entry{}}
	for i, pid := range pids {
		s.Entries = append(s.Entries, top.Entry{
			PID:        pid,
			RSSKB:      uint32(1000 + i),
			CPUPercent: float32(50 - i),
			Comm:       "proc " + string(rune('a'+i)),
		})
	}
	return s
}

func openTemp(t *testing.T, slots int) (*Cache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "top.cache")
	c, err := Open(path, slots, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, path
}

func timestamps(ss []top.Snapshot) []int64 {
	out := make([]int64, len(ss))
	for i, s := range ss {
		out[i] = s.Timestamp
	}
	return out
}

func TestOpen_NewFile(t *testing.T) {
	c, path := openTemp(t, 5)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(FileSize(5)), fi.Size())

	h := c.Header()
	assert.Equal(t, Magic, h.Magic)
	assert.Equal(t, Version, h.Version)
	assert.Equal(t, uint32(SlotSize), h.SlotSize)
	assert.Equal(t, uint32(5), h.NumSlots)
	assert.Equal(t, uint32(0), h.Cursor)
	assert.Equal(t, 5, c.Slots())
	assert.Equal(t, path, c.Path())
}

func TestOpen_InvalidSlots(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "x"), 0, nil)
	require.Error(t, err)
}

func TestOpen_UncreatablePath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "top.cache"), 3, nil)
	require.Error(t, err)
}

func TestLatest_BeforeAnyWrite(t *testing.T) {
	c, _ := openTemp(t, 4)

	s := c.Latest()
	assert.Equal(t, int64(0), s.Timestamp)
	assert.Empty(t, s.Entries)
	assert.True(t, s.IsZero())
	assert.Empty(t, c.History())
}

func TestWriteLatest(t *testing.T) {
	c, _ := openTemp(t, 4)

	in := snap(1700000001, 10, 20, 30)
	require.NoError(t, c.Write(in))

	got := c.Latest()
	assert.Equal(t, in, got)
	assert.Equal(t, uint32(1), c.Header().Cursor)
}

func TestWrite_CursorWraps(t *testing.T) {
	c, _ := openTemp(t, 3)
	for ts := int64(1); ts <= 3; ts++ {
		require.NoError(t, c.Write(snap(ts, 1)))
	}
	assert.Equal(t, uint32(0), c.Header().Cursor)
	assert.Equal(t, int64(3), c.Latest().Timestamp)

	require.NoError(t, c.Write(snap(4, 1)))
	assert.Equal(t, uint32(1), c.Header().Cursor)
	assert.Equal(t, int64(4), c.Latest().Timestamp)
}

func TestHistory_Chronological(t *testing.T) {
	c, _ := openTemp(t, 5)
	for ts := int64(1); ts <= 3; ts++ {
		require.NoError(t, c.Write(snap(ts, uint32(ts))))
	}
	// never-written slots are skipped
	assert.Equal(t, []int64{1, 2, 3}, timestamps(c.History()))
}

func TestHistory_OldestDroppedAfterWrap(t *testing.T) {
	const slots = 4
	c, _ := openTemp(t, slots)
	for ts := int64(1); ts <= slots+1; ts++ {
		require.NoError(t, c.Write(snap(ts, 1)))
	}
	h := c.History()
	assert.Len(t, h, slots)
	assert.Equal(t, []int64{2, 3, 4, 5}, timestamps(h))

	for ts := int64(6); ts <= 20; ts++ {
		require.NoError(t, c.Write(snap(ts, 1)))
		h := c.History()
		require.LessOrEqual(t, len(h), slots)
		for i := 1; i < len(h); i++ {
			require.Less(t, h[i-1].Timestamp, h[i].Timestamp)
		}
	}
}

func TestHistory_ExcludesZeroTimestamp(t *testing.T) {
	c, _ := openTemp(t, 4)
	require.NoError(t, c.Write(snap(5, 1)))
	require.NoError(t, c.Write(top.Snapshot{Timestamp: 0, Entries: []top.Entry{{PID: 9}}}))
	require.NoError(t, c.Write(snap(7, 1)))

	assert.Equal(t, []int64{5, 7}, timestamps(c.History()))
}

func TestOpen_ReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "top.cache")
	c, err := Open(path, 3, nil)
	require.NoError(t, err)
	require.NoError(t, c.Write(snap(1, 11)))
	require.NoError(t, c.Write(snap(2, 22)))
	require.NoError(t, c.Close())

	c, err = Open(path, 3, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, uint32(2), c.Header().Cursor)
	assert.Equal(t, snap(2, 22), c.Latest())
	assert.Equal(t, []int64{1, 2}, timestamps(c.History()))
}

func TestOpen_ReinitialisesOnMismatch(t *testing.T) {
	t.Run("slot_count_changed", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "top.cache")
		c, err := Open(path, 3, nil)
		require.NoError(t, err)
		require.NoError(t, c.Write(snap(1, 1)))
		require.NoError(t, c.Close())

		c, err = Open(path, 6, nil)
		require.NoError(t, err)
		defer c.Close()
		assert.Equal(t, uint32(6), c.Header().NumSlots)
		assert.Empty(t, c.History())
	})
	t.Run("bad_magic", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "top.cache")
		c, err := Open(path, 3, nil)
		require.NoError(t, err)
		require.NoError(t, c.Write(snap(1, 1)))
		require.NoError(t, c.Close())

		f, err := os.OpenFile(path, os.O_RDWR, 0)
		require.NoError(t, err)
		_, err = f.WriteAt([]byte{0xde, 0xad, 0xbe, 0xef}, 0)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		c, err = Open(path, 3, nil)
		require.NoError(t, err)
		defer c.Close()
		assert.Equal(t, Magic, c.Header().Magic)
		assert.Empty(t, c.History())
		assert.True(t, c.Latest().IsZero())
	})
	t.Run("garbage_file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "top.cache")
		require.NoError(t, os.WriteFile(path, []byte("not a cache"), 0o644))

		c, err := Open(path, 2, nil)
		require.NoError(t, err)
		defer c.Close()
		assert.Equal(t, uint32(2), c.Header().NumSlots)
	})
}

func TestOpen_SecondWriterRefused(t *testing.T) {
	_, path := openTemp(t, 2)

	_, err := Open(path, 2, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "top.cache")
	c, err := Open(path, 2, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "second close is a no-op")

	assert.ErrorIs(t, c.Write(snap(1, 1)), ErrClosed)
	assert.True(t, c.Latest().IsZero())
	assert.Nil(t, c.History())

	// lock released
	c2, err := Open(path, 2, nil)
	require.NoError(t, err)
	require.NoError(t, c2.Close())
}

func TestOpenReadOnly(t *testing.T) {
	c, path := openTemp(t, 3)
	require.NoError(t, c.Write(snap(1, 5)))
	require.NoError(t, c.Write(snap(2, 6)))

	r, err := OpenReadOnly(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint32(3), r.Header().NumSlots)
	assert.Equal(t, snap(2, 6), r.Latest())
	assert.Equal(t, []int64{1, 2}, timestamps(r.History()))

	// the writer's updates are visible through the shared mapping
	require.NoError(t, c.Write(snap(3, 7)))
	assert.Equal(t, int64(3), r.Latest().Timestamp)
}

func TestOpenReadOnly_RefusesUnknownFiles(t *testing.T) {
	dir := t.TempDir()

	cases := map[string][]byte{
		"short":       []byte{1, 2, 3},
		"bad_magic":   make([]byte, FileSize(1)),
		"truncated":   nil,
		"bad_version": nil,
	}
	h := make([]byte, HeaderSize)
	writeHeader(h, Header{Magic: Magic, Version: Version, SlotSize: SlotSize, NumSlots: 4})
	cases["truncated"] = h // header claims 4 slots, file holds none

	bv := make([]byte, FileSize(1))
	writeHeader(bv, Header{Magic: Magic, Version: Version + 1, SlotSize: SlotSize, NumSlots: 1})
	cases["bad_version"] = bv

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, content, 0o644))
			_, err := OpenReadOnly(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrBadHeader)
		})
	}

	_, err := OpenReadOnly(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

// consistent reports whether every entry of s carries the pid derived from its
// timestamp, which is how the stress writer fills them.
func consistent(s top.Snapshot) bool {
	if s.IsZero() {
		return len(s.Entries) == 0
	}
	if len(s.Entries) != int(s.Timestamp%top.MaxEntries)+1 {
		return false
	}
	for _, e := range s.Entries {
		if e.PID != uint32(s.Timestamp) {
			return false
		}
	}
	return true
}

func TestConcurrentReadersDuringWrites(t *testing.T) {
	c, path := openTemp(t, 4)
	r, err := OpenReadOnly(path)
	require.NoError(t, err)
	defer r.Close()

	const writes = 2000
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for ts := int64(1); ts <= writes; ts++ {
			s := top.Snapshot{Timestamp: ts}
			for n := int64(0); n < ts%top.MaxEntries+1; n++ {
				s.Entries = append(s.Entries, top.Entry{PID: uint32(ts), Comm: "w"})
			}
			if err := c.Write(s); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	// in-process readers are serialised with the writer: never torn
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if s := c.Latest(); !consistent(s) {
					t.Errorf("torn in-process read: ts=%d entries=%d", s.Timestamp, len(s.Entries))
					return
				}
				for _, s := range c.History() {
					if !consistent(s) {
						t.Errorf("torn in-process history read: ts=%d", s.Timestamp)
						return
					}
				}
			}
		}()
	}

	// a foreign mapping has no lock: torn reads are possible but bounded
	torn := 0
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			s := r.Latest()
			if len(s.Entries) > top.MaxEntries {
				t.Errorf("entry count out of range: %d", len(s.Entries))
				return
			}
			if !consistent(s) {
				torn++
			}
		}
	}()

	wg.Wait()
	t.Logf("foreign reader observed %d torn snapshots", torn)
	assert.Equal(t, int64(writes), c.Latest().Timestamp)
	assert.Equal(t, int64(writes), r.Latest().Timestamp)
}
