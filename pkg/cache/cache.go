//go:build linux

// Package cache keeps a fixed ring of Top-N snapshots in a memory-mapped file
// so the history survives daemon restarts and can be read by other processes.
//
// There is exactly one writer (the daemon, enforced with flock). Inside the
// writer process readers are serialised against the writer with a RWMutex.
// Readers in other processes map the file read-only: the write index is
// published with an atomic store after the slot bytes are written, so they see
// either the previous or the new latest slot, but a slot that is being
// overwritten while they copy it can still come out torn.
package cache

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ja7ad/gatocollector/pkg/top"
	"github.com/ja7ad/gatocollector/pkg/types"
)

// view reads snapshots out of a mapped cache file.
type view struct {
	data  []byte
	slots uint32
}

func (v view) cursorPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&v.data[offCursor]))
}

func (v view) cursor() uint32 {
	return atomic.LoadUint32(v.cursorPtr()) % v.slots
}

func (v view) slot(i uint32) []byte {
	off := HeaderSize + int(i)*SlotSize
	return v.data[off : off+SlotSize]
}

func (v view) header() Header {
	h := readHeader(v.data)
	h.Cursor = atomic.LoadUint32(v.cursorPtr())
	return h
}

func (v view) latest() top.Snapshot {
	return decodeSnapshot(v.slot((v.cursor() + v.slots - 1) % v.slots))
}

func (v view) history() []top.Snapshot {
	cur := v.cursor()
	out := make([]top.Snapshot, 0, v.slots)
	for i := uint32(0); i < v.slots; i++ {
		s := decodeSnapshot(v.slot((cur + i) % v.slots))
		if s.IsZero() {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Cache is the writable ring buffer owned by the daemon.
type Cache struct {
	mu sync.RWMutex
	view
	f      *os.File
	path   string
	closed bool
}

// Open opens or creates the cache file at path with room for slots snapshots
// and takes the writer lock on it.
//
// A file whose header matches (magic, version, slot size and slot count) is
// reused as is, cursor and history included. Anything else is truncated,
// zeroed and given a fresh header, which is flushed synchronously.
func Open(path string, slots int, logger *slog.Logger) (*Cache, error) {
	if slots < 1 {
		return nil, errors.Errorf("cache: invalid slot count %d", slots)
	}
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open cache file %s", path)
	}
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errors.Wrap(ErrLocked, path)
		}
		return nil, errors.Wrapf(err, "lock cache file %s", path)
	}

	size := FileSize(slots)
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "stat cache file %s", path)
	}
	reuse := fi.Size() == int64(size)
	if !reuse {
		if err := f.Truncate(0); err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "truncate cache file %s", path)
		}
		if err := f.Truncate(int64(size)); err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "size cache file %s", path)
		}
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "mmap cache file %s", path)
	}
	c := &Cache{
		view: view{data: data, slots: uint32(slots)},
		f:    f,
		path: path,
	}

	if h := readHeader(data); reuse && h.valid(size) && h.NumSlots == uint32(slots) {
		logger.Info("cache reopened", "path", path, "slots", slots, "cursor", h.Cursor)
		return c, nil
	}

	clear(data)
	writeHeader(data, Header{
		Magic:    Magic,
		Version:  Version,
		SlotSize: SlotSize,
		NumSlots: uint32(slots),
	})
	if err := unix.Msync(data, unix.MS_SYNC); err != nil {
		_ = c.Close()
		return nil, errors.Wrapf(err, "flush cache header %s", path)
	}
	logger.Info("cache initialised", "path", path, "slots", slots, "size", types.Bytes(size).Humanized())
	return c, nil
}

// Path returns the backing file path.
func (c *Cache) Path() string { return c.path }

// Slots returns the ring capacity.
func (c *Cache) Slots() int { return int(c.slots) }

// Header returns the current header, cursor included.
func (c *Cache) Header() Header {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return Header{}
	}
	return c.header()
}

// Write stores s in the slot under the cursor, then advances the cursor and
// schedules an asynchronous flush.
func (c *Cache) Write(s top.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	cur := c.cursor()
	encodeSnapshot(c.slot(cur), s)
	atomic.StoreUint32(c.cursorPtr(), (cur+1)%c.slots)
	return errors.Wrap(unix.Msync(c.data, unix.MS_ASYNC), "msync cache")
}

// Latest returns the most recently written snapshot. Before the first write
// it is the zero snapshot (timestamp 0, no entries).
func (c *Cache) Latest() top.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return top.Snapshot{Entries: []top.Entry{}}
	}
	return c.latest()
}

// History returns every written snapshot from oldest to newest, skipping slots
// with a zero timestamp.
func (c *Cache) History() []top.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}
	return c.history()
}

// Close flushes the map synchronously, unmaps it and releases the file.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var first error
	keep := func(err error, msg string) {
		if err != nil && first == nil {
			first = errors.Wrap(err, msg)
		}
	}
	keep(unix.Msync(c.data, unix.MS_SYNC), "msync cache")
	keep(unix.Munmap(c.data), "munmap cache")
	c.data = nil
	keep(unix.Flock(int(c.f.Fd()), unix.LOCK_UN), "unlock cache")
	keep(c.f.Close(), "close cache")
	return first
}

// Reader is a read-only mapping of a cache file, for processes other than
// the writer.
type Reader struct {
	view
	f *os.File
}

// OpenReadOnly maps the cache file at path read-only. A file whose header is
// not recognised is refused with ErrBadHeader.
func OpenReadOnly(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open cache file %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "stat cache file %s", path)
	}
	size := int(fi.Size())
	if size < HeaderSize {
		_ = f.Close()
		return nil, errors.Wrapf(ErrBadHeader, "%s: %d bytes", path, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "mmap cache file %s", path)
	}
	h := readHeader(data)
	if !h.valid(size) {
		_ = unix.Munmap(data)
		_ = f.Close()
		return nil, errors.Wrapf(ErrBadHeader, "%s: magic=%#x version=%d slot_size=%d slots=%d",
			path, h.Magic, h.Version, h.SlotSize, h.NumSlots)
	}
	return &Reader{view: view{data: data, slots: h.NumSlots}, f: f}, nil
}

// Header returns the current header, cursor included.
func (r *Reader) Header() Header { return r.header() }

// Latest returns the most recently published snapshot.
func (r *Reader) Latest() top.Snapshot { return r.latest() }

// History returns the written snapshots from oldest to newest.
func (r *Reader) History() []top.Snapshot { return r.history() }

// Close unmaps the file.
func (r *Reader) Close() error {
	err := unix.Munmap(r.data)
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}
