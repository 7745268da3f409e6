package cache

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/ja7ad/gatocollector/pkg/top"
)

// On-disk layout, native byte order. It mirrors the C structs the tray reads:
//
//	header  magic u32 | version u32 | slot_size u32 | num_slots u32 | write_index u32
//	slot    timestamp i64 | total_jiffies u64 | num_entries i32 | entries[10] | pad
//	entry   pid u32 | rss_kb u32 | cpu_percent f32 | comm [256]byte
const (
	Magic   uint32 = 0x47415443 // "GATC"
	Version uint32 = 1

	HeaderSize = 20
	SlotSize   = 2704

	DefaultSlots = 60

	offMagic    = 0
	offVersion  = 4
	offSlotSize = 8
	offNumSlots = 12
	offCursor   = 16

	offTimestamp = 0
	offTotal     = 8
	offCount     = 16
	offEntries   = 20

	entrySize = 268
	commSize  = 256
)

var native = binary.NativeEndian

// Header is the decoded file header.
type Header struct {
	Magic    uint32
	Version  uint32
	SlotSize uint32
	NumSlots uint32
	Cursor   uint32
}

// FileSize returns the backing file size for n slots.
func FileSize(n int) int { return HeaderSize + n*SlotSize }

func readHeader(b []byte) Header {
	return Header{
		Magic:    native.Uint32(b[offMagic:]),
		Version:  native.Uint32(b[offVersion:]),
		SlotSize: native.Uint32(b[offSlotSize:]),
		NumSlots: native.Uint32(b[offNumSlots:]),
		Cursor:   native.Uint32(b[offCursor:]),
	}
}

func writeHeader(b []byte, h Header) {
	native.PutUint32(b[offMagic:], h.Magic)
	native.PutUint32(b[offVersion:], h.Version)
	native.PutUint32(b[offSlotSize:], h.SlotSize)
	native.PutUint32(b[offNumSlots:], h.NumSlots)
	native.PutUint32(b[offCursor:], h.Cursor)
}

// valid reports whether h describes a file of size bytes this package can read.
func (h Header) valid(size int) bool {
	return h.Magic == Magic &&
		h.Version == Version &&
		h.SlotSize == SlotSize &&
		h.NumSlots > 0 &&
		h.Cursor < h.NumSlots &&
		size >= FileSize(int(h.NumSlots))
}

func encodeSnapshot(dst []byte, s top.Snapshot) {
	clear(dst[:SlotSize])
	n := min(len(s.Entries), top.MaxEntries)
	native.PutUint64(dst[offTimestamp:], uint64(s.Timestamp))
	native.PutUint64(dst[offTotal:], s.TotalJiffies)
	native.PutUint32(dst[offCount:], uint32(n))
	for i, e := range s.Entries[:n] {
		b := dst[offEntries+i*entrySize:]
		native.PutUint32(b[0:], e.PID)
		native.PutUint32(b[4:], e.RSSKB)
		native.PutUint32(b[8:], math.Float32bits(e.CPUPercent))
		// keep the trailing NUL the C reader relies on
		copy(b[12:12+commSize-1], e.Comm)
	}
}

func decodeSnapshot(src []byte) top.Snapshot {
	s := top.Snapshot{
		Timestamp:    int64(native.Uint64(src[offTimestamp:])),
		TotalJiffies: native.Uint64(src[offTotal:]),
	}
	n := int(int32(native.Uint32(src[offCount:])))
	n = max(0, min(n, top.MaxEntries))
	s.Entries = make([]top.Entry, n)
	for i := range s.Entries {
		b := src[offEntries+i*entrySize:]
		comm := b[12 : 12+commSize]
		if j := bytes.IndexByte(comm, 0); j >= 0 {
			comm = comm[:j]
		}
		s.Entries[i] = top.Entry{
			PID:        native.Uint32(b[0:]),
			RSSKB:      native.Uint32(b[4:]),
			CPUPercent: math.Float32frombits(native.Uint32(b[8:])),
			Comm:       string(comm),
		}
	}
	return s
}
