package types

import "strconv"

// Bytes is a size in bytes.
type Bytes uint64

// FromKB converts a kilobyte count as procfs reports it (VmRSS and friends).
func FromKB(kb uint64) Bytes { return Bytes(kb) << 10 }

var units = [...]string{"KB", "MB", "GB", "TB"}

// Humanized renders b with a 1024-based unit: "512 B", "1.50 KB", "2.75 GB".
func (b Bytes) Humanized() string {
	if b < 1024 {
		return strconv.FormatUint(uint64(b), 10) + " B"
	}
	v := float64(b) / 1024
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	return strconv.FormatFloat(v, 'f', 2, 64) + " " + units[i]
}
