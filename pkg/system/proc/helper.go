//go:build linux

package proc

// tickDelta returns now-prev. A counter that went backwards (pid reuse, or no
// baseline yet) counts as no progress.
func tickDelta(now, prev uint64) uint64 {
	if now < prev {
		return 0
	}
	return now - prev
}

// cpuPercent is 100*busy/elapsed, or 0 when no system time elapsed.
func cpuPercent(busy, elapsed uint64) float64 {
	if elapsed == 0 {
		return 0
	}
	return 100 * float64(busy) / float64(elapsed)
}
