// Package proc reads process and system CPU counters from a procfs mount and
// keeps the per-pid table the collector ranks every sampling tick.
//
// Overview
//
//   - FS: readers rooted at a procfs directory (normally /proc).
//     SystemTimes()  aggregate "cpu" line of <root>/stat
//     PIDs()         numeric directories of <root>
//     Stat(pid)      comm, utime and stime from <root>/<pid>/stat
//     StatusRSS(pid) VmRSS (kB) from <root>/<pid>/status
//
//   - Table: one Record per live pid. CPU% is recomputed on every update from
//     the tick delta of the same pid against the system tick delta:
//
//     cpu% = 100 * Δ(utime+stime) / Δ(system total)
//
//     A non-positive delta on either side yields 0.
//
//   - Sampler: one pass over FS feeding Table. Processes that exit between the
//     directory listing and the per-pid reads are skipped; pids not observed
//     during a complete pass are pruned.
//
// Errors (errs.go):
//
//	ErrNoStat    : <pid>/stat empty or malformed
//	ErrShortStat : <pid>/stat has fewer fields than expected
//	ErrNoCPU     : <root>/stat has no aggregate cpu line
//
// # Testing guidance
//
// All readers take the root directory from FS, so tests can lay out a fake
// procfs under t.TempDir() and stay hermetic. A smoke test samples the real
// /proc and only asserts on the current process.
package proc
