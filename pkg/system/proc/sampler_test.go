//go:build linux

package proc

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampler_TwoPasses(t *testing.T) {
	p := newFakeProc(t)
	p.setTotal(500, 0, 200, 300, 0, 0, 0, 0) // 1000
	p.setProc(100, "busy", 100, 50, 4096)
	p.setProc(200, "idle", 10, 10, 1024)

	s := NewSampler(p.fs(), nil)
	ps, err := s.Sample()
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), ps.Total)
	assert.Equal(t, 2, ps.Seen)
	assert.Equal(t, 2, s.Table().Len())

	p.setTotal(550, 0, 250, 300, 0, 0, 0, 0) // 1100
	p.setProc(100, "busy", 120, 60, 8192)
	p.setProc(200, "idle", 10, 10, 1024)

	ps, err = s.Sample()
	require.NoError(t, err)
	assert.Equal(t, uint64(1100), ps.Total)
	assert.Equal(t, uint64(1100), s.Total())

	busy, ok := s.Table().Get(100)
	require.True(t, ok)
	assert.InDelta(t, 30.0, busy.CPUPercent, 1e-9)
	assert.Equal(t, uint64(8192), busy.RSSKB)

	idle, ok := s.Table().Get(200)
	require.True(t, ok)
	assert.Equal(t, 0.0, idle.CPUPercent)
}

func TestSampler_SkipsMalformedRSS(t *testing.T) {
	p := newFakeProc(t)
	p.setTotal(1, 1, 1, 1, 1, 1, 1, 1)
	p.setProc(1, "ok", 1, 1, 1)
	p.write("7/stat", "7 (bad rss) S 1 7 7 0 -1 4194560 100 0 0 0 5 5 0 0 20\n")
	p.write("7/status", "Name:\tbad rss\nVmRSS:\tgarbage kB\n")

	s := NewSampler(p.fs(), nil)
	ps, err := s.Sample()
	require.NoError(t, err)
	assert.Equal(t, 1, ps.Seen)
	assert.Equal(t, 1, ps.Skipped)
	_, ok := s.Table().Get(7)
	assert.False(t, ok)
	_, ok = s.Table().Get(1)
	assert.True(t, ok)
}

func TestSampler_SkipsVanishedAndMalformed(t *testing.T) {
	p := newFakeProc(t)
	p.setTotal(1, 1, 1, 1, 1, 1, 1, 1)
	p.setProc(1, "ok", 1, 1, 1)
	p.write("2/stat", "2 (nostatus) S 1 2 2 0 -1 4194560 100 0 0 0 1 1 0 0 20\n")
	p.write("3/stat", "garbage\n")
	p.write("3/status", "VmRSS: 1 kB\n")
	require.NoError(t, os.MkdirAll(p.root+"/4", 0o755)) // exited between listing and reading

	s := NewSampler(p.fs(), nil)
	ps, err := s.Sample()
	require.NoError(t, err)
	assert.Equal(t, 1, ps.Seen)
	assert.Equal(t, 3, ps.Skipped)
	assert.Equal(t, 1, s.Table().Len())
}

func TestSampler_PrunesExitedPids(t *testing.T) {
	p := newFakeProc(t)
	p.setTotal(1, 1, 1, 1, 1, 1, 1, 1)
	p.setProc(1, "init", 1, 1, 1)
	p.setProc(2, "shortlived", 1, 1, 1)

	s := NewSampler(p.fs(), nil)
	_, err := s.Sample()
	require.NoError(t, err)
	require.Equal(t, 2, s.Table().Len())

	p.remove(2)
	ps, err := s.Sample()
	require.NoError(t, err)
	assert.Equal(t, 1, ps.Pruned)
	_, ok := s.Table().Get(2)
	assert.False(t, ok)
}

func TestSampler_UnreadableSystemStatKeepsTable(t *testing.T) {
	p := newFakeProc(t)
	p.setTotal(1, 1, 1, 1, 1, 1, 1, 1)
	p.setProc(1, "init", 1, 1, 1)

	s := NewSampler(p.fs(), nil)
	_, err := s.Sample()
	require.NoError(t, err)

	require.NoError(t, os.Remove(p.root+"/stat"))
	p.setProc(1, "init", 50, 50, 1)

	ps, err := s.Sample()
	require.Error(t, err)
	assert.Equal(t, uint64(8), ps.Total, "previous total is reported")

	r, ok := s.Table().Get(1)
	require.True(t, ok)
	assert.Equal(t, uint64(2), r.Ticks(), "table untouched")
}

func TestSampler_RealProc(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skipf("skipping: no procfs: %v", err)
	}
	s := NewSampler(NewFS(DefaultRoot), nil)
	ps, err := s.Sample()
	require.NoError(t, err)
	assert.Greater(t, ps.Seen, 0)

	_, ok := s.Table().Get(uint32(os.Getpid()))
	assert.True(t, ok)
}
