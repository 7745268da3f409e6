//go:build linux

package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTickDelta(t *testing.T) {
	tests := []struct {
		name      string
		now, prev uint64
		want      uint64
	}{
		{"increase", 110, 100, 10},
		{"no_change", 100, 100, 0},
		// pid reuse: a fresh process reports fewer ticks than the old baseline
		{"went_backwards", 99, 100, 0},
		{"near_max", ^uint64(0), ^uint64(0) - 5, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tickDelta(tt.now, tt.prev))
		})
	}
}

func TestCPUPercent(t *testing.T) {
	assert.InDelta(t, 30.0, cpuPercent(30, 100), 1e-12)
	assert.InDelta(t, 250.0, cpuPercent(5, 2), 1e-12)
	assert.Equal(t, 0.0, cpuPercent(123, 0))
	assert.Equal(t, 0.0, cpuPercent(0, 100))
}
