// Package util describes the host the collector runs on.
package util

import (
	"strconv"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/ja7ad/gatocollector/pkg/types"
)

const unknown = "unknown"

// SystemSummary returns the hostname, kernel release, logical CPU count and
// total memory of the host. Fields that cannot be read come back as "unknown".
func SystemSummary() (hostname, kernel, cpus, memory string) {
	hostname, kernel, cpus, memory = unknown, unknown, unknown, unknown

	if info, err := host.Info(); err == nil {
		if info.Hostname != "" {
			hostname = info.Hostname
		}
		if info.KernelVersion != "" {
			kernel = info.KernelVersion
			if info.KernelArch != "" {
				kernel += " " + info.KernelArch
			}
		}
	}
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		cpus = strconv.Itoa(n)
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		memory = types.Bytes(vm.Total).Humanized()
	}
	return hostname, kernel, cpus, memory
}
