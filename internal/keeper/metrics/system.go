package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// CollectSystemMetrics refreshes host gauges. Scheduled by the bootstrap cron.
func CollectSystemMetrics() {
	UptimeSeconds.Set(time.Since(startTime).Seconds())

	if vmStat, err := mem.VirtualMemory(); err == nil {
		MemoryUsageBytes.Set(float64(vmStat.Used))
	}
	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		CPUUsagePercent.Set(cpuPercent[0])
	}
	GoroutinesActive.Set(float64(runtime.NumGoroutine()))
}

func Handler() http.Handler {
	return promhttp.Handler()
}
