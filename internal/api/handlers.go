package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// StatusResponse answers /health.
type StatusResponse struct {
	Status string `json:"status"`
}

// StatsResponse answers /stats. Session counts are the only tunnel data
// exposed; content never crosses this API.
type StatsResponse struct {
	Uptime        string  `json:"uptime"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	GoRoutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumCPU        int     `json:"num_cpu"`

	HostMemoryUsedPercent float64 `json:"host_memory_used_percent,omitempty"`
	HostCPUPercent        float64 `json:"host_cpu_percent,omitempty"`

	ActiveSessions int `json:"active_sessions"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

func (s *Server) stats(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(s.startTime)
	resp := StatsResponse{
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		GoRoutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(m.Alloc) / 1024 / 1024,
		NumCPU:        runtime.NumCPU(),
	}
	if s.store != nil {
		resp.ActiveSessions = s.store.Len()
	}

	// Host metrics are best effort; a sandboxed process may not see them.
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.HostMemoryUsedPercent = vm.UsedPercent
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		resp.HostCPUPercent = pct[0]
	}

	c.JSON(http.StatusOK, resp)
}
