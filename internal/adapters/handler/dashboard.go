package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
	"omnigate/internal/core/services"
)

// Version is reported by the status endpoint
const Version = "1.0.0"

// StatusStore is the slice of the store the dashboard reads
type StatusStore interface {
	Ping(ctx context.Context) error
	CountMessages(ctx context.Context) (int64, error)
}

// DashboardHandler handles dashboard API requests
type DashboardHandler struct {
	store         StatusStore
	queue         ports.DeliveryQueue
	watchdog      *services.Watchdog
	panicMode     *services.PanicMode
	clients       func() int
	diskPath      string
	diskThreshold float64
	startedAt     time.Time
}

// NewDashboardHandler creates a new dashboard handler instance.
// watchdog, panicMode and clients may be nil.
func NewDashboardHandler(store StatusStore, queue ports.DeliveryQueue, watchdog *services.Watchdog, panicMode *services.PanicMode, clients func() int, diskPath string, diskThreshold float64) *DashboardHandler {
	if diskPath == "" {
		diskPath = "/"
	}
	if diskThreshold <= 0 {
		diskThreshold = 70
	}
	return &DashboardHandler{
		store:         store,
		queue:         queue,
		watchdog:      watchdog,
		panicMode:     panicMode,
		clients:       clients,
		diskPath:      diskPath,
		diskThreshold: diskThreshold,
		startedAt:     time.Now(),
	}
}

// ============================================================================
// System Health & Metrics
// ============================================================================

// SystemMetricsResponse represents system health data
type SystemMetricsResponse struct {
	CPUPercent        float64 `json:"cpu_percent"`
	RAMUsedGB         float64 `json:"ram_used_gb"`
	RAMTotalGB        float64 `json:"ram_total_gb"`
	RAMPercent        float64 `json:"ram_percent"`
	DiskUsedGB        float64 `json:"disk_used_gb"`
	DiskTotalGB       float64 `json:"disk_total_gb"`
	DiskPercent       float64 `json:"disk_percent"`
	GoroutinesCount   int     `json:"goroutines_count"`
	WatchdogThreshold float64 `json:"watchdog_threshold"`
	DiskWarningLevel  string  `json:"disk_warning_level"` // "safe" | "warning" | "critical"
}

// GetSystemMetrics returns current host metrics
// GET /api/system/metrics
func (h *DashboardHandler) GetSystemMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var cpuPercent float64
	if percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}

	var ramUsedGB, ramTotalGB, ramPercent float64
	if memStat, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		ramUsedGB = bytesToGB(memStat.Used)
		ramTotalGB = bytesToGB(memStat.Total)
		ramPercent = memStat.UsedPercent
	}

	var diskUsedGB, diskTotalGB, diskPercent float64
	if diskStat, err := disk.UsageWithContext(ctx, h.diskPath); err == nil {
		diskUsedGB = bytesToGB(diskStat.Used)
		diskTotalGB = bytesToGB(diskStat.Total)
		diskPercent = diskStat.UsedPercent
	}

	writeOK(w, SystemMetricsResponse{
		CPUPercent:        roundTo2Decimals(cpuPercent),
		RAMUsedGB:         roundTo2Decimals(ramUsedGB),
		RAMTotalGB:        roundTo2Decimals(ramTotalGB),
		RAMPercent:        roundTo2Decimals(ramPercent),
		DiskUsedGB:        roundTo2Decimals(diskUsedGB),
		DiskTotalGB:       roundTo2Decimals(diskTotalGB),
		DiskPercent:       roundTo2Decimals(diskPercent),
		GoroutinesCount:   runtime.NumGoroutine(),
		WatchdogThreshold: h.diskThreshold,
		DiskWarningLevel:  diskWarningLevel(diskPercent, h.diskThreshold),
	})
}

// ============================================================================
// System Status
// ============================================================================

// SystemStatusResponse represents overall system status
type SystemStatusResponse struct {
	Online       bool                     `json:"online"`
	Uptime       string                   `json:"uptime"`
	Version      string                   `json:"version"`
	Database     string                   `json:"database"` // "ok" | error text
	MessageCount int64                    `json:"message_count"`
	Queue        domain.QueueStats        `json:"queue"`
	WSClients    int                      `json:"ws_clients"`
	AIPanic      *services.PanicStatus    `json:"ai_panic,omitempty"`
	LastWatchdog *services.WatchdogReport `json:"last_watchdog,omitempty"`
}

// GetStatus returns system status
// GET /api/status
func (h *DashboardHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := SystemStatusResponse{
		Online:   true,
		Uptime:   formatDuration(time.Since(h.startedAt)),
		Version:  Version,
		Database: "ok",
	}

	if err := h.store.Ping(ctx); err != nil {
		slog.Warn("Status: database ping failed", "error", err)
		resp.Online = false
		resp.Database = err.Error()
	} else if n, err := h.store.CountMessages(ctx); err == nil {
		resp.MessageCount = n
	}

	if stats, err := h.queue.Stats(ctx); err != nil {
		slog.Warn("Status: queue stats failed", "error", err)
		resp.Online = false
	} else {
		resp.Queue = stats
	}

	if h.clients != nil {
		resp.WSClients = h.clients()
	}
	if h.panicMode != nil {
		st := h.panicMode.Status()
		resp.AIPanic = &st
	}
	if h.watchdog != nil {
		if rep, ok := h.watchdog.LastReport(); ok {
			resp.LastWatchdog = &rep
		}
	}

	status := http.StatusOK
	if !resp.Online {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, APIResponse{Code: status, Message: "Success", Data: resp})
}

// ============================================================================
// Helpers
// ============================================================================

func bytesToGB(b uint64) float64 {
	return float64(b) / 1024 / 1024 / 1024
}

func roundTo2Decimals(val float64) float64 {
	return float64(int(val*100)) / 100
}

func diskWarningLevel(percent, threshold float64) string {
	switch {
	case percent < threshold:
		return "safe"
	case percent < threshold+10:
		return "warning"
	default:
		return "critical"
	}
}

func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60

	if hours > 24 {
		days := hours / 24
		hours = hours % 24
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}

	return fmt.Sprintf("%dh %dm", hours, minutes)
}
