// Package services contains core business logic services
// Following Hexagonal Architecture: Core layer is independent of infrastructure
package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
)

// WatchdogConfig tunes the resource watchdog
type WatchdogConfig struct {
	Interval        time.Duration
	DiskPath        string
	DiskThreshold   float64       // percent used that counts as pressure
	FailedRetention time.Duration // how long terminally failed jobs stay listable
}

// WatchdogReport is the outcome of one check
type WatchdogReport struct {
	CheckedAt    time.Time         `json:"checkedAt"`
	DiskUsedPct  float64           `json:"diskUsedPct"`
	DiskPressure bool              `json:"diskPressure"`
	Queue        domain.QueueStats `json:"queue"`
	Trimmed      int               `json:"trimmed"`
}

// Watchdog periodically checks disk usage and queue depth and trims
// terminally failed delivery jobs past their retention. Under disk pressure
// the retention is cut to a quarter. Messages are never purged.
type Watchdog struct {
	queue     ports.DeliveryQueue
	cfg       WatchdogConfig
	diskUsage func(path string) (float64, error)
	now       func() time.Time

	mu   sync.RWMutex
	last *WatchdogReport
}

// NewWatchdog creates the watchdog
func NewWatchdog(queue ports.DeliveryQueue, cfg WatchdogConfig) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute // production setting
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	if cfg.DiskThreshold <= 0 {
		cfg.DiskThreshold = 70
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = 7 * 24 * time.Hour
	}
	return &Watchdog{
		queue:     queue,
		cfg:       cfg,
		diskUsage: diskUsedPercent,
		now:       time.Now,
	}
}

func diskUsedPercent(path string) (float64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.UsedPercent, nil
}

// Run checks on every tick until ctx is cancelled
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	slog.Info("[WATCHDOG] Service started", "interval", w.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check performs one resource check
func (w *Watchdog) Check(ctx context.Context) WatchdogReport {
	now := w.now().UTC()
	report := WatchdogReport{CheckedAt: now}

	used, err := w.diskUsage(w.cfg.DiskPath)
	if err != nil {
		slog.Warn("[WATCHDOG] Disk usage unavailable", "error", err, "path", w.cfg.DiskPath)
	} else {
		report.DiskUsedPct = used
		report.DiskPressure = used >= w.cfg.DiskThreshold
	}

	retention := w.cfg.FailedRetention
	if report.DiskPressure {
		retention /= 4
		slog.Warn("[WATCHDOG] Disk usage above threshold, shortening failed-job retention",
			"disk_used_pct", used,
			"threshold", w.cfg.DiskThreshold,
			"retention", retention,
		)
	}

	trimmed, err := w.queue.TrimFailed(ctx, now.Add(-retention))
	if err != nil {
		slog.Error("[WATCHDOG] Failed to trim failed deliveries", "error", err)
	}
	report.Trimmed = trimmed

	stats, err := w.queue.Stats(ctx)
	if err != nil {
		slog.Error("[WATCHDOG] Failed to read queue stats", "error", err)
	} else {
		report.Queue = stats
	}

	slog.Info("[WATCHDOG] Resource check done",
		"disk_used_pct", report.DiskUsedPct,
		"ready", stats.Ready,
		"delayed", stats.Delayed,
		"failed", stats.Failed,
		"trimmed", trimmed,
	)

	w.mu.Lock()
	w.last = &report
	w.mu.Unlock()
	return report
}

// LastReport returns the most recent check, if any
func (w *Watchdog) LastReport() (WatchdogReport, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.last == nil {
		return WatchdogReport{}, false
	}
	return *w.last, true
}
