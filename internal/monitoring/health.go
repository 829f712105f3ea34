package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"time"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check response
type HealthCheck struct {
	Status         HealthStatus     `json:"status"`
	Version        string           `json:"version"`
	Uptime         int64            `json:"uptime"`
	UptimeHuman    string           `json:"uptime_human"`
	QueueSize      int              `json:"queue_size"`
	CacheBytes     int64            `json:"cache_bytes"`
	BackgroundJobs int              `json:"background_jobs"`
	MemoryUsageMB  uint64           `json:"memory_usage_mb"`
	DatabaseStatus string           `json:"database_status"`
	Checks         map[string]Check `json:"checks"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Check represents an individual health check
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Usage is the runtime snapshot a health check is computed against
type Usage struct {
	QueueSize       int
	CacheBytes      int64
	CacheLimitBytes int64
	BackgroundJobs  int
}

// HealthChecker performs health checks
type HealthChecker struct {
	version   string
	startTime time.Time
	db        *sql.DB
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(version string, db *sql.DB) *HealthChecker {
	return &HealthChecker{
		version:   version,
		startTime: time.Now(),
		db:        db,
	}
}

// Check performs all health checks and returns the result
func (h *HealthChecker) Check(usage Usage) *HealthCheck {
	checks := make(map[string]Check)
	overallStatus := HealthStatusHealthy

	degrade := func(c Check) {
		switch c.Status {
		case "unhealthy":
			overallStatus = HealthStatusUnhealthy
		case "degraded":
			if overallStatus == HealthStatusHealthy {
				overallStatus = HealthStatusDegraded
			}
		}
	}

	dbCheck := h.checkDatabase()
	checks["database"] = dbCheck
	degrade(dbCheck)

	memCheck := h.checkMemory()
	checks["memory"] = memCheck
	degrade(memCheck)

	queueCheck := h.checkQueue(usage.QueueSize)
	checks["queue"] = queueCheck
	degrade(queueCheck)

	cacheCheck := h.checkCache(usage.CacheBytes, usage.CacheLimitBytes)
	checks["cache"] = cacheCheck
	degrade(cacheCheck)

	uptime := time.Since(h.startTime)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	dbStatus := "connected"
	if dbCheck.Status != "healthy" {
		dbStatus = "disconnected"
	}

	return &HealthCheck{
		Status:         overallStatus,
		Version:        h.version,
		Uptime:         int64(uptime.Seconds()),
		UptimeHuman:    formatDuration(uptime),
		QueueSize:      usage.QueueSize,
		CacheBytes:     usage.CacheBytes,
		BackgroundJobs: usage.BackgroundJobs,
		MemoryUsageMB:  m.Alloc / 1024 / 1024,
		DatabaseStatus: dbStatus,
		Checks:         checks,
		Timestamp:      time.Now(),
	}
}

// checkDatabase checks database connectivity
func (h *HealthChecker) checkDatabase() Check {
	if h.db == nil {
		return Check{
			Status:  "unhealthy",
			Message: "Database connection not initialized",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		return Check{
			Status:  "unhealthy",
			Message: "Database ping failed: " + err.Error(),
		}
	}

	return Check{
		Status:  "healthy",
		Message: "Database connection is healthy",
	}
}

// checkMemory checks memory usage. Decoded audio lives in memory, so the
// thresholds are higher than a plain service would use.
func (h *HealthChecker) checkMemory() Check {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	memoryMB := m.Alloc / 1024 / 1024

	const (
		warningThresholdMB  = 768
		criticalThresholdMB = 1536
	)

	if memoryMB > criticalThresholdMB {
		return Check{
			Status:  "unhealthy",
			Message: "Memory usage is critically high",
		}
	}

	if memoryMB > warningThresholdMB {
		return Check{
			Status:  "degraded",
			Message: "Memory usage is elevated",
		}
	}

	return Check{
		Status:  "healthy",
		Message: "Memory usage is normal",
	}
}

// checkQueue checks queue size
func (h *HealthChecker) checkQueue(queueSize int) Check {
	const warningThreshold = 10000

	if queueSize > warningThreshold {
		return Check{
			Status:  "degraded",
			Message: "Queue size is very large",
		}
	}

	return Check{
		Status:  "healthy",
		Message: "Queue size is normal",
	}
}

// checkCache reports a cache over its budget. A zero limit disables the check.
func (h *HealthChecker) checkCache(bytes, limit int64) Check {
	if limit > 0 && bytes > limit {
		return Check{
			Status:  "degraded",
			Message: fmt.Sprintf("Song cache uses %d bytes, limit is %d", bytes, limit),
		}
	}

	return Check{
		Status:  "healthy",
		Message: "Song cache is within budget",
	}
}

// formatDuration formats a duration into a human-readable string
func formatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
