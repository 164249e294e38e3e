package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status  string                    `json:"status"` // "healthy", "degraded", "unhealthy"
	Version string                    `json:"version"`
	Uptime  string                    `json:"uptime"`
	Checks  map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "degraded"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthChecker probes the relay's dependencies and the outbox backlog.
type HealthChecker struct {
	db          *sql.DB
	redisClient *redis.Client
	startTime   time.Time
}

// NewHealthChecker creates a HealthChecker. Redis may be nil; the check
// reports "not configured" for it.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client) *HealthChecker {
	return &HealthChecker{
		db:          db,
		redisClient: redisClient,
		startTime:   time.Now(),
	}
}

const healthVersion = "1.0.0"

// HandleHealth returns the health status of all components. Always returns
// 200; the status field in the body conveys health. Use /health/ready for
// probes that need HTTP 503 on failure.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())

	status := HealthStatus{
		Status:  determineOverallStatus(checks),
		Version: healthVersion,
		Uptime:  formatUptime(time.Since(hc.startTime)),
		Checks:  checks,
	}
	respondJSON(w, http.StatusOK, status)
}

// HandleReadiness checks all critical dependencies and returns 200 only when
// the service is ready to accept traffic.
//
//	GET /health/ready
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())
	overall := determineOverallStatus(checks)

	ready := overall != "unhealthy"
	httpStatus := http.StatusOK
	if !ready {
		httpStatus = http.StatusServiceUnavailable
	}

	respondJSON(w, httpStatus, map[string]interface{}{
		"ready":  ready,
		"status": overall,
		"checks": checks,
	})
}

func (hc *HealthChecker) runAllChecks(ctx context.Context) map[string]ComponentCheck {
	checks := make(map[string]ComponentCheck, 3)

	type result struct {
		name  string
		check ComponentCheck
	}
	ch := make(chan result, 3)

	go func() { ch <- result{"database", hc.checkDatabase(ctx)} }()
	go func() { ch <- result{"redis", hc.checkRedis(ctx)} }()
	go func() { ch <- result{"outbox", hc.checkOutbox(ctx)} }()

	for i := 0; i < 3; i++ {
		r := <-ch
		checks[r.name] = r.check
	}
	return checks
}

// checkDatabase pings PostgreSQL with a 3-second timeout.
func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: "down", Message: "not configured"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	err := hc.db.PingContext(pingCtx)
	latency := time.Since(start)

	if err != nil {
		return ComponentCheck{
			Status:  "down",
			Latency: latency.String(),
			Message: fmt.Sprintf("ping failed: %v", err),
		}
	}

	status := "up"
	msg := "connected"
	if latency > 1*time.Second {
		status = "degraded"
		msg = fmt.Sprintf("slow response (%s)", latency)
	}
	return ComponentCheck{Status: status, Latency: latency.String(), Message: msg}
}

// checkRedis pings Redis with a 2-second timeout.
func (hc *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if hc.redisClient == nil {
		return ComponentCheck{Status: "down", Message: "not configured"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := hc.redisClient.Ping(pingCtx).Err()
	latency := time.Since(start)

	if err != nil {
		return ComponentCheck{
			Status:  "down",
			Latency: latency.String(),
			Message: fmt.Sprintf("ping failed: %v", err),
		}
	}

	status := "up"
	msg := "connected"
	if latency > 500*time.Millisecond {
		status = "degraded"
		msg = fmt.Sprintf("slow response (%s)", latency)
	}
	return ComponentCheck{Status: status, Latency: latency.String(), Message: msg}
}

// checkOutbox measures the undelivered backlog. A large pile of due pending
// events means passes are falling behind or the destination is rejecting.
func (hc *HealthChecker) checkOutbox(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: "down", Message: "database not available"}
	}

	queryCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	var count int
	err := hc.db.QueryRowContext(queryCtx,
		`SELECT COUNT(*) FROM capi_events
		 WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= NOW())`,
	).Scan(&count)
	latency := time.Since(start)

	if err != nil {
		// Table may not exist yet (fresh install before migrations).
		return ComponentCheck{
			Status:  "degraded",
			Latency: latency.String(),
			Message: fmt.Sprintf("backlog check failed: %v", err),
		}
	}

	status := "up"
	msg := fmt.Sprintf("%d events due", count)
	if count > 1000 {
		status = "degraded"
		msg = fmt.Sprintf("high backlog: %d events due", count)
	}
	return ComponentCheck{Status: status, Latency: latency.String(), Message: msg}
}

// determineOverallStatus derives the aggregate status from individual checks.
//
// Rules:
//   - "unhealthy" if database is down (critical dependency)
//   - "degraded"  if any check is degraded or a non-critical check is down
//   - "healthy"   otherwise
func determineOverallStatus(checks map[string]ComponentCheck) string {
	if db, ok := checks["database"]; ok && db.Status == "down" {
		if db.Message != "not configured" {
			return "unhealthy"
		}
	}

	for _, c := range checks {
		if c.Status == "degraded" {
			return "degraded"
		}
		if c.Status == "down" && c.Message != "not configured" {
			return "degraded"
		}
	}
	return "healthy"
}

// formatUptime produces a human-readable uptime string like "3d 4h 12m 5s".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
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
