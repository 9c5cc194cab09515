// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// Handler serves the aggregate health report: 200 when every subsystem is
// healthy, 503 otherwise.
func (r *Registry) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		healthy, statuses := r.CheckAll(ctx)
		status := "healthy"
		code := http.StatusOK
		if !healthy {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status,
			"checks":    statuses,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// DatabaseChecker pings the connection pool.
func DatabaseChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// WorkerChecker reports whether a background worker loop is running.
func WorkerChecker(name string, running func() bool) Checker {
	return func(ctx context.Context) Status {
		if !running() {
			return Status{Name: name, Healthy: false, Detail: "worker not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}

// HeartbeatChecker verifies a worker heartbeat file is fresh. A missing file
// is treated as healthy until the first cycle writes it.
func HeartbeatChecker(name, path string, maxAge time.Duration) Checker {
	return func(ctx context.Context) Status {
		info, err := os.Stat(path)
		if err != nil {
			return Status{Name: name, Healthy: true, Detail: "no heartbeat yet"}
		}
		age := time.Since(info.ModTime())
		if age > maxAge {
			return Status{Name: name, Healthy: false, Detail: "heartbeat stale: " + age.Round(time.Second).String()}
		}
		return Status{Name: name, Healthy: true}
	}
}
