package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Check reports whether a dependency (database, redis) is reachable.
type Check func(ctx context.Context) error

type Manager struct {
	ready  atomic.Bool
	checks map[string]Check
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{checks: map[string]Check{}}
	m.ready.Store(initialReady)
	return m
}

// AddCheck registers a dependency check. Not safe to call once serving.
func (m *Manager) AddCheck(name string, check Check) {
	m.checks[name] = check
}

func (m *Manager) SetReady(ready bool) {
	m.ready.Store(ready)
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

func (m *Manager) failing(ctx context.Context) map[string]string {
	failed := map[string]string{}
	for name, check := range m.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	return failed
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.IsReady() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if failed := m.failing(ctx); len(failed) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": failed})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
