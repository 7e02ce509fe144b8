package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"confsfu/internal/infrastructure/monitoring"
)

// ConnectionCounter reports open signaling connections.
type ConnectionCounter interface {
	Connections() int
}

type HealthHandler struct {
	checker     *monitoring.HealthChecker
	connections ConnectionCounter
	started     time.Time
	timeout     time.Duration
}

func NewHealthHandler(checker *monitoring.HealthChecker, connections ConnectionCounter, timeout time.Duration) *HealthHandler {
	return &HealthHandler{
		checker:     checker,
		connections: connections,
		started:     time.Now(),
		timeout:     timeout,
	}
}

func (h *HealthHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

// Health is the liveness probe: the process answers.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      monitoring.StatusHealthy,
		"timestamp":   time.Now(),
		"uptime":      time.Since(h.started).String(),
		"connections": h.connections.Connections(),
	})
}

// Ready is the readiness probe: media workers alive and dependencies reachable.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	status := h.checker.CheckAll(ctx)
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
