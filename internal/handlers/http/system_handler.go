package http

import (
	"net/http"

	"huddle/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SystemHandler serves liveness, readiness and metrics.
type SystemHandler struct {
	checker     *monitoring.HealthChecker
	gatherer    prometheus.Gatherer
	connections func() int
}

func NewSystemHandler(checker *monitoring.HealthChecker, gatherer prometheus.Gatherer, connections func() int) *SystemHandler {
	return &SystemHandler{
		checker:     checker,
		gatherer:    gatherer,
		connections: connections,
	}
}

func (h *SystemHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

func (h *SystemHandler) Health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.connections != nil {
		body["connections"] = h.connections()
	}
	c.JSON(http.StatusOK, body)
}

func (h *SystemHandler) Ready(c *gin.Context) {
	status := h.checker.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
