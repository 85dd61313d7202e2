package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trigg3rX/power-agent-node/internal/keeper/metrics"
)

// MetricsHandler exposes the prometheus registry
type MetricsHandler struct {
	handler http.Handler
}

func NewMetricsHandler() *MetricsHandler {
	return &MetricsHandler{handler: metrics.Handler()}
}

func (h *MetricsHandler) Metrics(c *gin.Context) {
	h.handler.ServeHTTP(c.Writer, c.Request)
}
