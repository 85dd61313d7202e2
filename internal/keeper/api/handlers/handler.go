package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/trigg3rX/power-agent-node/internal/keeper/agent"
	"github.com/trigg3rX/power-agent-node/internal/keeper/network"
	"github.com/trigg3rX/power-agent-node/internal/keeper/store"
	"github.com/trigg3rX/power-agent-node/pkg/logging"
)

const TraceIDKey = "trace_id"

// StatusSource reads live state from the running networks and agents
type StatusSource interface {
	Networks(ctx context.Context) ([]network.Stats, error)
	Agents(ctx context.Context, withJobs bool) ([]agent.Status, error)
}

// StatusHandler serves the keeper read model. Snapshots from the store
// answer for agents the process does not run live.
type StatusHandler struct {
	logger  logging.Logger
	source  StatusSource
	store   store.Store
	started time.Time
	version string
}

func NewStatusHandler(logger logging.Logger, source StatusSource, st store.Store, version string) *StatusHandler {
	return &StatusHandler{
		logger:  logger,
		source:  source,
		store:   st,
		started: time.Now(),
		version: version,
	}
}

func (h *StatusHandler) getTraceID(c *gin.Context) string {
	traceID, exists := c.Get(TraceIDKey)
	if !exists {
		return ""
	}
	s, _ := traceID.(string)
	return s
}

// Status is the liveness summary
func (h *StatusHandler) Status(c *gin.Context) {
	agents, err := h.source.Agents(c.Request.Context(), false)
	if err != nil {
		h.logger.Error("Status read failed", "trace_id", h.getTraceID(c), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "unavailable",
			"error":     err.Error(),
			"timestamp": time.Now().UTC(),
		})
		return
	}
	ready := 0
	for _, a := range agents {
		if a.Ready {
			ready++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"agents":         len(agents),
		"agents_ready":   ready,
		"timestamp":      time.Now().UTC(),
	})
}

func (h *StatusHandler) Networks(c *gin.Context) {
	stats, err := h.source.Networks(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"networks": stats})
}

func (h *StatusHandler) Agents(c *gin.Context) {
	agents, err := h.source.Agents(c.Request.Context(), false)
	if err != nil {
		_ = c.Error(err)
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// Agent returns one agent with its jobs. ?network= narrows the match when
// the same address is deployed on several chains.
func (h *StatusHandler) Agent(c *gin.Context) {
	address := c.Param("address")
	if !common.IsHexAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent address", "trace_id": h.getTraceID(c)})
		return
	}
	networkName := c.Query("network")

	agents, err := h.source.Agents(c.Request.Context(), true)
	if err != nil {
		_ = c.Error(err)
		c.Status(http.StatusServiceUnavailable)
		return
	}
	for _, a := range agents {
		if strings.EqualFold(a.Address, address) && (networkName == "" || a.Network == networkName) {
			c.JSON(http.StatusOK, a)
			return
		}
	}

	if networkName != "" && h.store != nil {
		snap, err := h.store.Load(c.Request.Context(), networkName, address)
		if err == nil {
			c.JSON(http.StatusOK, snap)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Warn("Snapshot read failed", "trace_id", h.getTraceID(c), "error", err)
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "agent not found", "trace_id": h.getTraceID(c)})
}

// Snapshots lists what the status publisher last stored
func (h *StatusHandler) Snapshots(c *gin.Context) {
	snaps, err := h.store.List(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}
