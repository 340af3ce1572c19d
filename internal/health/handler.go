// Package health exposes the liveness/readiness HTTP endpoints used by the
// process's orchestrator.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roomwatch/monitor/internal/logging"
	"go.uber.org/zap"
)

// StoragePinger checks connectivity to the Storage Gateway's backing store.
type StoragePinger interface {
	Ping(ctx context.Context) error
}

// BusPinger checks connectivity to the Subscriber Bus's backing store.
type BusPinger interface {
	Ping(ctx context.Context) error
}

// Handler manages health check endpoints.
type Handler struct {
	storage StoragePinger
	busSvc  BusPinger
}

// NewHandler creates a new health check handler. Either dependency may be
// nil, in which case that check is reported healthy (single-dependency
// deployments, or unit tests exercising the handler in isolation).
func NewHandler(storage StoragePinger, busSvc BusPinger) *Handler {
	return &Handler{storage: storage, busSvc: busSvc}
}

type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live: 200 if the process is alive, no
// dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready: 200 only if storage and the
// Subscriber Bus are both reachable, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	storageStatus := h.checkStorage(ctx)
	checks["storage"] = storageStatus
	if storageStatus != "healthy" {
		allHealthy = false
	}

	busStatus := h.checkBus(ctx)
	checks["bus"] = busStatus
	if busStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkStorage(ctx context.Context) string {
	if h.storage == nil {
		return "healthy"
	}
	if err := h.storage.Ping(ctx); err != nil {
		logging.Error(ctx, "storage health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkBus(ctx context.Context) string {
	if h.busSvc == nil {
		return "healthy"
	}
	if err := h.busSvc.Ping(ctx); err != nil {
		logging.Error(ctx, "bus health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
