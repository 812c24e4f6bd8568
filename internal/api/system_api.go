package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/queue"
	"github.com/minirag/minirag/internal/repository"
	"github.com/minirag/minirag/internal/vectorstore"
)

// healthCheckTimeout bounds each backing-service probe so a hung
// dependency cannot stall the health endpoint.
const healthCheckTimeout = 2 * time.Second

// healthDetailChars caps error details in the health response.
const healthDetailChars = 200

// SystemAPI reports connectivity to the backing services.
type SystemAPI struct {
	store   *repository.Store
	vectors vectorstore.Store
	jobs    *queue.Queue
	logger  observability.Logger
}

// NewSystemAPI creates the system handler group.
func NewSystemAPI(store *repository.Store, vectors vectorstore.Store, jobs *queue.Queue, logger observability.Logger) *SystemAPI {
	return &SystemAPI{
		store:   store,
		vectors: vectors,
		jobs:    jobs,
		logger:  logger.WithPrefix("api.system"),
	}
}

// RegisterRoutes mounts the system endpoints. They carry no tenant data
// and sit on the public group.
func (a *SystemAPI) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/system/health", a.Health)
}

// Health probes Postgres, Qdrant, and Redis. Overall status is ok only
// when every service answers; otherwise degraded, with the failing
// services carrying a truncated error detail.
func (a *SystemAPI) Health(c *gin.Context) {
	ctx := c.Request.Context()

	postgres := a.probe(ctx, a.store.Ping)
	qdrant := a.probe(ctx, a.vectors.Ping)
	redis := a.probe(ctx, a.jobs.Ping)

	overall := "ok"
	for _, svc := range []gin.H{postgres, qdrant, redis} {
		if svc["status"] != "ok" {
			overall = "degraded"
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   overall,
		"postgres": postgres,
		"qdrant":   qdrant,
		"redis":    redis,
	})
}

func (a *SystemAPI) probe(ctx context.Context, ping func(context.Context) error) gin.H {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := ping(ctx); err != nil {
		msg := err.Error()
		if len(msg) > healthDetailChars {
			msg = msg[:healthDetailChars]
		}
		return gin.H{"status": "error", "detail": msg}
	}
	return gin.H{"status": "ok"}
}
