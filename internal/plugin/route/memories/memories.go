// Package memories exposes the long-term memory REST endpoints.
package memories

import (
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/agentmem/memory-service/internal/longterm"
	"github.com/agentmem/memory-service/internal/model"
	"github.com/agentmem/memory-service/internal/pipeline"
	"github.com/agentmem/memory-service/internal/query"
	registrysession "github.com/agentmem/memory-service/internal/registry/session"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
	"github.com/agentmem/memory-service/internal/tasks"
)

// MountRoutes mounts the long-term memory endpoints on the given router.
func MountRoutes(r *gin.Engine, lt *longterm.Service, qs *query.Service, queue *tasks.Queue, auth gin.HandlerFunc) {
	g := r.Group("/v1/long-term-memory", auth)

	g.POST("/", func(c *gin.Context) { createMemories(c, lt, queue) })
	g.GET("/:id", func(c *gin.Context) { getMemory(c, lt) })
	g.PATCH("/:id", func(c *gin.Context) { editMemory(c, lt) })
	g.DELETE("/", func(c *gin.Context) { deleteMemories(c, lt) })
	g.POST("/search", func(c *gin.Context) { searchMemories(c, qs) })
}

func createMemories(c *gin.Context, lt *longterm.Service, queue *tasks.Queue) {
	var req struct {
		Memories []model.MemoryRecord `json:"memories"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Memories) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "memories must not be empty"})
		return
	}
	written, err := lt.Create(c.Request.Context(), req.Memories)
	if err != nil {
		handleError(c, err)
		return
	}
	for _, rec := range written {
		_, eErr := queue.Enqueue(c.Request.Context(), pipeline.TaskEnrichRecord,
			pipeline.EnrichArgs{ID: rec.ID}, time.Now())
		if eErr != nil {
			log.Warn("Memories: enrich enqueue failed", "id", rec.ID, "err", eErr)
		}
	}
	c.JSON(http.StatusCreated, gin.H{"memories": written})
}

func getMemory(c *gin.Context, lt *longterm.Service) {
	rec, err := lt.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func editMemory(c *gin.Context, lt *longterm.Service) {
	var req longterm.EditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := lt.Edit(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func deleteMemories(c *gin.Context, lt *longterm.Service) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids must not be empty"})
		return
	}
	if err := lt.Delete(c.Request.Context(), req.IDs); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "deleted": len(req.IDs)})
}

func searchMemories(c *gin.Context, qs *query.Service) {
	var req query.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp, err := qs.Search(c.Request.Context(), req)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func handleError(c *gin.Context, err error) {
	var notFound *registryvector.NotFoundError
	var sessionNotFound *registrysession.NotFoundError
	var validation *registryvector.ValidationError
	var conflict *registryvector.ConflictError
	var unavailable *registryvector.UnavailableError
	switch {
	case errors.As(err, &notFound), errors.As(err, &sessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &unavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backend unavailable"})
	default:
		log.Error("Memories route error", "err", err, "stack", string(debug.Stack()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
