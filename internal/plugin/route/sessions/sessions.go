// Package sessions exposes the working-memory REST endpoints.
package sessions

import (
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/agentmem/memory-service/internal/model"
	registrysession "github.com/agentmem/memory-service/internal/registry/session"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
	"github.com/agentmem/memory-service/internal/working"
)

// MountRoutes mounts the session endpoints on the given router.
func MountRoutes(r *gin.Engine, svc *working.Service, auth gin.HandlerFunc) {
	g := r.Group("/v1/sessions", auth)

	g.GET("/", func(c *gin.Context) { listSessions(c, svc) })
	g.GET("/:id/memory", func(c *gin.Context) { getMemory(c, svc) })
	g.PUT("/:id/memory", func(c *gin.Context) { putMemory(c, svc) })
	g.DELETE("/:id/memory", func(c *gin.Context) { deleteMemory(c, svc) })
	g.POST("/:id/messages", func(c *gin.Context) { appendMessages(c, svc) })
}

func sessionKey(c *gin.Context) model.SessionKey {
	return model.SessionKey{
		Namespace: c.Query("namespace"),
		UserID:    c.Query("userId"),
		SessionID: c.Param("id"),
	}
}

func intQuery(c *gin.Context, name string) int {
	v, _ := strconv.Atoi(c.Query(name))
	return v
}

func listSessions(c *gin.Context, svc *working.Service) {
	page, err := svc.ListSessions(c.Request.Context(), c.Query("namespace"),
		intQuery(c, "offset"), intQuery(c, "limit"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": page.SessionIDs, "total": page.Total})
}

func getMemory(c *gin.Context, svc *working.Service) {
	wm, err := svc.Get(c.Request.Context(), sessionKey(c), intQuery(c, "recentMessagesLimit"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, wm)
}

func putMemory(c *gin.Context, svc *working.Service) {
	var wm model.WorkingMemory
	if err := c.ShouldBindJSON(&wm); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key := sessionKey(c)
	wm.SessionID = key.SessionID
	if wm.Namespace == "" {
		wm.Namespace = key.Namespace
	}
	if wm.UserID == "" {
		wm.UserID = key.UserID
	}
	updated, err := svc.Put(c.Request.Context(), &wm)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func appendMessages(c *gin.Context, svc *working.Service) {
	var req struct {
		Messages []model.MemoryMessage `json:"messages"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages must not be empty"})
		return
	}
	updated, err := svc.Append(c.Request.Context(), sessionKey(c), req.Messages)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func deleteMemory(c *gin.Context, svc *working.Service) {
	if err := svc.Delete(c.Request.Context(), sessionKey(c)); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func handleError(c *gin.Context, err error) {
	var notFound *registrysession.NotFoundError
	var validation *registryvector.ValidationError
	var unavailable *registryvector.UnavailableError
	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &unavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backend unavailable"})
	default:
		log.Error("session route error", "err", err, "stack", string(debug.Stack()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
