// Package prompt exposes the memory-prompt hydration endpoint.
package prompt

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/agentmem/memory-service/internal/query"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
	"github.com/agentmem/memory-service/internal/working"
)

// MountRoutes mounts the memory-prompt endpoint on the given router.
func MountRoutes(r *gin.Engine, qs *query.Service, wm *working.Service, auth gin.HandlerFunc) {
	r.POST("/v1/memory-prompt", auth, func(c *gin.Context) {
		var req query.PromptRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		resp, err := qs.MemoryPrompt(c.Request.Context(), wm, req)
		if err != nil {
			var validation *registryvector.ValidationError
			var unavailable *registryvector.UnavailableError
			switch {
			case errors.As(err, &validation):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.As(err, &unavailable):
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backend unavailable"})
			default:
				log.Error("Prompt route error", "err", err, "stack", string(debug.Stack()))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
			return
		}
		c.JSON(http.StatusOK, resp)
	})
}
