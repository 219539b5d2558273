// Package system mounts the operational endpoints: liveness, readiness
// and Prometheus metrics.
package system

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	registryroute "github.com/agentmem/memory-service/internal/registry/route"
)

var ready atomic.Bool

// MarkReady flips the readiness probe once startup has finished.
func MarkReady() {
	ready.Store(true)
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:  0,
		Type:   registryroute.RouteTypeManagement,
		Loader: mount,
	})
}

func mount(r *gin.Engine) error {
	r.GET("/health", health)
	r.GET("/ready", readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return nil
}

// health only says the process is up.
func health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// readiness reports whether initialization completed.
func readiness(c *gin.Context) {
	if ready.Load() {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
}
