// Package route collects the HTTP route plugins making up the API and
// management surfaces. Feature packages register themselves from init()
// and the server mounts whatever is present.
package route

import (
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
)

// RouterLoader mounts one plugin's routes on a gin engine.
type RouterLoader func(r *gin.Engine) error

// RouteType names the server a plugin's routes belong on.
type RouteType int

const (
	// RouteTypeMain is the public memory API.
	RouteTypeMain RouteType = iota
	// RouteTypeManagement is the operational surface: health probes and
	// metrics. Without a dedicated management port these mount on the
	// main server instead.
	RouteTypeManagement
)

// Plugin is one registered route bundle. Order fixes the mount sequence
// so routes land behind the middleware they expect.
type Plugin struct {
	Order  int
	Type   RouteType
	Loader RouterLoader
}

var (
	mu         sync.Mutex
	registered []Plugin
)

// Register adds a route plugin, usually from a feature package's init().
func Register(p Plugin) {
	mu.Lock()
	defer mu.Unlock()
	registered = append(registered, p)
}

func loadersOf(t RouteType) []RouterLoader {
	mu.Lock()
	defer mu.Unlock()
	byOrder := append([]Plugin(nil), registered...)
	sort.SliceStable(byOrder, func(i, j int) bool { return byOrder[i].Order < byOrder[j].Order })
	var out []RouterLoader
	for _, p := range byOrder {
		if p.Type == t {
			out = append(out, p.Loader)
		}
	}
	return out
}

// MainRouteLoaders returns the API-server loaders in mount order.
func MainRouteLoaders() []RouterLoader { return loadersOf(RouteTypeMain) }

// ManagementRouteLoaders returns the management-server loaders in mount order.
func ManagementRouteLoaders() []RouterLoader { return loadersOf(RouteTypeManagement) }
