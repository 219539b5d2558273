package sessions

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/agentmem/memory-service/internal/config"
	sessionredis "github.com/agentmem/memory-service/internal/plugin/session/redis"
	"github.com/agentmem/memory-service/internal/tasks"
	"github.com/agentmem/memory-service/internal/tokens"
	"github.com/agentmem/memory-service/internal/working"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.DefaultConfig()
	svc := working.NewService(
		sessionredis.New(client, time.Hour),
		tasks.NewQueue(client, time.Minute),
		tokens.NewCounter(cfg.GenerationModelSlow),
		&cfg,
	)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	noAuth := func(c *gin.Context) { c.Next() }
	MountRoutes(router, svc, noAuth)
	return router
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestSessionRoundTrip(t *testing.T) {
	router := newTestRouter(t)

	w := do(router, http.MethodPut, "/v1/sessions/s1/memory?namespace=prod&userId=alice",
		`{"messages":[{"role":"user","content":"hello"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"hello"`)

	w = do(router, http.MethodGet, "/v1/sessions/s1/memory?namespace=prod&userId=alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"sessionId":"s1"`)

	w = do(router, http.MethodPost, "/v1/sessions/s1/messages?namespace=prod&userId=alice",
		`{"messages":[{"role":"assistant","content":"hi there"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"hi there"`)

	w = do(router, http.MethodGet, "/v1/sessions/?namespace=prod", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"s1"`)

	w = do(router, http.MethodDelete, "/v1/sessions/s1/memory?namespace=prod&userId=alice", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/v1/sessions/s1/memory?namespace=prod&userId=alice", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionValidationErrors(t *testing.T) {
	router := newTestRouter(t)

	// malformed JSON
	w := do(router, http.MethodPut, "/v1/sessions/s1/memory", `{`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// empty message batch
	w = do(router, http.MethodPost, "/v1/sessions/s1/messages", `{"messages":[]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// message without a role
	w = do(router, http.MethodPost, "/v1/sessions/s1/messages", `{"messages":[{"content":"orphan"}]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// rejected custom extraction prompt
	w = do(router, http.MethodPut, "/v1/sessions/s1/memory",
		`{"strategy":{"kind":"custom","prompt":"no placeholder"}}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
