package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"confsfu/internal/core/domain"
	"confsfu/internal/core/services"
	"confsfu/internal/infrastructure/middleware"
	"confsfu/internal/infrastructure/monitoring"
	"confsfu/internal/testutils"
)

type staticLocator map[domain.RoomID]string

func (l staticLocator) Owner(_ context.Context, roomID domain.RoomID) (string, error) {
	return l[roomID], nil
}

type connections int

func (c connections) Connections() int { return int(c) }

func newRouter(t *testing.T, locator RoomLocator) (*gin.Engine, *services.RoomRegistry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	pool, err := services.NewWorkerPool(context.Background(), testutils.NewEngine(), services.WorkerPoolConfig{NumWorkers: 1}, nil, logger)
	require.NoError(t, err)
	reg := services.NewRoomRegistry(pool, services.RegistryConfig{Codecs: testutils.DefaultCodecs()}, logger)
	t.Cleanup(func() {
		reg.Close()
		_ = pool.Close()
	})

	checker := monitoring.NewHealthChecker()
	checker.AddWorkerCheck(pool, time.Second)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	NewRoomHandler(reg, locator, logger).SetupRoutes(router)
	NewHealthHandler(checker, connections(3), time.Second).SetupRoutes(router)
	return router, reg
}

func do(t *testing.T, router http.Handler, path string) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestRoomHandler_ListAndGet(t *testing.T) {
	router, reg := newRouter(t, nil)
	ctx := context.Background()

	code, body := do(t, router, "/api/v1/rooms")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["count"])

	require.NoError(t, reg.CreateRoom(ctx, "r1"))
	_, err := reg.Join(ctx, "r1", "p1", "alice")
	require.NoError(t, err)

	code, body = do(t, router, "/api/v1/rooms")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = do(t, router, "/api/v1/rooms/r1")
	assert.Equal(t, http.StatusOK, code)
	room := body["room"].(map[string]interface{})
	assert.Equal(t, "r1", room["id"])
	assert.Len(t, room["peers"], 1)
}

func TestRoomHandler_Errors(t *testing.T) {
	router, _ := newRouter(t, staticLocator{"elsewhere": "instance-b"})

	code, body := do(t, router, "/api/v1/rooms/missing")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", body["error"])
	assert.Nil(t, body["details"])

	code, body = do(t, router, "/api/v1/rooms/elsewhere")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, map[string]interface{}{"instance_id": "instance-b"}, body["details"])

	code, body = do(t, router, "/api/v1/rooms/bad%20id")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_INPUT", body["error"])
}

func TestHealthHandler(t *testing.T) {
	router, _ := newRouter(t, nil)

	code, body := do(t, router, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 3, body["connections"])

	code, body = do(t, router, "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
}

func TestHealthHandler_NotReady(t *testing.T) {
	gin.SetMode(gin.TestMode)
	checker := monitoring.NewHealthChecker()
	checker.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") }, time.Second)

	router := gin.New()
	NewHealthHandler(checker, connections(0), time.Second).SetupRoutes(router)

	code, body := do(t, router, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, map[string]interface{}{"redis": "connection refused"}, body["checks"])
}
