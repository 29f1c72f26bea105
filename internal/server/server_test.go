package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lk2023060901/filevault-backend/internal/conf"
	"github.com/lk2023060901/filevault-backend/internal/file/biz"
	"github.com/lk2023060901/filevault-backend/internal/file/data"
	"github.com/lk2023060901/filevault-backend/internal/file/service"
	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"github.com/lk2023060901/filevault-backend/internal/pkg/keylock"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/ratelimit"
)

func newFileService(t *testing.T) *service.FileService {
	t.Helper()
	cfg := database.DefaultConfig()
	cfg.Driver = database.DriverSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "server.db")
	cfg.LogLevel = "silent"
	db, err := database.New(cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, data.Migrate(db.DB))

	log := logger.NewNop()
	repo := data.NewFileRepo(db)
	blobs := data.NewMemoryBlobStore()
	quota := biz.NewQuotaTracker(repo, 1024)
	dedup := biz.NewDedupEngine(repo, data.NewTombstoneRepo(db), data.NewTransactor(db), blobs, quota, keylock.NewRegistry(), log)
	uc := biz.NewFileUseCase(repo, blobs, biz.NewHasher(biz.HasherConfig{MaxBytes: 1024}), dedup, quota, log)
	limiter, err := ratelimit.NewMemoryLimiter(ratelimit.Config{MaxCalls: 10, Window: time.Second})
	require.NoError(t, err)
	return service.NewFileService(uc, limiter, nil, log)
}

func testConfig() *conf.Config {
	return &conf.Config{Server: conf.ServerConfig{Host: "127.0.0.1", Mode: gin.TestMode}}
}

func TestHTTPHealth(t *testing.T) {
	tests := []struct {
		name   string
		health HealthFunc
		code   int
		status string
	}{
		{"no check", nil, http.StatusOK, "ok"},
		{"healthy", func(context.Context) error { return nil }, http.StatusOK, "ok"},
		{"unhealthy", func(context.Context) error { return errors.New("db down") }, http.StatusServiceUnavailable, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewHTTPServer(testConfig(), logger.NewNop(), newFileService(t), tt.health)
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.code, w.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body["status"])
		})
	}
}

func TestHTTPRoutesMounted(t *testing.T) {
	s := NewHTTPServer(testConfig(), logger.NewNop(), newFileService(t), nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/storage_stats", nil)
	req.Header.Set("UserId", "alice")
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/files", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTPStartStop(t *testing.T) {
	s := NewHTTPServer(testConfig(), logger.NewNop(), newFileService(t), nil)
	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestGRPCHealth(t *testing.T) {
	var unhealthy atomic.Bool
	check := func(context.Context) error {
		if !unhealthy.Load() {
			return nil
		}
		return errors.New("redis down")
	}
	s := NewGRPCServer(testConfig(), logger.NewNop(), check)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(lis) }()
	defer s.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.Eventually(t, func() bool {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, 3*time.Second, 20*time.Millisecond)

	unhealthy.Store(true)
	s.Refresh(ctx)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}
