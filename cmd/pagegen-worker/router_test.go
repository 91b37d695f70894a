package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCanceller struct {
	ids   []string
	local bool
	err   error
}

func (f *fakeCanceller) Cancel(ctx context.Context, batchID string) (bool, error) {
	f.ids = append(f.ids, batchID)
	return f.local, f.err
}

func testRouter(c batchCanceller, ready func(context.Context) error, dir string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "pagegen_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	return newRouter(routerConfig{canceller: c, gatherer: reg, ready: ready, imageDir: dir, logger: zap.NewNop()})
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestHealthz(t *testing.T) {
	w := serve(testRouter(&fakeCanceller{}, nil, ""), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	down := func(context.Context) error { return errors.New("rabbitmq closed") }
	w = serve(testRouter(&fakeCanceller{}, down, ""), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "rabbitmq closed")
}

func TestMetrics(t *testing.T) {
	w := serve(testRouter(&fakeCanceller{}, nil, ""), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pagegen_test_total 1")
}

func TestCancelBatch(t *testing.T) {
	c := &fakeCanceller{local: true}
	w := serve(testRouter(c, nil, ""), http.MethodPost, "/batches/b42/cancel")

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"batch_id":"b42","local":true}`, w.Body.String())
	assert.Equal(t, []string{"b42"}, c.ids)

	failing := &fakeCanceller{err: errors.New("redis down")}
	w = serve(testRouter(failing, nil, ""), http.MethodPost, "/batches/b43/cancel")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestImages(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sessions", "s1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sessions", "s1", "p1.png"), []byte("png"), 0o644))

	w := serve(testRouter(&fakeCanceller{}, nil, dir), http.MethodGet, "/images/sessions/s1/p1.png")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "png"))
}
