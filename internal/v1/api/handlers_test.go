package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminavis/relay/internal/v1/bus"
	"github.com/luminavis/relay/internal/v1/config"
	"github.com/luminavis/relay/internal/v1/identify"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestHandler(t *testing.T, pool *identify.Pool, cfg *config.Config) *Handler {
	t.Helper()

	svc := bus.NewLocalService()
	t.Cleanup(func() { _ = svc.Close() })

	if cfg == nil {
		cfg = &config.Config{RequireCode: true, YouTubeQuotaLimit: 500}
	}
	return NewHandler(pool, svc, nil, cfg, "inst-test-1")
}

func apiRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.POST("/api/identify", h.Identify)
	router.GET("/api/search", h.Search)
	router.GET("/api/video/search", h.VideoSearch)
	router.GET("/api/config", h.Config)
	return router
}

func audioUpload(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("audio", "clip.raw")
	require.NoError(t, err)
	_, err = fw.Write(bytes.Repeat([]byte{0x01}, 1024))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func TestIdentify_ReturnsRecognizedSong(t *testing.T) {
	pool := identify.NewPoolWithExecutor(1, func(ctx context.Context, audioPath string) (json.RawMessage, error) {
		defer func() { _ = os.Remove(audioPath) }()
		return json.RawMessage(`{"track":{"title":"Aurora"}}`), nil
	})
	pool.Start()
	defer pool.Stop()

	router := apiRouter(newTestHandler(t, pool, nil))

	body, contentType := audioUpload(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/identify", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":{"track":{"title":"Aurora"}}}`, w.Body.String())
}

func TestIdentify_NoMatchIsNullResult(t *testing.T) {
	pool := identify.NewPoolWithExecutor(1, func(ctx context.Context, audioPath string) (json.RawMessage, error) {
		defer func() { _ = os.Remove(audioPath) }()
		return nil, nil
	})
	pool.Start()
	defer pool.Stop()

	router := apiRouter(newTestHandler(t, pool, nil))

	body, contentType := audioUpload(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/identify", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":null}`, w.Body.String())
}

func TestIdentify_MissingFile(t *testing.T) {
	pool := identify.NewPoolWithExecutor(1, func(ctx context.Context, audioPath string) (json.RawMessage, error) {
		return nil, nil
	})
	pool.Start()
	defer pool.Stop()

	router := apiRouter(newTestHandler(t, pool, nil))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/identify", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIdentify_OverloadedPoolAnswers503(t *testing.T) {
	// Workers not started: every submission parks in the queue until it is full.
	pool := identify.NewPoolWithExecutor(1, func(ctx context.Context, audioPath string) (json.RawMessage, error) {
		defer func() { _ = os.Remove(audioPath) }()
		return nil, nil
	})

	dummyPath := filepath.Join(t.TempDir(), "dummy.raw")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = pool.Submit(context.Background(), dummyPath)
		}()
	}
	require.Eventually(t, func() bool { return pool.QueueDepth() == 50 }, 2*time.Second, 5*time.Millisecond)

	router := apiRouter(newTestHandler(t, pool, nil))

	body, contentType := audioUpload(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/identify", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error":"Server overloaded, try again shortly"}`, w.Body.String())

	pool.Start()
	wg.Wait()
	pool.Stop()
}

func TestSearch_CachesUpstreamResponses(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Contains(t, r.URL.RawQuery, "fmt=json")
		_, _ = w.Write([]byte(`{"recordings":[{"title":"Aurora"}]}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, nil, nil)
	h.musicBrainzBase = upstream.URL
	router := apiRouter(h)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/search?q=aurora", nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"recordings":[{"title":"Aurora"}]}`, w.Body.String())
	}

	assert.Equal(t, int64(1), hits.Load(), "second lookup must come from cache")
}

func TestSearch_RequiresQuery(t *testing.T) {
	router := apiRouter(newTestHandler(t, nil, nil))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/search", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearch_UpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	h := newTestHandler(t, nil, nil)
	h.musicBrainzBase = upstream.URL
	router := apiRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/search?q=aurora", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestVideoSearch_RequiresAPIKey(t *testing.T) {
	router := apiRouter(newTestHandler(t, nil, nil))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/video/search?q=aurora", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestVideoSearch_QuotaExhaustion(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer upstream.Close()

	cfg := &config.Config{RequireCode: true, YouTubeAPIKey: "yt-test", YouTubeQuotaLimit: 1}
	h := newTestHandler(t, nil, cfg)
	h.youTubeBase = upstream.URL
	router := apiRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/video/search?q=first", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Different query misses the cache and trips the daily counter
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/video/search?q=second", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestConfig_PublicShape(t *testing.T) {
	router := apiRouter(newTestHandler(t, nil, nil))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"requireCode":true,"instanceId":"inst-test-1"}`, w.Body.String())
}
