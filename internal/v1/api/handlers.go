// Package api is the HTTP collaborator surface around the relay core:
// identify submissions, outbound search lookups with caching, and the public
// client config.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/luminavis/relay/internal/v1/bus"
	"github.com/luminavis/relay/internal/v1/config"
	"github.com/luminavis/relay/internal/v1/history"
	"github.com/luminavis/relay/internal/v1/identify"
	"github.com/luminavis/relay/internal/v1/logging"
)

const (
	// maxAudioUpload caps an identify clip.
	maxAudioUpload = 3 << 20

	// searchCacheTTL is how long outbound lookup responses are reused.
	searchCacheTTL = 24 * time.Hour

	// quotaTTL keeps the daily YouTube counter past midnight skew.
	quotaTTL = 48 * time.Hour
)

// Handler serves the /api routes.
type Handler struct {
	pool       *identify.Pool
	bus        *bus.Service
	recorder   *history.Recorder
	cfg        *config.Config
	httpClient *http.Client
	instanceID string

	musicBrainzBase string
	youTubeBase     string
}

// NewHandler wires the API surface.
func NewHandler(pool *identify.Pool, b *bus.Service, recorder *history.Recorder, cfg *config.Config, instanceID string) *Handler {
	return &Handler{
		pool:       pool,
		bus:        b,
		recorder:   recorder,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		instanceID: instanceID,

		musicBrainzBase: "https://musicbrainz.org/ws/2",
		youTubeBase:     "https://www.googleapis.com/youtube/v3",
	}
}

// Identify accepts a multipart audio clip and runs it through the recognizer
// pool. POST /api/identify
func (h *Handler) Identify(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxAudioUpload)

	file, _, err := c.Request.FormFile("audio")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "audio file required"})
		return
	}
	defer func() { _ = file.Close() }()

	tmp, err := os.CreateTemp("", "identify-*.raw")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "temp file failed"})
		return
	}
	if _, err := io.Copy(tmp, file); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		c.JSON(http.StatusBadRequest, gin.H{"error": "upload truncated"})
		return
	}
	_ = tmp.Close()

	// Workers own the temp file once the job is accepted; on failure the
	// removal here is at worst a harmless double unlink.
	result, err := h.pool.Submit(c.Request.Context(), tmp.Name())
	if errors.Is(err, identify.ErrOverloaded) {
		_ = os.Remove(tmp.Name())
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server overloaded, try again shortly"})
		return
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		logging.Error(c.Request.Context(), "Identify failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recognition failed"})
		return
	}

	if result == nil {
		c.JSON(http.StatusOK, gin.H{"result": nil})
		return
	}

	h.recorder.Record(result)
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// Search proxies a MusicBrainz recording search with substrate-backed
// caching. GET /api/search?q=
func (h *Handler) Search(c *gin.Context) {
	q := c.Query("q")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q required"})
		return
	}

	cacheKey := "cache:search:" + q
	if cached, _ := h.bus.Get(c.Request.Context(), cacheKey); cached != "" {
		c.Data(http.StatusOK, "application/json", []byte(cached))
		return
	}

	lookupURL := fmt.Sprintf("%s/recording?query=%s&fmt=json&limit=10", h.musicBrainzBase, url.QueryEscape(q))
	body, err := h.fetch(c, lookupURL)
	if err != nil {
		logging.Warn(c.Request.Context(), "MusicBrainz lookup failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "search unavailable"})
		return
	}

	_ = h.bus.Set(c.Request.Context(), cacheKey, string(body), searchCacheTTL)
	c.Data(http.StatusOK, "application/json", body)
}

// VideoSearch proxies a YouTube search behind the daily quota counter.
// GET /api/video/search?q=
func (h *Handler) VideoSearch(c *gin.Context) {
	q := c.Query("q")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q required"})
		return
	}
	if h.cfg.YouTubeAPIKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "video search not configured"})
		return
	}

	cacheKey := "cache:video:" + q
	if cached, _ := h.bus.Get(c.Request.Context(), cacheKey); cached != "" {
		c.Data(http.StatusOK, "application/json", []byte(cached))
		return
	}

	quotaKey := "quota:youtube:" + time.Now().UTC().Format("2006-01-02")
	used, err := h.bus.Incr(c.Request.Context(), quotaKey, quotaTTL)
	if err == nil && used > int64(h.cfg.YouTubeQuotaLimit) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "daily video quota exhausted"})
		return
	}

	lookupURL := fmt.Sprintf("%s/search?part=snippet&type=video&maxResults=5&q=%s&key=%s",
		h.youTubeBase, url.QueryEscape(q), url.QueryEscape(h.cfg.YouTubeAPIKey))
	body, err := h.fetch(c, lookupURL)
	if err != nil {
		logging.Warn(c.Request.Context(), "YouTube lookup failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "video search unavailable"})
		return
	}

	_ = h.bus.Set(c.Request.Context(), cacheKey, string(body), searchCacheTTL)
	c.Data(http.StatusOK, "application/json", body)
}

// Config returns the public client configuration. GET /api/config
func (h *Handler) Config(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"requireCode": h.cfg.RequireCode,
		"instanceId":  h.instanceID,
	})
}

func (h *Handler) fetch(c *gin.Context, lookupURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, lookupURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "luminavis-relay/1.0")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("upstream returned invalid JSON")
	}
	return body, nil
}
