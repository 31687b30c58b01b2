package openlist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/ratelimit"
	"golang.org/x/sync/singleflight"

	"mediarelay/work/cache"
	"mediarelay/work/client"
	"mediarelay/work/config"
	"mediarelay/work/logger"
	"mediarelay/work/metrics"
	"mediarelay/work/utils"
)

// expiryBuffer is subtracted from a signed URL's remaining validity before
// it becomes the cache entry lifetime, so a cached URL is always retired
// while the signature is still good.
const expiryBuffer = 3 * time.Minute

// upstreamRate bounds outbound fs/get calls per second. Resolution bursts
// for large libraries otherwise hammer the storage provider.
const upstreamRate = 100

// fsGetResponse is the OpenList /api/fs/get payload shape.
type fsGetResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *struct {
		RawURL string `json:"raw_url"`
	} `json:"data"`
}

// Client resolves media paths into time-limited signed direct URLs through
// the OpenList API, caching results per (path, user agent) and collapsing
// concurrent resolutions for the same key into a single upstream request.
type Client struct {
	mu      sync.RWMutex
	baseURL string
	token   string
	pathMap []config.PathMapping
	cache   *cache.DirectURLCache // nil when caching is disabled

	flight     *singleflight.Group
	httpClient *client.ForwardingClient
	limiter    ratelimit.Limiter
}

// New creates an OpenList client from the current server config.
func New(cfg *config.ServerConfig, httpClient *client.ForwardingClient) *Client {
	c := &Client{
		baseURL:    cfg.Openlist.BaseURL,
		token:      cfg.Openlist.Token,
		pathMap:    cfg.Openlist.PathMap,
		flight:     &singleflight.Group{},
		httpClient: httpClient,
		limiter:    ratelimit.New(upstreamRate),
	}
	if cfg.Cache.Enabled {
		c.cache = cache.New(cfg.Cache.MaxAge)
	}
	return c
}

// BaseURL returns the configured OpenList base URL.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// GetDirectUrl resolves a media path into a signed direct URL for the given
// requester. Returns "" when the path cannot be resolved; callers treat that
// as "fall back to proxying through the media server", never as an error.
//
// Guarantees: the path is decoded before mapping and key construction; an
// empty path short-circuits without an upstream call; a cache hit issues no
// upstream call; at most one upstream request is in flight per
// (path, user agent) pair, with concurrent callers sharing its result; and
// failed resolutions are never cached.
func (c *Client) GetDirectUrl(rawPath, ua, ip string) string {
	path := utils.DecodePath(rawPath)
	if path == "" {
		logger.Warn("{openlist - GetDirectUrl} Called with empty path")
		return ""
	}

	c.mu.RLock()
	directCache := c.cache
	flight := c.flight
	c.mu.RUnlock()

	if directCache != nil {
		if cached, ok := directCache.Get(path, ua); ok {
			logger.Info("{openlist - GetDirectUrl} Direct URL cache hit, path: %s ua: %s", path, ua)
			metrics.DirectURLCacheHits.Inc()
			return cached
		}
	}
	metrics.DirectURLCacheMisses.Inc()

	key := cache.Key(path, ua)
	result, _, shared := flight.Do(key, func() (interface{}, error) {
		return c.fetchDirectUrl(directCache, path, ua, ip), nil
	})
	if shared {
		logger.Debug("{openlist - GetDirectUrl} Joined in-flight resolution, path: %s ua: %s", path, ua)
	}
	return result.(string)
}

// fetchDirectUrl performs one upstream fs/get call and caches the result on
// success. All failure modes collapse into "".
func (c *Client) fetchDirectUrl(directCache *cache.DirectURLCache, path, ua, ip string) string {
	c.mu.RLock()
	baseURL := c.baseURL
	token := c.token
	c.mu.RUnlock()

	c.limiter.Take()

	mappedPath := c.transformFilePath(path)
	body, err := json.Marshal(map[string]string{"path": mappedPath})
	if err != nil {
		logger.Error("{openlist - fetchDirectUrl} Failed to marshal request body: %v", err)
		return ""
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/fs/get", bytes.NewReader(body))
	if err != nil {
		logger.Error("{openlist - fetchDirectUrl} Failed to build request: %v", err)
		return ""
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)
	client.SetForwardHeaders(req, ua, ip)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error("{openlist - fetchDirectUrl} Request failed: %v", err)
		metrics.UpstreamRequests.WithLabelValues("openlist", "error").Inc()
		return ""
	}
	defer resp.Body.Close()

	var payload fsGetResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		logger.Error("{openlist - fetchDirectUrl} Failed to decode response: %v", err)
		metrics.UpstreamRequests.WithLabelValues("openlist", "error").Inc()
		return ""
	}

	duration := time.Since(start)

	if payload.Code != 200 || payload.Data == nil || payload.Data.RawURL == "" {
		logger.Warn("{openlist - fetchDirectUrl} Request failed (%s) code: %d, msg: %s, path: %s",
			duration, payload.Code, payload.Message, path)
		metrics.UpstreamRequests.WithLabelValues("openlist", "error").Inc()
		return ""
	}

	rawURL := payload.Data.RawURL
	maxAge, hasExpiry := entryMaxAge(rawURL)

	// a URL whose remaining validity is already inside the safety buffer is
	// returned but not cached
	if directCache != nil && !(hasExpiry && maxAge <= 0) {
		directCache.Set(path, ua, rawURL, maxAge)
	}

	metrics.UpstreamRequests.WithLabelValues("openlist", "ok").Inc()
	logger.Info("{openlist - fetchDirectUrl} Request succeeded (%s) path: %s raw_url: %s (expires in %s)",
		duration, path, utils.ObfuscateURL(rawURL), maxAge)
	return rawURL
}

// entryMaxAge derives the cache lifetime from the signed URL's embedded "t"
// expiry parameter. The second return reports whether the URL carried a
// usable expiry at all; without one the cache falls back to its default.
func entryMaxAge(rawURL string) (time.Duration, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0, false
	}
	return utils.CalculateMaxAge(parsed.Query().Get("t"), time.Now().Add(expiryBuffer))
}

// transformFilePath rewrites a media-server path into the matching OpenList
// path by applying the configured prefix mappings in order. Every mapping
// that matches applies; both sides are compared in decoded form.
func (c *Client) transformFilePath(path string) string {
	c.mu.RLock()
	pathMap := c.pathMap
	c.mu.RUnlock()

	newPath := path
	for _, mapping := range pathMap {
		newPath = replaceFirst(newPath, utils.DecodePath(mapping.From), utils.DecodePath(mapping.To))
	}
	if newPath != path {
		logger.Info("{openlist - transformFilePath} %s -> %s", path, newPath)
	}
	return newPath
}

// replaceFirst replaces the first occurrence of from in s.
func replaceFirst(s, from, to string) string {
	if from == "" {
		return s
	}
	return strings.Replace(s, from, to, 1)
}

// CacheInfo returns the live cache contents for the inspection API, or nil
// when caching is disabled.
func (c *Client) CacheInfo() *cache.Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cache == nil {
		return nil
	}
	return c.cache.Info()
}

// ClearCache evicts cached direct URLs by exact path and/or user agent;
// both empty clears everything.
func (c *Client) ClearCache(path, ua string) {
	c.mu.RLock()
	directCache := c.cache
	c.mu.RUnlock()
	if directCache == nil {
		return
	}
	directCache.Clear(path, ua)
}

// SetCacheMaxAge changes the default cache entry lifetime, migrating
// still-valid entries into the rebuilt cache.
func (c *Client) SetCacheMaxAge(maxAge time.Duration) error {
	c.mu.RLock()
	directCache := c.cache
	c.mu.RUnlock()
	if directCache == nil {
		return fmt.Errorf("cache is disabled")
	}
	directCache.SetMaxAge(maxAge)
	return nil
}

// resetCache drops all cached URLs and abandons any in-flight resolutions.
// In-flight fetches already running complete against the old group; new
// callers start fresh.
func (c *Client) resetCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache != nil {
		logger.Info("{openlist - resetCache} Dropping %d cached direct URLs", c.cache.Len())
		c.cache.Reset()
	}
	c.flight = &singleflight.Group{}
}

// OnServerConfigChange swaps in updated OpenList settings. A base URL change
// invalidates the cache and in-flight map, since URLs signed against the old
// backend are meaningless; credentials and path mappings swap in place.
func (c *Client) OnServerConfigChange(cfg *config.ServerConfig) {
	c.mu.RLock()
	oldBaseURL := c.baseURL
	c.mu.RUnlock()

	if cfg.Openlist.BaseURL != oldBaseURL {
		logger.Info("{openlist - OnServerConfigChange} Base URL changed, resetting cache: %s -> %s",
			oldBaseURL, cfg.Openlist.BaseURL)
		c.resetCache()
	}

	c.mu.Lock()
	c.baseURL = cfg.Openlist.BaseURL
	c.token = cfg.Openlist.Token
	c.pathMap = cfg.Openlist.PathMap

	switch {
	case cfg.Cache.Enabled && c.cache == nil:
		c.cache = cache.New(cfg.Cache.MaxAge)
	case !cfg.Cache.Enabled && c.cache != nil:
		c.cache = nil
	case c.cache != nil && c.cache.MaxAge() != cfg.Cache.MaxAge:
		c.cache.SetMaxAge(cfg.Cache.MaxAge)
	}
	c.mu.Unlock()

	logger.Info("{openlist - OnServerConfigChange} Configuration updated successfully")
}
