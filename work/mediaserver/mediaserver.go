package mediaserver

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"mediarelay/work/config"
	"mediarelay/work/logger"
	"mediarelay/work/utils"
)

// ProxyAction is the outcome of classifying one inbound request.
type ProxyAction string

const (
	// ActionDirect proxies the request to the backend untouched.
	ActionDirect ProxyAction = "direct"
	// ActionRedirectIndexHTML redirects "/" to the backend web index page.
	ActionRedirectIndexHTML ProxyAction = "redirectIndexHtml"
	// ActionRewriteHTML proxies the web index page and injects scripts.
	ActionRewriteHTML ProxyAction = "rewriteHtml"
	// ActionRewritePlaybackInfo proxies a PlaybackInfo call and rewrites the
	// media sources in the JSON response.
	ActionRewritePlaybackInfo ProxyAction = "rewritePlaybackInfo"
	// ActionRewriteStream resolves a stream request to a signed direct URL.
	ActionRewriteStream ProxyAction = "rewriteStream"
	// ActionRedirectDirectURL handles the fake-direct-stream marker URL by
	// re-entering the stream resolution path.
	ActionRedirectDirectURL ProxyAction = "redirectDirectUrl"
)

// fakeStreamMarker is the query parameter that routes a generated stream URL
// back into this proxy's own resolution path instead of the backend's.
const fakeStreamMarker = "FakeDirectStream"

// UserInfo is the subset of a backend user record the admin gate needs.
type UserInfo struct {
	IsAdmin bool
	Name    string
	Id      string
}

// MediaSourceInfo describes one resolved media source.
type MediaSourceInfo struct {
	Id        string
	Name      string
	Path      string
	Container string
}

// ShouldRewriteFunc decides whether a media source may be rewritten to a
// direct stream. It is the injected filter-rule predicate; true means the
// rewrite is allowed.
type ShouldRewriteFunc func(MediaSourceInfo) bool

// DirectURLFunc resolves a media path into a signed direct URL for the given
// requester, or "" when resolution fails.
type DirectURLFunc func(path, ua, ip string) string

// Server is the protocol-specific half of the proxy: it classifies requests,
// rewrites backend responses, and looks up users and media paths against one
// backend flavor.
type Server interface {
	Type() string
	BaseURL() string
	OnServerConfigChange(cfg *config.ServerConfig)

	IdentifyProxyAction(r *http.Request) ProxyAction
	GetUserInfo(r *http.Request) *UserInfo
	GetMediaSourcePath(r *http.Request) *MediaSourceInfo

	RedirectIndexHtml(r *http.Request) string
	RewriteHtml(r *http.Request, originHtml string) string
	RewritePlaybackInfo(r *http.Request, body []byte, shouldRewrite ShouldRewriteFunc) ([]byte, error)
	RewriteStream(r *http.Request, shouldRewrite ShouldRewriteFunc) string
	RedirectDirectUrl(r *http.Request) string
}

// RequestData is the per-request context both adapters extract before doing
// anything else. Credential fields are filled per backend flavor.
type RequestData struct {
	UA     string
	IP     string
	Origin string
	Host   string

	ItemId        string
	MediaSourceId string
	Token         string
	ApiKey        string
	UserId        string
}

// CommonData extracts the backend-agnostic request context, honoring
// reverse-proxy forwarding headers for the client IP and original origin.
func CommonData(r *http.Request) RequestData {
	ip := r.Header.Get("X-Real-IP")
	if ip == "" {
		ip = r.Header.Get("X-Forwarded-For")
	}

	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		proto = "http"
		if r.TLS != nil {
			proto = "https"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}

	return RequestData{
		UA:     r.Header.Get("User-Agent"),
		IP:     ip,
		Origin: proto + "://" + host,
		Host:   host,
	}
}

// mediaSourceIDPrefix is stripped from a MediaSourceId to recover the item id
// it was synthesized from.
const mediaSourceIDPrefix = "mediasource_"

// resolveItemID picks the effective item id: a prefixed MediaSourceId wins
// over the id found in the URL path or query.
func resolveItemID(itemId, mediaSourceId string) string {
	if strings.HasPrefix(mediaSourceId, mediaSourceIDPrefix) {
		return strings.TrimPrefix(mediaSourceId, mediaSourceIDPrefix)
	}
	return itemId
}

// fakeStreamURL builds the same-origin stream URL that loops a client's
// playback request back through this proxy.
func fakeStreamURL(origin, itemId, mediaSourceId string) string {
	return origin + "/Videos/" + itemId + "/stream?MediaSourceId=" + mediaSourceId +
		"&Static=true&" + fakeStreamMarker + "=true"
}

// mediaStream is the slice of a PlaybackInfo media stream the web-support
// heuristic looks at.
type mediaStream struct {
	Type      string
	Codec     string
	IsDefault bool
}

// streamNotSupportedByWeb reports whether a browser client should keep the
// backend's native playback because the default audio track cannot be played
// directly by web players. Only applies when the local fallback is enabled.
func streamNotSupportedByWeb(ua string, streams []mediaStream, localFallback bool) bool {
	if !localFallback || !utils.IsWebBrowser(ua) {
		return false
	}
	for _, s := range streams {
		if s.Type == "Audio" && s.IsDefault && s.Codec == "eac3" {
			return true
		}
	}
	return false
}

// mediaStreamsFromJSON converts the MediaStreams array of a decoded
// PlaybackInfo payload into the heuristic's view of it.
func mediaStreamsFromJSON(raw any) []mediaStream {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	streams := make([]mediaStream, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		s := mediaStream{}
		s.Type, _ = m["Type"].(string)
		s.Codec, _ = m["Codec"].(string)
		s.IsDefault, _ = m["IsDefault"].(bool)
		streams = append(streams, s)
	}
	return streams
}

// jsonString reads a string field from a decoded JSON object.
func jsonString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// injectHTML inserts the tag for each injection right after the opening
// <head> tag. Because every insertion lands directly after <head>, the last
// injection in the list ends up furthest from it.
func injectHTML(html string, injections []config.Injection) string {
	for _, inj := range injections {
		var tag string
		switch inj.Type {
		case "script":
			if inj.Src != "" {
				attrs := ""
				if inj.Async {
					attrs += " async"
				}
				if inj.Defer {
					attrs += " defer"
				}
				tag = `<script src="` + inj.Src + `"` + attrs + `></script>`
			} else if inj.Content != "" {
				tag = "<script>" + inj.Content + "</script>"
			}
		case "style":
			if inj.Src != "" {
				tag = `<link rel="stylesheet" type="text/css" href="` + inj.Src + `">`
			} else if inj.Content != "" {
				tag = "<style>" + inj.Content + "</style>"
			}
		}
		if tag != "" {
			html = strings.Replace(html, "<head>", "<head>"+tag, 1)
		}
	}
	return html
}

// isStrmPath reports whether a media path is a .strm placeholder rather than
// a real file.
func isStrmPath(path string) bool {
	return strings.Contains(path, ".strm")
}

// builtinInjections are the non-removable tags prepended before the
// operator-configured injections: external player wiring when enabled, the
// CORS playback script when webDirect is on, and the backend-type marker.
func builtinInjections(serverType string, webDirect bool, externalPlayer *config.ExternalPlayerConfig) []config.Injection {
	var injections []config.Injection

	if externalPlayer != nil && externalPlayer.Enabled {
		cfgJSON, err := json.Marshal(externalPlayer)
		if err == nil {
			injections = append(injections,
				config.Injection{Type: "script", Content: "window.EXTERNAL_PLAYER_CONFIG=" + string(cfgJSON) + ";"},
				config.Injection{Type: "script", Src: "/mediarelay/" + serverType + "/external-player.js", Async: true, Defer: true},
			)
		}
	}

	if webDirect {
		injections = append(injections, config.Injection{
			Type: "script", Src: "/mediarelay/" + serverType + "/video-cors.js", Async: true, Defer: true,
		})
	}

	injections = append(injections, config.Injection{
		Type: "script", Content: `window._mediarelay_type="` + serverType + `";`,
	})
	return injections
}

// pathCacheMaxEntries bounds the item-id to media-path cache.
const pathCacheMaxEntries = 500

type pathEntry struct {
	path      string
	expiresAt time.Time
}

// pathCache remembers item-id to media-path resolutions so stream requests
// can skip the backend item lookup. Entries expire by age; when the cache
// fills up, expired entries are swept and as a last resort the cache resets.
type pathCache struct {
	entries *xsync.MapOf[string, pathEntry]
	maxAge  time.Duration
}

func newPathCache(maxAge time.Duration) *pathCache {
	return &pathCache{
		entries: xsync.NewMapOf[string, pathEntry](),
		maxAge:  maxAge,
	}
}

func (c *pathCache) Get(id string) (string, bool) {
	if c == nil || id == "" {
		return "", false
	}
	e, ok := c.entries.Load(id)
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		c.entries.Delete(id)
		return "", false
	}
	return e.path, true
}

func (c *pathCache) Set(id, path string) {
	if c == nil || id == "" || path == "" {
		return
	}
	if c.entries.Size() >= pathCacheMaxEntries {
		c.sweep()
	}
	c.entries.Store(id, pathEntry{path: path, expiresAt: time.Now().Add(c.maxAge)})
}

func (c *pathCache) sweep() {
	now := time.Now()
	c.entries.Range(func(key string, e pathEntry) bool {
		if now.After(e.expiresAt) {
			c.entries.Delete(key)
		}
		return true
	})
	if c.entries.Size() >= pathCacheMaxEntries {
		logger.Debug("{mediaserver - pathCache} Cache full, resetting")
		c.entries.Clear()
	}
}

// queryHas reports whether the raw query string mentions a marker at all,
// without parsing. Matches the loose classification the web clients rely on.
func queryHas(r *http.Request, marker string) bool {
	return strings.Contains(r.URL.RawQuery, marker)
}

// queryGet reads one query parameter, tolerating malformed queries.
func queryGet(r *http.Request, key string) string {
	values, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil {
		return ""
	}
	return values.Get(key)
}
