package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProxyActions counts classified requests by proxy action. The "action"
// label carries the state machine outcome (direct, rewriteHtml, etc.).
var ProxyActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mediarelay_proxy_actions_total",
	Help: "Number of requests classified per proxy action",
}, []string{"action"})

// DirectURLCacheHits counts direct-URL resolutions served from the cache
// without an upstream call.
var DirectURLCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mediarelay_direct_url_cache_hits_total",
	Help: "Number of direct URL cache hits",
})

// DirectURLCacheMisses counts direct-URL resolutions that required an
// upstream storage-provider request.
var DirectURLCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mediarelay_direct_url_cache_misses_total",
	Help: "Number of direct URL cache misses",
})

// UpstreamRequests counts outbound requests by upstream service and result.
// The "upstream" label is "openlist" or "mediaserver"; "result" is "ok" or
// "error" (network failures, non-success codes, malformed payloads).
var UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mediarelay_upstream_requests_total",
	Help: "Number of upstream requests",
}, []string{"upstream", "result"})

// DirectRedirects counts 302 responses pointing clients at a signed direct
// URL instead of proxying the stream through the media server.
var DirectRedirects = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mediarelay_direct_redirects_total",
	Help: "Number of direct stream redirects issued",
})

// FilterBlocks counts direct-stream rewrites suppressed by a filter rule.
var FilterBlocks = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mediarelay_filter_blocks_total",
	Help: "Number of rewrites blocked by filter rules",
})

// WebsocketTunnels tracks the number of open client<->backend WebSocket
// tunnels.
var WebsocketTunnels = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "mediarelay_websocket_tunnels",
	Help: "Number of active websocket tunnels",
})
