package proxy

import (
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"mediarelay/work/client"
	"mediarelay/work/config"
	"mediarelay/work/filter"
	"mediarelay/work/logger"
	"mediarelay/work/mediaserver"
	"mediarelay/work/metrics"
)

// hopHeaders are stripped when copying headers between the client and the
// backend, per RFC 7230 section 6.1.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Handler routes every inbound request through the media-server adapter's
// classification and responds with a redirect, a rewritten payload, or a
// transparent proxy to the backend.
type Handler struct {
	server     mediaserver.Server
	cfgService *config.Service
	httpClient *client.ForwardingClient
	upgrader   websocket.Upgrader
}

// New creates the proxy handler for one backend adapter.
func New(server mediaserver.Server, cfgService *config.Service, httpClient *client.ForwardingClient) *Handler {
	return &Handler{
		server:     server,
		cfgService: cfgService,
		httpClient: httpClient,
		upgrader: websocket.Upgrader{
			// the backend does its own origin checks
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP dispatches one request. A failed rewrite or resolution degrades
// to proxy passthrough, never to an error response.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebSocketRequest(r) {
		h.tunnelWebSocket(w, r)
		return
	}

	action := h.server.IdentifyProxyAction(r)
	metrics.ProxyActions.WithLabelValues(string(action)).Inc()

	switch action {
	case mediaserver.ActionRedirectIndexHTML:
		http.Redirect(w, r, h.server.RedirectIndexHtml(r), http.StatusFound)
	case mediaserver.ActionRewriteHTML:
		h.serveRewrittenHTML(w, r)
	case mediaserver.ActionRewritePlaybackInfo:
		h.serveRewrittenPlaybackInfo(w, r)
	case mediaserver.ActionRewriteStream:
		if url := h.server.RewriteStream(r, h.shouldRewrite(r)); url != "" {
			redirectDirect(w, r, url)
			return
		}
		h.passthrough(w, r)
	case mediaserver.ActionRedirectDirectURL:
		if url := h.server.RedirectDirectUrl(r); url != "" {
			redirectDirect(w, r, url)
			return
		}
		h.passthrough(w, r)
	default:
		h.passthrough(w, r)
	}
}

// shouldRewrite builds the filter-rule predicate for one request. The rule
// list is snapshotted here so a concurrent config update cannot change policy
// mid-request.
func (h *Handler) shouldRewrite(r *http.Request) mediaserver.ShouldRewriteFunc {
	cfg := h.cfgService.Current()
	rules := cfg.FilterRules
	common := mediaserver.CommonData(r)
	ip := clientIP(r)

	return func(info mediaserver.MediaSourceInfo) bool {
		result := filter.Evaluate(rules, filter.Context{
			UserAgent: common.UA,
			Host:      common.Host,
			ClientIP:  ip,
			Media:     &filter.MediaInfo{Path: info.Path, Container: info.Container},
		})
		if result.Blocked {
			logger.Info("{proxy - shouldRewrite} Blocked by filter rule: %s", result.Rule.Name)
			metrics.FilterBlocks.Inc()
		}
		return !result.Blocked
	}
}

// clientIP prefers forwarding headers and falls back to the socket peer.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		ip, _, _ = strings.Cut(ip, ",")
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// redirectDirect sends the 302 pointing a client at the signed direct URL.
// The extra headers keep range requests and cross-origin playback working
// and stop the signed URL from leaking through Referer or shared caches.
func redirectDirect(w http.ResponseWriter, r *http.Request, url string) {
	metrics.DirectRedirects.Inc()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Referrer-Policy", "no-referrer")
	http.Redirect(w, r, url, http.StatusFound)
}

// upstreamRequest builds the backend request mirroring the inbound one.
// Compression is declined when the body will be rewritten.
func (h *Handler) upstreamRequest(r *http.Request, plainBody bool) (*http.Request, error) {
	req, err := http.NewRequest(r.Method, h.server.BaseURL()+r.URL.RequestURI(), r.Body)
	if err != nil {
		return nil, err
	}

	for key, values := range r.Header {
		if isHopHeader(key) {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if plainBody {
		req.Header.Del("Accept-Encoding")
	}

	client.SetForwardHeaders(req, r.Header.Get("User-Agent"), clientIP(r))
	return req, nil
}

func isHopHeader(key string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, key) {
			return true
		}
	}
	return false
}

// passthrough proxies the request to the backend untouched.
func (h *Handler) passthrough(w http.ResponseWriter, r *http.Request) {
	req, err := h.upstreamRequest(r, false)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		logger.Error("{proxy - passthrough} Upstream request failed: %v", err)
		metrics.UpstreamRequests.WithLabelValues("mediaserver", "error").Inc()
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	metrics.UpstreamRequests.WithLabelValues("mediaserver", "ok").Inc()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Debug("{proxy - passthrough} Response copy ended early: %v", err)
	}
}

// serveRewrittenHTML proxies the web index page and injects the configured
// scripts before returning it. Upstream failures degrade to passthrough.
func (h *Handler) serveRewrittenHTML(w http.ResponseWriter, r *http.Request) {
	body, resp, ok := h.fetchUpstreamBody(r)
	if !ok {
		h.passthrough(w, r)
		return
	}

	html := h.server.RewriteHtml(r, string(body))

	copyHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	if _, err := io.WriteString(w, html); err != nil {
		logger.Debug("{proxy - serveRewrittenHTML} Response write ended early: %v", err)
	}
}

// serveRewrittenPlaybackInfo proxies a PlaybackInfo call and rewrites the
// media sources in the response. A rewrite failure returns the original
// payload unmodified.
func (h *Handler) serveRewrittenPlaybackInfo(w http.ResponseWriter, r *http.Request) {
	body, resp, ok := h.fetchUpstreamBody(r)
	if !ok {
		h.passthrough(w, r)
		return
	}

	rewritten, err := h.server.RewritePlaybackInfo(r, body, h.shouldRewrite(r))
	if err != nil {
		logger.Error("{proxy - serveRewrittenPlaybackInfo} Rewrite failed: %v", err)
		rewritten = body
	}

	copyHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(rewritten); err != nil {
		logger.Debug("{proxy - serveRewrittenPlaybackInfo} Response write ended early: %v", err)
	}
}

// fetchUpstreamBody performs the backend request for a rewriting action and
// reads the full response body.
func (h *Handler) fetchUpstreamBody(r *http.Request) ([]byte, *http.Response, bool) {
	req, err := h.upstreamRequest(r, true)
	if err != nil {
		return nil, nil, false
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		logger.Error("{proxy - fetchUpstreamBody} Upstream request failed: %v", err)
		metrics.UpstreamRequests.WithLabelValues("mediaserver", "error").Inc()
		return nil, nil, false
	}
	defer resp.Body.Close()
	metrics.UpstreamRequests.WithLabelValues("mediaserver", "ok").Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("{proxy - fetchUpstreamBody} Failed to read upstream body: %v", err)
		return nil, nil, false
	}
	return body, resp, true
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopHeader(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// isWebSocketRequest matches upgrade requests and the backends' well-known
// socket paths.
func isWebSocketRequest(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return true
	}
	path := strings.ToLower(r.URL.Path)
	return strings.HasSuffix(path, "/embywebsocket") || strings.HasSuffix(path, "/socket")
}

// tunnelWebSocket relays a WebSocket session between the client and the
// backend without inspecting messages.
func (h *Handler) tunnelWebSocket(w http.ResponseWriter, r *http.Request) {
	backendURL := websocketURL(h.server.BaseURL()) + r.URL.RequestURI()

	header := http.Header{}
	if cookie := r.Header.Get("Cookie"); cookie != "" {
		header.Set("Cookie", cookie)
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		header.Set("User-Agent", ua)
	}
	if ip := clientIP(r); ip != "" {
		header.Set("X-Forwarded-For", ip)
	}

	backend, resp, err := websocket.DefaultDialer.Dial(backendURL, header)
	if err != nil {
		logger.Error("{proxy - tunnelWebSocket} Backend dial failed: %v", err)
		if resp != nil {
			resp.Body.Close()
		}
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer backend.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("{proxy - tunnelWebSocket} Client upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	metrics.WebsocketTunnels.Inc()
	defer metrics.WebsocketTunnels.Dec()
	logger.Debug("{proxy - tunnelWebSocket} Tunnel established: %s", r.URL.Path)

	errc := make(chan error, 2)
	go relayWebSocket(backend, conn, errc)
	go relayWebSocket(conn, backend, errc)
	<-errc
}

// relayWebSocket pumps messages in one direction until the connection drops.
func relayWebSocket(dst, src *websocket.Conn, errc chan<- error) {
	for {
		msgType, msg, err := src.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		if err := dst.WriteMessage(msgType, msg); err != nil {
			errc <- err
			return
		}
	}
}

// websocketURL swaps the scheme of a backend base URL from http(s) to ws(s).
func websocketURL(baseURL string) string {
	if strings.HasPrefix(baseURL, "https://") {
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	}
	return "ws://" + strings.TrimPrefix(baseURL, "http://")
}
