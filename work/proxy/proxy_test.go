package proxy

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediarelay/work/client"
	"mediarelay/work/config"
	"mediarelay/work/mediaserver"
)

// fakeServer is a scriptable mediaserver.Server.
type fakeServer struct {
	baseURL string
	action  mediaserver.ProxyAction

	rewriteStream func(r *http.Request, shouldRewrite mediaserver.ShouldRewriteFunc) string
	rewriteHtml   func(r *http.Request, html string) string
}

func (f *fakeServer) Type() string    { return "emby" }
func (f *fakeServer) BaseURL() string { return f.baseURL }

func (f *fakeServer) OnServerConfigChange(*config.ServerConfig) {}

func (f *fakeServer) IdentifyProxyAction(*http.Request) mediaserver.ProxyAction { return f.action }
func (f *fakeServer) GetUserInfo(*http.Request) *mediaserver.UserInfo           { return nil }
func (f *fakeServer) GetMediaSourcePath(*http.Request) *mediaserver.MediaSourceInfo {
	return nil
}

func (f *fakeServer) RedirectIndexHtml(*http.Request) string { return "/web/index.html" }

func (f *fakeServer) RewriteHtml(r *http.Request, html string) string {
	if f.rewriteHtml != nil {
		return f.rewriteHtml(r, html)
	}
	return html
}

func (f *fakeServer) RewritePlaybackInfo(_ *http.Request, body []byte, _ mediaserver.ShouldRewriteFunc) ([]byte, error) {
	return body, nil
}

func (f *fakeServer) RewriteStream(r *http.Request, shouldRewrite mediaserver.ShouldRewriteFunc) string {
	if f.rewriteStream != nil {
		return f.rewriteStream(r, shouldRewrite)
	}
	return ""
}

func (f *fakeServer) RedirectDirectUrl(r *http.Request) string {
	return f.RewriteStream(r, nil)
}

func testCfgService(t *testing.T, extra string) *config.Service {
	t.Helper()
	body := `{
	  "openlist": {"baseUrl": "http://openlist:5244", "token": "secret"},
	  "emby": {"baseUrl": "http://emby:8096"}` + extra + `
	}`
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	svc := config.NewService(path)
	require.NoError(t, svc.Load())
	return svc
}

func TestRedirectIndex(t *testing.T) {
	h := New(&fakeServer{action: mediaserver.ActionRedirectIndexHTML}, testCfgService(t, ""), client.New())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/web/index.html", rec.Header().Get("Location"))
}

func TestRewriteStreamRedirectHeaders(t *testing.T) {
	srv := &fakeServer{
		action: mediaserver.ActionRewriteStream,
		rewriteStream: func(*http.Request, mediaserver.ShouldRewriteFunc) string {
			return "https://storage.example.com/d/movie.mkv?sign=abc"
		},
	}
	h := New(srv, testCfgService(t, ""), client.New())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/Videos/1/stream", nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://storage.example.com/d/movie.mkv?sign=abc", rec.Header().Get("Location"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
}

func TestRewriteStreamFallsBackToPassthrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Videos/1/stream", r.URL.Path)
		w.Header().Set("Content-Type", "video/x-matroska")
		w.Write([]byte("proxied bytes"))
	}))
	defer backend.Close()

	srv := &fakeServer{action: mediaserver.ActionRewriteStream, baseURL: backend.URL}
	h := New(srv, testCfgService(t, ""), client.New())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/Videos/1/stream", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "proxied bytes", rec.Body.String())
	assert.Equal(t, "video/x-matroska", rec.Header().Get("Content-Type"))
}

func TestPassthroughForwardsClientContext(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Infuse/7.6.2", r.Header.Get("User-Agent"))
		assert.Equal(t, "203.0.113.7", r.Header.Get("X-Forwarded-For"))
		assert.Empty(t, r.Header.Get("Proxy-Authorization"), "hop-by-hop headers must not leak upstream")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	h := New(&fakeServer{action: mediaserver.ActionDirect, baseURL: backend.URL}, testCfgService(t, ""), client.New())

	r := httptest.NewRequest(http.MethodGet, "/System/Info", nil)
	r.Header.Set("User-Agent", "Infuse/7.6.2")
	r.Header.Set("X-Real-IP", "203.0.113.7")
	r.Header.Set("Proxy-Authorization", "Basic abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServeRewrittenHTML(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Accept-Encoding"), "rewriting actions need a plain body")
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><head></head></html>"))
	}))
	defer backend.Close()

	srv := &fakeServer{
		action:  mediaserver.ActionRewriteHTML,
		baseURL: backend.URL,
		rewriteHtml: func(_ *http.Request, html string) string {
			return strings.Replace(html, "<head>", "<head><script>injected</script>", 1)
		},
	}
	h := New(srv, testCfgService(t, ""), client.New())

	r := httptest.NewRequest(http.MethodGet, "/web/index.html", nil)
	r.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<script>injected</script>")
	assert.Empty(t, rec.Header().Get("Content-Length"), "stale length from upstream must be dropped")
}

func TestShouldRewriteAppliesFilterRules(t *testing.T) {
	svc := testCfgService(t, `,
	  "filterRules": [
	    {"id": "r1", "enabled": true, "name": "no curl", "logic": "OR",
	     "conditions": [{"type": "ua", "op": "contains", "value": "curl"}]}
	  ]`)
	h := New(&fakeServer{}, svc, client.New())

	info := mediaserver.MediaSourceInfo{Path: "/media/movie.mkv"}

	blocked := httptest.NewRequest(http.MethodGet, "/Videos/1/stream", nil)
	blocked.Header.Set("User-Agent", "curl/8.0")
	assert.False(t, h.shouldRewrite(blocked)(info))

	allowed := httptest.NewRequest(http.MethodGet, "/Videos/1/stream", nil)
	allowed.Header.Set("User-Agent", "Infuse/7.6.2")
	assert.True(t, h.shouldRewrite(allowed)(info))
}

func TestClientIP(t *testing.T) {
	t.Run("x-real-ip wins", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Real-IP", "203.0.113.7")
		r.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
		assert.Equal(t, "203.0.113.7", clientIP(r))
	})

	t.Run("first forwarded-for entry", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
		assert.Equal(t, "198.51.100.1", clientIP(r))
	})

	t.Run("socket peer fallback", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "192.0.2.9:51234"
		assert.Equal(t, "192.0.2.9", clientIP(r))
	})
}

func TestIsWebSocketRequest(t *testing.T) {
	upgrade := httptest.NewRequest(http.MethodGet, "/anything", nil)
	upgrade.Header.Set("Upgrade", "websocket")
	assert.True(t, isWebSocketRequest(upgrade))

	assert.True(t, isWebSocketRequest(httptest.NewRequest(http.MethodGet, "/embywebsocket", nil)))
	assert.True(t, isWebSocketRequest(httptest.NewRequest(http.MethodGet, "/EmbyWebSocket", nil)))
	assert.True(t, isWebSocketRequest(httptest.NewRequest(http.MethodGet, "/socket", nil)))
	assert.False(t, isWebSocketRequest(httptest.NewRequest(http.MethodGet, "/Videos/1/stream", nil)))
}

func TestWebsocketURL(t *testing.T) {
	assert.Equal(t, "ws://emby:8096", websocketURL("http://emby:8096"))
	assert.Equal(t, "wss://emby.example.com", websocketURL("https://emby.example.com"))
}

func TestTunnelWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embywebsocket", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, msg); err != nil {
				return
			}
		}
	}))
	defer backend.Close()

	h := New(&fakeServer{baseURL: backend.URL}, testCfgService(t, ""), client.New())
	front := httptest.NewServer(h)
	defer front.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(websocketURL(front.URL)+"/embywebsocket", nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"MessageType":"KeepAlive"}`)))
	_, echoed, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"MessageType":"KeepAlive"}`, string(echoed))
}
