package mediaserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediarelay/work/client"
	"mediarelay/work/config"
)

func jellyfinTestConfig(baseURL string) *config.ServerConfig {
	return &config.ServerConfig{
		Jellyfin:               &config.BackendConfig{BaseURL: baseURL},
		WebDirect:              true,
		WebDirectLocalFallback: true,
		Cache:                  config.CacheConfig{Enabled: true, MaxAge: time.Hour},
	}
}

func TestParseAuthToken(t *testing.T) {
	assert.Equal(t, "abc123",
		parseAuthToken(`MediaBrowser Client="Jellyfin Web", Device="Chrome", Token="abc123"`))
	assert.Equal(t, "abc123", parseAuthToken(`MediaBrowser Token="abc123"`))
	assert.Equal(t, "", parseAuthToken(`MediaBrowser Client="Jellyfin Web"`))
	assert.Equal(t, "", parseAuthToken(""))
}

func TestJellyfinIdentifyProxyAction(t *testing.T) {
	s := NewJellyfin(jellyfinTestConfig("http://jellyfin"), noDirectURL, client.New())

	tests := []struct {
		target string
		want   ProxyAction
	}{
		{"/", ActionRedirectIndexHTML},
		{"/web/index.html", ActionRewriteHTML},
		{"/Items/a1b2c3/PlaybackInfo", ActionRewritePlaybackInfo},
		{"/http/storage/movie.mkv?FakeDirectStream=true", ActionRedirectDirectURL},
		{"/Videos/a1b2c3/stream?MediaSourceId=ms1", ActionRewriteStream},
		{"/Users/Me", ActionDirect},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.want, s.IdentifyProxyAction(r))
		})
	}
}

func TestJellyfinRequestData(t *testing.T) {
	s := NewJellyfin(jellyfinTestConfig("http://jellyfin"), noDirectURL, client.New())

	t.Run("alphanumeric item id from path", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/Videos/a1b2c3/stream?UserId=u1&Token=tok", nil)
		data := s.requestData(r)
		assert.Equal(t, "a1b2c3", data.ItemId)
		assert.Equal(t, "u1", data.UserId)
		assert.Equal(t, "tok", data.Token)
	})

	t.Run("token from authorization header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/Videos/a1b2c3/stream", nil)
		r.Header.Set("Authorization", `MediaBrowser Client="Jellyfin Web", Token="hdr-tok"`)
		data := s.requestData(r)
		assert.Equal(t, "hdr-tok", data.Token)
	})

	t.Run("query token wins over header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/Videos/a1b2c3/stream?Token=q-tok", nil)
		r.Header.Set("Authorization", `MediaBrowser Token="hdr-tok"`)
		data := s.requestData(r)
		assert.Equal(t, "q-tok", data.Token)
	})
}

func TestJellyfinGetUserInfo(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/Users/u1", r.URL.Path)
		require.Contains(t, r.Header.Get("Authorization"), `Token="tok"`)
		json.NewEncoder(w).Encode(map[string]any{
			"Name": "Admin User",
			"Id":   "u1",
			"Policy": map[string]any{
				"IsAdministrator": true,
			},
		})
	}))
	defer backend.Close()

	s := NewJellyfin(jellyfinTestConfig(backend.URL), noDirectURL, client.New())

	r := httptest.NewRequest(http.MethodGet, "/mediarelay/api/config?UserId=u1&Token=tok", nil)
	user := s.GetUserInfo(r)
	require.NotNil(t, user)
	assert.True(t, user.IsAdmin)
	assert.Equal(t, "Admin User", user.Name)

	// no user id short-circuits without a backend call
	anonymous := httptest.NewRequest(http.MethodGet, "/mediarelay/api/config", nil)
	assert.Nil(t, s.GetUserInfo(anonymous))
}

func TestJellyfinGetMediaSourcePathStatusCheck(t *testing.T) {
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer backend.Close()

	s := NewJellyfin(jellyfinTestConfig(backend.URL), noDirectURL, client.New())
	r := httptest.NewRequest(http.MethodGet, "/Videos/a1b2c3/stream?UserId=u1", nil)
	assert.Nil(t, s.GetMediaSourcePath(r))
	assert.Equal(t, int64(1), calls.Load())
}

func TestJellyfinRewritePlaybackInfo(t *testing.T) {
	s := NewJellyfin(jellyfinTestConfig("http://jellyfin"), noDirectURL, client.New())

	body := playbackInfoBody(t, map[string]any{
		"Id":                   "ms1",
		"Path":                 "/media/a.mkv",
		"Container":            "mkv",
		"SupportsTranscoding":  true,
		"TranscodingUrl":       "/Videos/ms1/master.m3u8",
		"TranscodingContainer": "ts",
	})

	r := httptest.NewRequest(http.MethodPost, "/Items/ms1/PlaybackInfo", nil)
	r.Header.Set("User-Agent", appUA)

	rewritten, err := s.RewritePlaybackInfo(r, body, nil)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rewritten, &payload))
	source := payload["MediaSources"].([]any)[0].(map[string]any)

	directUrl := "http://example.com/Videos/ms1/stream?MediaSourceId=ms1&Static=true&FakeDirectStream=true"
	assert.Equal(t, directUrl, source["Path"])
	assert.Equal(t, directUrl, source["StreamUrl"])
	assert.Equal(t, true, source["IsRemote"])
	assert.Equal(t, true, source["SupportsDirectStream"])
	assert.Equal(t, false, source["SupportsTranscoding"])

	// the backend's transcoding plan is dropped entirely
	assert.NotContains(t, source, "TranscodingUrl")
	assert.NotContains(t, source, "TranscodingContainer")
}

func TestJellyfinRewriteHtml(t *testing.T) {
	s := NewJellyfin(jellyfinTestConfig("http://jellyfin"), noDirectURL, client.New())

	r := httptest.NewRequest(http.MethodGet, "/web/index.html", nil)
	html := s.RewriteHtml(r, "<html><head></head></html>")

	assert.Contains(t, html, `window._mediarelay_type="jellyfin";`)
	assert.Contains(t, html, `src="/mediarelay/jellyfin/video-cors.js"`)
}
