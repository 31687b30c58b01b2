package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediarelay/work/client"
	"mediarelay/work/config"
	"mediarelay/work/mediaserver"
	"mediarelay/work/openlist"
)

// stubBackend is a mediaserver.Server whose only interesting behavior is the
// admin decision.
type stubBackend struct {
	admin bool
}

func (s *stubBackend) Type() string                            { return "emby" }
func (s *stubBackend) BaseURL() string                         { return "http://emby:8096" }
func (s *stubBackend) OnServerConfigChange(*config.ServerConfig) {}

func (s *stubBackend) IdentifyProxyAction(*http.Request) mediaserver.ProxyAction {
	return mediaserver.ActionDirect
}

func (s *stubBackend) GetUserInfo(*http.Request) *mediaserver.UserInfo {
	if !s.admin {
		return nil
	}
	return &mediaserver.UserInfo{IsAdmin: true, Name: "admin", Id: "u1"}
}

func (s *stubBackend) GetMediaSourcePath(*http.Request) *mediaserver.MediaSourceInfo { return nil }
func (s *stubBackend) RedirectIndexHtml(*http.Request) string                        { return "/web/index.html" }
func (s *stubBackend) RewriteHtml(_ *http.Request, html string) string               { return html }

func (s *stubBackend) RewritePlaybackInfo(_ *http.Request, body []byte, _ mediaserver.ShouldRewriteFunc) ([]byte, error) {
	return body, nil
}

func (s *stubBackend) RewriteStream(*http.Request, mediaserver.ShouldRewriteFunc) string { return "" }
func (s *stubBackend) RedirectDirectUrl(*http.Request) string                            { return "" }

func newAdminRouter(t *testing.T, admin bool, extra string) *mux.Router {
	t.Helper()
	body := `{
	  "openlist": {"baseUrl": "http://openlist:5244", "token": "secret"},
	  "emby": {"baseUrl": "http://emby:8096"}` + extra + `
	}`
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	cfgService := config.NewService(path)
	require.NoError(t, cfgService.Load())

	storage := openlist.New(cfgService.Current(), client.New())

	router := mux.NewRouter()
	setupAdminRoutes(router, cfgService, storage, &stubBackend{admin: admin})
	return router
}

func TestAdminGate(t *testing.T) {
	t.Run("non-admin is forbidden", func(t *testing.T) {
		router := newAdminRouter(t, false, "")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mediarelay/api/config", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("admin reads secret-stripped config", func(t *testing.T) {
		router := newAdminRouter(t, true, "")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mediarelay/api/config", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var file config.ServerConfigFile
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &file))
		assert.Empty(t, file.Openlist.Token)
		assert.Equal(t, "http://openlist:5244", file.Openlist.BaseURL)
	})
}

func TestStaticAssetsServedFromConfiguredDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "emby"), 0755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "emby", "external-player.js"), []byte("console.log('ep');"), 0644))
	t.Setenv("MEDIARELAY_STATIC", dir)

	router := newAdminRouter(t, false, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mediarelay/emby/external-player.js", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "console.log('ep');", rec.Body.String())
}

func TestStaticDirDefault(t *testing.T) {
	t.Setenv("MEDIARELAY_STATIC", "")
	assert.Equal(t, "./static", staticDir())

	t.Setenv("MEDIARELAY_STATIC", "/srv/mediarelay/static")
	assert.Equal(t, "/srv/mediarelay/static", staticDir())
}

func TestExternalPlayersEndpoint(t *testing.T) {
	router := newAdminRouter(t, false, `,
	  "externalPlayer": {"enabled": true}`)

	// no admin gate: the injected page script calls this anonymously
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/mediarelay/api/players?platform=windows&url=http%3A%2F%2Fhost%2Fv&startTicks=900000000", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var links []playerLink
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &links))
	require.Len(t, links, 2)
	assert.Equal(t, "VLC", links[0].Name)
	assert.Contains(t, links[0].URL, "vlc://weblink?url=http%3A%2F%2Fhost%2Fv")
	assert.Equal(t, "PotPlayer", links[1].Name)
}
