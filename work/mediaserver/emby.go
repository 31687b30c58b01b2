package mediaserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/grafana/regexp"

	"mediarelay/work/client"
	"mediarelay/work/config"
	"mediarelay/work/logger"
	"mediarelay/work/utils"
)

var (
	embyItemIDPattern       = regexp.MustCompile(`/?(Items|Videos)/(\d+)/`)
	embyPlaybackInfoPattern = regexp.MustCompile(`(emby/)?Items/\d+/PlaybackInfo/?`)
	embyStreamPattern       = regexp.MustCompile(`(emby/)?Videos/\d+/stream/?`)
)

// Emby adapts the proxy to an Emby backend.
type Emby struct {
	mu             sync.RWMutex
	baseURL        string
	webDirect      bool
	localFallback  bool
	externalPlayer *config.ExternalPlayerConfig
	injections     []config.Injection

	getDirectUrl DirectURLFunc
	httpClient   *client.ForwardingClient
	cache        *pathCache
}

// NewEmby creates the Emby adapter. The path cache is disabled along with the
// direct-URL cache since both describe the same backend data.
func NewEmby(cfg *config.ServerConfig, getDirectUrl DirectURLFunc, httpClient *client.ForwardingClient) *Emby {
	s := &Emby{
		baseURL:        cfg.Emby.BaseURL,
		webDirect:      cfg.WebDirect,
		localFallback:  cfg.WebDirectLocalFallback,
		externalPlayer: cfg.ExternalPlayer,
		injections:     cfg.Injections,
		getDirectUrl:   getDirectUrl,
		httpClient:     httpClient,
	}
	if cfg.Cache.Enabled {
		s.cache = newPathCache(cfg.Cache.MaxAge)
	}
	return s
}

// Type identifies the backend flavor.
func (s *Emby) Type() string { return "emby" }

// BaseURL returns the backend base URL.
func (s *Emby) BaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseURL
}

// OnServerConfigChange swaps in the rewrite-policy fields. Cached media paths
// stay valid across config changes since they describe the backend's data.
func (s *Emby) OnServerConfigChange(cfg *config.ServerConfig) {
	s.mu.Lock()
	if cfg.Emby != nil {
		s.baseURL = cfg.Emby.BaseURL
	}
	s.webDirect = cfg.WebDirect
	s.localFallback = cfg.WebDirectLocalFallback
	s.externalPlayer = cfg.ExternalPlayer
	s.injections = cfg.Injections
	s.mu.Unlock()
	logger.Info("{mediaserver/emby - OnServerConfigChange} Configuration updated successfully")
}

// requestData extracts the Emby request context: item id from the URL path or
// ItemId query, credentials from the X-Emby-Token and api_key parameters.
func (s *Emby) requestData(r *http.Request) RequestData {
	data := CommonData(r)

	itemId := ""
	if m := embyItemIDPattern.FindStringSubmatch(r.URL.Path); m != nil {
		itemId = m[2]
	}
	if itemId == "" {
		itemId = queryGet(r, "ItemId")
	}

	data.MediaSourceId = queryGet(r, "MediaSourceId")
	data.ItemId = resolveItemID(itemId, data.MediaSourceId)
	data.UserId = queryGet(r, "UserId")
	data.Token = queryGet(r, "X-Emby-Token")
	if data.Token == "" {
		data.Token = r.Header.Get("X-Emby-Token")
	}
	data.ApiKey = queryGet(r, "api_key")
	return data
}

// authQuery builds the credential query fragment, preferring the api key.
func embyAuthQuery(data RequestData) string {
	if data.ApiKey != "" {
		return "api_key=" + data.ApiKey
	}
	if data.Token != "" {
		return "X-Emby-Token=" + data.Token
	}
	return ""
}

type embyUser struct {
	Name   string `json:"Name"`
	Id     string `json:"Id"`
	Policy struct {
		IsAdministrator bool `json:"IsAdministrator"`
	} `json:"Policy"`
}

// GetUserInfo fetches the requesting user's record to gate the admin API.
// Any failure returns nil, which callers treat as "deny".
func (s *Emby) GetUserInfo(r *http.Request) *UserInfo {
	data := s.requestData(r)
	if data.UserId == "" {
		logger.Warn("{mediaserver/emby - GetUserInfo} Called with empty userId")
		return nil
	}

	reqURL := s.BaseURL() + "/emby/Users/" + data.UserId + "?" + embyAuthQuery(data)
	req, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		logger.Error("{mediaserver/emby - GetUserInfo} Failed to build request: %v", err)
		return nil
	}
	client.SetForwardHeaders(req, data.UA, data.IP)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		logger.Error("{mediaserver/emby - GetUserInfo} Request failed: %v", err)
		return nil
	}
	defer resp.Body.Close()

	var user embyUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		logger.Error("{mediaserver/emby - GetUserInfo} Failed to decode response: %v", err)
		return nil
	}

	logger.Debug("{mediaserver/emby - GetUserInfo} User info fetched, name: %s isAdmin: %t",
		user.Name, user.Policy.IsAdministrator)
	return &UserInfo{IsAdmin: user.Policy.IsAdministrator, Name: user.Name, Id: user.Id}
}

type embyItemsResponse struct {
	Items []struct {
		MediaSources []struct {
			Id        string `json:"Id"`
			ItemId    string `json:"ItemId"`
			Name      string `json:"Name"`
			Path      string `json:"Path"`
			Container string `json:"Container"`
		} `json:"MediaSources"`
	} `json:"Items"`
}

// GetMediaSourcePath resolves the media source backing a stream request,
// consulting the path cache before calling the backend items API. Placeholder
// .strm paths are rejected since they point at no resolvable file.
func (s *Emby) GetMediaSourcePath(r *http.Request) *MediaSourceInfo {
	data := s.requestData(r)
	logger.Debug("{mediaserver/emby - GetMediaSourcePath} itemId: %s mediaSourceId: %s",
		data.ItemId, data.MediaSourceId)

	if path, ok := s.cache.Get(data.ItemId); ok {
		logger.Info("{mediaserver/emby - GetMediaSourcePath} Media path cache hit: %s -> %s",
			data.ItemId, utils.DecodePath(path))
		return &MediaSourceInfo{Path: path}
	}

	reqURL := s.BaseURL() + "/emby/Items?Fields=Path,MediaSources&Ids=" + data.ItemId + "&" + embyAuthQuery(data)
	req, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		logger.Error("{mediaserver/emby - GetMediaSourcePath} Failed to build request: %v", err)
		return nil
	}
	client.SetForwardHeaders(req, data.UA, data.IP)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		logger.Error("{mediaserver/emby - GetMediaSourcePath} Request failed: %v", err)
		return nil
	}
	defer resp.Body.Close()

	var items embyItemsResponse
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		logger.Error("{mediaserver/emby - GetMediaSourcePath} Failed to decode response: %v", err)
		return nil
	}
	if len(items.Items) == 0 {
		logger.Warn("{mediaserver/emby - GetMediaSourcePath} No item found for id %s", data.ItemId)
		return nil
	}

	sources := items.Items[0].MediaSources
	for _, src := range sources {
		s.cache.Set(src.Id, src.Path)
	}
	// A single-source item may later be requested under its item id rather
	// than the media source id, so cache it under both.
	if len(sources) == 1 {
		s.cache.Set(sources[0].ItemId, sources[0].Path)
	}

	var current *MediaSourceInfo
	for i := range sources {
		if len(sources) == 1 || sources[i].Id == data.MediaSourceId {
			current = &MediaSourceInfo{
				Id:        sources[i].Id,
				Name:      sources[i].Name,
				Path:      sources[i].Path,
				Container: sources[i].Container,
			}
			break
		}
	}

	if current == nil || current.Path == "" || isStrmPath(current.Path) {
		logger.Error("{mediaserver/emby - GetMediaSourcePath} Path is not found or invalid for item %s", data.ItemId)
		return nil
	}

	logger.Info("{mediaserver/emby - GetMediaSourcePath} Media source path fetched: %s -> %s",
		data.ItemId, current.Path)
	return current
}

// IdentifyProxyAction classifies one inbound request.
func (s *Emby) IdentifyProxyAction(r *http.Request) ProxyAction {
	path := r.URL.Path

	action := ActionDirect
	switch {
	case path == "/":
		action = ActionRedirectIndexHTML
	case path == "/web/index.html":
		action = ActionRewriteHTML
	case embyPlaybackInfoPattern.MatchString(path):
		action = ActionRewritePlaybackInfo
	case strings.Contains(path, "/emby/http") && queryHas(r, fakeStreamMarker):
		action = ActionRedirectDirectURL
	case embyStreamPattern.MatchString(path):
		action = ActionRewriteStream
	}

	logger.Debug("{mediaserver/emby - IdentifyProxyAction} %s -> %s", path, action)
	return action
}

// RedirectIndexHtml returns the backend web index location.
func (s *Emby) RedirectIndexHtml(_ *http.Request) string {
	return "/web/index.html"
}

// RewriteHtml injects the proxy's scripts into the backend's web index page.
func (s *Emby) RewriteHtml(_ *http.Request, originHtml string) string {
	s.mu.RLock()
	webDirect := s.webDirect
	externalPlayer := s.externalPlayer
	operatorInjections := s.injections
	s.mu.RUnlock()

	injections := builtinInjections(s.Type(), webDirect, externalPlayer)
	injections = append(injections, operatorInjections...)

	if len(injections) > 0 {
		logger.Info("{mediaserver/emby - RewriteHtml} Injected %d tags", len(injections))
	}
	return injectHTML(originHtml, injections)
}

// RewritePlaybackInfo rewrites the PlaybackInfo JSON so eligible media
// sources advertise a direct stream served by this proxy. Unknown fields in
// the payload pass through untouched; sources blocked by policy or the web
// playback heuristic keep their original (transcodable) fields.
func (s *Emby) RewritePlaybackInfo(r *http.Request, body []byte, shouldRewrite ShouldRewriteFunc) ([]byte, error) {
	data := s.requestData(r)

	s.mu.RLock()
	webDirect := s.webDirect
	localFallback := s.localFallback
	s.mu.RUnlock()

	if utils.IsWebBrowser(data.UA) && !webDirect {
		logger.Info("{mediaserver/emby - RewritePlaybackInfo} WebDirect disabled for browser, skipping rewrite")
		return body, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	mediaSources, _ := payload["MediaSources"].([]any)
	for _, raw := range mediaSources {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		if streamNotSupportedByWeb(data.UA, mediaStreamsFromJSON(item["MediaStreams"]), localFallback) {
			logger.Info("{mediaserver/emby - RewritePlaybackInfo} Rewrite skipped: stream not supported by web")
			continue
		}

		info := MediaSourceInfo{
			Id:        jsonString(item, "Id"),
			Name:      jsonString(item, "Name"),
			Path:      jsonString(item, "Path"),
			Container: jsonString(item, "Container"),
		}
		if shouldRewrite != nil && !shouldRewrite(info) {
			logger.Info("{mediaserver/emby - RewritePlaybackInfo} Rewrite skipped by filter rule: %s", info.Id)
			continue
		}

		s.cache.Set(info.Id, info.Path)

		directUrl := fakeStreamURL(data.Origin, jsonString(item, "ItemId"), info.Id)
		logger.Info("{mediaserver/emby - RewritePlaybackInfo} Direct URL generated, %s: %s", info.Id, directUrl)

		item["TranscodeReasons"] = []any{}
		item["SupportsTranscoding"] = false
		item["SupportsDirectPlay"] = true
		item["Protocol"] = "Http"
		item["SupportsDirectStream"] = true
		item["DirectStreamUrl"] = directUrl
	}

	if len(mediaSources) == 1 {
		if item, ok := mediaSources[0].(map[string]any); ok {
			s.cache.Set(jsonString(item, "ItemId"), jsonString(item, "Path"))
		}
	}

	logger.Debug("{mediaserver/emby - RewritePlaybackInfo} PlaybackInfo rewrite completed")
	return json.Marshal(payload)
}

// RewriteStream resolves a stream request into a signed direct URL, or ""
// when the caller must fall back to proxying through the backend.
func (s *Emby) RewriteStream(r *http.Request, shouldRewrite ShouldRewriteFunc) string {
	data := s.requestData(r)

	src := s.GetMediaSourcePath(r)
	if src == nil || src.Path == "" {
		logger.Warn("{mediaserver/emby - RewriteStream} Stream rewrite failed: path not found")
		return ""
	}

	if shouldRewrite != nil && !shouldRewrite(*src) {
		logger.Info("{mediaserver/emby - RewriteStream} Stream rewrite skipped by filter rule: %s", src.Path)
		return ""
	}

	directUrl := s.getDirectUrl(src.Path, data.UA, data.IP)
	if directUrl == "" {
		logger.Warn("{mediaserver/emby - RewriteStream} Direct URL unavailable: %s", utils.DecodePath(src.Path))
	}
	return directUrl
}

// RedirectDirectUrl handles the fake-direct-stream marker URL. The filter
// rules already approved this source when the marker URL was generated, so
// resolution proceeds without re-evaluating them.
func (s *Emby) RedirectDirectUrl(r *http.Request) string {
	logger.Info("{mediaserver/emby - RedirectDirectUrl} Handling fake direct stream URL")
	return s.RewriteStream(r, nil)
}
