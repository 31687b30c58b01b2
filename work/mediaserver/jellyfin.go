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
	jellyfinItemIDPattern       = regexp.MustCompile(`/?(Items|Videos)/([0-9A-Za-z]+)/`)
	jellyfinPlaybackInfoPattern = regexp.MustCompile(`Items/[0-9A-Za-z]+/PlaybackInfo/?`)
	jellyfinStreamPattern       = regexp.MustCompile(`Videos/[0-9A-Za-z]+/stream/?`)
	authHeaderPairPattern       = regexp.MustCompile(`(\w+)="([^"]*)"`)
)

// Jellyfin adapts the proxy to a Jellyfin backend.
type Jellyfin struct {
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

// NewJellyfin creates the Jellyfin adapter.
func NewJellyfin(cfg *config.ServerConfig, getDirectUrl DirectURLFunc, httpClient *client.ForwardingClient) *Jellyfin {
	s := &Jellyfin{
		baseURL:        cfg.Jellyfin.BaseURL,
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
func (s *Jellyfin) Type() string { return "jellyfin" }

// BaseURL returns the backend base URL.
func (s *Jellyfin) BaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseURL
}

// OnServerConfigChange swaps in the rewrite-policy fields.
func (s *Jellyfin) OnServerConfigChange(cfg *config.ServerConfig) {
	s.mu.Lock()
	if cfg.Jellyfin != nil {
		s.baseURL = cfg.Jellyfin.BaseURL
	}
	s.webDirect = cfg.WebDirect
	s.localFallback = cfg.WebDirectLocalFallback
	s.externalPlayer = cfg.ExternalPlayer
	s.injections = cfg.Injections
	s.mu.Unlock()
	logger.Info("{mediaserver/jellyfin - OnServerConfigChange} Configuration updated successfully")
}

// parseAuthToken pulls the Token value out of a MediaBrowser authorization
// header, e.g. `MediaBrowser Client="Jellyfin Web", Token="abc"`.
func parseAuthToken(header string) string {
	for _, m := range authHeaderPairPattern.FindAllStringSubmatch(header, -1) {
		if strings.EqualFold(m[1], "Token") {
			return m[2]
		}
	}
	return ""
}

// requestData extracts the Jellyfin request context: item id from the URL
// path or ItemId query, credentials from query parameters or the
// MediaBrowser authorization header.
func (s *Jellyfin) requestData(r *http.Request) RequestData {
	data := CommonData(r)

	itemId := ""
	if m := jellyfinItemIDPattern.FindStringSubmatch(r.URL.Path); m != nil {
		itemId = m[2]
	}
	if itemId == "" {
		itemId = queryGet(r, "ItemId")
	}

	data.MediaSourceId = queryGet(r, "MediaSourceId")
	data.ItemId = resolveItemID(itemId, data.MediaSourceId)
	data.UserId = queryGet(r, "UserId")
	data.Token = queryGet(r, "Token")
	if data.Token == "" {
		data.Token = parseAuthToken(r.Header.Get("Authorization"))
	}
	return data
}

// setAuthHeaders stamps the Jellyfin API credentials onto an outbound
// request.
func jellyfinAuthHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", `MediaBrowser Client="Jellyfin%20Web", Token="`+token+`"`)
	req.Header.Set("Accept", "application/json")
}

type jellyfinUser struct {
	Name   string `json:"Name"`
	Id     string `json:"Id"`
	Policy struct {
		IsAdministrator bool `json:"IsAdministrator"`
	} `json:"Policy"`
}

// GetUserInfo fetches the requesting user's record to gate the admin API.
// Any failure returns nil, which callers treat as "deny".
func (s *Jellyfin) GetUserInfo(r *http.Request) *UserInfo {
	data := s.requestData(r)
	if data.UserId == "" {
		logger.Warn("{mediaserver/jellyfin - GetUserInfo} Called with empty userId")
		return nil
	}

	req, err := http.NewRequest(http.MethodGet, s.BaseURL()+"/Users/"+data.UserId, nil)
	if err != nil {
		logger.Error("{mediaserver/jellyfin - GetUserInfo} Failed to build request: %v", err)
		return nil
	}
	client.SetForwardHeaders(req, data.UA, data.IP)
	jellyfinAuthHeaders(req, data.Token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		logger.Error("{mediaserver/jellyfin - GetUserInfo} Request failed: %v", err)
		return nil
	}
	defer resp.Body.Close()

	var user jellyfinUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		logger.Error("{mediaserver/jellyfin - GetUserInfo} Failed to decode response: %v", err)
		return nil
	}

	logger.Debug("{mediaserver/jellyfin - GetUserInfo} User info fetched, name: %s isAdmin: %t",
		user.Name, user.Policy.IsAdministrator)
	return &UserInfo{IsAdmin: user.Policy.IsAdministrator, Name: user.Name, Id: user.Id}
}

type jellyfinItemsResponse struct {
	Items []struct {
		MediaSources []struct {
			Id        string `json:"Id"`
			Name      string `json:"Name"`
			Path      string `json:"Path"`
			Container string `json:"Container"`
		} `json:"MediaSources"`
	} `json:"Items"`
}

// GetMediaSourcePath resolves the media source backing a stream request,
// consulting the path cache before calling the backend items API.
func (s *Jellyfin) GetMediaSourcePath(r *http.Request) *MediaSourceInfo {
	data := s.requestData(r)
	logger.Debug("{mediaserver/jellyfin - GetMediaSourcePath} itemId: %s mediaSourceId: %s",
		data.ItemId, data.MediaSourceId)

	if path, ok := s.cache.Get(data.ItemId); ok {
		logger.Info("{mediaserver/jellyfin - GetMediaSourcePath} Media path cache hit: %s -> %s",
			data.ItemId, utils.DecodePath(path))
		return &MediaSourceInfo{Path: path}
	}

	reqURL := s.BaseURL() + "/Items?fields=Path,MediaSources&ids=" + data.ItemId + "&userId=" + data.UserId
	req, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		logger.Error("{mediaserver/jellyfin - GetMediaSourcePath} Failed to build request: %v", err)
		return nil
	}
	client.SetForwardHeaders(req, data.UA, data.IP)
	jellyfinAuthHeaders(req, data.Token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		logger.Error("{mediaserver/jellyfin - GetMediaSourcePath} Request failed: %v", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Error("{mediaserver/jellyfin - GetMediaSourcePath} Fetch media path failed, status: %d", resp.StatusCode)
		return nil
	}

	var items jellyfinItemsResponse
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		logger.Error("{mediaserver/jellyfin - GetMediaSourcePath} Failed to decode response: %v", err)
		return nil
	}
	if len(items.Items) == 0 {
		logger.Warn("{mediaserver/jellyfin - GetMediaSourcePath} No item found for id %s", data.ItemId)
		return nil
	}

	sources := items.Items[0].MediaSources
	for _, src := range sources {
		s.cache.Set(src.Id, src.Path)
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
		logger.Error("{mediaserver/jellyfin - GetMediaSourcePath} Path is not found or invalid for item %s", data.ItemId)
		return nil
	}

	logger.Info("{mediaserver/jellyfin - GetMediaSourcePath} Media source path fetched: %s -> %s",
		current.Id, current.Path)
	return current
}

// IdentifyProxyAction classifies one inbound request.
func (s *Jellyfin) IdentifyProxyAction(r *http.Request) ProxyAction {
	path := r.URL.Path

	action := ActionDirect
	switch {
	case path == "/":
		action = ActionRedirectIndexHTML
	case path == "/web/index.html":
		action = ActionRewriteHTML
	case jellyfinPlaybackInfoPattern.MatchString(path):
		action = ActionRewritePlaybackInfo
	case strings.Contains(path, "/http") && queryHas(r, fakeStreamMarker):
		action = ActionRedirectDirectURL
	case jellyfinStreamPattern.MatchString(path):
		action = ActionRewriteStream
	}

	logger.Debug("{mediaserver/jellyfin - IdentifyProxyAction} %s -> %s", path, action)
	return action
}

// RedirectIndexHtml returns the backend web index location.
func (s *Jellyfin) RedirectIndexHtml(_ *http.Request) string {
	return "/web/index.html"
}

// RewriteHtml injects the proxy's scripts into the backend's web index page.
func (s *Jellyfin) RewriteHtml(_ *http.Request, originHtml string) string {
	s.mu.RLock()
	webDirect := s.webDirect
	externalPlayer := s.externalPlayer
	operatorInjections := s.injections
	s.mu.RUnlock()

	injections := builtinInjections(s.Type(), webDirect, externalPlayer)
	injections = append(injections, operatorInjections...)

	if len(injections) > 0 {
		logger.Info("{mediaserver/jellyfin - RewriteHtml} Injected %d tags", len(injections))
	}
	return injectHTML(originHtml, injections)
}

// RewritePlaybackInfo rewrites the PlaybackInfo JSON so eligible media
// sources play directly through this proxy. Jellyfin clients read the
// stream location from Path/StreamUrl, so both point at the generated URL
// and any transcoding plan the backend proposed is dropped.
func (s *Jellyfin) RewritePlaybackInfo(r *http.Request, body []byte, shouldRewrite ShouldRewriteFunc) ([]byte, error) {
	data := s.requestData(r)

	s.mu.RLock()
	webDirect := s.webDirect
	localFallback := s.localFallback
	s.mu.RUnlock()

	if utils.IsWebBrowser(data.UA) && !webDirect {
		logger.Info("{mediaserver/jellyfin - RewritePlaybackInfo} WebDirect disabled for browser, skipping rewrite")
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
			logger.Info("{mediaserver/jellyfin - RewritePlaybackInfo} Rewrite skipped: stream not supported by web")
			continue
		}

		info := MediaSourceInfo{
			Id:        jsonString(item, "Id"),
			Name:      jsonString(item, "Name"),
			Path:      jsonString(item, "Path"),
			Container: jsonString(item, "Container"),
		}
		if shouldRewrite != nil && !shouldRewrite(info) {
			logger.Info("{mediaserver/jellyfin - RewritePlaybackInfo} Rewrite skipped by filter rule: %s", info.Id)
			continue
		}

		s.cache.Set(info.Id, info.Path)

		directUrl := fakeStreamURL(data.Origin, info.Id, info.Id)
		logger.Info("{mediaserver/jellyfin - RewritePlaybackInfo} Direct URL generated, %s: %s", info.Id, directUrl)

		item["TranscodeReasons"] = []any{}
		item["SupportsTranscoding"] = false
		item["SupportsDirectPlay"] = true
		item["Path"] = directUrl
		item["Protocol"] = "Http"
		item["IsRemote"] = true
		item["SupportsDirectStream"] = true
		item["StreamUrl"] = directUrl
		delete(item, "TranscodingUrl")
		delete(item, "TranscodingContainer")
		delete(item, "TranscodingSubProtocol")
	}

	logger.Debug("{mediaserver/jellyfin - RewritePlaybackInfo} PlaybackInfo rewrite completed")
	return json.Marshal(payload)
}

// RewriteStream resolves a stream request into a signed direct URL, or ""
// when the caller must fall back to proxying through the backend.
func (s *Jellyfin) RewriteStream(r *http.Request, shouldRewrite ShouldRewriteFunc) string {
	data := s.requestData(r)

	src := s.GetMediaSourcePath(r)
	if src == nil || src.Path == "" {
		logger.Warn("{mediaserver/jellyfin - RewriteStream} Stream rewrite failed: path not found")
		return ""
	}

	if shouldRewrite != nil && !shouldRewrite(*src) {
		logger.Info("{mediaserver/jellyfin - RewriteStream} Stream rewrite skipped by filter rule: %s", src.Path)
		return ""
	}

	directUrl := s.getDirectUrl(src.Path, data.UA, data.IP)
	if directUrl == "" {
		logger.Warn("{mediaserver/jellyfin - RewriteStream} Direct URL unavailable: %s", utils.DecodePath(src.Path))
	}
	return directUrl
}

// RedirectDirectUrl handles the fake-direct-stream marker URL.
func (s *Jellyfin) RedirectDirectUrl(r *http.Request) string {
	logger.Info("{mediaserver/jellyfin - RedirectDirectUrl} Handling fake direct stream URL")
	return s.RewriteStream(r, nil)
}
