package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"mediarelay/work/cache"
	"mediarelay/work/config"
	"mediarelay/work/logger"
	"mediarelay/work/mediaserver"
	"mediarelay/work/middleware"
	"mediarelay/work/openlist"
	"mediarelay/work/player"
	"mediarelay/work/utils"
)

// logStreamPollInterval is how often the SSE log stream checks for new
// entries.
const logStreamPollInterval = time.Second

// setupAdminRoutes registers the management API under /mediarelay/api plus
// the static script routes the HTML injections reference. Every API endpoint
// sits behind the backend's own user check: only administrators of the media
// server may read or change this proxy's state.
//
// Parameters:
//   - router: configured mux router for route registration
//   - cfgService: config service for read/update operations
//   - storage: OpenList client owning the direct-URL cache
//   - server: media-server adapter used to authenticate the caller
func setupAdminRoutes(router *mux.Router, cfgService *config.Service, storage *openlist.Client, server mediaserver.Server) {
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return corsMiddleware(adminAuthMiddleware(server, next))
	}

	router.HandleFunc("/mediarelay/api/config", auth(middleware.Gzip(handleGetConfig(cfgService)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/mediarelay/api/config", auth(handleSetConfig(cfgService))).Methods("POST", "OPTIONS")
	router.HandleFunc("/mediarelay/api/cache", auth(middleware.Gzip(handleGetCache(storage)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/mediarelay/api/cache", auth(handleClearCache(storage))).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/mediarelay/api/cache", auth(handleSetCacheMaxAge(storage))).Methods("PUT", "OPTIONS")
	router.HandleFunc("/mediarelay/api/logs", auth(middleware.Gzip(handleGetLogs))).Methods("GET", "OPTIONS")
	router.HandleFunc("/mediarelay/api/logs", auth(handleClearLogs)).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/mediarelay/api/logs/stream", auth(handleLogStream)).Methods("GET", "OPTIONS")

	// deep-link resolution for the injected external-player script; no admin
	// gate since it is a pure function over public config and caller input
	router.HandleFunc("/mediarelay/api/players", corsMiddleware(middleware.Gzip(handleExternalPlayers(cfgService)))).Methods("GET", "OPTIONS")

	// injected scripts (external-player.js, video-cors.js) are served from
	// the static directory under per-backend paths
	router.PathPrefix("/mediarelay/").Handler(http.StripPrefix("/mediarelay/", http.FileServer(http.Dir(staticDir()))))

	logger.Info("Admin interface initialized")
}

// staticDir resolves where the injected scripts are served from: ./static
// relative to the working directory, or MEDIARELAY_STATIC when set (container
// images mount the assets elsewhere).
func staticDir() string {
	if dir := os.Getenv("MEDIARELAY_STATIC"); dir != "" {
		return dir
	}
	return "./static"
}

// corsMiddleware provides Cross-Origin Resource Sharing support for admin
// API endpoints, including preflight OPTIONS handling.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Emby-Token")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// adminAuthMiddleware asks the backend who the caller is and rejects anyone
// who is not an administrator there. A failed lookup denies access.
func adminAuthMiddleware(server mediaserver.Server, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := server.GetUserInfo(r)
		if user == nil || !user.IsAdmin {
			logger.Warn("Admin API access denied: %s %s", r.Method, r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// handleGetConfig returns the live configuration with secrets stripped.
func handleGetConfig(cfgService *config.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cfgService.PublicFile())
	}
}

// handleSetConfig replaces the whole configuration, persisting it to disk
// and broadcasting the change to the resolver and adapter.
func handleSetConfig(cfgService *config.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request body", http.StatusBadRequest)
			return
		}

		if err := cfgService.UpdateFromJSON(body); err != nil {
			logger.Error("Config update failed: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		logger.Info("Configuration updated via admin API")
		json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	}
}

// handleGetCache returns the direct-URL cache contents grouped by path.
func handleGetCache(storage *openlist.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		info := storage.CacheInfo()
		if info == nil {
			info = &cache.Info{Groups: []cache.Group{}}
		}
		json.NewEncoder(w).Encode(info)
	}
}

// handleClearCache evicts cached direct URLs. The path and ua query
// parameters narrow the eviction; both absent clears everything.
func handleClearCache(storage *openlist.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		path := r.URL.Query().Get("path")
		ua := r.URL.Query().Get("ua")
		storage.ClearCache(path, ua)

		logger.Info("Direct URL cache cleared, path: %q ua: %q", path, ua)
		json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	}
}

// handleSetCacheMaxAge changes the default cache entry lifetime. The body
// carries {"maxAge": <milliseconds>}; non-positive values are rejected.
func handleSetCacheMaxAge(storage *openlist.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var request struct {
			MaxAge int64 `json:"maxAge"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if request.MaxAge <= 0 {
			http.Error(w, "maxAge must be positive", http.StatusBadRequest)
			return
		}

		if err := storage.SetCacheMaxAge(time.Duration(request.MaxAge) * time.Millisecond); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		logger.Info("Direct URL cache maxAge set to %dms", request.MaxAge)
		json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	}
}

// playerLink is one resolved external-player deep link.
type playerLink struct {
	Name     string `json:"name"`
	Icon     string `json:"icon,omitempty"`
	IconOnly bool   `json:"iconOnly,omitempty"`
	URL      string `json:"url"`
}

// handleExternalPlayers resolves external-player deep links for a media URL
// and platform. The start position may come in as seconds (start) or as
// backend playback ticks (startTicks).
func handleExternalPlayers(cfgService *config.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		q := r.URL.Query()
		cfg := cfgService.Current()
		players := player.Players(cfg.ExternalPlayer, q.Get("platform"))

		start := q.Get("start")
		if start == "" {
			if ticks, err := strconv.ParseInt(q.Get("startTicks"), 10, 64); err == nil && ticks > 0 {
				start = utils.TicksToSeconds(ticks, 3)
			}
		}

		opts := player.Options{
			VideoURL:     q.Get("url"),
			Title:        q.Get("title"),
			SubURL:       q.Get("sub"),
			StartSeconds: start,
		}

		links := make([]playerLink, 0, len(players))
		for _, p := range players {
			links = append(links, playerLink{
				Name:     p.Name,
				Icon:     p.Icon,
				IconOnly: p.IconOnly,
				URL:      player.TransformScheme(p.Scheme, opts),
			})
		}
		json.NewEncoder(w).Encode(links)
	}
}

// handleGetLogs returns buffered log entries, optionally only those newer
// than the since query parameter (unix milliseconds).
func handleGetLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	json.NewEncoder(w).Encode(logger.GetLogs(since))
}

// handleClearLogs empties the in-memory log buffer.
func handleClearLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	logger.ClearLogs()
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

// handleLogStream tails the log buffer over Server-Sent Events, polling for
// new entries once per second until the client disconnects.
func handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastSeen := time.Now().UnixMilli()
	ticker := time.NewTicker(logStreamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			entries := logger.GetLogs(lastSeen)
			for _, entry := range entries {
				data, err := json.Marshal(entry)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
				if entry.Timestamp > lastSeen {
					lastSeen = entry.Timestamp
				}
			}
			if len(entries) > 0 {
				flusher.Flush()
			}
		}
	}
}
