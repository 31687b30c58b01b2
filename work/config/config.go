package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"
)

// OpenlistConfig holds the connection settings for the OpenList storage
// provider that issues signed direct URLs for media files.
type OpenlistConfig struct {
	BaseURL string        `json:"baseUrl"` // OpenList API base URL
	Token   string        `json:"token"`   // API token sent as the Authorization header
	PathMap []PathMapping `json:"pathMap,omitempty"`
}

// PathMapping replaces a media-server path prefix with the matching OpenList
// path prefix. Mappings apply in list order by substring replacement, and
// multiple mappings may apply to the same path sequentially.
type PathMapping struct {
	From string `json:"from"` // media server path prefix
	To   string `json:"to"`   // OpenList path prefix
}

// BackendConfig identifies one media server backend (Emby or Jellyfin).
type BackendConfig struct {
	BaseURL string `json:"baseUrl"`
}

// CacheConfig controls the direct-URL resolution cache.
type CacheConfig struct {
	Enabled bool          `json:"enabled"` // whether direct URL caching is enabled
	MaxAge  time.Duration `json:"maxAge"`  // default entry lifetime when the signed URL carries no expiry
}

// ExternalPlayer describes one native player reachable through a URL scheme.
type ExternalPlayer struct {
	Name     string `json:"name"`
	Scheme   string `json:"scheme"` // deep-link template, e.g. "vlc://weblink?url=$url"
	Icon     string `json:"icon,omitempty"`
	IconOnly bool   `json:"iconOnly,omitempty"`
}

// ExternalPlayerConfig holds per-platform external player lists. A platform
// left empty falls back to the built-in defaults for that platform.
type ExternalPlayerConfig struct {
	Enabled bool             `json:"enabled"`
	Common  []ExternalPlayer `json:"common,omitempty"`
	Windows []ExternalPlayer `json:"windows,omitempty"`
	Macos   []ExternalPlayer `json:"macos,omitempty"`
	Android []ExternalPlayer `json:"android,omitempty"`
	Ios     []ExternalPlayer `json:"ios,omitempty"`
	Linux   []ExternalPlayer `json:"linux,omitempty"`
}

// Injection is one script or style tag inserted into the backend's web index
// HTML. Built-in injections are appended by the media-server adapter and are
// not part of the operator-configured list.
type Injection struct {
	Type    string `json:"type"` // "script" or "style"
	Content string `json:"content,omitempty"`
	Src     string `json:"src,omitempty"`
	Async   bool   `json:"async,omitempty"`
	Defer   bool   `json:"defer,omitempty"`
}

// FilterCondition is a single predicate inside a filter rule.
type FilterCondition struct {
	Type  string `json:"type"` // ip | ua | host | mediaPath | mediaType
	Op    string `json:"op"`   // comparison operator, see work/filter
	Value string `json:"value,omitempty"`
}

// FilterRule blocks direct-stream rewriting for requests matching its
// conditions. Rules evaluate in list order and the first enabled match wins.
type FilterRule struct {
	Id         string            `json:"id"`
	Enabled    bool              `json:"enabled"`
	Name       string            `json:"name"`
	Logic      string            `json:"logic"` // "AND" or "OR"
	Conditions []FilterCondition `json:"conditions"`
}

// ServerConfig is the complete process-wide configuration. It is held as a
// single value and replaced wholesale on every update so that readers holding
// a snapshot never observe a partially applied change.
type ServerConfig struct {
	Openlist               OpenlistConfig        `json:"openlist"`
	Emby                   *BackendConfig        `json:"emby,omitempty"`
	Jellyfin               *BackendConfig        `json:"jellyfin,omitempty"`
	Port                   int                   `json:"port"`
	WebDirect              bool                  `json:"webDirect"`
	WebDirectLocalFallback bool                  `json:"webDirectLocalFallback"`
	Cache                  CacheConfig           `json:"cache"`
	ExternalPlayer         *ExternalPlayerConfig `json:"externalPlayer,omitempty"`
	Injections             []Injection           `json:"injections,omitempty"`
	FilterRules            []FilterRule          `json:"filterRules,omitempty"`
	LogLevel               string                `json:"logLevel,omitempty"`
}

// ServerConfigFile mirrors ServerConfig for JSON persistence. Duration fields
// are stored as strings (e.g. "1h") and booleans that default to true are
// pointers so an absent field is distinguishable from an explicit false.
type ServerConfigFile struct {
	Openlist               OpenlistConfig        `json:"openlist"`
	Emby                   *BackendConfig        `json:"emby,omitempty"`
	Jellyfin               *BackendConfig        `json:"jellyfin,omitempty"`
	Port                   int                   `json:"port,omitempty"`
	WebDirect              *bool                 `json:"webDirect,omitempty"`
	WebDirectLocalFallback *bool                 `json:"webDirectLocalFallback,omitempty"`
	Cache                  *CacheConfigFile      `json:"cache,omitempty"`
	ExternalPlayer         *ExternalPlayerConfig `json:"externalPlayer,omitempty"`
	Injections             []Injection           `json:"injections,omitempty"`
	FilterRules            []FilterRule          `json:"filterRules,omitempty"`
	LogLevel               string                `json:"logLevel,omitempty"`
}

// CacheConfigFile is the on-disk form of CacheConfig.
type CacheConfigFile struct {
	Enabled *bool  `json:"enabled,omitempty"`
	MaxAge  string `json:"maxAge,omitempty"` // duration string (e.g. "1h")
}

// ChangeCallback receives the full replacement config after an update.
type ChangeCallback func(*ServerConfig)

// Service owns the configuration lifecycle: load with env overlay, validated
// updates persisted atomically to disk, and synchronous broadcast to
// subscribers after each successful write.
type Service struct {
	path        string
	mu          sync.RWMutex
	current     *ServerConfig
	subMu       sync.Mutex
	subscribers []ChangeCallback

	// set around our own file writes so the watcher does not reload and
	// re-broadcast a config that was already applied
	selfWrite atomic.Bool
}

// NewService creates a config service bound to the given JSON file path.
func NewService(path string) *Service {
	return &Service{path: path}
}

// Path returns the config file path this service reads and writes.
func (s *Service) Path() string {
	return s.path
}

// Load reads the config file, applies environment variable overrides, and
// validates the result. It must succeed before the server can start; there
// is no partial-startup mode.
func (s *Service) Load() error {
	cfg, err := loadFromFile(s.path)
	if err != nil {
		return err
	}

	applyEnvOverrides(cfg)
	validateAndSetDefaults(cfg)

	if err := checkRequired(cfg); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
	return nil
}

// Current returns the live config snapshot. Callers hold the returned pointer
// for the duration of one logical operation and never re-read mid-operation.
func (s *Service) Current() *ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers a callback invoked synchronously after every
// successful config update, including reloads triggered by the file watcher.
func (s *Service) Subscribe(cb ChangeCallback) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, cb)
}

// Update validates the replacement config, persists it to disk, swaps it in
// as the live value, and broadcasts it to subscribers. The live value is only
// replaced after the disk write succeeds.
func (s *Service) Update(cfg *ServerConfig) error {
	validateAndSetDefaults(cfg)
	if err := checkRequired(cfg); err != nil {
		return err
	}

	data, err := json.MarshalIndent(toFile(cfg), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// atomic replace so a crash mid-write never leaves a truncated file
	if err := renameio.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	s.selfWrite.Store(true)

	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()

	s.broadcast(cfg)
	return nil
}

// Reload re-reads the config file and broadcasts the result. Used by the
// file watcher when the config is edited outside the admin API. Errors leave
// the current config in place.
func (s *Service) Reload() error {
	cfg, err := loadFromFile(s.path)
	if err != nil {
		return err
	}

	applyEnvOverrides(cfg)
	validateAndSetDefaults(cfg)

	if err := checkRequired(cfg); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()

	s.broadcast(cfg)
	return nil
}

// UpdateFromJSON applies a config replacement posted as on-disk-form JSON.
// An empty storage token keeps the current one, so a client that round-trips
// the secret-stripped read form cannot wipe the credential.
func (s *Service) UpdateFromJSON(data []byte) error {
	var file ServerConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config JSON: %w", err)
	}

	cfg, err := fromFile(&file)
	if err != nil {
		return err
	}

	if cfg.Openlist.Token == "" {
		if current := s.Current(); current != nil {
			cfg.Openlist.Token = current.Openlist.Token
		}
	}

	return s.Update(cfg)
}

// Public returns a copy of the current config with secrets stripped,
// suitable for the admin config read API.
func (s *Service) Public() *ServerConfig {
	current := s.Current()
	if current == nil {
		return nil
	}

	public := *current
	public.Openlist.Token = ""
	return &public
}

// PublicFile returns the current config in on-disk form with secrets
// stripped. This is the shape the admin config API reads and writes.
func (s *Service) PublicFile() *ServerConfigFile {
	current := s.Current()
	if current == nil {
		return nil
	}

	file := toFile(current)
	file.Openlist.Token = ""
	return file
}

// broadcast invokes all subscribers with the replacement config.
func (s *Service) broadcast(cfg *ServerConfig) {
	s.subMu.Lock()
	subscribers := make([]ChangeCallback, len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.subMu.Unlock()

	for _, cb := range subscribers {
		cb(cfg)
	}
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var file ServerConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return fromFile(&file)
}

// fromFile converts the on-disk form into the runtime form, parsing duration
// strings and resolving default-true booleans.
func fromFile(file *ServerConfigFile) (*ServerConfig, error) {
	cfg := &ServerConfig{
		Openlist:               file.Openlist,
		Emby:                   file.Emby,
		Jellyfin:               file.Jellyfin,
		Port:                   file.Port,
		WebDirect:              boolOrDefault(file.WebDirect, true),
		WebDirectLocalFallback: boolOrDefault(file.WebDirectLocalFallback, true),
		ExternalPlayer:         file.ExternalPlayer,
		Injections:             file.Injections,
		FilterRules:            file.FilterRules,
		LogLevel:               file.LogLevel,
	}

	cfg.Cache = CacheConfig{Enabled: true, MaxAge: time.Hour}
	if file.Cache != nil {
		cfg.Cache.Enabled = boolOrDefault(file.Cache.Enabled, true)
		if file.Cache.MaxAge != "" {
			maxAge, err := time.ParseDuration(file.Cache.MaxAge)
			if err != nil {
				return nil, fmt.Errorf("invalid cache maxAge: %w", err)
			}
			cfg.Cache.MaxAge = maxAge
		}
	}

	return cfg, nil
}

// toFile converts the runtime form back into the on-disk form.
func toFile(cfg *ServerConfig) *ServerConfigFile {
	webDirect := cfg.WebDirect
	localFallback := cfg.WebDirectLocalFallback
	cacheEnabled := cfg.Cache.Enabled

	return &ServerConfigFile{
		Openlist:               cfg.Openlist,
		Emby:                   cfg.Emby,
		Jellyfin:               cfg.Jellyfin,
		Port:                   cfg.Port,
		WebDirect:              &webDirect,
		WebDirectLocalFallback: &localFallback,
		Cache: &CacheConfigFile{
			Enabled: &cacheEnabled,
			MaxAge:  cfg.Cache.MaxAge.String(),
		},
		ExternalPlayer: cfg.ExternalPlayer,
		Injections:     cfg.Injections,
		FilterRules:    cfg.FilterRules,
		LogLevel:       cfg.LogLevel,
	}
}

// applyEnvOverrides overlays environment variables on top of the file
// values. Overrides apply at load time only and are not persisted back.
func applyEnvOverrides(cfg *ServerConfig) {
	if v := os.Getenv("OPENLIST_BASE_URL"); v != "" {
		cfg.Openlist.BaseURL = v
	}
	if v := os.Getenv("OPENLIST_TOKEN"); v != "" {
		cfg.Openlist.Token = v
	}
	if v := os.Getenv("EMBY_BASE_URL"); v != "" {
		if cfg.Emby == nil {
			cfg.Emby = &BackendConfig{}
		}
		cfg.Emby.BaseURL = v
	}
	if v := os.Getenv("JELLYFIN_BASE_URL"); v != "" {
		if cfg.Jellyfin == nil {
			cfg.Jellyfin = &BackendConfig{}
		}
		cfg.Jellyfin.BaseURL = v
	}
}

// validateAndSetDefaults fills in safe defaults for missing values.
func validateAndSetDefaults(cfg *ServerConfig) {
	if cfg.Port <= 0 {
		cfg.Port = 3000
	}
	if cfg.Cache.MaxAge <= 0 {
		cfg.Cache.MaxAge = time.Hour
	}
	for i := range cfg.FilterRules {
		rule := &cfg.FilterRules[i]
		if rule.Logic != "AND" && rule.Logic != "OR" {
			rule.Logic = "OR"
		}
	}
}

// checkRequired enforces the fields without which the proxy cannot operate.
func checkRequired(cfg *ServerConfig) error {
	if cfg.Openlist.BaseURL == "" || cfg.Openlist.Token == "" {
		return fmt.Errorf("missing required config: openlist baseUrl and token")
	}

	embyURL := ""
	if cfg.Emby != nil {
		embyURL = cfg.Emby.BaseURL
	}
	jellyfinURL := ""
	if cfg.Jellyfin != nil {
		jellyfinURL = cfg.Jellyfin.BaseURL
	}
	if embyURL == "" && jellyfinURL == "" {
		return fmt.Errorf("missing required config: emby or jellyfin baseUrl")
	}

	return nil
}

// boolOrDefault resolves an optional boolean against its default.
func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
