package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mediarelay/work/client"
	"mediarelay/work/config"
	"mediarelay/work/logger"
	"mediarelay/work/mediaserver"
	"mediarelay/work/middleware"
	"mediarelay/work/openlist"
	"mediarelay/work/proxy"
)

var (
	Version = "v0.1.0" // default version
)

// defaultConfigPath is where the config file lives unless overridden.
const defaultConfigPath = "/config/config.json"

// our main app worker
func main() {

	// load our config; the proxy cannot run without it
	configPath := os.Getenv("MEDIARELAY_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfgService := config.NewService(configPath)
	if err := cfgService.Load(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := cfgService.Current()

	logger.SetLogLevel(cfg.LogLevel)

	// shared outbound HTTP client
	httpClient := client.New()

	// storage client owning the direct-URL cache
	storage := openlist.New(cfg, httpClient)

	// pick the backend adapter; emby wins when both are configured
	var server mediaserver.Server
	if cfg.Emby != nil && cfg.Emby.BaseURL != "" {
		server = mediaserver.NewEmby(cfg, storage.GetDirectUrl, httpClient)
	} else {
		server = mediaserver.NewJellyfin(cfg, storage.GetDirectUrl, httpClient)
	}

	// propagate config changes to the components holding policy state
	cfgService.Subscribe(storage.OnServerConfigChange)
	cfgService.Subscribe(server.OnServerConfigChange)
	cfgService.Subscribe(func(newCfg *config.ServerConfig) {
		logger.SetLogLevel(newCfg.LogLevel)
	})

	// reload when the config file is edited outside the admin API
	stopWatch, err := cfgService.Watch()
	if err != nil {
		logger.Warn("Config file watcher unavailable: %v", err)
	} else {
		defer stopWatch()
	}

	// Setup HTTP routes
	router := mux.NewRouter()

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the admin routes
	setupAdminRoutes(router, cfgService, storage, server)

	// everything else flows through the proxy dispatcher
	proxyHandler := proxy.New(server, cfgService, httpClient)
	router.PathPrefix("/").Handler(proxyHandler)

	addr := fmt.Sprintf(":%d", cfg.Port)

	// show info
	logger.Info("Starting MediaRelay %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Config: %s", cfgService.Path())
	logger.Info("  - Backend: %s (%s)", server.Type(), server.BaseURL())
	logger.Info("  - OpenList: %s", cfg.Openlist.BaseURL)
	logger.Info("  - Web Direct: %v", cfg.WebDirect)
	logger.Info("  - Web Direct Local Fallback: %v", cfg.WebDirectLocalFallback)
	logger.Info("  - Cache Enabled: %v", cfg.Cache.Enabled)
	logger.Info("  - Cache Max Age: %s", cfg.Cache.MaxAge)
	logger.Info("  - Filter Rules: %d", len(cfg.FilterRules))
	logger.Info("  - Log Level: %s", logger.GetLogLevel())

	// fire us up; every request is logged on completion into the same buffer
	// the admin log API reads
	if err := http.ListenAndServe(addr, middleware.RequestLog(router)); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}

}
