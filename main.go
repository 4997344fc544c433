package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dlhd-proxy/work/cache"
	"dlhd-proxy/work/config"
	"dlhd-proxy/work/cookies"
	"dlhd-proxy/work/directory"
	"dlhd-proxy/work/fetcher"
	"dlhd-proxy/work/handlers"
	"dlhd-proxy/work/jobs"
	"dlhd-proxy/work/logger"
	"dlhd-proxy/work/middleware"
	"dlhd-proxy/work/resolver"
	"dlhd-proxy/work/rewrite"
	"dlhd-proxy/work/schedule"
	"dlhd-proxy/work/settings"
	"dlhd-proxy/work/token"
)

var Version = "v0.1.0"

func main() {

	// load our config
	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)

	// token codec, keyed from the data dir
	codec, err := token.NewCodec(filepath.Join(cfg.DataDir, "token.key"))
	if err != nil {
		log.Fatalf("Failed to initialize token codec: %v", err)
	}

	// settings store; stored public URL overrides take effect before
	// anything renders links
	store, err := settings.Open(cfg)
	if err != nil {
		log.Fatalf("Failed to open settings store: %v", err)
	}
	defer store.Close()
	store.Apply()

	// one shared HTTP session and cookie jar for every upstream hop
	cookieStore := cookies.NewStore()
	fetch, err := fetcher.New(cfg, cookieStore)
	if err != nil {
		log.Fatalf("Failed to initialize fetcher: %v", err)
	}

	cacheInstance := cache.NewCache(cfg.CacheDuration)

	app := &handlers.App{
		Cfg:       cfg,
		Directory: directory.New(cfg, fetch),
		Resolver:  resolver.New(cfg, fetch, rewrite.NewRewriter(cfg, codec), codec),
		Schedule:  schedule.NewScraper(cfg, fetch),
		Settings:  store,
		Cache:     cacheInstance,
		Fetch:     fetch,
	}

	// initial channel load; a failure still publishes whatever was scraped
	if err := app.Directory.LoadChannels(context.Background()); err != nil {
		logger.Warn("{main} initial channel load failed: %v", err)
	}

	// background refresh
	scheduler, err := jobs.New(cfg.WorkerThreads)
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer scheduler.Stop()

	scheduler.Every(cfg.RefreshInterval, "channel refresh", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := app.Directory.LoadChannels(ctx); err != nil {
			logger.Warn("{main} channel refresh failed: %v", err)
		}
	})

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Warn("{main} unknown timezone %q, falling back to UTC", cfg.Timezone)
		loc = time.UTC
	}
	if err := scheduler.Daily(cfg.GuideUpdate, loc, "guide rebuild", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := app.RebuildGuide(ctx); err != nil {
			logger.Warn("{main} guide rebuild failed: %v", err)
		}
	}); err != nil {
		log.Fatalf("Invalid GUIDE_UPDATE time: %v", err)
	}

	// HTTP routes
	router := mux.NewRouter()
	router.Handle("/playlist.m3u8", middleware.Gzip(handlers.HandlePlaylist(app))).Methods("GET")
	router.HandleFunc("/stream/{id}.m3u8", handlers.HandleStream(app)).Methods("GET")
	router.HandleFunc("/key/{url}/{host}", handlers.HandleKey(app)).Methods("GET")
	router.HandleFunc("/content/{token}", handlers.HandleContent(app)).Methods("GET")
	router.HandleFunc("/logo/{token}", handlers.HandleLogo(app)).Methods("GET")
	router.Handle("/guide.xml", middleware.Gzip(handlers.HandleGuide(app))).Methods("GET")
	router.Handle("/api/channels", middleware.Gzip(handlers.HandleChannels(app))).Methods("GET")
	router.HandleFunc("/api/settings", handlers.HandleSettings(app)).Methods("GET", "POST")
	router.HandleFunc("/api/refresh", handlers.HandleRefresh(app)).Methods("POST")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	addr := fmt.Sprintf(":%d", cfg.Port)

	logger.Info("{main} Starting dlhd-proxy %s", Version)
	logger.Info("{main} Server configuration:")
	logger.Info("{main}   - Public URL: %s", cfg.PublicURL)
	logger.Info("{main}   - Upstream: %s", cfg.UpstreamURL)
	logger.Info("{main}   - Proxy Content: %v", cfg.ProxyContent)
	logger.Info("{main}   - SOCKS5: %s", orDisabled(cfg.Socks5))
	logger.Info("{main}   - Flaresolverr: %s", orDisabled(cfg.FlaresolverrURL))
	logger.Info("{main}   - Timezone: %s", cfg.Timezone)
	logger.Info("{main}   - Guide Update: %s", cfg.GuideUpdate)
	logger.Info("{main}   - Channel Refresh: %s", cfg.RefreshInterval)
	logger.Info("{main}   - Worker Threads: %d", cfg.WorkerThreads)

	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

func orDisabled(value string) string {
	if value == "" {
		return "(disabled)"
	}
	return value
}
