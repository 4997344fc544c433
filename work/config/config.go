package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds all application configuration values for the stream proxy.
// It covers the upstream site, the challenge-solver endpoint, playlist
// rewriting policy, and operational knobs (workers, caching, logging).
type Config struct {
	UpstreamURL         string        // Base URL of the upstream channel site
	PublicURL           string        // Public base URL used when rewriting playlist links
	Port                int           // HTTP listen port
	ProxyContent        bool          // When true every rewritten content URI is tunneled, not only HLS assets
	Socks5              string        // Optional SOCKS5 egress proxy, host:port
	FlaresolverrURL     string        // Challenge-solver endpoint; empty disables the solver transport
	FlaresolverrTimeout time.Duration // Per-request timeout for solver calls
	UserAgent           string        // User-Agent sent on every upstream request
	ProtectedDomains    []string      // Domains eligible for the solver transport
	LoggedDomains       []string      // Domains whose fetch outcomes are logged
	RequestsPerSecond   int           // Outbound request rate limit
	WorkerThreads       int           // Worker pool size for background jobs
	CacheDuration       time.Duration // TTL for cached playlist/guide output
	RefreshInterval     time.Duration // Interval between channel directory reloads
	GuideUpdate         string        // Daily wall-clock time ("HH:MM") for guide rebuilds
	Timezone            string        // IANA timezone for GuideUpdate
	DataDir             string        // Directory for the token key file and settings database
	LogLevel            string        // DEBUG, INFO, WARN or ERROR
}

// ConfigFile is the JSON on-disk form of Config. Duration fields are strings
// (e.g. "30m") and ProxyContent is a pointer so an absent key keeps the
// default instead of forcing false.
type ConfigFile struct {
	UpstreamURL         string   `json:"upstreamURL"`
	PublicURL           string   `json:"publicURL"`
	Port                int      `json:"port"`
	ProxyContent        *bool    `json:"proxyContent"`
	Socks5              string   `json:"socks5"`
	FlaresolverrURL     string   `json:"flaresolverrURL"`
	FlaresolverrTimeout string   `json:"flaresolverrTimeout"`
	UserAgent           string   `json:"userAgent"`
	ProtectedDomains    []string `json:"protectedDomains"`
	LoggedDomains       []string `json:"loggedDomains"`
	RequestsPerSecond   int      `json:"requestsPerSecond"`
	WorkerThreads       int      `json:"workerThreads"`
	CacheDuration       string   `json:"cacheDuration"`
	RefreshInterval     string   `json:"refreshInterval"`
	GuideUpdate         string   `json:"guideUpdate"`
	Timezone            string   `json:"timezone"`
	DataDir             string   `json:"dataDir"`
	LogLevel            string   `json:"logLevel"`
}

// DefaultUserAgent is the fixed browser identity the upstream expects.
const DefaultUserAgent = "Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:137.0) Gecko/20100101 Firefox/137.0"

var (
	configCache *Config
	configMutex sync.RWMutex
)

// LoadConfig loads the configuration from file (falling back to defaults),
// applies environment overrides, and caches the result for future calls.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = "/settings/config.json"
	}

	cfg, err := loadFromFile(configPath)
	if err != nil {
		cfg = getDefaultConfig()
	}

	applyEnvOverrides(cfg)
	if err := validateAndSetDefaults(cfg); err != nil {
		panic(fmt.Sprintf("invalid configuration: %v", err))
	}

	configCache = cfg
	return cfg
}

// ClearConfigCache drops the cached configuration so the next LoadConfig
// re-reads the file. Used by graceful restarts.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	cfg := getDefaultConfig()

	if cf.UpstreamURL != "" {
		cfg.UpstreamURL = cf.UpstreamURL
	}
	if cf.PublicURL != "" {
		cfg.PublicURL = cf.PublicURL
	}
	if cf.Port != 0 {
		cfg.Port = cf.Port
	}
	if cf.ProxyContent != nil {
		cfg.ProxyContent = *cf.ProxyContent
	}
	cfg.Socks5 = cf.Socks5
	cfg.FlaresolverrURL = cf.FlaresolverrURL
	if cf.UserAgent != "" {
		cfg.UserAgent = cf.UserAgent
	}
	if len(cf.ProtectedDomains) > 0 {
		cfg.ProtectedDomains = cf.ProtectedDomains
	}
	if len(cf.LoggedDomains) > 0 {
		cfg.LoggedDomains = cf.LoggedDomains
	}
	if cf.RequestsPerSecond != 0 {
		cfg.RequestsPerSecond = cf.RequestsPerSecond
	}
	if cf.WorkerThreads != 0 {
		cfg.WorkerThreads = cf.WorkerThreads
	}
	if cf.GuideUpdate != "" {
		cfg.GuideUpdate = cf.GuideUpdate
	}
	if cf.Timezone != "" {
		cfg.Timezone = cf.Timezone
	}
	if cf.DataDir != "" {
		cfg.DataDir = cf.DataDir
	}
	if cf.LogLevel != "" {
		cfg.LogLevel = cf.LogLevel
	}

	var err error
	if cf.FlaresolverrTimeout != "" {
		if cfg.FlaresolverrTimeout, err = time.ParseDuration(cf.FlaresolverrTimeout); err != nil {
			return nil, fmt.Errorf("invalid flaresolverrTimeout: %w", err)
		}
	}
	if cf.CacheDuration != "" {
		if cfg.CacheDuration, err = time.ParseDuration(cf.CacheDuration); err != nil {
			return nil, fmt.Errorf("invalid cacheDuration: %w", err)
		}
	}
	if cf.RefreshInterval != "" {
		if cfg.RefreshInterval, err = time.ParseDuration(cf.RefreshInterval); err != nil {
			return nil, fmt.Errorf("invalid refreshInterval: %w", err)
		}
	}

	return cfg, nil
}

// getDefaultConfig returns a baseline configuration used when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		UpstreamURL:         "https://dlhd.dad",
		PublicURL:           "http://localhost:8080",
		Port:                8080,
		ProxyContent:        true,
		UserAgent:           DefaultUserAgent,
		ProtectedDomains:    []string{"dlhd.dad"},
		LoggedDomains:       []string{"dlhd.dad"},
		FlaresolverrTimeout: 60 * time.Second,
		RequestsPerSecond:   10,
		WorkerThreads:       8,
		CacheDuration:       5 * time.Minute,
		RefreshInterval:     6 * time.Hour,
		GuideUpdate:         "03:00",
		Timezone:            "UTC",
		DataDir:             "data",
		LogLevel:            "INFO",
	}
}

// applyEnvOverrides lets the container environment win over the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PUBLIC_URL"); v != "" {
		cfg.PublicURL = v
	} else if v := os.Getenv("API_URL"); v != "" {
		cfg.PublicURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("PROXY_CONTENT"); v != "" {
		cfg.ProxyContent = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SOCKS5"); v != "" {
		cfg.Socks5 = v
	}
	if v := os.Getenv("FLARESOLVERR_URL"); v != "" {
		cfg.FlaresolverrURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("FLARESOLVERR_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.FlaresolverrTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("TZ"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("GUIDE_UPDATE"); v != "" {
		cfg.GuideUpdate = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// validateAndSetDefaults ensures all config values are usable, filling in
// defaults for missing ones and rejecting values the service cannot run with.
func validateAndSetDefaults(cfg *Config) error {
	if cfg.UpstreamURL == "" {
		cfg.UpstreamURL = "https://dlhd.dad"
	}
	cfg.UpstreamURL = strings.TrimRight(cfg.UpstreamURL, "/")
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost:8080"
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	if cfg.Port <= 0 {
		cfg.Port = 8080
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.FlaresolverrURL != "" {
		parsed, err := url.Parse(cfg.FlaresolverrURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("flaresolverr URL %q must include a valid http(s) scheme and host", cfg.FlaresolverrURL)
		}
	}
	if cfg.FlaresolverrTimeout <= 0 {
		return fmt.Errorf("flaresolverr timeout must be greater than zero")
	}
	if len(cfg.ProtectedDomains) == 0 {
		cfg.ProtectedDomains = []string{"dlhd.dad"}
	}
	if len(cfg.LoggedDomains) == 0 {
		cfg.LoggedDomains = []string{"dlhd.dad"}
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 8
	}
	if cfg.CacheDuration <= 0 {
		cfg.CacheDuration = 5 * time.Minute
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 6 * time.Hour
	}
	if cfg.GuideUpdate == "" {
		cfg.GuideUpdate = "03:00"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	return nil
}
