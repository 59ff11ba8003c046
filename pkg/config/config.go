package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the media gateway
type Config struct {
	// HTTP listener settings
	Server ServerConfig `yaml:"server" json:"server"`

	// Upstream site and CDN
	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`

	// Byte-bounded media cache
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Egress identities (proxy + control endpoint pairs)
	Egress EgressConfig `yaml:"egress" json:"egress"`

	// Fetch retry and timeout settings
	Fetch FetchConfig `yaml:"fetch" json:"fetch"`

	// Bearer credentials for authenticated upstream calls
	Credentials CredentialsConfig `yaml:"credentials" json:"credentials"`

	// Background cache warming
	Prefetch PrefetchConfig `yaml:"prefetch" json:"prefetch"`

	// Prometheus metrics
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ServerConfig holds HTTP listener configuration
type ServerConfig struct {
	Port              int           `yaml:"port" json:"port"`
	AllowedOrigins    []string      `yaml:"allowed_origins" json:"allowed_origins"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// UpstreamConfig describes the site the gateway fronts
type UpstreamConfig struct {
	// MainURL is the site root, used for the API, referers and backup media paths
	MainURL string `yaml:"main_url" json:"main_url"`
	// CDNURL is the primary media host
	CDNURL     string        `yaml:"cdn_url" json:"cdn_url"`
	UserAgents []string      `yaml:"user_agents" json:"user_agents"`
	APITimeout time.Duration `yaml:"api_timeout" json:"api_timeout"`
	// APIRequestsPerMinute caps calls to the site API; 0 disables the cap
	APIRequestsPerMinute int `yaml:"api_requests_per_minute" json:"api_requests_per_minute"`
}

// CacheConfig holds media cache configuration
type CacheConfig struct {
	// Max is the RAM byte budget, e.g. "1g" or "512m"
	Max string `yaml:"max" json:"max"`
	// SingleFlight collapses concurrent misses for the same locator into one fetch
	SingleFlight bool            `yaml:"single_flight" json:"single_flight"`
	Disk         DiskCacheConfig `yaml:"disk" json:"disk"`
}

// DiskCacheConfig configures the optional leveldb spill tier
type DiskCacheConfig struct {
	Path string `yaml:"path" json:"path"`
	Max  string `yaml:"max" json:"max"`
}

// EgressConfig holds the egress identity pool
type EgressConfig struct {
	Enabled         bool             `yaml:"enabled" json:"enabled"`
	Identities      []IdentityConfig `yaml:"identities" json:"identities"`
	ControlPassword string           `yaml:"control_password" json:"control_password"`
	SettleDelay     time.Duration    `yaml:"settle_delay" json:"settle_delay"`
	DialTimeout     time.Duration    `yaml:"dial_timeout" json:"dial_timeout"`
}

// IdentityConfig is a single proxy/control endpoint pair
type IdentityConfig struct {
	Name    string `yaml:"name" json:"name"`
	Proxy   string `yaml:"proxy" json:"proxy"`
	Control string `yaml:"control" json:"control"`
}

// FetchConfig holds per-attempt fetch settings
type FetchConfig struct {
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	ImageTimeout time.Duration `yaml:"image_timeout" json:"image_timeout"`
	VideoTimeout time.Duration `yaml:"video_timeout" json:"video_timeout"`
}

// CredentialsConfig holds the bearer token pool
type CredentialsConfig struct {
	Bearers []string `yaml:"bearers" json:"bearers"`
	// UseStore merges tokens from the keyring/encrypted store at startup
	UseStore bool `yaml:"use_store" json:"use_store"`
}

// PrefetchConfig holds the warmup worker pool settings
type PrefetchConfig struct {
	Workers           int `yaml:"workers" json:"workers"`
	QueueSize         int `yaml:"queue_size" json:"queue_size"`
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
}

// MetricsConfig holds prometheus settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
	// StatsInterval enables a periodic cache usage log line when positive
	StatsInterval time.Duration `yaml:"stats_interval" json:"stats_interval"`
}

// DefaultUserAgents is the rotation pool used when none is configured
var DefaultUserAgents = []string{
	"Mozilla/5.0 (X11; Linux aarch64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36 CrKey/1.54.250320",
	"Mozilla/5.0 (Linux; Android 8.0.0; SM-G955U Build/R16NW) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.5 Safari/605.1.15",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 18_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.5 Mobile/15E148 Safari/604.1",
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8000,
			AllowedOrigins:    []string{"*"},
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Upstream: UpstreamConfig{
			UserAgents:           append([]string(nil), DefaultUserAgents...),
			APITimeout:           15 * time.Second,
			APIRequestsPerMinute: 60,
		},
		Cache: CacheConfig{
			Max:          "1g",
			SingleFlight: false,
		},
		Egress: EgressConfig{
			Enabled:     false,
			SettleDelay: 1500 * time.Millisecond,
			DialTimeout: 10 * time.Second,
		},
		Fetch: FetchConfig{
			MaxRetries:   6,
			ImageTimeout: 10 * time.Second,
			VideoTimeout: 60 * time.Second,
		},
		Prefetch: PrefetchConfig{
			Workers:           3,
			QueueSize:         256,
			RequestsPerMinute: 120,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "mediagate",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	// Upstream, with the bare names kept for existing .env files
	if v := firstEnv("MEDIAGATE_MAIN_URL", "MAIN_URL"); v != "" {
		c.Upstream.MainURL = v
	}
	if v := firstEnv("MEDIAGATE_CDN_URL", "MAIN_CDN"); v != "" {
		c.Upstream.CDNURL = v
	}

	if v := os.Getenv("MEDIAGATE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MEDIAGATE_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("MEDIAGATE_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}

	if v := os.Getenv("MEDIAGATE_CACHE_MAX"); v != "" {
		c.Cache.Max = v
	}
	if v := os.Getenv("MEDIAGATE_CACHE_SINGLE_FLIGHT"); v != "" {
		c.Cache.SingleFlight = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("MEDIAGATE_DISK_PATH"); v != "" {
		c.Cache.Disk.Path = v
	}
	if v := os.Getenv("MEDIAGATE_DISK_MAX"); v != "" {
		c.Cache.Disk.Max = v
	}

	if v := os.Getenv("MEDIAGATE_EGRESS_ENABLED"); v != "" {
		c.Egress.Enabled = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("MEDIAGATE_EGRESS_IDENTITIES"); v != "" {
		ids, err := ParseIdentityList(v)
		if err != nil {
			return fmt.Errorf("MEDIAGATE_EGRESS_IDENTITIES: %w", err)
		}
		c.Egress.Identities = ids
	}
	if v := os.Getenv("MEDIAGATE_CONTROL_PASSWORD"); v != "" {
		c.Egress.ControlPassword = v
	}

	if v := os.Getenv("MEDIAGATE_MAX_RETRIES"); v != "" {
		var val int
		fmt.Sscanf(v, "%d", &val)
		if val > 0 {
			c.Fetch.MaxRetries = val
		}
	}

	if v := os.Getenv("MEDIAGATE_METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = strings.ToLower(v) == "true"
	}

	if v := os.Getenv("MEDIAGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	// If path is empty, try default locations
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	locations := []string{
		"mediagate.yaml",
		".mediagate.yaml",
		filepath.Join(os.Getenv("HOME"), ".config", "mediagate", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".mediagate.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server port must be between 1 and 65535"))
	}

	if err := validateBaseURL("upstream main_url", c.Upstream.MainURL); err != nil {
		errs = append(errs, err)
	}
	if err := validateBaseURL("upstream cdn_url", c.Upstream.CDNURL); err != nil {
		errs = append(errs, err)
	}
	if len(c.Upstream.UserAgents) == 0 {
		errs = append(errs, errors.New("at least one user agent is required"))
	}
	if c.Upstream.APIRequestsPerMinute < 0 {
		errs = append(errs, errors.New("api requests per minute cannot be negative"))
	}

	if max, err := ParseBytes(c.Cache.Max); err != nil {
		errs = append(errs, fmt.Errorf("cache max: %w", err))
	} else if max <= 0 {
		errs = append(errs, errors.New("cache max must be positive"))
	}
	if c.Cache.Disk.Path != "" {
		if _, err := ParseBytes(c.Cache.Disk.Max); err != nil {
			errs = append(errs, fmt.Errorf("cache disk max: %w", err))
		}
	}

	if c.Egress.Enabled && len(c.Egress.Identities) == 0 {
		errs = append(errs, errors.New("egress is enabled but no identities are configured"))
	}
	for i, id := range c.Egress.Identities {
		if err := id.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("egress identities[%d]: %w", i, err))
		}
	}
	if c.Egress.SettleDelay < 0 {
		errs = append(errs, errors.New("settle delay cannot be negative"))
	}

	if c.Fetch.MaxRetries <= 0 {
		errs = append(errs, errors.New("max retries must be positive"))
	}
	if c.Fetch.ImageTimeout <= 0 || c.Fetch.VideoTimeout <= 0 {
		errs = append(errs, errors.New("fetch timeouts must be positive"))
	}

	if c.Prefetch.Workers <= 0 || c.Prefetch.Workers > 32 {
		errs = append(errs, errors.New("prefetch workers must be between 1 and 32"))
	}
	if c.Prefetch.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("prefetch requests per minute must be positive"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Validate checks a single identity's endpoints
func (ic IdentityConfig) Validate() error {
	u, err := url.Parse(ic.Proxy)
	if err != nil {
		return fmt.Errorf("invalid proxy url: %w", err)
	}
	switch u.Scheme {
	case "socks5", "socks5h", "http", "https":
	default:
		return fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("proxy url has no host")
	}
	if ic.Control != "" {
		if _, _, err := net.SplitHostPort(ic.Control); err != nil {
			return fmt.Errorf("invalid control endpoint: %w", err)
		}
	}
	return nil
}

// ParseIdentityList parses "proxy|control,proxy|control" into identities.
// The control part is optional.
func ParseIdentityList(s string) ([]IdentityConfig, error) {
	var out []IdentityConfig
	for i, item := range splitList(s) {
		proxyURL, control, _ := strings.Cut(item, "|")
		id := IdentityConfig{
			Name:    fmt.Sprintf("egress-%d", i+1),
			Proxy:   strings.TrimSpace(proxyURL),
			Control: strings.TrimSpace(control),
		}
		if err := id.Validate(); err != nil {
			return nil, fmt.Errorf("identity %d: %w", i+1, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// Normalize trims base URLs to a single trailing slash so paths can be appended
func (c *Config) Normalize() {
	c.Upstream.MainURL = withTrailingSlash(c.Upstream.MainURL)
	c.Upstream.CDNURL = withTrailingSlash(c.Upstream.CDNURL)
	for i := range c.Egress.Identities {
		if c.Egress.Identities[i].Name == "" {
			c.Egress.Identities[i].Name = fmt.Sprintf("egress-%d", i+1)
		}
	}
}

// CacheMaxBytes returns the parsed RAM budget; call after Validate
func (c *Config) CacheMaxBytes() int64 {
	n, _ := ParseBytes(c.Cache.Max)
	return n
}

// DiskMaxBytes returns the parsed disk budget, 0 when the spill tier is off
func (c *Config) DiskMaxBytes() int64 {
	if c.Cache.Disk.Path == "" {
		return 0
	}
	n, _ := ParseBytes(c.Cache.Disk.Max)
	return n
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if port, ok := flags["port"].(int); ok && port > 0 {
		c.Server.Port = port
	}
	if mainURL, ok := flags["main-url"].(string); ok && mainURL != "" {
		c.Upstream.MainURL = mainURL
	}
	if cdnURL, ok := flags["cdn-url"].(string); ok && cdnURL != "" {
		c.Upstream.CDNURL = cdnURL
	}
	if cacheMax, ok := flags["cache-max"].(string); ok && cacheMax != "" {
		c.Cache.Max = cacheMax
	}
	if singleFlight, ok := flags["single-flight"].(bool); ok {
		c.Cache.SingleFlight = singleFlight
	}
	if maxRetries, ok := flags["max-retries"].(int); ok && maxRetries > 0 {
		c.Fetch.MaxRetries = maxRetries
	}
	if egress, ok := flags["egress"].(bool); ok {
		c.Egress.Enabled = egress
	}
	if logLevel, ok := flags["log-level"].(string); ok && logLevel != "" {
		c.Logging.Level = logLevel
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	// .env files are optional
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".mediagate.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	config.Normalize()

	return config, nil
}

func validateBaseURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) url", name)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host", name)
	}
	return nil
}

func withTrailingSlash(s string) string {
	if s == "" {
		return s
	}
	return strings.TrimRight(s, "/") + "/"
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
