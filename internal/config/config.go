package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides.
const EnvPrefix = "BOARD_PREVIEW_"

// Config captures everything the preview service needs at startup.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Preview    PreviewConfig    `yaml:"preview"`
	ImageProxy ImageProxyConfig `yaml:"image_proxy"`
	Cache      CacheConfig      `yaml:"cache"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	CORS       CORSConfig       `yaml:"cors"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig controls the inbound HTTP listener.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// FetchConfig controls outbound requests shared by both handlers.
type FetchConfig struct {
	Timeout      Duration `yaml:"timeout"`
	DialTimeout  Duration `yaml:"dial_timeout"`
	MaxRedirects int      `yaml:"max_redirects"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
	BlockPrivate bool     `yaml:"block_private"`
}

// PreviewConfig tunes the link preview resolver.
type PreviewConfig struct {
	UserAgent   string   `yaml:"user_agent"`
	ProxyPrefix string   `yaml:"proxy_prefix"`
	RuleSet     string   `yaml:"rule_set"`
	TitleRules  []string `yaml:"title_rules"`
	ImageRules  []string `yaml:"image_rules"`
	MaxBatch    int      `yaml:"max_batch"`
}

// ImageProxyConfig tunes the image proxy.
type ImageProxyConfig struct {
	UserAgent string `yaml:"user_agent"`
	Referer   string `yaml:"referer"`
	Encoding  string `yaml:"encoding"`
	MaxBytes  int64  `yaml:"max_bytes"`
}

// CacheConfig sizes the in-memory result caches.
type CacheConfig struct {
	Enabled            bool     `yaml:"enabled"`
	PreviewEntries     int      `yaml:"preview_entries"`
	PreviewTTL         Duration `yaml:"preview_ttl"`
	ImageEntries       int      `yaml:"image_entries"`
	ImageTTL           Duration `yaml:"image_ttl"`
	ImageMaxEntryBytes int      `yaml:"image_max_entry_bytes"`
}

// RateLimitConfig applies a token bucket per client address. Zero disables it.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// CORSConfig sets the Access-Control-Allow-Origin value.
type CORSConfig struct {
	AllowOrigin string `yaml:"allow_origin"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Encodings accepted by image_proxy.encoding.
const (
	EncodingBase64 = "base64"
	EncodingRaw    = "raw"
)

// Default returns a Config populated with working defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":5000",
			ReadTimeout:     DurationFrom(15 * time.Second),
			WriteTimeout:    DurationFrom(30 * time.Second),
			ShutdownTimeout: DurationFrom(10 * time.Second),
		},
		Fetch: FetchConfig{
			Timeout:      DurationFrom(10 * time.Second),
			DialTimeout:  DurationFrom(5 * time.Second),
			MaxRedirects: 10,
			MaxBodyBytes: 5 * 1024 * 1024,
			BlockPrivate: true,
		},
		Preview: PreviewConfig{
			UserAgent:   "BoardLinkPreview/1.0",
			ProxyPrefix: "/image-proxy",
			RuleSet:     "default",
			MaxBatch:    20,
		},
		ImageProxy: ImageProxyConfig{
			UserAgent: "BoardImageProxy/1.0",
			Referer:   "https://board.example",
			Encoding:  EncodingBase64,
			MaxBytes:  10 * 1024 * 1024,
		},
		Cache: CacheConfig{
			Enabled:            true,
			PreviewEntries:     5000,
			PreviewTTL:         DurationFrom(time.Hour),
			ImageEntries:       50,
			ImageTTL:           DurationFrom(5 * time.Minute),
			ImageMaxEntryBytes: 500 * 1024,
		},
		CORS: CORSConfig{
			AllowOrigin: "*",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a YAML file layered over Default. An empty
// path skips the file. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		fh, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer fh.Close()
		if err := decodeYAML(fh, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromReader decodes configuration from an arbitrary reader without
// consulting the environment.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadEnvFile loads KEY=value pairs into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	str("ADDR", &c.Server.Addr)
	str("PROXY_PREFIX", &c.Preview.ProxyPrefix)
	str("RULE_SET", &c.Preview.RuleSet)
	str("REFERER", &c.ImageProxy.Referer)
	str("IMAGE_ENCODING", &c.ImageProxy.Encoding)
	str("CORS_ALLOW_ORIGIN", &c.CORS.AllowOrigin)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	if v, ok := lookup(EnvPrefix + "FETCH_TIMEOUT"); ok {
		if err := c.Fetch.Timeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%sFETCH_TIMEOUT: %w", EnvPrefix, err)
		}
	}
	if v, ok := lookup(EnvPrefix + "BLOCK_PRIVATE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sBLOCK_PRIVATE: %w", EnvPrefix, err)
		}
		c.Fetch.BlockPrivate = b
	}
	if v, ok := lookup(EnvPrefix + "CACHE_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sCACHE_ENABLED: %w", EnvPrefix, err)
		}
		c.Cache.Enabled = b
	}
	if v, ok := lookup(EnvPrefix + "RATE_LIMIT_RPM"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sRATE_LIMIT_RPM: %w", EnvPrefix, err)
		}
		c.RateLimit.RequestsPerMinute = n
	}
	return nil
}

// Validate enforces the invariants the service relies on.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must be set")
	}
	if c.Fetch.Timeout.Duration <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0 (got %s)", c.Fetch.Timeout)
	}
	if c.Fetch.MaxRedirects <= 0 {
		return fmt.Errorf("fetch.max_redirects must be > 0 (got %d)", c.Fetch.MaxRedirects)
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0 (got %d)", c.Fetch.MaxBodyBytes)
	}
	if c.Preview.UserAgent == "" {
		return errors.New("preview.user_agent must be set")
	}
	if !strings.HasPrefix(c.Preview.ProxyPrefix, "/") {
		return fmt.Errorf("preview.proxy_prefix must be a same-origin path (got %q)", c.Preview.ProxyPrefix)
	}
	if c.Preview.MaxBatch <= 0 {
		return fmt.Errorf("preview.max_batch must be > 0 (got %d)", c.Preview.MaxBatch)
	}
	if c.ImageProxy.UserAgent == "" {
		return errors.New("image_proxy.user_agent must be set")
	}
	switch c.ImageProxy.Encoding {
	case EncodingBase64, EncodingRaw:
	default:
		return fmt.Errorf("image_proxy.encoding must be %q or %q (got %q)", EncodingBase64, EncodingRaw, c.ImageProxy.Encoding)
	}
	if c.ImageProxy.MaxBytes <= 0 {
		return fmt.Errorf("image_proxy.max_bytes must be > 0 (got %d)", c.ImageProxy.MaxBytes)
	}
	if c.Cache.Enabled {
		if c.Cache.PreviewEntries <= 0 || c.Cache.ImageEntries <= 0 {
			return errors.New("cache entry limits must be > 0 when cache.enabled is true")
		}
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must be >= 0")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text (got %q)", c.Logging.Format)
	}
	return nil
}

func (c *Config) normalise() {
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	c.Preview.UserAgent = strings.TrimSpace(c.Preview.UserAgent)
	c.Preview.ProxyPrefix = strings.TrimSpace(c.Preview.ProxyPrefix)
	c.Preview.RuleSet = strings.ToLower(strings.TrimSpace(c.Preview.RuleSet))
	c.ImageProxy.UserAgent = strings.TrimSpace(c.ImageProxy.UserAgent)
	c.ImageProxy.Referer = strings.TrimSpace(c.ImageProxy.Referer)
	c.ImageProxy.Encoding = strings.ToLower(strings.TrimSpace(c.ImageProxy.Encoding))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.RateLimit.RequestsPerMinute > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = c.RateLimit.RequestsPerMinute
	}
}
