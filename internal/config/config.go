// Package config loads and validates Mimosa's process configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the mimosad process.
type Config struct {
	Admin     AdminConfig     `yaml:"admin"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	GeoIP     GeoIPConfig     `yaml:"geoip"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Plugins   PluginsConfig   `yaml:"plugins"`
	Redaction RedactionConfig `yaml:"redaction"`
}

// AdminConfig configures the admin/API facade.
type AdminConfig struct {
	Listen      string `yaml:"listen"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
	CookieName  string `yaml:"cookie_name"`
}

// StoreConfig configures the persistent store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig configures the shared TTL cache used by geoip enrichment and whitelist FQDN resolution.
type CacheConfig struct {
	Backend string      `yaml:"backend"` // "memory" or "redis"
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig mirrors session.RedisConfig's shape.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// GeoIPConfig configures the IP profile enricher.
type GeoIPConfig struct {
	Provider       string        `yaml:"provider"` // "http", "rdap"
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	TTL            time.Duration `yaml:"ttl"`
	ResolverAddr   string        `yaml:"resolver_addr"` // DNS resolver for PTR lookups
	LookupTimeout  time.Duration `yaml:"lookup_timeout"`
}

// ReconcileConfig configures the synchronizer loop.
type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// RedactionConfig controls scrubbing of offense descriptions before
// they are stored or broadcast.
type RedactionConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PluginsConfig holds the three built-in offense producers.
type PluginsConfig struct {
	ProxyTrap    ProxyTrapConfig    `yaml:"proxytrap"`
	PortDetector PortDetectorConfig `yaml:"portdetector"`
	MimosaNPM    MimosaNPMConfig    `yaml:"mimosanpm"`
}

// ProxyTrapConfig configures the HTTP honeypot.
type ProxyTrapConfig struct {
	Enabled         bool             `yaml:"enabled"`
	Listen          string           `yaml:"listen"`
	DefaultSeverity string           `yaml:"default_severity"`
	ResponseType    string           `yaml:"response_type"` // silence, 404, custom
	CustomHTML      string           `yaml:"custom_html"`
	TrapHosts       []string         `yaml:"trap_hosts"`
	DomainPolicies  []DomainPolicy   `yaml:"domain_policies"`
}

// DomainPolicy maps a wildcard host pattern to a severity.
type DomainPolicy struct {
	Pattern  string `yaml:"pattern"`
	Severity string `yaml:"severity"`
}

// PortDetectorConfig configures the port-hit honeypot.
type PortDetectorConfig struct {
	Enabled         bool             `yaml:"enabled"`
	DefaultSeverity string           `yaml:"default_severity"`
	Rules           []PortRule       `yaml:"rules"`
}

// PortRule matches a hit port (exact, list, or range) to a severity.
type PortRule struct {
	Protocol    string `yaml:"protocol"` // tcp, udp
	Severity    string `yaml:"severity"`
	Port        *int   `yaml:"port,omitempty"`
	Ports       []int  `yaml:"ports,omitempty"`
	RangeStart  *int   `yaml:"range_start,omitempty"`
	RangeEnd    *int   `yaml:"range_end,omitempty"`
	Description string `yaml:"description"`
}

// MimosaNPMConfig configures the signed reverse-proxy webhook.
type MimosaNPMConfig struct {
	Enabled                 bool            `yaml:"enabled"`
	Listen                  string          `yaml:"listen"`
	DefaultSeverity         string          `yaml:"default_severity"`
	FallbackSeverity        string          `yaml:"fallback_severity"`
	SharedSecret            string          `yaml:"shared_secret"`
	Rules                   []NPMRule       `yaml:"rules"`
	IgnoreList              []NPMIgnore     `yaml:"ignore_list"`
	AlertFallback           bool            `yaml:"alert_fallback"`
	AlertUnregisteredDomain bool            `yaml:"alert_unregistered_domain"`
	AlertSuspiciousPath     bool            `yaml:"alert_suspicious_path"`
}

// NPMRule matches a host/path/status triple to a severity.
type NPMRule struct {
	Host     string `yaml:"host"`
	Path     string `yaml:"path"`
	Status   string `yaml:"status"`
	Severity string `yaml:"severity"`
}

// NPMIgnore is a wildcard host/path/status triple to short-circuit.
type NPMIgnore struct {
	Host   string `yaml:"host"`
	Path   string `yaml:"path"`
	Status string `yaml:"status"`
}

// Load reads a YAML config file, applying defaults and env overrides.
// A missing file is not an error — Mimosa falls back to its defaults,
// same as config.Load.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path) // #nosec G304 -- path from trusted CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			if verr := cfg.validate(); verr != nil {
				return nil, fmt.Errorf("validating config: %w", verr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Admin: AdminConfig{
			Listen:     ":8080",
			SessionTTL: 24 * time.Hour,
			CookieName: "mimosa_session",
		},
		Store: StoreConfig{
			Path: "data/mimosa.db",
		},
		Cache: CacheConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "mimosa:cache:",
			},
		},
		GeoIP: GeoIPConfig{
			Provider:      "http",
			TTL:           24 * time.Hour,
			ResolverAddr:  "1.1.1.1:53",
			LookupTimeout: 2 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "mimosad",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		Plugins: PluginsConfig{
			ProxyTrap: ProxyTrapConfig{
				Enabled:         false,
				Listen:          ":8081",
				DefaultSeverity: "bajo",
				ResponseType:    "404",
			},
			PortDetector: PortDetectorConfig{
				Enabled:         false,
				DefaultSeverity: "medio",
			},
			MimosaNPM: MimosaNPMConfig{
				Enabled:         false,
				Listen:          ":8082",
				DefaultSeverity: "medio",
			},
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MIMOSA_ADMIN_LISTEN"); v != "" {
		c.Admin.Listen = v
	}
	if v := os.Getenv("MIMOSA_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("MIMOSA_CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := os.Getenv("MIMOSA_REDIS_ADDR"); v != "" {
		c.Cache.Redis.Addr = v
	}
	if v := os.Getenv("MIMOSA_REDIS_PASSWORD"); v != "" {
		c.Cache.Redis.Password = v
	}
	if v := os.Getenv("MIMOSA_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if os.Getenv("MIMOSA_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("MIMOSA_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("MIMOSA_RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Reconcile.Interval = d
		}
	}
	if v := os.Getenv("MIMOSA_GEOIP_BASE_URL"); v != "" {
		c.GeoIP.BaseURL = v
	}
	if v := os.Getenv("MIMOSA_GEOIP_API_KEY"); v != "" {
		c.GeoIP.APIKey = v
	}
}

func (c *Config) validate() error {
	if c.Admin.Listen == "" {
		return fmt.Errorf("admin listen address is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}
	if c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile interval must be positive")
	}
	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		return fmt.Errorf("cache backend must be \"memory\" or \"redis\", got %q", c.Cache.Backend)
	}
	return nil
}

// InitialFirewallFromEnv reads INITIAL_FIREWALL_* variables, returning
// nil if none are set. Mirrors the env-var bootstrap idiom used for
// seeding a first backend; here it seeds a first firewall instead.
func InitialFirewallFromEnv() *InitialFirewall {
	name := os.Getenv("INITIAL_FIREWALL_NAME")
	baseURL := os.Getenv("INITIAL_FIREWALL_BASE_URL")
	if name == "" || baseURL == "" {
		return nil
	}
	fw := &InitialFirewall{
		Name:      name,
		Type:      os.Getenv("INITIAL_FIREWALL_TYPE"),
		BaseURL:   baseURL,
		APIKey:    os.Getenv("INITIAL_FIREWALL_API_KEY"),
		APISecret: os.Getenv("INITIAL_FIREWALL_API_SECRET"),
		VerifySSL: os.Getenv("INITIAL_FIREWALL_VERIFY_SSL") != "false",
		Enabled:   os.Getenv("INITIAL_FIREWALL_ENABLED") != "false",
	}
	if fw.Type == "" {
		fw.Type = "opnsense"
	}
	return fw
}

// InitialFirewall is the bootstrap seed for a first FirewallConfig row.
type InitialFirewall struct {
	Name      string
	Type      string
	BaseURL   string
	APIKey    string
	APISecret string
	VerifySSL bool
	Enabled   bool
}

// InitialAdminFromEnv reads INITIAL_ADMIN_* variables for seeding the
// single local admin account. ok is false, with empty strings, unless
// both INITIAL_ADMIN_USERNAME and INITIAL_ADMIN_PASSWORD are set.
func InitialAdminFromEnv() (username, password string, ok bool) {
	username = os.Getenv("INITIAL_ADMIN_USERNAME")
	password = os.Getenv("INITIAL_ADMIN_PASSWORD")
	if username == "" || password == "" {
		return "", "", false
	}
	return username, password, true
}

// ParseLimit validates the `limit` query parameter shared by every
// paginated list endpoint.
func ParseLimit(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if n < 1 || n > 2000 {
		return 0, fmt.Errorf("limit must be in [1,2000], got %d", n)
	}
	return n, nil
}
