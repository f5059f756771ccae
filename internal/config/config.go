// Package config handles loading and validation of the gateway configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// PLACEGW_ prefix:
//
//	server.address → PLACEGW_SERVER_ADDRESS
//	provider.resolve_timeout → PLACEGW_PROVIDER_RESOLVE_TIMEOUT
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via PLACEGW_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/placegw/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// Environment identifies the deployment environment. Signed-URL enforcement
// applies in production-like environments (production and staging); the
// development environment skips verification to ease local work. This is an
// explicit, documented escape hatch, logged at startup.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
)

func (e Environment) Valid() bool {
	switch e {
	case EnvProduction, EnvStaging, EnvDevelopment:
		return true
	}
	return false
}

// ProductionLike reports whether signature verification and credential
// requirements apply.
func (e Environment) ProductionLike() bool {
	return e == EnvProduction || e == EnvStaging
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level gateway configuration.
type Config struct {
	Environment Environment    `yaml:"environment" env:"ENVIRONMENT"`
	Server      ServerConfig   `yaml:"server"      envPrefix:"SERVER_"`
	Admin       AdminConfig    `yaml:"admin"       envPrefix:"ADMIN_"`
	Provider    ProviderConfig `yaml:"provider"    envPrefix:"PROVIDER_"`
	Media       MediaConfig    `yaml:"media"       envPrefix:"MEDIA_"`
	Breaker     BreakerConfig  `yaml:"breaker"     envPrefix:"BREAKER_"`
	Budget      BudgetConfig   `yaml:"budget"      envPrefix:"BUDGET_"`
	Mode        ModeConfig     `yaml:"mode"        envPrefix:"MODE_"`
	Redis       RedisConfig    `yaml:"redis"       envPrefix:"REDIS_"`
	Events      EventsConfig   `yaml:"events"      envPrefix:"EVENTS_"`
	Logging     LoggingConfig  `yaml:"logging"     envPrefix:"LOGGING_"`
	Tracing     TracingConfig  `yaml:"tracing"     envPrefix:"TRACING_"`
}

// ServerConfig holds the public media server settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// ProviderConfig defines the upstream place/media provider.
type ProviderConfig struct {
	// BaseURL is the provider API root, e.g. "https://places.example.com/v1".
	BaseURL string `yaml:"base_url" env:"BASE_URL"`

	// Credential is the provider API key. It is attached server-side to every
	// provider call and must never reach clients.
	Credential RedactedString `yaml:"credential" env:"CREDENTIAL"`

	// ResolveTimeout bounds the media-reference resolution hop.
	ResolveTimeout string `yaml:"resolve_timeout" env:"RESOLVE_TIMEOUT"`
	// FetchTimeout bounds the binary fetch hop.
	FetchTimeout string `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`

	MaxIdleConns    int             `yaml:"max_idle_conns"    env:"MAX_IDLE_CONNS"`
	IdleConnTimeout string          `yaml:"idle_conn_timeout" env:"IDLE_CONN_TIMEOUT"`
	Transport       TransportConfig `yaml:"transport"         envPrefix:"TRANSPORT_"`

	// URICacheTTL controls how long resolved binary URIs are cached. Provider
	// media URIs are themselves short-lived; keep this below their validity.
	URICacheTTL string `yaml:"uri_cache_ttl" env:"URI_CACHE_TTL"`

	// URLPolicy restricts which resolved binary URIs may be fetched. Prevents
	// SSRF via a compromised or misbehaving provider response.
	URLPolicy URLPolicyConfig `yaml:"url_policy" envPrefix:"URL_POLICY_"`
}

// URLPolicyConfig controls which resolved media URIs are allowed.
type URLPolicyConfig struct {
	// AllowedSchemes restricts the URI scheme. Default: ["https"].
	AllowedSchemes []string `yaml:"allowed_schemes" env:"ALLOWED_SCHEMES" envSeparator:","`
	// DenyPrivateNetworks blocks RFC 1918, loopback, link-local, and cloud
	// metadata IPs when true. Default: true.
	DenyPrivateNetworks *bool `yaml:"deny_private_networks" env:"DENY_PRIVATE_NETWORKS"`
	// AllowedHosts is an optional allowlist. When non-empty, only these hosts
	// (exact match, case-insensitive) are permitted.
	AllowedHosts []string `yaml:"allowed_hosts" env:"ALLOWED_HOSTS" envSeparator:","`
}

// DenyPrivateNetworksEnabled returns whether private networks should be blocked.
// Defaults to true when not explicitly configured.
func (p URLPolicyConfig) DenyPrivateNetworksEnabled() bool {
	if p.DenyPrivateNetworks == nil {
		return true
	}
	return *p.DenyPrivateNetworks
}

// TransportConfig holds low-level HTTP transport tuning for provider calls.
type TransportConfig struct {
	DialTimeout           string `yaml:"dial_timeout"            env:"DIAL_TIMEOUT"`
	DialKeepAlive         string `yaml:"dial_keep_alive"         env:"DIAL_KEEP_ALIVE"`
	TLSHandshakeTimeout   string `yaml:"tls_handshake_timeout"   env:"TLS_HANDSHAKE_TIMEOUT"`
	ExpectContinueTimeout string `yaml:"expect_continue_timeout" env:"EXPECT_CONTINUE_TIMEOUT"`
}

// MediaConfig holds signed-URL and response caching settings for the media
// proxy endpoint.
type MediaConfig struct {
	// SigningSecret is the symmetric secret shared with the rendering surface
	// that issues signed media URLs. Required in production-like environments.
	SigningSecret RedactedString `yaml:"signing_secret" env:"SIGNING_SECRET"`

	// BrowserTTL, CDNTTL and StaleWhileRevalidate together form the layered
	// Cache-Control policy on successful media responses.
	BrowserTTL           string `yaml:"browser_ttl"            env:"BROWSER_TTL"`
	CDNTTL               string `yaml:"cdn_ttl"                env:"CDN_TTL"`
	StaleWhileRevalidate string `yaml:"stale_while_revalidate" env:"STALE_WHILE_REVALIDATE"`

	// RetryAfter is the hint returned with 503 refusals (flag disabled,
	// degraded mode, budget exhausted).
	RetryAfter string `yaml:"retry_after" env:"RETRY_AFTER"`
}

// BreakerConfig holds circuit breaker tuning parameters.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures before opening. 0 uses the default (5).
	Threshold int `yaml:"threshold" env:"THRESHOLD"`
	// CoolDown is how long the circuit stays open before probing. Doubles on
	// each consecutive open up to MaxBackoff. Empty uses the default (30s).
	CoolDown   string `yaml:"cool_down"   env:"COOL_DOWN"`
	MaxBackoff string `yaml:"max_backoff" env:"MAX_BACKOFF"`
}

// BudgetConfig holds the provider spend budget settings.
type BudgetConfig struct {
	// Limit is the maximum spend units per window. 0 disables budget gating.
	Limit int64 `yaml:"limit" env:"LIMIT"`
	// Window is the rolling window length. Default "24h".
	Window string `yaml:"window" env:"WINDOW"`
}

// ModeConfig holds service mode controller tuning.
type ModeConfig struct {
	// Dwell is how long an improved trigger set must hold before a transition
	// to a less severe mode is committed. Default "30s".
	Dwell string `yaml:"dwell" env:"DWELL"`
	// RecomputeInterval bounds mode staleness when no bookkeeping writes
	// occur. Default "5s".
	RecomputeInterval string `yaml:"recompute_interval" env:"RECOMPUTE_INTERVAL"`
	// LatencyThreshold is the EWMA provider latency above which latencyOk
	// turns false. Default "2s".
	LatencyThreshold string `yaml:"latency_threshold" env:"LATENCY_THRESHOLD"`
	// ErrorRateThreshold is the EWMA provider error rate above which
	// providerHealthy turns false. Default 0.5.
	ErrorRateThreshold float64 `yaml:"error_rate_threshold" env:"ERROR_RATE_THRESHOLD"`
}

// EventsConfig holds optional gateway decision event emission settings.
// When enabled, refusals, upstream failures, and mode changes are emitted as
// batched events to an external HTTP service (webhook pattern).
type EventsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	URL     string `yaml:"url"     env:"URL"`
	// Headers are sent with every batch, e.g. an Authorization bearer token.
	// Values are redacted in logs and serialized config.
	Headers       map[string]RedactedString `yaml:"headers"`
	BatchSize     int                       `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string                    `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int                       `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output. Uses json.Marshal to ensure
// the placeholder is always properly escaped.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "60s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Provider: ProviderConfig{
			ResolveTimeout:  "10s",
			FetchTimeout:    "15s",
			MaxIdleConns:    100,
			IdleConnTimeout: "90s",
			URICacheTTL:     "10m",
			Transport: TransportConfig{
				DialTimeout:           "30s",
				DialKeepAlive:         "30s",
				TLSHandshakeTimeout:   "10s",
				ExpectContinueTimeout: "1s",
			},
		},
		Media: MediaConfig{
			BrowserTTL:           "1h",
			CDNTTL:               "24h",
			StaleWhileRevalidate: "168h",
			RetryAfter:           "60s",
		},
		Breaker: BreakerConfig{
			Threshold:  5,
			CoolDown:   "30s",
			MaxBackoff: "10m",
		},
		Budget: BudgetConfig{
			Limit:  10000,
			Window: "24h",
		},
		Mode: ModeConfig{
			Dwell:              "30s",
			RecomputeInterval:  "5s",
			LatencyThreshold:   "2s",
			ErrorRateThreshold: 0.5,
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "placegw",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("PLACEGW_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/placegw/config.yaml and
// can be overridden via PLACEGW_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "PLACEGW_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Production"
// or env values like "PRODUCTION" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Environment = Environment(strings.ToLower(string(cfg.Environment)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// Validate checks that the configuration is internally consistent. Absence of
// the signing secret or provider credential in a production-like environment
// is a fatal configuration error, not a runtime-recoverable one.
func Validate(cfg *Config) error {
	if !cfg.Environment.Valid() {
		return fmt.Errorf("invalid environment %q: must be production, staging, or development", cfg.Environment)
	}
	if err := validateProvider(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateGateway(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateProvider(cfg *Config) error {
	if cfg.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	u, err := url.Parse(cfg.Provider.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid provider.base_url %q: scheme and host are required", cfg.Provider.BaseURL)
	}

	if cfg.Environment.ProductionLike() {
		if cfg.Provider.Credential.Value() == "" {
			return fmt.Errorf("provider.credential is required in %s", cfg.Environment)
		}
		if cfg.Media.SigningSecret.Value() == "" {
			return fmt.Errorf("media.signing_secret is required in %s", cfg.Environment)
		}
	}
	return nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"provider.resolve_timeout", cfg.Provider.ResolveTimeout},
		{"provider.fetch_timeout", cfg.Provider.FetchTimeout},
		{"provider.idle_conn_timeout", cfg.Provider.IdleConnTimeout},
		{"provider.uri_cache_ttl", cfg.Provider.URICacheTTL},
		{"provider.transport.dial_timeout", cfg.Provider.Transport.DialTimeout},
		{"provider.transport.dial_keep_alive", cfg.Provider.Transport.DialKeepAlive},
		{"provider.transport.tls_handshake_timeout", cfg.Provider.Transport.TLSHandshakeTimeout},
		{"provider.transport.expect_continue_timeout", cfg.Provider.Transport.ExpectContinueTimeout},
		{"media.browser_ttl", cfg.Media.BrowserTTL},
		{"media.cdn_ttl", cfg.Media.CDNTTL},
		{"media.stale_while_revalidate", cfg.Media.StaleWhileRevalidate},
		{"media.retry_after", cfg.Media.RetryAfter},
		{"breaker.cool_down", cfg.Breaker.CoolDown},
		{"breaker.max_backoff", cfg.Breaker.MaxBackoff},
		{"budget.window", cfg.Budget.Window},
		{"mode.dwell", cfg.Mode.Dwell},
		{"mode.recompute_interval", cfg.Mode.RecomputeInterval},
		{"mode.latency_threshold", cfg.Mode.LatencyThreshold},
		{"events.flush_interval", cfg.Events.FlushInterval},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateGateway(cfg *Config) error {
	if cfg.Breaker.Threshold < 0 {
		return fmt.Errorf("breaker.threshold must be >= 0")
	}
	if cfg.Budget.Limit < 0 {
		return fmt.Errorf("budget.limit must be >= 0")
	}
	if cfg.Mode.ErrorRateThreshold < 0 || cfg.Mode.ErrorRateThreshold > 1 {
		return fmt.Errorf("mode.error_rate_threshold must be in [0, 1]")
	}
	if cfg.Events.Enabled && cfg.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}
	return nil
}

func validateRedis(cfg *Config) error {
	rc := cfg.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Environment != old.Environment {
		fields = append(fields, "environment")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if !slicesEqual(c.Redis.Endpoints, old.Redis.Endpoints) {
		fields = append(fields, "redis.endpoints")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	return fields
}

func slicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
