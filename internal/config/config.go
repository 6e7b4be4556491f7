// Package config handles loading and validation of Gatewarden configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// GATEWARDEN_ prefix:
//
//	server.address → GATEWARDEN_SERVER_ADDRESS
//	rate_limit.categories.auth.limit → GATEWARDEN_RATE_LIMIT_CATEGORIES_AUTH_LIMIT
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
// Override via GATEWARDEN_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/gatewarden/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// FailurePolicy controls behavior when the counter store is unreachable.
type FailurePolicy string

const (
	FailurePolicyPassThrough      FailurePolicy = "passthrough"
	FailurePolicyFailClosed       FailurePolicy = "failclosed"
	FailurePolicyInMemoryFallback FailurePolicy = "inmemoryfallback"
)

func (fp FailurePolicy) Valid() bool {
	switch fp {
	case FailurePolicyPassThrough, FailurePolicyFailClosed, FailurePolicyInMemoryFallback:
		return true
	}
	return false
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

// Config is the top-level Gatewarden configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	Backend   BackendConfig   `yaml:"backend"    envPrefix:"BACKEND_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Identity  IdentityConfig  `yaml:"identity"   envPrefix:"IDENTITY_"`
	Security  SecurityConfig  `yaml:"security"   envPrefix:"SECURITY_"`
	Quota     QuotaConfig     `yaml:"quota"      envPrefix:"QUOTA_"`
	Redis     RedisConfig     `yaml:"redis"      envPrefix:"REDIS_"`
	Alerts    AlertsConfig    `yaml:"alerts"     envPrefix:"ALERTS_"`
	Logging   LoggingConfig   `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the main gateway server settings.
type ServerConfig struct {
	Address        string          `yaml:"address"         env:"ADDRESS"`
	ReadTimeout    string          `yaml:"read_timeout"    env:"READ_TIMEOUT"`
	WriteTimeout   string          `yaml:"write_timeout"   env:"WRITE_TIMEOUT"`
	IdleTimeout    string          `yaml:"idle_timeout"    env:"IDLE_TIMEOUT"`
	DrainTimeout   string          `yaml:"drain_timeout"   env:"DRAIN_TIMEOUT"`
	RequestTimeout string          `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	TLS            ServerTLSConfig `yaml:"tls"             envPrefix:"TLS_"`
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

// BackendConfig defines the upstream backend the gateway forwards to.
type BackendConfig struct {
	URL               string `yaml:"url"                      env:"URL"`
	Timeout           string `yaml:"timeout"                  env:"TIMEOUT"`
	MaxIdleConns      int    `yaml:"max_idle_conns"           env:"MAX_IDLE_CONNS"`
	IdleConnTimeout   string `yaml:"idle_conn_timeout"        env:"IDLE_CONN_TIMEOUT"`
	TLSInsecureVerify bool   `yaml:"tls_insecure_skip_verify" env:"TLS_INSECURE_SKIP_VERIFY"`
}

// CategoryLimit is the quota for one operation category: at most Limit
// requests within a trailing Window.
type CategoryLimit struct {
	Limit  int64  `yaml:"limit"  env:"LIMIT"`
	Window string `yaml:"window" env:"WINDOW"`
}

// WindowDuration returns the parsed window, or def when unset or malformed.
func (cl CategoryLimit) WindowDuration(def time.Duration) time.Duration {
	return MustParseDuration(cl.Window, def)
}

// CategoriesConfig holds the per-category sliding-window quotas.
type CategoriesConfig struct {
	Auth    CategoryLimit `yaml:"auth"    envPrefix:"AUTH_"`
	Upload  CategoryLimit `yaml:"upload"  envPrefix:"UPLOAD_"`
	API     CategoryLimit `yaml:"api"     envPrefix:"API_"`
	Default CategoryLimit `yaml:"default" envPrefix:"DEFAULT_"`
}

// RateLimitConfig holds sliding-window rate limiting settings.
type RateLimitConfig struct {
	Categories    CategoriesConfig `yaml:"categories"     envPrefix:"CATEGORIES_"`
	FailurePolicy FailurePolicy    `yaml:"failure_policy" env:"FAILURE_POLICY"`
	FailureCode   int              `yaml:"failure_code"   env:"FAILURE_CODE"`
	KeyPrefix     string           `yaml:"key_prefix"     env:"KEY_PREFIX"`

	// MaxRecoveryAttempts limits the number of Redis recovery attempts
	// before giving up. 0 means unlimited (retry forever, the default).
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts" env:"MAX_RECOVERY_ATTEMPTS"`
}

// IdentityConfig controls how a client identity is derived from a request.
type IdentityConfig struct {
	// IncludeUserAgent mixes the User-Agent header into the fingerprint.
	// Defaults to true; disable to key purely on IP.
	IncludeUserAgent *bool `yaml:"include_user_agent" env:"INCLUDE_USER_AGENT"`

	// TrustedProxies is a list of CIDR ranges whose X-Forwarded-For and
	// X-Real-IP headers are trusted. When empty, proxy headers are always
	// trusted (legacy behavior). When set, proxy headers are only honored
	// when RemoteAddr falls within one of these ranges.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`
}

// IncludeUserAgentEnabled reports whether the User-Agent participates in the
// fingerprint. Defaults to true when not explicitly configured.
func (c IdentityConfig) IncludeUserAgentEnabled() bool {
	if c.IncludeUserAgent == nil {
		return true
	}
	return *c.IncludeUserAgent
}

// SecurityConfig holds reputation/lockout tracker settings.
type SecurityConfig struct {
	// MaxFailedAttempts is the failure count at which an identity is locked.
	MaxFailedAttempts int64 `yaml:"max_failed_attempts" env:"MAX_FAILED_ATTEMPTS"`

	// SuspiciousThreshold is the failure count at which suspicious-activity
	// bookkeeping (and alerting) begins. Must be <= MaxFailedAttempts.
	SuspiciousThreshold int64 `yaml:"suspicious_threshold" env:"SUSPICIOUS_THRESHOLD"`

	// LockoutDuration is how long a lock lasts once created.
	LockoutDuration string `yaml:"lockout_duration" env:"LOCKOUT_DURATION"`

	// RecordTTL is the retention for failure records. Idle identities are
	// forgotten entirely after this, independent of any lock.
	RecordTTL string `yaml:"record_ttl" env:"RECORD_TTL"`
}

// QuotaConfig holds daily usage quota settings.
type QuotaConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// DailyLimit is the base number of requests an identity may make per day.
	DailyLimit int64 `yaml:"daily_limit" env:"DAILY_LIMIT"`

	// BonusPerGrant is how much each bonus grant raises the daily limit.
	BonusPerGrant int64 `yaml:"bonus_per_grant" env:"BONUS_PER_GRANT"`
}

// AlertsConfig holds optional security alert webhook settings. When enabled,
// lockouts and suspicious-activity escalations are emitted as batched events
// to an external HTTP receiver.
type AlertsConfig struct {
	Enabled       bool   `yaml:"enabled"        env:"ENABLED"`
	WebhookURL    string `yaml:"webhook_url"    env:"WEBHOOK_URL"`
	BatchSize     int    `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int    `yaml:"buffer_size"    env:"BUFFER_SIZE"`
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

// MarshalJSON masks the value in JSON output.
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

	// AccessLog enables one structured log line per request. Defaults to true.
	AccessLog *bool `yaml:"access_log" env:"ACCESS_LOG"`
}

// AccessLogEnabled reports whether per-request access logging is on.
func (c LoggingConfig) AccessLogEnabled() bool {
	if c.AccessLog == nil {
		return true
	}
	return *c.AccessLog
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
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    "30s",
			WriteTimeout:   "30s",
			IdleTimeout:    "120s",
			DrainTimeout:   "30s",
			RequestTimeout: "60s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Backend: BackendConfig{
			Timeout:         "30s",
			MaxIdleConns:    100,
			IdleConnTimeout: "90s",
		},
		RateLimit: RateLimitConfig{
			Categories: CategoriesConfig{
				Auth:    CategoryLimit{Limit: 5, Window: "15m"},
				Upload:  CategoryLimit{Limit: 20, Window: "1h"},
				API:     CategoryLimit{Limit: 60, Window: "1m"},
				Default: CategoryLimit{Limit: 100, Window: "5m"},
			},
			FailurePolicy: FailurePolicyPassThrough,
			FailureCode:   429,
		},
		Security: SecurityConfig{
			MaxFailedAttempts:   5,
			SuspiciousThreshold: 3,
			LockoutDuration:     "30m",
			RecordTTL:           "24h",
		},
		Quota: QuotaConfig{
			DailyLimit:    50,
			BonusPerGrant: 5,
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
			ServiceName: "gatewarden",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("GATEWARDEN_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/gatewarden/config.yaml and
// can be overridden via GATEWARDEN_CONFIG_FILE.
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

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "GATEWARDEN_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "passThrough"
// or env values like "PASSTHROUGH" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.RateLimit.FailurePolicy = FailurePolicy(strings.ToLower(string(cfg.RateLimit.FailurePolicy)))
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

// Validate checks that the configuration is internally consistent. Malformed
// limits are fatal: the gateway refuses to start rather than run with
// undefined quotas.
func Validate(cfg *Config) error {
	if err := validateBackend(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateSecurity(cfg); err != nil {
		return err
	}
	if err := validateQuota(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateAlerts(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateBackend(cfg *Config) error {
	if cfg.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}

	// Normalize the backend URL so that host always includes an explicit port.
	normalized, err := normalizeURL(cfg.Backend.URL)
	if err != nil {
		return fmt.Errorf("invalid backend.url %q: %w", cfg.Backend.URL, err)
	}
	cfg.Backend.URL = normalized

	return nil
}

// normalizeURL parses a URL and ensures the host always has an explicit port.
// If no port is specified, the scheme-appropriate default is appended.
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("scheme and host are required")
	}

	if u.Port() == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			u.Host += ":443"
		default:
			u.Host += ":80"
		}
	}

	return u.String(), nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"server.request_timeout", cfg.Server.RequestTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"backend.timeout", cfg.Backend.Timeout},
		{"backend.idle_conn_timeout", cfg.Backend.IdleConnTimeout},
		{"security.lockout_duration", cfg.Security.LockoutDuration},
		{"security.record_ttl", cfg.Security.RecordTTL},
		{"alerts.flush_interval", cfg.Alerts.FlushInterval},
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

func validateRateLimit(cfg *Config) error {
	if fp := cfg.RateLimit.FailurePolicy; fp != "" && !fp.Valid() {
		return fmt.Errorf("invalid rate_limit.failure_policy %q: must be passthrough, failclosed, or inmemoryfallback", fp)
	}
	if cfg.RateLimit.FailureCode != 0 && (cfg.RateLimit.FailureCode < 400 || cfg.RateLimit.FailureCode > 599) {
		return fmt.Errorf("invalid rate_limit.failure_code %d: must be 4xx or 5xx", cfg.RateLimit.FailureCode)
	}

	categories := []struct {
		name string
		cl   CategoryLimit
	}{
		{"auth", cfg.RateLimit.Categories.Auth},
		{"upload", cfg.RateLimit.Categories.Upload},
		{"api", cfg.RateLimit.Categories.API},
		{"default", cfg.RateLimit.Categories.Default},
	}
	for _, c := range categories {
		if c.cl.Limit < 1 {
			return fmt.Errorf("rate_limit.categories.%s.limit must be >= 1, got %d", c.name, c.cl.Limit)
		}
		if c.cl.Window == "" {
			return fmt.Errorf("rate_limit.categories.%s.window is required", c.name)
		}
		d, err := time.ParseDuration(c.cl.Window)
		if err != nil {
			return fmt.Errorf("invalid rate_limit.categories.%s.window %q: %w", c.name, c.cl.Window, err)
		}
		if d <= 0 {
			return fmt.Errorf("rate_limit.categories.%s.window must be positive, got %s", c.name, d)
		}
	}
	return nil
}

func validateSecurity(cfg *Config) error {
	if cfg.Security.MaxFailedAttempts < 1 {
		return fmt.Errorf("security.max_failed_attempts must be >= 1")
	}
	if cfg.Security.SuspiciousThreshold < 1 {
		return fmt.Errorf("security.suspicious_threshold must be >= 1")
	}
	if cfg.Security.SuspiciousThreshold > cfg.Security.MaxFailedAttempts {
		return fmt.Errorf("security.suspicious_threshold (%d) must be <= security.max_failed_attempts (%d)",
			cfg.Security.SuspiciousThreshold, cfg.Security.MaxFailedAttempts)
	}
	return nil
}

func validateQuota(cfg *Config) error {
	if !cfg.Quota.Enabled {
		return nil
	}
	if cfg.Quota.DailyLimit < 1 {
		return fmt.Errorf("quota.daily_limit must be >= 1 when quota is enabled")
	}
	if cfg.Quota.BonusPerGrant < 0 {
		return fmt.Errorf("quota.bonus_per_grant must be >= 0")
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

func validateAlerts(cfg *Config) error {
	if cfg.Alerts.Enabled && cfg.Alerts.WebhookURL == "" {
		return fmt.Errorf("alerts.webhook_url is required when alerts are enabled")
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
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	return fields
}
