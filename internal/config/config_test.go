package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parseEnv is a test helper that applies env overrides to cfg using the same
// mechanism as Load(). It mirrors the GATEWARDEN_ prefix used in production.
func parseEnv(t *testing.T, cfg *Config) {
	t.Helper()
	require.NoError(t, env.ParseWithOptions(cfg, env.Options{Prefix: "GATEWARDEN_"}))
}

func TestDefaults(t *testing.T) {
	t.Run("returns non-nil config with sensible defaults", func(t *testing.T) {
		cfg := Defaults()

		assert.Equal(t, ":8080", cfg.Server.Address)
		assert.Equal(t, ":9090", cfg.Admin.Address)
		assert.Equal(t, "30s", cfg.Server.ReadTimeout)
		assert.Equal(t, "30s", cfg.Backend.Timeout)
		assert.Equal(t, 100, cfg.Backend.MaxIdleConns)
		assert.Equal(t, RedisModeSingle, cfg.Redis.Mode)
		assert.Equal(t, []string{"localhost:6379"}, cfg.Redis.Endpoints)
		assert.Equal(t, 10, cfg.Redis.PoolSize)
		assert.Equal(t, FailurePolicyPassThrough, cfg.RateLimit.FailurePolicy)
		assert.Equal(t, 429, cfg.RateLimit.FailureCode)
		assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
		assert.Equal(t, LogFormatJSON, cfg.Logging.Format)
		assert.Equal(t, "gatewarden", cfg.Tracing.ServiceName)
		assert.Equal(t, 0.1, cfg.Tracing.SampleRate)
	})

	t.Run("category defaults", func(t *testing.T) {
		cfg := Defaults()

		assert.Equal(t, int64(5), cfg.RateLimit.Categories.Auth.Limit)
		assert.Equal(t, "15m", cfg.RateLimit.Categories.Auth.Window)
		assert.Equal(t, int64(20), cfg.RateLimit.Categories.Upload.Limit)
		assert.Equal(t, "1h", cfg.RateLimit.Categories.Upload.Window)
		assert.Equal(t, int64(60), cfg.RateLimit.Categories.API.Limit)
		assert.Equal(t, "1m", cfg.RateLimit.Categories.API.Window)
		assert.Equal(t, int64(100), cfg.RateLimit.Categories.Default.Limit)
		assert.Equal(t, "5m", cfg.RateLimit.Categories.Default.Window)
	})

	t.Run("security and quota defaults", func(t *testing.T) {
		cfg := Defaults()

		assert.Equal(t, int64(5), cfg.Security.MaxFailedAttempts)
		assert.Equal(t, int64(3), cfg.Security.SuspiciousThreshold)
		assert.Equal(t, "30m", cfg.Security.LockoutDuration)
		assert.Equal(t, "24h", cfg.Security.RecordTTL)
		assert.False(t, cfg.Quota.Enabled)
		assert.Equal(t, int64(50), cfg.Quota.DailyLimit)
		assert.Equal(t, int64(5), cfg.Quota.BonusPerGrant)
	})
}

func TestLoadFromYAML(t *testing.T) {
	t.Run("parses valid YAML file", func(t *testing.T) {
		yamlContent := `
server:
  address: ":9999"
backend:
  url: "http://my-backend:3000"
redis:
  endpoints:
    - "redis:6379"
  mode: "single"
rate_limit:
  categories:
    auth:
      limit: 10
      window: "5m"
logging:
  level: "debug"
  format: "text"
`
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte(yamlContent), 0o644))

		t.Setenv("GATEWARDEN_CONFIG_FILE", cfgFile)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":9999", cfg.Server.Address)
		assert.Equal(t, "http://my-backend:3000", cfg.Backend.URL)
		assert.Equal(t, int64(10), cfg.RateLimit.Categories.Auth.Limit)
		assert.Equal(t, "5m", cfg.RateLimit.Categories.Auth.Window)
		assert.Equal(t, int64(20), cfg.RateLimit.Categories.Upload.Limit) // default preserved
		assert.Equal(t, LogLevelDebug, cfg.Logging.Level)
		assert.Equal(t, LogFormatText, cfg.Logging.Format)
	})

	t.Run("returns error for invalid YAML", func(t *testing.T) {
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "bad.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte("{{invalid"), 0o644))

		t.Setenv("GATEWARDEN_CONFIG_FILE", cfgFile)

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "parsing config file")
	})

	t.Run("uses defaults when config file does not exist", func(t *testing.T) {
		t.Setenv("GATEWARDEN_CONFIG_FILE", "/nonexistent/config.yaml")
		t.Setenv("GATEWARDEN_BACKEND_URL", "http://fallback-backend:8080")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "http://fallback-backend:8080", cfg.Backend.URL)
		assert.Equal(t, ":8080", cfg.Server.Address) // default
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Run("env overrides string field", func(t *testing.T) {
		cfg := Defaults()
		cfg.Backend.URL = "http://default:8080"

		t.Setenv("GATEWARDEN_SERVER_ADDRESS", ":7777")
		t.Setenv("GATEWARDEN_BACKEND_URL", "http://env-backend:9090")

		parseEnv(t, cfg)

		assert.Equal(t, ":7777", cfg.Server.Address)
		assert.Equal(t, "http://env-backend:9090", cfg.Backend.URL)
	})

	t.Run("env overrides int field", func(t *testing.T) {
		cfg := Defaults()
		t.Setenv("GATEWARDEN_RATE_LIMIT_CATEGORIES_AUTH_LIMIT", "15")
		t.Setenv("GATEWARDEN_SECURITY_MAX_FAILED_ATTEMPTS", "8")
		t.Setenv("GATEWARDEN_BACKEND_MAX_IDLE_CONNS", "50")

		parseEnv(t, cfg)

		assert.Equal(t, int64(15), cfg.RateLimit.Categories.Auth.Limit)
		assert.Equal(t, int64(8), cfg.Security.MaxFailedAttempts)
		assert.Equal(t, 50, cfg.Backend.MaxIdleConns)
	})

	t.Run("env overrides bool field", func(t *testing.T) {
		cfg := Defaults()
		t.Setenv("GATEWARDEN_QUOTA_ENABLED", "true")
		t.Setenv("GATEWARDEN_SERVER_TLS_ENABLED", "true")

		parseEnv(t, cfg)

		assert.True(t, cfg.Quota.Enabled)
		assert.True(t, cfg.Server.TLS.Enabled)
	})

	t.Run("env overrides float64 field", func(t *testing.T) {
		cfg := Defaults()
		t.Setenv("GATEWARDEN_TRACING_SAMPLE_RATE", "0.5")

		parseEnv(t, cfg)

		assert.Equal(t, 0.5, cfg.Tracing.SampleRate)
	})

	t.Run("env overrides slice field with comma separation", func(t *testing.T) {
		cfg := Defaults()
		t.Setenv("GATEWARDEN_REDIS_ENDPOINTS", "redis1:6379,redis2:6379,redis3:6379")

		parseEnv(t, cfg)

		assert.Equal(t, []string{"redis1:6379", "redis2:6379", "redis3:6379"}, cfg.Redis.Endpoints)
	})

	t.Run("env vars override YAML values", func(t *testing.T) {
		yamlContent := `
backend:
  url: "http://yaml-backend:8080"
server:
  address: ":8888"
`
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte(yamlContent), 0o644))

		t.Setenv("GATEWARDEN_CONFIG_FILE", cfgFile)
		t.Setenv("GATEWARDEN_SERVER_ADDRESS", ":5555")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":5555", cfg.Server.Address)                // env wins
		assert.Equal(t, "http://yaml-backend:8080", cfg.Backend.URL) // YAML preserved
	})

	t.Run("env preserves YAML values when env var is not set", func(t *testing.T) {
		cfg := Defaults()
		cfg.Server.Address = ":1234" // pretend YAML set this

		parseEnv(t, cfg)

		assert.Equal(t, ":1234", cfg.Server.Address) // preserved
	})
}

func TestEnvParseErrors(t *testing.T) {
	t.Run("returns error for invalid int env var", func(t *testing.T) {
		t.Setenv("GATEWARDEN_CONFIG_FILE", "/nonexistent")
		t.Setenv("GATEWARDEN_BACKEND_URL", "http://backend:8080")
		t.Setenv("GATEWARDEN_QUOTA_DAILY_LIMIT", "not-a-number")

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "parsing environment variables")
	})

	t.Run("returns error for invalid bool env var", func(t *testing.T) {
		t.Setenv("GATEWARDEN_CONFIG_FILE", "/nonexistent")
		t.Setenv("GATEWARDEN_BACKEND_URL", "http://backend:8080")
		t.Setenv("GATEWARDEN_QUOTA_ENABLED", "not-a-bool")

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "parsing environment variables")
	})
}

func TestNormalize(t *testing.T) {
	t.Run("normalizes camelCase YAML values to lowercase", func(t *testing.T) {
		yamlContent := `
backend:
  url: "http://backend:8080"
rate_limit:
  failure_policy: "passThrough"
redis:
  mode: "Single"
logging:
  level: "INFO"
  format: "JSON"
server:
  tls:
    min_version: "TLS1.3"
`
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte(yamlContent), 0o644))

		t.Setenv("GATEWARDEN_CONFIG_FILE", cfgFile)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, FailurePolicyPassThrough, cfg.RateLimit.FailurePolicy)
		assert.Equal(t, RedisModeSingle, cfg.Redis.Mode)
		assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
		assert.Equal(t, LogFormatJSON, cfg.Logging.Format)
		assert.Equal(t, TLSVersion13, cfg.Server.TLS.MinVersion)
	})

	t.Run("normalizes TLS version aliases", func(t *testing.T) {
		for _, input := range []string{"1.2", "tls12", "TLS1.2"} {
			assert.Equal(t, "1.2", normalizeTLSVersion(input), "input: %s", input)
		}
		for _, input := range []string{"1.3", "tls13", "TLS1.3"} {
			assert.Equal(t, "1.3", normalizeTLSVersion(input), "input: %s", input)
		}
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Defaults()
		cfg.Backend.URL = "http://backend:8080"
		return cfg
	}

	t.Run("valid minimal config", func(t *testing.T) {
		assert.NoError(t, Validate(valid()))
	})

	t.Run("missing backend URL", func(t *testing.T) {
		cfg := Defaults()
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "backend.url is required")
	})

	t.Run("invalid server timeout", func(t *testing.T) {
		cfg := valid()
		cfg.Server.ReadTimeout = "not-a-duration"
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "server.read_timeout")
	})

	t.Run("TLS enabled without cert", func(t *testing.T) {
		cfg := valid()
		cfg.Server.TLS.Enabled = true
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cert_file")
	})

	t.Run("HTTP3 enabled without TLS", func(t *testing.T) {
		cfg := valid()
		cfg.Server.TLS.HTTP3Enabled = true
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "http3_enabled requires server.tls.enabled")
	})

	t.Run("HTTP3 enabled with TLS is valid", func(t *testing.T) {
		cfg := valid()
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.CertFile = "/path/to/cert.pem"
		cfg.Server.TLS.KeyFile = "/path/to/key.pem"
		cfg.Server.TLS.HTTP3Enabled = true
		assert.NoError(t, Validate(cfg))
	})

	t.Run("invalid TLS min_version", func(t *testing.T) {
		cfg := valid()
		cfg.Server.TLS.MinVersion = "bogus"
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "min_version")
	})

	t.Run("zero category limit", func(t *testing.T) {
		cfg := valid()
		cfg.RateLimit.Categories.Auth.Limit = 0
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "rate_limit.categories.auth.limit")
	})

	t.Run("missing category window", func(t *testing.T) {
		cfg := valid()
		cfg.RateLimit.Categories.Upload.Window = ""
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "rate_limit.categories.upload.window")
	})

	t.Run("malformed category window", func(t *testing.T) {
		cfg := valid()
		cfg.RateLimit.Categories.API.Window = "sixty seconds"
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "rate_limit.categories.api.window")
	})

	t.Run("negative category window", func(t *testing.T) {
		cfg := valid()
		cfg.RateLimit.Categories.Default.Window = "-5m"
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "must be positive")
	})

	t.Run("invalid failure policy", func(t *testing.T) {
		cfg := valid()
		cfg.RateLimit.FailurePolicy = "invalid"
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failure_policy")
	})

	t.Run("invalid failure code", func(t *testing.T) {
		cfg := valid()
		cfg.RateLimit.FailureCode = 200
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failure_code")
	})

	t.Run("suspicious threshold above max failed attempts", func(t *testing.T) {
		cfg := valid()
		cfg.Security.SuspiciousThreshold = 10
		cfg.Security.MaxFailedAttempts = 5
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "suspicious_threshold")
	})

	t.Run("zero max failed attempts", func(t *testing.T) {
		cfg := valid()
		cfg.Security.MaxFailedAttempts = 0
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "max_failed_attempts")
	})

	t.Run("quota enabled with zero daily limit", func(t *testing.T) {
		cfg := valid()
		cfg.Quota.Enabled = true
		cfg.Quota.DailyLimit = 0
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "quota.daily_limit")
	})

	t.Run("quota disabled skips quota validation", func(t *testing.T) {
		cfg := valid()
		cfg.Quota.Enabled = false
		cfg.Quota.DailyLimit = 0
		assert.NoError(t, Validate(cfg))
	})

	t.Run("invalid redis mode", func(t *testing.T) {
		cfg := valid()
		cfg.Redis.Mode = "invalid"
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "redis.mode")
	})

	t.Run("sentinel mode without master name", func(t *testing.T) {
		cfg := valid()
		cfg.Redis.Mode = RedisModeSentinel
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "master_name")
	})

	t.Run("single mode with multiple endpoints", func(t *testing.T) {
		cfg := valid()
		cfg.Redis.Endpoints = []string{"redis1:6379", "redis2:6379"}
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "single mode requires exactly one endpoint")
	})

	t.Run("empty redis endpoints", func(t *testing.T) {
		cfg := valid()
		cfg.Redis.Endpoints = []string{}
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "at least one endpoint")
	})

	t.Run("alerts enabled without webhook URL", func(t *testing.T) {
		cfg := valid()
		cfg.Alerts.Enabled = true
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "alerts.webhook_url")
	})

	t.Run("invalid logging level", func(t *testing.T) {
		cfg := valid()
		cfg.Logging.Level = "trace"
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logging.level")
	})

	t.Run("invalid logging format", func(t *testing.T) {
		cfg := valid()
		cfg.Logging.Format = "xml"
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logging.format")
	})

	t.Run("tracing enabled without endpoint", func(t *testing.T) {
		cfg := valid()
		cfg.Tracing.Enabled = true
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "tracing.endpoint")
	})
}

func TestNormalizeURL(t *testing.T) {
	t.Run("adds default port 80 for http", func(t *testing.T) {
		cfg := Defaults()
		cfg.Backend.URL = "http://backend"
		require.NoError(t, Validate(cfg))
		assert.Equal(t, "http://backend:80", cfg.Backend.URL)
	})

	t.Run("adds default port 443 for https", func(t *testing.T) {
		cfg := Defaults()
		cfg.Backend.URL = "https://backend"
		require.NoError(t, Validate(cfg))
		assert.Equal(t, "https://backend:443", cfg.Backend.URL)
	})

	t.Run("preserves explicit port", func(t *testing.T) {
		cfg := Defaults()
		cfg.Backend.URL = "http://backend:3000"
		require.NoError(t, Validate(cfg))
		assert.Equal(t, "http://backend:3000", cfg.Backend.URL)
	})

	t.Run("rejects URL without scheme", func(t *testing.T) {
		cfg := Defaults()
		cfg.Backend.URL = "backend:3000"
		assert.Error(t, Validate(cfg))
	})
}

func TestEnumValid(t *testing.T) {
	t.Run("FailurePolicy", func(t *testing.T) {
		assert.True(t, FailurePolicyPassThrough.Valid())
		assert.True(t, FailurePolicyFailClosed.Valid())
		assert.True(t, FailurePolicyInMemoryFallback.Valid())
		assert.False(t, FailurePolicy("bogus").Valid())
	})

	t.Run("RedisMode", func(t *testing.T) {
		assert.True(t, RedisModeSingle.Valid())
		assert.True(t, RedisModeSentinel.Valid())
		assert.True(t, RedisModeCluster.Valid())
		assert.False(t, RedisMode("bogus").Valid())
	})

	t.Run("LogLevel", func(t *testing.T) {
		assert.True(t, LogLevelDebug.Valid())
		assert.True(t, LogLevelInfo.Valid())
		assert.True(t, LogLevelWarn.Valid())
		assert.True(t, LogLevelError.Valid())
		assert.False(t, LogLevel("trace").Valid())
	})

	t.Run("LogFormat", func(t *testing.T) {
		assert.True(t, LogFormatJSON.Valid())
		assert.True(t, LogFormatText.Valid())
		assert.False(t, LogFormat("xml").Valid())
	})

	t.Run("TLSVersion", func(t *testing.T) {
		assert.True(t, TLSVersion12.Valid())
		assert.True(t, TLSVersion13.Valid())
		assert.True(t, TLSVersion("").Valid()) // empty = use default
		assert.False(t, TLSVersion("1.1").Valid())
	})
}

func TestRedactedString(t *testing.T) {
	secret := RedactedString("super-secret-password")

	t.Run("Value exposes secret", func(t *testing.T) {
		assert.Equal(t, "super-secret-password", secret.Value())
	})

	t.Run("String masks non-empty", func(t *testing.T) {
		assert.Equal(t, "[REDACTED]", secret.String())
	})

	t.Run("String returns empty for empty", func(t *testing.T) {
		assert.Equal(t, "", RedactedString("").String())
	})

	t.Run("GoString masks same as String", func(t *testing.T) {
		assert.Equal(t, "[REDACTED]", secret.GoString())
		assert.Equal(t, "", RedactedString("").GoString())
	})

	t.Run("MarshalJSON masks non-empty", func(t *testing.T) {
		data, err := json.Marshal(secret)
		require.NoError(t, err)
		assert.Equal(t, `"[REDACTED]"`, string(data))
	})

	t.Run("MarshalJSON preserves empty", func(t *testing.T) {
		data, err := json.Marshal(RedactedString(""))
		require.NoError(t, err)
		assert.Equal(t, `""`, string(data))
	})

	t.Run("Sprintf uses String", func(t *testing.T) {
		assert.Equal(t, "[REDACTED]", fmt.Sprintf("%s", secret))
		assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", secret))
	})
}

func TestIncludeUserAgentEnabled(t *testing.T) {
	t.Run("defaults to true when nil", func(t *testing.T) {
		c := IdentityConfig{}
		assert.True(t, c.IncludeUserAgentEnabled())
	})

	t.Run("returns explicit true", func(t *testing.T) {
		v := true
		c := IdentityConfig{IncludeUserAgent: &v}
		assert.True(t, c.IncludeUserAgentEnabled())
	})

	t.Run("returns explicit false", func(t *testing.T) {
		v := false
		c := IdentityConfig{IncludeUserAgent: &v}
		assert.False(t, c.IncludeUserAgentEnabled())
	})
}

func TestParseDuration(t *testing.T) {
	t.Run("parses valid duration", func(t *testing.T) {
		d, err := ParseDuration("5s", 0)
		require.NoError(t, err)
		assert.Equal(t, 5_000_000_000, int(d))
	})

	t.Run("returns default for empty string", func(t *testing.T) {
		d, err := ParseDuration("", 10_000_000_000)
		require.NoError(t, err)
		assert.Equal(t, 10_000_000_000, int(d))
	})

	t.Run("returns error for invalid duration", func(t *testing.T) {
		_, err := ParseDuration("nope", 0)
		assert.Error(t, err)
	})
}

func TestMustParseDuration(t *testing.T) {
	t.Run("parses valid duration", func(t *testing.T) {
		assert.Equal(t, 5e9, float64(MustParseDuration("5s", 0)))
	})

	t.Run("returns default on empty", func(t *testing.T) {
		assert.Equal(t, 10e9, float64(MustParseDuration("", 10e9)))
	})

	t.Run("returns default on invalid", func(t *testing.T) {
		assert.Equal(t, 3e9, float64(MustParseDuration("not-a-duration", 3e9)))
	})
}

func TestRequiresRestart(t *testing.T) {
	base := &Config{
		Server: ServerConfig{Address: ":8080", TLS: ServerTLSConfig{Enabled: false}},
		Admin:  AdminConfig{Address: ":9090"},
		Redis:  RedisConfig{Mode: RedisModeSingle},
	}

	t.Run("nil old returns nil", func(t *testing.T) {
		cfg := &Config{}
		assert.Nil(t, cfg.RequiresRestart(nil))
	})

	t.Run("identical configs require no restart", func(t *testing.T) {
		same := *base
		assert.Empty(t, base.RequiresRestart(&same))
	})

	t.Run("server address change", func(t *testing.T) {
		old := *base
		cfg := *base
		cfg.Server.Address = ":8081"
		assert.Contains(t, cfg.RequiresRestart(&old), "server.address")
	})

	t.Run("admin address change", func(t *testing.T) {
		old := *base
		cfg := *base
		cfg.Admin.Address = ":9091"
		assert.Contains(t, cfg.RequiresRestart(&old), "admin.address")
	})

	t.Run("redis mode change", func(t *testing.T) {
		old := *base
		cfg := *base
		cfg.Redis.Mode = RedisModeCluster
		assert.Contains(t, cfg.RequiresRestart(&old), "redis.mode")
	})

	t.Run("multiple changes reported", func(t *testing.T) {
		old := *base
		cfg := *base
		cfg.Server.Address = ":9999"
		cfg.Redis.Mode = RedisModeSentinel
		assert.Len(t, cfg.RequiresRestart(&old), 2)
	})
}

func TestCategoryWindowDuration(t *testing.T) {
	t.Run("parses configured window", func(t *testing.T) {
		cl := CategoryLimit{Limit: 5, Window: "15m"}
		assert.Equal(t, 15e9*60, float64(cl.WindowDuration(0)))
	})

	t.Run("falls back to default when empty", func(t *testing.T) {
		cl := CategoryLimit{Limit: 5}
		assert.Equal(t, 60e9, float64(cl.WindowDuration(60e9)))
	})
}
