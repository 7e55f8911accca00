package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"github.com/turtacn/paygate/pkg/constants"
)

// setDefaults registers a default for every key so environment overrides bind even without a config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("gate.require_api_key", true)
	v.SetDefault("gate.require_signature", false)
	v.SetDefault("gate.allowed_cidrs", []string{})
	v.SetDefault("gate.denied_cidrs", []string{})
	v.SetDefault("gate.blocked_countries", []string{})
	v.SetDefault("gate.allowed_content_types", []string{"application/json"})
	v.SetDefault("gate.max_body_bytes", 1<<20)
	v.SetDefault("gate.upstream_url", "")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.backend", "memory")
	v.SetDefault("rate_limit.window", constants.DefaultRateLimitWindow)
	v.SetDefault("rate_limit.default_limit", constants.DefaultRateLimitPerWindow)
	v.SetDefault("rate_limit.sweep_interval", "1m")
	v.SetDefault("rate_limit.moderate_rps", 5.0)
	v.SetDefault("rate_limit.strict_rps", 1.0)
	v.SetDefault("rate_limit.throttle_burst", 5)

	v.SetDefault("idempotency.enabled", true)
	v.SetDefault("idempotency.backend", "memory")
	v.SetDefault("idempotency.min_key_length", constants.MinIdempotencyKeyLength)
	v.SetDefault("idempotency.ttl", constants.DefaultIdempotencyTTL)

	v.SetDefault("signature.tolerance", constants.DefaultSignatureTolerance)
	v.SetDefault("signature.replay_cache", true)
	v.SetDefault("signature.provider", "static")

	v.SetDefault("sanitizer.enabled", true)
	v.SetDefault("sanitizer.per_ip_rate", 50.0)
	v.SetDefault("sanitizer.per_ip_burst", 100)
	v.SetDefault("sanitizer.max_depth", 32)

	v.SetDefault("anomaly.enabled", true)
	v.SetDefault("anomaly.warn_threshold", 0.5)
	v.SetDefault("anomaly.block_threshold", 0.85)
	v.SetDefault("anomaly.min_samples", 10)
	v.SetDefault("anomaly.history_size", 50)
	v.SetDefault("anomaly.suspicious_user_agents", []string{"sqlmap", "nikto", "nmap", "masscan", "zgrab", "curl", "python-requests", "go-http-client"})

	v.SetDefault("detector.enabled", true)
	v.SetDefault("detector.queue_size", 10000)
	v.SetDefault("detector.batch_size", constants.DefaultDetectorBatchSize)
	v.SetDefault("detector.interval", "1s")
	v.SetDefault("detector.profile_retention", constants.DefaultProfileRetention)
	v.SetDefault("detector.profile_capacity", 1024)
	v.SetDefault("detector.brute_force_threshold", 5)
	v.SetDefault("detector.brute_force_window", "5m")
	v.SetDefault("detector.dos_high_per_minute", 100)
	v.SetDefault("detector.dos_critical_per_minute", 500)
	v.SetDefault("detector.size_multiplier", 3.0)
	v.SetDefault("detector.size_min_samples", 10)
	v.SetDefault("detector.alert_cooldown", "5m")
	v.SetDefault("detector.block_ttl", "1h")
	v.SetDefault("detector.throttle_ttl", "15m")

	v.SetDefault("policy.enabled", true)
	v.SetDefault("policy.watch", true)
	v.SetDefault("policy.evaluation_interval", "30s")

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.backend", "memory")
	v.SetDefault("audit.flush_interval", "5s")
	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("audit.off_hours_start", 22)
	v.SetDefault("audit.off_hours_end", 6)
	v.SetDefault("audit.failed_login_threshold", 5)
	v.SetDefault("audit.excessive_access_threshold", 1000)
	v.SetDefault("audit.report_interval", "1h")

	v.SetDefault("csp.enabled", true)
	v.SetDefault("csp.policy", "default-src 'self'; script-src 'self'; style-src 'self'; object-src 'none'; frame-ancestors 'none'")
	v.SetDefault("csp.nonce_ttl", constants.DefaultNonceTTL)
	v.SetDefault("csp.report_uri", "/csp-report")

	v.SetDefault("api_keys.backend", "memory")
	v.SetDefault("api_keys.cache_ttl", constants.DefaultAPIKeyCacheTTL)
	v.SetDefault("api_keys.lookup_timeout", constants.DefaultLookupTimeout)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.path", "paygate.db")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", 60)
	v.SetDefault("database.max_conn_idle_time", 10)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.audit_topic", "paygate.audit")
	v.SetDefault("kafka.alert_topic", "paygate.alerts")
	v.SetDefault("kafka.directive_topic", "paygate.directives")
	v.SetDefault("kafka.group_id", "paygate")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", "10ms")
	v.SetDefault("kafka.write_timeout", "10s")

	v.SetDefault("vault.mount_path", "secret")
	v.SetDefault("vault.cache_ttl", "5m")

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.issuer", "paygate")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "paygate")
	v.SetDefault("tracing.sample_rate", 0.1)
}

// LoadConfig loads the configuration from file and environment variables.
// An empty path searches /etc/paygate/ and the working directory for config.yaml.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/paygate/")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("PAYGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DevelopmentAuditKey is the placeholder signing key of LoadDefaultConfig. Compliance checks fail while it is in use.
const DevelopmentAuditKey = "development-only-audit-key"

// LoadDefaultConfig returns the defaults without reading files or the environment.
// Audit signing gets a placeholder key so the result validates.
func LoadDefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	v.SetDefault("audit.hmac_key", DevelopmentAuditKey)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}
