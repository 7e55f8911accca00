package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Config holds the application's configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Gate        GateConfig        `mapstructure:"gate"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Signature   SignatureConfig   `mapstructure:"signature"`
	Sanitizer   SanitizerConfig   `mapstructure:"sanitizer"`
	Anomaly     AnomalyConfig     `mapstructure:"anomaly"`
	Detector    DetectorConfig    `mapstructure:"detector"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	Audit       AuditConfig       `mapstructure:"audit"`
	CSP         CSPConfig         `mapstructure:"csp"`
	APIKeys     APIKeyConfig      `mapstructure:"api_keys"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Vault       VaultConfig       `mapstructure:"vault"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Log         LogConfig         `mapstructure:"log"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	Environment     string        `mapstructure:"environment"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// IsProduction reports whether the server runs with production settings.
func (c ServerConfig) IsProduction() bool { return c.Environment == "production" }

// GateConfig configures the synchronous Request Gate.
type GateConfig struct {
	RequireAPIKey       bool              `mapstructure:"require_api_key"`
	RequireSignature    bool              `mapstructure:"require_signature"`
	AllowedCIDRs        []string          `mapstructure:"allowed_cidrs"`
	DeniedCIDRs         []string          `mapstructure:"denied_cidrs"`
	BlockedCountries    []string          `mapstructure:"blocked_countries"`
	GeoTable            map[string]string `mapstructure:"geo_table"` // CIDR -> ISO country
	AllowedContentTypes []string          `mapstructure:"allowed_content_types"`
	MaxBodyBytes        int64             `mapstructure:"max_body_bytes"`
	UpstreamURL         string            `mapstructure:"upstream_url"`
}

type RateLimitConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	Backend       string         `mapstructure:"backend"` // memory | redis
	Window        time.Duration  `mapstructure:"window"`
	DefaultLimit  int            `mapstructure:"default_limit"`
	Endpoints     map[string]int `mapstructure:"endpoints"` // "POST /api/v1/payments" -> limit
	SweepInterval time.Duration  `mapstructure:"sweep_interval"`
	// Throttle rates applied by threat responses, in requests per second.
	ModerateRPS   float64 `mapstructure:"moderate_rps"`
	StrictRPS     float64 `mapstructure:"strict_rps"`
	ThrottleBurst int     `mapstructure:"throttle_burst"`
}

// LimitFor returns the limit configured for endpoint, or the default.
// Keys are matched case-insensitively since viper lower-cases map keys.
func (c RateLimitConfig) LimitFor(endpoint string) int {
	if l, ok := c.Endpoints[endpoint]; ok && l > 0 {
		return l
	}
	for k, l := range c.Endpoints {
		if l > 0 && strings.EqualFold(k, endpoint) {
			return l
		}
	}
	return c.DefaultLimit
}

type IdempotencyConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Backend      string        `mapstructure:"backend"`
	MinKeyLength int           `mapstructure:"min_key_length"`
	TTL          time.Duration `mapstructure:"ttl"`
}

type SignatureConfig struct {
	Tolerance   time.Duration       `mapstructure:"tolerance"`
	ReplayCache bool                `mapstructure:"replay_cache"`
	Provider    string              `mapstructure:"provider"` // static | vault
	Secrets     map[string][]string `mapstructure:"secrets"`  // clientID -> secrets, static provider only
}

type SanitizerConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	PerIPRate  float64 `mapstructure:"per_ip_rate"`
	PerIPBurst int     `mapstructure:"per_ip_burst"`
	MaxDepth   int     `mapstructure:"max_depth"`
}

type AnomalyConfig struct {
	Enabled              bool     `mapstructure:"enabled"`
	WarnThreshold        float64  `mapstructure:"warn_threshold"`
	BlockThreshold       float64  `mapstructure:"block_threshold"`
	MinSamples           int      `mapstructure:"min_samples"`
	HistorySize          int      `mapstructure:"history_size"`
	SuspiciousUserAgents []string `mapstructure:"suspicious_user_agents"`
}

type DetectorConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	QueueSize            int           `mapstructure:"queue_size"`
	BatchSize            int           `mapstructure:"batch_size"`
	Interval             time.Duration `mapstructure:"interval"`
	ProfileRetention     time.Duration `mapstructure:"profile_retention"`
	ProfileCapacity      int           `mapstructure:"profile_capacity"`
	BruteForceThreshold  int           `mapstructure:"brute_force_threshold"`
	BruteForceWindow     time.Duration `mapstructure:"brute_force_window"`
	DoSHighPerMinute     int           `mapstructure:"dos_high_per_minute"`
	DoSCriticalPerMinute int           `mapstructure:"dos_critical_per_minute"`
	SizeMultiplier       float64       `mapstructure:"size_multiplier"`
	SizeMinSamples       int           `mapstructure:"size_min_samples"`
	AlertCooldown        time.Duration `mapstructure:"alert_cooldown"`
	BlockTTL             time.Duration `mapstructure:"block_ttl"`
	ThrottleTTL          time.Duration `mapstructure:"throttle_ttl"`
	PatternsFile         string        `mapstructure:"patterns_file"`
}

type PolicyConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	File               string        `mapstructure:"file"`
	Watch              bool          `mapstructure:"watch"`
	EvaluationInterval time.Duration `mapstructure:"evaluation_interval"`
}

type AuditConfig struct {
	Enabled                  bool          `mapstructure:"enabled"`
	HMACKey                  string        `mapstructure:"hmac_key"`
	Backend                  string        `mapstructure:"backend"` // memory | gorm
	FlushInterval            time.Duration `mapstructure:"flush_interval"`
	BufferSize               int           `mapstructure:"buffer_size"`
	ExportToKafka            bool          `mapstructure:"export_to_kafka"`
	OffHoursStart            int           `mapstructure:"off_hours_start"`
	OffHoursEnd              int           `mapstructure:"off_hours_end"`
	FailedLoginThreshold     int           `mapstructure:"failed_login_threshold"`
	ExcessiveAccessThreshold int           `mapstructure:"excessive_access_threshold"`
	ReportInterval           time.Duration `mapstructure:"report_interval"`
}

type CSPConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Policy    string        `mapstructure:"policy"`
	NonceTTL  time.Duration `mapstructure:"nonce_ttl"`
	ReportURI string        `mapstructure:"report_uri"`
}

// APIKeySeed provisions a key at start-up.
type APIKeySeed struct {
	Key              string   `mapstructure:"key"`
	ClientID         string   `mapstructure:"client_id"`
	AllowedEndpoints []string `mapstructure:"allowed_endpoints"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	RequireSignature bool     `mapstructure:"require_signature"`
}

type APIKeyConfig struct {
	Backend       string        `mapstructure:"backend"` // memory | gorm
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
	Seed          []APIKeySeed  `mapstructure:"seed"`
}

type RedisConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Addresses    []string `mapstructure:"addresses"`
	Password     string   `mapstructure:"password"`
	DB           int      `mapstructure:"db"`
	PoolSize     int      `mapstructure:"pool_size"`
	MinIdleConns int      `mapstructure:"min_idle_conns"`
}

type DatabaseConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Driver          string `mapstructure:"driver"` // postgres | sqlite
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	Database        string `mapstructure:"database"`
	SSLMode         string `mapstructure:"ssl_mode"`
	Path            string `mapstructure:"path"` // sqlite file
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime"`  // in minutes
	MaxConnIdleTime int    `mapstructure:"max_conn_idle_time"` // in minutes
}

func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "sqlite" {
		return c.Path
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

type KafkaConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Brokers        []string      `mapstructure:"brokers"`
	AuditTopic     string        `mapstructure:"audit_topic"`
	AlertTopic     string        `mapstructure:"alert_topic"`
	DirectiveTopic string        `mapstructure:"directive_topic"`
	GroupID        string        `mapstructure:"group_id"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

type VaultConfig struct {
	Address   string        `mapstructure:"address"`
	Token     string        `mapstructure:"token"`
	MountPath string        `mapstructure:"mount_path"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

type AdminConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}

// Validate checks for essential configuration values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.window must be positive")
		}
		if c.RateLimit.DefaultLimit <= 0 {
			return fmt.Errorf("rate_limit.default_limit must be positive")
		}
	}
	if c.RateLimit.Backend == "redis" || c.Idempotency.Backend == "redis" {
		if !c.Redis.Enabled || len(c.Redis.Addresses) == 0 {
			return fmt.Errorf("redis backend selected but redis is not configured")
		}
	}
	if c.Idempotency.MinKeyLength < 1 {
		return fmt.Errorf("idempotency.min_key_length must be at least 1")
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be positive")
	}
	if c.Signature.Tolerance <= 0 {
		return fmt.Errorf("signature.tolerance must be positive")
	}
	if c.Anomaly.Enabled {
		if c.Anomaly.WarnThreshold <= 0 || c.Anomaly.BlockThreshold > 1 || c.Anomaly.WarnThreshold >= c.Anomaly.BlockThreshold {
			return fmt.Errorf("anomaly thresholds must satisfy 0 < warn < block <= 1")
		}
	}
	if c.Detector.BatchSize <= 0 || c.Detector.QueueSize <= 0 {
		return fmt.Errorf("detector.batch_size and detector.queue_size must be positive")
	}
	if c.Detector.Interval <= 0 {
		return fmt.Errorf("detector.interval must be positive")
	}
	if c.Audit.Enabled && c.Audit.HMACKey == "" {
		return fmt.Errorf("audit.hmac_key is required when audit is enabled")
	}
	if c.Admin.Enabled && len(c.Admin.JWTSecret) < 32 {
		return fmt.Errorf("admin.jwt_secret must be at least 32 bytes")
	}
	if c.Database.Enabled && c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("database.driver must be postgres or sqlite")
	}
	for _, cidr := range append(append([]string(nil), c.Gate.AllowedCIDRs...), c.Gate.DeniedCIDRs...) {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("gate: invalid CIDR %q: %w", cidr, err)
		}
	}
	return nil
}
