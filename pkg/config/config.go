package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Database struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders the postgres connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type TaskLimit struct {
	Enabled          bool  `mapstructure:"enabled"`
	Limit            int64 `mapstructure:"limit"`
	Bonus            int64 `mapstructure:"bonus"`
	ExpireMultiplier int   `mapstructure:"expire_multiplier"`
}

type RateLimit struct {
	Enabled     bool            `mapstructure:"enabled"`
	Window      time.Duration   `mapstructure:"window"`
	MaxRequests int64           `mapstructure:"max_requests"`
	FailOpen    map[string]bool `mapstructure:"fail_open"`
}

type Aggregation struct {
	Buffer        int           `mapstructure:"buffer"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type Bonus struct {
	Enabled  bool          `mapstructure:"enabled"`
	Value    float64       `mapstructure:"value"`
	Interval time.Duration `mapstructure:"interval"`
	Metric   string        `mapstructure:"metric"`
}

type RPCEndpoint struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
	Body    string            `mapstructure:"body"`
}

type WS struct {
	WindowSize   int           `mapstructure:"window_size"`
	Backlog      int           `mapstructure:"backlog"`
	SinkBuffer   int           `mapstructure:"sink_buffer"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

type Config struct {
	AppEnvironment string        `mapstructure:"app_environment"`
	ServerUUID     string        `mapstructure:"server_uuid"`
	HTTPAddr       string        `mapstructure:"http_addr"`
	MetricsEnabled bool          `mapstructure:"metrics_enabled"`
	TokenExpire    time.Duration `mapstructure:"token_expire"`
	RPCIntervalMs  int64         `mapstructure:"rpc_interval_ms"`
	RPCEndpoints   []RPCEndpoint `mapstructure:"rpc_endpoints"`

	Database    Database    `mapstructure:"database"`
	Redis       Redis       `mapstructure:"redis"`
	TaskLimit   TaskLimit   `mapstructure:"task_limit"`
	RateLimit   RateLimit   `mapstructure:"rate_limit"`
	Aggregation Aggregation `mapstructure:"aggregation"`
	Bonus       Bonus       `mapstructure:"bonus"`
	WS          WS          `mapstructure:"ws"`
}

var ErrMissingServerUUID = errors.New("server uuid is not configured")

// ServerUserID parses the server identity used to attribute server-originated
// tasks and settings.
func (c *Config) ServerUserID() (uuid.UUID, error) {
	if strings.TrimSpace(c.ServerUUID) == "" {
		return uuid.Nil, ErrMissingServerUUID
	}
	id, err := uuid.Parse(c.ServerUUID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("server uuid contains invalid value: %w", err)
	}
	return id, nil
}

// IsLocal reports whether address headers are not trusted (local development).
func (c *Config) IsLocal() bool {
	return c.AppEnvironment == "local"
}

// RPCInterval is the RPC task cron period.
func (c *Config) RPCInterval() time.Duration {
	return time.Duration(c.RPCIntervalMs) * time.Millisecond
}

// FailOpen reports the rate limiter failure policy for endpoint.
func (c *Config) FailOpen(endpoint string) bool {
	return c.RateLimit.FailOpen[endpoint]
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app_environment", "production")
	v.SetDefault("http_addr", ":8000")
	v.SetDefault("metrics_enabled", true)
	v.SetDefault("token_expire", time.Hour)
	v.SetDefault("rpc_interval_ms", 30000)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "node_coordinator")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("task_limit.enabled", true)
	v.SetDefault("task_limit.limit", 10)
	v.SetDefault("task_limit.bonus", 0)
	v.SetDefault("task_limit.expire_multiplier", 10)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("rate_limit.max_requests", 60)
	v.SetDefault("rate_limit.fail_open", map[string]bool{
		"get_task":         false,
		"submit_task":      false,
		"submit_bandwidth": true,
	})

	v.SetDefault("aggregation.buffer", 10000)
	v.SetDefault("aggregation.batch_size", 500)
	v.SetDefault("aggregation.flush_interval", 5*time.Second)

	v.SetDefault("bonus.enabled", false)
	v.SetDefault("bonus.value", 0)
	v.SetDefault("bonus.interval", time.Minute)
	v.SetDefault("bonus.metric", "Uptime")

	v.SetDefault("ws.window_size", 10)
	v.SetDefault("ws.backlog", 10000)
	v.SetDefault("ws.sink_buffer", 64)
	v.SetDefault("ws.ping_interval", 30*time.Second)
}

// bindLegacyEnv maps the historical environment variable names.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("task_limit.limit", "TASK_LIMIT")
	_ = v.BindEnv("task_limit.bonus", "TASK_BONUS")
	_ = v.BindEnv("rpc_interval_ms", "RPC_CRON_INTERVAL")
	_ = v.BindEnv("app_environment", "APP_ENVIRONMENT")
	_ = v.BindEnv("server_uuid", "BLOCKMESH_SERVER_UUID")
}

// New builds a viper instance with defaults, search paths and env overrides.
// An explicit path disables the search.
func New(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.node-coordinator")
		v.AddConfigPath("/etc/node-coordinator/")
	}
	v.SetEnvPrefix("NODE_COORDINATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)
	return v
}

// Load reads the configuration file (optional when searching) and unmarshals it.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if c.TaskLimit.ExpireMultiplier < 1 {
		c.TaskLimit.ExpireMultiplier = 1
	}
	return &c, nil
}
