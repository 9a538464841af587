package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"port"`
	Environment    string        `mapstructure:"environment"`
	LogLevel       string        `mapstructure:"log_level"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	StoreBackend   string        `mapstructure:"store_backend"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
	Redis          RedisConfig   `mapstructure:"redis"`
	Agent          AgentConfig   `mapstructure:"agent"`
	Call           CallConfig    `mapstructure:"call"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AgentConfig identifies the user this process places and answers calls for
type AgentConfig struct {
	UserID   string `mapstructure:"user_id"`
	Password string `mapstructure:"password"`
}

type CallConfig struct {
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
	ICEServers  []string      `mapstructure:"ice_servers"`
}

const (
	StoreRedis  = "redis"
	StoreMemory = "memory"

	// DefaultJWTSecret is only good for local runs; production refuses it
	DefaultJWTSecret = "change-me-in-production"
)

// Load reads defaults, an optional YAML file named by CONFIG_FILE, and
// environment overrides (PORT, REDIS_HOST, AGENT_USER_ID, ...).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origins", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("jwt_secret", DefaultJWTSecret)
	v.SetDefault("store_backend", StoreRedis)
	v.SetDefault("session_ttl", "24h")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("agent.user_id", "")
	v.SetDefault("agent.password", "")
	v.SetDefault("call.ring_timeout", "45s")
	v.SetDefault("call.ice_servers", "stun:stun.l.google.com:19302")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("config_file", "CONFIG_FILE")
	_ = v.BindEnv("call.ring_timeout", "RING_TIMEOUT")
	_ = v.BindEnv("call.ice_servers", "ICE_SERVERS")

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Comma-separated lists arrive as a single string from env and defaults
	cfg.AllowedOrigins = splitList(cfg.AllowedOrigins)
	cfg.Call.ICEServers = splitList(cfg.Call.ICEServers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the agent cannot run with
func (c *Config) Validate() error {
	if c.Agent.UserID == "" {
		return fmt.Errorf("AGENT_USER_ID is required")
	}
	if c.StoreBackend != StoreRedis && c.StoreBackend != StoreMemory {
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.Call.RingTimeout < 0 {
		return fmt.Errorf("RING_TIMEOUT must not be negative")
	}
	if c.Environment == "production" {
		if c.JWTSecret == "" || c.JWTSecret == DefaultJWTSecret {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if c.Agent.Password == "" {
			return fmt.Errorf("AGENT_PASSWORD must be set in production")
		}
	}
	return nil
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
