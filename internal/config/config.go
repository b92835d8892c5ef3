package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	AI      AIConfig
	Store   StoreConfig
	Token   TokenConfig
	Session SessionConfig
	Redis   RedisConfig
	Log     LogConfig
	Metrics MetricsConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{Server: server, AI: ai}
	sections := []struct {
		name   string
		target any
	}{
		{"store", &cfg.Store},
		{"token", &cfg.Token},
		{"session", &cfg.Session},
		{"redis", &cfg.Redis},
		{"log", &cfg.Log},
		{"metrics", &cfg.Metrics},
	}
	for _, section := range sections {
		if err := env.Parse(section.target); err != nil {
			return nil, fmt.Errorf("parse %s env: %w", section.name, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.Store.Path = strings.TrimSpace(c.Store.Path)
	if c.Store.Path == "" {
		return fmt.Errorf("DB_PATH must not be empty")
	}
	c.Token.APIKey = strings.TrimSpace(c.Token.APIKey)
	c.Token.APISecret = strings.TrimSpace(c.Token.APISecret)
	if (c.Token.APIKey == "") != (c.Token.APISecret == "") {
		return fmt.Errorf("LIVEKIT_API_KEY and LIVEKIT_API_SECRET must be set together")
	}
	if c.Token.TTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}
	if c.Session.IdleTimeout < 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must not be negative")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive")
	}
	if c.Session.MaxSessions < 0 {
		return fmt.Errorf("SESSION_MAX must not be negative")
	}
	if c.Session.QueueSize < 1 {
		c.Session.QueueSize = 1
	}
	if c.Redis.SessionTTL <= 0 {
		return fmt.Errorf("REDIS_SESSION_TTL must be positive")
	}
	return nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8000"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8000" 或 "127.0.0.1:8000"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey       string
	AccessKey    string
	SecretKey    string
	Model        string
	BaseURL      string
	Region       string
	Temperature  *float64
	TopP         *float64
	MaxTokens    *int
	HistoryLimit int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: provide ARK_API_KEY + Model or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}
	if temperature == nil {
		defaultTemperature := 0.7
		temperature = &defaultTemperature
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	historyLimit := 10
	if override, err := parseOptionalIntEnv("AI_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		historyLimit = *override
		if historyLimit < 0 {
			historyLimit = 0
		}
	}

	return AIConfig{
		APIKey:       strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:    strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:    strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:        strings.TrimSpace(os.Getenv("Model")),
		BaseURL:      getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:       getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:  temperature,
		TopP:         topP,
		MaxTokens:    maxTokens,
		HistoryLimit: historyLimit,
	}, nil
}

// StoreConfig 描述交互记录存储。
type StoreConfig struct {
	Path string `env:"DB_PATH" envDefault:"agent_history.db"`
}

// TokenConfig 描述房间准入凭证的签发参数。
type TokenConfig struct {
	APIKey    string        `env:"LIVEKIT_API_KEY"`
	APISecret string        `env:"LIVEKIT_API_SECRET"`
	TTL       time.Duration `env:"TOKEN_TTL" envDefault:"6h"`
}

// Enabled 表示签发密钥是否已配置。
func (c TokenConfig) Enabled() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// SessionConfig 描述会话注册表的资源限制。
type SessionConfig struct {
	IdleTimeout   time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"30m"`
	SweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"1m"`
	MaxSessions   int           `env:"SESSION_MAX" envDefault:"0"`
	QueueSize     int           `env:"SESSION_QUEUE_SIZE" envDefault:"64"`
}

// RedisConfig 描述可选的会话目录。Addr 为空时不启用。
type RedisConfig struct {
	Addr       string        `env:"REDIS_ADDR"`
	Password   string        `env:"REDIS_PASSWORD"`
	DB         int           `env:"REDIS_DB" envDefault:"0"`
	SessionTTL time.Duration `env:"REDIS_SESSION_TTL" envDefault:"1h"`
}

// Enabled 表示是否配置了 Redis。
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// LogConfig 描述日志级别与格式。
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// MetricsConfig 控制 /metrics 端点。
type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED" envDefault:"true"`
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
