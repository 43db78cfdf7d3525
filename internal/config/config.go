package config

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	AI        AIConfig
	Memory    MemoryConfig
	Log       LogConfig
	RateLimit RateLimitConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ollama, err := loadOllamaConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	memory, err := loadMemoryConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	rateLimit, err := loadRateLimitConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		Ollama:    ollama,
		AI:        ai,
		Memory:    memory,
		Log:       logCfg,
		RateLimit: rateLimit,
	}, nil
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

// OllamaConfig describes the local inference hosts and the model names tried on each.
type OllamaConfig struct {
	Host         string
	AltHosts     []string
	NamedModel   string
	DefaultModel string
	VisionModel  string
	Temperature  *float64
	Timeout      time.Duration
	ProbeTimeout time.Duration
}

const (
	DefaultOllamaHost   = "http://localhost:11434"
	DefaultNamedModel   = "sxudo"
	DefaultModel        = "llama3"
	DefaultVisionModel  = "llava"
	defaultOllamaPort   = 11434
	defaultTimeoutSecs  = 60
	defaultProbeSeconds = 3
)

func loadOllamaConfig() (OllamaConfig, error) {
	host := getEnvOrDefault("OLLAMA_HOST", DefaultOllamaHost)
	port, err := parseOptionalIntEnv("OLLAMA_PORT")
	if err != nil {
		return OllamaConfig{}, err
	}
	if port != nil {
		host = JoinHostPort(host, *port)
	}

	temperature, err := parseOptionalFloatEnv("OLLAMA_TEMPERATURE")
	if err != nil {
		return OllamaConfig{}, err
	}

	timeout, err := parseSecondsEnv("OLLAMA_TIMEOUT", defaultTimeoutSecs)
	if err != nil {
		return OllamaConfig{}, err
	}

	probe, err := parseSecondsEnv("OLLAMA_PROBE_TIMEOUT", defaultProbeSeconds)
	if err != nil {
		return OllamaConfig{}, err
	}

	alt := "http://127.0.0.1:11434,http://0.0.0.0:11434"
	if raw, ok := os.LookupEnv("OLLAMA_ALT_HOSTS"); ok {
		alt = raw
	}

	return OllamaConfig{
		Host:         NormalizeHost(host),
		AltHosts:     splitHosts(alt),
		NamedModel:   getEnvOrDefault("OLLAMA_NAMED_MODEL", getEnvOrDefault("MODEL_NAME", DefaultNamedModel)),
		DefaultModel: getEnvOrDefault("OLLAMA_MODEL", DefaultModel),
		VisionModel:  getEnvOrDefault("OLLAMA_VISION_MODEL", DefaultVisionModel),
		Temperature:  temperature,
		Timeout:      timeout,
		ProbeTimeout: probe,
	}, nil
}

// NormalizeHost returns a base URL with scheme and without trailing slash.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return strings.TrimRight(host, "/")
}

// JoinHostPort combines a host (with or without scheme) and a port into a base URL.
// A port already present in host is replaced; a path is kept.
func JoinHostPort(host string, port int) string {
	base := NormalizeHost(host)
	if base == "" {
		return ""
	}
	if port <= 0 {
		port = defaultOllamaPort
	}

	u, err := url.Parse(base)
	if err != nil || u.Hostname() == "" {
		return base
	}
	u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
	return u.String()
}

// HasPort reports whether the host part of a base URL carries an explicit port.
func HasPort(host string) bool {
	u, err := url.Parse(NormalizeHost(host))
	return err == nil && u.Port() != ""
}

func splitHosts(raw string) []string {
	var hosts []string
	for _, part := range strings.Split(raw, ",") {
		if host := NormalizeHost(part); host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts
}

// AIConfig 描述远程大模型（Ark）相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Timeout     time.Duration
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: set ARK_API_KEY + ARK_MODEL or an AK/SK pair")
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

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	var timeout *time.Duration
	if c.Timeout > 0 {
		val := c.Timeout
		timeout = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
		Timeout:     timeout,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	timeout, err := parseSecondsEnv("ARK_TIMEOUT", defaultTimeoutSecs)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
		Timeout:     timeout,
	}, nil
}

// MemoryConfig 描述会话记忆文件配置。
type MemoryConfig struct {
	File          string
	MaxHistory    int
	MaxImageBytes int64
}

const (
	DefaultMemoryFile    = "sxudo_memory.json"
	DefaultMaxHistory    = 5
	DefaultMaxImageBytes = 10 << 20
)

func loadMemoryConfig() (MemoryConfig, error) {
	maxHistory := DefaultMaxHistory
	if override, err := parseOptionalIntEnv("MEMORY_MAX_HISTORY"); err != nil {
		return MemoryConfig{}, err
	} else if override != nil {
		if *override < 1 {
			maxHistory = 1
		} else {
			maxHistory = *override
		}
	}

	maxImage := int64(DefaultMaxImageBytes)
	if override, err := parseOptionalIntEnv("MAX_IMAGE_BYTES"); err != nil {
		return MemoryConfig{}, err
	} else if override != nil && *override > 0 {
		maxImage = int64(*override)
	}

	return MemoryConfig{
		File:          getEnvOrDefault("MEMORY_FILE", DefaultMemoryFile),
		MaxHistory:    maxHistory,
		MaxImageBytes: maxImage,
	}, nil
}

// LogConfig 描述日志输出配置。
type LogConfig struct {
	Level  string
	Pretty bool
	File   string
}

func loadLogConfig() (LogConfig, error) {
	pretty, err := parseBoolEnv("LOG_PRETTY", true)
	if err != nil {
		return LogConfig{}, err
	}

	return LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Pretty: pretty,
		File:   strings.TrimSpace(os.Getenv("LOG_FILE")),
	}, nil
}

// RateLimitConfig 描述聊天接口的限流配置，RPS <= 0 表示关闭。
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

func loadRateLimitConfig() (RateLimitConfig, error) {
	rps, err := parseOptionalFloatEnv("RATE_LIMIT_RPS")
	if err != nil {
		return RateLimitConfig{}, err
	}
	burst, err := parseOptionalIntEnv("RATE_LIMIT_BURST")
	if err != nil {
		return RateLimitConfig{}, err
	}

	cfg := RateLimitConfig{Burst: 5}
	if rps != nil {
		cfg.RPS = *rps
	}
	if burst != nil && *burst > 0 {
		cfg.Burst = *burst
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseSecondsEnv(key string, defaultSeconds int) (time.Duration, error) {
	seconds, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if seconds == nil || *seconds <= 0 {
		return time.Duration(defaultSeconds) * time.Second, nil
	}
	return time.Duration(*seconds) * time.Second, nil
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
