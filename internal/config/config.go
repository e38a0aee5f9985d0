// Package config 提供了沙箱执行引擎的配置管理功能。
// 该包负责从 YAML 配置文件加载配置，并支持通过环境变量覆盖运行参数与敏感配置项（如密码和密钥）。
// 配置包含了服务器、引擎、包缓存、对象存储、KV、网络策略、日志、指标和遥测等多个方面的设置。
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/edgejs/internal/domain"
	"gopkg.in/yaml.v3"
)

// Config 是应用程序的主配置结构体，包含所有子系统的配置。
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server"`
	// Engine 执行引擎配置（上下文池、超时、内存上限等）
	Engine EngineConfig `yaml:"engine"`
	// Cache 函数包本地缓存配置
	Cache CacheConfig `yaml:"cache"`
	// ObjectStore 函数包对象存储配置
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	// Storage 存储配置，包括 PostgreSQL 和 Redis 连接信息
	Storage StorageConfig `yaml:"storage"`
	// KV 租户 KV 配置
	KV KVConfig `yaml:"kv"`
	// Network 出站网络策略配置
	Network NetworkConfig `yaml:"network"`
	// Trust 上游可信客户端 IP 令牌配置
	Trust TrustConfig `yaml:"trust"`
	// Tenants 静态租户配置（API Key 哈希、环境变量）
	Tenants map[string]TenantConfig `yaml:"tenants"`
	// Events 事件配置，包括 NATS 消息队列连接信息
	Events EventsConfig `yaml:"events"`
	// Logging 日志配置，包括日志级别和格式
	Logging LoggingConfig `yaml:"logging"`
	// Metrics 指标配置，用于 Prometheus 监控
	Metrics MetricsConfig `yaml:"metrics"`
	// Telemetry 遥测配置，用于分布式追踪
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig 服务器配置结构体。
type ServerConfig struct {
	// HTTPPort 调用 API 端口
	// 默认值：8080
	HTTPPort int `yaml:"http_port"`
	// ShutdownTimeout 优雅关闭超时时间
	// 默认值：30 秒
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxBodyBytes 单个请求体的最大字节数
	// 默认值：6 MiB
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// EngineConfig 执行引擎配置结构体。
type EngineConfig struct {
	// PoolSize 执行上下文池大小，1 表示每次调用都新建并销毁上下文
	// 默认值：16
	PoolSize int `yaml:"pool_size"`
	// QueueSize 池饱和时允许排队等待的调用数
	// 默认值：64
	QueueSize int `yaml:"queue_size"`
	// QueueTimeout 排队等待的最长时间
	// 默认值：5 秒
	QueueTimeout time.Duration `yaml:"queue_timeout"`
	// MemoryLimitMB 单次调用内存上限（MB）
	// 默认值：128
	MemoryLimitMB int `yaml:"memory_limit_mb"`
	// Timeout 单次调用墙钟时间预算
	// 默认值：30 秒
	Timeout time.Duration `yaml:"timeout"`
	// RequireAPIKey 是否强制要求调用携带 API Key
	RequireAPIKey bool `yaml:"require_api_key"`
	// MaxInvocations 单个上下文最多服务的调用次数，达到后销毁
	// 默认值：1000
	MaxInvocations int `yaml:"max_invocations"`
	// MaxIdle 空闲上下文的最长保留时间
	// 默认值：5 分钟
	MaxIdle time.Duration `yaml:"max_idle"`
	// MaxFetchBytes fetch 响应体的最大字节数
	// 默认值：10 MiB
	MaxFetchBytes int64 `yaml:"max_fetch_bytes"`
	// MaxConsoleEntries 单次调用最多捕获的 console 条数
	// 默认值：1000
	MaxConsoleEntries int `yaml:"max_console_entries"`
}

// CacheConfig 函数包缓存配置结构体。
type CacheConfig struct {
	// Dir 缓存根目录
	// 默认值：/var/lib/edgejs/packages
	Dir string `yaml:"dir"`
	// MaxBytes 缓存占用的最大字节数
	// 默认值：2 GiB
	MaxBytes int64 `yaml:"max_bytes"`
	// MinFreeBytes 文件系统剩余空间低于该值时触发淘汰
	// 默认值：512 MiB
	MinFreeBytes int64 `yaml:"min_free_bytes"`
	// EvictionSchedule 后台淘汰的 cron 表达式
	// 默认值：@every 1m
	EvictionSchedule string `yaml:"eviction_schedule"`
	// FetchTimeout 单次下载超时
	// 默认值：60 秒
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// ObjectStoreConfig 对象存储（MinIO/S3 兼容）配置结构体。
type ObjectStoreConfig struct {
	// Endpoint 服务地址，为空时使用本地目录源
	Endpoint string `yaml:"endpoint"`
	// AccessKey 访问密钥
	AccessKey string `yaml:"access_key"`
	// SecretKey 私有密钥，可通过环境变量 EDGEJS_OBJECT_STORE_SECRET_KEY 或 *_FILE 覆盖
	SecretKey string `yaml:"secret_key"`
	// Bucket 存放函数包的桶
	// 默认值：edgejs-packages
	Bucket string `yaml:"bucket"`
	// UseSSL 是否使用 TLS
	UseSSL bool `yaml:"use_ssl"`
	// LocalDir 本地目录源（<dir>/<function>/<version>.tar.gz）
	LocalDir string `yaml:"local_dir"`
}

// StorageConfig 存储配置结构体。
type StorageConfig struct {
	// Postgres PostgreSQL 数据库配置
	Postgres PostgresConfig `yaml:"postgres"`
	// Redis Redis 配置
	Redis RedisConfig `yaml:"redis"`
}

// PostgresConfig PostgreSQL 数据库配置结构体。
type PostgresConfig struct {
	// Host 数据库主机地址，为空表示不启用
	Host string `yaml:"host"`
	// Port 数据库端口号
	Port int `yaml:"port"`
	// Database 数据库名称
	Database string `yaml:"database"`
	// User 数据库用户名
	User string `yaml:"user"`
	// Password 数据库密码，可通过环境变量 EDGEJS_POSTGRES_PASSWORD 或 *_FILE 覆盖
	Password string `yaml:"password"`
	// SSLMode 连接的 sslmode
	// 默认值：disable
	SSLMode string `yaml:"ssl_mode"`
	// MaxConnections 最大连接数
	MaxConnections int `yaml:"max_connections"`
}

// RedisConfig Redis 配置结构体。
type RedisConfig struct {
	// Address Redis 服务器地址，格式为 "host:port"
	Address string `yaml:"address"`
	// Password Redis 密码，可通过环境变量 EDGEJS_REDIS_PASSWORD 或 *_FILE 覆盖
	Password string `yaml:"password"`
	// DB Redis 数据库编号（0-15）
	DB int `yaml:"db"`
}

// KVConfig 租户 KV 配置结构体。
type KVConfig struct {
	// Backend 后端类型：memory、file、redis、postgres
	// 默认值：memory
	Backend string `yaml:"backend"`
	// FilePath file 后端使用的 JSON 文件
	// 默认值：.edgejs/kv.json
	FilePath string `yaml:"file_path"`
	// QuotaBytes 每个租户的 KV 配额（字节）
	// 默认值：1 MiB
	QuotaBytes int64 `yaml:"quota_bytes"`
	// SweepSchedule 过期清理的 cron 表达式
	// 默认值：@every 1m
	SweepSchedule string `yaml:"sweep_schedule"`
	// OpTimeout 单次 KV 操作超时
	// 默认值：5 秒
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// NetworkConfig 出站网络策略配置结构体。
type NetworkConfig struct {
	// DefaultPolicy 租户没有任何规则时的默认策略：allow 或 deny
	// 默认值：allow
	DefaultPolicy string `yaml:"default_policy"`
	// RuleCacheTTL 规则缓存有效期（仅对数据库规则源生效）
	// 默认值：30 秒
	RuleCacheTTL time.Duration `yaml:"rule_cache_ttl"`
	// Rules 静态规则，键为租户 ID
	Rules map[string][]domain.NetworkRule `yaml:"rules"`
}

// TrustConfig 可信客户端 IP 令牌配置结构体。
type TrustConfig struct {
	// TokenSecret HS256 密钥，可通过环境变量 EDGEJS_TRUST_TOKEN_SECRET 或 *_FILE 覆盖
	TokenSecret string `yaml:"token_secret"`
	// TokenHeader 携带令牌的请求头
	// 默认值：X-Edge-Client-Token
	TokenHeader string `yaml:"token_header"`
	// TenantHeader 携带租户 ID 的请求头
	// 默认值：X-Edge-Tenant
	TenantHeader string `yaml:"tenant_header"`
	// APIKeyHeader 携带 API Key 的请求头
	// 默认值：X-API-Key
	APIKeyHeader string `yaml:"api_key_header"`
}

// TenantConfig 静态租户配置结构体。
type TenantConfig struct {
	// APIKeyHashes 允许的 API Key 的 SHA-256 哈希
	APIKeyHashes []string `yaml:"api_key_hashes"`
	// Env 暴露给 process.env 的变量
	Env map[string]string `yaml:"env"`
	// KVQuotaBytes 覆盖全局 KV 配额，0 表示使用全局值
	KVQuotaBytes int64 `yaml:"kv_quota_bytes"`
}

// EventsConfig 事件配置结构体。
type EventsConfig struct {
	// NatsURL NATS 消息服务器 URL，为空表示不发布事件
	NatsURL string `yaml:"nats_url"`
}

// LoggingConfig 日志配置结构体。
type LoggingConfig struct {
	// Level 日志级别，可选值：debug、info、warn、error
	Level string `yaml:"level"`
	// Format 日志格式，可选值：json、text
	Format string `yaml:"format"`
}

// MetricsConfig 指标配置结构体。
type MetricsConfig struct {
	// Enabled 是否启用指标收集
	Enabled bool `yaml:"enabled"`
	// Namespace 指标命名空间前缀
	// 默认值：edgejs
	Namespace string `yaml:"namespace"`
}

// TelemetryConfig 遥测配置结构体。
type TelemetryConfig struct {
	// Enabled 是否启用遥测
	Enabled bool `yaml:"enabled"`
	// Endpoint OTLP gRPC 端点地址
	// 默认值：tempo:4317
	Endpoint string `yaml:"endpoint"`
	// ServiceName 服务名称
	// 默认值：edgejs
	ServiceName string `yaml:"service_name"`
	// SampleRate 采样率，范围 0.0 到 1.0
	// 默认值：0.1
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 环境标识
	// 默认值：development
	Environment string `yaml:"environment"`
}

// Load 从指定路径加载配置文件。
// 该函数会读取 YAML 配置文件，应用默认值，并处理环境变量覆盖。
//
// 参数：
//   - path: 配置文件的路径
//
// 返回值：
//   - *Config: 加载并处理后的配置对象
//   - error: 如果读取或解析失败则返回错误
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Default 返回仅由默认值与环境变量构成的配置，供没有配置文件的本地模式使用。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

// MemoryLimitBytes 返回单次调用的内存上限（字节）。
func (c *EngineConfig) MemoryLimitBytes() int64 {
	return int64(c.MemoryLimitMB) << 20
}

// DefaultAllow 表示租户没有规则时是否放行。
func (c *NetworkConfig) DefaultAllow() bool {
	return !strings.EqualFold(c.DefaultPolicy, "deny")
}

// applyEnvOverrides 应用环境变量覆盖。
// 运行参数直接读取 EDGEJS_* 环境变量；敏感配置项同时支持 *_FILE 后缀指定的文件路径，
// _FILE 方式优先级更高，适用于 Docker Secrets 等场景。
func (c *Config) applyEnvOverrides() {
	if v := readEnv("EDGEJS_CACHE_DIR"); v != "" {
		c.Cache.Dir = v
	}
	if n, ok := readEnvInt64("EDGEJS_CACHE_MAX_BYTES"); ok {
		c.Cache.MaxBytes = n
	}
	if n, ok := readEnvInt64("EDGEJS_POOL_SIZE"); ok && n > 0 {
		c.Engine.PoolSize = int(n)
	}
	if n, ok := readEnvInt64("EDGEJS_MEMORY_LIMIT_MB"); ok && n > 0 {
		c.Engine.MemoryLimitMB = int(n)
	}
	if v := readEnv("EDGEJS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Engine.Timeout = d
		}
	}
	if v := readEnv("EDGEJS_REQUIRE_API_KEY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Engine.RequireAPIKey = b
		}
	}
	if v := readEnv("EDGEJS_NETWORK_DEFAULT_POLICY"); v != "" {
		c.Network.DefaultPolicy = strings.ToLower(v)
	}
	if v := readEnv("EDGEJS_KV_BACKEND"); v != "" {
		c.KV.Backend = v
	}

	// 敏感配置项：支持通过 *_FILE（推荐）或直接环境变量设置
	if v := readEnvOrFileAny(
		[]string{"EDGEJS_POSTGRES_PASSWORD"},
		[]string{"EDGEJS_POSTGRES_PASSWORD_FILE"},
	); v != "" {
		c.Storage.Postgres.Password = v
	}
	if v := readEnvOrFileAny(
		[]string{"EDGEJS_REDIS_PASSWORD"},
		[]string{"EDGEJS_REDIS_PASSWORD_FILE"},
	); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := readEnvOrFileAny(
		[]string{"EDGEJS_OBJECT_STORE_SECRET_KEY"},
		[]string{"EDGEJS_OBJECT_STORE_SECRET_KEY_FILE"},
	); v != "" {
		c.ObjectStore.SecretKey = v
	}
	if v := readEnvOrFileAny(
		[]string{"EDGEJS_TRUST_TOKEN_SECRET"},
		[]string{"EDGEJS_TRUST_TOKEN_SECRET_FILE"},
	); v != "" {
		c.Trust.TokenSecret = v
	}
}

func readEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func readEnvInt64(key string) (int64, bool) {
	v := readEnv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// readEnvOrFileAny 从环境变量或文件读取配置值。
// 优先从 fileKeys 指定的文件路径读取，如果文件不存在或读取失败，
// 则从 envKeys 指定的环境变量读取。
//
// 参数：
//   - envKeys: 直接存储值的环境变量名（按优先级从高到低）
//   - fileKeys: 存储文件路径的环境变量名（按优先级从高到低）
//
// 返回值：
//   - string: 读取到的配置值，如果都未设置则返回空字符串
func readEnvOrFileAny(envKeys []string, fileKeys []string) string {
	for _, fileKey := range fileKeys {
		if filePath := strings.TrimSpace(os.Getenv(fileKey)); filePath != "" {
			if b, err := os.ReadFile(filePath); err == nil {
				return strings.TrimSpace(string(b))
			}
		}
	}

	for _, envKey := range envKeys {
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			return v
		}
	}

	return ""
}

// applyDefaults 应用默认配置值。
func (c *Config) applyDefaults() {
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 6 << 20
	}
	// 引擎默认值
	if c.Engine.PoolSize <= 0 {
		c.Engine.PoolSize = 16
	}
	if c.Engine.QueueSize < 0 {
		c.Engine.QueueSize = 0
	} else if c.Engine.QueueSize == 0 {
		c.Engine.QueueSize = 64
	}
	if c.Engine.QueueTimeout == 0 {
		c.Engine.QueueTimeout = 5 * time.Second
	}
	if c.Engine.MemoryLimitMB <= 0 {
		c.Engine.MemoryLimitMB = 128
	}
	if c.Engine.Timeout == 0 {
		c.Engine.Timeout = 30 * time.Second
	}
	if c.Engine.MaxInvocations == 0 {
		c.Engine.MaxInvocations = 1000
	}
	if c.Engine.MaxIdle == 0 {
		c.Engine.MaxIdle = 5 * time.Minute
	}
	if c.Engine.MaxFetchBytes == 0 {
		c.Engine.MaxFetchBytes = 10 << 20
	}
	if c.Engine.MaxConsoleEntries == 0 {
		c.Engine.MaxConsoleEntries = 1000
	}
	// 缓存默认值
	if c.Cache.Dir == "" {
		c.Cache.Dir = "/var/lib/edgejs/packages"
	}
	if c.Cache.MaxBytes == 0 {
		c.Cache.MaxBytes = 2 << 30
	}
	if c.Cache.MinFreeBytes == 0 {
		c.Cache.MinFreeBytes = 512 << 20
	}
	if c.Cache.EvictionSchedule == "" {
		c.Cache.EvictionSchedule = "@every 1m"
	}
	if c.Cache.FetchTimeout == 0 {
		c.Cache.FetchTimeout = 60 * time.Second
	}
	if c.ObjectStore.Bucket == "" {
		c.ObjectStore.Bucket = "edgejs-packages"
	}
	if c.Storage.Postgres.Port == 0 {
		c.Storage.Postgres.Port = 5432
	}
	if c.Storage.Postgres.SSLMode == "" {
		c.Storage.Postgres.SSLMode = "disable"
	}
	if c.Storage.Postgres.MaxConnections == 0 {
		c.Storage.Postgres.MaxConnections = 20
	}
	// KV 默认值
	if c.KV.Backend == "" {
		c.KV.Backend = "memory"
	}
	if c.KV.FilePath == "" {
		c.KV.FilePath = ".edgejs/kv.json"
	}
	if c.KV.QuotaBytes == 0 {
		c.KV.QuotaBytes = 1 << 20
	}
	if c.KV.SweepSchedule == "" {
		c.KV.SweepSchedule = "@every 1m"
	}
	if c.KV.OpTimeout == 0 {
		c.KV.OpTimeout = 5 * time.Second
	}
	if c.Network.DefaultPolicy == "" {
		c.Network.DefaultPolicy = "allow"
	}
	if c.Network.RuleCacheTTL == 0 {
		c.Network.RuleCacheTTL = 30 * time.Second
	}
	if c.Trust.TokenHeader == "" {
		c.Trust.TokenHeader = "X-Edge-Client-Token"
	}
	if c.Trust.TenantHeader == "" {
		c.Trust.TenantHeader = "X-Edge-Tenant"
	}
	if c.Trust.APIKeyHeader == "" {
		c.Trust.APIKeyHeader = "X-API-Key"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "edgejs"
	}
	// 遥测默认值
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "edgejs"
	}
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "tempo:4317"
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 0.1
	}
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = "development"
	}
}
