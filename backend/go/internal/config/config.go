package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RedisConfig 定义了 Redis 的连接配置。用于 "events pending" 广播和 worker 池就绪状态镜像。
type RedisConfig struct {
	Address  string `yaml:"address"`  // Redis 服务器地址 (例如: "localhost:6379")
	Password string `yaml:"password"` // Redis 密码
	DB       int    `yaml:"db"`       // Redis 数据库编号
}

// MySQLConfig 定义了 MySQL 的连接配置。应用注册表 (emit 授权、订阅关系) 存在这里。
type MySQLConfig struct {
	Address         string `yaml:"address"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	MaxOpenConns    int    `yaml:"maxOpenConns"`
	MaxIdleConns    int    `yaml:"maxIdleConns"`
	ConnMaxLifetime int    `yaml:"connMaxLifetime"` // 连接最大生命周期 (秒)
}

// MinIOConfig 定义了对象存储配置，用于为 worker 生成内容的签名 URL。
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`    // 内容所在的存储桶
	Secure    bool   `yaml:"secure"`    // 是否使用HTTPS
	URLExpiry string `yaml:"urlExpiry"` // 签名 URL 的有效期，例如 "15m"
}

// MongoConfig 定义了 MongoDB 的连接配置。任务、事件与回执都存放在 MongoDB 中。
type MongoConfig struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// EtcdConfig 定义了 Etcd 服务注册的连接配置。
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
}

// KafkaConfig 定义了 Kafka 的连接配置。每种队列对应一个主题。
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	TopicPrefix string   `yaml:"topicPrefix"` // 主题前缀，例如 "foreman."
	GroupID     string   `yaml:"groupID"`
	LogTopic    string   `yaml:"logTopic"` // worker 日志行写入的主题
}

// DatabaseConfigs 包含所有外部存储的配置。
type DatabaseConfigs struct {
	Redis   RedisConfig `yaml:"redis"`
	MySQL   MySQLConfig `yaml:"mysql"`
	MinIO   MinIOConfig `yaml:"minio"`
	MongoDB MongoConfig `yaml:"mongodb"`
	Etcd    EtcdConfig  `yaml:"etcd"`
	Kafka   KafkaConfig `yaml:"kafka"`
}

// AppInfo 对应 'app' 部分，包含应用程序的基本信息。
type AppInfo struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// LoggerConfig 定义了日志记录器的配置。
type LoggerConfig struct {
	Level string `yaml:"level"` // 日志级别 (例如: "info", "debug", "warn", "error")
}

// ServerConfig 定义了对外监听的地址。
type ServerConfig struct {
	HTTPAddress      string `yaml:"httpAddress"`
	GRPCAddress      string `yaml:"grpcAddress"`
	AdvertiseAddress string `yaml:"advertiseAddress"` // 注册到 etcd 的地址
	RegistryTTL      int64  `yaml:"registryTTL"`      // etcd 租约时长 (秒)
}

// AuthConfig 用于校验 worker-manager 与运维调用方的 JWT。
type AuthConfig struct {
	JwtSecret string `yaml:"jwtSecret"`
}

// OrchestratorConfig 定义了编排器的队列与调度参数。
type OrchestratorConfig struct {
	QueueBackend      string `yaml:"queueBackend"` // "kafka" 或 "memory"
	QueueBuffer       int    `yaml:"queueBuffer"`  // memory 队列的缓冲大小
	EventWorkers      int    `yaml:"eventWorkers"`
	DispatchWorkers   int    `yaml:"dispatchWorkers"`
	RetryWorkers      int    `yaml:"retryWorkers"`
	SweepInterval     string `yaml:"sweepInterval"`
	SweepBatch        int    `yaml:"sweepBatch"`
	StaleTaskAfter    string `yaml:"staleTaskAfter"` // created 任务到期多久仍未开始即被清扫器补发
	MaxAttempts       int    `yaml:"maxAttempts"`
	DefaultRetryDelay string `yaml:"defaultRetryDelay"`
}

// PoolExecConfig 是 get_worker_exec_config 回调返回给 worker-manager 的单个池配置。
type PoolExecConfig struct {
	Concurrency    int               `yaml:"concurrency" json:"concurrency"`
	MemoryMB       int               `yaml:"memoryMB" json:"memoryMB"`
	TimeoutSeconds int               `yaml:"timeoutSeconds" json:"timeoutSeconds"`
	Env            map[string]string `yaml:"env" json:"env,omitempty"`
}

// WorkerChannelConfig 定义了 worker 通道的参数。
type WorkerChannelConfig struct {
	RequestTimeout  string                    `yaml:"requestTimeout"`
	PingInterval    string                    `yaml:"pingInterval"`
	MaxMessageBytes int64                     `yaml:"maxMessageBytes"`
	ReadinessTTL    string                    `yaml:"readinessTTL"`
	Pools           map[string]PoolExecConfig `yaml:"pools"`
	HTTPWorkers     map[string]string         `yaml:"httpWorkers"` // handlerID -> 常驻 HTTP worker 的 base URL
	PollInterval    string                    `yaml:"pollInterval"`
}

// Docker 认证方式。
const (
	DockerAuthNone   = "none"
	DockerAuthBasic  = "basic"
	DockerAuthBearer = "bearer"
)

// DockerAuthConfig 是一个按 Type 区分的认证配置。
type DockerAuthConfig struct {
	Type     string `yaml:"type"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
}

// DockerConfig 定义了容器运行时控制 API 的访问方式，Endpoint 与 SocketPath 二选一。
type DockerConfig struct {
	Endpoint   string           `yaml:"endpoint"`
	SocketPath string           `yaml:"socketPath"`
	APIVersion string           `yaml:"apiVersion"`
	Timeout    string           `yaml:"timeout"`
	Auth       DockerAuthConfig `yaml:"auth"`
	ResultDir  string           `yaml:"resultDir"` // 容器内结果文件所在目录
	// Handlers 把 handlerID 映射到镜像与启动命令。
	Handlers map[string]DockerHandlerConfig `yaml:"handlers"`
}

// DockerHandlerConfig 描述一个以容器方式运行的 handler。
type DockerHandlerConfig struct {
	Image string            `yaml:"image"`
	Cmd   []string          `yaml:"cmd"`
	Env   map[string]string `yaml:"env"`
}

// AppConfig 是整个 YAML 文件的根结构。
type AppConfig struct {
	App           AppInfo             `yaml:"app"`
	Logger        LoggerConfig        `yaml:"logger"`
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Databases     DatabaseConfigs     `yaml:"databases"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	WorkerChannel WorkerChannelConfig `yaml:"workerChannel"`
	Docker        DockerConfig        `yaml:"docker"`
	Middleware    MiddlewareConfig    `yaml:"middleware"`
	Registry      RegistryConfig      `yaml:"registry"`
}

// EmitGrantConfig 允许 emitter 发出匹配 keys 的事件。
type EmitGrantConfig struct {
	Emitter string   `yaml:"emitter"`
	Keys    []string `yaml:"keys"`
}

// SubscriptionConfig 描述一个订阅者对某类事件的处理方式。
type SubscriptionConfig struct {
	Subscriber    string                 `yaml:"subscriber"`
	Key           string                 `yaml:"key"` // 支持 glob，例如 "billing:*"
	HandlerKind   string                 `yaml:"handlerKind"`
	HandlerID     string                 `yaml:"handlerId"`
	Description   string                 `yaml:"description"`
	InputDefaults map[string]interface{} `yaml:"inputDefaults"`
}

// RegistryConfig 决定应用注册表的来源。backend 为 "mysql" 时从数据库读取，
// 为 "static" 时使用这里列出的授权与订阅。
type RegistryConfig struct {
	Backend       string               `yaml:"backend"`
	CacheSize     int                  `yaml:"cacheSize"`
	CacheTTL      string               `yaml:"cacheTTL"`
	Grants        []EmitGrantConfig    `yaml:"grants"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// MiddlewareConfig 包含所有中间件的配置。
type MiddlewareConfig struct {
	RateLimiter    RateLimiterConfig    `yaml:"rateLimiter"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// RateLimiterConfig 定义了令牌桶限流器的配置。
type RateLimiterConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Rate     float64 `yaml:"rate"` // 每秒速率
	Capacity int     `yaml:"capacity"`
}

// CircuitBreakerConfig 定义了熔断器的配置。
type CircuitBreakerConfig struct {
	Enabled          bool   `yaml:"enabled"`
	FailureThreshold uint32 `yaml:"failureThreshold"`
	SuccessThreshold uint32 `yaml:"successThreshold"`
	Timeout          string `yaml:"timeout"` // 例如: "30s"
}

// Default 返回一份带默认值的配置，LoadConfig 会在其基础上覆盖。
func Default() *AppConfig {
	return &AppConfig{
		App:    AppInfo{Name: "foreman", Environment: "development"},
		Logger: LoggerConfig{Level: "info"},
		Server: ServerConfig{
			HTTPAddress: ":8080",
			GRPCAddress: ":9090",
			RegistryTTL: 10,
		},
		Databases: DatabaseConfigs{
			MongoDB: MongoConfig{Address: "mongodb://localhost:27017", Database: "foreman"},
			Kafka:   KafkaConfig{TopicPrefix: "foreman.", GroupID: "foreman-orchestrator", LogTopic: "foreman.job_logs"},
			MinIO:   MinIOConfig{URLExpiry: "15m"},
		},
		Orchestrator: OrchestratorConfig{
			QueueBackend:      "kafka",
			QueueBuffer:       256,
			EventWorkers:      4,
			DispatchWorkers:   8,
			RetryWorkers:      1,
			SweepInterval:     "5s",
			SweepBatch:        100,
			StaleTaskAfter:    "1m",
			MaxAttempts:       3,
			DefaultRetryDelay: "10s",
		},
		WorkerChannel: WorkerChannelConfig{
			RequestTimeout:  "30s",
			PingInterval:    "20s",
			MaxMessageBytes: 8 << 20,
			ReadinessTTL:    "60s",
			PollInterval:    "1s",
		},
		Docker: DockerConfig{
			SocketPath: "/var/run/docker.sock",
			APIVersion: "v1.43",
			Timeout:    "30s",
			Auth:       DockerAuthConfig{Type: DockerAuthNone},
			ResultDir:  "/tmp/foreman",
		},
		Middleware: MiddlewareConfig{
			CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, Timeout: "30s"},
		},
		Registry: RegistryConfig{Backend: "static", CacheSize: 1024, CacheTTL: "30s"},
	}
}

// LoadConfig 函数从指定路径加载并解析 YAML 配置文件，未填写的字段保留默认值。
func LoadConfig(path string) (*AppConfig, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("无法读取 YAML 文件 '%s': %w", path, err)
	}
	cfg := Default()
	if err = yaml.Unmarshal(yamlFile, cfg); err != nil {
		return nil, fmt.Errorf("解析 YAML 文件失败: %w", err)
	}
	ApplyEnv(cfg)
	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return cfg, nil
}

// Validate 拒绝相互矛盾的配置。
func (c *AppConfig) Validate() error {
	var errs []error
	switch c.Docker.Auth.Type {
	case "", DockerAuthNone:
	case DockerAuthBasic:
		if c.Docker.Auth.Username == "" {
			errs = append(errs, errors.New("docker.auth.type=basic 需要 username"))
		}
	case DockerAuthBearer:
		if c.Docker.Auth.Token == "" {
			errs = append(errs, errors.New("docker.auth.type=bearer 需要 token"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 docker.auth.type: %q", c.Docker.Auth.Type))
	}
	for id, h := range c.Docker.Handlers {
		if h.Image == "" {
			errs = append(errs, fmt.Errorf("docker.handlers.%s 缺少 image", id))
		}
	}
	if c.Docker.Endpoint != "" && c.Docker.SocketPath != "" {
		errs = append(errs, errors.New("docker.endpoint 与 docker.socketPath 只能设置一个"))
	}
	switch c.Orchestrator.QueueBackend {
	case "kafka", "memory":
	default:
		errs = append(errs, fmt.Errorf("未知的 orchestrator.queueBackend: %q", c.Orchestrator.QueueBackend))
	}
	switch c.Registry.Backend {
	case "mysql", "static":
	default:
		errs = append(errs, fmt.Errorf("未知的 registry.backend: %q", c.Registry.Backend))
	}
	for i, sub := range c.Registry.Subscriptions {
		if sub.Subscriber == "" || sub.Key == "" || sub.HandlerID == "" {
			errs = append(errs, fmt.Errorf("registry.subscriptions[%d] 需要 subscriber、key 与 handlerId", i))
		}
	}
	if c.Orchestrator.MaxAttempts < 1 {
		errs = append(errs, errors.New("orchestrator.maxAttempts 至少为 1"))
	}
	for name, s := range map[string]string{
		"orchestrator.sweepInterval":     c.Orchestrator.SweepInterval,
		"orchestrator.defaultRetryDelay": c.Orchestrator.DefaultRetryDelay,
		"orchestrator.staleTaskAfter":    c.Orchestrator.StaleTaskAfter,
		"workerChannel.requestTimeout":   c.WorkerChannel.RequestTimeout,
		"docker.timeout":                 c.Docker.Timeout,
	} {
		if _, err := time.ParseDuration(s); err != nil {
			errs = append(errs, fmt.Errorf("%s 不是合法的时长: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Duration 解析时长字符串，为空或非法时返回 def。
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
