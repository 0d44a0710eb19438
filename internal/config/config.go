package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/viper"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"

	EventBackendRedis = "redis"
	EventBackendKafka = "kafka"
	EventBackendNone  = "none"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Kafka    KafkaConfig    `json:"kafka"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env                 string        `json:"env"`                   // 运行环境: local / prod
	LogLevel            string        `json:"log_level"`             // 日志级别: debug / info / warn / error
	HTTPAddr            string        `json:"http_addr"`             // API 服务监听地址
	MonitorInterval     time.Duration `json:"monitor_interval"`      // 两轮扫描之间的间隔（如 "1h"）
	MonitorStartupDelay time.Duration `json:"monitor_startup_delay"` // 启动后首轮扫描前的等待（如 "5s"）
	SnapshotCacheTTL    time.Duration `json:"snapshot_cache_ttl"`    // 设置与费率快照在 Redis 中的缓存时间
	ItemBatchSize       int           `json:"item_batch_size"`       // 扫描时分批读取商品的大小
	EventBackend        string        `json:"event_backend"`         // 决策事件后端: redis / kafka / none
	EventStream         string        `json:"event_stream"`          // Redis Stream 名称
	NotifyWorkers       int           `json:"notify_workers"`        // 通知 worker 数量
	NotifyQueueSize     int           `json:"notify_queue_size"`     // 通知队列容量
	AlertDedupWindow    time.Duration `json:"alert_dedup_window"`    // 同一商品同一目标决策的提醒去重窗口
	AlertRatePerMinute  float64       `json:"alert_rate_per_minute"` // 提醒邮件发送速率（<= 0 不限速）
	AlertBurst          float64       `json:"alert_burst"`           // 提醒邮件突发容量
}

// DatabaseConfig 数据库配置。
type DatabaseConfig struct {
	Driver string `json:"driver"` // mysql / postgres
	DSN    string `json:"dsn"`    // 数据库连接字符串
}

// RedisConfig Redis 配置，Addr 为空表示不使用 Redis。
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
}

// KafkaConfig Kafka 事件配置。
type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	AlertTo   string `json:"alert_to"` // 决策变化提醒的接收邮箱
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret string `json:"jwt_secret"` // 与外部身份服务共享的 HS256 密钥
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
// 环境变量总是优先于文件。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载或校验失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	var cfg *Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg = getDefaultConfig()
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		cfg = &Config{}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		applyDefaults(cfg)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:                 "local",
			LogLevel:            "info",
			HTTPAddr:            ":8081",
			MonitorInterval:     time.Hour,
			MonitorStartupDelay: 5 * time.Second,
			SnapshotCacheTTL:    30 * time.Second,
			ItemBatchSize:       500,
			EventBackend:        EventBackendRedis,
			EventStream:         "profitwatch:decision:events",
			NotifyWorkers:       2,
			NotifyQueueSize:     256,
			AlertDedupWindow:    6 * time.Hour,
			AlertRatePerMinute:  20,
			AlertBurst:          5,
		},
		Database: DatabaseConfig{
			Driver: DriverMySQL,
			DSN:    "root:password@tcp(localhost:3306)/profitwatch?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Kafka: KafkaConfig{
			Topic: "profitwatch.decision.events",
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Security: SecurityConfig{
			JWTSecret: "dev_secret_change_me",
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.MonitorInterval == 0 {
		cfg.App.MonitorInterval = defaults.App.MonitorInterval
	}
	if cfg.App.MonitorStartupDelay == 0 {
		cfg.App.MonitorStartupDelay = defaults.App.MonitorStartupDelay
	}
	if cfg.App.SnapshotCacheTTL == 0 {
		cfg.App.SnapshotCacheTTL = defaults.App.SnapshotCacheTTL
	}
	if cfg.App.ItemBatchSize == 0 {
		cfg.App.ItemBatchSize = defaults.App.ItemBatchSize
	}
	if cfg.App.EventBackend == "" {
		cfg.App.EventBackend = defaults.App.EventBackend
	}
	if cfg.App.EventStream == "" {
		cfg.App.EventStream = defaults.App.EventStream
	}
	if cfg.App.NotifyWorkers == 0 {
		cfg.App.NotifyWorkers = defaults.App.NotifyWorkers
	}
	if cfg.App.NotifyQueueSize == 0 {
		cfg.App.NotifyQueueSize = defaults.App.NotifyQueueSize
	}
	if cfg.App.AlertDedupWindow == 0 {
		cfg.App.AlertDedupWindow = defaults.App.AlertDedupWindow
	}
	if cfg.App.AlertRatePerMinute == 0 {
		cfg.App.AlertRatePerMinute = defaults.App.AlertRatePerMinute
	}
	if cfg.App.AlertBurst == 0 {
		cfg.App.AlertBurst = defaults.App.AlertBurst
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = defaults.Database.Driver
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == DriverMySQL {
		cfg.Database.DSN = defaults.Database.DSN
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = defaults.Kafka.Topic
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
}

func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.AutomaticEnv()

	_ = v.BindEnv("db_host", "DB_HOST")
	_ = v.BindEnv("db_password", "DB_PASSWORD")
	_ = v.BindEnv("redis_addr", "REDIS_ADDR")
	_ = v.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = v.BindEnv("smtp_pass", "SMTP_PASS")
	_ = v.BindEnv("jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("kafka_brokers", "KAFKA_BROKERS")

	if s := os.Getenv("APP_ENV"); s != "" {
		cfg.App.Env = s
	}
	if s := os.Getenv("APP_LOG_LEVEL"); s != "" {
		cfg.App.LogLevel = s
	}
	if s := os.Getenv("APP_HTTP_ADDR"); s != "" {
		cfg.App.HTTPAddr = s
	}
	// 兼容旧部署使用的整数秒写法
	if s := os.Getenv("MONITOR_INTERVAL_SECONDS"); s != "" {
		if i, err := strconv.Atoi(s); err == nil && i > 0 {
			cfg.App.MonitorInterval = time.Duration(i) * time.Second
		}
	}
	if s := os.Getenv("APP_MONITOR_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			cfg.App.MonitorInterval = d
		}
	}
	if s := os.Getenv("APP_MONITOR_STARTUP_DELAY"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			cfg.App.MonitorStartupDelay = d
		}
	}
	if s := os.Getenv("APP_SNAPSHOT_CACHE_TTL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			cfg.App.SnapshotCacheTTL = d
		}
	}
	if s := os.Getenv("APP_ITEM_BATCH_SIZE"); s != "" {
		if i, err := strconv.Atoi(s); err == nil {
			cfg.App.ItemBatchSize = i
		}
	}
	if s := os.Getenv("APP_EVENT_BACKEND"); s != "" {
		cfg.App.EventBackend = strings.ToLower(strings.TrimSpace(s))
	}
	if s := os.Getenv("APP_EVENT_STREAM"); s != "" {
		cfg.App.EventStream = s
	}
	if s := os.Getenv("APP_NOTIFY_WORKERS"); s != "" {
		if i, err := strconv.Atoi(s); err == nil {
			cfg.App.NotifyWorkers = i
		}
	}
	if s := os.Getenv("APP_NOTIFY_QUEUE"); s != "" {
		if i, err := strconv.Atoi(s); err == nil {
			cfg.App.NotifyQueueSize = i
		}
	}

	if s := os.Getenv("APP_ALERT_DEDUP_WINDOW"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			cfg.App.AlertDedupWindow = d
		}
	}
	if s := os.Getenv("APP_ALERT_RATE_PER_MINUTE"); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			cfg.App.AlertRatePerMinute = f
		}
	}

	if s := v.GetString("jwt_secret"); s != "" {
		cfg.Security.JWTSecret = s
	}

	if s := os.Getenv("DB_DRIVER"); s != "" {
		cfg.Database.Driver = strings.ToLower(strings.TrimSpace(s))
	}
	if s := os.Getenv("DB_DSN"); s != "" {
		cfg.Database.DSN = s
	} else if cfg.Database.Driver == DriverMySQL &&
		(hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || v.GetString("db_host") != "" || v.GetString("db_password") != "") {
		parsed := parseMySQLDSN(cfg.Database.DSN)
		if s := v.GetString("db_host"); s != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = s + ":" + port
		} else if s := os.Getenv("DB_PORT"); s != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + s
		}
		if s := os.Getenv("DB_USER"); s != "" {
			parsed.User = s
		}
		if s := v.GetString("db_password"); s != "" {
			parsed.Passwd = s
		}
		if s := os.Getenv("DB_NAME"); s != "" {
			parsed.DBName = s
		}
		cfg.Database.DSN = parsed.FormatDSN()
	}

	if s := v.GetString("redis_addr"); s != "" {
		cfg.Redis.Addr = s
	}
	if s := v.GetString("redis_password"); s != "" {
		cfg.Redis.Password = s
	}

	if s := v.GetString("kafka_brokers"); s != "" {
		cfg.Kafka.Brokers = splitList(s)
	}
	if s := os.Getenv("KAFKA_TOPIC"); s != "" {
		cfg.Kafka.Topic = s
	}

	if s := os.Getenv("SMTP_HOST"); s != "" {
		cfg.Email.SMTPHost = s
	}
	if s := os.Getenv("SMTP_PORT"); s != "" {
		if i, err := strconv.Atoi(s); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if s := os.Getenv("SMTP_USER"); s != "" {
		cfg.Email.SMTPUser = s
	}
	if s := v.GetString("smtp_pass"); s != "" {
		cfg.Email.SMTPPass = s
	}
	if s := os.Getenv("SMTP_FROM"); s != "" {
		cfg.Email.FromEmail = s
	}
	if s := os.Getenv("ALERT_EMAIL"); s != "" {
		cfg.Email.AlertTo = s
	}
}

// validate 检查跨字段约束。
func validate(cfg *Config) error {
	switch cfg.Database.Driver {
	case DriverMySQL:
		if _, err := mysql.ParseDSN(cfg.Database.DSN); err != nil {
			return fmt.Errorf("invalid mysql dsn: %w", err)
		}
	case DriverPostgres:
		if cfg.Database.DSN == "" {
			return fmt.Errorf("postgres driver requires DB_DSN")
		}
		if _, err := pgx.ParseConfig(cfg.Database.DSN); err != nil {
			return fmt.Errorf("invalid postgres dsn: %w", err)
		}
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	switch cfg.App.EventBackend {
	case EventBackendRedis, EventBackendNone:
	case EventBackendKafka:
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka event backend requires KAFKA_BROKERS")
		}
	default:
		return fmt.Errorf("unsupported event backend %q", cfg.App.EventBackend)
	}

	if cfg.App.MonitorInterval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}
	if cfg.App.MonitorStartupDelay < 0 {
		return fmt.Errorf("monitor startup delay must not be negative")
	}
	return nil
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseMySQLDSN(dsn string) *mysql.Config {
	if dsn != "" {
		if parsed, err := mysql.ParseDSN(dsn); err == nil {
			return parsed
		}
	}
	cfg := mysql.NewConfig()
	cfg.User = "root"
	cfg.Net = "tcp"
	cfg.Addr = "localhost:3306"
	cfg.DBName = "profitwatch"
	cfg.ParseTime = true
	return cfg
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		MonitorInterval     string `json:"monitor_interval"`
		MonitorStartupDelay string `json:"monitor_startup_delay"`
		SnapshotCacheTTL    string `json:"snapshot_cache_ttl"`
		AlertDedupWindow    string `json:"alert_dedup_window"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	durations := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{aux.MonitorInterval, "monitor_interval", &a.MonitorInterval},
		{aux.MonitorStartupDelay, "monitor_startup_delay", &a.MonitorStartupDelay},
		{aux.SnapshotCacheTTL, "snapshot_cache_ttl", &a.SnapshotCacheTTL},
		{aux.AlertDedupWindow, "alert_dedup_window", &a.AlertDedupWindow},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}
