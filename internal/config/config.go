package config

import (
	"os"
	"strconv"
	"time"

	"wisefido-carelink/common/config"
)

// Config 关系解析与实时聚合服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	Carelink struct {
		// 视图控制事件（Redis Streams）
		EventStream   string // 如 "carelink:events"
		ConsumerGroup string
		ConsumerName  string
		BatchSize     int

		// 关联关系变更对外发布的 stream（为空时不发布）
		RelationshipStream string

		// 视图发布（MQTT 保留消息）
		ViewTopicPrefix string // 如 "carelink/view"
		PublishViews    bool

		// 资料缓存
		ProfileCacheTTL  time.Duration
		ProfileCacheSize int

		// 远端日程结果在 Redis 中的缓存时间（0 表示不缓存）
		ScheduleCacheTTL time.Duration

		ShutdownTimeout time.Duration
	}

	// 外部日程聚合接口
	Aggregation struct {
		URL            string
		Timeout        time.Duration
		MaxAttempts    int
		InitialBackoff time.Duration
		MaxBackoff     time.Duration
	}

	Metrics struct {
		Addr string // 为空时不启动 /metrics
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "owlrd")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 2)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wisefido-carelink")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Carelink.EventStream = getEnv("CARELINK_EVENT_STREAM", "carelink:events")
	cfg.Carelink.ConsumerGroup = getEnv("CARELINK_CONSUMER_GROUP", "carelink-group")
	cfg.Carelink.ConsumerName = getEnv("CARELINK_CONSUMER_NAME", "carelink-1")
	cfg.Carelink.BatchSize = getEnvInt("CARELINK_BATCH_SIZE", 10)
	cfg.Carelink.RelationshipStream = getEnv("CARELINK_RELATIONSHIP_STREAM", "carelink:relationships")
	cfg.Carelink.ViewTopicPrefix = getEnv("CARELINK_VIEW_TOPIC_PREFIX", "carelink/view")
	cfg.Carelink.PublishViews = getEnv("CARELINK_PUBLISH_VIEWS", "true") == "true"
	cfg.Carelink.ProfileCacheTTL = getEnvDuration("CARELINK_PROFILE_CACHE_TTL", 5*time.Minute)
	cfg.Carelink.ProfileCacheSize = getEnvInt("CARELINK_PROFILE_CACHE_SIZE", 1000)
	cfg.Carelink.ScheduleCacheTTL = getEnvDuration("CARELINK_SCHEDULE_CACHE_TTL", 30*time.Second)
	cfg.Carelink.ShutdownTimeout = getEnvDuration("CARELINK_SHUTDOWN_TIMEOUT", 10*time.Second)

	cfg.Aggregation.URL = getEnv("AGGREGATION_URL", "")
	cfg.Aggregation.Timeout = getEnvDuration("AGGREGATION_TIMEOUT", 10*time.Second)
	cfg.Aggregation.MaxAttempts = getEnvInt("AGGREGATION_MAX_ATTEMPTS", 3)
	cfg.Aggregation.InitialBackoff = getEnvDuration("AGGREGATION_INITIAL_BACKOFF", 500*time.Millisecond)
	cfg.Aggregation.MaxBackoff = getEnvDuration("AGGREGATION_MAX_BACKOFF", 5*time.Second)

	cfg.Metrics.Addr = getEnv("METRICS_ADDR", ":9102")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt 非法或非正数时使用默认值
func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

// getEnvDuration 支持 "10s" 形式，也接受纯数字（毫秒）
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
