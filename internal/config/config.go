package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	commoncfg "vizora-realtime/common/config"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config vizora-realtime（设备实时连接网关）配置
type Config struct {
	InstanceID string

	HTTP struct {
		Addr           string
		AllowedOrigins []string
	}

	Auth struct {
		DeviceJWTSecret string
		UserJWTSecret   string
	}

	// Internal 内部推送接口（其它服务调用），未配置密钥时不启用
	Internal struct {
		APISecret string
	}

	DBEnabled bool
	Database  commoncfg.DatabaseConfig
	Redis     commoncfg.RedisConfig

	MQTT struct {
		Enabled bool
		commoncfg.MQTTConfig
		TopicPrefix string
	}

	Storage struct {
		Enabled bool
		commoncfg.S3Config
	}

	Realtime struct {
		HeartbeatInterval time.Duration
		CacheSize         int64
		AutoUpdate        bool

		RateLimit struct {
			MaxConnections int
			Window         time.Duration
		}

		StatusOnlineTTL  time.Duration
		StatusOfflineTTL time.Duration
		CommandTTL       time.Duration
		PlaylistCacheTTL time.Duration

		Notification struct {
			OfflineDelay  time.Duration
			MarkerTTL     time.Duration
			CheckInterval time.Duration
		}

		Screenshot struct {
			MaxBytes int
		}

		HealthCheckInterval time.Duration
		HealthFailThreshold int
	}

	ErrorTracking struct {
		WebhookURL string
	}

	Log struct {
		Level  string
		Format string
	}
}

var ErrInvalidAddr = errors.New("invalid listen address")

// Load 从环境变量加载配置（默认值见 setDefaults）
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile 先读取可选的配置文件，再由环境变量覆盖
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	cfg.InstanceID = v.GetString("INSTANCE_ID")
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	cfg.HTTP.Addr = v.GetString("HTTP_ADDR")
	cfg.HTTP.AllowedOrigins = splitList(v.GetString("CORS_ORIGIN"))

	cfg.Auth.DeviceJWTSecret = v.GetString("DEVICE_JWT_SECRET")
	cfg.Auth.UserJWTSecret = v.GetString("JWT_SECRET")
	cfg.Internal.APISecret = v.GetString("INTERNAL_API_SECRET")

	cfg.DBEnabled = v.GetBool("DB_ENABLED")
	cfg.Database.Host = v.GetString("DB_HOST")
	cfg.Database.Port = v.GetInt("DB_PORT")
	cfg.Database.User = v.GetString("DB_USER")
	cfg.Database.Password = v.GetString("DB_PASSWORD")
	cfg.Database.Database = v.GetString("DB_NAME")
	cfg.Database.SSLMode = v.GetString("DB_SSLMODE")
	cfg.Database.MaxConns = v.GetInt("DB_MAX_CONNS")
	cfg.Database.MaxIdle = v.GetInt("DB_MAX_IDLE")

	cfg.Redis.Addr = v.GetString("REDIS_ADDR")
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = v.GetInt("REDIS_DB")
	cfg.Redis.MaxRetries = v.GetInt("REDIS_MAX_RETRIES")
	cfg.Redis.MinRetryBackoff = v.GetDuration("REDIS_MIN_RETRY_BACKOFF")
	cfg.Redis.MaxRetryBackoff = v.GetDuration("REDIS_MAX_RETRY_BACKOFF")

	cfg.MQTT.Enabled = v.GetBool("MQTT_ENABLED")
	cfg.MQTT.Broker = v.GetString("MQTT_BROKER")
	cfg.MQTT.ClientID = v.GetString("MQTT_CLIENT_ID")
	cfg.MQTT.Username = v.GetString("MQTT_USERNAME")
	cfg.MQTT.Password = v.GetString("MQTT_PASSWORD")
	cfg.MQTT.QoS = byte(v.GetInt("MQTT_QOS"))
	cfg.MQTT.TopicPrefix = v.GetString("MQTT_TOPIC_PREFIX")

	cfg.Storage.Enabled = v.GetBool("STORAGE_ENABLED")
	cfg.Storage.Endpoint = v.GetString("MINIO_ENDPOINT")
	cfg.Storage.Region = v.GetString("MINIO_REGION")
	cfg.Storage.Bucket = v.GetString("MINIO_BUCKET")
	cfg.Storage.AccessKey = v.GetString("MINIO_ACCESS_KEY")
	cfg.Storage.SecretKey = v.GetString("MINIO_SECRET_KEY")
	cfg.Storage.UsePathStyle = v.GetBool("MINIO_PATH_STYLE")
	cfg.Storage.PresignExpires = v.GetDuration("SCREENSHOT_URL_EXPIRES")

	cfg.Realtime.HeartbeatInterval = v.GetDuration("HEARTBEAT_INTERVAL")
	cfg.Realtime.CacheSize = v.GetInt64("DEVICE_CACHE_SIZE")
	cfg.Realtime.AutoUpdate = v.GetBool("DEVICE_AUTO_UPDATE")
	cfg.Realtime.RateLimit.MaxConnections = v.GetInt("RATE_LIMIT_MAX_CONNECTIONS")
	cfg.Realtime.RateLimit.Window = v.GetDuration("RATE_LIMIT_WINDOW")
	cfg.Realtime.StatusOnlineTTL = v.GetDuration("STATUS_ONLINE_TTL")
	cfg.Realtime.StatusOfflineTTL = v.GetDuration("STATUS_OFFLINE_TTL")
	cfg.Realtime.CommandTTL = v.GetDuration("COMMAND_TTL")
	cfg.Realtime.PlaylistCacheTTL = v.GetDuration("PLAYLIST_CACHE_TTL")
	cfg.Realtime.Notification.OfflineDelay = v.GetDuration("OFFLINE_NOTIFY_DELAY")
	cfg.Realtime.Notification.MarkerTTL = v.GetDuration("OFFLINE_MARKER_TTL")
	cfg.Realtime.Notification.CheckInterval = v.GetDuration("NOTIFY_CHECK_INTERVAL")
	cfg.Realtime.Screenshot.MaxBytes = v.GetInt("SCREENSHOT_MAX_BYTES")
	cfg.Realtime.HealthCheckInterval = v.GetDuration("HEALTH_CHECK_INTERVAL")
	cfg.Realtime.HealthFailThreshold = v.GetInt("HEALTH_FAIL_THRESHOLD")

	cfg.ErrorTracking.WebhookURL = v.GetString("ERROR_WEBHOOK_URL")

	cfg.Log.Level = v.GetString("LOG_LEVEL")
	cfg.Log.Format = v.GetString("LOG_FORMAT")

	if err := validateAddr(cfg.HTTP.Addr); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":3002")
	v.SetDefault("CORS_ORIGIN", "*")

	v.SetDefault("DB_ENABLED", true)
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "vizora")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE", 5)

	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_MAX_RETRIES", 10)
	v.SetDefault("REDIS_MIN_RETRY_BACKOFF", 50*time.Millisecond)
	v.SetDefault("REDIS_MAX_RETRY_BACKOFF", 2*time.Second)

	v.SetDefault("MQTT_ENABLED", false)
	v.SetDefault("MQTT_BROKER", "tcp://localhost:1883")
	v.SetDefault("MQTT_CLIENT_ID", "vizora-realtime")
	v.SetDefault("MQTT_QOS", 1)
	v.SetDefault("MQTT_TOPIC_PREFIX", "vizora/push")

	v.SetDefault("STORAGE_ENABLED", true)
	v.SetDefault("MINIO_ENDPOINT", "http://localhost:9000")
	v.SetDefault("MINIO_REGION", "us-east-1")
	v.SetDefault("MINIO_BUCKET", "vizora-assets")
	v.SetDefault("MINIO_PATH_STYLE", true)
	v.SetDefault("SCREENSHOT_URL_EXPIRES", 7*24*time.Hour)

	v.SetDefault("HEARTBEAT_INTERVAL", 15*time.Second)
	v.SetDefault("DEVICE_CACHE_SIZE", int64(524288000)) // 500MB
	v.SetDefault("DEVICE_AUTO_UPDATE", true)
	v.SetDefault("RATE_LIMIT_MAX_CONNECTIONS", 10)
	v.SetDefault("RATE_LIMIT_WINDOW", 60*time.Second)
	v.SetDefault("STATUS_ONLINE_TTL", 60*time.Second)
	v.SetDefault("STATUS_OFFLINE_TTL", 24*time.Hour)
	v.SetDefault("COMMAND_TTL", 5*time.Minute)
	v.SetDefault("PLAYLIST_CACHE_TTL", time.Hour)
	v.SetDefault("OFFLINE_NOTIFY_DELAY", 2*time.Minute)
	v.SetDefault("OFFLINE_MARKER_TTL", 5*time.Minute)
	v.SetDefault("NOTIFY_CHECK_INTERVAL", 30*time.Second)
	v.SetDefault("SCREENSHOT_MAX_BYTES", 2*1024*1024)
	v.SetDefault("HEALTH_CHECK_INTERVAL", 10*time.Second)
	v.SetDefault("HEALTH_FAIL_THRESHOLD", 3)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

func validateAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidAddr, addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("%w: port %q", ErrInvalidAddr, port)
	}
	return nil
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
