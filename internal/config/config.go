package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/aucontraire/chronovista-core/internal/domain/model"
)

// Config aggregates every collaborator's settings, loaded once at
// startup and passed down read-only to the composition root.
type Config struct {
	Server   ServerConfig
	Cache    CacheConfig
	RemoteAPI RemoteAPIConfig
	Database DatabaseConfig
	Redis    RedisConfig
	MinIO    MinIOConfig
	RabbitMQ RabbitMQConfig
}

// ServerConfig configures the health/metrics HTTP server — not a business
// API façade, just /healthz and /metrics for operators.
type ServerConfig struct {
	Port            int           `envconfig:"HEALTH_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"HEALTH_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"HEALTH_WRITE_TIMEOUT" default:"10s"`
	ShutdownTimeout time.Duration `envconfig:"HEALTH_SHUTDOWN_TIMEOUT" default:"10s"`
}

// CacheConfig configures the on-disk image cache and the shared Rate
// Governor bounds used by both the Warm Pipeline and the Enrichment
// Coordinator.
type CacheConfig struct {
	CacheRoot      string        `envconfig:"CACHE_ROOT" default:"/var/lib/chronovista-core/cache"`
	ExportDir      string        `envconfig:"EXPORT_DIR" default:"/var/lib/chronovista-core/exports"`
	ChannelsDir    string        `envconfig:"CACHE_CHANNELS_DIR" default:"channels"`
	VideosDir      string        `envconfig:"CACHE_VIDEOS_DIR" default:"videos"`
	RequestTimeout time.Duration `envconfig:"CACHE_REQUEST_TIMEOUT" default:"10s"`
	MaxRetries     int           `envconfig:"CACHE_MAX_RETRIES" default:"3"`
	BackoffBase    time.Duration `envconfig:"CACHE_BACKOFF_BASE" default:"500ms"`
	BackoffCap     time.Duration `envconfig:"CACHE_BACKOFF_CAP" default:"30s"`
	UserAgent      string        `envconfig:"CACHE_USER_AGENT" default:"chronovista-core/1.0"`
	DefaultQuality string        `envconfig:"CACHE_DEFAULT_QUALITY" default:"mqdefault"`
}

// Model converts CacheConfig into the domain's model.CacheConfig, the
// shape every infrastructure component actually consumes.
func (c CacheConfig) Model() (model.CacheConfig, error) {
	quality, err := model.ParseQuality(c.DefaultQuality)
	if err != nil {
		return model.CacheConfig{}, fmt.Errorf("config: %w", err)
	}
	return model.CacheConfig{
		CacheRoot:      c.CacheRoot,
		ChannelsDir:    c.ChannelsDir,
		VideosDir:      c.VideosDir,
		RequestTimeout: c.RequestTimeout,
		MaxRetries:     c.MaxRetries,
		BackoffBase:    c.BackoffBase,
		BackoffCap:     c.BackoffCap,
		UserAgent:      c.UserAgent,
		DefaultQuality: quality,
	}, nil
}

// RemoteAPIConfig configures the YouTube Data API v3 client.
type RemoteAPIConfig struct {
	APIKey         string        `envconfig:"YOUTUBE_API_KEY" required:"true"`
	UserAgent      string        `envconfig:"CACHE_USER_AGENT" default:"chronovista-core/1.0"`
	RequestTimeout time.Duration `envconfig:"CACHE_REQUEST_TIMEOUT" default:"10s"`
	BaseURL        string        `envconfig:"YOUTUBE_API_BASE_URL"`
}

type DatabaseConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" default:"chronovista"`
	Password string `envconfig:"POSTGRES_PASSWORD" default:"chronovista"`
	DBName   string `envconfig:"POSTGRES_DB" default:"chronovista"`
	SSLMode  string `envconfig:"POSTGRES_SSLMODE" default:"disable"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// RedisConfig configures the read-through cache decorator in front of
// Storage.GetEntityByID.
type RedisConfig struct {
	Addr     string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string        `envconfig:"REDIS_PASSWORD" default:""`
	DB       int           `envconfig:"REDIS_DB" default:"0"`
	TTL      time.Duration `envconfig:"REDIS_CACHE_TTL" default:"5m"`
}

// MinIOConfig configures the optional off-box image mirror.
type MinIOConfig struct {
	Endpoint  string `envconfig:"MINIO_ENDPOINT" default:"localhost:9000"`
	AccessKey string `envconfig:"MINIO_ACCESS_KEY" default:"minioadmin"`
	SecretKey string `envconfig:"MINIO_SECRET_KEY" default:"minioadmin"`
	Bucket    string `envconfig:"MINIO_BUCKET" default:"chronovista-images"`
	UseSSL    bool   `envconfig:"MINIO_USE_SSL" default:"false"`
	Enabled   bool   `envconfig:"MINIO_ENABLED" default:"false"`
}

// RabbitMQConfig configures the optional batch-completion event publisher.
type RabbitMQConfig struct {
	Host    string `envconfig:"RABBITMQ_HOST" default:"localhost"`
	Port    int    `envconfig:"RABBITMQ_PORT" default:"5672"`
	User    string `envconfig:"RABBITMQ_USER" default:"chronovista"`
	Password string `envconfig:"RABBITMQ_PASSWORD" default:"chronovista"`
	VHost   string `envconfig:"RABBITMQ_VHOST" default:"/"`
	Enabled bool   `envconfig:"RABBITMQ_ENABLED" default:"false"`
}

func (c RabbitMQConfig) URL() string {
	return fmt.Sprintf(
		"amqp://%s:%s@%s:%d%s",
		c.User, c.Password, c.Host, c.Port, c.VHost,
	)
}

// Load reads configuration from the environment, applying defaults for
// everything except RemoteAPI.APIKey.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
