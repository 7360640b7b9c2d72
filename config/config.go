// Package config loads service configuration with viper and owns the shared
// infrastructure handles: the Postgres connection, the Redis client, and the
// MinIO client. Every backing service is optional; the service degrades to
// local-only operation when one is not configured.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/edulab-ai/model-service/logger"
)

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// DatabaseConfig holds the Postgres settings.
type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RedisConfig holds the Redis cache settings.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// MinIOConfig holds the object-storage settings for checkpoint mirroring.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// EmbeddingConfig holds the embedding-service client settings.
type EmbeddingConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// TrainingConfig holds the orchestrator defaults.
type TrainingConfig struct {
	ModelDir     string   `mapstructure:"model_dir"`
	MetricsDir   string   `mapstructure:"metrics_dir"`
	LogDir       string   `mapstructure:"log_dir"`
	EnsembleDir  string   `mapstructure:"ensemble_dir"`
	MaxVersions  int      `mapstructure:"max_versions"`
	MaxEpochs    int      `mapstructure:"max_epochs"`
	BatchSize    int      `mapstructure:"batch_size"`
	LearningRate float64  `mapstructure:"learning_rate"`
	EvalInterval int      `mapstructure:"eval_interval"`
	Patience     int      `mapstructure:"patience"`
	MinDelta     float64  `mapstructure:"min_delta"`
	Scheduler    string   `mapstructure:"scheduler"`
	WorldSize    int      `mapstructure:"world_size"`
	Subjects     []string `mapstructure:"subjects"`
}

// AuthConfig holds the JWT settings.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Secret  string `mapstructure:"secret"`
	Issuer  string `mapstructure:"issuer"`
}

// Config is the full service configuration plus the initialized clients.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MinIO     MinIOConfig     `mapstructure:"minio"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Training  TrainingConfig  `mapstructure:"training"`
	Auth      AuthConfig      `mapstructure:"auth"`

	DB          *gorm.DB      `mapstructure:"-"`
	RedisClient *redis.Client `mapstructure:"-"`
	MinIOClient *minio.Client `mapstructure:"-"`
}

// Load reads configuration from the given file (optional) and MODEL_SERVICE_*
// environment variables, then initializes the configured backing services.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MODEL_SERVICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.initDatabase(); err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	if err := cfg.initRedis(); err != nil {
		return nil, fmt.Errorf("initialize redis: %w", err)
	}
	if err := cfg.initMinIO(); err != nil {
		return nil, fmt.Errorf("initialize minio: %w", err)
	}

	logger.Infof("configuration loaded (db=%v redis=%v minio=%v)",
		cfg.DB != nil, cfg.RedisClient != nil, cfg.MinIOClient != nil)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("redis.ttl", time.Minute)
	v.SetDefault("minio.bucket", "model-checkpoints")
	v.SetDefault("embedding.timeout", 10*time.Second)
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("training.model_dir", "data/models")
	v.SetDefault("training.metrics_dir", "data/metrics")
	v.SetDefault("training.log_dir", "data/logs")
	v.SetDefault("training.ensemble_dir", "data/ensembles")
	v.SetDefault("training.max_versions", 3)
	v.SetDefault("training.max_epochs", 50)
	v.SetDefault("training.batch_size", 32)
	v.SetDefault("training.learning_rate", 1e-3)
	v.SetDefault("training.eval_interval", 5)
	v.SetDefault("training.patience", 5)
	v.SetDefault("training.min_delta", 1e-4)
	v.SetDefault("training.scheduler", "cosine")
	v.SetDefault("training.world_size", 2)
	v.SetDefault("training.subjects", []string{"math", "science", "language", "history", "arts"})
	v.SetDefault("auth.issuer", "edulab")
}

// initDatabase connects Postgres with pooled connections and migrates the job
// table. An empty DSN disables persistence.
func (c *Config) initDatabase() error {
	if c.Database.DSN == "" {
		logger.Warnf("no database DSN configured, job persistence disabled")
		return nil
	}

	db, err := gorm.Open(postgres.Open(c.Database.DSN), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get database handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(c.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(c.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&TrainingJobRecord{}); err != nil {
		return fmt.Errorf("auto-migrate schema: %w", err)
	}

	c.DB = db
	return nil
}

// initRedis connects the cache client. An empty address means the in-memory
// cache backend is used instead.
func (c *Config) initRedis() error {
	if c.Redis.Addr == "" {
		logger.Warnf("no redis address configured, using in-memory cache")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	c.RedisClient = client
	return nil
}

// initMinIO connects object storage for checkpoint mirroring. An empty
// endpoint disables mirroring.
func (c *Config) initMinIO() error {
	if c.MinIO.Endpoint == "" {
		logger.Warnf("no minio endpoint configured, checkpoint mirroring disabled")
		return nil
	}

	client, err := minio.New(c.MinIO.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.MinIO.AccessKey, c.MinIO.SecretKey, ""),
		Secure: c.MinIO.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("create minio client: %w", err)
	}

	c.MinIOClient = client
	return nil
}

// Close releases all backing connections.
func (c *Config) Close() {
	if c.DB != nil {
		if sqlDB, err := c.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if c.RedisClient != nil {
		c.RedisClient.Close()
	}
}
