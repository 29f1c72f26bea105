package conf

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/minio"
	"github.com/lk2023060901/filevault-backend/internal/pkg/ratelimit"
	"github.com/lk2023060901/filevault-backend/internal/pkg/redis"
	"github.com/spf13/viper"
)

const megabyte = 1024 * 1024

// 后端选择
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMinIO  = "minio"
	BackendBadger = "badger"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  database.Config `mapstructure:"database"`
	Redis     redis.Config    `mapstructure:"redis"`
	MinIO     minio.Config    `mapstructure:"minio"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Lock      LockConfig      `mapstructure:"lock"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       logger.Config   `mapstructure:"log"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	Mode            string        `mapstructure:"mode"` // gin mode: debug, release, test
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig 选择 blob 后端
type StorageConfig struct {
	Backend string       `mapstructure:"backend"` // minio | badger | memory
	Badger  BadgerConfig `mapstructure:"badger"`
}

type BadgerConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

type UploadConfig struct {
	MaxFileSizeMB    int    `mapstructure:"max_file_size_mb"`
	SpoolMemoryBytes int64  `mapstructure:"spool_memory_bytes"` // 超过后落盘
	SpoolDir         string `mapstructure:"spool_dir"`          // 空则使用系统临时目录
}

type QuotaConfig struct {
	LimitMB int `mapstructure:"limit_mb"`
}

type RateLimitConfig struct {
	Backend       string `mapstructure:"backend"` // memory | redis
	MaxCalls      int    `mapstructure:"max_calls"`
	WindowSeconds int    `mapstructure:"window_seconds"`
}

type LockConfig struct {
	Backend     string        `mapstructure:"backend"` // memory | redis
	TTL         time.Duration `mapstructure:"ttl"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

type SweeperConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Cron 非空时优先于 Interval
	Cron        string        `mapstructure:"cron"`
	Interval    time.Duration `mapstructure:"interval"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
	BatchSize   int           `mapstructure:"batch_size"`
	Workers     int           `mapstructure:"workers"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTIssuer string        `mapstructure:"jwt_issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// LoadConfig reads an optional YAML file, then applies environment overrides.
// Nested keys map to env vars with "." replaced by "_" (DATABASE_DRIVER).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 兼容原有的环境变量名
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// legacyEnv 配置键到环境变量名（新名在前）
var legacyEnv = map[string][]string{
	"ratelimit.max_calls":      {"RATELIMIT_MAX_CALLS", "RATE_LIMIT_N_CALLS"},
	"ratelimit.window_seconds": {"RATELIMIT_WINDOW_SECONDS", "RATE_LIMIT_X_SECONDS"},
	"quota.limit_mb":           {"QUOTA_LIMIT_MB", "TOTAL_STORAGE_LIMIT_Z_MB"},
}

func bindLegacyEnv(v *viper.Viper) error {
	for key, envs := range legacyEnv {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	db := database.DefaultConfig()
	v.SetDefault("database.driver", db.Driver)
	v.SetDefault("database.host", db.Host)
	v.SetDefault("database.port", db.Port)
	v.SetDefault("database.user", db.User)
	v.SetDefault("database.password", db.Password)
	v.SetDefault("database.dbname", db.DBName)
	v.SetDefault("database.sslmode", db.SSLMode)
	v.SetDefault("database.sqlite_path", db.SQLitePath)
	v.SetDefault("database.maxidleconns", db.MaxIdleConns)
	v.SetDefault("database.maxopenconns", db.MaxOpenConns)
	v.SetDefault("database.connmaxlifetime", db.ConnMaxLifetime)
	v.SetDefault("database.connmaxidletime", db.ConnMaxIdleTime)
	v.SetDefault("database.loglevel", db.LogLevel)
	v.SetDefault("database.slowthreshold", db.SlowThreshold)
	v.SetDefault("database.preparestmt", db.PrepareStmt)
	v.SetDefault("database.timezone", db.Timezone)
	v.SetDefault("database.automigrate", db.AutoMigrate)

	rc := redis.DefaultConfig()
	v.SetDefault("redis.mode", string(rc.Mode))
	v.SetDefault("redis.addr", rc.Addr)
	v.SetDefault("redis.sentinel_addrs", []string{})
	v.SetDefault("redis.master_name", "")
	v.SetDefault("redis.cluster_addrs", []string{})
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", rc.DB)
	v.SetDefault("redis.pool_size", rc.PoolSize)
	v.SetDefault("redis.min_idle_conns", rc.MinIdleConns)
	v.SetDefault("redis.dial_timeout", rc.DialTimeout)
	v.SetDefault("redis.read_timeout", rc.ReadTimeout)
	v.SetDefault("redis.write_timeout", rc.WriteTimeout)
	v.SetDefault("redis.pool_timeout", rc.PoolTimeout)
	v.SetDefault("redis.max_retries", rc.MaxRetries)
	v.SetDefault("redis.key_prefix", rc.KeyPrefix)

	mc := minio.DefaultConfig()
	v.SetDefault("minio.endpoint", mc.Endpoint)
	v.SetDefault("minio.access_key_id", "")
	v.SetDefault("minio.secret_access_key", "")
	v.SetDefault("minio.region", "")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket", mc.Bucket)
	v.SetDefault("minio.bucket_lookup", string(mc.BucketLookup))
	v.SetDefault("minio.request_timeout", mc.RequestTimeout)

	v.SetDefault("storage.backend", BackendBadger)
	v.SetDefault("storage.badger.path", "data/blobs")
	v.SetDefault("storage.badger.in_memory", false)

	v.SetDefault("upload.max_file_size_mb", 10)
	v.SetDefault("upload.spool_memory_bytes", 1*megabyte)
	v.SetDefault("upload.spool_dir", "")

	v.SetDefault("quota.limit_mb", 10)

	rl := ratelimit.DefaultConfig()
	v.SetDefault("ratelimit.backend", BackendMemory)
	v.SetDefault("ratelimit.max_calls", rl.MaxCalls)
	v.SetDefault("ratelimit.window_seconds", int(rl.Window/time.Second))

	v.SetDefault("lock.backend", BackendMemory)
	v.SetDefault("lock.ttl", 2*time.Minute)
	v.SetDefault("lock.retry_delay", 20*time.Millisecond)
	v.SetDefault("lock.wait_timeout", 30*time.Second)

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.cron", "")
	v.SetDefault("sweeper.interval", time.Minute)
	v.SetDefault("sweeper.grace_period", 10*time.Minute)
	v.SetDefault("sweeper.batch_size", 100)
	v.SetDefault("sweeper.workers", 4)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_issuer", "filevault-backend")
	v.SetDefault("auth.token_ttl", time.Hour)

	lc := logger.DefaultConfig()
	v.SetDefault("log.level", lc.Level)
	v.SetDefault("log.format", lc.Format)
	v.SetDefault("log.output", lc.Output)
	v.SetDefault("log.enablecaller", lc.EnableCaller)
	v.SetDefault("log.enablestacktrace", lc.EnableStacktrace)
	v.SetDefault("log.file.filename", lc.File.Filename)
	v.SetDefault("log.file.maxsize", lc.File.MaxSize)
	v.SetDefault("log.file.maxage", lc.File.MaxAge)
	v.SetDefault("log.file.maxbackups", lc.File.MaxBackups)
	v.SetDefault("log.file.compress", lc.File.Compress)
}

// Validate checks cross-section consistency
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server port must be between 1 and 65535")
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case BackendMinIO:
		if err := c.MinIO.Validate(); err != nil {
			return err
		}
	case BackendBadger:
		if !c.Storage.Badger.InMemory && c.Storage.Badger.Path == "" {
			return errors.New("storage.badger.path is required unless in_memory is set")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}

	for name, backend := range map[string]string{"ratelimit": c.RateLimit.Backend, "lock": c.Lock.Backend} {
		switch backend {
		case BackendMemory:
		case BackendRedis:
			if err := c.Redis.Validate(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported %s backend %q", name, backend)
		}
	}

	if err := c.RateLimit.Limiter().Validate(); err != nil {
		return err
	}
	if c.Quota.LimitMB <= 0 {
		return errors.New("quota.limit_mb must be > 0")
	}
	if c.Upload.MaxFileSizeMB <= 0 {
		return errors.New("upload.max_file_size_mb must be > 0")
	}
	if c.Upload.SpoolMemoryBytes < 0 {
		return errors.New("upload.spool_memory_bytes must be >= 0")
	}
	if c.Sweeper.Enabled && c.Sweeper.Cron == "" && c.Sweeper.Interval <= 0 {
		return errors.New("sweeper.interval must be > 0")
	}
	return nil
}

// Limiter converts to the limiter parameters
func (r RateLimitConfig) Limiter() ratelimit.Config {
	return ratelimit.Config{
		MaxCalls: r.MaxCalls,
		Window:   time.Duration(r.WindowSeconds) * time.Second,
	}
}

// LimitBytes 每个用户的物理存储配额
func (q QuotaConfig) LimitBytes() int64 {
	return int64(q.LimitMB) * megabyte
}

// MaxFileBytes 单个上传的大小上限
func (u UploadConfig) MaxFileBytes() int64 {
	return int64(u.MaxFileSizeMB) * megabyte
}
