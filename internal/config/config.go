package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	AppName       string `env:"APP_NAME" envDefault:"enq"`
	APIAddr       string `env:"API_ADDR" envDefault:":8088"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	// API_THROTTLE=bySecond:20,byMinute:600
	APIThrottle map[string]int `env:"API_THROTTLE" envKeyValSeparator:":"`

	Log        LogConfig        `envPrefix:"LOG_"`
	Task       TaskConfig       `envPrefix:"TASK_"`
	Correlator CorrelatorConfig `envPrefix:"CORRELATOR_"`
	Cache      CacheConfig      `envPrefix:"CACHE_"`
	Connector  ConnectorConfig  `envPrefix:"CONNECTOR_"`
	Promoter   PromoterConfig   `envPrefix:"PROMOTER_"`
}

type LogConfig struct {
	Level       string   `env:"LEVEL" envDefault:"info"`
	Format      string   `env:"FORMAT" envDefault:"console"`
	Outputs     []string `env:"OUTPUTS" envDefault:"stdout"`
	Development bool     `env:"DEVELOPMENT"`

	RotateMaxSizeMB  int  `env:"ROTATE_MAX_SIZE_MB" envDefault:"50"`
	RotateMaxBackups int  `env:"ROTATE_MAX_BACKUPS" envDefault:"3"`
	RotateMaxAgeDays int  `env:"ROTATE_MAX_AGE_DAYS" envDefault:"28"`
	RotateCompress   bool `env:"ROTATE_COMPRESS" envDefault:"true"`
}

// TaskConfig holds the bounds and per-origin defaults used by the policy
// resolver. All durations are whole seconds.
type TaskConfig struct {
	TimeoutDefault int `env:"TIMEOUT_DEFAULT" envDefault:"30"`
	TimeoutMin     int `env:"TIMEOUT_MIN" envDefault:"1"`
	TimeoutMax     int `env:"TIMEOUT_MAX" envDefault:"3600"`

	APITimeoutDefault int `env:"API_TIMEOUT_DEFAULT" envDefault:"30"`
	APITimeoutMax     int `env:"API_TIMEOUT_MAX" envDefault:"180"`

	ExpiresDefault int `env:"EXPIRES_DEFAULT" envDefault:"900"`
	ExpiresMin     int `env:"EXPIRES_MIN" envDefault:"1"`
	ExpiresMax     int `env:"EXPIRES_MAX" envDefault:"86400"`

	QueueDirect      int `env:"QUEUE_DIRECT" envDefault:"1"`
	QueueSyncAPI     int `env:"QUEUE_SYNC_API" envDefault:"1"`
	QueueAsyncAPI    int `env:"QUEUE_ASYNC_API" envDefault:"2"`
	QueueCronJob     int `env:"QUEUE_CRON_JOB" envDefault:"3"`
	QueueAPIAuth     int `env:"QUEUE_API_AUTH" envDefault:"1"`
	QueueConnector   int `env:"QUEUE_CONNECTOR" envDefault:"4"`
	QueueIntegration int `env:"QUEUE_INTEGRATION" envDefault:"1"`
}

type CorrelatorConfig struct {
	Topic   string        `env:"TOPIC" envDefault:"task:response"`
	MaxWait time.Duration `env:"MAX_WAIT" envDefault:"180s"`
	Grace   time.Duration `env:"GRACE" envDefault:"3s"`
}

type CacheConfig struct {
	LocalCapacity int           `env:"LOCAL_CAPACITY" envDefault:"1000"`
	LocalMaxAge   time.Duration `env:"LOCAL_MAX_AGE" envDefault:"5s"`
}

type ConnectorConfig struct {
	LeaderTTL     time.Duration `env:"LEADER_TTL" envDefault:"15s"`
	CheckInterval time.Duration `env:"CHECK_INTERVAL" envDefault:"3s"`
	IdleBackoff   time.Duration `env:"IDLE_BACKOFF" envDefault:"1s"`
}

type PromoterConfig struct {
	Interval time.Duration `env:"INTERVAL" envDefault:"1s"`
	Batch    int64         `env:"BATCH" envDefault:"200"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}
