package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"     validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database"   validate:"required"`
	Auth       AuthConfig       `mapstructure:"auth"       validate:"required"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"  validate:"required"`
	Storage    StorageConfig    `mapstructure:"storage"    validate:"required"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Generation GenerationConfig `mapstructure:"generation" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// AuthConfig contains authentication settings. Tokens are issued by the
// surrounding platform; this service only validates them.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
}

// SchedulerConfig bounds the admission controller. The defaults match the
// product limits: at most 2 generations in flight and 5 tasks waiting.
type SchedulerConfig struct {
	MaxRunning  int           `mapstructure:"max_running"  validate:"required,gt=0"`
	MaxWaiting  int           `mapstructure:"max_waiting"  validate:"required,gt=0"`
	CancelGrace time.Duration `mapstructure:"cancel_grace" validate:"required"`
}

// StorageConfig contains object-storage settings. Four buckets partition
// results by artifact type and document ownership.
type StorageConfig struct {
	Endpoint                  string        `mapstructure:"endpoint"   validate:"required"`
	AccessKey                 string        `mapstructure:"access_key" validate:"required"`
	SecretKey                 string        `mapstructure:"secret_key" validate:"required"`
	UseSSL                    bool          `mapstructure:"use_ssl"`
	SharedSlidesBucket        string        `mapstructure:"shared_slides_bucket"`
	PersonalSlidesBucket      string        `mapstructure:"personal_slides_bucket"`
	SharedInfographicBucket   string        `mapstructure:"shared_infographic_bucket"`
	PersonalInfographicBucket string        `mapstructure:"personal_infographic_bucket"`
	PresignExpiry             time.Duration `mapstructure:"presign_expiry"`
}

// RedisConfig contains settings for the presigned-URL cache. Optional: an
// empty address disables the cache and every download call presigns anew.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// GenerationConfig contains model-integration settings for the invoker.
type GenerationConfig struct {
	GeminiAPIKey  string        `mapstructure:"gemini_api_key" validate:"required"`
	GeminiModel   string        `mapstructure:"gemini_model"   validate:"required"`
	OpenAIAPIKey  string        `mapstructure:"openai_api_key"`
	ImageModel    string        `mapstructure:"image_model"`
	InvokeTimeout time.Duration `mapstructure:"invoke_timeout"`
	WorkDir       string        `mapstructure:"work_dir"`
}
