package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config.yaml in the working directory. Environment variables use the
// SLIDE_SVC prefix with underscores (e.g. SLIDE_SVC_SERVER_PORT) and take
// precedence over file values. Returns a populated Config or an error if
// loading or validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SLIDE_SVC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; everything can come from the env.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers default values so a minimal environment still
// yields a runnable configuration. The scheduler limits are the product
// limits and should not normally be raised.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5003)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("scheduler.max_running", 2)
	v.SetDefault("scheduler.max_waiting", 5)
	v.SetDefault("scheduler.cancel_grace", 5*time.Second)

	v.SetDefault("storage.shared_slides_bucket", "kb-slide-shared")
	v.SetDefault("storage.personal_slides_bucket", "kb-slide-personal")
	v.SetDefault("storage.shared_infographic_bucket", "kb-infographic-shared")
	v.SetDefault("storage.personal_infographic_bucket", "kb-infographic-personal")
	v.SetDefault("storage.presign_expiry", time.Hour)

	v.SetDefault("generation.gemini_model", "gemini-2.0-flash")
	v.SetDefault("generation.image_model", "dall-e-3")
	v.SetDefault("generation.invoke_timeout", 10*time.Minute)
	v.SetDefault("generation.work_dir", "data/temp")

	// Keys without meaningful defaults still need registering so that
	// AutomaticEnv picks them up during Unmarshal.
	v.SetDefault("database.url", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("generation.gemini_api_key", "")
	v.SetDefault("generation.openai_api_key", "")
}
