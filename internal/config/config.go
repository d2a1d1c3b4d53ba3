package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// LogConfig controls logger construction
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// AgentConfig is the configuration for the field survey agent
type AgentConfig struct {
	Env         string    `yaml:"env" env:"APP_ENV" env-default:"production"`
	Log         LogConfig `yaml:"log"`
	StoragePath string    `yaml:"storage_path" env:"STORAGE_PATH" env-default:"campoquest.db"`
	AppVersion  string    `yaml:"app_version" env:"APP_VERSION" env-default:"dev"`

	Device struct {
		ID   string `yaml:"id" env:"DEVICE_ID"`
		Name string `yaml:"name" env:"DEVICE_NAME"`
	} `yaml:"device"`

	Backend struct {
		BaseURL   string `yaml:"base_url" env:"BACKEND_BASE_URL" env-default:"http://localhost:8080"`
		AuthToken string `yaml:"auth_token" env:"BACKEND_AUTH_TOKEN"`
		Timeout   int    `yaml:"timeout" env:"BACKEND_TIMEOUT" env-default:"15"` // seconds
	} `yaml:"backend"`

	Capture struct {
		Enabled bool `yaml:"enabled" env:"CAPTURE_ENABLED" env-default:"true"`
		Port    int  `yaml:"port" env:"CAPTURE_PORT" env-default:"8765"`
	} `yaml:"capture"`

	Sync struct {
		TickInterval         int `yaml:"tick_interval" env:"SYNC_TICK_INTERVAL" env-default:"60"`          // seconds
		MaxAttempts          int `yaml:"max_attempts" env:"SYNC_MAX_ATTEMPTS" env-default:"3"`             // drop ceiling
		SubmitTimeout        int `yaml:"submit_timeout" env:"SYNC_SUBMIT_TIMEOUT" env-default:"15"`        // seconds
		ConnectivityInterval int `yaml:"connectivity_interval" env:"CONNECTIVITY_INTERVAL" env-default:"30"` // seconds
	} `yaml:"sync"`

	Location struct {
		Command           string   `yaml:"command" env:"LOCATION_COMMAND" env-default:"termux-location"`
		Args              []string `yaml:"args"`
		AccuracyThreshold float64  `yaml:"accuracy_threshold" env:"ACCURACY_THRESHOLD" env-default:"50"` // meters
		SampleTimeout     int      `yaml:"sample_timeout" env:"SAMPLE_TIMEOUT" env-default:"10"`         // seconds
		MaxAge            int      `yaml:"max_age" env:"SAMPLE_MAX_AGE" env-default:"60"`                // seconds
		HighAccuracy      bool     `yaml:"high_accuracy" env:"HIGH_ACCURACY" env-default:"true"`
	} `yaml:"location"`
}

// ServerConfig is the configuration for the sync server
type ServerConfig struct {
	Env string    `yaml:"env" env:"APP_ENV" env-default:"production"`
	Log LogConfig `yaml:"log"`

	HTTP struct {
		Port         int `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
		ReadTimeout  int `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"15"`   // seconds
		WriteTimeout int `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"15"` // seconds
	} `yaml:"http"`

	Database struct {
		DSN string `yaml:"dsn" env:"DATABASE_DSN" env-required:"true"`
	} `yaml:"database"`

	Redis struct {
		Addr     string `yaml:"addr" env:"REDIS_ADDR"` // empty disables the cache
		Password string `yaml:"password" env:"REDIS_PASS"`
		DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
		TTL      int    `yaml:"ttl" env:"REDIS_TTL" env-default:"300"` // seconds
	} `yaml:"redis"`

	Validation struct {
		AccuracyThreshold float64 `yaml:"accuracy_threshold" env:"ACCURACY_THRESHOLD" env-default:"50"` // meters
	} `yaml:"validation"`
}

// LoadAgentConfig reads the agent configuration from a YAML file with env overrides.
// A missing file falls back to environment variables and defaults.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := read(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadServerConfig reads the server configuration from a YAML file with env overrides
func LoadServerConfig(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := read(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func read(path string, cfg interface{}) error {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return fmt.Errorf("failed to read config %s: %w", path, err)
			}
			return nil
		}
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return fmt.Errorf("failed to read config from environment: %w", err)
	}
	return nil
}
