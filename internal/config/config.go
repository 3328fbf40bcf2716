package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"anpr-monitor/internal/domain/anpr"
)

type Config struct {
	HTTP      HTTPConfig           `mapstructure:"http"`
	Database  DatabaseConfig       `mapstructure:"database"`
	Log       LogConfig            `mapstructure:"log"`
	Workers   WorkersConfig        `mapstructure:"workers"`
	Inference InferenceConfig      `mapstructure:"inference"`
	Notify    NotifyConfig         `mapstructure:"notify"`
	Channels  []anpr.ChannelConfig `mapstructure:"channels"`
}

type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	JWTSecret      string   `mapstructure:"jwt_secret"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type WorkersConfig struct {
	BestShots         int           `mapstructure:"best_shots"`
	CooldownSeconds   int           `mapstructure:"cooldown_seconds"`
	MinConfidence     float64       `mapstructure:"min_confidence"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
	Autostart         bool          `mapstructure:"autostart"`
}

type InferenceConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type NotifyConfig struct {
	QueueSize       int           `mapstructure:"queue_size"`
	PreviewInterval time.Duration `mapstructure:"preview_interval"`
	PreviewQuality  int           `mapstructure:"preview_quality"`
	MQTT            MQTTConfig    `mapstructure:"mqtt"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
	QoS      byte   `mapstructure:"qos"`
}

// Settings returns the worker settings shared by every worker of one start cycle.
func (c *Config) Settings() anpr.WorkerSettings {
	return anpr.WorkerSettings{
		BestShots:       c.Workers.BestShots,
		CooldownSeconds: c.Workers.CooldownSeconds,
		MinConfidence:   c.Workers.MinConfidence,
	}
}

func (c *Config) Validate() error {
	if err := c.Settings().Validate(); err != nil {
		return fmt.Errorf("workers: %w", err)
	}
	if c.Workers.StopTimeout <= 0 {
		return errors.New("workers.stop_timeout must be positive")
	}
	if c.Workers.ReconnectAttempts < 0 {
		return errors.New("workers.reconnect_attempts must be >= 0")
	}
	if err := ValidateChannels(c.Channels); err != nil {
		return err
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Notify.QueueSize <= 0 {
		return errors.New("notify.queue_size must be positive")
	}
	return nil
}

// ValidateChannels checks that every channel has a unique non-empty name and a source.
func ValidateChannels(channels []anpr.ChannelConfig) error {
	seen := make(map[string]struct{}, len(channels))
	for i, ch := range channels {
		name := strings.TrimSpace(ch.Name)
		if name == "" {
			return fmt.Errorf("channels[%d]: name is required", i)
		}
		if strings.TrimSpace(ch.Source) == "" {
			return fmt.Errorf("channels[%d] %q: source is required", i, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("channels[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "anpr.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("workers.best_shots", 3)
	v.SetDefault("workers.cooldown_seconds", 5)
	v.SetDefault("workers.min_confidence", 0.6)
	v.SetDefault("workers.stop_timeout", time.Second)
	v.SetDefault("workers.reconnect_attempts", 0)
	v.SetDefault("workers.reconnect_delay", time.Second)
	v.SetDefault("workers.reconnect_max_delay", 30*time.Second)
	v.SetDefault("workers.autostart", true)
	v.SetDefault("inference.endpoint", "http://127.0.0.1:8500")
	v.SetDefault("inference.timeout", 5*time.Second)
	v.SetDefault("notify.queue_size", 1024)
	v.SetDefault("notify.preview_interval", 200*time.Millisecond)
	v.SetDefault("notify.preview_quality", 75)
	v.SetDefault("notify.mqtt.topic", "anpr/events")
	v.SetDefault("notify.mqtt.qos", 0)
}

// Load reads the YAML file at path (optional) and ANPR_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ANPR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
