// Package config loads and validates recordpump configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Queue     QueueConfig     `mapstructure:"queue"`
	Consumer  ConsumerConfig  `mapstructure:"consumer"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Governor  GovernorConfig  `mapstructure:"governor"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Drain     DrainConfig     `mapstructure:"drain"`
	Ops       OpsConfig       `mapstructure:"ops"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// QueueConfig identifies the source queue on the message transport.
type QueueConfig struct {
	URL  string `mapstructure:"url"`
	Name string `mapstructure:"name"`
}

// ConsumerConfig governs the control loop and worker pool.
type ConsumerConfig struct {
	Workers            int  `mapstructure:"workers"`
	WithInfo           bool `mapstructure:"with_info"`
	DebugTrace         bool `mapstructure:"debug_trace"`
	PollTimeoutSeconds int  `mapstructure:"poll_timeout_seconds"`
	// LongRunningSeconds is the age T at which an in-flight task is logged as
	// still processing; at 2T its message is dead-lettered.
	LongRunningSeconds int `mapstructure:"long_running_seconds"`
	RateInterval       int `mapstructure:"rate_interval"`
	StatsInterval      int `mapstructure:"stats_interval"`
}

// EngineConfig locates the record-processing engine.
type EngineConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// GovernorConfig tunes the backpressure controller.
type GovernorConfig struct {
	DatabaseURLs             string `mapstructure:"database_urls"`
	ListSeparator            string `mapstructure:"list_separator"`
	HighWatermark            int64  `mapstructure:"high_watermark"`
	LowWatermark             int64  `mapstructure:"low_watermark"`
	CheckInterval            int64  `mapstructure:"check_interval"`
	CheckTimeIntervalSeconds int    `mapstructure:"check_time_interval_seconds"`
	LogIntervalSeconds       int    `mapstructure:"log_interval_seconds"`
	Hint                     string `mapstructure:"hint"`
}

// PublisherConfig selects where with-info payloads are handed off.
type PublisherConfig struct {
	// Mode is "stdout" or "pubsub".
	Mode string `mapstructure:"mode"`
}

// PubSubConfig holds metadata for with-info publication over Pub/Sub.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// StorageConfig sets the optional drain archive destination.
type StorageConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DrainConfig tunes the queuedrain utility.
type DrainConfig struct {
	InactivityTimeoutSeconds int `mapstructure:"inactivity_timeout_seconds"`
	RateInterval             int `mapstructure:"rate_interval"`
}

// OpsConfig controls the operational HTTP surface. Port 0 disables it.
type OpsConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RECORDPUMP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("consumer.workers", 0) // 0 means runtime.NumCPU()
	v.SetDefault("consumer.poll_timeout_seconds", 10)
	v.SetDefault("consumer.long_running_seconds", 300)
	v.SetDefault("consumer.rate_interval", 10000)
	v.SetDefault("consumer.stats_interval", 100000)
	v.SetDefault("engine.timeout_seconds", 60)
	v.SetDefault("governor.list_separator", ",")
	v.SetDefault("governor.high_watermark", 1_500_000_000)
	v.SetDefault("governor.low_watermark", 1_200_000_000)
	v.SetDefault("governor.check_interval", 100_000)
	v.SetDefault("governor.check_time_interval_seconds", 5)
	v.SetDefault("governor.log_interval_seconds", 600)
	v.SetDefault("publisher.mode", "stdout")
	v.SetDefault("storage.prefix", "drains")
	v.SetDefault("storage.content_type", "application/x-ndjson")
	v.SetDefault("drain.inactivity_timeout_seconds", 1)
	v.SetDefault("drain.rate_interval", 1000)
	v.SetDefault("ops.port", 0)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Consumer.Workers < 0 {
		return fmt.Errorf("consumer.workers must be >= 0")
	}
	if c.Consumer.PollTimeoutSeconds <= 0 {
		return fmt.Errorf("consumer.poll_timeout_seconds must be > 0")
	}
	if c.Consumer.LongRunningSeconds <= 0 {
		return fmt.Errorf("consumer.long_running_seconds must be > 0")
	}
	if c.Governor.HighWatermark <= c.Governor.LowWatermark {
		return fmt.Errorf("governor.high_watermark must be > governor.low_watermark")
	}
	if c.Governor.CheckInterval <= 0 {
		return fmt.Errorf("governor.check_interval must be > 0")
	}
	if c.Governor.ListSeparator == "" {
		return fmt.Errorf("governor.list_separator must not be empty")
	}
	switch c.Publisher.Mode {
	case "stdout", "pubsub":
	default:
		return fmt.Errorf("publisher.mode must be stdout or pubsub, got %q", c.Publisher.Mode)
	}
	if c.Publisher.Mode == "pubsub" && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when publisher.mode is pubsub")
	}
	return nil
}

// PollTimeout converts the harvest poll budget into a duration.
func (c Config) PollTimeout() time.Duration {
	return time.Duration(c.Consumer.PollTimeoutSeconds) * time.Second
}

// LongRunning converts the stuck-task threshold T into a duration.
func (c Config) LongRunning() time.Duration {
	return time.Duration(c.Consumer.LongRunningSeconds) * time.Second
}

// EngineTimeout converts the per-record engine budget into a duration.
func (c Config) EngineTimeout() time.Duration {
	return time.Duration(c.Engine.TimeoutSeconds) * time.Second
}
