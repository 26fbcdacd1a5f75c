// Package config layers the engine's configuration the way the teacher
// layers internal/config: a TOML base file, spf13/viper binding it
// together with BERGAMOT_* environment overrides, and (see watch.go) an
// fsnotify watcher that re-reads the file on change and hands the new
// Config to a callback (spec §6's "Environment / configuration"
// contract). The engine applies only the aggregator hostname list from a
// reload; batch tuning knobs take effect on the next engine.New.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every field spec §6 names, with the defaults §4.5/§4.6
// state.
type Config struct {
	DBPath            string   `mapstructure:"db_path"`
	ContentStorePath  string   `mapstructure:"content_store_path"`
	BatchSize         int      `mapstructure:"batch_size"`
	BatchTimeoutMs    int      `mapstructure:"batch_timeout_ms"`
	OrphanRetryMs     int      `mapstructure:"orphan_retry_interval_ms"`
	OrphanMaxRetries  int      `mapstructure:"orphan_max_retries"`
	OrphanMaxAgeMs    int      `mapstructure:"orphan_max_age_ms"`
	AggregatorHosts   []string `mapstructure:"aggregator_hosts"`
	OTLPEndpoint      string   `mapstructure:"otlp_endpoint"`
	AnthropicAPIKey   string   `mapstructure:"anthropic_api_key"`
	AnthropicModel    string   `mapstructure:"anthropic_model"`
}

// BatchTimeout returns BatchTimeoutMs as a time.Duration.
func (c Config) BatchTimeout() time.Duration { return time.Duration(c.BatchTimeoutMs) * time.Millisecond }

// OrphanRetryInterval returns OrphanRetryMs as a time.Duration.
func (c Config) OrphanRetryInterval() time.Duration {
	return time.Duration(c.OrphanRetryMs) * time.Millisecond
}

// OrphanMaxAge returns OrphanMaxAgeMs as a time.Duration.
func (c Config) OrphanMaxAge() time.Duration { return time.Duration(c.OrphanMaxAgeMs) * time.Millisecond }

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", "bergamot.db")
	v.SetDefault("content_store_path", "bergamot-content")
	v.SetDefault("batch_size", 3)
	v.SetDefault("batch_timeout_ms", 1000)
	v.SetDefault("orphan_retry_interval_ms", 5000)
	v.SetDefault("orphan_max_retries", 3)
	v.SetDefault("orphan_max_age_ms", 60000)
	v.SetDefault("aggregator_hosts", []string{})
	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("anthropic_api_key", "")
	v.SetDefault("anthropic_model", "")
}

// Load reads path (a TOML file; may not exist — defaults apply) and
// layers BERGAMOT_* environment variables over it, matching the
// teacher's config/env-override precedence in internal/config/local_config.go.
func Load(path string) (Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("bergamot")
	v.AutomaticEnv()
	// AutomaticEnv alone only affects Get/IsSet lookups, not Unmarshal
	// (a well-known viper gap); bind every field explicitly so
	// BERGAMOT_* overrides reach the struct the same way they'd reach a
	// direct Get call.
	for _, key := range []string{
		"db_path", "content_store_path", "batch_size", "batch_timeout_ms",
		"orphan_retry_interval_ms", "orphan_max_retries", "orphan_max_age_ms",
		"aggregator_hosts", "otlp_endpoint", "anthropic_api_key", "anthropic_model",
	} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, nil, fmt.Errorf("config: bind env %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, v, nil
}
