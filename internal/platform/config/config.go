// Package config loads the Host and Worker process configuration.
//
// Precedence follows the transcode-worker convention: environment variables
// override an optional YAML file, which overrides the defaults below.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// HostConfig carries the recognised keys from spec.md Section 6 that the
// long-lived coordinator process consumes.
type HostConfig struct {
	SubstrateURL string `mapstructure:"substrate_url"`

	DisableModels    bool `mapstructure:"disable_models"`
	DisableResources bool `mapstructure:"disable_resources"`
	DisableStorage   bool `mapstructure:"disable_storage"`
	DisableDB        bool `mapstructure:"disable_db"`
	DisableVectors   bool `mapstructure:"disable_vectors"`
	DisableLLM       bool `mapstructure:"disable_llm"`
	DisableChunks    bool `mapstructure:"disable_chunks"`
	DisableEvents    bool `mapstructure:"disable_events"`
	DisableWorkers   bool `mapstructure:"disable_workers"`
	DisableShards    bool `mapstructure:"disable_shards"`

	ShardAllowlist []string `mapstructure:"-"`
	ShardAllowlistRaw string `mapstructure:"shard_allowlist"`

	ForcePortKill bool `mapstructure:"force_port_kill"`
	ServeShell    bool `mapstructure:"serve_shell"`

	HTTPAddr   string `mapstructure:"http_addr"`
	DatabaseURL string `mapstructure:"database_url"`

	EventHistoryCapacity int `mapstructure:"event_history_capacity"`

	WorkerBinaryPath string `mapstructure:"worker_binary_path"`

	LogMode string `mapstructure:"log_mode"`
}

// WorkerConfig carries the keys a spawned worker child process needs. It is
// populated from environment variables the Dispatcher sets when it execs
// cmd/worker (see internal/dispatcher).
type WorkerConfig struct {
	SubstrateURL string `mapstructure:"substrate_url"`
	Pool         string `mapstructure:"pool"`
	WorkerID     string `mapstructure:"worker_id"`

	PollInterval     time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	JobTimeout       time.Duration `mapstructure:"job_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`

	LogMode string `mapstructure:"log_mode"`
}

// LoadHost reads Host configuration. path is an optional directory to search
// for a config.yml in addition to the current directory.
func LoadHost(path string) (*HostConfig, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("substrate_url", "redis://localhost:6379")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("database_url", "")
	v.SetDefault("event_history_capacity", 1000)
	v.SetDefault("worker_binary_path", "")
	v.SetDefault("log_mode", "development")
	for _, key := range []string{
		"disable_models", "disable_resources", "disable_storage", "disable_db",
		"disable_vectors", "disable_llm", "disable_chunks", "disable_events",
		"disable_workers", "disable_shards", "force_port_kill", "serve_shell",
	} {
		v.SetDefault(key, false)
	}
	v.SetDefault("shard_allowlist", "")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read host config: %w", err)
		}
	}

	v.SetEnvPrefix("ARKHAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg HostConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode host config: %w", err)
	}

	if cfg.ShardAllowlistRaw != "" {
		for _, name := range strings.Split(cfg.ShardAllowlistRaw, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				cfg.ShardAllowlist = append(cfg.ShardAllowlist, name)
			}
		}
	}

	return &cfg, nil
}

// LoadWorker reads Worker configuration purely from the environment — a
// spawned worker process has no config file of its own, only what its
// parent Dispatcher set on its environment block.
func LoadWorker() (*WorkerConfig, error) {
	v := viper.New()
	v.SetDefault("substrate_url", "redis://localhost:6379")
	v.SetDefault("poll_interval", "1s")
	v.SetDefault("heartbeat_interval", "10s")
	v.SetDefault("idle_timeout", "60s")
	v.SetDefault("job_timeout", "300s")
	v.SetDefault("max_retries", 3)
	v.SetDefault("log_mode", "development")

	v.SetEnvPrefix("ARKHAM_WORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode worker config: %w", err)
	}

	if cfg.Pool == "" {
		cfg.Pool = strings.TrimSpace(os.Getenv("ARKHAM_WORKER_POOL"))
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = strings.TrimSpace(os.Getenv("ARKHAM_WORKER_WORKER_ID"))
	}
	if cfg.Pool == "" {
		return nil, fmt.Errorf("worker config: pool is required")
	}

	return &cfg, nil
}
