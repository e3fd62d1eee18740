package config

import (
	"encoding/json"
	"os"
	"time"
)

// RedisConfig holds state store connection settings
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// HypervisorConfig describes one libvirt host in the build pool.
// Key is the identity used for slot accounting and rendezvous records.
type HypervisorConfig struct {
	Key     string `json:"key"`
	Address string `json:"address"`
	Port    string `json:"port"`
	Driver  string `json:"driver"`
	Mode    string `json:"mode"`
	TLS     bool   `json:"tls"`
}

// SchedulerConfig holds build scheduler settings
type SchedulerConfig struct {
	// PhoneHomeWait bounds how long a build waits for the guest to
	// report in before the build is failed.
	PhoneHomeWait time.Duration `json:"phone_home_wait"`
	// SSHTimeout bounds the SSH connection attempt to a booted guest.
	SSHTimeout time.Duration `json:"ssh_timeout"`
	SSHUser    string        `json:"ssh_user"`
	// QueueDepth is the capacity of the pending build queue.
	QueueDepth int `json:"queue_depth"`
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	AdminAddr    string `json:"admin_addr"`
	MetadataAddr string `json:"metadata_addr"`
	LogLevel     string `json:"log_level"`
	LogFormat    string `json:"log_format"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"`
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRate  float64 `json:"sample_rate"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	// Workdir holds the scheduler key pair and the descriptor templates
	// (base-vm/pool.xml, domains/<base>.xml, volumes/<base>.xml).
	Workdir     string             `json:"workdir"`
	SSHKeyPath  string             `json:"ssh_key_path"`
	Redis       RedisConfig        `json:"redis"`
	Hypervisors []HypervisorConfig `json:"hypervisors"`
	Scheduler   SchedulerConfig    `json:"scheduler"`
	Daemon      DaemonConfig       `json:"daemon"`
	Tracing     TracingConfig      `json:"tracing"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Workdir:    "workdir",
		SSHKeyPath: "workdir/ipd-test-key.rsa",
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
		},
		Scheduler: SchedulerConfig{
			PhoneHomeWait: 5 * time.Minute,
			SSHTimeout:    30 * time.Second,
			SSHUser:       "ubuntu",
			QueueDepth:    64,
		},
		Daemon: DaemonConfig{
			AdminAddr:    ":8000",
			MetadataAddr: ":80",
			LogLevel:     "info",
			LogFormat:    "text",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "ipd",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile loads configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("IPD_WORKDIR"); v != "" {
		cfg.Workdir = v
	}
	if v := os.Getenv("IPD_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if v := os.Getenv("IPD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("IPD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("IPD_ADMIN_ADDR"); v != "" {
		cfg.Daemon.AdminAddr = v
	}
	if v := os.Getenv("IPD_METADATA_ADDR"); v != "" {
		cfg.Daemon.MetadataAddr = v
	}
	if v := os.Getenv("IPD_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
}
