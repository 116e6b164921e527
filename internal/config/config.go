// Package config provides configuration loading for the execution substrate.
// Configuration sources (in priority order): environment variables > config
// file > defaults, the same priority order as the teacher's
// internal/controlplane/config package, with the file format switched from
// JSON to YAML to match the rest of the retrieval pack's config convention.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all process configuration for the sosd binary.
type Config struct {
	Home string `yaml:"home"`

	EngineListenAddr string `yaml:"engine_listen_addr"`

	StrictCapabilities bool `yaml:"strict_capabilities"`
	LogEmojis          bool `yaml:"log_emojis"`
	LogLevel           string `yaml:"log_level"`

	TaskPollingInterval int `yaml:"task_polling_interval_seconds"`

	AutoClaimEnabled   bool `yaml:"auto_claim_enabled"`
	AutoExecuteEnabled bool `yaml:"auto_execute_enabled"`
	AutoReportEnabled  bool `yaml:"auto_report_enabled"`

	WorkerQueue   string `yaml:"worker_queue"`
	WorkerTimeout int    `yaml:"worker_timeout_seconds"`

	RedisAddr string `yaml:"redis_addr"`

	IssuerSigningKeyHex string `yaml:"issuer_signing_key_hex,omitempty"`

	SlackBotToken string `yaml:"-"`
	SlackChannel  string `yaml:"slack_channel,omitempty"`

	Providers ProvidersConfig `yaml:"providers"`
}

// ProvidersConfig holds the per-provider API keys read from the environment
// at load time, mirroring the teacher's LLMConfig block but generalized from a
// single provider to the registry's layered adapter set.
type ProvidersConfig struct {
	AnthropicAPIKeys []string `yaml:"-"`
	OpenAIAPIKeys    []string `yaml:"-"`
	FrontierAPIKeys  []string `yaml:"-"`
	FreeTierAPIKeys  []string `yaml:"-"`
	LocalEndpoint    string   `yaml:"local_endpoint,omitempty"`
}

// Default returns configuration with sensible defaults, following the
// teacher's Default() constructor shape.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		Home:                home + "/.sos",
		EngineListenAddr:    "127.0.0.1:6060",
		StrictCapabilities:  false,
		LogEmojis:           true,
		LogLevel:            "info",
		TaskPollingInterval: 60,
		AutoClaimEnabled:    true,
		AutoExecuteEnabled:  true,
		AutoReportEnabled:   true,
		WorkerQueue:         "sos:queue:global",
		WorkerTimeout:       30,
		RedisAddr:           "127.0.0.1:6379",
	}
}

// Load reads configuration from a YAML file if present, then overlays SOS_*
// environment variables, in that priority order (SOS_LOG_EMOJIS=0 wins over
// whatever the file says, and both win over Default()'s zero value).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(&cfg)
	cfg.Providers = loadProviderKeys()

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SOS_HOME"); v != "" {
		cfg.Home = v
	}
	if v := os.Getenv("SOS_STRICT_CAPABILITIES"); v != "" {
		cfg.StrictCapabilities = asBool(v)
	}
	if v := os.Getenv("SOS_LOG_EMOJIS"); v != "" {
		cfg.LogEmojis = asBool(v)
	}
	if v := os.Getenv("SOS_TASK_POLLING_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TaskPollingInterval = n
		}
	}
	if v := os.Getenv("SOS_AUTO_CLAIM_ENABLED"); v != "" {
		cfg.AutoClaimEnabled = asBool(v)
	}
	if v := os.Getenv("SOS_AUTO_EXECUTE_ENABLED"); v != "" {
		cfg.AutoExecuteEnabled = asBool(v)
	}
	if v := os.Getenv("SOS_AUTO_REPORT_ENABLED"); v != "" {
		cfg.AutoReportEnabled = asBool(v)
	}
	if v := os.Getenv("SOS_WORKER_QUEUE"); v != "" {
		cfg.WorkerQueue = v
	}
	if v := os.Getenv("SOS_WORKER_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerTimeout = n
		}
	}
	if v := os.Getenv("SOS_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("SOS_ENGINE_LISTEN_ADDR"); v != "" {
		cfg.EngineListenAddr = v
	}
	if v := os.Getenv("SOS_ISSUER_SIGNING_KEY"); v != "" {
		cfg.IssuerSigningKeyHex = v
	}
	if v := os.Getenv("SOS_SLACK_CHANNEL"); v != "" {
		cfg.SlackChannel = v
	}
	cfg.SlackBotToken = os.Getenv("SOS_SLACK_BOT_TOKEN")
}

func asBool(v string) bool {
	return v == "1" || v == "true" || v == "TRUE" || v == "True"
}

func loadProviderKeys() ProvidersConfig {
	return ProvidersConfig{
		AnthropicAPIKeys: splitCSVEnv("SOS_ANTHROPIC_API_KEYS"),
		OpenAIAPIKeys:    splitCSVEnv("SOS_OPENAI_API_KEYS"),
		FrontierAPIKeys:  splitCSVEnv("SOS_FRONTIER_API_KEYS"),
		FreeTierAPIKeys:  splitCSVEnv("SOS_FREETIER_API_KEYS"),
		LocalEndpoint:    os.Getenv("SOS_LOCAL_MODEL_ENDPOINT"),
	}
}

func splitCSVEnv(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Save writes configuration to a YAML file, following the teacher's Save().
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}
