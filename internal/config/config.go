// Package config loads the proposal engine's runtime configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Sophanos/saga-sub007/internal/domain"
)

// EnvConfigPath names the environment variable consulted when no --config
// flag is given.
const EnvConfigPath = "PROPOSALD_CONFIG"

// Config holds the engine's runtime configuration.
type Config struct {
	DBPath             string   `json:"db_path" yaml:"db_path" validate:"required"`
	ListenAddr         string   `json:"listen_addr" yaml:"listen_addr" validate:"required"`
	ServerURL          string   `json:"server_url" yaml:"server_url" validate:"omitempty,url"`
	AgentURL           string   `json:"agent_url" yaml:"agent_url" validate:"omitempty,url"`
	AgentCommand       []string `json:"agent_command" yaml:"agent_command" validate:"omitempty,dive,required"`
	PageSize           int      `json:"page_size" yaml:"page_size" validate:"min=1,max=200"`
	DecisionsPerMinute int      `json:"decisions_per_minute" yaml:"decisions_per_minute" validate:"min=1"`
	DecisionBurst      int      `json:"decision_burst" yaml:"decision_burst" validate:"min=1"`
	EditorWindow       int      `json:"editor_window" yaml:"editor_window" validate:"min=1"`
	LogLevel           string   `json:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat          string   `json:"log_format" yaml:"log_format" validate:"oneof=json text"`
	MetricsEnabled     *bool    `json:"metrics_enabled" yaml:"metrics_enabled"`
	SSEPollIntervalMS  int      `json:"sse_poll_interval_ms" yaml:"sse_poll_interval_ms" validate:"min=50"`
}

// Load reads a JSON or YAML config file (chosen by extension), applies
// defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration holding only defaults and the given database path.
func Default(dbPath string) *Config {
	cfg := &Config{DBPath: dbPath}
	cfg.applyDefaults()
	return cfg
}

// Metrics reports whether metrics are enabled; they are unless disabled explicitly.
func (c *Config) Metrics() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9800"
	}
	if c.PageSize == 0 {
		c.PageSize = 25
	}
	if c.DecisionsPerMinute == 0 {
		c.DecisionsPerMinute = 60
	}
	if c.DecisionBurst == 0 {
		c.DecisionBurst = 10
	}
	if c.EditorWindow == 0 {
		c.EditorWindow = 240
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.SSEPollIntervalMS == 0 {
		c.SSEPollIntervalMS = 500
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var problems []string
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	} else {
		problems = append(problems, err.Error())
	}
	return domain.NewEngineError(domain.ErrConfigInvalid,
		fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems))
}

// Resolve picks the config path: the explicit flag value, then
// PROPOSALD_CONFIG, then a config file next to the executable or in the
// working directory. Returns "" when nothing is found.
func Resolve(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return discoverConfig()
}

var configNames = []string{"config.json", "config.yaml", "config.yml"}

// discoverConfig looks for a config file next to the executable, then in the cwd.
func discoverConfig() string {
	if exe, err := os.Executable(); err == nil {
		for _, name := range configNames {
			candidate := filepath.Join(filepath.Dir(exe), name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	for _, name := range configNames {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}
