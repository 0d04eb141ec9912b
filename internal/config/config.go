package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all taskweave configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	DataDir string `yaml:"data_dir"`

	Store     StoreConfig     `yaml:"store"`
	Router    RouterConfig    `yaml:"router"`
	Patterns  PatternsConfig  `yaml:"patterns"`
	Balancer  BalancerConfig  `yaml:"balancer"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Learning  LearningConfig  `yaml:"learning"`
	Execution ExecutionConfig `yaml:"execution"`
	Reasoning ReasoningConfig `yaml:"reasoning"`
	Admin     AdminConfig     `yaml:"admin"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "taskweave",
		Version: "0.4.0",
		DataDir: ".taskweave",

		Store: StoreConfig{
			Driver:       "sqlite",
			DatabasePath: ".taskweave/taskweave.db",
			MaxRetries:   3,
			RetryBackoff: "50ms",
			BusyTimeout:  5000,
		},

		Router: RouterConfig{
			RulesFile:         "",
			WatchRules:        true,
			InvokeTimeout:     "60s",
			MaxTokens:         2048,
			BasePromptTokens:  800,
			HistoryTokens:     400,
			ContextTokens:     600,
			ResponseTokens:    500,
			InstantConfidence: 0.8,
		},

		Patterns: PatternsConfig{
			MinMatchScore:     0.6,
			ReuseIncrement:    0.01,
			InitialConfidence: 0.7,
			CacheWorkers:      true,
		},

		Balancer: BalancerConfig{
			DefaultCapacity:   3,
			DefaultEfficiency: 0.7,
			QueueDelayMinutes: 15,
		},

		Workflow: WorkflowConfig{
			Retention:              "168h",
			DefaultEstimateMinutes: 15,
		},

		Learning: LearningConfig{
			ShareThreshold:    0.8,
			ShareDiscount:     0.8,
			FanoutQueueSize:   256,
			FanoutRetries:     3,
			FanoutParallelism: 4,
			FanoutBackoff:     "20ms",
			SkillThreshold:    0.8,
			RecommendLimit:    5,
		},

		Execution: ExecutionConfig{
			Timeout:         "30m",
			TickInterval:    "1s",
			MinTaskDuration: "5s",
			SpeedupFactor:   0.3,
		},

		Reasoning: ReasoningConfig{
			Provider: "offline",
			Model:    "gemini-2.5-flash",
		},

		Admin: AdminConfig{
			Listen: "127.0.0.1:8088",
		},

		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			DebugMode: false,
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("TASKWEAVE_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if dir := os.Getenv("TASKWEAVE_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Reasoning.APIKey = key
		if c.Reasoning.Provider == "" || c.Reasoning.Provider == "offline" {
			c.Reasoning.Provider = "gemini"
		}
	}
	if t := os.Getenv("TASKWEAVE_EXECUTION_TIMEOUT"); t != "" {
		c.Execution.Timeout = t
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetInvokeTimeout returns the reasoning call timeout as a duration.
func (c *Config) GetInvokeTimeout() time.Duration {
	return parseDuration(c.Router.InvokeTimeout, 60*time.Second)
}

// GetExecutionTimeout returns the execution wall-clock timeout as a duration.
func (c *Config) GetExecutionTimeout() time.Duration {
	return parseDuration(c.Execution.Timeout, 30*time.Minute)
}

// GetTickInterval returns the autonomous tick interval as a duration.
func (c *Config) GetTickInterval() time.Duration {
	return parseDuration(c.Execution.TickInterval, time.Second)
}

// GetMinTaskDuration returns the floor applied to simulated task durations.
func (c *Config) GetMinTaskDuration() time.Duration {
	return parseDuration(c.Execution.MinTaskDuration, 5*time.Second)
}

// GetRetentionWindow returns how long completed tasks stay before archival.
func (c *Config) GetRetentionWindow() time.Duration {
	return parseDuration(c.Workflow.Retention, 168*time.Hour)
}

// GetRetryBackoff returns the base store retry backoff.
func (c *Config) GetRetryBackoff() time.Duration {
	return parseDuration(c.Store.RetryBackoff, 50*time.Millisecond)
}

// GetFanoutBackoff returns the base backoff between learning fan-out retries.
func (c *Config) GetFanoutBackoff() time.Duration {
	return parseDuration(c.Learning.FanoutBackoff, 20*time.Millisecond)
}

// ValidDrivers lists the supported database/sql driver names.
var ValidDrivers = []string{"sqlite", "sqlite3"}

// ValidProviders lists the supported reasoning providers.
var ValidProviders = []string{"offline", "gemini"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !contains(ValidDrivers, c.Store.Driver) {
		return fmt.Errorf("invalid store driver: %s (valid: %v)", c.Store.Driver, ValidDrivers)
	}
	if c.Store.DatabasePath == "" {
		return fmt.Errorf("store.database_path is required")
	}
	if c.Store.MaxRetries < 1 {
		return fmt.Errorf("store.max_retries must be >= 1, got %d", c.Store.MaxRetries)
	}
	if !contains(ValidProviders, c.Reasoning.Provider) {
		return fmt.Errorf("invalid reasoning provider: %s (valid: %v)", c.Reasoning.Provider, ValidProviders)
	}
	if c.Reasoning.Provider == "gemini" && c.Reasoning.APIKey == "" {
		return fmt.Errorf("gemini provider requires an API key (set GEMINI_API_KEY)")
	}
	if c.Balancer.DefaultCapacity < 1 {
		return fmt.Errorf("balancer.default_capacity must be >= 1, got %d", c.Balancer.DefaultCapacity)
	}
	if c.Patterns.MinMatchScore < 0 || c.Patterns.MinMatchScore > 1 {
		return fmt.Errorf("patterns.min_match_score must be in [0,1], got %v", c.Patterns.MinMatchScore)
	}
	if c.Learning.ShareDiscount <= 0 || c.Learning.ShareDiscount > 1 {
		return fmt.Errorf("learning.share_discount must be in (0,1], got %v", c.Learning.ShareDiscount)
	}
	if c.Learning.FanoutParallelism < 1 {
		return fmt.Errorf("learning.fanout_parallelism must be >= 1, got %d", c.Learning.FanoutParallelism)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// LogsDir returns the directory categorized logs are written to.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}
