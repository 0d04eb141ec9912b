package config

// StoreConfig configures the durable SQLite store.
type StoreConfig struct {
	Driver       string `yaml:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
	DatabasePath string `yaml:"database_path"`
	MaxRetries   int    `yaml:"max_retries"`
	RetryBackoff string `yaml:"retry_backoff"`
	BusyTimeout  int    `yaml:"busy_timeout_ms"`
}

// RouterConfig configures the decision router and resolver.
type RouterConfig struct {
	// Optional YAML file overriding the built-in indicator table
	RulesFile  string `yaml:"rules_file"`
	WatchRules bool   `yaml:"watch_rules"`

	InvokeTimeout string `yaml:"invoke_timeout"`
	MaxTokens     int    `yaml:"max_tokens"`

	// Fixed savings model, summed when a request stays local
	BasePromptTokens int `yaml:"base_prompt_tokens"`
	HistoryTokens    int `yaml:"history_tokens"`
	ContextTokens    int `yaml:"context_tokens"`
	ResponseTokens   int `yaml:"response_tokens"`

	// Minimum pattern match score for an instant cached resolution
	InstantConfidence float64 `yaml:"instant_confidence"`
}

// PatternsConfig configures the pattern store.
type PatternsConfig struct {
	MinMatchScore     float64 `yaml:"min_match_score"`
	ReuseIncrement    float64 `yaml:"reuse_increment"`
	InitialConfidence float64 `yaml:"initial_confidence"`
	CacheWorkers      bool    `yaml:"cache_workers"`
}

// ReasoningConfig configures the external reasoning collaborator.
type ReasoningConfig struct {
	Provider string `yaml:"provider"` // offline, gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// AdminConfig configures the read-only admin HTTP surface.
type AdminConfig struct {
	Listen string `yaml:"listen"`
}
