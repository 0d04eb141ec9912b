package config

// ExecutionConfig configures the autonomous execution loop.
type ExecutionConfig struct {
	// Hard wall-clock limit per execution
	Timeout string `yaml:"timeout"`

	// How often the background driver ticks an active execution
	TickInterval string `yaml:"tick_interval"`

	// Floor for learned task durations
	MinTaskDuration string `yaml:"min_task_duration"`

	// Estimated duration shrinks by avgConfidence * SpeedupFactor
	SpeedupFactor float64 `yaml:"speedup_factor"`
}

// WorkflowConfig configures the workflow and task store.
type WorkflowConfig struct {
	Retention              string `yaml:"retention"`
	DefaultEstimateMinutes int    `yaml:"default_estimate_minutes"`
}

// BalancerConfig configures the workload balancer.
type BalancerConfig struct {
	DefaultCapacity   int     `yaml:"default_capacity"`
	DefaultEfficiency float64 `yaml:"default_efficiency"`
	QueueDelayMinutes int     `yaml:"queue_delay_minutes"`
}

// LearningConfig configures the learning ledger and cross-worker sharing.
type LearningConfig struct {
	ShareThreshold    float64 `yaml:"share_threshold"`
	ShareDiscount     float64 `yaml:"share_discount"`
	FanoutQueueSize   int     `yaml:"fanout_queue_size"`
	FanoutRetries     int     `yaml:"fanout_retries"`
	FanoutParallelism int     `yaml:"fanout_parallelism"`
	FanoutBackoff     string  `yaml:"fanout_backoff"`
	SkillThreshold    float64 `yaml:"skill_threshold"`
	RecommendLimit    int     `yaml:"recommend_limit"`
}
