// Package logging provides config-driven categorized file-based logging for taskweave.
// Logs are written to <logs dir>/<date>_<category>.log with one zap core per category.
// Logging is controlled by debug_mode - when false, every logger is a no-op.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Boot/initialization
	CategoryRouting   Category = "routing"   // Local-vs-escalation decisions
	CategoryPatterns  Category = "patterns"  // Pattern store matching and saves
	CategoryBalancer  Category = "balancer"  // Worker scoring and capacity
	CategoryWorkflow  Category = "workflow"  // Sessions, tasks, handoffs
	CategoryLearning  Category = "learning"  // Learning ledger and fan-out
	CategoryExecution Category = "execution" // Autonomous execution loop
	CategoryStore     Category = "store"     // SQLite persistence
	CategoryAPI       Category = "api"       // External reasoning calls
	CategoryAdmin     Category = "admin"     // Admin HTTP surface
)

// AllCategories lists every category in declaration order.
var AllCategories = []Category{
	CategoryBoot, CategoryRouting, CategoryPatterns, CategoryBalancer, CategoryWorkflow,
	CategoryLearning, CategoryExecution, CategoryStore, CategoryAPI, CategoryAdmin,
}

// Options mirrors config.LoggingConfig to avoid circular imports.
type Options struct {
	DebugMode  bool
	Categories map[string]bool
	Level      string
	JSONFormat bool
}

// Logger wraps a sugared zap logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	file     *os.File
	enabled  bool
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	config    Options
	configMu  sync.RWMutex
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Initialize sets up the logging directory. Call once at startup.
func Initialize(dir string, opts Options) error {
	if dir == "" {
		return fmt.Errorf("logs directory required")
	}

	CloseAll()

	configMu.Lock()
	logsDir = dir
	config = opts
	level.SetLevel(parseLevel(opts.Level))
	configMu.Unlock()

	if !opts.DebugMode {
		return nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== taskweave logging initialized ===")
	boot.Info("Logs directory: %s", dir)
	boot.Info("Log level: %s", level.Level())
	if len(opts.Categories) > 0 {
		enabled := 0
		for cat, on := range opts.Categories {
			if on {
				enabled++
			}
			boot.Debug("Category '%s': %v", cat, on)
		}
		boot.Info("Enabled categories: %d/%d", enabled, len(opts.Categories))
	}
	return nil
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

func nopLogger(category Category) *Logger {
	return &Logger{category: category, sugar: zap.NewNop().Sugar()}
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return nopLogger(category)
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	configMu.RLock()
	dir := logsDir
	jsonFormat := config.JSONFormat
	configMu.RUnlock()

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return nopLogger(category)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if jsonFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(file), level)

	l := &Logger{
		category: category,
		sugar:    zap.New(core).Named(string(category)).Sugar(),
		file:     file,
		enabled:  true,
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// StructuredLog writes a message with key-value fields.
func (l *Logger) StructuredLog(lvl string, msg string, fields map[string]interface{}) {
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	switch parseLevel(lvl) {
	case zapcore.DebugLevel:
		l.sugar.Debugw(msg, kv...)
	case zapcore.WarnLevel:
		l.sugar.Warnw(msg, kv...)
	case zapcore.ErrorLevel:
		l.sugar.Errorw(msg, kv...)
	default:
		l.sugar.Infow(msg, kv...)
	}
}

// Enabled reports whether the logger writes anywhere.
func (l *Logger) Enabled() bool {
	return l.enabled
}

// CloseAll flushes and closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		_ = l.sugar.Sync()
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
	closeAudit()
}

// =============================================================================
// CONVENIENCE FUNCTIONS - no-ops if the category is disabled
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }

func Routing(format string, args ...interface{})      { Get(CategoryRouting).Info(format, args...) }
func RoutingDebug(format string, args ...interface{}) { Get(CategoryRouting).Debug(format, args...) }
func RoutingWarn(format string, args ...interface{})  { Get(CategoryRouting).Warn(format, args...) }

func Patterns(format string, args ...interface{})      { Get(CategoryPatterns).Info(format, args...) }
func PatternsDebug(format string, args ...interface{}) { Get(CategoryPatterns).Debug(format, args...) }

func Balancer(format string, args ...interface{})      { Get(CategoryBalancer).Info(format, args...) }
func BalancerDebug(format string, args ...interface{}) { Get(CategoryBalancer).Debug(format, args...) }
func BalancerWarn(format string, args ...interface{})  { Get(CategoryBalancer).Warn(format, args...) }

func Workflow(format string, args ...interface{})      { Get(CategoryWorkflow).Info(format, args...) }
func WorkflowDebug(format string, args ...interface{}) { Get(CategoryWorkflow).Debug(format, args...) }
func WorkflowWarn(format string, args ...interface{})  { Get(CategoryWorkflow).Warn(format, args...) }

func Learning(format string, args ...interface{})      { Get(CategoryLearning).Info(format, args...) }
func LearningDebug(format string, args ...interface{}) { Get(CategoryLearning).Debug(format, args...) }
func LearningWarn(format string, args ...interface{})  { Get(CategoryLearning).Warn(format, args...) }

func Execution(format string, args ...interface{})      { Get(CategoryExecution).Info(format, args...) }
func ExecutionDebug(format string, args ...interface{}) { Get(CategoryExecution).Debug(format, args...) }
func ExecutionWarn(format string, args ...interface{})  { Get(CategoryExecution).Warn(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...interface{})  { Get(CategoryStore).Warn(format, args...) }
func StoreError(format string, args ...interface{}) { Get(CategoryStore).Error(format, args...) }

func API(format string, args ...interface{})      { Get(CategoryAPI).Info(format, args...) }
func APIDebug(format string, args ...interface{}) { Get(CategoryAPI).Debug(format, args...) }
func APIWarn(format string, args ...interface{})  { Get(CategoryAPI).Warn(format, args...) }

func Admin(format string, args ...interface{})      { Get(CategoryAdmin).Info(format, args...) }
func AdminDebug(format string, args ...interface{}) { Get(CategoryAdmin).Debug(format, args...) }
func AdminWarn(format string, args ...interface{})  { Get(CategoryAdmin).Warn(format, args...) }

// =============================================================================
// REQUEST ID TRACING
// =============================================================================

// RequestLogger carries a correlation id (task, session or execution id).
type RequestLogger struct {
	sugar *zap.SugaredLogger
}

// WithRequestID creates a request-scoped logger.
func WithRequestID(category Category, requestID string) *RequestLogger {
	return &RequestLogger{sugar: Get(category).sugar.With("req", requestID)}
}

// WithField adds a field to the request logger
func (r *RequestLogger) WithField(key string, value interface{}) *RequestLogger {
	return &RequestLogger{sugar: r.sugar.With(key, value)}
}

func (r *RequestLogger) Debug(format string, args ...interface{}) { r.sugar.Debugf(format, args...) }
func (r *RequestLogger) Info(format string, args ...interface{})  { r.sugar.Infof(format, args...) }
func (r *RequestLogger) Warn(format string, args ...interface{})  { r.sugar.Warnf(format, args...) }
func (r *RequestLogger) Error(format string, args ...interface{}) { r.sugar.Errorf(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
