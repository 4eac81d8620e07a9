// Package config implements the orchestrator's single immutable Config
// struct (§2.3), loaded from YAML via gopkg.in/yaml.v3 with optional
// fsnotify-backed hot reload, adapted from the teacher's
// RuntimeConfigManager/HotReloadSystem pattern in packages/engine/config.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the complete, immutable configuration surface. A running
// Loader holds the current value behind an atomic.Pointer and swaps it
// wholesale on reload; nothing here is ever mutated in place.
type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Intake        IntakeConfig        `yaml:"intake"`
	Queue         QueueConfig         `yaml:"queue"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Backpressure  BackpressureConfig  `yaml:"backpressure"`
	Health        HealthConfig        `yaml:"health"`
	Trace         TraceConfig         `yaml:"trace"`
	DeadLetter    DeadLetterConfig    `yaml:"dead_letter"`
	PriorityAdmission bool            `yaml:"priority_admission"`
}

type StoreConfig struct {
	Addr     string `yaml:"addr"`
	PoolSize int    `yaml:"pool_size"`
}

type IntakeConfig struct {
	Stream   string        `yaml:"stream"`
	Group    string        `yaml:"group"`
	BlockMs  int64         `yaml:"block_ms"`
	Count    int64         `yaml:"count"`
	ClaimMinIdle time.Duration `yaml:"claim_min_idle"`
	ClaimInterval time.Duration `yaml:"claim_interval"`
}

type QueueConfig struct {
	DefaultMaxLen int `yaml:"default_maxlen"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold uint32        `yaml:"success_threshold"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

type BackpressureConfig struct {
	LowThreshold       float64       `yaml:"low_threshold"`
	HighThreshold      float64       `yaml:"high_threshold"`
	CriticalThreshold  float64       `yaml:"critical_threshold"`
	AdaptiveEnabled    bool          `yaml:"adaptive_enabled"`
	EvaluationInterval time.Duration `yaml:"evaluation_interval"`
}

type HealthConfig struct {
	CheckInterval    time.Duration `yaml:"check_interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

type TraceConfig struct {
	SamplingRate float64 `yaml:"sampling_rate"`
}

type DeadLetterConfig struct {
	Stream     string `yaml:"stream"`
	MaxRetries int    `yaml:"max_retries"`
}

// Defaults returns a Config with §4's stated defaults applied throughout.
func Defaults() Config {
	return Config{
		Store: StoreConfig{Addr: "localhost:6379", PoolSize: 10},
		Intake: IntakeConfig{
			Stream: "frames:captured", Group: "frame-buffer-group",
			BlockMs: 5000, Count: 10, ClaimMinIdle: 5 * time.Minute, ClaimInterval: time.Minute,
		},
		Queue: QueueConfig{DefaultMaxLen: 10_000},
		Breaker: BreakerConfig{
			FailureThreshold: 5, RecoveryTimeout: 5 * time.Minute, SuccessThreshold: 2,
		},
		Backpressure: BackpressureConfig{
			LowThreshold: 0.6, HighThreshold: 0.8, CriticalThreshold: 0.95,
			EvaluationInterval: 2 * time.Second,
		},
		Health: HealthConfig{
			CheckInterval: 10 * time.Second, Timeout: 3 * time.Second,
			FailureThreshold: 3, RecoveryTimeout: 5 * time.Minute,
		},
		Trace:      TraceConfig{SamplingRate: 1.0},
		DeadLetter: DeadLetterConfig{Stream: "frames:deadletter", MaxRetries: 5},
	}
}

// Load reads path as YAML over Defaults(), returning a validated Config.
// A missing path returns Defaults() unmodified (§2.3: "optional override").
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the invariants a hot-reloaded file must not violate:
// backpressure thresholds in [0,1] and ordered low <= high <= critical,
// trace sampling_rate in [0,1], and a positive queue default_maxlen.
// Durations are not checked.
func (c Config) Validate() error {
	bp := c.Backpressure
	if bp.LowThreshold < 0 || bp.HighThreshold < 0 || bp.CriticalThreshold < 0 {
		return fmt.Errorf("config: backpressure thresholds must be non-negative")
	}
	if bp.LowThreshold > bp.HighThreshold || bp.HighThreshold > bp.CriticalThreshold {
		return fmt.Errorf("config: backpressure thresholds must satisfy low <= high <= critical")
	}
	if bp.CriticalThreshold > 1 {
		return fmt.Errorf("config: backpressure critical threshold must be <= 1")
	}
	if c.Trace.SamplingRate < 0 || c.Trace.SamplingRate > 1 {
		return fmt.Errorf("config: trace sampling_rate must be in [0,1]")
	}
	if c.Queue.DefaultMaxLen <= 0 {
		return fmt.Errorf("config: queue default_maxlen must be positive")
	}
	return nil
}

// Loader holds the active Config behind an atomic.Pointer and, when
// Watch is started, reloads it wholesale on file changes (§2.3).
type Loader struct {
	path    string
	current atomic.Pointer[Config]
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewLoader constructs a Loader with an already-loaded initial Config.
func NewLoader(path string, initial Config, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{path: path, logger: logger}
	l.current.Store(&initial)
	return l
}

// Current returns the active Config snapshot.
func (l *Loader) Current() Config {
	return *l.current.Load()
}

// Watch starts an fsnotify watch on the loader's file path, reloading and
// atomically swapping Current() on every write event. A malformed reload
// is logged and discarded, keeping the last-good Config active.
func (l *Loader) Watch() error {
	if l.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		_ = w.Close()
		return fmt.Errorf("config: watch %s: %w", l.path, err)
	}
	l.watcher = w
	l.stop = make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(l.path)
				if err != nil {
					l.logger.Warn("config: hot reload failed, keeping previous config", "path", l.path, "error", err)
					continue
				}
				l.current.Store(&cfg)
				l.logger.Info("config: reloaded", "path", l.path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config: watcher error", "error", err)
			case <-l.stop:
				return
			}
		}
	}()
	return nil
}

// Close stops the watch goroutine and releases the underlying fsnotify
// watcher, if one was started.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.stop)
	return l.watcher.Close()
}
