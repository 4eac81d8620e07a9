// Package backpressure implements the aggregate-utilization pressure
// controller (§3, §4.8 C9), adapted from the teacher's AdaptiveRateLimiter
// AIMD-adjustment idiom applied to queue utilization instead of per-domain
// request rate.
package backpressure

import (
	"math"
	"sync"
	"time"

	"github.com/frameworks-oss/frameorchestrator/internal/metrics"
)

// Level is the discretized pressure summary from §4.8.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelModerate Level = "moderate"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Multiplier returns the intake multiplier associated with level (§4.8).
func (l Level) Multiplier() float64 {
	switch l {
	case LevelNormal:
		return 1.0
	case LevelModerate:
		return 0.75
	case LevelHigh:
		return 0.5
	case LevelCritical:
		return 0.0
	default:
		return 1.0
	}
}

// Thresholds are the watermark boundaries from §4.8, mutated only via
// AdjustThresholds under the adaptive-stepping rule.
type Thresholds struct {
	Low      float64
	High     float64
	Critical float64
}

// DefaultThresholds returns §4.8's stated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 0.6, High: 0.8, Critical: 0.95}
}

// Config configures a Controller.
type Config struct {
	Thresholds Thresholds

	// AdaptiveEnabled turns on the optional threshold-stepping rule.
	AdaptiveEnabled  bool
	AdaptiveStep     float64
	AdaptiveMinSamples int
	AdaptiveMinInterval time.Duration

	// PerQueueThrottling turns on the optional priority-weighted per-queue
	// throttle computation.
	PerQueueThrottling bool

	Clock func() time.Time
}

// DefaultConfig returns sensible defaults: thresholds from §4.8, adaptive
// stepping off, 5% step, 50-sample / 60s gate per §4.8.
func DefaultConfig() Config {
	return Config{
		Thresholds:          DefaultThresholds(),
		AdaptiveStep:        0.05,
		AdaptiveMinSamples:  50,
		AdaptiveMinInterval: 60 * time.Second,
		Clock:               time.Now,
	}
}

// QueueUtilization is one queue's observed utilization in [0,1].
type QueueUtilization struct {
	ProcessorID    string
	Utilization    float64
	PriorityWeight float64
}

// Controller computes the pressure level from aggregate queue utilization
// and publishes (level, multiplier) for C5 to read each iteration (§4.8).
type Controller struct {
	cfg Config

	mu            sync.Mutex
	thresholds    Thresholds
	currentLevel  Level
	sampleWindow  []Level
	lastAdjustAt  time.Time
}

// New constructs a Controller.
func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.AdaptiveStep <= 0 {
		cfg.AdaptiveStep = 0.05
	}
	if cfg.AdaptiveMinSamples <= 0 {
		cfg.AdaptiveMinSamples = 50
	}
	if cfg.AdaptiveMinInterval <= 0 {
		cfg.AdaptiveMinInterval = 60 * time.Second
	}
	th := cfg.Thresholds
	if th == (Thresholds{}) {
		th = DefaultThresholds()
	}
	return &Controller{cfg: cfg, thresholds: th, currentLevel: LevelNormal, lastAdjustAt: cfg.Clock()}
}

// Observe takes the current per-queue utilizations, computes the max
// utilization, classifies the pressure level, records it in the adaptive
// sample window, and returns (level, multiplier) (§4.8, P7).
func (c *Controller) Observe(queues []QueueUtilization) (Level, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	maxUtil := 0.0
	for _, q := range queues {
		if q.Utilization > maxUtil {
			maxUtil = q.Utilization
		}
	}

	level := c.classify(maxUtil)
	c.currentLevel = level
	c.sampleWindow = append(c.sampleWindow, level)
	if len(c.sampleWindow) > c.cfg.AdaptiveMinSamples*2 {
		c.sampleWindow = c.sampleWindow[len(c.sampleWindow)-c.cfg.AdaptiveMinSamples*2:]
	}

	if c.cfg.AdaptiveEnabled {
		c.maybeAdjust()
	}

	return level, level.Multiplier()
}

func (c *Controller) classify(util float64) Level {
	switch {
	case util >= c.thresholds.Critical:
		return LevelCritical
	case util >= c.thresholds.High:
		return LevelHigh
	case util >= c.thresholds.Low:
		return LevelModerate
	default:
		return LevelNormal
	}
}

// maybeAdjust implements the optional adaptive-threshold rule: if the
// recent window's dominant level has sustained >= high for at least
// AdaptiveMinSamples samples and AdaptiveMinInterval has elapsed since the
// last adjustment, lower high/critical by AdaptiveStep; symmetrically raise
// them after a sustained run of normal (§4.8). Caller must hold c.mu.
func (c *Controller) maybeAdjust() {
	if len(c.sampleWindow) < c.cfg.AdaptiveMinSamples {
		return
	}
	now := c.cfg.Clock()
	if now.Sub(c.lastAdjustAt) < c.cfg.AdaptiveMinInterval {
		return
	}

	recent := c.sampleWindow[len(c.sampleWindow)-c.cfg.AdaptiveMinSamples:]
	highOrAbove, normal := 0, 0
	for _, lvl := range recent {
		switch lvl {
		case LevelHigh, LevelCritical:
			highOrAbove++
		case LevelNormal:
			normal++
		}
	}

	switch {
	case highOrAbove == len(recent):
		c.thresholds.High = math.Max(0, c.thresholds.High-c.cfg.AdaptiveStep)
		c.thresholds.Critical = math.Max(c.thresholds.High, c.thresholds.Critical-c.cfg.AdaptiveStep)
		c.lastAdjustAt = now
	case normal == len(recent):
		c.thresholds.High = math.Min(1, c.thresholds.High+c.cfg.AdaptiveStep)
		c.thresholds.Critical = math.Min(1, c.thresholds.Critical+c.cfg.AdaptiveStep)
		c.lastAdjustAt = now
	}
}

// CurrentLevel returns the last computed level.
func (c *Controller) CurrentLevel() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLevel
}

// CurrentThresholds returns a snapshot of the (possibly adapted) thresholds.
func (c *Controller) CurrentThresholds() Thresholds {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thresholds
}

// PerQueueThrottle computes, for queues above the high watermark, a
// priority-weighted throttle factor: higher-priority queues are throttled
// less at the same utilization (§4.8's optional per-queue rule).
func (c *Controller) PerQueueThrottle(queues []QueueUtilization) map[string]float64 {
	c.mu.Lock()
	high := c.thresholds.High
	c.mu.Unlock()

	if !c.cfg.PerQueueThrottling {
		return nil
	}
	out := make(map[string]float64, len(queues))
	for _, q := range queues {
		if q.Utilization < high {
			continue
		}
		weight := q.PriorityWeight
		if weight <= 0 {
			weight = 1
		}
		out[q.ProcessorID] = q.Utilization * (1 / weight)
	}
	return out
}

// Gauges wires a Controller's level and multiplier onto metrics.Provider.
type Gauges struct {
	levelGauge      metrics.Gauge
	multiplierGauge metrics.Gauge
}

// NewGauges constructs the Prometheus-backed gauges for a Controller.
func NewGauges(provider metrics.Provider) *Gauges {
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	return &Gauges{
		levelGauge:      provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{Name: "backpressure_level", Labels: []string{"level"}}}),
		multiplierGauge: provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{Name: "backpressure_multiplier"}}),
	}
}

// Record publishes the observed level/multiplier to the wired gauges.
func (g *Gauges) Record(level Level, multiplier float64) {
	g.levelGauge.Set(1, string(level))
	g.multiplierGauge.Set(multiplier)
}
