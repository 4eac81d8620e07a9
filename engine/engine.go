// Package engine is the public facade wiring the orchestrator's internal
// components into a running pipeline, adapted from the teacher's
// engine.Engine/pipeline.go construction-and-lifecycle split.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/frameworks-oss/frameorchestrator/internal/backpressure"
	"github.com/frameworks-oss/frameorchestrator/internal/breaker"
	"github.com/frameworks-oss/frameorchestrator/internal/concurrency"
	"github.com/frameworks-oss/frameorchestrator/internal/config"
	"github.com/frameworks-oss/frameorchestrator/internal/deadletter"
	"github.com/frameworks-oss/frameorchestrator/internal/frame"
	"github.com/frameworks-oss/frameorchestrator/internal/health"
	"github.com/frameworks-oss/frameorchestrator/internal/intake"
	"github.com/frameworks-oss/frameorchestrator/internal/metrics"
	"github.com/frameworks-oss/frameorchestrator/internal/priority"
	"github.com/frameworks-oss/frameorchestrator/internal/registry"
	"github.com/frameworks-oss/frameorchestrator/internal/router"
	"github.com/frameworks-oss/frameorchestrator/internal/store"
	"github.com/frameworks-oss/frameorchestrator/internal/workqueue"
)

// Engine wires C5 (intake) -> C8 (priority, optional) -> C7 (router) ->
// C4 (work queues), plus the C3 registry, C6 breakers, C9 backpressure,
// and C10 health monitor that every hop consults (§3).
type Engine struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics metrics.Provider

	store      store.Client
	registry   *registry.Registry
	breakers   *breaker.Set
	queues     *workqueue.Manager
	router     *router.Router
	intakeC    *intake.Consumer
	priorityQ  *priority.Queue
	pressure   *backpressure.Controller
	deadLetter *deadletter.Writer
	healthMon  *health.Monitor
	probeGate  *concurrency.Gate

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Option customizes New's construction, mirroring the teacher's functional
// options idiom for swapping a default component.
type Option func(*Engine)

// WithStrategy overrides the router's default LoadBalanced selection.
func WithStrategy(s router.Strategy) Option {
	return func(e *Engine) {
		if e.router != nil {
			e.router.SetStrategy(s)
		}
	}
}

// WithHealthProbeConcurrency stores a Gate with the given limit (0 means
// unbounded) on the engine. The health monitor does not consult it, so
// this option does not bound how many health probes run concurrently.
func WithHealthProbeConcurrency(limit int) Option {
	return func(e *Engine) { e.probeGate = concurrency.NewGate(limit) }
}

// New constructs an Engine from cfg. A nil logger defaults to
// slog.Default(); a nil metrics.Provider defaults to a noop one.
func New(cfg config.Config, logger *slog.Logger, provider metrics.Provider, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Store.Addr, PoolSize: cfg.Store.PoolSize})
	s := store.NewRedisClient(rdb)

	reg := registry.New(s, logger)
	breakers := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		CallTimeout:      cfg.Breaker.CallTimeout,
	}, logger)
	queues := workqueue.New(s, provider, cfg.Queue.DefaultMaxLen)
	rt := router.New(reg, breakers, queues, s, provider, logger, router.NewLoadBalanced())

	intakeCfg := intake.Config{
		Stream: cfg.Intake.Stream, Group: cfg.Intake.Group, Consumer: fmt.Sprintf("orchestrator-%d", time.Now().UnixNano()),
		BlockMs: cfg.Intake.BlockMs, Count: cfg.Intake.Count, ClaimMinIdle: cfg.Intake.ClaimMinIdle,
		ClaimBatchCount: intake.DefaultConfig("").ClaimBatchCount,
	}
	intakeC := intake.New(s, intakeCfg, logger)

	pressureCfg := backpressure.DefaultConfig()
	pressureCfg.Thresholds = backpressure.Thresholds{
		Low: cfg.Backpressure.LowThreshold, High: cfg.Backpressure.HighThreshold, Critical: cfg.Backpressure.CriticalThreshold,
	}
	pressureCfg.AdaptiveEnabled = cfg.Backpressure.AdaptiveEnabled
	pressure := backpressure.New(pressureCfg)

	dl := deadletter.New(s, cfg.DeadLetter.Stream, cfg.DeadLetter.MaxRetries, provider, logger)

	healthMon := health.New(health.Config{
		CheckInterval: cfg.Health.CheckInterval, Timeout: cfg.Health.Timeout,
		FailureThreshold: cfg.Health.FailureThreshold, RecoveryTimeout: cfg.Health.RecoveryTimeout,
	}, breakers, logger, nil)

	e := &Engine{
		cfg: cfg, logger: logger, metrics: provider,
		store: s, registry: reg, breakers: breakers, queues: queues, router: rt,
		intakeC: intakeC, pressure: pressure, deadLetter: dl, healthMon: healthMon,
		probeGate: concurrency.NewGate(0),
	}
	if cfg.PriorityAdmission {
		e.priorityQ = priority.New(priority.Defaults(), provider)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start begins consuming the input stream and routing frames until Stop is
// called or ctx is cancelled. It is idempotent; a second Start is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.stop = make(chan struct{})
	e.mu.Unlock()

	if err := e.intakeC.Start(ctx); err != nil {
		return fmt.Errorf("engine: start intake: %w", err)
	}

	if e.priorityQ != nil {
		e.wg.Add(2)
		go e.pumpIntakeToPriority(ctx)
		go e.pumpPriorityToRouter(ctx)
	} else {
		e.wg.Add(1)
		go e.pumpIntakeToRouter(ctx)
	}

	e.wg.Add(2)
	go e.pumpBackpressure(ctx)
	go e.pumpClaimPending(ctx)
	return nil
}

// Stop signals every pump goroutine to exit and blocks until they do.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stop)
	e.mu.Unlock()

	e.intakeC.Stop()
	e.wg.Wait()
}

func (e *Engine) pumpIntakeToRouter(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case msg, ok := <-e.intakeC.Messages():
			if !ok {
				return
			}
			e.dispatch(ctx, msg)
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) pumpIntakeToPriority(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case msg, ok := <-e.intakeC.Messages():
			if !ok {
				return
			}
			e.priorityQ.Enqueue(&priority.Entry{
				ID: msg.ID, AckID: msg.ID, Frame: msg.Frame, Priority: msg.Frame.Priority(),
			})
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) pumpPriorityToRouter(ctx context.Context) {
	defer e.wg.Done()
	for {
		entry, err := e.priorityQ.Dequeue(ctx)
		if err != nil {
			return
		}
		e.dispatch(ctx, intake.Message{ID: entry.AckID, Frame: entry.Frame})
	}
}

func (e *Engine) dispatch(ctx context.Context, msg intake.Message) {
	d, err := e.router.Route(ctx, msg.Frame)
	if err != nil {
		e.logger.Warn("engine: routing failed", "frame_id", msg.Frame.FrameID, "error", err)
		e.handleRoutingFailure(ctx, msg, err)
		return
	}
	if ackErr := e.intakeC.Ack(ctx, msg.ID); ackErr != nil {
		e.logger.Warn("engine: ack failed", "frame_id", msg.Frame.FrameID, "processor_id", d.Processor.ID, "error", ackErr)
	}
}

// handleRoutingFailure bumps the frame's retry count and either dead-letters
// it (cap reached) or republishes it onto the input stream for another
// attempt, acking the original entry either way. Stream entries are
// immutable, so a retry can only be carried forward as a new entry with the
// bumped retry_count metadata (§5, §7 capacity handling).
func (e *Engine) handleRoutingFailure(ctx context.Context, msg intake.Message, routeErr error) {
	retried := *msg.Frame
	retried.Metadata = deadletter.IncrementRetry(msg.Frame)

	if e.deadLetter.ShouldDeadLetter(&retried) {
		if dlErr := e.deadLetter.Write(ctx, &retried, routeErr.Error()); dlErr != nil {
			e.logger.Error("engine: dead-letter write failed, leaving unacked for redelivery", "frame_id", msg.Frame.FrameID, "error", dlErr)
			return
		}
		if ackErr := e.intakeC.Ack(ctx, msg.ID); ackErr != nil {
			e.logger.Warn("engine: ack after dead-letter failed", "frame_id", msg.Frame.FrameID, "error", ackErr)
		}
		return
	}

	if _, reErr := e.intakeC.Republish(ctx, &retried); reErr != nil {
		e.logger.Error("engine: retry republish failed, leaving unacked for redelivery", "frame_id", msg.Frame.FrameID, "error", reErr)
		return
	}
	if ackErr := e.intakeC.Ack(ctx, msg.ID); ackErr != nil {
		e.logger.Warn("engine: ack after retry republish failed", "frame_id", msg.Frame.FrameID, "error", ackErr)
	}
}

// pumpBackpressure is C9's control loop: it aggregates per-queue utilization
// across every registered processor, feeds it to the pressure controller,
// and throttles C5's read batch size by the returned multiplier, pausing
// reads entirely at the critical level (§4.8, P7, scenario 5).
func (e *Engine) pumpBackpressure(ctx context.Context) {
	defer e.wg.Done()
	interval := e.cfg.Backpressure.EvaluationInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastLevel backpressure.Level
	for {
		select {
		case <-ticker.C:
			e.evaluatePressure(ctx, &lastLevel)
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) evaluatePressure(ctx context.Context, lastLevel *backpressure.Level) {
	processors, err := e.registry.ListAll(ctx)
	if err != nil {
		e.logger.Warn("engine: backpressure evaluation skipped, registry unavailable", "error", err)
		return
	}

	utils := make([]backpressure.QueueUtilization, 0, len(processors))
	for _, p := range processors {
		depth, err := e.store.XLen(ctx, p.Queue)
		if err != nil {
			continue
		}
		capacity := p.Capacity
		if capacity <= 0 {
			capacity = 1
		}
		utils = append(utils, backpressure.QueueUtilization{ProcessorID: p.ID, Utilization: float64(depth) / float64(capacity)})
	}

	level, multiplier := e.pressure.Observe(utils)

	readCount := int64(math.Round(float64(e.cfg.Intake.Count) * multiplier))
	if multiplier > 0 && readCount <= 0 {
		readCount = 1
	}
	e.intakeC.SetReadCount(readCount)

	if level == *lastLevel {
		return
	}
	*lastLevel = level
	switch level {
	case backpressure.LevelHigh:
		e.logger.Warn("engine: backpressure high, throttling intake", "multiplier", multiplier)
	case backpressure.LevelCritical:
		e.logger.Error("engine: backpressure critical, pausing intake", "multiplier", multiplier)
	default:
		e.logger.Info("engine: backpressure level changed", "level", string(level), "multiplier", multiplier)
	}
}

// pumpClaimPending is C5's stale-pending reclaim loop: it runs once at
// startup and then periodically, reassigning any group-pending entries idle
// past ClaimMinIdle (a crashed consumer's unacked frames, including
// capacity-failed ones left unacked) to this consumer and feeding them back
// into dispatch (§4.4, scenario 6).
func (e *Engine) pumpClaimPending(ctx context.Context) {
	defer e.wg.Done()
	interval := e.cfg.Intake.ClaimInterval
	if interval <= 0 {
		interval = time.Minute
	}

	e.reclaimPending(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.reclaimPending(ctx)
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) reclaimPending(ctx context.Context) {
	msgs, err := e.intakeC.ClaimPending(ctx, e.cfg.Intake.ClaimMinIdle)
	if err != nil {
		e.logger.Warn("engine: stale-pending reclaim failed", "error", err)
		return
	}
	for _, msg := range msgs {
		e.logger.Info("engine: reclaimed stale-pending frame", "frame_id", msg.Frame.FrameID)
		e.dispatch(ctx, msg)
	}
}

// Registry exposes the processor registry for the admin HTTP surface.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Breakers exposes the circuit breaker set for the admin HTTP surface.
func (e *Engine) Breakers() *breaker.Set { return e.breakers }

// Queues exposes the work queue manager for the admin HTTP surface.
func (e *Engine) Queues() *workqueue.Manager { return e.queues }

// HealthMonitor exposes the per-processor health monitor.
func (e *Engine) HealthMonitor() *health.Monitor { return e.healthMon }

// Pressure exposes the backpressure controller.
func (e *Engine) Pressure() *backpressure.Controller { return e.pressure }

// Store exposes the underlying Store client.
func (e *Engine) Store() store.Client { return e.store }

// WatchProcessorHealth registers p's health_endpoint with the health
// monitor, a no-op when p has none configured.
func (e *Engine) WatchProcessorHealth(ctx context.Context, p *frame.Processor) {
	if p.HealthEndpoint == "" {
		return
	}
	e.healthMon.Watch(ctx, p.ID, p.HealthEndpoint)
}
