// Package service contains the polling orchestrator that ties the register
// reader and the telemetry publisher together on a fixed cadence.
package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/domain"
	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/metrics"
)

// TelemetryReader fetches one batch of meter parameters.
type TelemetryReader interface {
	ReadAll(ctx context.Context) (*domain.MeterReading, domain.SuccessBitmap, domain.ReadOutcome)
}

// TelemetryPublisher ships one batch to the broker.
type TelemetryPublisher interface {
	Publish(reading *domain.MeterReading, bitmap domain.SuccessBitmap) domain.PublishOutcome
}

// Config holds the loop cadence tunables.
type Config struct {
	// Period is the pause between cycles.
	Period time.Duration

	// RecoveryDelay is added to Period after a cycle in which every
	// parameter failed, giving the meter and the link room to recover.
	RecoveryDelay time.Duration
}

// DefaultConfig returns the standard 5 s cadence with a 2 s recovery
// extension.
func DefaultConfig() Config {
	return Config{
		Period:        5 * time.Second,
		RecoveryDelay: 2 * time.Second,
	}
}

// Snapshot is the most recent publishable cycle result, served by the
// status API.
type Snapshot struct {
	Reading     *domain.MeterReading `json:"reading"`
	Bitmap      string               `json:"bitmap"`
	FieldsRead  int                  `json:"fields_read"`
	Outcome     string               `json:"outcome"`
	Cycle       uint64               `json:"cycle"`
	CompletedAt time.Time            `json:"completed_at"`
}

// PollLoop runs read-publish cycles until its context is cancelled.
// Failures of either side never stop the loop; a cycle with zero
// successful parameters is not published and earns the meter extra
// recovery time.
type PollLoop struct {
	config    Config
	reader    TelemetryReader
	publisher TelemetryPublisher
	logger    zerolog.Logger
	metrics   *metrics.Registry

	running  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	snapshot atomic.Pointer[Snapshot]

	cycles          atomic.Uint64
	publishedCycles atomic.Uint64
	skippedCycles   atomic.Uint64
	failedCycles    atomic.Uint64
}

// NewPollLoop creates the loop. metricsReg may be nil.
func NewPollLoop(config Config, reader TelemetryReader, publisher TelemetryPublisher, logger zerolog.Logger, metricsReg *metrics.Registry) *PollLoop {
	if config.Period <= 0 {
		config.Period = 5 * time.Second
	}
	if config.RecoveryDelay < 0 {
		config.RecoveryDelay = 0
	}
	return &PollLoop{
		config:    config,
		reader:    reader,
		publisher: publisher,
		logger:    logger.With().Str("component", "poll-loop").Logger(),
		metrics:   metricsReg,
	}
}

// Start launches the loop goroutine. Idempotent; the second call is a
// no-op.
func (l *PollLoop) Start(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.wg.Add(1)
	go l.run(loopCtx)

	l.logger.Info().
		Dur("period", l.config.Period).
		Dur("recovery_delay", l.config.RecoveryDelay).
		Msg("Poll loop started")
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
func (l *PollLoop) Stop() {
	if !l.running.CompareAndSwap(true, false) {
		return
	}
	l.cancel()
	l.wg.Wait()
	l.logger.Info().Msg("Poll loop stopped")
}

func (l *PollLoop) run(ctx context.Context) {
	defer l.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		outcome := l.runCycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.cycleDelay(outcome)):
		}
	}
}

// cycleDelay returns the pause before the next cycle. A cycle in which the
// meter answered nothing gets the extra recovery delay on top of the
// period, giving a struggling link room to come back.
func (l *PollLoop) cycleDelay(outcome domain.ReadOutcome) time.Duration {
	if outcome == domain.OutcomeAllFailed {
		return l.config.Period + l.config.RecoveryDelay
	}
	return l.config.Period
}

// runCycle executes one read-publish cycle and returns the read outcome.
func (l *PollLoop) runCycle(ctx context.Context) domain.ReadOutcome {
	cycle := l.cycles.Add(1)

	reading, bitmap, outcome := l.reader.ReadAll(ctx)

	if outcome == domain.OutcomeAllFailed {
		l.failedCycles.Add(1)
		l.skippedCycles.Add(1)
		l.logger.Error().
			Uint64("cycle", cycle).
			Msg("All parameters failed, skipping publish and extending pause")
		return outcome
	}

	l.snapshot.Store(&Snapshot{
		Reading:     reading,
		Bitmap:      bitmap.String(),
		FieldsRead:  bitmap.Count(),
		Outcome:     outcome.String(),
		Cycle:       cycle,
		CompletedAt: time.Now(),
	})

	l.logCycle(cycle, reading, bitmap, outcome)

	switch l.publisher.Publish(reading, bitmap) {
	case domain.Published:
		l.publishedCycles.Add(1)
	case domain.PublishNotConnected:
		l.skippedCycles.Add(1)
		l.logger.Warn().Uint64("cycle", cycle).Msg("Broker session down, reading not published")
	}

	return outcome
}

// logCycle prints the full parameter set once per publishable cycle.
func (l *PollLoop) logCycle(cycle uint64, reading *domain.MeterReading, bitmap domain.SuccessBitmap, outcome domain.ReadOutcome) {
	event := l.logger.Info().
		Uint64("cycle", cycle).
		Str("outcome", outcome.String()).
		Str("bitmap", bitmap.String())
	for _, d := range domain.Descriptors() {
		event = event.Float64(d.Field, d.Value(reading))
	}
	event.Msg("Meter cycle completed")
}

// LastReading returns the most recent publishable snapshot.
func (l *PollLoop) LastReading() (*Snapshot, error) {
	snap := l.snapshot.Load()
	if snap == nil {
		return nil, domain.ErrNoReadingAvailable
	}
	return snap, nil
}

// Stats is a point-in-time view of the loop counters.
type Stats struct {
	Cycles          uint64 `json:"cycles"`
	PublishedCycles uint64 `json:"published_cycles"`
	SkippedCycles   uint64 `json:"skipped_cycles"`
	FailedCycles    uint64 `json:"failed_cycles"`
}

// GetStats returns the loop counters.
func (l *PollLoop) GetStats() Stats {
	return Stats{
		Cycles:          l.cycles.Load(),
		PublishedCycles: l.publishedCycles.Load(),
		SkippedCycles:   l.skippedCycles.Load(),
		FailedCycles:    l.failedCycles.Load(),
	}
}

// IsRunning reports whether the loop goroutine is active.
func (l *PollLoop) IsRunning() bool {
	return l.running.Load()
}

// HealthCheck implements the health.Checker interface.
func (l *PollLoop) HealthCheck(ctx context.Context) error {
	if !l.running.Load() {
		return domain.ErrServiceNotStarted
	}
	return nil
}
