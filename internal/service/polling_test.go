package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/domain"
)

type fakeReader struct {
	calls   atomic.Int32
	outcome domain.ReadOutcome
	bitmap  domain.SuccessBitmap
}

func (r *fakeReader) ReadAll(ctx context.Context) (*domain.MeterReading, domain.SuccessBitmap, domain.ReadOutcome) {
	r.calls.Add(1)
	reading := domain.NewMeterReading("192.0.2.10")
	reading.Voltage = 230.1
	return reading, r.bitmap, r.outcome
}

type fakePublisher struct {
	calls   atomic.Int32
	outcome domain.PublishOutcome
}

func (p *fakePublisher) Publish(reading *domain.MeterReading, bitmap domain.SuccessBitmap) domain.PublishOutcome {
	p.calls.Add(1)
	return p.outcome
}

func completeBitmap() domain.SuccessBitmap {
	var bm domain.SuccessBitmap
	for i := 0; i < domain.ParameterCount; i++ {
		bm.Set(i)
	}
	return bm
}

func TestRunCyclePublishesSuccessfulReading(t *testing.T) {
	reader := &fakeReader{outcome: domain.OutcomeComplete, bitmap: completeBitmap()}
	publisher := &fakePublisher{outcome: domain.Published}
	loop := NewPollLoop(DefaultConfig(), reader, publisher, zerolog.Nop(), nil)

	outcome := loop.runCycle(context.Background())

	if outcome != domain.OutcomeComplete {
		t.Fatalf("expected complete outcome, got %v", outcome)
	}
	if publisher.calls.Load() != 1 {
		t.Fatalf("expected one publish, got %d", publisher.calls.Load())
	}

	snap, err := loop.LastReading()
	if err != nil {
		t.Fatalf("expected snapshot, got %v", err)
	}
	if snap.Cycle != 1 || snap.FieldsRead != domain.ParameterCount {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	stats := loop.GetStats()
	if stats.Cycles != 1 || stats.PublishedCycles != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRunCycleSkipsPublishWhenAllFailed(t *testing.T) {
	reader := &fakeReader{outcome: domain.OutcomeAllFailed}
	publisher := &fakePublisher{outcome: domain.Published}
	loop := NewPollLoop(DefaultConfig(), reader, publisher, zerolog.Nop(), nil)

	outcome := loop.runCycle(context.Background())

	if outcome != domain.OutcomeAllFailed {
		t.Fatalf("expected all-failed outcome, got %v", outcome)
	}
	if publisher.calls.Load() != 0 {
		t.Fatal("publisher must not be called for an all-failed cycle")
	}
	if _, err := loop.LastReading(); !errors.Is(err, domain.ErrNoReadingAvailable) {
		t.Errorf("expected no snapshot yet, got %v", err)
	}
	stats := loop.GetStats()
	if stats.FailedCycles != 1 || stats.SkippedCycles != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRunCycleKeepsSnapshotWhenBrokerDown(t *testing.T) {
	reader := &fakeReader{outcome: domain.OutcomePartial, bitmap: func() domain.SuccessBitmap {
		var bm domain.SuccessBitmap
		bm.Set(0)
		return bm
	}()}
	publisher := &fakePublisher{outcome: domain.PublishNotConnected}
	loop := NewPollLoop(DefaultConfig(), reader, publisher, zerolog.Nop(), nil)

	loop.runCycle(context.Background())

	if _, err := loop.LastReading(); err != nil {
		t.Fatalf("snapshot must survive a failed publish, got %v", err)
	}
	stats := loop.GetStats()
	if stats.SkippedCycles != 1 || stats.PublishedCycles != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestLoopRunsUntilStopped(t *testing.T) {
	reader := &fakeReader{outcome: domain.OutcomeComplete, bitmap: completeBitmap()}
	publisher := &fakePublisher{outcome: domain.Published}
	cfg := Config{Period: 5 * time.Millisecond, RecoveryDelay: 0}
	loop := NewPollLoop(cfg, reader, publisher, zerolog.Nop(), nil)

	loop.Start(context.Background())
	if !loop.IsRunning() {
		t.Fatal("expected loop to be running")
	}

	deadline := time.After(time.Second)
	for reader.calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatal("loop did not complete three cycles in time")
		case <-time.After(time.Millisecond):
		}
	}

	loop.Stop()
	if loop.IsRunning() {
		t.Fatal("expected loop to be stopped")
	}
	if err := loop.HealthCheck(context.Background()); !errors.Is(err, domain.ErrServiceNotStarted) {
		t.Errorf("expected not-started error after stop, got %v", err)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	reader := &fakeReader{outcome: domain.OutcomeComplete, bitmap: completeBitmap()}
	publisher := &fakePublisher{outcome: domain.Published}
	loop := NewPollLoop(Config{Period: time.Hour}, reader, publisher, zerolog.Nop(), nil)

	loop.Start(context.Background())
	loop.Start(context.Background())
	loop.Stop()
}

func TestCycleDelayAddsRecoveryOnAllFailed(t *testing.T) {
	cfg := Config{Period: 5 * time.Second, RecoveryDelay: 2 * time.Second}
	loop := NewPollLoop(cfg, &fakeReader{}, &fakePublisher{}, zerolog.Nop(), nil)

	if got := loop.cycleDelay(domain.OutcomeComplete); got != 5*time.Second {
		t.Errorf("complete cycle: expected 5s delay, got %v", got)
	}
	if got := loop.cycleDelay(domain.OutcomePartial); got != 5*time.Second {
		t.Errorf("partial cycle: expected 5s delay, got %v", got)
	}
	if got := loop.cycleDelay(domain.OutcomeAllFailed); got != 7*time.Second {
		t.Errorf("all-failed cycle: expected 7s delay, got %v", got)
	}
}
