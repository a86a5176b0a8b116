package modbus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/domain"
)

// scriptedChannel serves canned values per register address and can be told
// to fail a given number of times, or forever, for selected addresses.
type scriptedChannel struct {
	values map[uint16]float64

	// failures maps address to remaining failures; -1 means fail forever.
	failures map[uint16]int
	failWith error

	calls map[uint16]int
}

func newScriptedChannel() *scriptedChannel {
	values := make(map[uint16]float64)
	for _, d := range domain.Descriptors() {
		values[d.Address] = float64(d.ID) + 0.5
	}
	return &scriptedChannel{
		values:   values,
		failures: make(map[uint16]int),
		failWith: domain.ErrReadFailed,
		calls:    make(map[uint16]int),
	}
}

func (c *scriptedChannel) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	c.calls[address]++
	if n, ok := c.failures[address]; ok && n != 0 {
		if n > 0 {
			c.failures[address] = n - 1
		}
		return nil, c.failWith
	}
	v, ok := c.values[address]
	if !ok {
		return nil, fmt.Errorf("unexpected address 0x%04X", address)
	}
	return domain.EncodeWordSwappedFloat32(float32(v)), nil
}

type fakeLink struct {
	connected bool
	checks    atomic.Int32
}

func (l *fakeLink) IsConnected() bool {
	l.checks.Add(1)
	return l.connected
}

func testReaderConfig() Config {
	cfg := DefaultConfig("192.0.2.10:502")
	cfg.RetryBaseDelay = 0
	cfg.RetryStepDelay = 0
	cfg.InterParameterDelay = 0
	cfg.FirstParamsExtraDelay = 0
	return cfg
}

func TestReadAllComplete(t *testing.T) {
	channel := newScriptedChannel()
	reader := NewReader(testReaderConfig(), channel, nil, zerolog.Nop(), nil)

	reading, bitmap, outcome := reader.ReadAll(context.Background())

	if outcome != domain.OutcomeComplete {
		t.Fatalf("expected complete outcome, got %v", outcome)
	}
	if !bitmap.Complete(domain.ParameterCount) {
		t.Fatalf("expected full bitmap, got %s", bitmap.String())
	}
	if reading.DeviceIP != "192.0.2.10" {
		t.Errorf("expected device IP 192.0.2.10, got %q", reading.DeviceIP)
	}
	if reading.Timestamp == 0 {
		t.Error("expected timestamp to be set")
	}
	for _, d := range domain.Descriptors() {
		want := float64(d.ID) + 0.5
		got := d.Value(reading)
		if math.Abs(got-want) > 1e-6 {
			t.Errorf("%s: expected %v, got %v", d.Field, want, got)
		}
	}
}

func TestReadAllPartialDegradesFailedFields(t *testing.T) {
	channel := newScriptedChannel()
	descriptors := domain.Descriptors()
	failed := map[int]bool{1: true, 4: true, 9: true}
	for id := range failed {
		channel.failures[descriptors[id].Address] = -1
	}

	reader := NewReader(testReaderConfig(), channel, nil, zerolog.Nop(), nil)
	reading, bitmap, outcome := reader.ReadAll(context.Background())

	if outcome != domain.OutcomePartial {
		t.Fatalf("expected partial outcome, got %v", outcome)
	}
	if bitmap.Count() != 7 {
		t.Fatalf("expected 7 successes, got %d (%s)", bitmap.Count(), bitmap.String())
	}
	for _, d := range descriptors {
		if failed[d.ID] {
			if bitmap.IsSet(d.ID) {
				t.Errorf("%s: bit set despite failure", d.Field)
			}
			if d.Value(reading) != 0 {
				t.Errorf("%s: expected zero value, got %v", d.Field, d.Value(reading))
			}
		} else if !bitmap.IsSet(d.ID) {
			t.Errorf("%s: bit clear despite success", d.Field)
		}
	}
}

func TestReadAllAllFailed(t *testing.T) {
	channel := newScriptedChannel()
	for _, d := range domain.Descriptors() {
		channel.failures[d.Address] = -1
	}

	reader := NewReader(testReaderConfig(), channel, nil, zerolog.Nop(), nil)
	_, bitmap, outcome := reader.ReadAll(context.Background())

	if outcome != domain.OutcomeAllFailed {
		t.Fatalf("expected all-failed outcome, got %v", outcome)
	}
	if bitmap.Count() != 0 {
		t.Fatalf("expected empty bitmap, got %s", bitmap.String())
	}
}

func TestReadParameterRecoversWithinRetryBudget(t *testing.T) {
	channel := newScriptedChannel()
	voltage := domain.Descriptors()[0]
	channel.failures[voltage.Address] = 2 // two failures, third attempt succeeds

	reader := NewReader(testReaderConfig(), channel, nil, zerolog.Nop(), nil)
	reading, bitmap, _ := reader.ReadAll(context.Background())

	if !bitmap.IsSet(0) {
		t.Fatal("expected voltage to succeed on the final attempt")
	}
	if reading.Voltage != 0.5 {
		t.Errorf("expected voltage 0.5, got %v", reading.Voltage)
	}
	if got := channel.calls[voltage.Address]; got != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", got)
	}
}

func TestReadParameterNeverExceedsAttemptBudget(t *testing.T) {
	channel := newScriptedChannel()
	for _, d := range domain.Descriptors() {
		channel.failures[d.Address] = -1
	}

	cfg := testReaderConfig()
	reader := NewReader(cfg, channel, nil, zerolog.Nop(), nil)
	reader.ReadAll(context.Background())

	for _, d := range domain.Descriptors() {
		if got := channel.calls[d.Address]; got != cfg.ReadMaxAttempts {
			t.Errorf("%s: expected %d attempts, got %d", d.Field, cfg.ReadMaxAttempts, got)
		}
	}
}

func TestConsecutiveTimeoutsTriggerConnectivityCheck(t *testing.T) {
	channel := newScriptedChannel()
	channel.failWith = domain.ErrReadTimeout
	descriptors := domain.Descriptors()
	for _, d := range descriptors[:3] {
		channel.failures[d.Address] = -1
	}

	link := &fakeLink{connected: true}
	reader := NewReader(testReaderConfig(), channel, link, zerolog.Nop(), nil)
	reader.ReadAll(context.Background())

	if got := link.checks.Load(); got != 1 {
		t.Errorf("expected exactly one connectivity check, got %d", got)
	}
}

func TestSuccessResetsTimeoutCounter(t *testing.T) {
	channel := newScriptedChannel()
	channel.failWith = domain.ErrReadTimeout
	descriptors := domain.Descriptors()
	// Two timeouts, a success, then two more timeouts: threshold of three
	// is never reached.
	channel.failures[descriptors[0].Address] = -1
	channel.failures[descriptors[1].Address] = -1
	channel.failures[descriptors[3].Address] = -1
	channel.failures[descriptors[4].Address] = -1

	link := &fakeLink{connected: true}
	reader := NewReader(testReaderConfig(), channel, link, zerolog.Nop(), nil)
	reader.ReadAll(context.Background())

	if got := link.checks.Load(); got != 0 {
		t.Errorf("expected no connectivity checks, got %d", got)
	}
}

func TestReadAllHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	channel := newScriptedChannel()
	reader := NewReader(testReaderConfig(), channel, nil, zerolog.Nop(), nil)
	_, bitmap, outcome := reader.ReadAll(ctx)

	if bitmap.Count() != 0 {
		t.Errorf("expected no reads after cancellation, got %s", bitmap.String())
	}
	if outcome != domain.OutcomeAllFailed {
		t.Errorf("expected all-failed outcome for cancelled batch, got %v", outcome)
	}
}

func TestHealthCheckProbesVoltageRegister(t *testing.T) {
	channel := newScriptedChannel()
	reader := NewReader(testReaderConfig(), channel, nil, zerolog.Nop(), nil)

	if err := reader.HealthCheck(context.Background()); err != nil {
		t.Fatalf("expected healthy probe, got %v", err)
	}

	channel.failures[domain.Descriptors()[0].Address] = -1
	if err := reader.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected probe failure")
	} else if !errors.Is(err, domain.ErrReadFailed) {
		t.Errorf("expected wrapped read error, got %v", err)
	}
}

func TestReaderStatsCountBatches(t *testing.T) {
	channel := newScriptedChannel()
	reader := NewReader(testReaderConfig(), channel, nil, zerolog.Nop(), nil)

	reader.ReadAll(context.Background())
	channel.failures[domain.Descriptors()[0].Address] = -1
	reader.ReadAll(context.Background())

	stats := reader.Stats()
	if stats.Batches != 2 {
		t.Errorf("expected 2 batches, got %d", stats.Batches)
	}
	if stats.CompleteBatches != 1 {
		t.Errorf("expected 1 complete batch, got %d", stats.CompleteBatches)
	}
	if stats.PartialBatches != 1 {
		t.Errorf("expected 1 partial batch, got %d", stats.PartialBatches)
	}
	if stats.Retries == 0 {
		t.Error("expected retry counter to advance")
	}
}
