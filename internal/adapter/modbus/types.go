package modbus

import (
	"sync/atomic"
	"time"
)

// Config holds the meter connection and read policy tunables. The retry
// and pacing numbers mirror empirically chosen values for the meter's slow
// responses over a wireless hop; none of them are architecturally derived
// and all can be overridden from configuration.
type Config struct {
	// Address is the meter's host:port.
	Address string

	// SlaveID is the Modbus unit ID (1-247).
	SlaveID byte

	// Timeout is the channel-level response timeout for a single request.
	Timeout time.Duration

	// SettleDelay is how long to wait after a successful connect before
	// issuing the first read.
	SettleDelay time.Duration

	// ReadMaxAttempts is the total attempts per parameter, first try
	// included.
	ReadMaxAttempts int

	// RetryBaseDelay and RetryStepDelay shape the linearly increasing
	// delay before retry i: RetryBaseDelay + i*RetryStepDelay.
	RetryBaseDelay time.Duration
	RetryStepDelay time.Duration

	// InterParameterDelay paces consecutive parameter reads.
	InterParameterDelay time.Duration

	// FirstParamsExtraDelay is added after each of the first
	// FirstParamsSlowCount parameters, which the meter answers slowly
	// right after a connection.
	FirstParamsExtraDelay time.Duration
	FirstParamsSlowCount  int

	// TimeoutCheckThreshold is how many consecutive timed-out parameters
	// trigger a diagnostic connectivity check.
	TimeoutCheckThreshold int
}

// DefaultConfig returns a Config with sensible defaults for an SDM120
// behind a wireless bridge.
func DefaultConfig(address string) Config {
	return Config{
		Address:               address,
		SlaveID:               1,
		Timeout:               3 * time.Second,
		SettleDelay:           500 * time.Millisecond,
		ReadMaxAttempts:       3,
		RetryBaseDelay:        200 * time.Millisecond,
		RetryStepDelay:        300 * time.Millisecond,
		InterParameterDelay:   100 * time.Millisecond,
		FirstParamsExtraDelay: 100 * time.Millisecond,
		FirstParamsSlowCount:  3,
		TimeoutCheckThreshold: 3,
	}
}

// ParameterDiagnostics tracks read reliability for one parameter across
// poll cycles.
type ParameterDiagnostics struct {
	Field string

	ReadCount           atomic.Uint64
	ErrorCount          atomic.Uint64
	ConsecutiveFailures atomic.Int32
	lastSuccess         atomic.Int64 // unix nanos
}

// LastSuccess returns when the parameter last decoded successfully, or the
// zero time if it never has.
func (d *ParameterDiagnostics) LastSuccess() time.Time {
	ns := d.lastSuccess.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (d *ParameterDiagnostics) recordSuccess() {
	d.ReadCount.Add(1)
	d.ConsecutiveFailures.Store(0)
	d.lastSuccess.Store(time.Now().UnixNano())
}

func (d *ParameterDiagnostics) recordFailure() {
	d.ErrorCount.Add(1)
	d.ConsecutiveFailures.Add(1)
}

// ReaderStats is a snapshot of batch-level reader counters.
type ReaderStats struct {
	Batches         uint64 `json:"batches"`
	CompleteBatches uint64 `json:"complete_batches"`
	PartialBatches  uint64 `json:"partial_batches"`
	FailedBatches   uint64 `json:"failed_batches"`
	Retries         uint64 `json:"retries"`
}
