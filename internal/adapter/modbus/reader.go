package modbus

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/domain"
	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/metrics"
)

// Reader fetches the meter's ten-parameter table once per invocation. Each
// parameter gets its own retry budget; one failing parameter degrades that
// field to zero and never aborts the batch.
type Reader struct {
	config      Config
	channel     domain.RegisterChannel
	link        domain.ConnectivityProbe
	logger      zerolog.Logger
	metrics     *metrics.Registry
	descriptors []domain.ParameterDescriptor
	deviceIP    string

	diagnostics []*ParameterDiagnostics

	batches         atomic.Uint64
	completeBatches atomic.Uint64
	partialBatches  atomic.Uint64
	failedBatches   atomic.Uint64
	retries         atomic.Uint64
}

// NewReader creates a reader over the given channel. link supplies the
// connectivity diagnostic consulted after sustained timeouts; metrics may
// be nil.
func NewReader(config Config, channel domain.RegisterChannel, link domain.ConnectivityProbe, logger zerolog.Logger, metricsReg *metrics.Registry) *Reader {
	if config.ReadMaxAttempts <= 0 {
		config.ReadMaxAttempts = 3
	}
	if config.TimeoutCheckThreshold <= 0 {
		config.TimeoutCheckThreshold = 3
	}

	descriptors := domain.Descriptors()
	diagnostics := make([]*ParameterDiagnostics, len(descriptors))
	for i, d := range descriptors {
		diagnostics[i] = &ParameterDiagnostics{Field: d.Field}
	}

	deviceIP := config.Address
	if host, _, err := net.SplitHostPort(config.Address); err == nil {
		deviceIP = host
	}

	return &Reader{
		config:      config,
		channel:     channel,
		link:        link,
		logger:      logger.With().Str("component", "register-reader").Str("address", config.Address).Logger(),
		metrics:     metricsReg,
		descriptors: descriptors,
		deviceIP:    deviceIP,
		diagnostics: diagnostics,
	}
}

// ReadAll fetches all parameters in table order. The returned reading is
// freshly allocated and owned by the caller; fields whose reads failed stay
// zero and their bitmap bits stay clear. The outcome is AllFailed only when
// not a single parameter succeeded, and such a batch must not be published.
func (r *Reader) ReadAll(ctx context.Context) (*domain.MeterReading, domain.SuccessBitmap, domain.ReadOutcome) {
	reading := domain.NewMeterReading(r.deviceIP)
	var bitmap domain.SuccessBitmap

	r.batches.Add(1)
	start := time.Now()
	consecutiveTimeouts := 0

	for i := range r.descriptors {
		desc := &r.descriptors[i]

		select {
		case <-ctx.Done():
			outcome := domain.ClassifyOutcome(bitmap, len(r.descriptors))
			r.recordBatch(outcome)
			return reading, bitmap, outcome
		default:
		}

		value, err := r.readParameter(ctx, desc)
		if err == nil {
			desc.Assign(reading, value)
			bitmap.Set(desc.ID)
			consecutiveTimeouts = 0
			r.diagnostics[desc.ID].recordSuccess()
			if r.metrics != nil {
				r.metrics.RecordParameterRead(desc.Field, true)
			}

			r.checkPlausibility(desc, value)
		} else {
			r.diagnostics[desc.ID].recordFailure()
			if r.metrics != nil {
				r.metrics.RecordParameterRead(desc.Field, false)
			}
			r.logger.Error().Err(err).
				Str("parameter", desc.Name).
				Int("attempts", r.config.ReadMaxAttempts).
				Msg("Parameter read failed, field degraded to zero")

			if errors.Is(err, domain.ErrReadTimeout) {
				consecutiveTimeouts++
				if consecutiveTimeouts >= r.config.TimeoutCheckThreshold {
					r.checkConnectivity()
					consecutiveTimeouts = 0
				}
			}
		}

		r.paceBetweenParameters(ctx, desc.ID)
	}

	outcome := domain.ClassifyOutcome(bitmap, len(r.descriptors))
	r.recordBatch(outcome)
	if r.metrics != nil {
		r.metrics.RecordPollCycle(outcome.String(), time.Since(start).Seconds())
	}

	r.logger.Info().
		Int("succeeded", bitmap.Count()).
		Int("total", len(r.descriptors)).
		Str("bitmap", bitmap.String()).
		Str("outcome", outcome.String()).
		Dur("duration", time.Since(start)).
		Msg("Register batch completed")

	return reading, bitmap, outcome
}

// readParameter reads and decodes one parameter, retrying transient
// failures with linearly increasing delay. Attempts never exceed
// ReadMaxAttempts under any failure pattern.
func (r *Reader) readParameter(ctx context.Context, desc *domain.ParameterDescriptor) (float64, error) {
	var lastErr error

	for attempt := 0; attempt < r.config.ReadMaxAttempts; attempt++ {
		if attempt > 0 {
			r.retries.Add(1)
			if r.metrics != nil {
				r.metrics.RecordReadRetry()
			}
			delay := r.config.RetryBaseDelay + time.Duration(attempt-1)*r.config.RetryStepDelay
			r.logger.Warn().
				Str("parameter", desc.Name).
				Int("attempt", attempt+1).
				Int("max_attempts", r.config.ReadMaxAttempts).
				Dur("delay", delay).
				Err(lastErr).
				Msg("Retrying parameter read")

			select {
			case <-ctx.Done():
				return 0, lastErr
			case <-time.After(delay):
			}
		}

		raw, err := r.channel.ReadInputRegisters(desc.Address, desc.RegisterCount)
		if err != nil {
			lastErr = err
			continue
		}

		value, err := domain.DecodeWordSwappedFloat32(raw)
		if err != nil {
			lastErr = err
			continue
		}

		r.logger.Debug().
			Str("parameter", desc.Name).
			Float64("value", value).
			Str("unit", desc.Unit).
			Msg("Parameter decoded")
		return value, nil
	}

	return 0, lastErr
}

// checkPlausibility warns about values outside the advisory ranges. The
// value has already been stored; this never alters the read path.
func (r *Reader) checkPlausibility(desc *domain.ParameterDescriptor, value float64) {
	if domain.IsPlausible(desc.Field, value) {
		return
	}
	bounds, _ := domain.PlausibilityBounds(desc.Field)
	r.logger.Warn().
		Str("parameter", desc.Name).
		Float64("value", value).
		Float64("min", bounds.Min).
		Float64("max", bounds.Max).
		Msg("Reading outside plausible range, storing anyway")
	if r.metrics != nil {
		r.metrics.RecordImplausibleValue(desc.Field)
	}
}

// checkConnectivity consults the link supervisor after sustained timeouts.
// Purely diagnostic: the result feeds logs and metrics, never control flow.
func (r *Reader) checkConnectivity() {
	if r.metrics != nil {
		r.metrics.RecordConnectivityCheck()
	}
	if r.link == nil {
		return
	}
	if r.link.IsConnected() {
		r.logger.Warn().Msg("Multiple consecutive timeouts with link up, meter may be wedged")
	} else {
		r.logger.Warn().Msg("Multiple consecutive timeouts, link is down")
	}
}

// paceBetweenParameters applies the configured inter-parameter delay, with
// the extra allowance the meter needs for its first answers.
func (r *Reader) paceBetweenParameters(ctx context.Context, id int) {
	delay := r.config.InterParameterDelay
	if id < r.config.FirstParamsSlowCount {
		delay += r.config.FirstParamsExtraDelay
	}
	if delay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func (r *Reader) recordBatch(outcome domain.ReadOutcome) {
	switch outcome {
	case domain.OutcomeComplete:
		r.completeBatches.Add(1)
	case domain.OutcomePartial:
		r.partialBatches.Add(1)
	case domain.OutcomeAllFailed:
		r.failedBatches.Add(1)
	}
}

// Stats returns a snapshot of batch-level counters.
func (r *Reader) Stats() ReaderStats {
	return ReaderStats{
		Batches:         r.batches.Load(),
		CompleteBatches: r.completeBatches.Load(),
		PartialBatches:  r.partialBatches.Load(),
		FailedBatches:   r.failedBatches.Load(),
		Retries:         r.retries.Load(),
	}
}

// Diagnostics returns the per-parameter reliability trackers in table
// order.
func (r *Reader) Diagnostics() []*ParameterDiagnostics {
	return r.diagnostics
}
