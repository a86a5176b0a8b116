package modbus

import (
	"context"
	"fmt"
	"time"

	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/domain"
)

// HealthCheck issues a single probe read of the voltage register to verify
// the meter answers end to end. It bypasses the retry budget on purpose: a
// health probe should report the channel as it is, not as it looks after
// three attempts.
func (r *Reader) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	desc := &r.descriptors[0]
	raw, err := r.channel.ReadInputRegisters(desc.Address, desc.RegisterCount)
	if err != nil {
		return fmt.Errorf("probe read of %s failed: %w", desc.Name, err)
	}
	if _, err := domain.DecodeWordSwappedFloat32(raw); err != nil {
		return fmt.Errorf("probe read of %s returned malformed data: %w", desc.Name, err)
	}
	return nil
}

// ParameterHealth is a point-in-time reliability summary for one
// parameter, exposed through the status API.
type ParameterHealth struct {
	Field               string    `json:"field"`
	ReadCount           uint64    `json:"read_count"`
	ErrorCount          uint64    `json:"error_count"`
	ConsecutiveFailures int32     `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
}

// ParameterHealthReport snapshots the per-parameter diagnostics in table
// order.
func (r *Reader) ParameterHealthReport() []ParameterHealth {
	report := make([]ParameterHealth, len(r.diagnostics))
	for i, d := range r.diagnostics {
		report[i] = ParameterHealth{
			Field:               d.Field,
			ReadCount:           d.ReadCount.Load(),
			ErrorCount:          d.ErrorCount.Load(),
			ConsecutiveFailures: d.ConsecutiveFailures.Load(),
			LastSuccess:         d.LastSuccess(),
		}
	}
	return report
}
