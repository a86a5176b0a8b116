package domain

import (
	"strings"
	"time"
)

// LinkState represents the wireless link state machine position. It is
// written only by the connectivity supervisor; other components read it
// through atomic accessors and may observe it lag the true link status by
// up to one monitor tick.
type LinkState int32

const (
	LinkIdle LinkState = iota
	LinkConnecting
	LinkConnected
	LinkBackoff
	LinkFailed
)

// String returns a human-readable state name.
func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkBackoff:
		return "backoff"
	case LinkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReadOutcome classifies one register batch.
type ReadOutcome int

const (
	// OutcomeAllFailed means no parameter was read this cycle. A batch
	// with this outcome must not be published.
	OutcomeAllFailed ReadOutcome = iota
	// OutcomePartial means some but not all parameters were read.
	OutcomePartial
	// OutcomeComplete means every parameter was read.
	OutcomeComplete
)

// String returns a human-readable outcome name.
func (o ReadOutcome) String() string {
	switch o {
	case OutcomeAllFailed:
		return "all_failed"
	case OutcomePartial:
		return "partial"
	case OutcomeComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// ClassifyOutcome derives the batch outcome from the success bitmap.
func ClassifyOutcome(bitmap SuccessBitmap, total int) ReadOutcome {
	switch bitmap.Count() {
	case 0:
		return OutcomeAllFailed
	case total:
		return OutcomeComplete
	default:
		return OutcomePartial
	}
}

// PublishOutcome reports the result of handing a reading to the broker
// session. Delivery itself is asynchronous and never reflected here.
type PublishOutcome int

const (
	// PublishNotConnected means the broker session was down and the
	// reading was dropped. The next poll cycle simply tries again.
	PublishNotConnected PublishOutcome = iota
	// Published means the messages were handed to the broker client.
	Published
)

// String returns a human-readable outcome name.
func (o PublishOutcome) String() string {
	switch o {
	case PublishNotConnected:
		return "not_connected"
	case Published:
		return "published"
	default:
		return "unknown"
	}
}

// SuccessBitmap records which parameters were read this cycle, one bit per
// descriptor ID.
type SuccessBitmap uint16

// Set marks parameter i as successfully read.
func (b *SuccessBitmap) Set(i int) {
	*b |= 1 << uint(i)
}

// IsSet reports whether parameter i was successfully read.
func (b SuccessBitmap) IsSet(i int) bool {
	return b&(1<<uint(i)) != 0
}

// Count returns the number of successfully read parameters.
func (b SuccessBitmap) Count() int {
	n := 0
	for v := b; v != 0; v &= v - 1 {
		n++
	}
	return n
}

// Complete reports whether all n parameters were read.
func (b SuccessBitmap) Complete(n int) bool {
	return b.Count() == n
}

// String renders the bitmap as a bit string, parameter 0 first.
func (b SuccessBitmap) String() string {
	var sb strings.Builder
	for i := 0; i < ParameterCount; i++ {
		if b.IsSet(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// MeterReading holds one poll cycle's decoded values. A fresh zero-valued
// reading is created at the start of each cycle and owned by that cycle
// alone; a field holds its decoded value only if its read succeeded, and is
// never partially overwritten by a failed read.
type MeterReading struct {
	Voltage       float64 `json:"voltage"`
	Current       float64 `json:"current"`
	ActivePower   float64 `json:"active_power"`
	ApparentPower float64 `json:"apparent_power"`
	ReactivePower float64 `json:"reactive_power"`
	PowerFactor   float64 `json:"power_factor"`
	Frequency     float64 `json:"frequency"`
	ImportEnergy  float64 `json:"import_energy"`
	ExportEnergy  float64 `json:"export_energy"`
	TotalEnergy   float64 `json:"total_energy"`

	// Timestamp is the capture time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
	// DeviceIP identifies the meter the values came from.
	DeviceIP string `json:"device_ip"`
}

// NewMeterReading returns a zeroed reading stamped with the current time.
func NewMeterReading(deviceIP string) *MeterReading {
	return &MeterReading{
		Timestamp: time.Now().UnixMilli(),
		DeviceIP:  deviceIP,
	}
}
