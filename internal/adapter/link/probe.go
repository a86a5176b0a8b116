package link

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/domain"
)

// Prober checks whether the wireless hop to the meter is alive.
type Prober interface {
	Probe(ctx context.Context) error
}

// PingProber probes the meter address with a single unprivileged ICMP echo.
// An answered echo is taken as the link being up; the Modbus service itself
// is verified separately by the reader's own health probe.
type PingProber struct {
	host    string
	timeout time.Duration
}

// NewPingProber creates a prober for the given host.
func NewPingProber(host string, timeout time.Duration) *PingProber {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &PingProber{host: host, timeout: timeout}
}

// Probe sends one echo request and waits up to the configured timeout for
// the reply.
func (p *PingProber) Probe(ctx context.Context) error {
	pinger, err := probing.NewPinger(p.host)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProbeFailed, err)
	}

	pinger.Count = 1
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(false) // UDP-based, no root needed

	if err := pinger.RunWithContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProbeFailed, err)
	}

	if pinger.Statistics().PacketsRecv == 0 {
		return fmt.Errorf("%w: no echo reply from %s", domain.ErrProbeFailed, p.host)
	}
	return nil
}
