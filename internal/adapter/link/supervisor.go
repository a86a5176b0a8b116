// Package link supervises the wireless hop between the bridge and the
// meter. It owns the link state machine and its reconnection policy and
// exposes the last-known state to other components without blocking them.
package link

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/domain"
	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/metrics"
)

// Config holds the connectivity supervisor tunables. The numeric defaults
// are empirically chosen for flaky consumer wireless gear, not derived; all
// of them can be overridden from configuration.
type Config struct {
	// Target is the address probed for liveness, normally the meter IP.
	Target string

	// ConnectMaxAttempts bounds one reconnect sequence. Exhausting it
	// parks the state machine in Failed until the next monitor tick.
	ConnectMaxAttempts int

	// ConnectBackoff is the delay between attempts within one sequence.
	ConnectBackoff time.Duration

	// MonitorInterval is the background monitor cadence.
	MonitorInterval time.Duration

	// ProbeTimeout bounds a single liveness probe.
	ProbeTimeout time.Duration

	// ProbeTripThreshold is how many consecutive probe failures it takes
	// for a Connected link to be declared down.
	ProbeTripThreshold uint32

	// ProbeRecoveryTimeout is how long a tripped probe breaker stays open
	// before it allows a verification probe again.
	ProbeRecoveryTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(target string) Config {
	return Config{
		Target:               target,
		ConnectMaxAttempts:   5,
		ConnectBackoff:       2 * time.Second,
		MonitorInterval:      10 * time.Second,
		ProbeTimeout:         2 * time.Second,
		ProbeTripThreshold:   3,
		ProbeRecoveryTimeout: 30 * time.Second,
	}
}

// Stats is a snapshot of supervisor counters.
type Stats struct {
	ConnectAttempts uint64
	Reconnects      uint64
	ProbeFailures   uint64
	LastConnected   time.Time
}

// Supervisor drives the link state machine. States move
// Idle → Connecting → Connected on success, through Backoff between
// attempts, and into Failed when a sequence exhausts its budget. Failed is
// never terminal: the background monitor keeps retrying for the process
// lifetime. Only the supervisor writes the state; everyone else reads it.
type Supervisor struct {
	config  Config
	prober  Prober
	logger  zerolog.Logger
	metrics *metrics.Registry

	state   atomic.Int32
	started atomic.Bool

	// seqMu serializes reconnect sequences between ConnectAndWait and the
	// background monitor.
	seqMu sync.Mutex

	// breaker dampens the Connected→down verdict so a single dropped echo
	// doesn't flap the state machine. Replaced with a fresh one after each
	// successful reconnect so a previously tripped breaker cannot condemn
	// a recovered link.
	breakerMu sync.Mutex
	breaker   *gobreaker.CircuitBreaker

	wg sync.WaitGroup

	connectAttempts atomic.Uint64
	reconnects      atomic.Uint64
	probeFailures   atomic.Uint64
	lastConnected   atomic.Int64 // unix nanos
}

// NewSupervisor creates a supervisor probing cfg.Target. A nil prober
// defaults to an ICMP prober; metrics may be nil.
func NewSupervisor(cfg Config, prober Prober, logger zerolog.Logger, metricsReg *metrics.Registry) *Supervisor {
	if cfg.ConnectMaxAttempts <= 0 {
		cfg.ConnectMaxAttempts = 5
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = 2 * time.Second
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 10 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.ProbeTripThreshold == 0 {
		cfg.ProbeTripThreshold = 3
	}
	if cfg.ProbeRecoveryTimeout <= 0 {
		cfg.ProbeRecoveryTimeout = 30 * time.Second
	}
	if prober == nil {
		prober = NewPingProber(cfg.Target, cfg.ProbeTimeout)
	}

	s := &Supervisor{
		config:  cfg,
		prober:  prober,
		logger:  logger.With().Str("component", "link-supervisor").Str("target", cfg.Target).Logger(),
		metrics: metricsReg,
	}
	s.state.Store(int32(domain.LinkIdle))
	s.breaker = s.newProbeBreaker()

	return s
}

// newProbeBreaker builds the flap damper for jitter-free down verdicts.
func (s *Supervisor) newProbeBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "link-probe",
		Timeout: s.config.ProbeRecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.config.ProbeTripThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.logger.Info().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Link probe breaker state changed")
		},
	})
}

func (s *Supervisor) probeBreaker() *gobreaker.CircuitBreaker {
	s.breakerMu.Lock()
	defer s.breakerMu.Unlock()
	return s.breaker
}

func (s *Supervisor) resetProbeBreaker() {
	s.breakerMu.Lock()
	s.breaker = s.newProbeBreaker()
	s.breakerMu.Unlock()
}

// Start spawns the background monitor. Idempotent; the monitor runs until
// ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.wg.Add(1)
	go s.monitorLoop(ctx)
	s.logger.Info().Dur("interval", s.config.MonitorInterval).Msg("Link monitor started")
}

// Wait blocks until the background monitor has exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// ConnectAndWait drives Idle→Connecting and blocks up to timeout for the
// sequence to settle in Connected or Failed, returning the resulting state.
// Used once at startup; afterwards the monitor owns reconnection.
func (s *Supervisor) ConnectAndWait(ctx context.Context, timeout time.Duration) domain.LinkState {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.reconnect(cctx)
	return s.State()
}

// State returns the last-known link state.
func (s *Supervisor) State() domain.LinkState {
	return domain.LinkState(s.state.Load())
}

// IsConnected reports whether the link was up as of the last probe. It
// never blocks and may lag the true link status by one monitor tick.
func (s *Supervisor) IsConnected() bool {
	return s.State() == domain.LinkConnected
}

// Stats returns a snapshot of supervisor counters.
func (s *Supervisor) Stats() Stats {
	var last time.Time
	if ns := s.lastConnected.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		ConnectAttempts: s.connectAttempts.Load(),
		Reconnects:      s.reconnects.Load(),
		ProbeFailures:   s.probeFailures.Load(),
		LastConnected:   last,
	}
}

// HealthCheck implements the health.Checker interface.
func (s *Supervisor) HealthCheck(ctx context.Context) error {
	if !s.IsConnected() {
		return domain.ErrLinkDown
	}
	return nil
}

// monitorLoop re-probes the actual link status every tick. A link that is
// not Connected gets a fresh reconnect sequence regardless of how it got
// there, which closes the race between caller-visible transitions and the
// real radio state.
func (s *Supervisor) monitorLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Link monitor stopped")
			return
		case <-ticker.C:
		}

		if s.State() != domain.LinkConnected {
			s.reconnect(ctx)
			continue
		}
		s.verify(ctx)
	}
}

// verify runs a liveness probe through the flap-damping breaker. The link
// is only declared down once the breaker trips on consecutive failures;
// until then a lone lost echo leaves the state Connected.
func (s *Supervisor) verify(ctx context.Context) {
	breaker := s.probeBreaker()
	_, err := breaker.Execute(func() (interface{}, error) {
		pctx, cancel := context.WithTimeout(ctx, s.config.ProbeTimeout)
		defer cancel()
		return nil, s.prober.Probe(pctx)
	})
	if err == nil {
		s.lastConnected.Store(time.Now().UnixNano())
		return
	}

	s.probeFailures.Add(1)
	if s.metrics != nil {
		s.metrics.RecordLinkProbeFailure()
	}

	if breaker.State() == gobreaker.StateOpen {
		s.logger.Warn().Err(err).Msg("Link declared down, reconnecting")
		s.setState(domain.LinkConnecting)
	} else {
		s.logger.Debug().Err(err).Msg("Link probe failed, not yet tripped")
	}
}

// reconnect runs one bounded attempt sequence. It is the only writer of
// the state machine besides verify. Exhausting the budget sets Failed and
// returns; the monitor will start a new sequence on its next tick, so the
// supervisor as a whole retries without an overall cap.
func (s *Supervisor) reconnect(ctx context.Context) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	if s.State() == domain.LinkConnected {
		return
	}

	s.reconnects.Add(1)
	if s.metrics != nil {
		s.metrics.RecordLinkReconnect()
	}

	for attempt := 1; attempt <= s.config.ConnectMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.setState(domain.LinkConnecting)
		s.connectAttempts.Add(1)

		pctx, cancel := context.WithTimeout(ctx, s.config.ProbeTimeout)
		err := s.prober.Probe(pctx)
		cancel()

		if err == nil {
			s.setState(domain.LinkConnected)
			s.lastConnected.Store(time.Now().UnixNano())
			s.resetProbeBreaker()
			s.logger.Info().Int("attempt", attempt).Msg("Link up")
			return
		}

		s.probeFailures.Add(1)
		if s.metrics != nil {
			s.metrics.RecordLinkProbeFailure()
		}
		s.logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", s.config.ConnectMaxAttempts).
			Msg("Link connect attempt failed")

		if attempt < s.config.ConnectMaxAttempts {
			s.setState(domain.LinkBackoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.config.ConnectBackoff):
			}
		}
	}

	s.setState(domain.LinkFailed)
	s.logger.Error().
		Int("attempts", s.config.ConnectMaxAttempts).
		Msg("Link connect sequence exhausted, monitor will retry")
}

func (s *Supervisor) setState(state domain.LinkState) {
	old := domain.LinkState(s.state.Swap(int32(state)))
	if old != state {
		s.logger.Debug().
			Str("from", old.String()).
			Str("to", state.String()).
			Msg("Link state changed")
	}
	if s.metrics != nil {
		s.metrics.SetLinkState(int32(state))
	}
}
