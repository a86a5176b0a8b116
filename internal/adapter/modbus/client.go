// Package modbus owns the single Modbus TCP connection to the meter and
// implements the register reader that fetches the fixed parameter table
// with per-parameter retry and word-swap float decoding.
package modbus

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/domain"
)

// Conn is the pre-established field-bus channel to the single meter. It
// implements domain.RegisterChannel; the reader is its only caller, apart
// from health probes which are serialized against batch reads by opMu.
type Conn struct {
	config  Config
	logger  zerolog.Logger
	mu      sync.RWMutex
	opMu    sync.Mutex // goburrow clients are not safe for concurrent use
	handler *modbus.TCPClientHandler
	client  modbus.Client

	connected atomic.Bool
}

// NewConn creates the meter connection. It does not dial; call Connect.
func NewConn(config Config, logger zerolog.Logger) (*Conn, error) {
	if config.Address == "" {
		return nil, domain.ErrDeviceAddressRequired
	}
	if config.SlaveID == 0 || config.SlaveID > 247 {
		return nil, domain.ErrInvalidSlaveID
	}
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}

	return &Conn{
		config: config,
		logger: logger.With().Str("component", "modbus-conn").Str("address", config.Address).Logger(),
	}, nil
}

// Connect establishes the TCP connection and waits out the settle delay
// the meter needs before it answers reliably.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	c.logger.Debug().Msg("Connecting to meter")

	handler := modbus.NewTCPClientHandler(c.config.Address)
	handler.Timeout = c.config.Timeout
	handler.SlaveId = c.config.SlaveID

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- handler.Connect()
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrConnectionTimeout, ctx.Err())
	}

	if c.config.SettleDelay > 0 {
		select {
		case <-time.After(c.config.SettleDelay):
		case <-ctx.Done():
			handler.Close()
			return fmt.Errorf("%w: %v", domain.ErrConnectionTimeout, ctx.Err())
		}
	}

	c.handler = handler
	c.client = modbus.NewClient(handler)
	c.connected.Store(true)

	c.logger.Info().Msg("Connected to meter")
	return nil
}

// Close tears down the TCP connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() {
		return nil
	}
	if c.handler != nil {
		if err := c.handler.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Error closing meter connection")
		}
	}
	c.connected.Store(false)
	c.handler = nil
	c.client = nil

	c.logger.Debug().Msg("Disconnected from meter")
	return nil
}

// IsConnected returns true if the connection is established.
func (c *Conn) IsConnected() bool {
	return c.connected.Load()
}

// ReadInputRegisters issues one synchronous read against the meter. The
// call blocks up to the configured response timeout; goburrow owns the
// socket-level behavior.
func (c *Conn) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		return nil, domain.ErrConnectionClosed
	}

	c.opMu.Lock()
	result, err := client.ReadInputRegisters(address, quantity)
	c.opMu.Unlock()

	if err != nil {
		return nil, translateError(err)
	}
	return result, nil
}

// Reconnect drops and re-establishes the connection after transport-level
// failures.
func (c *Conn) Reconnect(ctx context.Context) error {
	c.Close()
	return c.Connect(ctx)
}

// translateError maps goburrow errors onto the domain taxonomy so callers
// can classify with errors.Is.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if mbErr, ok := err.(*modbus.ModbusError); ok {
		return fmt.Errorf("%w: %v", domain.ModbusExceptionToError(mbErr.ExceptionCode), err)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrReadTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrReadFailed, err)
}
