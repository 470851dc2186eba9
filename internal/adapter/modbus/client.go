package modbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
	"github.com/nexus-edge/ebbflow-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// Client exposes typed single-point reads and writes over a Session.
// Requests are never pipelined: the session runs one exchange at a time.
type Client struct {
	session *Session
	logger  zerolog.Logger
	metrics *metrics.Registry
	stats   *ClientStats

	diagnostics sync.Map // map[string]*PointDiagnostic
}

// ClientStats tracks client operation counts.
type ClientStats struct {
	ReadCount      atomic.Uint64
	WriteCount     atomic.Uint64
	ErrorCount     atomic.Uint64
	TotalReadTime  atomic.Int64 // nanoseconds
	TotalWriteTime atomic.Int64 // nanoseconds
}

var _ domain.RegisterClient = (*Client)(nil)

// NewClient creates a client with its own session to endpoint. The session
// is not dialed until Connect is called.
func NewClient(endpoint domain.Endpoint, config SessionConfig, logger zerolog.Logger, metricsReg *metrics.Registry) (*Client, error) {
	if err := endpoint.Validate(); err != nil {
		return nil, err
	}
	session := NewSession(endpoint, config, logger, metricsReg)
	return &Client{
		session: session,
		logger:  logger.With().Str("session_id", session.ID()).Str("endpoint", endpoint.Address()).Logger(),
		metrics: metricsReg,
		stats:   &ClientStats{},
	}, nil
}

// Connect starts the session; it returns immediately.
func (c *Client) Connect() { c.session.Connect() }

// Close closes the underlying session.
func (c *Client) Close() error { return c.session.Close() }

// IsConnected returns true if the session is connected.
func (c *Client) IsConnected() bool { return c.session.IsConnected() }

// Subscribe registers a connectivity observer.
func (c *Client) Subscribe(handler domain.ConnectionHandler) func() {
	return c.session.Subscribe(handler)
}

// Endpoint returns the PLC endpoint.
func (c *Client) Endpoint() domain.Endpoint { return c.session.Endpoint() }

// Session returns the underlying transport session.
func (c *Client) Session() *Session { return c.session }

// ReadValue reads one point. Coils and discrete inputs yield a bool, holding
// and input registers an unsigned 16-bit int.
func (c *Client) ReadValue(ctx context.Context, reg domain.RegisterDescriptor) (interface{}, error) {
	var read func(modbus.Client) ([]byte, error)
	switch reg.Kind {
	case domain.RegisterKindCoil:
		read = func(mc modbus.Client) ([]byte, error) { return mc.ReadCoils(reg.Address, 1) }
	case domain.RegisterKindDiscreteInput:
		read = func(mc modbus.Client) ([]byte, error) { return mc.ReadDiscreteInputs(reg.Address, 1) }
	case domain.RegisterKindHoldingRegister:
		read = func(mc modbus.Client) ([]byte, error) { return mc.ReadHoldingRegisters(reg.Address, 1) }
	case domain.RegisterKindInputRegister:
		read = func(mc modbus.Client) ([]byte, error) { return mc.ReadInputRegisters(reg.Address, 1) }
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedRegisterKind, reg.Kind)
	}

	start := time.Now()
	data, err := c.session.exchange(ctx, read)
	elapsed := time.Since(start)
	c.stats.TotalReadTime.Add(elapsed.Nanoseconds())
	c.metrics.RecordOperation("read", err == nil, elapsed.Seconds())
	if err != nil {
		c.stats.ErrorCount.Add(1)
		c.recordPointError(reg.String(), err)
		return nil, fmt.Errorf("read %s: %w", reg, err)
	}
	c.stats.ReadCount.Add(1)

	var value interface{}
	if reg.Kind.IsBit() {
		value, err = decodeBit(data)
	} else {
		value, err = decodeRegister(data)
	}
	if err != nil {
		c.stats.ErrorCount.Add(1)
		c.recordPointError(reg.String(), err)
		return nil, fmt.Errorf("read %s: %w", reg, err)
	}
	c.recordPointSuccess(reg.String())
	return value, nil
}

// WriteSingleCoil writes a coil with function code 05.
func (c *Client) WriteSingleCoil(ctx context.Context, address uint16, value bool) error {
	start := time.Now()
	_, err := c.session.exchange(ctx, func(mc modbus.Client) ([]byte, error) {
		return mc.WriteSingleCoil(address, encodeCoil(value))
	})
	c.recordWrite(start, err)
	if err != nil {
		return fmt.Errorf("write coil %d: %w", address, err)
	}
	c.logger.Debug().Uint16("address", address).Bool("value", value).Msg("Coil written")
	return nil
}

// WriteSingleRegister rounds value to the nearest integer and writes it with
// function code 06. Callers pre-scale fractional values.
func (c *Client) WriteSingleRegister(ctx context.Context, address uint16, value float64) error {
	raw, err := encodeRegister(value)
	if err != nil {
		return fmt.Errorf("write register %d: %w", address, err)
	}

	start := time.Now()
	_, err = c.session.exchange(ctx, func(mc modbus.Client) ([]byte, error) {
		return mc.WriteSingleRegister(address, raw)
	})
	c.recordWrite(start, err)
	if err != nil {
		return fmt.Errorf("write register %d: %w", address, err)
	}
	c.logger.Debug().Uint16("address", address).Uint16("value", raw).Msg("Register written")
	return nil
}

func (c *Client) recordWrite(start time.Time, err error) {
	elapsed := time.Since(start)
	c.stats.TotalWriteTime.Add(elapsed.Nanoseconds())
	c.metrics.RecordOperation("write", err == nil, elapsed.Seconds())
	if err != nil {
		c.stats.ErrorCount.Add(1)
		return
	}
	c.stats.WriteCount.Add(1)
}
