// Package plcsim runs an in-process Modbus/TCP server laid out like the
// greenhouse controller PLC. It backs the plcsim binary and the wire-level tests.
package plcsim

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
	"github.com/rs/zerolog"
	mbserver "github.com/thinkgos/gomodbus/v2"
)

// Config holds simulator configuration.
type Config struct {
	// Address to listen on, host:port. Port 0 picks a free port.
	Address string

	UnitID byte

	// ReadTimeout is how long the server keeps an idle client connection.
	ReadTimeout time.Duration

	// Debug enables the Modbus server's own frame logging.
	Debug bool
}

// PLC is a running simulator.
type PLC struct {
	config Config
	server *mbserver.TCPServer
	node   *mbserver.NodeRegister
	addr   string
	logger zerolog.Logger

	mu   sync.Mutex
	done chan struct{}
	err  error
}

// Start listens on config.Address and serves until Close.
func Start(config Config, logger zerolog.Logger) (*PLC, error) {
	if config.UnitID == 0 {
		config.UnitID = 1
	}
	if config.Address == "" {
		config.Address = "127.0.0.1:0"
	}

	addr, err := resolveAddress(config.Address)
	if err != nil {
		return nil, err
	}

	node := mbserver.NewNodeRegister(config.UnitID,
		domain.CoilsStart, domain.CoilsQuantity,
		0, 8,
		0, domain.InputsQuantity,
		0, domain.HoldingsQuantity)

	server := mbserver.NewTCPServer()
	server.LogMode(config.Debug)
	if config.ReadTimeout > 0 {
		server.SetReadTimeout(config.ReadTimeout)
	}
	server.AddNodes(node)

	p := &PLC{
		config: config,
		server: server,
		node:   node,
		addr:   addr,
		logger: logger.With().Str("component", "plcsim").Str("address", addr).Logger(),
		done:   make(chan struct{}),
	}

	go func() {
		err := server.ListenAndServe(addr)
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()

	if err := p.waitListening(5 * time.Second); err != nil {
		server.Close()
		return nil, err
	}
	p.logger.Info().Msg("PLC simulator listening")
	return p, nil
}

// resolveAddress turns a port-0 address into a concrete free port so the
// address can be reported before the server starts listening.
func resolveAddress(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if port != "0" {
		return addr, nil
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", err
	}
	defer l.Close()
	return l.Addr().String(), nil
}

func (p *PLC) waitListening(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-p.done:
			p.mu.Lock()
			defer p.mu.Unlock()
			return fmt.Errorf("simulator stopped: %w", p.err)
		default:
		}
		conn, err := net.DialTimeout("tcp", p.addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("simulator did not start listening on %s: %w", p.addr, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Addr returns the listen address.
func (p *PLC) Addr() string { return p.addr }

// Endpoint returns the listen address as a PLC endpoint.
func (p *PLC) Endpoint() domain.Endpoint {
	host, port, _ := net.SplitHostPort(p.addr)
	n, _ := strconv.Atoi(port)
	return domain.Endpoint{Host: host, Port: n}
}

// Close stops the server. Connected clients are dropped once their read
// timeout expires.
func (p *PLC) Close() error {
	return p.server.Close()
}

// Done is closed when the server stops serving.
func (p *PLC) Done() <-chan struct{} { return p.done }

// SetBit sets a coil or discrete input.
func (p *PLC) SetBit(reg domain.RegisterDescriptor, value bool) error {
	switch reg.Kind {
	case domain.RegisterKindCoil:
		return p.node.WriteSingleCoil(reg.Address, value)
	case domain.RegisterKindDiscreteInput:
		return p.node.WriteSingleDiscrete(reg.Address, value)
	default:
		return fmt.Errorf("%w: %s is not a bit", domain.ErrUnsupportedRegisterKind, reg)
	}
}

// Bit reads a coil or discrete input.
func (p *PLC) Bit(reg domain.RegisterDescriptor) (bool, error) {
	switch reg.Kind {
	case domain.RegisterKindCoil:
		return p.node.ReadSingleCoil(reg.Address)
	case domain.RegisterKindDiscreteInput:
		return p.node.ReadSingleDiscrete(reg.Address)
	default:
		return false, fmt.Errorf("%w: %s is not a bit", domain.ErrUnsupportedRegisterKind, reg)
	}
}

// SetWord sets a holding or input register.
func (p *PLC) SetWord(reg domain.RegisterDescriptor, value uint16) error {
	switch reg.Kind {
	case domain.RegisterKindHoldingRegister:
		return p.node.WriteHoldings(reg.Address, []uint16{value})
	case domain.RegisterKindInputRegister:
		return p.node.WriteInputs(reg.Address, []uint16{value})
	default:
		return fmt.Errorf("%w: %s is not a register", domain.ErrUnsupportedRegisterKind, reg)
	}
}

// Word reads a holding or input register.
func (p *PLC) Word(reg domain.RegisterDescriptor) (uint16, error) {
	var (
		vals []uint16
		err  error
	)
	switch reg.Kind {
	case domain.RegisterKindHoldingRegister:
		vals, err = p.node.ReadHoldings(reg.Address, 1)
	case domain.RegisterKindInputRegister:
		vals, err = p.node.ReadInputs(reg.Address, 1)
	default:
		return 0, fmt.Errorf("%w: %s is not a register", domain.ErrUnsupportedRegisterKind, reg)
	}
	if err != nil {
		return 0, err
	}
	return vals[0], nil
}
