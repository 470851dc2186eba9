package domain

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Endpoint identifies one physical PLC by host and port.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Address returns the dialable host:port form.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string { return e.Address() }

// Validate checks that the endpoint can be dialed.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return ErrHostRequired
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, e.Port)
	}
	return nil
}

// ConnectionState is owned by a transport session.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ConnectionEvent is delivered to session observers on every state transition.
// Reason is set for disconnects.
type ConnectionEvent struct {
	State  ConnectionState
	Reason error
}

// ConnectionHandler observes a transport session.
// Handlers are called outside the session's locks and must not block.
type ConnectionHandler func(ConnectionEvent)

// RegisterClient is the typed read/write surface of one PLC endpoint.
type RegisterClient interface {
	ReadValue(ctx context.Context, reg RegisterDescriptor) (interface{}, error)
	WriteSingleCoil(ctx context.Context, address uint16, value bool) error
	WriteSingleRegister(ctx context.Context, address uint16, value float64) error
	IsConnected() bool
	Subscribe(handler ConnectionHandler) (unsubscribe func())
	Endpoint() Endpoint
}

// ClientRegistry hands out shared clients with scoped ownership.
// Every successful Acquire must be paired with one Release.
type ClientRegistry interface {
	Acquire(host string, port int) (RegisterClient, error)
	Release(client RegisterClient)
}
