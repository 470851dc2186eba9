// Package modbus implements the Modbus/TCP side of the gateway: one
// auto-reconnecting transport session per PLC endpoint, a typed client on top
// of it, and the registry that shares clients between devices.
package modbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/google/uuid"
	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
	"github.com/nexus-edge/ebbflow-gateway/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// SessionConfig holds configuration for a transport session.
type SessionConfig struct {
	// Timeout bounds both dialing and each request/response exchange.
	Timeout time.Duration

	// ReconnectDelay is the fixed delay between a failure and the next dial.
	ReconnectDelay time.Duration

	// FailureThreshold is the number of consecutive transport failures that
	// drop the connection. 1 drops on the first failure.
	FailureThreshold uint32

	// UnitID is the Modbus unit identifier sent with every request.
	UnitID byte
}

// DefaultSessionConfig returns the settings used for a LAN-local PLC.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Timeout:          5 * time.Second,
		ReconnectDelay:   10 * time.Second,
		FailureThreshold: 1,
		UnitID:           1,
	}
}

// SessionStats tracks transport activity.
type SessionStats struct {
	ConnectAttempts atomic.Uint64
	Connects        atomic.Uint64
	Disconnects     atomic.Uint64
	Exchanges       atomic.Uint64
	Failures        atomic.Uint64
	Resyncs         atomic.Uint64
}

// Session owns one TCP connection to one PLC endpoint and keeps it alive:
// any transport failure drops the connection and schedules a single redial
// after ReconnectDelay, forever.
type Session struct {
	id       string
	endpoint domain.Endpoint
	config   SessionConfig
	logger   zerolog.Logger
	metrics  *metrics.Registry
	stats    *SessionStats

	// notifyMu orders transitions with their notifications.
	notifyMu sync.Mutex

	mu             sync.Mutex
	handler        *modbus.TCPClientHandler
	client         modbus.Client
	breaker        *gobreaker.CircuitBreaker
	reconnectTimer *time.Timer
	generation     uint64
	closed         bool
	lastError      error
	observers      map[uint64]domain.ConnectionHandler
	nextObserver   uint64

	state atomic.Int32

	// opMu serializes exchanges; goburrow clients are not safe for concurrent use.
	opMu sync.Mutex
}

// NewSession creates a disconnected session. Call Connect to start dialing.
func NewSession(endpoint domain.Endpoint, config SessionConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *Session {
	defaults := DefaultSessionConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}

	id := uuid.NewString()
	return &Session{
		id:        id,
		endpoint:  endpoint,
		config:    config,
		metrics:   metricsReg,
		stats:     &SessionStats{},
		observers: make(map[uint64]domain.ConnectionHandler),
		logger: logger.With().
			Str("session_id", id).
			Str("endpoint", endpoint.Address()).
			Logger(),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Endpoint returns the PLC endpoint this session dials.
func (s *Session) Endpoint() domain.Endpoint { return s.endpoint }

// State returns the current connection state.
func (s *Session) State() domain.ConnectionState {
	return domain.ConnectionState(s.state.Load())
}

// IsConnected returns true if the session currently holds a connection.
func (s *Session) IsConnected() bool {
	return s.State() == domain.StateConnected
}

// LastError returns the reason of the most recent disconnect or failed dial.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Subscribe registers an observer for connectivity transitions.
func (s *Session) Subscribe(handler domain.ConnectionHandler) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = handler
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// Connect starts dialing in the background unless the session is already
// connected or connecting. A pending reconnect timer is superseded.
func (s *Session) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.State() != domain.StateDisconnected {
		return
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}

	s.state.Store(int32(domain.StateConnecting))
	go s.dial()
}

func (s *Session) dial() {
	s.stats.ConnectAttempts.Add(1)
	s.logger.Debug().Msg("Connecting to PLC")

	handler := modbus.NewTCPClientHandler(s.endpoint.Address())
	handler.Timeout = s.config.Timeout
	handler.SlaveId = s.config.UnitID
	// Keep the socket for the session's lifetime; goburrow would otherwise
	// close it after 60s idle and silently redial on the next request.
	handler.IdleTimeout = 0

	start := time.Now()
	err := handler.Connect()
	latency := time.Since(start).Seconds()

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		handler.Close()
		return
	}

	if err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrTransport, err)
		s.lastError = err
		s.state.Store(int32(domain.StateDisconnected))
		s.scheduleReconnectLocked()
		observers := s.observersLocked()
		s.mu.Unlock()

		s.metrics.RecordConnect(s.endpoint.Address(), false, latency)
		s.logger.Warn().Err(err).Dur("retry_in", s.config.ReconnectDelay).Msg("Failed to connect to PLC")
		notify(observers, domain.ConnectionEvent{State: domain.StateDisconnected, Reason: err})
		return
	}

	s.handler = handler
	s.client = modbus.NewClient(handler)
	s.breaker = s.newBreaker()
	s.generation++
	s.lastError = nil
	s.state.Store(int32(domain.StateConnected))
	observers := s.observersLocked()
	s.mu.Unlock()

	s.stats.Connects.Add(1)
	s.metrics.RecordConnect(s.endpoint.Address(), true, latency)
	s.logger.Info().Msg("Connected to PLC")
	notify(observers, domain.ConnectionEvent{State: domain.StateConnected})
}

// newBreaker builds the breaker that decides when transport failures take the
// connection down. Protocol errors count as successes: the PLC answered.
func (s *Session) newBreaker() *gobreaker.CircuitBreaker {
	threshold := s.config.FailureThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "modbus-" + s.endpoint.Address(),
		MaxRequests: 1,
		Timeout:     s.config.ReconnectDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransportFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Debug().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Transport breaker state changed")
		},
	})
}

// exchange runs one request/response against the PLC. Failures are returned
// already translated into the domain taxonomy.
func (s *Session) exchange(ctx context.Context, fn func(modbus.Client) ([]byte, error)) ([]byte, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	handler, client, breaker, generation := s.handler, s.client, s.breaker, s.generation
	s.mu.Unlock()

	if client == nil || s.State() != domain.StateConnected {
		return nil, domain.ErrNotConnected
	}

	s.stats.Exchanges.Add(1)
	result, err := breaker.Execute(func() (interface{}, error) {
		return fn(client)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, domain.ErrNotConnected
	}
	if err != nil {
		s.stats.Failures.Add(1)
		translated := translateError(err)
		switch {
		case !isTransportFailure(err):
		case breaker.State() == gobreaker.StateOpen:
			s.drop(generation, translated)
		case isTimeout(err) || isOutOfSequence(err):
			s.resync(handler, translated)
		}
		return nil, translated
	}

	data, _ := result.([]byte)
	return data, nil
}

// resync discards the socket after a timeout or a stray reply, while the
// breaker still tolerates the failure. A late reply left in the stream would
// otherwise be read as the answer to every following request. goburrow dials
// a fresh socket on the next exchange. Must be called with opMu held.
func (s *Session) resync(handler *modbus.TCPClientHandler, reason error) {
	if handler == nil {
		return
	}
	if err := handler.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Error closing PLC socket")
	}
	s.stats.Resyncs.Add(1)
	s.logger.Debug().Err(reason).Msg("Discarded PLC socket to resynchronize")
}

// drop tears down the connection of the given generation and schedules a redial.
// Stale generations are ignored so one failure cannot drop a newer connection.
func (s *Session) drop(generation uint64, reason error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.closed || generation != s.generation || s.State() != domain.StateConnected {
		s.mu.Unlock()
		return
	}
	s.closeHandlerLocked()
	s.lastError = reason
	s.state.Store(int32(domain.StateDisconnected))
	s.scheduleReconnectLocked()
	observers := s.observersLocked()
	s.mu.Unlock()

	s.stats.Disconnects.Add(1)
	s.metrics.RecordDisconnect()
	s.logger.Warn().Err(reason).Dur("retry_in", s.config.ReconnectDelay).Msg("Disconnected from PLC")
	notify(observers, domain.ConnectionEvent{State: domain.StateDisconnected, Reason: reason})
}

// scheduleReconnectLocked arms the single reconnect timer. Must be called with mu held.
func (s *Session) scheduleReconnectLocked() {
	if s.closed || s.reconnectTimer != nil {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(s.config.ReconnectDelay, func() {
		s.mu.Lock()
		// A newer timer may have been armed while this one waited for mu.
		stale := s.reconnectTimer != timer
		if !stale {
			s.reconnectTimer = nil
		}
		s.mu.Unlock()
		if !stale {
			s.Connect()
		}
	})
	s.reconnectTimer = timer
}

func (s *Session) closeHandlerLocked() {
	if s.handler != nil {
		if err := s.handler.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Error closing PLC connection")
		}
	}
	s.handler = nil
	s.client = nil
	s.breaker = nil
}

func (s *Session) observersLocked() []domain.ConnectionHandler {
	out := make([]domain.ConnectionHandler, 0, len(s.observers))
	for _, h := range s.observers {
		out = append(out, h)
	}
	return out
}

func notify(observers []domain.ConnectionHandler, ev domain.ConnectionEvent) {
	for _, h := range observers {
		h(ev)
	}
}

// Close releases the connection and stops reconnecting. Observers receive a
// final disconnect carrying domain.ErrSessionClosed. A closed session cannot
// be reopened.
func (s *Session) Close() error {
	s.notifyMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.notifyMu.Unlock()
		return nil
	}
	s.closed = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	wasConnected := s.State() == domain.StateConnected
	s.state.Store(int32(domain.StateDisconnected))
	observers := s.observersLocked()
	s.observers = make(map[uint64]domain.ConnectionHandler)
	s.mu.Unlock()

	if wasConnected {
		s.metrics.RecordDisconnect()
	}
	notify(observers, domain.ConnectionEvent{State: domain.StateDisconnected, Reason: domain.ErrSessionClosed})
	s.notifyMu.Unlock()

	// The socket is closed only once no exchange is in flight: goburrow
	// transparently redials a closed handler on its next request.
	s.opMu.Lock()
	s.mu.Lock()
	s.closeHandlerLocked()
	s.mu.Unlock()
	s.opMu.Unlock()

	s.logger.Debug().Msg("Transport session closed")
	return nil
}

// SessionSnapshot is a point-in-time view of a session for status reporting.
type SessionSnapshot struct {
	ID              string `json:"id"`
	Endpoint        string `json:"endpoint"`
	State           string `json:"state"`
	LastError       string `json:"last_error,omitempty"`
	ConnectAttempts uint64 `json:"connect_attempts"`
	Connects        uint64 `json:"connects"`
	Disconnects     uint64 `json:"disconnects"`
	Exchanges       uint64 `json:"exchanges"`
	Failures        uint64 `json:"failures"`
	Resyncs         uint64 `json:"resyncs"`
}

// Snapshot returns the session's current status.
func (s *Session) Snapshot() SessionSnapshot {
	snap := SessionSnapshot{
		ID:              s.id,
		Endpoint:        s.endpoint.Address(),
		State:           s.State().String(),
		ConnectAttempts: s.stats.ConnectAttempts.Load(),
		Connects:        s.stats.Connects.Load(),
		Disconnects:     s.stats.Disconnects.Load(),
		Exchanges:       s.stats.Exchanges.Load(),
		Failures:        s.stats.Failures.Load(),
		Resyncs:         s.stats.Resyncs.Load(),
	}
	if err := s.LastError(); err != nil {
		snap.LastError = err.Error()
	}
	return snap
}
