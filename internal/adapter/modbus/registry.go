package modbus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
	"github.com/nexus-edge/ebbflow-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// Registry memoizes one Client per PLC host. All lookups and replacements
// happen under a single mutex so concurrent callers never create duplicate
// sessions for the same endpoint.
//
// A client replaced by a port change while still acquired is retired rather
// than closed: its holders keep using it until their last Release.
type Registry struct {
	config  SessionConfig
	clients map[string]*registeredClient
	retired map[*Client]*registeredClient
	mu      sync.Mutex
	logger  zerolog.Logger
	metrics *metrics.Registry
	closed  bool
}

type registeredClient struct {
	client *Client
	refs   int
}

var _ domain.ClientRegistry = (*Registry)(nil)

// NewRegistry creates an empty client registry.
func NewRegistry(config SessionConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *Registry {
	return &Registry{
		config:  config,
		clients: make(map[string]*registeredClient),
		retired: make(map[*Client]*registeredClient),
		logger:  logger.With().Str("component", "modbus-registry").Logger(),
		metrics: metricsReg,
	}
}

// GetClient returns the client registered for host. Identical arguments yield
// the same instance. If host is registered with a different port, the old
// client is replaced by a new one bound to port; the old one is closed unless
// it is still acquired. New clients start connecting immediately.
func (r *Registry) GetClient(host string, port int) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, err := r.getLocked(host, port)
	if err != nil {
		return nil, err
	}
	return rc.client, nil
}

func (r *Registry) getLocked(host string, port int) (*registeredClient, error) {
	if r.closed {
		return nil, domain.ErrServiceStopped
	}

	endpoint := domain.Endpoint{Host: host, Port: port}
	if err := endpoint.Validate(); err != nil {
		return nil, err
	}

	key := strings.ToLower(host)
	if existing, ok := r.clients[key]; ok {
		if existing.client.Endpoint().Port == port {
			return existing, nil
		}
		r.logger.Info().
			Str("host", host).
			Int("old_port", existing.client.Endpoint().Port).
			Int("new_port", port).
			Int("holders", existing.refs).
			Msg("PLC port changed, replacing client")
		if existing.refs > 0 {
			r.retired[existing.client] = existing
		} else {
			existing.client.Close()
		}
		delete(r.clients, key)
	}

	client, err := NewClient(endpoint, r.config, r.logger, r.metrics)
	if err != nil {
		return nil, err
	}
	rc := &registeredClient{client: client}
	r.clients[key] = rc
	client.Connect()

	r.logger.Debug().Str("endpoint", endpoint.Address()).Msg("Registered PLC client")
	return rc, nil
}

// Acquire returns a shared client and takes a reference on it.
func (r *Registry) Acquire(host string, port int) (domain.RegisterClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, err := r.getLocked(host, port)
	if err != nil {
		return nil, err
	}
	rc.refs++
	return rc.client, nil
}

// Release drops a reference taken by Acquire. The last release closes the
// client, including one that has since been replaced. Releasing a client
// that is no longer held is a no-op.
func (r *Registry) Release(client domain.RegisterClient) {
	c, ok := client.(*Client)
	if !ok || c == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rc, ok := r.retired[c]; ok {
		rc.refs--
		if rc.refs <= 0 {
			delete(r.retired, c)
			c.Close()
			r.logger.Debug().Str("endpoint", c.Endpoint().Address()).Msg("Released replaced client")
		}
		return
	}

	key := strings.ToLower(c.Endpoint().Host)
	rc, ok := r.clients[key]
	if !ok || rc.client != c || rc.refs <= 0 {
		return
	}
	rc.refs--
	if rc.refs > 0 {
		return
	}
	delete(r.clients, key)
	c.Close()
	r.logger.Debug().Str("endpoint", c.Endpoint().Address()).Msg("Released last reference, client closed")
}

// Close closes every registered client.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	for key, rc := range r.clients {
		rc.client.Close()
		delete(r.clients, key)
	}
	for c := range r.retired {
		c.Close()
		delete(r.retired, c)
	}
	r.logger.Info().Msg("Modbus registry closed")
	return nil
}

// HealthCheck fails if any registered PLC endpoint is not connected.
func (r *Registry) HealthCheck(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var down []string
	for _, c := range r.allLocked() {
		if !c.IsConnected() {
			down = append(down, c.Endpoint().Address())
		}
	}
	if len(down) > 0 {
		sort.Strings(down)
		return fmt.Errorf("%w: %s", domain.ErrNotConnected, strings.Join(down, ", "))
	}
	return nil
}

// Stats returns the health of every registered client.
func (r *Registry) Stats() []ClientHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients := r.allLocked()
	out := make([]ClientHealth, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.Health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session.Endpoint < out[j].Session.Endpoint })
	return out
}

func (r *Registry) allLocked() []*Client {
	out := make([]*Client, 0, len(r.clients)+len(r.retired))
	for _, rc := range r.clients {
		out = append(out, rc.client)
	}
	for c := range r.retired {
		out = append(out, c)
	}
	return out
}

// Len returns the number of hosts with a current client. Replaced clients
// still held by a session are not counted.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
