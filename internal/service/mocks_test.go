package service_test

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"

	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
)

// fakeClient is an in-memory RegisterClient. Reads of a register with a
// queued sequence consume it; the last element repeats. Writes are stored
// and echoed on the writes channel.
type fakeClient struct {
	endpoint domain.Endpoint

	mu        sync.Mutex
	connected bool
	values    map[domain.RegisterDescriptor]interface{}
	sequences map[domain.RegisterDescriptor][]interface{}
	readErrs  map[domain.RegisterDescriptor]error
	reads     int
	onRead    func(reg domain.RegisterDescriptor)
	observers map[int]domain.ConnectionHandler
	nextObs   int

	writes chan fakeWrite
}

type fakeWrite struct {
	Address uint16
	Coil    bool
	Value   float64
}

func newFakeClient(endpoint domain.Endpoint, connected bool) *fakeClient {
	return &fakeClient{
		endpoint:  endpoint,
		connected: connected,
		values:    make(map[domain.RegisterDescriptor]interface{}),
		sequences: make(map[domain.RegisterDescriptor][]interface{}),
		readErrs:  make(map[domain.RegisterDescriptor]error),
		observers: make(map[int]domain.ConnectionHandler),
		writes:    make(chan fakeWrite, 16),
	}
}

func (c *fakeClient) set(reg domain.RegisterDescriptor, v interface{}) {
	c.mu.Lock()
	c.values[reg] = v
	c.mu.Unlock()
}

func (c *fakeClient) sequence(reg domain.RegisterDescriptor, vs ...interface{}) {
	c.mu.Lock()
	c.sequences[reg] = vs
	c.mu.Unlock()
}

func (c *fakeClient) failReads(reg domain.RegisterDescriptor, err error) {
	c.mu.Lock()
	c.readErrs[reg] = err
	c.mu.Unlock()
}

func (c *fakeClient) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func (c *fakeClient) ReadValue(ctx context.Context, reg domain.RegisterDescriptor) (interface{}, error) {
	c.mu.Lock()
	hook := c.onRead
	c.mu.Unlock()
	if hook != nil {
		hook(reg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if !c.connected {
		return nil, domain.ErrNotConnected
	}
	if err, ok := c.readErrs[reg]; ok {
		return nil, err
	}
	if seq := c.sequences[reg]; len(seq) > 0 {
		v := seq[0]
		if len(seq) > 1 {
			c.sequences[reg] = seq[1:]
		}
		return v, nil
	}
	if v, ok := c.values[reg]; ok {
		return v, nil
	}
	if reg.Kind.IsBit() {
		return false, nil
	}
	return 0, nil
}

func (c *fakeClient) WriteSingleCoil(ctx context.Context, address uint16, value bool) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return domain.ErrNotConnected
	}
	c.set(domain.RegisterDescriptor{Address: address, Kind: domain.RegisterKindCoil}, value)
	v := 0.0
	if value {
		v = 1
	}
	c.writes <- fakeWrite{Address: address, Coil: true, Value: v}
	return nil
}

func (c *fakeClient) WriteSingleRegister(ctx context.Context, address uint16, value float64) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return domain.ErrNotConnected
	}
	c.set(domain.RegisterDescriptor{Address: address, Kind: domain.RegisterKindHoldingRegister}, int(math.Round(value)))
	c.writes <- fakeWrite{Address: address, Value: value}
	return nil
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Subscribe(handler domain.ConnectionHandler) func() {
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *fakeClient) Endpoint() domain.Endpoint { return c.endpoint }

func (c *fakeClient) observerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.observers)
}

// emit changes the connection state and notifies observers synchronously.
func (c *fakeClient) emit(state domain.ConnectionState, reason error) {
	c.mu.Lock()
	c.connected = state == domain.StateConnected
	observers := make([]domain.ConnectionHandler, 0, len(c.observers))
	for _, h := range c.observers {
		observers = append(observers, h)
	}
	c.mu.Unlock()
	for _, h := range observers {
		h(domain.ConnectionEvent{State: state, Reason: reason})
	}
}

// fakeRegistry hands out one fakeClient per endpoint.
type fakeRegistry struct {
	mu        sync.Mutex
	connected bool
	clients   map[string]*fakeClient
	refs      map[string]int
	acquires  int
	releases  int
	prepare   func(*fakeClient)
}

func newFakeRegistry(connected bool) *fakeRegistry {
	return &fakeRegistry{
		connected: connected,
		clients:   make(map[string]*fakeClient),
		refs:      make(map[string]int),
	}
}

func (r *fakeRegistry) Acquire(host string, port int) (domain.RegisterClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := net.JoinHostPort(host, strconv.Itoa(port))
	c, ok := r.clients[key]
	if !ok {
		c = newFakeClient(domain.Endpoint{Host: host, Port: port}, r.connected)
		if r.prepare != nil {
			r.prepare(c)
		}
		r.clients[key] = c
	}
	r.refs[key]++
	r.acquires++
	return c, nil
}

func (r *fakeRegistry) Release(client domain.RegisterClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := client.Endpoint().Address()
	r.refs[key]--
	r.releases++
}

func (r *fakeRegistry) client(host string, port int) *fakeClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[net.JoinHostPort(host, strconv.Itoa(port))]
}

func (r *fakeRegistry) refCount(host string, port int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[net.JoinHostPort(host, strconv.Itoa(port))]
}

// fakePlatform records every capability and settings update.
type fakePlatform struct {
	mu           sync.Mutex
	settings     domain.Settings
	capabilities map[string]interface{}
	history      map[string][]interface{}
	listeners    map[string]domain.CapabilityListener
	settingSets  []domain.Settings
	available    bool
	reason       string
	availability []bool
}

func newFakePlatform(settings domain.Settings) *fakePlatform {
	if settings == nil {
		settings = domain.Settings{}
	}
	return &fakePlatform{
		settings:     settings,
		capabilities: make(map[string]interface{}),
		history:      make(map[string][]interface{}),
		listeners:    make(map[string]domain.CapabilityListener),
	}
}

func (p *fakePlatform) Settings() domain.Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings.Clone()
}

func (p *fakePlatform) SetSettings(ctx context.Context, partial domain.Settings) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range partial {
		p.settings[k] = v
	}
	p.settingSets = append(p.settingSets, partial.Clone())
	return nil
}

func (p *fakePlatform) CapabilityValue(name string) (interface{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.capabilities[name]
	return v, ok
}

func (p *fakePlatform) SetCapabilityValue(ctx context.Context, name string, value interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capabilities[name] = value
	p.history[name] = append(p.history[name], value)
	return nil
}

func (p *fakePlatform) RegisterCapabilityListener(name string, listener domain.CapabilityListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners[name] = listener
}

func (p *fakePlatform) SetAvailable(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available, p.reason = true, ""
	p.availability = append(p.availability, true)
	return nil
}

func (p *fakePlatform) SetUnavailable(ctx context.Context, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available, p.reason = false, reason
	p.availability = append(p.availability, false)
	return nil
}

func (p *fakePlatform) capability(name string) interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capabilities[name]
}

func (p *fakePlatform) historyOf(name string) []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]interface{}(nil), p.history[name]...)
}

func (p *fakePlatform) setCapability(name string, value interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capabilities[name] = value
}

func (p *fakePlatform) settingsUpdates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.settingSets)
}

func (p *fakePlatform) isAvailable() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available, p.reason
}

func (p *fakePlatform) listener(name string) domain.CapabilityListener {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listeners[name]
}

// fakeJournal collects events.
type fakeJournal struct {
	mu     sync.Mutex
	events []domain.Event
}

func (j *fakeJournal) RecordEvent(ctx context.Context, event domain.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
	return nil
}

func (j *fakeJournal) ofType(typ domain.EventType) []domain.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []domain.Event
	for _, e := range j.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// memoryStore is an in-memory settings store.
type memoryStore struct {
	mu       sync.Mutex
	settings map[string]domain.Settings
	deleted  []string
	failSave bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{settings: make(map[string]domain.Settings)}
}

func (s *memoryStore) LoadSettings(ctx context.Context, deviceID string) (domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[deviceID].Clone(), nil
}

func (s *memoryStore) SaveSettings(ctx context.Context, deviceID string, settings domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return fmt.Errorf("save %s: disk full", deviceID)
	}
	stored := s.settings[deviceID]
	if stored == nil {
		stored = domain.Settings{}
	}
	for k, v := range settings {
		stored[k] = v
	}
	s.settings[deviceID] = stored
	return nil
}

func (s *memoryStore) DeleteDevice(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.settings, deviceID)
	s.deleted = append(s.deleted, deviceID)
	return nil
}

func (s *memoryStore) stored(deviceID string) domain.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[deviceID].Clone()
}
