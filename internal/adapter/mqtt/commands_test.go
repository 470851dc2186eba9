package mqtt

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
	"github.com/rs/zerolog"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type dispatched struct {
	deviceID   string
	capability string
	value      interface{}
}

type fakeDispatcher struct {
	mu       sync.Mutex
	commands []dispatched
	settings []domain.Settings
	err      error
}

func (d *fakeDispatcher) Command(ctx context.Context, deviceID, capability string, value interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, dispatched{deviceID, capability, value})
	return d.err
}

func (d *fakeDispatcher) ApplySettings(ctx context.Context, deviceID string, partial domain.Settings) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings = append(d.settings, partial)
	if d.err != nil {
		return nil, d.err
	}
	changed := make([]string, 0, len(partial))
	for k := range partial {
		changed = append(changed, k)
	}
	return changed, nil
}

type published struct {
	topic   string
	payload []byte
}

type ackRecorder struct {
	ch chan published
}

func newAckRecorder() *ackRecorder {
	return &ackRecorder{ch: make(chan published, 16)}
}

func (r *ackRecorder) publish(topic string, payload []byte) {
	r.ch <- published{topic, payload}
}

func (r *ackRecorder) next(t *testing.T) (string, Ack) {
	t.Helper()
	select {
	case p := <-r.ch:
		var ack Ack
		if err := json.Unmarshal(p.payload, &ack); err != nil {
			t.Fatalf("ack payload %q: %v", p.payload, err)
		}
		return p.topic, ack
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an acknowledgement")
		return "", Ack{}
	}
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic      string
		device     string
		capability string
		ok         bool
	}{
		{"ebbflow/lights-1/onoff/set", "lights-1", "onoff", true},
		{"ebbflow/air-1/settings/set", "air-1", "settings", true},
		{"ebbflow/lights-1/onoff", "", "", false},
		{"ebbflow/lights-1/onoff/get", "", "", false},
		{"other/lights-1/onoff/set", "", "", false},
		{"ebbflow//onoff/set", "", "", false},
		{"ebbflow/a/b/c/set", "", "", false},
	}
	for _, tt := range tests {
		device, capability, ok := ParseTopic("ebbflow/", tt.topic)
		if ok != tt.ok || device != tt.device || capability != tt.capability {
			t.Errorf("ParseTopic(%q) = %q, %q, %v", tt.topic, device, capability, ok)
		}
	}
}

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		payload string
		want    interface{}
	}{
		{"true", true},
		{"22.5", 22.5},
		{`"40"`, "40"},
		{"on", "on"},
		{`{"decimals":2}`, map[string]interface{}{"decimals": 2.0}},
	}
	for _, tt := range tests {
		if got := DecodeValue([]byte(tt.payload)); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("DecodeValue(%q) = %#v, want %#v", tt.payload, got, tt.want)
		}
	}
}

func newTestHandler(d Dispatcher, acks *ackRecorder) *CommandHandler {
	config := DefaultCommandConfig()
	config.Timeout = time.Second
	var publish func(string, []byte)
	if acks != nil {
		publish = acks.publish
	}
	return NewCommandHandler(config, d, publish, zerolog.Nop())
}

func TestCommandHandler_RoutesCommands(t *testing.T) {
	d := &fakeDispatcher{}
	acks := newAckRecorder()
	h := newTestHandler(d, acks)
	h.Start()
	defer h.Stop()

	h.handleMessage(nil, fakeMessage{topic: "ebbflow/lights-1/onoff/set", payload: []byte("true")})

	topic, ack := acks.next(t)
	if topic != "ebbflow/lights-1/onoff/ack" || !ack.Success {
		t.Errorf("ack on %s = %+v", topic, ack)
	}
	if len(d.commands) != 1 || d.commands[0] != (dispatched{"lights-1", "onoff", true}) {
		t.Errorf("commands = %+v", d.commands)
	}
}

func TestCommandHandler_RoutesSettings(t *testing.T) {
	d := &fakeDispatcher{}
	acks := newAckRecorder()
	h := newTestHandler(d, acks)
	h.Start()
	defer h.Stop()

	h.handleMessage(nil, fakeMessage{topic: "ebbflow/air-1/settings/set", payload: []byte(`{"decimals":2}`)})
	_, ack := acks.next(t)
	if !ack.Success || !reflect.DeepEqual(ack.Changed, []string{"decimals"}) {
		t.Errorf("ack = %+v", ack)
	}
	if len(d.settings) != 1 || d.settings[0]["decimals"] != 2.0 {
		t.Errorf("settings = %+v", d.settings)
	}

	// A settings payload must be an object.
	h.handleMessage(nil, fakeMessage{topic: "ebbflow/air-1/settings/set", payload: []byte("2")})
	_, ack = acks.next(t)
	if ack.Success || ack.Error == "" {
		t.Errorf("non-object settings accepted: %+v", ack)
	}
}

func TestCommandHandler_FailedCommandIsAcknowledged(t *testing.T) {
	d := &fakeDispatcher{err: domain.ErrUnknownCapability}
	acks := newAckRecorder()
	h := newTestHandler(d, acks)
	h.Start()
	defer h.Stop()

	h.handleMessage(nil, fakeMessage{topic: "ebbflow/lights-1/bogus/set", payload: []byte("1")})
	_, ack := acks.next(t)
	if ack.Success || ack.Error != domain.ErrUnknownCapability.Error() {
		t.Errorf("ack = %+v", ack)
	}

	waitStats(t, h, "commands_failed", 1)
}

func TestCommandHandler_InvalidTopicRejected(t *testing.T) {
	d := &fakeDispatcher{}
	h := newTestHandler(d, nil)
	h.Start()
	defer h.Stop()

	h.handleMessage(nil, fakeMessage{topic: "ebbflow/lights-1/set", payload: []byte("true")})
	if got := h.Stats()["commands_rejected"]; got != 1 {
		t.Errorf("rejected = %d, want 1", got)
	}
	if len(d.commands) != 0 {
		t.Error("invalid topic was dispatched")
	}
}

func TestCommandHandler_QueueFull(t *testing.T) {
	acks := newAckRecorder()
	config := DefaultCommandConfig()
	config.QueueSize = 1
	h := NewCommandHandler(config, &fakeDispatcher{}, acks.publish, zerolog.Nop())

	// Not started: the first command fills the queue.
	if !h.Enqueue(Command{DeviceID: "a", Capability: "onoff", Value: true}) {
		t.Fatal("first command rejected")
	}
	if h.Enqueue(Command{DeviceID: "a", Capability: "onoff", Value: false}) {
		t.Fatal("command accepted beyond queue size")
	}
	_, ack := acks.next(t)
	if ack.Success {
		t.Errorf("rejected command acknowledged as success: %+v", ack)
	}

	// Stop drains what was queued.
	h.Start()
	h.Stop()
	if got := h.Stats()["commands_succeeded"]; got != 1 {
		t.Errorf("succeeded = %d, want 1 after drain", got)
	}
}

func TestCommandHandler_SubscribeTopic(t *testing.T) {
	config := DefaultCommandConfig()
	config.TopicPrefix = "greenhouse/"
	h := NewCommandHandler(config, &fakeDispatcher{}, nil, zerolog.Nop())
	if got := h.SubscribeTopic(); got != "greenhouse/+/+/set" {
		t.Errorf("SubscribeTopic() = %q", got)
	}
}

func waitStats(t *testing.T, h *CommandHandler, key string, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Stats()[key] != want {
		if time.Now().After(deadline) {
			t.Fatalf("%s = %d, want %d", key, h.Stats()[key], want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
