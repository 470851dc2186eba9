package mqtt

import (
	"context"
	"errors"
	"testing"

	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
	"github.com/rs/zerolog"
)

func TestStateTopic(t *testing.T) {
	tests := []struct {
		device, capability, want string
	}{
		{"lights-1", "onoff", "ebbflow/lights-1/onoff"},
		{"air 1", "on/off", "ebbflow/air_1/on_off"},
		{" #bay+ ", "measure_temperature", "ebbflow/bay/measure_temperature"},
	}
	for _, tt := range tests {
		if got := StateTopic("ebbflow", tt.device, tt.capability); got != tt.want {
			t.Errorf("StateTopic(%q, %q) = %q, want %q", tt.device, tt.capability, got, tt.want)
		}
	}
	if got := AvailabilityTopic("ebbflow", "air 1"); got != "ebbflow/air_1/available" {
		t.Errorf("AvailabilityTopic = %q", got)
	}
}

func TestPublisher_QueuesWhileDisconnected(t *testing.T) {
	p := NewPublisher(Config{TopicPrefix: "ebbflow/"}, zerolog.Nop(), nil)

	p.CapabilityChanged("air-1", "target_temperature", 22.5)
	p.AvailabilityChanged("air-1", false, "The device is offline.")
	p.PublishAsync("ebbflow/air-1/onoff/ack", []byte(`{"success":true}`))

	if p.BufferSize() != 3 {
		t.Fatalf("BufferSize() = %d, want 3", p.BufferSize())
	}

	want := []struct {
		topic    string
		payload  string
		retained bool
	}{
		{"ebbflow/air-1/target_temperature", "22.5", true},
		{"ebbflow/air-1/available", "false", true},
		{"ebbflow/air-1/onoff/ack", `{"success":true}`, false},
	}
	for _, w := range want {
		msg := <-p.messageBuffer
		if msg.Topic != w.topic || string(msg.Payload) != w.payload || msg.Retained != w.retained {
			t.Errorf("message = %s %q retained=%v, want %s %q retained=%v",
				msg.Topic, msg.Payload, msg.Retained, w.topic, w.payload, w.retained)
		}
	}
}

func TestPublisher_DropsOldestWhenFull(t *testing.T) {
	p := NewPublisher(Config{BufferSize: 2}, zerolog.Nop(), nil)

	p.CapabilityChanged("lights-1", "onoff", true)
	p.CapabilityChanged("lights-1", "onoff", false)
	p.CapabilityChanged("lights-1", "lightoutput", true)

	stats := p.Stats()
	if stats.Buffered != 2 || stats.MessagesDropped != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	first := <-p.messageBuffer
	if string(first.Payload) != "false" {
		t.Errorf("oldest message was kept: %q", first.Payload)
	}
}

func TestPublisher_HealthCheck(t *testing.T) {
	p := NewPublisher(DefaultConfig(), zerolog.Nop(), nil)
	if p.IsConnected() {
		t.Fatal("new publisher reports connected")
	}
	if err := p.HealthCheck(context.Background()); !errors.Is(err, domain.ErrMQTTConnectionFailed) {
		t.Errorf("expected ErrMQTTConnectionFailed, got %v", err)
	}
	if p.TopicPrefix() != "ebbflow" {
		t.Errorf("TopicPrefix() = %q", p.TopicPrefix())
	}
}
