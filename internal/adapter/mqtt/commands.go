package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
	"github.com/rs/zerolog"
)

// settingsCapability is the pseudo capability that carries settings changes.
const settingsCapability = "settings"

// Dispatcher receives commands and settings changes for devices.
type Dispatcher interface {
	Command(ctx context.Context, deviceID, capability string, value interface{}) error
	ApplySettings(ctx context.Context, deviceID string, partial domain.Settings) ([]string, error)
}

// CommandConfig holds configuration for the command subscriber.
type CommandConfig struct {
	TopicPrefix string
	QoS         byte

	// Timeout bounds the handling of one command.
	Timeout time.Duration

	// QueueSize is the number of commands buffered before new ones are rejected.
	QueueSize int

	// Acknowledge publishes a result on <prefix>/<device>/<capability>/ack.
	Acknowledge bool
}

// DefaultCommandConfig returns sensible defaults for command handling.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		TopicPrefix: "ebbflow",
		QoS:         1,
		Timeout:     10 * time.Second,
		QueueSize:   256,
		Acknowledge: true,
	}
}

// Command is one message received on a set topic.
type Command struct {
	DeviceID   string
	Capability string
	Value      interface{}
	Received   time.Time
}

// Ack is published in response to a command.
type Ack struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Changed   []string  `json:"changed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandStats tracks command handling statistics.
type CommandStats struct {
	Received  atomic.Uint64
	Succeeded atomic.Uint64
	Failed    atomic.Uint64
	Rejected  atomic.Uint64
}

// CommandHandler subscribes to <prefix>/+/+/set and routes each message to
// the dispatcher through a bounded queue worked by a single goroutine.
type CommandHandler struct {
	config     CommandConfig
	dispatcher Dispatcher
	publish    func(topic string, payload []byte)
	logger     zerolog.Logger
	stats      *CommandStats

	queue   chan Command
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewCommandHandler creates a command handler. publish is used for
// acknowledgements and may be nil.
func NewCommandHandler(config CommandConfig, dispatcher Dispatcher, publish func(topic string, payload []byte), logger zerolog.Logger) *CommandHandler {
	defaults := DefaultCommandConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	config.TopicPrefix = strings.TrimSuffix(config.TopicPrefix, "/")
	if config.TopicPrefix == "" {
		config.TopicPrefix = defaults.TopicPrefix
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandHandler{
		config:     config,
		dispatcher: dispatcher,
		publish:    publish,
		logger:     logger.With().Str("component", "mqtt-commands").Logger(),
		stats:      &CommandStats{},
		queue:      make(chan Command, config.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SubscribeTopic returns the topic filter the handler listens on.
func (h *CommandHandler) SubscribeTopic() string {
	return h.config.TopicPrefix + "/+/+/set"
}

// Start starts the queue worker.
func (h *CommandHandler) Start() {
	if h.running.Swap(true) {
		return
	}
	h.wg.Add(1)
	go h.processQueue()
	h.logger.Info().Str("topic", h.SubscribeTopic()).Msg("Command handler started")
}

// Subscribe subscribes client to the set topics. It is registered as an
// on-connect handler so subscriptions survive reconnects.
func (h *CommandHandler) Subscribe(client pahomqtt.Client) {
	token := client.Subscribe(h.SubscribeTopic(), h.config.QoS, h.handleMessage)
	go func() {
		if token.WaitTimeout(h.config.Timeout) && token.Error() != nil {
			h.logger.Error().Err(token.Error()).Str("topic", h.SubscribeTopic()).Msg("Failed to subscribe to command topic")
		}
	}()
}

// Stop stops the worker after draining queued commands.
func (h *CommandHandler) Stop() {
	if !h.running.Swap(false) {
		return
	}
	h.cancel()
	h.wg.Wait()
	h.logger.Info().Msg("Command handler stopped")
}

// ParseTopic extracts device and capability from <prefix>/<device>/<capability>/set.
func ParseTopic(prefix, topic string) (deviceID, capability string, ok bool) {
	rest := strings.TrimPrefix(topic, strings.TrimSuffix(prefix, "/")+"/")
	if rest == topic {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// DecodeValue parses a JSON payload; anything that is not JSON is taken as a
// raw string.
func DecodeValue(payload []byte) interface{} {
	var value interface{}
	if err := json.Unmarshal(payload, &value); err != nil {
		return string(payload)
	}
	return value
}

func (h *CommandHandler) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	h.stats.Received.Add(1)

	deviceID, capability, ok := ParseTopic(h.config.TopicPrefix, msg.Topic())
	if !ok {
		h.stats.Rejected.Add(1)
		h.logger.Warn().Str("topic", msg.Topic()).Msg("Invalid command topic format")
		return
	}

	cmd := Command{
		DeviceID:   deviceID,
		Capability: capability,
		Value:      DecodeValue(msg.Payload()),
		Received:   time.Now(),
	}
	h.Enqueue(cmd)
}

// Enqueue queues a command, rejecting it when the queue is full.
func (h *CommandHandler) Enqueue(cmd Command) bool {
	select {
	case h.queue <- cmd:
		return true
	default:
		h.stats.Rejected.Add(1)
		h.logger.Warn().
			Str("device_id", cmd.DeviceID).
			Str("capability", cmd.Capability).
			Msg("Command rejected: queue full")
		h.acknowledge(cmd, nil, errors.New("command queue full, try again later"))
		return false
	}
}

func (h *CommandHandler) processQueue() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			h.drainQueue()
			return
		case cmd := <-h.queue:
			h.process(cmd)
		}
	}
}

func (h *CommandHandler) drainQueue() {
	for {
		select {
		case cmd := <-h.queue:
			h.process(cmd)
		default:
			return
		}
	}
}

// process dispatches one command.
func (h *CommandHandler) process(cmd Command) {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	var (
		changed []string
		err     error
	)
	if cmd.Capability == settingsCapability {
		partial, ok := cmd.Value.(map[string]interface{})
		if !ok {
			err = domain.ErrInvalidWriteValue
		} else {
			changed, err = h.dispatcher.ApplySettings(ctx, cmd.DeviceID, domain.Settings(partial))
		}
	} else {
		err = h.dispatcher.Command(ctx, cmd.DeviceID, cmd.Capability, cmd.Value)
	}

	if err != nil {
		h.stats.Failed.Add(1)
		h.logger.Warn().
			Err(err).
			Str("device_id", cmd.DeviceID).
			Str("capability", cmd.Capability).
			Interface("value", cmd.Value).
			Msg("Command failed")
	} else {
		h.stats.Succeeded.Add(1)
		h.logger.Debug().
			Str("device_id", cmd.DeviceID).
			Str("capability", cmd.Capability).
			Dur("latency", time.Since(cmd.Received)).
			Msg("Command accepted")
	}
	h.acknowledge(cmd, changed, err)
}

func (h *CommandHandler) acknowledge(cmd Command, changed []string, err error) {
	if !h.config.Acknowledge || h.publish == nil {
		return
	}
	ack := Ack{Success: err == nil, Changed: changed, Timestamp: time.Now()}
	if err != nil {
		ack.Error = err.Error()
	}
	payload, mErr := json.Marshal(ack)
	if mErr != nil {
		return
	}
	topic := h.config.TopicPrefix + "/" + cmd.DeviceID + "/" + cmd.Capability + "/ack"
	h.publish(topic, payload)
}

// Stats returns a snapshot of command handling statistics.
func (h *CommandHandler) Stats() map[string]uint64 {
	return map[string]uint64{
		"commands_received":  h.stats.Received.Load(),
		"commands_succeeded": h.stats.Succeeded.Load(),
		"commands_failed":    h.stats.Failed.Load(),
		"commands_rejected":  h.stats.Rejected.Load(),
	}
}
