// Package mqtt bridges device state to an MQTT broker: capability values and
// availability are published as retained messages, and capability commands
// and settings changes are received from set topics.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
	"github.com/nexus-edge/ebbflow-gateway/internal/metrics"
	"github.com/nexus-edge/ebbflow-gateway/internal/platform"
	"github.com/rs/zerolog"
)

// Publisher publishes device state to the MQTT broker. State changes are
// queued and published by a background worker so callers never block on
// the network.
type Publisher struct {
	config        Config
	client        pahomqtt.Client
	logger        zerolog.Logger
	metrics       *metrics.Registry
	mu            sync.RWMutex
	connected     atomic.Bool
	messageBuffer chan *BufferedMessage
	done          chan struct{}
	wg            sync.WaitGroup
	stats         *PublisherStats
	topicMu       sync.RWMutex
	topicStats    map[string]*TopicStat

	// onConnect handlers run after every (re)connect, e.g. to resubscribe.
	onConnect []func(pahomqtt.Client)
}

var _ platform.StateSink = (*Publisher)(nil)

// TopicStat tracks publish activity for a given topic.
type TopicStat struct {
	Topic            string    `json:"topic"`
	Count            uint64    `json:"count"`
	LastPublished    time.Time `json:"last_published"`
	LastPayloadBytes int       `json:"last_payload_bytes"`
}

// Config holds MQTT bridge configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	CleanSession   bool
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	BufferSize     int
	PublishTimeout time.Duration
}

// BufferedMessage represents a message waiting to be published.
type BufferedMessage struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Timestamp time.Time
}

// PublisherStats tracks publisher activity.
type PublisherStats struct {
	MessagesPublished atomic.Uint64
	MessagesFailed    atomic.Uint64
	MessagesDropped   atomic.Uint64
	BytesSent         atomic.Uint64
	ReconnectCount    atomic.Uint64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "ebbflow-gateway",
		TopicPrefix:    "ebbflow",
		CleanSession:   true,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		BufferSize:     1000,
		PublishTimeout: 5 * time.Second,
	}
}

// NewPublisher creates a publisher. Call Connect to start publishing;
// messages queued before that are kept up to BufferSize.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Publisher {
	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = defaults.KeepAlive
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	config.TopicPrefix = strings.TrimSuffix(config.TopicPrefix, "/")
	if config.TopicPrefix == "" {
		config.TopicPrefix = defaults.TopicPrefix
	}

	return &Publisher{
		config:        config,
		logger:        logger.With().Str("component", "mqtt-publisher").Logger(),
		metrics:       metricsReg,
		messageBuffer: make(chan *BufferedMessage, config.BufferSize),
		done:          make(chan struct{}),
		stats:         &PublisherStats{},
		topicStats:    make(map[string]*TopicStat),
	}
}

// StateTopic returns the retained state topic of a capability.
func StateTopic(prefix, deviceID, capability string) string {
	return prefix + "/" + sanitizeTopicSegment(deviceID) + "/" + sanitizeTopicSegment(capability)
}

// AvailabilityTopic returns the retained availability topic of a device.
func AvailabilityTopic(prefix, deviceID string) string {
	return prefix + "/" + sanitizeTopicSegment(deviceID) + "/available"
}

func sanitizeTopicSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "#", "_")
	s = strings.ReplaceAll(s, "+", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return strings.Trim(s, "_")
}

// CapabilityChanged queues the new value of a capability.
func (p *Publisher) CapabilityChanged(deviceID, capability string, value interface{}) {
	payload, err := json.Marshal(value)
	if err != nil {
		p.logger.Warn().Err(err).Str("device_id", deviceID).Str("capability", capability).Msg("Failed to encode capability value")
		return
	}
	p.enqueue(StateTopic(p.config.TopicPrefix, deviceID, capability), payload, true)
}

// AvailabilityChanged queues the availability flag of a device.
func (p *Publisher) AvailabilityChanged(deviceID string, available bool, reason string) {
	p.enqueue(AvailabilityTopic(p.config.TopicPrefix, deviceID), []byte(fmt.Sprint(available)), true)
}

// PublishAsync queues a non-retained message, e.g. a command acknowledgement.
func (p *Publisher) PublishAsync(topic string, payload []byte) {
	p.enqueue(topic, payload, false)
}

// enqueue adds a message to the buffer, dropping the oldest when full.
func (p *Publisher) enqueue(topic string, payload []byte, retained bool) {
	msg := &BufferedMessage{
		Topic:     topic,
		Payload:   payload,
		QoS:       p.config.QoS,
		Retained:  retained,
		Timestamp: time.Now(),
	}

	select {
	case p.messageBuffer <- msg:
		return
	default:
	}
	select {
	case <-p.messageBuffer:
		p.stats.MessagesDropped.Add(1)
		p.logger.Warn().Msg("Buffer full, dropped oldest message")
	default:
	}
	select {
	case p.messageBuffer <- msg:
	default:
		p.stats.MessagesDropped.Add(1)
	}
}

// Connect establishes the connection to the MQTT broker and starts the
// publishing worker. Paho reconnects automatically afterwards.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetCleanSession(p.config.CleanSession)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(p.config.ReconnectDelay)
	opts.SetWill(p.config.TopicPrefix+"/gateway/online", "false", p.config.QoS, true)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetOnConnectHandler(p.handleConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(p.onReconnecting)

	client := pahomqtt.NewClient(opts)
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")

	// The worker waits for the connection, so messages queued while the
	// initial connect is still retrying go out once it succeeds.
	p.wg.Add(1)
	go p.processBuffer()

	token := client.Connect()
	connectDone := make(chan bool, 1)
	go func() {
		connectDone <- token.WaitTimeout(p.config.ConnectTimeout)
	}()

	select {
	case success := <-connectDone:
		if !success {
			return fmt.Errorf("%w: connection timeout", domain.ErrMQTTConnectionFailed)
		}
		if token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, token.Error())
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}

	p.connected.Store(true)
	p.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// OnConnect registers a handler run after every successful (re)connect.
// Must be called before Connect.
func (p *Publisher) OnConnect(handler func(pahomqtt.Client)) {
	p.mu.Lock()
	p.onConnect = append(p.onConnect, handler)
	p.mu.Unlock()
}

// Disconnect drains the buffer and disconnects from the broker.
func (p *Publisher) Disconnect() {
	p.logger.Info().Msg("Disconnecting from MQTT broker")

	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.client.IsConnected() {
		p.client.Publish(p.config.TopicPrefix+"/gateway/online", p.config.QoS, true, "false").WaitTimeout(time.Second)
		p.client.Disconnect(1000)
	}
	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// publishRaw publishes a payload and waits for the broker's acknowledgement.
func (p *Publisher) publishRaw(ctx context.Context, msg *BufferedMessage) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("%w: not connected", domain.ErrMQTTPublishFailed)
	}

	token := client.Publish(msg.Topic, msg.QoS, msg.Retained, msg.Payload)
	publishDone := make(chan bool, 1)
	go func() {
		publishDone <- token.WaitTimeout(p.config.PublishTimeout)
	}()

	var err error
	select {
	case success := <-publishDone:
		if !success {
			err = fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
		} else if token.Error() != nil {
			err = fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, token.Error())
		}
	case <-ctx.Done():
		err = fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, ctx.Err())
	}

	p.metrics.RecordMQTTPublish(err == nil)
	if err != nil {
		p.stats.MessagesFailed.Add(1)
		return err
	}
	p.stats.MessagesPublished.Add(1)
	p.stats.BytesSent.Add(uint64(len(msg.Payload)))
	p.recordTopicPublish(msg.Topic, len(msg.Payload))
	return nil
}

// processBuffer publishes queued messages while connected.
func (p *Publisher) processBuffer() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			p.drainBuffer()
			return
		case msg := <-p.messageBuffer:
			for !p.connected.Load() {
				select {
				case <-p.done:
					return
				case <-time.After(100 * time.Millisecond):
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			if err := p.publishRaw(ctx, msg); err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to publish state")
			}
			cancel()
		}
	}
}

// drainBuffer attempts to publish all remaining buffered messages.
func (p *Publisher) drainBuffer() {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-p.messageBuffer:
			if !p.connected.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			if err := p.publishRaw(ctx, msg); err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to drain buffered message")
			}
			cancel()
		case <-timeout:
			if remaining := len(p.messageBuffer); remaining > 0 {
				p.logger.Warn().Int("count", remaining).Msg("Timeout draining buffer, messages dropped")
			}
			return
		default:
			return
		}
	}
}

func (p *Publisher) recordTopicPublish(topic string, payloadBytes int) {
	p.topicMu.Lock()
	defer p.topicMu.Unlock()

	stat, ok := p.topicStats[topic]
	if !ok {
		stat = &TopicStat{Topic: topic}
		p.topicStats[topic] = stat
	}
	stat.Count++
	stat.LastPublished = time.Now()
	stat.LastPayloadBytes = payloadBytes
}

// ActiveTopics returns the published topics, most recent first.
func (p *Publisher) ActiveTopics() []TopicStat {
	p.topicMu.RLock()
	out := make([]TopicStat, 0, len(p.topicStats))
	for _, stat := range p.topicStats {
		out = append(out, *stat)
	}
	p.topicMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastPublished.After(out[j].LastPublished)
	})
	return out
}

func (p *Publisher) handleConnect(client pahomqtt.Client) {
	p.connected.Store(true)
	p.logger.Info().Msg("MQTT connection established")

	client.Publish(p.config.TopicPrefix+"/gateway/online", p.config.QoS, true, "true")

	p.mu.RLock()
	handlers := append([]func(pahomqtt.Client){}, p.onConnect...)
	p.mu.RUnlock()
	for _, h := range handlers {
		h(client)
	}
}

func (p *Publisher) onConnectionLost(client pahomqtt.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *Publisher) onReconnecting(client pahomqtt.Client, opts *pahomqtt.ClientOptions) {
	p.stats.ReconnectCount.Add(1)
	p.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

// IsConnected returns true if the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// BufferSize returns the number of queued messages.
func (p *Publisher) BufferSize() int {
	return len(p.messageBuffer)
}

// StatsSnapshot is a point-in-time copy of PublisherStats.
type StatsSnapshot struct {
	MessagesPublished uint64 `json:"messages_published"`
	MessagesFailed    uint64 `json:"messages_failed"`
	MessagesDropped   uint64 `json:"messages_dropped"`
	BytesSent         uint64 `json:"bytes_sent"`
	ReconnectCount    uint64 `json:"reconnect_count"`
	Buffered          int    `json:"buffered"`
}

// Stats returns publisher statistics.
func (p *Publisher) Stats() StatsSnapshot {
	return StatsSnapshot{
		MessagesPublished: p.stats.MessagesPublished.Load(),
		MessagesFailed:    p.stats.MessagesFailed.Load(),
		MessagesDropped:   p.stats.MessagesDropped.Load(),
		BytesSent:         p.stats.BytesSent.Load(),
		ReconnectCount:    p.stats.ReconnectCount.Load(),
		Buffered:          len(p.messageBuffer),
	}
}

// HealthCheck implements the health checker contract.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.connected.Load() {
		return fmt.Errorf("%w: not connected", domain.ErrMQTTConnectionFailed)
	}
	return nil
}

// Client returns the underlying MQTT client.
func (p *Publisher) Client() pahomqtt.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

// TopicPrefix returns the configured topic prefix.
func (p *Publisher) TopicPrefix() string { return p.config.TopicPrefix }
