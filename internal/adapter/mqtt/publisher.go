// Package mqtt publishes meter telemetry to an MQTT broker: an aggregate
// JSON document per cycle, optional per-field topics, a retained
// availability flag backed by a broker-side LWT, and Home Assistant
// discovery once per (re)connection.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/domain"
	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/metrics"
)

// Config holds MQTT session and topic configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	PublishTimeout time.Duration

	// TopicPrefix roots all telemetry topics: <prefix>/data,
	// <prefix>/<field>, <prefix>/status.
	TopicPrefix string

	// IndividualTopics also publishes each field as plain text to its
	// own topic.
	IndividualTopics bool

	// DiscoveryEnabled publishes Home Assistant discovery configs after
	// each connection.
	DiscoveryEnabled     bool
	DiscoveryPrefix      string
	DiscoverySettleDelay time.Duration
	DiscoveryMessageGap  time.Duration

	// DeviceIP identifies the meter in discovery payloads and device
	// metadata.
	DeviceIP string
}

// DefaultConfig returns a Config with sensible defaults. The client ID
// gets a random suffix so two bridges against one broker never steal each
// other's session.
func DefaultConfig() Config {
	return Config{
		BrokerURL:            "tcp://localhost:1883",
		ClientID:             "sdm120-bridge-" + uuid.NewString()[:8],
		KeepAlive:            30 * time.Second,
		ConnectTimeout:       10 * time.Second,
		ReconnectDelay:       5 * time.Second,
		PublishTimeout:       5 * time.Second,
		TopicPrefix:          "sdm120",
		IndividualTopics:     true,
		DiscoveryEnabled:     true,
		DiscoveryPrefix:      "homeassistant",
		DiscoverySettleDelay: time.Second,
		DiscoveryMessageGap:  50 * time.Millisecond,
	}
}

// PublisherStats tracks session-level counters.
type PublisherStats struct {
	MessagesPublished atomic.Uint64
	MessagesFailed    atomic.Uint64
	BytesSent         atomic.Uint64
	ReconnectCount    atomic.Uint64
	DiscoveryBatches  atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the session counters.
type StatsSnapshot struct {
	MessagesPublished uint64 `json:"messages_published"`
	MessagesFailed    uint64 `json:"messages_failed"`
	BytesSent         uint64 `json:"bytes_sent"`
	ReconnectCount    uint64 `json:"reconnect_count"`
	DiscoveryBatches  uint64 `json:"discovery_batches"`
}

// Publisher owns the broker session. Telemetry publishing is fire and
// forget: tokens are watched on background goroutines for error accounting
// but the poll loop is never blocked on broker round trips.
type Publisher struct {
	config      Config
	logger      zerolog.Logger
	metrics     *metrics.Registry
	descriptors []domain.ParameterDescriptor

	mu      sync.RWMutex
	client  pahomqtt.Client
	session domain.PubSubChannel

	connected atomic.Bool
	// discoveryArmed is set on every connection loss so the next
	// connection republishes the discovery batch exactly once.
	discoveryArmed atomic.Bool
	wg             sync.WaitGroup
	stats          *PublisherStats
}

// NewPublisher creates a publisher. metricsReg may be nil.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) (*Publisher, error) {
	if config.BrokerURL == "" {
		return nil, domain.ErrBrokerURLRequired
	}
	if config.TopicPrefix == "" {
		return nil, domain.ErrTopicPrefixRequired
	}
	if config.ClientID == "" {
		config.ClientID = "sdm120-bridge-" + uuid.NewString()[:8]
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = 30 * time.Second
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if config.DiscoverySettleDelay == 0 {
		config.DiscoverySettleDelay = time.Second
	}
	if config.DiscoveryMessageGap == 0 {
		config.DiscoveryMessageGap = 50 * time.Millisecond
	}

	p := &Publisher{
		config:      config,
		logger:      logger.With().Str("component", "mqtt-publisher").Logger(),
		metrics:     metricsReg,
		descriptors: domain.Descriptors(),
		stats:       &PublisherStats{},
	}
	p.discoveryArmed.Store(true)
	return p, nil
}

// Connect establishes the broker session. The LWT is registered before
// connecting so the broker flips the availability topic to offline if the
// bridge dies without a clean disconnect. Failure here is not fatal to the
// daemon; paho keeps reconnecting in the background.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)
	opts.SetWill(p.statusTopic(), payloadOffline, 0, true)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)

	client := pahomqtt.NewClient(opts)

	p.mu.Lock()
	p.client = client
	p.session = pahoSession{client: client}
	p.mu.Unlock()

	p.logger.Info().
		Str("broker", p.config.BrokerURL).
		Str("client_id", p.config.ClientID).
		Msg("Connecting to MQTT broker")

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

	return nil
}

// Disconnect publishes a final retained offline flag and closes the
// session. The LWT never fires on a clean disconnect, so the flag has to
// go out explicitly.
func (p *Publisher) Disconnect() {
	p.mu.RLock()
	client := p.client
	session := p.session
	p.mu.RUnlock()

	if session != nil && session.IsConnected() {
		token := session.Publish(p.statusTopic(), 0, true, []byte(payloadOffline))
		token.WaitTimeout(p.config.PublishTimeout)
	}

	p.wg.Wait()

	if client != nil && client.IsConnected() {
		client.Disconnect(1000)
	}
	p.connected.Store(false)
	if p.metrics != nil {
		p.metrics.SetSessionUp(false)
	}
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// Publish sends one cycle's telemetry. With the session down it returns
// NotConnected immediately with zero broker calls; readings are never
// buffered, the next cycle brings fresh data anyway. Otherwise it emits the
// aggregate document, the per-field messages when enabled, and a retained
// online flag.
func (p *Publisher) Publish(reading *domain.MeterReading, bitmap domain.SuccessBitmap) domain.PublishOutcome {
	p.mu.RLock()
	session := p.session
	p.mu.RUnlock()

	if session == nil || !session.IsConnected() {
		p.logger.Warn().Msg("MQTT session down, skipping publish")
		return domain.PublishNotConnected
	}

	p.fireAndForget(session, p.config.TopicPrefix+"/data", false, buildAggregatePayload(p.descriptors, reading), "aggregate")

	if p.config.IndividualTopics {
		for i := range p.descriptors {
			desc := &p.descriptors[i]
			payload := formatFieldValue(desc, reading)
			p.fireAndForget(session, p.config.TopicPrefix+"/"+desc.Field, false, []byte(payload), "field")
		}
	}

	p.fireAndForget(session, p.statusTopic(), true, []byte(payloadOnline), "availability")

	p.logger.Debug().
		Str("bitmap", bitmap.String()).
		Int("fields", bitmap.Count()).
		Msg("Telemetry published")
	return domain.Published
}

// fireAndForget publishes without blocking the caller; the token is
// watched on a goroutine purely for error accounting.
func (p *Publisher) fireAndForget(session domain.PubSubChannel, topic string, retained bool, payload []byte, kind string) {
	token := session.Publish(topic, 0, retained, payload)

	p.stats.MessagesPublished.Add(1)
	p.stats.BytesSent.Add(uint64(len(payload)))
	if p.metrics != nil {
		p.metrics.RecordPublish(kind)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if !token.WaitTimeout(p.config.PublishTimeout) {
			p.recordPublishFailure(topic, domain.ErrMQTTPublishFailed)
			return
		}
		if err := token.Error(); err != nil {
			p.recordPublishFailure(topic, err)
		}
	}()
}

func (p *Publisher) recordPublishFailure(topic string, err error) {
	p.stats.MessagesFailed.Add(1)
	if p.metrics != nil {
		p.metrics.RecordPublishError()
	}
	p.logger.Warn().Err(err).Str("topic", topic).Msg("Publish did not complete")
}

// onConnect fires on every (re)connection. The discovery latch guarantees
// the batch goes out exactly once per connection even if paho invokes the
// handler concurrently with a reconnect.
func (p *Publisher) onConnect(_ pahomqtt.Client) {
	first := !p.connected.Swap(true)
	if !first {
		p.stats.ReconnectCount.Add(1)
	}
	if p.metrics != nil {
		p.metrics.SetSessionUp(true)
	}
	p.logger.Info().Msg("MQTT session established")

	if p.config.DiscoveryEnabled && p.discoveryArmed.CompareAndSwap(true, false) {
		p.mu.RLock()
		session := p.session
		p.mu.RUnlock()

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.publishDiscovery(session)
		}()
	}
}

func (p *Publisher) onConnectionLost(_ pahomqtt.Client, err error) {
	p.connected.Store(false)
	p.discoveryArmed.Store(true)
	if p.metrics != nil {
		p.metrics.SetSessionUp(false)
	}
	p.logger.Warn().Err(err).Msg("MQTT session lost, auto-reconnect active")
}

// IsConnected reports whether the broker session is up.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Stats returns a snapshot of the session counters.
func (p *Publisher) Stats() StatsSnapshot {
	return StatsSnapshot{
		MessagesPublished: p.stats.MessagesPublished.Load(),
		MessagesFailed:    p.stats.MessagesFailed.Load(),
		BytesSent:         p.stats.BytesSent.Load(),
		ReconnectCount:    p.stats.ReconnectCount.Load(),
		DiscoveryBatches:  p.stats.DiscoveryBatches.Load(),
	}
}

// HealthCheck implements the health.Checker interface.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return nil
}

func (p *Publisher) statusTopic() string {
	return p.config.TopicPrefix + "/status"
}

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// pahoSession adapts the paho client to the domain publish contract.
type pahoSession struct {
	client pahomqtt.Client
}

func (s pahoSession) IsConnected() bool {
	return s.client.IsConnected()
}

func (s pahoSession) Publish(topic string, qos byte, retained bool, payload []byte) domain.DeliveryToken {
	return s.client.Publish(topic, qos, retained, payload)
}

// sanitizeIP makes an IP address usable inside topic segments and entity
// identifiers.
func sanitizeIP(ip string) string {
	return strings.ReplaceAll(ip, ".", "_")
}
