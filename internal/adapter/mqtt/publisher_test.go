package mqtt

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/domain"
)

type fakeToken struct {
	err error
}

func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                   { return t.err }

type publishedMessage struct {
	Topic    string
	Retained bool
	Payload  string
}

type fakeSession struct {
	mu        sync.Mutex
	connected bool
	messages  []publishedMessage
}

func (s *fakeSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) Publish(topic string, qos byte, retained bool, payload []byte) domain.DeliveryToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, publishedMessage{Topic: topic, Retained: retained, Payload: string(payload)})
	return fakeToken{}
}

func (s *fakeSession) published() []publishedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]publishedMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

func newTestPublisher(session *fakeSession, cfg Config) *Publisher {
	p := &Publisher{
		config:      cfg,
		logger:      zerolog.Nop(),
		descriptors: domain.Descriptors(),
		stats:       &PublisherStats{},
		session:     session,
	}
	p.discoveryArmed.Store(true)
	return p
}

func testPublisherConfig() Config {
	return Config{
		TopicPrefix:      "sdm120",
		DiscoveryPrefix:  "homeassistant",
		DeviceIP:         "192.168.1.100",
		IndividualTopics: true,
		DiscoveryEnabled: true,
		PublishTimeout:   time.Second,
	}
}

func sampleReading() *domain.MeterReading {
	return &domain.MeterReading{
		Timestamp:     1700000000123,
		Voltage:       230.1,
		Current:       4.2,
		ActivePower:   950,
		ApparentPower: 960.5,
		ReactivePower: 120,
		PowerFactor:   0.99,
		Frequency:     50,
		ImportEnergy:  123.456,
		ExportEnergy:  0.001,
		TotalEnergy:   123.457,
		DeviceIP:      "192.168.1.100",
	}
}

func fullBitmap(t *testing.T) domain.SuccessBitmap {
	t.Helper()
	var bm domain.SuccessBitmap
	for i := 0; i < domain.ParameterCount; i++ {
		bm.Set(i)
	}
	return bm
}

func TestPublishSkipsWhenSessionDown(t *testing.T) {
	session := &fakeSession{connected: false}
	p := newTestPublisher(session, testPublisherConfig())

	outcome := p.Publish(sampleReading(), fullBitmap(t))

	if outcome != domain.PublishNotConnected {
		t.Fatalf("expected NotConnected, got %v", outcome)
	}
	if len(session.published()) != 0 {
		t.Fatalf("expected zero broker calls, got %d", len(session.published()))
	}
}

func TestPublishEmitsAggregateFieldsAndAvailability(t *testing.T) {
	session := &fakeSession{connected: true}
	p := newTestPublisher(session, testPublisherConfig())

	outcome := p.Publish(sampleReading(), fullBitmap(t))
	p.wg.Wait()

	if outcome != domain.Published {
		t.Fatalf("expected Published, got %v", outcome)
	}

	messages := session.published()
	if len(messages) != 12 {
		t.Fatalf("expected 12 messages, got %d", len(messages))
	}

	if messages[0].Topic != "sdm120/data" || messages[0].Retained {
		t.Errorf("unexpected aggregate message: %+v", messages[0])
	}
	for i, d := range domain.Descriptors() {
		msg := messages[1+i]
		if msg.Topic != "sdm120/"+d.Field {
			t.Errorf("message %d: expected topic sdm120/%s, got %s", i, d.Field, msg.Topic)
		}
		if msg.Retained {
			t.Errorf("field message %s unexpectedly retained", msg.Topic)
		}
	}

	last := messages[11]
	if last.Topic != "sdm120/status" || !last.Retained || last.Payload != "online" {
		t.Errorf("unexpected availability message: %+v", last)
	}
}

func TestPublishWithoutIndividualTopics(t *testing.T) {
	cfg := testPublisherConfig()
	cfg.IndividualTopics = false
	session := &fakeSession{connected: true}
	p := newTestPublisher(session, cfg)

	p.Publish(sampleReading(), fullBitmap(t))
	p.wg.Wait()

	if got := len(session.published()); got != 2 {
		t.Fatalf("expected 2 messages, got %d", got)
	}
}

func TestAggregatePayloadWireFormat(t *testing.T) {
	payload := buildAggregatePayload(domain.Descriptors(), sampleReading())

	want := `{"timestamp":1700000000123,` +
		`"voltage":230.10,"current":4.200,"active_power":950.00,` +
		`"apparent_power":960.50,"reactive_power":120.00,"power_factor":0.990,` +
		`"frequency":50.00,"import_energy":123.456,"export_energy":0.001,` +
		`"total_energy":123.457,"device_ip":"192.168.1.100"}`
	if string(payload) != want {
		t.Errorf("aggregate payload mismatch\n got: %s\nwant: %s", payload, want)
	}
}

func TestFieldValueFormatting(t *testing.T) {
	reading := sampleReading()
	descriptors := domain.Descriptors()

	tests := []struct {
		id   int
		want string
	}{
		{0, "230.10"},  // voltage, 2 dp
		{1, "4.200"},   // current, 3 dp
		{5, "0.990"},   // power factor, 3 dp
		{9, "123.457"}, // total energy, 3 dp
	}
	for _, tt := range tests {
		if got := formatFieldValue(&descriptors[tt.id], reading); got != tt.want {
			t.Errorf("%s: expected %q, got %q", descriptors[tt.id].Field, tt.want, got)
		}
	}
}

func TestDiscoveryBatchContent(t *testing.T) {
	session := &fakeSession{connected: true}
	p := newTestPublisher(session, testPublisherConfig())

	p.onConnect(nil)
	p.wg.Wait()

	messages := session.published()
	if len(messages) != 11 {
		t.Fatalf("expected 10 configs + availability, got %d messages", len(messages))
	}

	first := messages[0]
	if first.Topic != "homeassistant/sensor/sdm120_192_168_1_100/voltage/config" {
		t.Errorf("unexpected discovery topic: %s", first.Topic)
	}
	if !first.Retained {
		t.Error("discovery config must be retained")
	}

	var cfg map[string]interface{}
	if err := json.Unmarshal([]byte(first.Payload), &cfg); err != nil {
		t.Fatalf("discovery payload is not valid JSON: %v", err)
	}
	checks := map[string]string{
		"name":                "Voltage",
		"object_id":           "sdm120_192_168_1_100_voltage",
		"unique_id":           "sdm120_192_168_1_100_voltage",
		"state_topic":         "sdm120/voltage",
		"availability_topic":  "sdm120/status",
		"device_class":        "voltage",
		"unit_of_measurement": "V",
		"state_class":         "measurement",
		"icon":                "mdi:flash",
		"value_template":      "{{ value | float }}",
	}
	for key, want := range checks {
		if got, _ := cfg[key].(string); got != want {
			t.Errorf("%s: expected %q, got %q", key, want, got)
		}
	}

	device, ok := cfg["device"].(map[string]interface{})
	if !ok {
		t.Fatal("discovery payload missing device block")
	}
	if device["manufacturer"] != "Eastron" || device["model"] != "SDM120" {
		t.Errorf("unexpected device block: %v", device)
	}
	if device["configuration_url"] != "http://192.168.1.100" {
		t.Errorf("unexpected configuration_url: %v", device["configuration_url"])
	}

	// Energy sensors report cumulative totals.
	for _, msg := range messages[:10] {
		if !strings.Contains(msg.Topic, "energy") {
			continue
		}
		var c map[string]interface{}
		if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
			t.Fatalf("bad payload on %s: %v", msg.Topic, err)
		}
		if c["state_class"] != "total_increasing" {
			t.Errorf("%s: expected total_increasing, got %v", msg.Topic, c["state_class"])
		}
	}

	last := messages[10]
	if last.Topic != "sdm120/status" || !last.Retained || last.Payload != "online" {
		t.Errorf("unexpected availability message after discovery: %+v", last)
	}
}

func TestDiscoveryRunsOncePerConnection(t *testing.T) {
	session := &fakeSession{connected: true}
	p := newTestPublisher(session, testPublisherConfig())

	p.onConnect(nil)
	p.wg.Wait()
	p.onConnect(nil)
	p.wg.Wait()

	if got := len(session.published()); got != 11 {
		t.Fatalf("expected a single discovery batch, got %d messages", got)
	}

	p.onConnectionLost(nil, domain.ErrConnectionClosed)
	p.onConnect(nil)
	p.wg.Wait()

	if got := len(session.published()); got != 22 {
		t.Fatalf("expected a second batch after reconnection, got %d messages", got)
	}
}

func TestDiscoveryDisabled(t *testing.T) {
	cfg := testPublisherConfig()
	cfg.DiscoveryEnabled = false
	session := &fakeSession{connected: true}
	p := newTestPublisher(session, cfg)

	p.onConnect(nil)
	p.wg.Wait()

	if got := len(session.published()); got != 0 {
		t.Fatalf("expected no messages with discovery disabled, got %d", got)
	}
}
