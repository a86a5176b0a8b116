package mqtt

import (
	"encoding/json"
	"time"

	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/domain"
)

const discoverySWVersion = "sdm120-bridge-1.0"

// sensorAttributes carries the Home Assistant metadata that is not part of
// the register table.
type sensorAttributes struct {
	deviceClass string
	stateClass  string
	icon        string
}

// Energies accumulate and get total_increasing; everything else is an
// instantaneous measurement.
var discoveryAttributes = map[string]sensorAttributes{
	domain.FieldVoltage:       {deviceClass: "voltage", stateClass: "measurement", icon: "mdi:flash"},
	domain.FieldCurrent:       {deviceClass: "current", stateClass: "measurement", icon: "mdi:current-ac"},
	domain.FieldActivePower:   {deviceClass: "power", stateClass: "measurement", icon: "mdi:flash"},
	domain.FieldApparentPower: {deviceClass: "apparent_power", stateClass: "measurement", icon: "mdi:flash-outline"},
	domain.FieldReactivePower: {deviceClass: "reactive_power", stateClass: "measurement", icon: "mdi:flash-outline"},
	domain.FieldPowerFactor:   {deviceClass: "power_factor", stateClass: "measurement", icon: "mdi:cosine-wave"},
	domain.FieldFrequency:     {deviceClass: "frequency", stateClass: "measurement", icon: "mdi:sine-wave"},
	domain.FieldImportEnergy:  {deviceClass: "energy", stateClass: "total_increasing", icon: "mdi:transmission-tower-import"},
	domain.FieldExportEnergy:  {deviceClass: "energy", stateClass: "total_increasing", icon: "mdi:transmission-tower-export"},
	domain.FieldTotalEnergy:   {deviceClass: "energy", stateClass: "total_increasing", icon: "mdi:lightning-bolt"},
}

type discoveryDevice struct {
	Identifiers      []string `json:"identifiers"`
	Name             string   `json:"name"`
	Model            string   `json:"model"`
	Manufacturer     string   `json:"manufacturer"`
	SWVersion        string   `json:"sw_version"`
	ConfigurationURL string   `json:"configuration_url"`
}

type discoveryConfig struct {
	Name              string          `json:"name"`
	ObjectID          string          `json:"object_id"`
	UniqueID          string          `json:"unique_id"`
	StateTopic        string          `json:"state_topic"`
	AvailabilityTopic string          `json:"availability_topic"`
	DeviceClass       string          `json:"device_class"`
	UnitOfMeasurement string          `json:"unit_of_measurement"`
	StateClass        string          `json:"state_class"`
	Icon              string          `json:"icon"`
	ValueTemplate     string          `json:"value_template"`
	Device            discoveryDevice `json:"device"`
}

// publishDiscovery sends the retained Home Assistant config for every
// sensor, paced so a small broker is not flooded, then flips the retained
// availability flag to online. Runs once per connection, after a settle
// delay that lets slow brokers finish the session handshake.
func (p *Publisher) publishDiscovery(session domain.PubSubChannel) {
	time.Sleep(p.config.DiscoverySettleDelay)

	if session == nil || !session.IsConnected() {
		// Lost the session during the settle delay; the reconnect
		// re-arms the latch and tries again.
		p.logger.Warn().Msg("Session dropped before discovery, deferring to next connect")
		p.discoveryArmed.Store(true)
		return
	}

	nodeID := "sdm120_" + sanitizeIP(p.config.DeviceIP)
	device := discoveryDevice{
		Identifiers:      []string{nodeID},
		Name:             "SDM120 Energy Meter",
		Model:            "SDM120",
		Manufacturer:     "Eastron",
		SWVersion:        discoverySWVersion,
		ConfigurationURL: "http://" + p.config.DeviceIP,
	}

	published := 0
	for i := range p.descriptors {
		desc := &p.descriptors[i]
		attrs := discoveryAttributes[desc.Field]

		cfg := discoveryConfig{
			Name:              desc.Name,
			ObjectID:          nodeID + "_" + desc.Field,
			UniqueID:          nodeID + "_" + desc.Field,
			StateTopic:        p.config.TopicPrefix + "/" + desc.Field,
			AvailabilityTopic: p.statusTopic(),
			DeviceClass:       attrs.deviceClass,
			UnitOfMeasurement: desc.Unit,
			StateClass:        attrs.stateClass,
			Icon:              attrs.icon,
			ValueTemplate:     "{{ value | float }}",
			Device:            device,
		}

		payload, err := json.Marshal(cfg)
		if err != nil {
			p.logger.Error().Err(err).Str("field", desc.Field).Msg("Failed to encode discovery config")
			continue
		}

		topic := p.config.DiscoveryPrefix + "/sensor/" + nodeID + "/" + desc.Field + "/config"
		token := session.Publish(topic, 0, true, payload)
		if !token.WaitTimeout(p.config.PublishTimeout) {
			p.recordPublishFailure(topic, domain.ErrMQTTPublishFailed)
		} else if err := token.Error(); err != nil {
			p.recordPublishFailure(topic, err)
		} else {
			published++
			p.stats.MessagesPublished.Add(1)
			p.stats.BytesSent.Add(uint64(len(payload)))
		}

		time.Sleep(p.config.DiscoveryMessageGap)
	}

	token := session.Publish(p.statusTopic(), 0, true, []byte(payloadOnline))
	token.WaitTimeout(p.config.PublishTimeout)

	p.stats.DiscoveryBatches.Add(1)
	if p.metrics != nil {
		p.metrics.RecordDiscoveryBatch()
	}
	p.logger.Info().
		Int("sensors", published).
		Str("prefix", p.config.DiscoveryPrefix).
		Msg("Home Assistant discovery published")
}
