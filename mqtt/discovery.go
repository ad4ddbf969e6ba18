package mqtt

import (
	"encoding/json"
	"sort"
)

// deviceInfo groups all discovered entities under one Home Assistant device.
type deviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// sensorConfig is the Home Assistant MQTT discovery payload for one
// telemetry channel.
type sensorConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            deviceInfo `json:"device"`
}

// connectivityConfig announces the bridge status topic as a binary sensor.
type connectivityConfig struct {
	Name        string     `json:"name"`
	UniqueID    string     `json:"unique_id"`
	StateTopic  string     `json:"state_topic"`
	DeviceClass string     `json:"device_class"`
	PayloadOn   string     `json:"payload_on"`
	PayloadOff  string     `json:"payload_off"`
	Device      deviceInfo `json:"device"`
}

// publishDiscovery announces every telemetry channel and the bridge
// connectivity sensor under the discovery prefix. Configs are retained so
// Home Assistant picks them up after its own restarts.
func (c *Client) publishDiscovery() {
	device := deviceInfo{
		Identifiers: []string{c.cfg.BaseTopic},
		Name:        c.cfg.DeviceName,
	}

	indexes := make([]int, 0, len(c.channels))
	for idx := range c.channels {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		ch := c.channels[idx]

		cfg := sensorConfig{
			Name:              ch.DisplayLabel(),
			UniqueID:          c.cfg.BaseTopic + "_" + ch.TopicName(),
			StateTopic:        c.cfg.BaseTopic + "/" + ch.TopicName(),
			UnitOfMeasurement: ch.Unit,
			DeviceClass:       ch.DeviceClass(),
			AvailabilityTopic: c.statusTopic(),
			Device:            device,
		}

		topic := c.cfg.DiscoveryPrefix + "/sensor/" + c.cfg.BaseTopic + "/" + ch.TopicName() + "/config"
		c.publishConfig(topic, cfg)
	}

	conn := connectivityConfig{
		Name:        c.cfg.DeviceName + " connectivity",
		UniqueID:    c.cfg.BaseTopic + "_connectivity",
		StateTopic:  c.statusTopic(),
		DeviceClass: "connectivity",
		PayloadOn:   payloadOnline,
		PayloadOff:  payloadOffline,
		Device:      device,
	}

	topic := c.cfg.DiscoveryPrefix + "/binary_sensor/" + c.cfg.BaseTopic + "/connectivity/config"
	c.publishConfig(topic, conn)

	c.logger.Info("published discovery configs", "channels", len(c.channels))
}

func (c *Client) publishConfig(topic string, cfg any) {
	payload, err := json.Marshal(cfg)
	if err != nil {
		c.logger.Error("failed to encode discovery config", "topic", topic, "error", err)
		return
	}

	if perr := c.publish(topic, string(payload), true); perr != nil {
		c.logger.Error("failed to publish discovery config", "topic", topic, "error", perr)
	}
}
