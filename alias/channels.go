package alias

import (
	"fmt"
	"strings"
)

// Channel describes one value position in the device's telemetry frame.
type Channel struct {
	// Index is the zero-based position of the value within a telemetry frame.
	Index int `yaml:"index"`
	// Alias is the short channel name.
	Alias string `yaml:"alias"`
	// Label is the human-readable channel name.
	Label string `yaml:"label"`
	// Unit is the measurement unit, e.g. "°C" or "%".
	Unit string `yaml:"unit"`
	// MQTTName overrides the topic segment used when publishing the channel.
	// Defaults to Alias.
	MQTTName string `yaml:"mqtt_name"`
}

// TopicName returns the topic segment for the channel.
func (c *Channel) TopicName() string {
	if c.MQTTName != "" {
		return c.MQTTName
	}

	return c.Alias
}

// DisplayLabel returns the human-readable name for the channel.
func (c *Channel) DisplayLabel() string {
	if c.Label != "" {
		return c.Label
	}

	return c.Alias
}

// DeviceClass returns the Home Assistant device class for the channel, or
// an empty string when none applies.
func (c *Channel) DeviceClass() string {
	return DeviceClass(c.Label, c.Unit)
}

// ChannelMap maps telemetry frame indexes to channel descriptions.
type ChannelMap map[int]*Channel

func newChannelMap(channels []*Channel) (ChannelMap, error) {
	cm := make(ChannelMap, len(channels))

	for _, ch := range channels {
		if ch.Alias == "" {
			return nil, fmt.Errorf("%w: channel index %d", ErrEmptyAlias, ch.Index)
		}
		if _, exists := cm[ch.Index]; exists {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateIndex, ch.Index)
		}

		cm[ch.Index] = ch
	}

	return cm, nil
}

// DeviceClass derives the Home Assistant device class for a channel from its
// label and unit. It returns an empty string when no class applies.
func DeviceClass(label, unit string) string {
	switch unit {
	case "°C":
		return "temperature"
	case "%":
		if strings.Contains(label, "Feuchte") || strings.Contains(label, "Luftfeuchte") {
			return "humidity"
		}
		return ""
	case "bar":
		return "pressure"
	}

	if strings.Contains(label, "Leistung") {
		return "power"
	}

	return ""
}
