//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"homescript/internal/store"
	"homescript/internal/topology"
	"homescript/internal/value"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/homescript_lake_house_den_lamp/lightbulb_1a2b_brightness/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers   []string `json:"identifiers"`
	Manufacturer  string   `json:"manufacturer,omitempty"`
	Name          string   `json:"name"`
	SuggestedArea string   `json:"suggested_area,omitempty"`
}

type haAvailability struct {
	Topic string `json:"topic"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string           `json:"name"`
	UniqueID          string           `json:"unique_id"`
	StateTopic        string           `json:"state_topic"`
	CommandTopic      string           `json:"command_topic,omitempty"`
	Availability      []haAvailability `json:"availability"`
	AvailabilityMode  string           `json:"availability_mode"`
	UnitOfMeasurement string           `json:"unit_of_measurement,omitempty"`
	DeviceClass       string           `json:"device_class,omitempty"`
	StateClass        string           `json:"state_class,omitempty"`
	PayloadOn         string           `json:"payload_on,omitempty"`
	PayloadOff        string           `json:"payload_off,omitempty"`
	Device            haDevice         `json:"device"`
}

// discoveredChar is one characteristic considered for discovery, with the
// kind of its current value.
type discoveredChar struct {
	Service        string
	Characteristic topology.Characteristic
	Kind           value.Kind
}

// sensorClass holds the HA presentation of well-known numeric characteristics.
type sensorClass struct {
	deviceClass string
	unit        string
}

var sensorClasses = map[string]sensorClass{
	"CurrentTemperature":       {"temperature", "°C"},
	"TargetTemperature":        {"temperature", "°C"},
	"CurrentRelativeHumidity":  {"humidity", "%"},
	"BatteryLevel":             {"battery", "%"},
	"CurrentAmbientLightLevel": {"illuminance", "lx"},
	"CarbonDioxideLevel":       {"carbon_dioxide", "ppm"},
	"Brightness":               {"", "%"},
}

func classFor(ch topology.Characteristic) sensorClass {
	if c, ok := sensorClasses[ch.Type]; ok {
		return c
	}
	return sensorClasses[ch.Name]
}

// topicSegment lowercases s and keeps only characters safe in an MQTT topic
// level. An empty result becomes "-".
func topicSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '_'
	}, s)
	if s == "" {
		return "-"
	}
	return s
}

// accessoryTopic returns the topic root of an accessory.
func accessoryTopic(prefix string, id store.Identity) string {
	return prefix + "/" + topicSegment(id.Home) + "/" + topicSegment(id.Room) + "/" + topicSegment(id.Name)
}

// stateTopic returns the retained state topic of one characteristic.
func stateTopic(prefix string, id store.Identity, service, characteristic string) string {
	return accessoryTopic(prefix, id) + "/" + topicSegment(service) + "/" + topicSegment(characteristic)
}

func availabilityTopic(prefix string, id store.Identity) string {
	return accessoryTopic(prefix, id) + "/availability"
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(id store.Identity) string {
	return "homescript_" + topicSegment(id.Home) + "_" + topicSegment(id.Room) + "_" + topicSegment(id.Name)
}

// buildDiscovery generates HA discovery messages for a tracked accessory:
// a switch for writable bools, a binary sensor for read-only bools and a
// sensor for numeric characteristics. Other kinds are not announced.
func buildDiscovery(prefix string, id store.Identity, chars []discoveredChar) []discoveryMsg {
	nodeID := deviceIdentifier(id)
	avail := []haAvailability{{Topic: prefix + "/bridge/state"}, {Topic: availabilityTopic(prefix, id)}}
	dev := haDevice{
		Identifiers:   []string{nodeID},
		Manufacturer:  "homescript",
		Name:          id.Name,
		SuggestedArea: id.Room,
	}

	var msgs []discoveryMsg
	for _, c := range chars {
		state := stateTopic(prefix, id, c.Service, c.Characteristic.Name)
		objectID := topicSegment(c.Service) + "_" + topicSegment(c.Characteristic.Name)
		payload := haDiscovery{
			Name:             c.Characteristic.Name,
			UniqueID:         nodeID + "_" + objectID,
			StateTopic:       state,
			Availability:     avail,
			AvailabilityMode: "all",
			Device:           dev,
		}

		var component string
		switch c.Kind {
		case value.Bool:
			payload.PayloadOn = "true"
			payload.PayloadOff = "false"
			component = "binary_sensor"
			if c.Characteristic.Writable {
				component = "switch"
				payload.CommandTopic = state + "/set"
			}
		case value.Int, value.Double:
			component = "sensor"
			cls := classFor(c.Characteristic)
			payload.DeviceClass = cls.deviceClass
			payload.UnitOfMeasurement = cls.unit
			payload.StateClass = "measurement"
		default:
			continue
		}

		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", component, nodeID, objectID),
			Payload: mustJSON(payload),
		})
	}
	return msgs
}

// buildRemoveDiscovery generates empty retained messages that delete the
// given discovery topics from HA.
func buildRemoveDiscovery(topics []string) []discoveryMsg {
	msgs := make([]discoveryMsg, 0, len(topics))
	for _, t := range topics {
		msgs = append(msgs, discoveryMsg{Topic: t})
	}
	return msgs
}
