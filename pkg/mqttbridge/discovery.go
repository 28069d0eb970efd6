package mqttbridge

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/arzzra/hasip/pkg/config"
)

// ButtonNumber номер, на который отвечает кнопка Home Assistant
const ButtonNumber = "10010100000"

// Состояния сенсора ha_sip_call_state
const (
	StateIdle   = "idle"
	StateActive = "active"
)

const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"

	nodeID       = "hasip"
	buttonObject = "answer_and_hangup_sip_call"
	sensorObject = "ha_sip_call_state"
)

// topics топики моста
type topics struct {
	command       string
	buttonCommand string
	buttonConfig  string
	sensorConfig  string
	state         string
	availability  string
}

func newTopics(cfg config.Broker) topics {
	prefix := strings.TrimRight(cfg.DiscoveryPrefix, "/")
	if prefix == "" {
		prefix = "homeassistant"
	}
	state := cfg.StateTopic
	if state == "" {
		state = nodeID + "/state"
	}
	base := strings.TrimSuffix(state, "/state")
	return topics{
		command:       cfg.Topic,
		buttonCommand: base + "/" + buttonObject + "/press",
		buttonConfig:  prefix + "/button/" + nodeID + "/" + buttonObject + "/config",
		sensorConfig:  prefix + "/sensor/" + nodeID + "/" + sensorObject + "/config",
		state:         state,
		availability:  base + "/availability",
	}
}

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

type discoveryEntity struct {
	Name              string          `json:"name"`
	UniqueID          string          `json:"unique_id"`
	ObjectID          string          `json:"object_id,omitempty"`
	CommandTopic      string          `json:"command_topic,omitempty"`
	StateTopic        string          `json:"state_topic,omitempty"`
	AvailabilityTopic string          `json:"availability_topic"`
	Icon              string          `json:"icon,omitempty"`
	Device            discoveryDevice `json:"device"`
}

var device = discoveryDevice{
	Identifiers:  []string{nodeID},
	Name:         "HA-SIP",
	Manufacturer: "hasip",
	Model:        "SIP bridge",
}

func (t topics) button() discoveryEntity {
	return discoveryEntity{
		Name:              "Answer and hangup SIP call",
		UniqueID:          nodeID + "_" + buttonObject,
		ObjectID:          buttonObject,
		CommandTopic:      t.buttonCommand,
		AvailabilityTopic: t.availability,
		Icon:              "mdi:phone-hangup",
		Device:            device,
	}
}

func (t topics) sensor() discoveryEntity {
	return discoveryEntity{
		Name:              "SIP call state",
		UniqueID:          nodeID + "_" + sensorObject,
		ObjectID:          sensorObject,
		StateTopic:        t.state,
		AvailabilityTopic: t.availability,
		Icon:              "mdi:phone",
		Device:            device,
	}
}

// publishDiscovery публикует retained конфигурацию кнопки и сенсора
func (b *Bridge) publishDiscovery() {
	for topic, entity := range map[string]discoveryEntity{
		b.topics.buttonConfig: b.topics.button(),
		b.topics.sensorConfig: b.topics.sensor(),
	} {
		payload, err := json.Marshal(entity)
		if err != nil {
			b.log.Error("discovery payload", slog.String("topic", topic), slog.Any("error", err))
			continue
		}
		b.publish(topic, payload)
	}
	b.publish(b.topics.availability, availabilityOnline)
}
