// Package message defines the in-memory representation of one published
// MQTT message as it moves from a PUBLISH packet through the subscription
// mux to a retained-message store. QoS 0 is the only level this repository
// delivers, so there is no delivery-attempt/duplicate-flag bookkeeping here.
package message

import (
	"fmt"
	"time"

	"github.com/mqttcore/mqttcore/encoding"
)

// Message is a published payload plus the metadata needed to route and,
// optionally, retain it.
type Message struct {
	PacketID         uint16 // wire fidelity only; always 0 for QoS 0
	Topic            string
	Payload          []byte
	QoS              encoding.QoS
	Retain           bool
	Properties       map[string]interface{}
	CreatedAt        time.Time
	ExpiryInterval   uint32
	MessageExpirySet bool
}

// NewMessage builds a Message from a decoded PUBLISH's fields.
func NewMessage(packetID uint16, topic string, payload []byte, qos encoding.QoS, retain bool, properties map[string]interface{}) *Message {
	msg := &Message{
		PacketID:   packetID,
		Topic:      topic,
		Payload:    payload,
		QoS:        qos,
		Retain:     retain,
		Properties: properties,
		CreatedAt:  time.Now(),
	}

	if properties != nil {
		if expiry, ok := properties["MessageExpiryInterval"].(uint32); ok {
			msg.ExpiryInterval = expiry
			msg.MessageExpirySet = true
		}
	}

	return msg
}

// PropertiesFromV5 flattens a decoded v5 Properties list into the
// name-keyed map NewMessage inspects for MessageExpiryInterval. Property IDs
// this package has no use for are carried through under a "prop_<id>" key
// (the decimal PropertyID) so a caller can still inspect them if needed.
func PropertiesFromV5(props encoding.Properties) map[string]interface{} {
	out := make(map[string]interface{}, len(props.Properties))
	for _, p := range props.Properties {
		switch p.ID {
		case encoding.PropMessageExpiryInterval:
			out["MessageExpiryInterval"] = p.Value
		case encoding.PropContentType:
			out["ContentType"] = p.Value
		case encoding.PropPayloadFormatIndicator:
			out["PayloadFormatIndicator"] = p.Value
		case encoding.PropResponseTopic:
			out["ResponseTopic"] = p.Value
		case encoding.PropCorrelationData:
			out["CorrelationData"] = p.Value
		default:
			out[fmt.Sprintf("prop_%d", p.ID)] = p.Value
		}
	}
	return out
}

// IsExpired reports whether the v5 MessageExpiryInterval property, if set,
// has elapsed since CreatedAt.
func (m *Message) IsExpired() bool {
	if !m.MessageExpirySet || m.ExpiryInterval == 0 {
		return false
	}
	return time.Since(m.CreatedAt) >= time.Duration(m.ExpiryInterval)*time.Second
}

// RemainingExpiry returns the seconds left before IsExpired becomes true, or
// 0 if there is no expiry set or it has already passed.
func (m *Message) RemainingExpiry() uint32 {
	if !m.MessageExpirySet || m.ExpiryInterval == 0 {
		return 0
	}
	elapsed := uint32(time.Since(m.CreatedAt).Seconds())
	if elapsed >= m.ExpiryInterval {
		return 0
	}
	return m.ExpiryInterval - elapsed
}

// Clone returns a deep copy, safe to hand to a retained-message store that
// outlives the PUBLISH that produced this Message.
func (m *Message) Clone() *Message {
	payload := make([]byte, len(m.Payload))
	copy(payload, m.Payload)

	properties := make(map[string]interface{}, len(m.Properties))
	for k, v := range m.Properties {
		properties[k] = v
	}

	return &Message{
		PacketID:         m.PacketID,
		Topic:            m.Topic,
		Payload:          payload,
		QoS:              m.QoS,
		Retain:           m.Retain,
		Properties:       properties,
		CreatedAt:        m.CreatedAt,
		ExpiryInterval:   m.ExpiryInterval,
		MessageExpirySet: m.MessageExpirySet,
	}
}
