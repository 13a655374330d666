package broker

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mqttcore/mqttcore/encoding"
	"github.com/mqttcore/mqttcore/network"
	"github.com/mqttcore/mqttcore/types/message"
)

// connectInfo is the version-agnostic shape handleConnection extracts from
// either a ConnectPacket311 or a ConnectPacket before the rest of the loop
// stops caring which protocol version is in play.
type connectInfo struct {
	clientID     string
	username     string
	password     []byte
	keepAlive    uint16
	cleanSession bool
}

func (b *Broker) handleConnection(conn *network.Connection) {
	reader := bufio.NewReader(conn)

	pkt, version, err := encoding.ReadConnect(reader, b.cfg.MaxPacketSize)
	if err != nil {
		b.log.Debug("connect read failed", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}

	info, ok := extractConnectInfo(pkt)
	if !ok {
		conn.Close()
		return
	}

	if info.clientID == "" && info.cleanSession {
		info.clientID = b.generateClientID()
	}

	if !b.auth.Authenticate(info.clientID, info.username, info.password) {
		b.log.Info("authentication rejected", "clientID", info.clientID)
		b.sendConnack(conn, version, false, false)
		conn.Close()
		return
	}

	cs := newClientSession(info.clientID, version, info.username, conn)

	b.takeOver(cs)

	if err := b.sendConnack(conn, version, true, false); err != nil {
		b.log.Debug("connack write failed", "clientID", info.clientID, "error", err)
		b.cleanup(cs, "write-failed")
		return
	}
	cs.sess.MarkConnected()

	if info.keepAlive > 0 {
		conn.SetReadTimeout(time.Duration(float64(info.keepAlive)*1.5) * time.Second)
	}

	b.publishSysConnected(info.clientID, info.username, version, info.keepAlive)
	b.hooks.OnConnect(info.clientID, info.username, byte(version), info.keepAlive)
	b.log.Info("client connected", "clientID", info.clientID, "version", version)

	b.readLoop(cs, reader)

	b.cleanup(cs, "normal")
	b.log.Info("client disconnected", "clientID", info.clientID)
}

func extractConnectInfo(pkt encoding.Packet) (connectInfo, bool) {
	switch p := pkt.(type) {
	case *encoding.ConnectPacket311:
		return connectInfo{clientID: p.ClientID, username: p.Username, password: p.Password, keepAlive: p.KeepAlive, cleanSession: p.CleanSession}, true
	case *encoding.ConnectPacket:
		return connectInfo{clientID: p.ClientID, username: p.Username, password: p.Password, keepAlive: p.KeepAlive, cleanSession: p.CleanStart}, true
	default:
		return connectInfo{}, false
	}
}

// generateClientID produces a unique client identifier for CONNECT packets
// that arrive with an empty client ID and clean session set, per the MQTT
// rule that a server may assign one in that case. Collisions are checked
// against currently connected clients and retried, mirroring
// session.Manager.GenerateClientID's retry loop in the broker this package
// is descended from.
func (b *Broker) generateClientID() string {
	buf := make([]byte, 16)
	for i := 0; i < 10; i++ {
		if _, err := rand.Read(buf); err != nil {
			break
		}
		id := "mqttcore-" + hex.EncodeToString(buf)

		b.mu.Lock()
		_, exists := b.clients[id]
		b.mu.Unlock()
		if !exists {
			return id
		}
	}
	rand.Read(buf)
	return "mqttcore-" + hex.EncodeToString(buf)
}

// takeOver registers cs as the active session for its client ID, closing
// and unregistering any prior connection using that same ID per the MQTT
// rule that a new CONNECT always displaces an existing one.
func (b *Broker) takeOver(cs *clientSession) {
	b.mu.Lock()
	old, existed := b.clients[cs.id]
	b.clients[cs.id] = cs
	b.mu.Unlock()

	if existed {
		old.conn.Close()
		b.removeAllSubscriptions(old)
	}
}

func (b *Broker) sendConnack(conn *network.Connection, version encoding.ProtocolVersion, accepted, sessionPresent bool) error {
	if version == encoding.ProtocolVersion311 {
		code := byte(0x00)
		if !accepted {
			code = 0x05 // not authorized
		}
		return encoding.WritePacket(conn, &encoding.ConnackPacket311{SessionPresent: sessionPresent && accepted, ReturnCode: code})
	}

	reason := encoding.ReasonSuccess
	if !accepted {
		reason = encoding.ReasonNotAuthorized
	}
	return encoding.WritePacket(conn, &encoding.ConnackPacket{SessionPresent: sessionPresent && accepted, ReasonCode: reason})
}

func (b *Broker) readLoop(cs *clientSession, reader *bufio.Reader) {
	for {
		pkt, err := encoding.ReadPacket(reader, cs.version, b.cfg.MaxPacketSize)
		if err != nil {
			if errors.Is(err, encoding.ErrUnsupportedPacketType) {
				// QoS 1/2 acknowledgment: already consumed off the wire by
				// ReadPacket, nothing further to do.
				continue
			}
			if !errors.Is(err, context.Canceled) {
				b.log.Debug("read failed", "clientID", cs.id, "error", err)
			}
			return
		}

		switch p := pkt.(type) {
		case *encoding.PingPacket:
			resp := encoding.PINGRESP
			if p.FixedHeader.Type != encoding.PINGREQ {
				continue
			}
			if err := cs.writePacket(&encoding.PingPacket{FixedHeader: encoding.FixedHeader{Type: resp}}); err != nil {
				return
			}

		case *encoding.PublishPacket311:
			if !b.handlePublish(cs, p.TopicName, p.FixedHeader.QoS, p.FixedHeader.Retain, p.Payload, nil) {
				return
			}
		case *encoding.PublishPacket:
			props := message.PropertiesFromV5(p.Properties)
			if !b.handlePublish(cs, p.TopicName, p.FixedHeader.QoS, p.FixedHeader.Retain, p.Payload, props) {
				return
			}

		case *encoding.SubscribePacket311:
			b.handleSubscribe311(cs, p)
		case *encoding.SubscribePacket:
			b.handleSubscribe5(cs, p)

		case *encoding.UnsubscribePacket311:
			b.handleUnsubscribe(cs, p.TopicFilters)
			if err := cs.writePacket(&encoding.UnsubackPacket311{PacketID: p.PacketID}); err != nil {
				return
			}
		case *encoding.UnsubscribePacket:
			b.handleUnsubscribe(cs, p.TopicFilters)
			codes := make([]encoding.ReasonCode, len(p.TopicFilters))
			for i := range codes {
				codes[i] = encoding.ReasonSuccess
			}
			if err := cs.writePacket(&encoding.UnsubackPacket{PacketID: p.PacketID, ReasonCodes: codes}); err != nil {
				return
			}

		case *encoding.DisconnectPacket311:
			return
		case *encoding.DisconnectPacket:
			return

		case *encoding.AuthPacket:
			// Enhanced authentication is out of scope; acknowledge nothing
			// and keep the connection open.

		default:
			b.log.Debug("unhandled packet type", "clientID", cs.id, "type", fmt.Sprintf("%T", pkt))
		}
	}
}

// handlePublish applies per-message limits, updates the retained store, and
// fans the message out through the shared mux. It returns false if the
// publish violates a hard constraint this QoS-0-only broker cannot satisfy
// (a QoS 1/2 request), signaling the caller to drop the connection.
func (b *Broker) handlePublish(cs *clientSession, topicName string, qos encoding.QoS, retain bool, payload []byte, props map[string]interface{}) bool {
	if qos != encoding.QoS0 {
		b.log.Debug("dropping connection: QoS 1/2 publish unsupported", "clientID", cs.id, "topic", topicName)
		return false
	}

	if b.cfg.MaxTopicLength > 0 && len(topicName) > b.cfg.MaxTopicLength {
		b.log.Debug("publish rejected: topic too long", "clientID", cs.id, "topic", topicName)
		return true
	}

	allowed := b.auth.ACL(cs.id, topicName, true)
	b.hooks.OnACLCheck(cs.id, topicName, true, allowed)
	if !allowed {
		b.log.Debug("publish rejected: ACL denied", "clientID", cs.id, "topic", topicName)
		return true
	}

	msg := message.NewMessage(0, topicName, payload, qos, retain, props)

	if retain {
		ctx := context.Background()
		if len(payload) == 0 {
			_ = b.retained.Delete(ctx, topicName)
		} else {
			_ = b.retained.Set(ctx, topicName, msg)
		}
	}

	b.mux.Dispatch(topicName, msg.Payload, retain, cs.id)
	b.hooks.OnPublish(cs.id, topicName, msg.Payload, retain)
	return true
}

func (b *Broker) handleSubscribe311(cs *clientSession, p *encoding.SubscribePacket311) {
	codes := make([]byte, len(p.Subscriptions))
	for i, sub := range p.Subscriptions {
		if b.subscribe(cs, sub.TopicFilter, false) {
			codes[i] = 0x00 // granted QoS 0, regardless of what was requested
		} else {
			codes[i] = 0x80 // failure
		}
	}
	_ = cs.writePacket(&encoding.SubackPacket311{PacketID: p.PacketID, ReturnCodes: codes})
}

func (b *Broker) handleSubscribe5(cs *clientSession, p *encoding.SubscribePacket) {
	codes := make([]encoding.ReasonCode, len(p.Subscriptions))
	for i, sub := range p.Subscriptions {
		if b.subscribe(cs, sub.TopicFilter, sub.NoLocal) {
			codes[i] = encoding.ReasonGrantedQoS0
		} else {
			codes[i] = encoding.ReasonUnspecifiedError
		}
	}
	_ = cs.writePacket(&encoding.SubackPacket{PacketID: p.PacketID, ReasonCodes: codes})
}

// subscribe registers filter against cs and replays any retained message
// that currently matches it. Returns false if the filter is invalid, ACL
// denies it, or the client has hit MaxSubscriptionsPerClient. noLocal is the
// MQTT 5.0 subscription option suppressing delivery of cs's own publishes
// back to itself; v4 subscribers never set it.
func (b *Broker) subscribe(cs *clientSession, filter string, noLocal bool) bool {
	if b.cfg.MaxTopicLength > 0 && len(filter) > b.cfg.MaxTopicLength {
		return false
	}
	if b.cfg.MaxSubscriptionsPerClient > 0 && len(cs.tokens) >= b.cfg.MaxSubscriptionsPerClient {
		return false
	}
	allowed := b.auth.ACL(cs.id, filter, false)
	b.hooks.OnACLCheck(cs.id, filter, false, allowed)
	if !allowed {
		return false
	}

	tok, err := b.mux.Handle(filter, func(t string, payload []byte, retain bool, publisherID string) {
		if noLocal && publisherID == cs.id {
			return
		}
		b.deliverTo(cs, t, payload, retain)
	})
	if err != nil {
		return false
	}
	cs.tokens[filter] = tok

	b.hooks.OnSubscribe(cs.id, filter)
	b.replayRetained(cs, filter)
	return true
}

func (b *Broker) replayRetained(cs *clientSession, filter string) {
	matches, err := b.retained.Match(context.Background(), filter, nil)
	if err != nil {
		return
	}
	for _, msg := range matches {
		b.deliverTo(cs, msg.Topic, msg.Payload, true)
	}
}

// deliverTo writes one PUBLISH frame for the negotiated version of cs.
func (b *Broker) deliverTo(cs *clientSession, topicName string, payload []byte, retain bool) {
	var err error
	if cs.version == encoding.ProtocolVersion311 {
		err = cs.writePacket(&encoding.PublishPacket311{
			FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0, Retain: retain},
			TopicName:   topicName,
			Payload:     payload,
		})
	} else {
		err = cs.writePacket(&encoding.PublishPacket{
			FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0, Retain: retain},
			TopicName:   topicName,
			Payload:     payload,
		})
	}
	if err != nil {
		b.log.Debug("delivery failed, closing connection", "clientID", cs.id, "error", err)
		cs.conn.Close()
	}
}

func (b *Broker) handleUnsubscribe(cs *clientSession, filters []string) {
	for _, filter := range filters {
		if tok, ok := cs.tokens[filter]; ok {
			b.mux.Remove(tok)
			delete(cs.tokens, filter)
			b.hooks.OnUnsubscribe(cs.id, filter)
		}
	}
}

func (b *Broker) removeAllSubscriptions(cs *clientSession) {
	for _, tok := range cs.tokens {
		b.mux.Remove(tok)
	}
	cs.tokens = nil
}

func (b *Broker) cleanup(cs *clientSession, reason string) {
	b.mu.Lock()
	if current, ok := b.clients[cs.id]; ok && current == cs {
		delete(b.clients, cs.id)
	}
	b.mu.Unlock()

	b.removeAllSubscriptions(cs)
	cs.sess.MarkClosing()
	cs.conn.Close()

	b.publishSysDisconnected(cs.id, cs.username, reason)
	b.hooks.OnDisconnect(cs.id, reason)
}

// sysConnectedEvent is the JSON payload published to
// $SYS/brokers/<clientid>/connected.
type sysConnectedEvent struct {
	ClientID    string `json:"clientid"`
	Username    string `json:"username"`
	ProtoVer    int    `json:"proto_ver"`
	KeepAlive   uint16 `json:"keepalive"`
	ConnectedAt int64  `json:"connected_at"`
}

// sysDisconnectedEvent is the JSON payload published to
// $SYS/brokers/<clientid>/disconnected.
type sysDisconnectedEvent struct {
	ClientID       string `json:"clientid"`
	Username       string `json:"username"`
	Reason         string `json:"reason"`
	DisconnectedAt int64  `json:"disconnected_at"`
}

func (b *Broker) publishSysConnected(clientID, username string, version encoding.ProtocolVersion, keepAlive uint16) {
	if !b.cfg.SysEventsEnabled {
		return
	}
	event := sysConnectedEvent{
		ClientID:    clientID,
		Username:    username,
		ProtoVer:    int(version),
		KeepAlive:   keepAlive,
		ConnectedAt: time.Now().Unix(),
	}
	b.publishSys(clientID, "connected", event)
}

func (b *Broker) publishSysDisconnected(clientID, username, reason string) {
	if !b.cfg.SysEventsEnabled {
		return
	}
	event := sysDisconnectedEvent{
		ClientID:       clientID,
		Username:       username,
		Reason:         reason,
		DisconnectedAt: time.Now().Unix(),
	}
	b.publishSys(clientID, "disconnected", event)
}

func (b *Broker) publishSys(clientID, kind string, event interface{}) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.log.Debug("failed to marshal $SYS event", "error", err)
		return
	}
	topicName := fmt.Sprintf("$SYS/brokers/%s/%s", clientID, kind)
	b.mux.Dispatch(topicName, payload, false, "")
}
