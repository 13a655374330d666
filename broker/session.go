package broker

import (
	"sync"

	"github.com/mqttcore/mqttcore/encoding"
	"github.com/mqttcore/mqttcore/network"
	"github.com/mqttcore/mqttcore/session"
	"github.com/mqttcore/mqttcore/topic"
)

// clientSession bundles one accepted connection with its session state and
// live subscription tokens. tokens is only ever touched by the goroutine
// running readLoop for this client, so it needs no lock of its own; writeMu
// serializes writes to conn since a subscription handler invoked from
// another client's Dispatch call can write to this connection concurrently
// with readLoop's own SUBACK/UNSUBACK/PINGRESP replies.
type clientSession struct {
	id       string
	version  encoding.ProtocolVersion
	username string
	sess     *session.Session
	conn     *network.Connection

	writeMu sync.Mutex
	tokens  map[string]topic.Token
}

func newClientSession(id string, version encoding.ProtocolVersion, username string, conn *network.Connection) *clientSession {
	return &clientSession{
		id:       id,
		version:  version,
		username: username,
		sess:     session.New(id, byte(version)),
		conn:     conn,
		tokens:   make(map[string]topic.Token),
	}
}

func (cs *clientSession) writePacket(p encoding.Packet) error {
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	return encoding.WritePacket(cs.conn, p)
}
