// Package client implements a QoS-0 MQTT 3.1.1/5.0 client: connect, publish,
// subscribe/unsubscribe with local handler dispatch, and automatic reconnect
// with re-subscription.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mqttcore/mqttcore/encoding"
	"github.com/mqttcore/mqttcore/network"
	"github.com/mqttcore/mqttcore/pkg/logger"
	topicpkg "github.com/mqttcore/mqttcore/topic"
)

var (
	ErrNotConnected     = errors.New("client: not connected")
	ErrConnectRefused   = errors.New("client: broker refused connection")
	ErrAlreadyConnected = errors.New("client: already connected")
)

// MessageHandler receives one delivered PUBLISH.
type MessageHandler func(topic string, payload []byte)

// Client is a single MQTT connection plus the bookkeeping needed to
// transparently resubscribe after a reconnect. All exported methods are
// safe to call concurrently.
type Client struct {
	address string
	opts    *Options
	log     *logger.SlogLogger

	mu      sync.RWMutex
	conn    *network.Connection
	reader  *bufio.Reader
	version encoding.ProtocolVersion

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]MessageHandler

	ka          *network.KeepAlive
	reconnector *network.Reconnector

	packetID atomic.Uint32

	connected     atomic.Bool
	closed        atomic.Bool
	readLoopAlive atomic.Bool
	wg            sync.WaitGroup
}

// DialContext opens a connection to address (host:port) and performs the
// MQTT handshake, blocking until ctx is done or the handshake completes.
func DialContext(ctx context.Context, address string, opts ...Option) (*Client, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	log := options.Logger
	if log == nil {
		log = logger.NewSlogLogger(slog.LevelInfo, nil)
	}

	c := &Client{
		address: address,
		opts:    options,
		log:     log,
		subs:    make(map[string]MessageHandler),
	}

	if err := c.dialAndHandshake(ctx); err != nil {
		return nil, err
	}

	if !options.ManualPoll {
		c.wg.Add(1)
		go c.readLoop()
	}

	if options.AutoReconnect {
		reconnector, err := network.NewReconnector(context.Background(), &network.RecoveryConfig{
			BackoffConfig:  options.BackoffConfig,
			EnableRecovery: true,
		}, func() (*network.Connection, error) {
			if err := c.dialAndHandshake(context.Background()); err != nil {
				return nil, err
			}
			return c.currentConn(), nil
		})
		if err != nil {
			c.log.Warn("reconnector setup failed", "error", err)
		} else {
			c.reconnector = reconnector
		}
	}

	return c, nil
}

// Dial is DialContext using a timeout derived from WithConnectTimeout.
func Dial(address string, opts ...Option) (*Client, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	ctx, cancel := context.WithTimeout(context.Background(), options.ConnectTimeout)
	defer cancel()

	return DialContext(ctx, address, opts...)
}

func (c *Client) currentConn() *network.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// dialAndHandshake opens the TCP connection and sends CONNECT, blocking for
// CONNACK. On success it replaces c.conn/c.reader/c.version and, if any
// subscriptions are already registered from a prior connection, replays them.
func (c *Client) dialAndHandshake(ctx context.Context) error {
	rawConn, err := c.opts.Dialer(ctx, c.address)
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}

	conn := network.NewConnection(rawConn, c.address, &network.ConnectionConfig{
		KeepAlive:     c.opts.KeepAlive,
		ReadDeadline:  60 * time.Second,
		WriteDeadline: 30 * time.Second,
	})

	return c.handshakeOver(conn)
}

// handshakeOver sends CONNECT over conn and, on a successful CONNACK,
// installs conn as the client's active transport: subscriptions recorded
// from a prior connection are resubscribed and keep-alive pinging restarts.
// Both the dialing path (dialAndHandshake) and the caller-driven Reconnect
// path share this so a reconnect behaves identically whether the new
// transport was dialed internally or handed in by the caller.
func (c *Client) handshakeOver(conn *network.Connection) error {
	if err := c.sendConnect(conn); err != nil {
		conn.Close()
		return err
	}

	reader := bufio.NewReader(conn)
	pkt, err := encoding.ReadPacket(reader, c.opts.ProtocolVersion, 0)
	if err != nil {
		conn.Close()
		return fmt.Errorf("client: reading connack: %w", err)
	}

	if !connackAccepted(pkt) {
		conn.Close()
		return ErrConnectRefused
	}

	if c.ka != nil {
		c.ka.Stop()
		c.ka = nil
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = reader
	c.version = c.opts.ProtocolVersion
	c.mu.Unlock()

	c.connected.Store(true)

	if c.opts.KeepAlive > 0 {
		c.ka = network.NewKeepAlive(conn, &network.KeepAliveConfig{
			Interval:   c.opts.KeepAlive,
			Timeout:    c.opts.KeepAlive / 2,
			MaxRetries: 3,
			PingHandler: func(conn *network.Connection) error {
				return c.writePacket(&encoding.PingPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PINGREQ}})
			},
		})
		c.ka.Start()
	}

	c.resubscribeAll()

	if c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}

	return nil
}

func (c *Client) sendConnect(conn *network.Connection) error {
	if c.opts.ProtocolVersion == encoding.ProtocolVersion311 {
		pkt := &encoding.ConnectPacket311{
			ProtocolName:    encoding.ProtocolNameMQTT,
			ProtocolVersion: encoding.ProtocolVersion311,
			CleanSession:    c.opts.CleanSession,
			KeepAlive:       uint16(c.opts.KeepAlive / time.Second),
			ClientID:        c.opts.ClientID,
			Username:        c.opts.Username,
			Password:        c.opts.Password,
			UsernameFlag:    c.opts.Username != "",
			PasswordFlag:    len(c.opts.Password) > 0,
			WillFlag:        c.opts.WillTopic != "",
			WillTopic:       c.opts.WillTopic,
			WillPayload:     c.opts.WillPayload,
			WillRetain:      c.opts.WillRetain,
		}
		return pkt.Encode(conn)
	}

	pkt := &encoding.ConnectPacket{
		ProtocolName:    encoding.ProtocolNameMQTT,
		ProtocolVersion: encoding.ProtocolVersion50,
		CleanStart:      c.opts.CleanSession,
		KeepAlive:       uint16(c.opts.KeepAlive / time.Second),
		ClientID:        c.opts.ClientID,
		Username:        c.opts.Username,
		Password:        c.opts.Password,
		UsernameFlag:    c.opts.Username != "",
		PasswordFlag:    len(c.opts.Password) > 0,
		WillFlag:        c.opts.WillTopic != "",
		WillTopic:       c.opts.WillTopic,
		WillPayload:     c.opts.WillPayload,
		WillRetain:      c.opts.WillRetain,
	}
	return pkt.Encode(conn)
}

func connackAccepted(pkt encoding.Packet) bool {
	switch p := pkt.(type) {
	case *encoding.ConnackPacket311:
		return p.ReturnCode == 0x00
	case *encoding.ConnackPacket:
		return p.ReasonCode == encoding.ReasonSuccess
	default:
		return false
	}
}

func (c *Client) writePacket(p encoding.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	return encoding.WritePacket(conn, p)
}

func (c *Client) nextPacketID() uint16 {
	return uint16(c.packetID.Add(1))
}

// Publish sends a QoS-0 PUBLISH. This client never requests QoS 1/2 since
// the repository's broker cannot deliver them.
func (c *Client) Publish(topic string, payload []byte, retain bool) error {
	c.mu.RLock()
	version := c.version
	c.mu.RUnlock()

	if version == encoding.ProtocolVersion311 {
		return c.writePacket(&encoding.PublishPacket311{
			FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0, Retain: retain},
			TopicName:   topic,
			Payload:     payload,
		})
	}
	return c.writePacket(&encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0, Retain: retain},
		TopicName:   topic,
		Payload:     payload,
	})
}

// Subscribe registers handler for filter and sends SUBSCRIBE. The
// registration survives reconnects: dialAndHandshake replays every entry in
// c.subs after a fresh CONNACK.
func (c *Client) Subscribe(filter string, handler MessageHandler) error {
	c.subMu.Lock()
	c.subs[filter] = handler
	c.subMu.Unlock()

	return c.sendSubscribe(filter)
}

func (c *Client) sendSubscribe(filter string) error {
	c.mu.RLock()
	version := c.version
	c.mu.RUnlock()

	id := c.nextPacketID()
	if version == encoding.ProtocolVersion311 {
		return c.writePacket(&encoding.SubscribePacket311{
			PacketID:      id,
			Subscriptions: []encoding.Subscription311{{TopicFilter: filter, QoS: encoding.QoS0}},
		})
	}
	return c.writePacket(&encoding.SubscribePacket{
		PacketID:      id,
		Subscriptions: []encoding.Subscription{{TopicFilter: filter, QoS: encoding.QoS0}},
	})
}

// Unsubscribe removes filter's handler and sends UNSUBSCRIBE.
func (c *Client) Unsubscribe(filter string) error {
	c.subMu.Lock()
	delete(c.subs, filter)
	c.subMu.Unlock()

	c.mu.RLock()
	version := c.version
	c.mu.RUnlock()

	id := c.nextPacketID()
	if version == encoding.ProtocolVersion311 {
		return c.writePacket(&encoding.UnsubscribePacket311{PacketID: id, TopicFilters: []string{filter}})
	}
	return c.writePacket(&encoding.UnsubscribePacket{PacketID: id, TopicFilters: []string{filter}})
}

func (c *Client) resubscribeAll() {
	c.subMu.Lock()
	filters := make([]string, 0, len(c.subs))
	for f := range c.subs {
		filters = append(filters, f)
	}
	c.subMu.Unlock()

	for _, f := range filters {
		if err := c.sendSubscribe(f); err != nil {
			c.log.Warn("resubscribe failed", "filter", f, "error", err)
		}
	}
}

// IsConnected reports whether the client currently holds a live connection.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Close sends DISCONNECT and releases all background goroutines. Close is
// idempotent.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if c.reconnector != nil {
		c.reconnector.Close()
	}
	if c.ka != nil {
		c.ka.Stop()
	}

	c.mu.RLock()
	version := c.version
	conn := c.conn
	c.mu.RUnlock()

	if conn != nil {
		if version == encoding.ProtocolVersion311 {
			_ = c.writePacket(&encoding.DisconnectPacket311{})
		} else {
			_ = c.writePacket(&encoding.DisconnectPacket{ReasonCode: encoding.ReasonSuccess})
		}
		conn.Close()
	}

	c.connected.Store(false)
	c.wg.Wait()
	return nil
}

func (c *Client) readLoop() {
	c.readLoopAlive.Store(true)
	defer c.readLoopAlive.Store(false)
	defer c.wg.Done()

	for {
		c.mu.RLock()
		reader := c.reader
		version := c.version
		c.mu.RUnlock()

		if reader == nil {
			return
		}

		pkt, err := encoding.ReadPacket(reader, version, 0)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.connected.Store(false)
			c.log.Debug("read loop error", "error", err)
			if c.opts.OnConnectionLost != nil {
				c.opts.OnConnectionLost(c, err)
			}
			if !c.attemptReconnect() {
				return
			}
			continue
		}

		if disconnect := c.handlePacket(pkt); disconnect {
			return
		}
	}
}

// handlePacket dispatches one decoded packet to the appropriate local
// handler (PUBLISH delivery, PINGRESP keep-alive bookkeeping). It reports
// true when pkt signals the broker has ended the session (DISCONNECT),
// telling the caller to stop reading.
func (c *Client) handlePacket(pkt encoding.Packet) (sessionEnded bool) {
	switch p := pkt.(type) {
	case *encoding.PingPacket:
		if p.FixedHeader.Type == encoding.PINGRESP && c.ka != nil {
			c.ka.OnPong()
		}
	case *encoding.PublishPacket311:
		c.dispatch(p.TopicName, p.Payload)
	case *encoding.PublishPacket:
		c.dispatch(p.TopicName, p.Payload)
	case *encoding.DisconnectPacket, *encoding.DisconnectPacket311:
		c.connected.Store(false)
		return true
	}
	return false
}

// Poll reads and dispatches at most one incoming packet, waiting up to
// timeout for one to arrive. It is the caller-driven alternative to the
// background readLoop goroutine DialContext starts automatically: a client
// built with WithManualPoll(true) delivers nothing until the application
// calls Poll, which suits an embedded caller with no spare thread to hand a
// blocking readLoop. A timeout with nothing to read returns nil, not an
// error; any other read error is treated the same way readLoop treats one
// (connection considered lost, OnConnectionLost fired).
func (c *Client) Poll(timeout time.Duration) error {
	c.mu.RLock()
	conn := c.conn
	reader := c.reader
	version := c.version
	c.mu.RUnlock()

	if conn == nil || reader == nil {
		return ErrNotConnected
	}

	conn.SetReadTimeout(timeout)
	pkt, err := encoding.ReadPacket(reader, version, 0)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		c.connected.Store(false)
		c.log.Debug("poll error", "error", err)
		if c.opts.OnConnectionLost != nil {
			c.opts.OnConnectionLost(c, err)
		}
		return err
	}

	c.handlePacket(pkt)
	return nil
}

// Reconnect re-establishes the session over newTransport: it sends CONNECT
// and, on a successful CONNACK, resubscribes every filter this client held
// before the call, the same way an automatic reconnect does. The caller
// owns dialing newTransport (and closing the old one beforehand, if it
// wasn't already); this is the explicit counterpart to AutoReconnect for
// callers that want to supply their own transport instead of reusing the
// original Dialer.
func (c *Client) Reconnect(newTransport net.Conn) error {
	if c.closed.Load() {
		return ErrNotConnected
	}

	conn := network.NewConnection(newTransport, c.address, &network.ConnectionConfig{
		KeepAlive:     c.opts.KeepAlive,
		ReadDeadline:  60 * time.Second,
		WriteDeadline: 30 * time.Second,
	})

	if err := c.handshakeOver(conn); err != nil {
		return err
	}

	// readLoop exits whenever its connection dies and AutoReconnect can't (or
	// isn't configured to) recover it; a caller-driven Reconnect must restart
	// it over the new transport or delivery silently stops. ManualPoll clients
	// never ran one and stay caller-driven after Reconnect too.
	if !c.opts.ManualPoll && !c.readLoopAlive.Load() {
		c.wg.Add(1)
		go c.readLoop()
	}

	return nil
}

// dispatch delivers payload to every handler whose filter matches topic,
// not just an exact string match, since a single "sensors/+/temp"
// subscription must fire for every concrete topic the broker forwards under
// it.
func (c *Client) dispatch(topic string, payload []byte) {
	c.subMu.Lock()
	var handlers []MessageHandler
	for filter, h := range c.subs {
		if topicpkg.FilterMatches(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	c.subMu.Unlock()

	for _, h := range handlers {
		if h != nil {
			h(topic, payload)
		}
	}
}

// attemptReconnect blocks until the Reconnector either succeeds (returning
// true, with c.conn/c.reader already swapped in by dialAndHandshake) or
// gives up (returning false). If auto-reconnect is disabled this always
// returns false.
func (c *Client) attemptReconnect() bool {
	if c.closed.Load() || c.reconnector == nil {
		return false
	}

	conn, err := c.reconnector.Connect()
	if err != nil {
		c.log.Warn("reconnect failed permanently", "error", err)
		return false
	}

	_ = conn // already installed as c.conn by dialAndHandshake's connectFn
	return true
}
