package client

import (
	"context"
	"net"
	"time"

	"github.com/mqttcore/mqttcore/encoding"
	"github.com/mqttcore/mqttcore/network"
	"github.com/mqttcore/mqttcore/pkg/logger"
)

// DialFunc opens the raw network connection Dial/DialContext wrap in a
// network.Connection. The default dials TCP; tests and non-TCP transports
// supply their own.
type DialFunc func(ctx context.Context, address string) (net.Conn, error)

// Options configures a Client. Construct via defaultOptions and Option
// functions rather than directly.
type Options struct {
	ClientID        string
	Username        string
	Password        []byte
	CleanSession    bool
	ProtocolVersion encoding.ProtocolVersion
	KeepAlive       time.Duration
	ConnectTimeout  time.Duration

	WillTopic   string
	WillPayload []byte
	WillRetain  bool

	AutoReconnect bool
	BackoffConfig *network.BackoffConfig
	ManualPoll    bool

	Logger *logger.SlogLogger
	Dialer DialFunc

	OnConnect        func(*Client)
	OnConnectionLost func(*Client, error)
}

func defaultOptions() *Options {
	return &Options{
		CleanSession:    true,
		ProtocolVersion: encoding.ProtocolVersion50,
		KeepAlive:       30 * time.Second,
		ConnectTimeout:  10 * time.Second,
		AutoReconnect:   true,
		BackoffConfig:   network.DefaultBackoffConfig(),
		Dialer: func(ctx context.Context, address string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", address)
		},
	}
}

// Option mutates a Client's Options before it dials.
type Option func(*Options)

// WithClientID sets the MQTT ClientID sent in CONNECT. An empty ClientID is
// valid with CleanSession true, in which case the broker assigns one.
func WithClientID(id string) Option {
	return func(o *Options) { o.ClientID = id }
}

// WithCredentials sets the username/password carried in CONNECT.
func WithCredentials(username string, password []byte) Option {
	return func(o *Options) {
		o.Username = username
		o.Password = password
	}
}

// WithKeepAlive sets the interval at which the client sends PINGREQ in the
// absence of other traffic. Zero disables keep-alive pinging.
func WithKeepAlive(d time.Duration) Option {
	return func(o *Options) { o.KeepAlive = d }
}

// WithCleanSession sets the CONNECT CleanSession/CleanStart flag.
func WithCleanSession(clean bool) Option {
	return func(o *Options) { o.CleanSession = clean }
}

// WithProtocolVersion selects MQTT 3.1.1 or MQTT 5.0 for the CONNECT this
// client sends. Default is MQTT 5.0.
func WithProtocolVersion(version encoding.ProtocolVersion) Option {
	return func(o *Options) { o.ProtocolVersion = version }
}

// WithConnectTimeout bounds how long Dial waits for the handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) { o.ConnectTimeout = d }
}

// WithWill sets the last-will message the broker publishes if this client
// disconnects ungracefully.
func WithWill(topic string, payload []byte, retain bool) Option {
	return func(o *Options) {
		o.WillTopic = topic
		o.WillPayload = payload
		o.WillRetain = retain
	}
}

// WithAutoReconnect enables or disables the background reconnect loop.
// Enabled by default.
func WithAutoReconnect(enable bool) Option {
	return func(o *Options) { o.AutoReconnect = enable }
}

// WithBackoff overrides the reconnect backoff schedule.
func WithBackoff(cfg *network.BackoffConfig) Option {
	return func(o *Options) { o.BackoffConfig = cfg }
}

// WithLogger sets the client's logging surface.
func WithLogger(l *logger.SlogLogger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithDialer overrides how the client opens its underlying net.Conn, e.g.
// for TLS or an in-memory pipe in tests.
func WithDialer(d DialFunc) Option {
	return func(o *Options) { o.Dialer = d }
}

// WithOnConnect registers a callback fired after every successful CONNECT,
// including reconnects.
func WithOnConnect(fn func(*Client)) Option {
	return func(o *Options) { o.OnConnect = fn }
}

// WithOnConnectionLost registers a callback fired when the read loop exits
// due to a connection error.
func WithOnConnectionLost(fn func(*Client, error)) Option {
	return func(o *Options) { o.OnConnectionLost = fn }
}

// WithManualPoll disables the background readLoop goroutine DialContext
// normally starts. A client built with manual polling delivers nothing on
// its own; the caller must call Poll repeatedly to read and dispatch
// incoming packets. Combining manual polling with AutoReconnect is not
// supported: Reconnect is the caller-driven equivalent.
func WithManualPoll(manual bool) Option {
	return func(o *Options) { o.ManualPoll = manual }
}
