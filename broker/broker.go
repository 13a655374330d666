// Package broker implements the QoS-0 MQTT 3.1.1/5.0 server: it accepts
// TCP connections, negotiates the protocol version off the first CONNECT,
// and routes PUBLISH traffic between sessions through a shared topic.Mux.
package broker

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mqttcore/mqttcore/hook"
	"github.com/mqttcore/mqttcore/network"
	"github.com/mqttcore/mqttcore/pkg/logger"
	"github.com/mqttcore/mqttcore/topic"
)

// Config controls broker behavior. Nil ListenerConfig and RetainedConfig and
// a zero GracefulTimeout fall back to the defaults of the network/topic
// packages this broker is built on; nil Authenticator, Hooks and Logger fall
// back to AllowAll, an empty hook.Manager and an info-level logger. The
// numeric limits below do not fall back: 0 disables them.
type Config struct {
	Address string

	Authenticator hook.Authenticator
	Hooks         *hook.Manager

	// MaxPacketSize bounds a single control packet's RemainingLength; 0
	// disables the check.
	MaxPacketSize uint32
	// MaxTopicLength bounds PUBLISH topic names and SUBSCRIBE/UNSUBSCRIBE
	// topic filters; 0 disables the check.
	MaxTopicLength int
	// MaxSubscriptionsPerClient bounds how many live subscriptions (shared
	// or not) a single session may hold at once; 0 disables the check.
	MaxSubscriptionsPerClient int

	// SysEventsEnabled publishes $SYS/brokers/<clientid>/{connected,disconnected}.
	SysEventsEnabled bool

	ListenerConfig  *network.ListenerConfig
	RetainedConfig  *topic.RetainedConfig
	GracefulTimeout time.Duration

	Logger *logger.SlogLogger
}

// DefaultConfig returns sane defaults for a broker listening on address.
func DefaultConfig(address string) *Config {
	return &Config{
		Address:                   address,
		MaxPacketSize:             256 * 1024,
		MaxTopicLength:            65535,
		MaxSubscriptionsPerClient: 1024,
		SysEventsEnabled:          true,
		ListenerConfig:            network.DefaultListenerConfig(address),
		RetainedConfig:            topic.DefaultRetainedConfig(),
		GracefulTimeout:           10 * time.Second,
	}
}

// Broker accepts connections, speaks MQTT 3.1.1/5.0 over each, and fans
// PUBLISH traffic out through a single shared subscription mux.
type Broker struct {
	cfg *Config

	listener *network.Listener
	pool     *network.Pool
	dm       *network.DisconnectManager
	mux      *topic.Mux
	retained *topic.RetainedManager
	auth     hook.Authenticator
	hooks    *hook.Manager
	log      *logger.SlogLogger

	mu      sync.Mutex
	clients map[string]*clientSession

	closed atomic.Bool
}

// New builds a Broker from cfg without starting to accept connections.
func New(cfg *Config) (*Broker, error) {
	if cfg == nil {
		return nil, network.ErrInvalidAddress
	}

	listenerCfg := cfg.ListenerConfig
	if listenerCfg == nil {
		listenerCfg = network.DefaultListenerConfig(cfg.Address)
	}

	pool, err := network.NewPool(network.DefaultPoolConfig())
	if err != nil {
		return nil, err
	}

	listener, err := network.NewListener(listenerCfg, pool)
	if err != nil {
		return nil, err
	}

	auth := cfg.Authenticator
	if auth == nil {
		auth = hook.AllowAll{}
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewSlogLogger(slog.LevelInfo, nil)
	}

	hooks := cfg.Hooks
	if hooks == nil {
		hooks = hook.NewManager()
	}

	b := &Broker{
		cfg:      cfg,
		listener: listener,
		pool:     pool,
		dm:       network.NewDisconnectManager(cfg.GracefulTimeout),
		mux:      topic.New(),
		retained: topic.NewRetainedManager(cfg.RetainedConfig),
		auth:     auth,
		hooks:    hooks,
		log:      log,
		clients:  make(map[string]*clientSession),
	}

	listener.OnConnection(func(conn *network.Connection) error {
		go b.handleConnection(conn)
		return nil
	})

	return b, nil
}

// Start begins accepting connections; it returns once the listener is bound.
func (b *Broker) Start() error {
	return b.listener.Start()
}

// Close stops accepting new connections, gracefully disconnects every
// active client, and releases the retained-message store.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	if err := b.listener.Close(); err != nil {
		b.log.Warn("listener close failed", "error", err)
	}

	shutdown := network.NewGracefulShutdown(b.pool, b.dm, b.cfg.GracefulTimeout)
	if err := shutdown.Shutdown(context.Background()); err != nil {
		b.log.Warn("graceful shutdown incomplete", "error", err)
	}

	return b.retained.Close()
}

// Mux exposes the broker's subscription mux, letting an embedder publish
// into the broker programmatically (e.g. from a bridge or internal job).
func (b *Broker) Mux() *topic.Mux {
	return b.mux
}

// Hooks exposes the broker's hook manager so an embedder can register
// observers before or after Start.
func (b *Broker) Hooks() *hook.Manager {
	return b.hooks
}

// Addr returns the listener's bound address. Only meaningful after Start;
// useful when Config.Address used the ":0" auto-assigned-port form.
func (b *Broker) Addr() net.Addr {
	return b.listener.Addr()
}

// ClientCount returns the number of currently connected sessions.
func (b *Broker) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
