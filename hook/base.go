package hook

// Base is a no-op Hook implementation meant to be embedded by real hooks so
// they only need to override the methods they care about. Provides reports
// false for everything; override it alongside any method you implement.
type Base struct {
	id string
}

// NewHookBase returns a Base identified by id for embedding in a concrete
// Hook implementation.
func NewHookBase(id string) *Base {
	return &Base{id: id}
}

func (b *Base) ID() string { return b.id }

func (b *Base) Provides(event Event) bool { return false }

func (b *Base) Init(config any) error { return nil }

func (b *Base) Stop() error { return nil }

func (b *Base) OnConnect(clientID, username string, protocolVersion byte, keepAlive uint16) {}

func (b *Base) OnDisconnect(clientID, reason string) {}

func (b *Base) OnSubscribe(clientID, filter string) {}

func (b *Base) OnUnsubscribe(clientID, filter string) {}

func (b *Base) OnPublish(clientID, topic string, payload []byte, retain bool) {}

func (b *Base) OnACLCheck(clientID, topic string, write, allowed bool) {}
