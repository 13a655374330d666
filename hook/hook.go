package hook

// Event identifies one lifecycle point a Hook can observe. Unlike
// Authenticator, which gates a decision, hooks never influence broker
// behavior — they are notified after the fact, for logging, metrics, or
// auditing.
type Event byte

const (
	OnConnect Event = iota
	OnDisconnect
	OnSubscribe
	OnUnsubscribe
	OnPublish
	OnACLCheck
)

func (e Event) String() string {
	switch e {
	case OnConnect:
		return "OnConnect"
	case OnDisconnect:
		return "OnDisconnect"
	case OnSubscribe:
		return "OnSubscribe"
	case OnUnsubscribe:
		return "OnUnsubscribe"
	case OnPublish:
		return "OnPublish"
	case OnACLCheck:
		return "OnACLCheck"
	default:
		return "Unknown"
	}
}

// Hook observes broker lifecycle events. Implementations normally embed Base
// and override only the methods they care about; Provides tells the Manager
// which of those overrides are live so it can skip calling the rest.
type Hook interface {
	ID() string
	Provides(event Event) bool
	Init(config any) error
	Stop() error

	OnConnect(clientID, username string, protocolVersion byte, keepAlive uint16)
	OnDisconnect(clientID, reason string)
	OnSubscribe(clientID, filter string)
	OnUnsubscribe(clientID, filter string)
	OnPublish(clientID, topic string, payload []byte, retain bool)
	OnACLCheck(clientID, topic string, write, allowed bool)
}
