// Package hook holds the broker's pluggable authorization surface. A
// connection's credentials are always conveyed to the Authenticator, but
// policy enforcement itself is out of scope here — the broker never ships
// anything stricter than AllowAll, matching an "accepts all" deployment.
package hook

// Authenticator decides whether a CONNECT with the given credentials may
// proceed, and whether an already-connected client may publish or subscribe
// to a topic. clientID, username and password come straight off the CONNECT
// packet (password is nil when the CONNECT carried no password flag).
type Authenticator interface {
	Authenticate(clientID, username string, password []byte) bool
	ACL(clientID, topic string, write bool) bool
}

// AllowAll is the default Authenticator: every CONNECT succeeds and every
// publish/subscribe is permitted, regardless of credentials. Credentials are
// still passed through so a caller-supplied Authenticator can log or meter
// them even when it chooses to allow everything.
type AllowAll struct{}

func (AllowAll) Authenticate(clientID, username string, password []byte) bool { return true }
func (AllowAll) ACL(clientID, topic string, write bool) bool                  { return true }

var _ Authenticator = AllowAll{}
