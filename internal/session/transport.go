package session

import (
	"context"
	"time"
)

// ClientState is the connection state reported by a transport client.
type ClientState string

const (
	ClientConnected    ClientState = "CONNECTED"
	ClientDisconnected ClientState = "DISCONNECTED"
	ClientPairing      ClientState = "PAIRING"
)

// Message is an inbound chat message delivered by a transport client.
type Message struct {
	ID        string
	From      string
	Chat      string
	Body      string
	Timestamp time.Time
}

// Options carries per-session settings for Transport.Create.
type Options struct {
	Name string
}

// Transport creates messaging clients. Create returns once the client is
// connected to the network or fails. A client that still has to be linked to
// an account reports it through PairingStatus.
type Transport interface {
	Create(ctx context.Context, sessionID string, opts Options) (Client, error)
}

// Client is a live handle for one session. Callbacks may be invoked from any
// goroutine the transport chooses, but never synchronously from Close.
type Client interface {
	OnStateChange(fn func(ClientState))
	OnMessage(fn func(Message))
	SendText(ctx context.Context, recipient, text string) error
	Close()
}

// PairingCodeSource is implemented by transports that expose a login code
// (e.g. a QR payload) while a session is waiting to be paired.
type PairingCodeSource interface {
	PairingCode(sessionID string) string
}

// PairingStatus is implemented by clients that can be online before their
// account is linked. Such a client reports ClientConnected once pairing
// completes.
type PairingStatus interface {
	Paired() bool
}

// SessionPurger is implemented by transports that keep per-session
// credentials which must go away when a device is removed.
type SessionPurger interface {
	Purge(ctx context.Context, sessionID string) error
}
