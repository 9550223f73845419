package whatsapp

import (
	"context"
	"sync"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/talkincode/devicelink/internal/session"
)

const eventQueueSize = 64

// conn is the whatsmeow-backed session.Client. whatsmeow events are replayed
// in order on a private goroutine so observers never run inside whatsmeow's
// own handlers.
type conn struct {
	id  string
	cli *whatsmeow.Client
	qr  *qrStore

	handlerID uint32
	queue     chan func()
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	stateFns []func(session.ClientState)
	msgFns   []func(session.Message)
}

var (
	_ session.Client        = (*conn)(nil)
	_ session.PairingStatus = (*conn)(nil)
)

func newConn(id string, cli *whatsmeow.Client, qr *qrStore) *conn {
	c := &conn{
		id:    id,
		cli:   cli,
		qr:    qr,
		queue: make(chan func(), eventQueueSize),
		done:  make(chan struct{}),
	}
	c.handlerID = cli.AddEventHandler(c.handleEvent)
	go c.run()
	return c
}

func (c *conn) run() {
	for {
		select {
		case fn := <-c.queue:
			select {
			case <-c.done:
				return
			default:
				fn()
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) enqueue(fn func()) {
	select {
	case c.queue <- fn:
	case <-c.done:
	}
}

func (c *conn) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.QR:
		if len(v.Codes) > 0 {
			c.qr.set(c.id, v.Codes[0])
		}
		zap.L().Info("whatsapp: qr code event received", zap.String("session", c.id), zap.Int("codes", len(v.Codes)))
		c.enqueue(func() { c.emitState(session.ClientPairing) })
	case *events.PairSuccess:
		c.qr.clear(c.id)
		zap.L().Info("whatsapp: pairing succeeded", zap.String("session", c.id), zap.String("jid", v.ID.String()))
		// pairing overwrites BusinessName with the server value
		c.cli.Store.BusinessName = sessionMarker + c.id
		if err := c.cli.Store.Save(); err != nil {
			zap.L().Error("whatsapp: failed to persist session marker", zap.String("session", c.id), zap.Error(err))
		}
	case *events.Connected:
		c.qr.clear(c.id)
		zap.L().Info("whatsapp: connected event", zap.String("session", c.id), zap.String("jid", jidOf(c.cli.Store)))
		c.enqueue(func() { c.emitState(session.ClientConnected) })
	case *events.Disconnected, *events.LoggedOut, *events.StreamReplaced, *events.ConnectFailure, *events.ClientOutdated, *events.TemporaryBan:
		zap.L().Warn("whatsapp: connection lost", zap.String("session", c.id), zap.String("event", eventName(evt)))
		c.enqueue(func() { c.emitState(session.ClientDisconnected) })
	case *events.Message:
		msg := toMessage(v)
		c.enqueue(func() { c.emitMessage(msg) })
	default:
		zap.L().Debug("whatsapp event", zap.String("session", c.id), zap.String("type", eventName(evt)))
	}
}

func (c *conn) emitState(state session.ClientState) {
	c.mu.RLock()
	fns := append([]func(session.ClientState){}, c.stateFns...)
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(state)
	}
}

func (c *conn) emitMessage(msg session.Message) {
	c.mu.RLock()
	fns := append([]func(session.Message){}, c.msgFns...)
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// OnStateChange registers fn. If the socket already dropped before anyone was
// listening, fn is told so asynchronously.
func (c *conn) OnStateChange(fn func(session.ClientState)) {
	c.mu.Lock()
	c.stateFns = append(c.stateFns, fn)
	c.mu.Unlock()
	if !c.cli.IsConnected() {
		c.enqueue(func() { fn(session.ClientDisconnected) })
	}
}

// Paired reports whether the device store holds linked account credentials.
func (c *conn) Paired() bool {
	return c.cli.Store.ID != nil
}

func (c *conn) OnMessage(fn func(session.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgFns = append(c.msgFns, fn)
}

func (c *conn) SendText(ctx context.Context, recipient, text string) error {
	jid, err := ParseRecipient(recipient)
	if err != nil {
		zap.L().Warn("whatsapp: invalid jid", zap.Error(err), zap.String("jid", recipient))
		return err
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	resp, err := c.cli.SendMessage(ctx, jid, msg)
	if err != nil {
		zap.L().Warn("whatsapp: send message failed", zap.Error(err), zap.String("session", c.id))
		return err
	}
	zap.L().Debug("whatsapp: message sent", zap.String("session", c.id), zap.String("jid", jid.String()), zap.String("message_id", resp.ID))
	return nil
}

// Close detaches every observer and drops the socket. It never waits for a
// running callback, and no callback starts after it returns.
func (c *conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cli.RemoveEventHandler(c.handlerID)
		c.cli.Disconnect()
		c.qr.clear(c.id)
	})
}

func toMessage(evt *events.Message) session.Message {
	body := evt.Message.GetConversation()
	if body == "" {
		body = evt.Message.GetExtendedTextMessage().GetText()
	}
	return session.Message{
		ID:        evt.Info.ID,
		From:      chatID(evt.Info.Sender),
		Chat:      chatID(evt.Info.Chat),
		Body:      body,
		Timestamp: evt.Info.Timestamp,
	}
}
