package session

import (
	"context"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/talkincode/devicelink/internal/domain"
)

var dispatchNow = time.Date(2024, 9, 21, 10, 0, 0, 0, time.UTC)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Registry, *memStore) {
	t.Helper()
	registry := NewRegistry()
	store := newMemStore()
	return NewDispatcher(registry, store, EventBus.New(), testingclock.NewFakePassiveClock(dispatchNow)), registry, store
}

func TestSendMessageForwardsToLiveSession(t *testing.T) {
	d, registry, _ := newTestDispatcher(t)
	c := &fakeClient{}
	registry.Register("D1", c)

	require.NoError(t, d.SendMessage(context.Background(), "D1", "201064766851@c.us", "hello"))
	require.Len(t, c.sent, 1)
	assert.Equal(t, sentMessage{recipient: "201064766851@c.us", text: "hello"}, c.sent[0])
}

func TestSendMessageIgnoresPersistedFlag(t *testing.T) {
	d, _, store := newTestDispatcher(t)
	require.NoError(t, store.Save(context.Background(), &domain.Device{DeviceID: "D1", IsConnected: true}))

	err := d.SendMessage(context.Background(), "D1", "201064766851@c.us", "hello")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestSendMessageTransportError(t *testing.T) {
	d, registry, _ := newTestDispatcher(t)
	registry.Register("D1", &fakeClient{sendErr: errDial})

	err := d.SendMessage(context.Background(), "D1", "201064766851@c.us", "hello")
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "send", te.Op)
	assert.True(t, errors.Is(err, errDial))
}

func TestSendMessageValidatesInput(t *testing.T) {
	d, registry, _ := newTestDispatcher(t)
	c := &fakeClient{}
	registry.Register("D1", c)

	assert.True(t, errors.Is(d.SendMessage(context.Background(), "D1", " ", "hello"), ErrInvalidArgument))
	assert.True(t, errors.Is(d.SendMessage(context.Background(), "D1", "x@c.us", ""), ErrInvalidArgument))
	assert.Empty(t, c.sent)
}

func TestCheckConnection(t *testing.T) {
	ctx := context.Background()
	d, _, store := newTestDispatcher(t)
	require.NoError(t, store.Save(ctx, &domain.Device{DeviceID: "D1", OwnerID: "U1", IsConnected: true}))

	connected, err := d.CheckConnection(ctx, "D1", "U1")
	require.NoError(t, err)
	assert.True(t, connected)

	_, err = d.CheckConnection(ctx, "D1", "U2")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = d.CheckConnection(ctx, "D9", "U1")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, store.UpdateConnectionStatus(ctx, "D1", false, time.Now()))
	connected, err = d.CheckConnection(ctx, "D1", "U1")
	require.NoError(t, err)
	assert.False(t, connected)
}

func TestSendMessageRefusedWhilePairing(t *testing.T) {
	d, registry, _ := newTestDispatcher(t)
	c := &fakeClient{}
	registry.Register("D1", c)
	registry.SetState("D1", StatePairing)

	err := d.SendMessage(context.Background(), "D1", "201064766851@c.us", "hello")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Empty(t, c.sent)
}

func TestHandleInbound(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	registry := NewRegistry()
	bus := EventBus.New()
	d := NewDispatcher(registry, newMemStore(), bus, testingclock.NewFakePassiveClock(dispatchNow))
	var got []Event
	require.NoError(t, bus.Subscribe(TopicMessage, func(evt Event) { got = append(got, evt) }))

	d.HandleInbound("D1", Message{From: "201064766851@c.us", Body: "secret text"})
	sent := dispatchNow.Add(-time.Minute)
	d.HandleInbound("D1", Message{From: "201064766851@c.us", Body: "hi", Timestamp: sent})

	require.Len(t, got, 2)
	assert.Equal(t, dispatchNow, got[0].At)
	assert.Equal(t, sent, got[1].At)

	entries := logs.FilterMessage("session: received message").All()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, len("secret text"), fields["body_len"])
	assert.NotContains(t, fields, "body")
	assert.Zero(t, logs.FilterField(zap.String("body", "secret text")).Len())
}
