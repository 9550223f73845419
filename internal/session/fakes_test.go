package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/talkincode/devicelink/internal/domain"
)

var errDial = errors.New("dial failed")

type sentMessage struct {
	recipient string
	text      string
}

type fakeClient struct {
	id string

	mu       sync.Mutex
	stateFns []func(ClientState)
	msgFns   []func(Message)
	sent     []sentMessage
	sendErr  error
	closed   bool
	unpaired bool
}

func (c *fakeClient) OnStateChange(fn func(ClientState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateFns = append(c.stateFns, fn)
}

func (c *fakeClient) OnMessage(fn func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgFns = append(c.msgFns, fn)
}

func (c *fakeClient) SendText(_ context.Context, recipient, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentMessage{recipient: recipient, text: text})
	return nil
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeClient) Paired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.unpaired
}

func (c *fakeClient) setPaired(paired bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unpaired = !paired
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) emitState(state ClientState) {
	c.mu.Lock()
	fns := append([]func(ClientState){}, c.stateFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

func (c *fakeClient) emitMessage(msg Message) {
	c.mu.Lock()
	fns := append([]func(Message){}, c.msgFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

type fakeTransport struct {
	mu       sync.Mutex
	fail     bool
	created  []*fakeClient
	calls    int
	purged   []string
	unpaired bool
}

func (t *fakeTransport) Create(_ context.Context, sessionID string, _ Options) (Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.fail {
		return nil, errDial
	}
	c := &fakeClient{id: sessionID, unpaired: t.unpaired}
	t.created = append(t.created, c)
	return c, nil
}

func (t *fakeTransport) Purge(_ context.Context, sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purged = append(t.purged, sessionID)
	return nil
}

func (t *fakeTransport) PairingCode(sessionID string) string {
	if sessionID == "PAIRING" {
		return "2@qr-payload"
	}
	return ""
}

func (t *fakeTransport) setFail(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = fail
}

func (t *fakeTransport) setUnpaired(unpaired bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unpaired = unpaired
}

func (t *fakeTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func (t *fakeTransport) last() *fakeClient {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.created) == 0 {
		return nil
	}
	return t.created[len(t.created)-1]
}

type memStore struct {
	mu      sync.Mutex
	devices map[string]domain.Device
}

func newMemStore() *memStore {
	return &memStore{devices: make(map[string]domain.Device)}
}

func (s *memStore) FindByDeviceID(_ context.Context, deviceID string) (*domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (s *memStore) FindByDeviceIDAndOwner(_ context.Context, deviceID, ownerID string) (*domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok || d.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (s *memStore) FindConnected(_ context.Context) ([]*domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Device
	for _, d := range s.devices {
		if d.IsConnected {
			dd := d
			out = append(out, &dd)
		}
	}
	return out, nil
}

func (s *memStore) Save(_ context.Context, device *domain.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[device.DeviceID] = *device
	return nil
}

func (s *memStore) UpdateConnectionStatus(_ context.Context, deviceID string, connected bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil
	}
	d.IsConnected = connected
	d.LastConnection = &at
	s.devices[deviceID] = d
	return nil
}

func (s *memStore) Delete(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, deviceID)
	return nil
}

func (s *memStore) get(deviceID string) (domain.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	return d, ok
}

// recordingClock is a fake clock that remembers every AfterFunc delay.
type recordingClock struct {
	*testingclock.FakeClock

	mu     sync.Mutex
	delays []time.Duration
}

func newRecordingClock() *recordingClock {
	return &recordingClock{FakeClock: testingclock.NewFakeClock(time.Date(2024, 9, 21, 10, 0, 0, 0, time.UTC))}
}

func (c *recordingClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	return c.FakeClock.AfterFunc(d, f)
}

func (c *recordingClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration{}, c.delays...)
}
