package session

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/talkincode/devicelink/internal/domain"
	"github.com/talkincode/devicelink/pkg/common"
)

// Config tunes the reconnection state machine.
type Config struct {
	MaxAttempts    int           // retry ceiling before a device is abandoned
	BaseDelay      time.Duration // delay of the first scheduled attempt, doubled per attempt
	ConnectTimeout time.Duration // bound on store and transport calls made in the background
	PoolSize       int
	RestoreOnStart bool
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		BaseDelay:      time.Second,
		ConnectTimeout: 30 * time.Second,
		PoolSize:       64,
		RestoreOnStart: true,
	}
}

// Option customises a Manager.
type Option func(*Manager)

func WithClock(c clock.WithDelayedExecution) Option {
	return func(m *Manager) { m.clock = c }
}

func WithPool(p *ants.Pool) Option {
	return func(m *Manager) { m.pool = p }
}

func WithEventBus(b EventBus.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// Manager owns the connect / disconnect / reconnect lifecycle of every device
// attached to this process.
type Manager struct {
	cfg        Config
	registry   *Registry
	store      DeviceStore
	transport  Transport
	dispatcher *Dispatcher
	clock      clock.WithDelayedExecution
	pool       *ants.Pool
	ownPool    bool
	bus        EventBus.Bus
	locks      *keyedMutex
	closed     atomic.Bool
}

func NewManager(cfg Config, registry *Registry, store DeviceStore, transport Transport, dispatcher *Dispatcher, opts ...Option) (*Manager, error) {
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 64
	}
	m := &Manager{
		cfg:        cfg,
		registry:   registry,
		store:      store,
		transport:  transport,
		dispatcher: dispatcher,
		clock:      clock.RealClock{},
		locks:      newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.pool == nil {
		pool, err := ants.NewPool(cfg.PoolSize, ants.WithPanicHandler(func(p interface{}) {
			zap.S().Errorf("session: reconnect worker panic: %v", p)
		}))
		if err != nil {
			return nil, errors.Wrap(err, "create reconnect pool")
		}
		m.pool = pool
		m.ownPool = true
	}
	if m.dispatcher == nil {
		m.dispatcher = NewDispatcher(registry, store, m.bus, m.clock)
	}
	return m, nil
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher
}

func (m *Manager) publish(topic string, evt Event) {
	if evt.At.IsZero() {
		evt.At = m.clock.Now()
	}
	publish(m.bus, topic, evt)
}

// ConnectDevice creates a transport client for deviceName, persists the device
// and attaches the session. A client that still has to be paired is kept
// registered in PAIRING with the device persisted as disconnected until it
// reports connected. Transport failures are returned as *TransportError
// without any retry.
func (m *Manager) ConnectDevice(ctx context.Context, userID, deviceName string) (*domain.Device, error) {
	deviceName = strings.TrimSpace(deviceName)
	if deviceName == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "device name is required")
	}
	deviceID := deviceName

	client, err := m.transport.Create(ctx, deviceID, Options{Name: deviceName})
	if err != nil {
		zap.L().Error("session: failed to connect device", zap.String("device_id", deviceID), zap.Error(err))
		return nil, asTransportError("connect", deviceID, err)
	}

	unlock := m.locks.Lock(deviceID)
	defer unlock()

	now := m.clock.Now()
	state := initialState(client)
	connected := state == StateConnected
	device, err := m.store.FindByDeviceID(ctx, deviceID)
	switch {
	case err == nil:
		device.IsConnected = connected
		if connected {
			device.LastConnection = &now
		}
	case errors.Is(err, ErrNotFound):
		device = &domain.Device{
			ID:          common.UUIDint64(),
			DeviceID:    deviceID,
			Name:        deviceName,
			IsConnected: connected,
			OwnerID:     userID,
		}
		if connected {
			device.LastConnection = &now
		}
	default:
		client.Close()
		return nil, errors.Wrap(err, "load device")
	}

	if err := m.store.Save(ctx, device); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "save device")
	}

	m.attach(deviceID, client, state)
	if !connected {
		zap.L().Info("session: device awaiting pairing", zap.String("device_id", deviceID), zap.String("user_id", device.OwnerID))
		m.publish(TopicPairing, Event{DeviceID: deviceID, State: StatePairing, At: now})
		return device, nil
	}
	zap.L().Info("session: device connected", zap.String("device_id", deviceID), zap.String("user_id", device.OwnerID))
	m.publish(TopicConnected, Event{DeviceID: deviceID, State: StateConnected, At: now})
	return device, nil
}

// initialState is CONNECTED unless the client says it is not paired yet.
func initialState(client Client) State {
	if ps, ok := client.(PairingStatus); ok && !ps.Paired() {
		return StatePairing
	}
	return StateConnected
}

// attach registers client in state, drops any armed retry and subscribes
// observers. The caller holds the device lock.
func (m *Manager) attach(deviceID string, client Client, state State) {
	if prev := m.registry.Register(deviceID, client); prev != nil && prev != client {
		zap.L().Info("session: replacing existing client", zap.String("device_id", deviceID))
		prev.Close()
	}
	m.registry.cancelPending(deviceID).stop()
	m.registry.ResetRetryCount(deviceID)
	m.registry.SetState(deviceID, state)

	client.OnStateChange(func(state ClientState) {
		m.onClientState(deviceID, client, state)
	})
	client.OnMessage(func(msg Message) {
		m.dispatcher.HandleInbound(deviceID, msg)
	})
}

// DisconnectDevice intentionally ends the session of deviceID. No reconnection
// follows; any armed retry timer is stopped.
func (m *Manager) DisconnectDevice(ctx context.Context, deviceID string) (*domain.Device, error) {
	unlock := m.locks.Lock(deviceID)
	defer unlock()

	device, err := m.store.FindByDeviceID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "device %s", deviceID)
		}
		return nil, errors.Wrap(err, "load device")
	}

	now := m.clock.Now()
	if err := m.store.UpdateConnectionStatus(ctx, deviceID, false, now); err != nil {
		return nil, errors.Wrap(err, "update connection status")
	}
	device.IsConnected = false
	device.LastConnection = &now

	m.teardown(deviceID)
	zap.L().Info("session: device disconnected", zap.String("device_id", deviceID))
	m.publish(TopicDisconnected, Event{DeviceID: deviceID, State: StateDisconnected, At: now})
	return device, nil
}

// RemoveDevice deletes the persisted device and ends its session.
func (m *Manager) RemoveDevice(ctx context.Context, deviceID string) error {
	unlock := m.locks.Lock(deviceID)
	defer unlock()

	if _, err := m.store.FindByDeviceID(ctx, deviceID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return errors.Wrapf(ErrNotFound, "device %s", deviceID)
		}
		return errors.Wrap(err, "load device")
	}
	m.teardown(deviceID)
	if err := m.store.Delete(ctx, deviceID); err != nil {
		return errors.Wrap(err, "delete device")
	}
	if purger, ok := m.transport.(SessionPurger); ok {
		if err := purger.Purge(ctx, deviceID); err != nil {
			zap.L().Warn("session: failed to purge transport credentials", zap.String("device_id", deviceID), zap.Error(err))
		}
	}
	zap.L().Info("session: device removed", zap.String("device_id", deviceID))
	return nil
}

// teardown forgets deviceID and releases its client and timer. The caller
// holds the device lock.
func (m *Manager) teardown(deviceID string) {
	client, pending := m.registry.Forget(deviceID)
	pending.stop()
	if client != nil {
		client.Close()
	}
}

func (m *Manager) onClientState(deviceID string, client Client, state ClientState) {
	zap.L().Debug("session: client state changed", zap.String("device_id", deviceID), zap.String("state", string(state)))
	switch state {
	case ClientDisconnected:
		m.handleDisconnection(deviceID, client)
	case ClientPairing:
		m.handlePairing(deviceID, client)
	case ClientConnected:
		m.handleLinked(deviceID, client)
	}
}

// isCurrent reports whether client is the one registered for deviceID.
func (m *Manager) isCurrent(deviceID string, client Client) bool {
	current, ok := m.registry.Lookup(deviceID)
	return ok && current == client
}

// handlePairing moves a registered session back to PAIRING, e.g. when a fresh
// login code is issued, and clears the persisted flag.
func (m *Manager) handlePairing(deviceID string, client Client) {
	unlock := m.locks.Lock(deviceID)
	defer unlock()

	if !m.isCurrent(deviceID, client) || m.registry.State(deviceID) == StatePairing {
		return
	}
	m.registry.SetState(deviceID, StatePairing)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	now := m.clock.Now()
	if err := m.store.UpdateConnectionStatus(ctx, deviceID, false, now); err != nil {
		zap.L().Warn("session: failed to mark pairing device disconnected", zap.String("device_id", deviceID), zap.Error(err))
	}
	zap.L().Info("session: device awaiting pairing", zap.String("device_id", deviceID))
	m.publish(TopicPairing, Event{DeviceID: deviceID, State: StatePairing, At: now})
}

// handleLinked promotes a registered session to CONNECTED once the transport
// reports it, persisting the flag. Already connected sessions are left alone.
func (m *Manager) handleLinked(deviceID string, client Client) {
	unlock := m.locks.Lock(deviceID)
	defer unlock()

	if !m.isCurrent(deviceID, client) || m.registry.State(deviceID) == StateConnected {
		return
	}
	m.registry.ResetRetryCount(deviceID)
	m.registry.SetState(deviceID, StateConnected)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	now := m.clock.Now()
	if err := m.store.UpdateConnectionStatus(ctx, deviceID, true, now); err != nil {
		zap.L().Warn("session: failed to mark device connected", zap.String("device_id", deviceID), zap.Error(err))
	}
	zap.L().Info("session: device connected", zap.String("device_id", deviceID))
	m.publish(TopicConnected, Event{DeviceID: deviceID, State: StateConnected, At: now})
}

// handleDisconnection reacts to a transport-reported disconnect. Reports from
// a client that is no longer registered are ignored.
func (m *Manager) handleDisconnection(deviceID string, client Client) {
	unlock := m.locks.Lock(deviceID)
	defer unlock()

	if !m.registry.RemoveIf(deviceID, client) {
		zap.L().Debug("session: ignoring disconnect from superseded client", zap.String("device_id", deviceID))
		return
	}
	client.Close()
	zap.L().Warn("session: device disconnected, attempting to reconnect", zap.String("device_id", deviceID))

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	now := m.clock.Now()
	if err := m.store.UpdateConnectionStatus(ctx, deviceID, false, now); err != nil {
		zap.L().Warn("session: failed to mark device disconnected", zap.String("device_id", deviceID), zap.Error(err))
	}
	m.registry.SetState(deviceID, StateDisconnected)
	m.publish(TopicDisconnected, Event{DeviceID: deviceID, State: StateDisconnected, At: now})
	m.scheduleReconnect(deviceID)
}

// scheduleReconnect arms the next backoff timer or abandons the device once
// the retry ceiling is reached. The caller holds the device lock.
func (m *Manager) scheduleReconnect(deviceID string) {
	if m.closed.Load() {
		return
	}
	count := m.registry.RetryCount(deviceID)
	if count >= m.cfg.MaxAttempts {
		zap.L().Error("session: maximum reconnection attempts reached",
			zap.String("device_id", deviceID), zap.Int("attempts", count))
		m.registry.SetState(deviceID, StateAbandoned)
		m.publish(TopicAbandoned, Event{DeviceID: deviceID, State: StateAbandoned, Attempt: count})
		return
	}
	attempt := m.registry.IncrementRetryCount(deviceID)
	delay := BackoffDelay(m.cfg.BaseDelay, count)

	p := &pendingRetry{attempt: attempt, delay: delay, dueAt: m.clock.Now().Add(delay)}
	p.timer = m.clock.AfterFunc(delay, func() {
		if err := m.pool.Submit(func() { m.attemptReconnect(deviceID, p) }); err != nil {
			zap.L().Error("session: failed to submit reconnection attempt", zap.String("device_id", deviceID), zap.Error(err))
			if m.registry.takePending(deviceID, p) {
				m.registry.SetState(deviceID, StateDisconnected)
			}
		}
	})
	if prev := m.registry.setPending(deviceID, p); prev != nil {
		prev.stop()
	}
	m.registry.SetState(deviceID, StateReconnectScheduled)
	zap.L().Info("session: reconnection scheduled",
		zap.String("device_id", deviceID), zap.Int("attempt", attempt), zap.Duration("delay", delay))
	m.publish(TopicReconnectScheduled, Event{DeviceID: deviceID, State: StateReconnectScheduled, Attempt: attempt, Delay: delay})
}

// attemptReconnect runs one fired backoff timer. Failures recurse into the
// scheduler and are never returned to anyone.
func (m *Manager) attemptReconnect(deviceID string, p *pendingRetry) {
	unlock := m.locks.Lock(deviceID)
	defer unlock()

	if !m.registry.takePending(deviceID, p) {
		zap.L().Debug("session: reconnection attempt cancelled", zap.String("device_id", deviceID))
		return
	}
	if m.closed.Load() {
		return
	}
	if _, live := m.registry.Lookup(deviceID); live {
		zap.L().Info("session: reconnection superseded by live session", zap.String("device_id", deviceID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	device, err := m.store.FindByDeviceID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			zap.L().Error("session: device not found during reconnection attempt", zap.String("device_id", deviceID))
			m.registry.Forget(deviceID)
			return
		}
		m.reconnectFailed(deviceID, p.attempt, errors.Wrap(err, "load device"))
		return
	}

	m.registry.SetState(deviceID, StateConnecting)
	client, err := m.transport.Create(ctx, deviceID, Options{Name: device.Name})
	if err != nil {
		m.reconnectFailed(deviceID, p.attempt, asTransportError("reconnect", deviceID, err))
		return
	}

	state := initialState(client)
	m.attach(deviceID, client, state)
	now := m.clock.Now()
	if state == StatePairing {
		zap.L().Warn("session: reconnected device needs pairing", zap.String("device_id", deviceID), zap.Int("attempt", p.attempt))
		m.publish(TopicPairing, Event{DeviceID: deviceID, State: StatePairing, Attempt: p.attempt, At: now})
		return
	}
	if err := m.store.UpdateConnectionStatus(ctx, deviceID, true, now); err != nil {
		zap.L().Warn("session: reconnected but failed to persist status", zap.String("device_id", deviceID), zap.Error(err))
	}
	zap.L().Info("session: device reconnected successfully", zap.String("device_id", deviceID), zap.Int("attempt", p.attempt))
	m.publish(TopicReconnected, Event{DeviceID: deviceID, State: StateConnected, Attempt: p.attempt, At: now})
}

func (m *Manager) reconnectFailed(deviceID string, attempt int, err error) {
	zap.L().Error("session: failed to reconnect device",
		zap.String("device_id", deviceID), zap.Int("attempt", attempt), zap.Error(err))
	m.registry.SetState(deviceID, StateDisconnected)
	m.publish(TopicReconnectFailed, Event{DeviceID: deviceID, State: StateDisconnected, Attempt: attempt, Err: err})
	m.scheduleReconnect(deviceID)
}

// Restore deals with devices persisted as connected but not attached to this
// process, typically after a restart. It returns how many were handled.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	devices, err := m.store.FindConnected(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list connected devices")
	}
	n := 0
	for _, d := range devices {
		if m.restoreOne(ctx, d.DeviceID) {
			n++
		}
	}
	zap.L().Info("session: restore finished", zap.Int("devices", n), zap.Bool("reconnect", m.cfg.RestoreOnStart))
	return n, nil
}

func (m *Manager) restoreOne(ctx context.Context, deviceID string) bool {
	unlock := m.locks.Lock(deviceID)
	defer unlock()

	if _, live := m.registry.Lookup(deviceID); live || m.registry.HasPending(deviceID) {
		return false
	}
	if err := m.store.UpdateConnectionStatus(ctx, deviceID, false, m.clock.Now()); err != nil {
		zap.L().Warn("session: failed to mark device disconnected on restore", zap.String("device_id", deviceID), zap.Error(err))
		return false
	}
	if m.cfg.RestoreOnStart {
		m.registry.ResetRetryCount(deviceID)
		m.scheduleReconnect(deviceID)
	}
	return true
}

// Reconcile marks persisted-connected devices that have neither a live session
// nor an armed retry as disconnected. Safe to run repeatedly.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	devices, err := m.store.FindConnected(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list connected devices")
	}
	n := 0
	for _, d := range devices {
		if m.reconcileOne(ctx, d.DeviceID) {
			n++
		}
	}
	if n > 0 {
		zap.L().Info("session: reconciled stale devices", zap.Int("count", n))
	}
	return n, nil
}

func (m *Manager) reconcileOne(ctx context.Context, deviceID string) bool {
	unlock := m.locks.Lock(deviceID)
	defer unlock()

	if _, live := m.registry.Lookup(deviceID); live {
		return false
	}
	if m.registry.HasPending(deviceID) || m.registry.State(deviceID) == StateConnecting {
		return false
	}
	if err := m.store.UpdateConnectionStatus(ctx, deviceID, false, m.clock.Now()); err != nil {
		zap.L().Warn("session: reconcile update failed", zap.String("device_id", deviceID), zap.Error(err))
		return false
	}
	return true
}

// Session returns the live view of deviceID.
func (m *Manager) Session(deviceID string) (SessionInfo, bool) {
	return m.registry.Info(deviceID)
}

func (m *Manager) Sessions() []SessionInfo {
	return m.registry.Snapshot()
}

// PairingCode returns the pending login code for deviceID when the transport exposes one.
func (m *Manager) PairingCode(deviceID string) (string, bool) {
	src, ok := m.transport.(PairingCodeSource)
	if !ok {
		return "", false
	}
	code := src.PairingCode(deviceID)
	return code, code != ""
}

// Close stops every timer and tears down every session. Persisted flags are
// left untouched so Restore can pick the devices up on the next start.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	for _, info := range m.registry.Snapshot() {
		unlock := m.locks.Lock(info.DeviceID)
		m.teardown(info.DeviceID)
		unlock()
	}
	if m.ownPool {
		m.pool.Release()
	}
	zap.L().Info("session: manager closed")
}
