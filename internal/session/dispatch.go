package session

import (
	"context"
	"strings"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Dispatcher routes outbound messages to live sessions and handles inbound ones.
// It trusts only the registry for liveness, never the persisted flag.
type Dispatcher struct {
	registry *Registry
	store    DeviceStore
	bus      EventBus.Bus
	clock    clock.PassiveClock
}

func NewDispatcher(registry *Registry, store DeviceStore, bus EventBus.Bus, clk clock.PassiveClock) *Dispatcher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Dispatcher{registry: registry, store: store, bus: bus, clock: clk}
}

// SendMessage sends text to recipient through the live session of deviceID.
func (d *Dispatcher) SendMessage(ctx context.Context, deviceID, recipient, text string) error {
	if strings.TrimSpace(recipient) == "" || text == "" {
		return errors.Wrap(ErrInvalidArgument, "recipient and text are required")
	}
	client, ok := d.registry.Lookup(deviceID)
	if !ok {
		return errors.Wrapf(ErrNotFound, "no live session for device %s", deviceID)
	}
	if d.registry.State(deviceID) == StatePairing {
		return errors.Wrapf(ErrNotFound, "device %s is awaiting pairing", deviceID)
	}
	if err := client.SendText(ctx, recipient, text); err != nil {
		zap.L().Error("session: failed to send message",
			zap.String("device_id", deviceID),
			zap.String("recipient", recipient),
			zap.Error(err))
		return asTransportError("send", deviceID, err)
	}
	zap.L().Info("session: message sent",
		zap.String("device_id", deviceID),
		zap.String("recipient", recipient),
		zap.Int("text_len", len(text)))
	return nil
}

// CheckConnection returns the persisted connection flag of a device owned by
// userID. The flag may lag the live session state.
func (d *Dispatcher) CheckConnection(ctx context.Context, deviceID, userID string) (bool, error) {
	device, err := d.store.FindByDeviceIDAndOwner(ctx, deviceID, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, errors.Wrapf(ErrNotFound, "device %s not found or not associated with user %s", deviceID, userID)
		}
		return false, errors.Wrap(err, "load device")
	}
	return device.IsConnected, nil
}

// HandleInbound logs a message received by a session and republishes it.
func (d *Dispatcher) HandleInbound(deviceID string, msg Message) {
	zap.L().Info("session: received message",
		zap.String("device_id", deviceID),
		zap.String("from", msg.From),
		zap.Int("body_len", len(msg.Body)))
	zap.L().Debug("session: message body", zap.String("device_id", deviceID), zap.String("body", msg.Body))
	at := msg.Timestamp
	if at.IsZero() {
		at = d.clock.Now()
	}
	m := msg
	publish(d.bus, TopicMessage, Event{DeviceID: deviceID, Message: &m, At: at})
}
