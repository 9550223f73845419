package session

import (
	"time"

	"github.com/asaskevich/EventBus"
)

// Lifecycle topics published on the event bus. Handlers receive a single Event.
const (
	TopicConnected          = "device:connected"
	TopicPairing            = "device:pairing"
	TopicDisconnected       = "device:disconnected"
	TopicReconnectScheduled = "device:reconnect_scheduled"
	TopicReconnected        = "device:reconnected"
	TopicReconnectFailed    = "device:reconnect_failed"
	TopicAbandoned          = "device:abandoned"
	TopicMessage            = "device:message"
)

// Event describes one lifecycle transition or inbound message.
type Event struct {
	DeviceID string
	State    State
	Attempt  int
	Delay    time.Duration
	Message  *Message
	Err      error
	At       time.Time
}

func publish(bus EventBus.Bus, topic string, evt Event) {
	if bus == nil {
		return
	}
	bus.Publish(topic, evt)
}
