package app

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/talkincode/devicelink/internal/session"
	"github.com/talkincode/devicelink/pkg/metrics"
)

// lifecycle counters, one per topic
var topicCounters = map[string]string{
	session.TopicConnected:          "device_connected_total",
	session.TopicPairing:            "device_pairing_total",
	session.TopicDisconnected:       "device_disconnected_total",
	session.TopicReconnectScheduled: "device_reconnect_scheduled_total",
	session.TopicReconnected:        "device_reconnected_total",
	session.TopicReconnectFailed:    "device_reconnect_failed_total",
	session.TopicAbandoned:          "device_abandoned_total",
	session.TopicMessage:            "device_message_total",
}

func (a *Application) subscribeEvents() error {
	for topic, counter := range topicCounters {
		counter := counter
		if err := a.bus.Subscribe(topic, func(evt session.Event) {
			metrics.Incr(counter)
		}); err != nil {
			return errors.Wrapf(err, "subscribe %s", topic)
		}
	}
	err := a.bus.SubscribeAsync(session.TopicAbandoned, func(evt session.Event) {
		zap.L().Error("device abandoned after reconnection attempts",
			zap.String("device_id", evt.DeviceID),
			zap.Int("attempts", evt.Attempt))
	}, false)
	if err != nil {
		return errors.Wrap(err, "subscribe abandoned")
	}
	return nil
}
