// Package fcm relays notifications to Firebase/Google Cloud Messaging,
// implementing both the deprecated "legacy" HTTP API and the current v1 API.
package fcm

import (
	"github.com/matrixpush/gateway/pkg/notification"
)

// MaxBytesPerField truncates whitelisted Notification attributes copied
// into the FCM data payload (§4.4).
const MaxBytesPerField = 1024

// buildData constructs the FCM "data" payload shared by legacy and v1:
// default_payload merged first, then a fixed attribute whitelist from the
// Notification (truncated), then priority and counts. err is non-nil only
// when device.data.default_payload is present but not a mapping, in which
// case the caller must reject the pushkey(s) rather than send.
func buildData(n notification.Notification, device notification.Device) (map[string]interface{}, error) {
	data := map[string]interface{}{}

	if defaultPayload, present, err := device.DefaultPayload(); present {
		if err != nil {
			return nil, err
		}
		for k, v := range defaultPayload {
			data[k] = v
		}
	}

	setField := func(key, val string) {
		if val == "" {
			return
		}
		if len(val) > MaxBytesPerField {
			val = val[:MaxBytesPerField]
		}
		data[key] = val
	}
	setField("event_id", n.EventID)
	setField("type", n.Type)
	setField("sender", n.Sender)
	setField("room_name", n.RoomName)
	setField("room_alias", n.RoomAlias)
	setField("membership", n.Membership)
	setField("sender_display_name", n.SenderDisplayName)
	setField("room_id", n.RoomID)
	if n.Content != nil {
		data["content"] = n.Content
	}

	if n.EffectivePrio() == notification.PriorityLow {
		data["prio"] = "normal"
	} else {
		data["prio"] = "high"
	}

	if n.Counts.Unread != nil {
		data["unread"] = *n.Counts.Unread
	}
	if n.Counts.MissedCalls != nil {
		data["missed_calls"] = *n.Counts.MissedCalls
	}

	return data, nil
}
