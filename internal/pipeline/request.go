package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matrixpush/gateway/pkg/backend"
	"github.com/matrixpush/gateway/pkg/notification"
)

// ParseRequest decodes and validates a /_matrix/push/v1/notify request
// body, per §6/§7. Any failure is returned as *backend.InvalidNotificationRequest
// so the HTTP surface can map it straight to 400.
func ParseRequest(body []byte) (notification.Notification, error) {
	var wrapper struct {
		Notification *notification.Notification `json:"notification"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return notification.Notification{}, &backend.InvalidNotificationRequest{
			Err: fmt.Errorf("expected JSON request body: %w", err),
		}
	}
	if wrapper.Notification == nil {
		return notification.Notification{}, &backend.InvalidNotificationRequest{
			Err: errors.New("invalid notification: expecting object in 'notification' key"),
		}
	}

	n := *wrapper.Notification
	if len(n.Devices) == 0 {
		return notification.Notification{}, &backend.InvalidNotificationRequest{
			Err: errors.New("no devices in notification"),
		}
	}
	for i, d := range n.Devices {
		if d.AppID == "" || d.Pushkey == "" {
			return notification.Notification{}, &backend.InvalidNotificationRequest{
				Err: fmt.Errorf("devices[%d]: app_id and pushkey are required", i),
			}
		}
	}

	return n, nil
}
