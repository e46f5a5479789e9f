package apns

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/matrixpush/gateway/pkg/backend"
	"github.com/matrixpush/gateway/pkg/notification"
)

type mockAPNSClient struct {
	mock.Mock
}

func (m *mockAPNSClient) Push(n *apns2.Notification) (*apns2.Response, error) {
	args := m.Called(n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*apns2.Response), args.Error(1)
}

func newTestDispatcher(client APNSClient) *Dispatcher {
	return &Dispatcher{
		client:  client,
		topic:   "com.example.app",
		toHex:   false,
		name:    "com.example.apns",
		limiter: backend.NewLimiter("com.example.apns", 0),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func sampleNotification() notification.Notification {
	unread := 2
	missed := 1
	return notification.Notification{
		EventID:           "$event1",
		RoomID:            "!room:example.org",
		Type:              "m.room.message",
		Sender:            "@major.tom:example.org",
		SenderDisplayName: "Major Tom",
		RoomName:          "Mission Control",
		Content: map[string]interface{}{
			"msgtype": "m.text",
			"body":    "I'm floating in a most peculiar way.",
		},
		Counts: notification.Counts{Unread: &unread, MissedCalls: &missed},
	}
}

func TestDispatch_HappyPathBuildsExpectedLocKeyAndBadge(t *testing.T) {
	client := new(mockAPNSClient)
	d := newTestDispatcher(client)

	var captured *apns2.Notification
	client.On("Push", mock.MatchedBy(func(n *apns2.Notification) bool {
		captured = n
		return n.DeviceToken == "spqr" && n.Topic == "com.example.app"
	})).Return(&apns2.Response{StatusCode: http.StatusOK}, nil)

	n := sampleNotification()
	device := notification.Device{AppID: "com.example.apns", Pushkey: "spqr"}

	rejected, err := d.Dispatch(context.Background(), n, device, notification.Context{})
	require.NoError(t, err)
	assert.Empty(t, rejected)

	payload := captured.Payload.(map[string]interface{})
	aps := payload["aps"].(map[string]interface{})
	alert := aps["alert"].(map[string]interface{})
	assert.Equal(t, "MSG_FROM_USER_IN_ROOM_WITH_CONTENT", alert["loc-key"])
	assert.Equal(t, 3, aps["badge"])
	client.AssertExpectations(t)
}

func TestDispatch_TokenErrorRejectsPushkeyWithoutRetry(t *testing.T) {
	client := new(mockAPNSClient)
	d := newTestDispatcher(client)

	client.On("Push", mock.Anything).Return(&apns2.Response{
		StatusCode: http.StatusGone,
		Reason:     "Unregistered",
	}, nil).Once()

	n := sampleNotification()
	device := notification.Device{AppID: "com.example.apns", Pushkey: "spqr"}

	rejected, err := d.Dispatch(context.Background(), n, device, notification.Context{})
	require.NoError(t, err)
	assert.Equal(t, []string{"spqr"}, rejected)
	client.AssertNumberOfCalls(t, "Push", 1)
}

func TestDispatch_ServerErrorRetriesThenFails(t *testing.T) {
	client := new(mockAPNSClient)
	d := newTestDispatcher(client)

	client.On("Push", mock.Anything).Return(&apns2.Response{
		StatusCode: http.StatusServiceUnavailable,
		Reason:     "ServiceUnavailable",
	}, nil)

	n := sampleNotification()
	device := notification.Device{AppID: "com.example.apns", Pushkey: "spqr"}

	_, err := d.Dispatch(context.Background(), n, device, notification.Context{})
	require.Error(t, err)
	var temp *backend.TemporaryDispatchError
	assert.ErrorAs(t, err, &temp)
	client.AssertNumberOfCalls(t, "Push", backend.MaxAttempts)
}

func TestDispatch_ConnectionErrorIsTemporary(t *testing.T) {
	client := new(mockAPNSClient)
	d := newTestDispatcher(client)

	client.On("Push", mock.Anything).Return(nil, errors.New("connection reset"))

	n := sampleNotification()
	device := notification.Device{AppID: "com.example.apns", Pushkey: "spqr"}

	_, err := d.Dispatch(context.Background(), n, device, notification.Context{})
	require.Error(t, err)
	client.AssertNumberOfCalls(t, "Push", backend.MaxAttempts)
}

func TestDispatch_FreshNotificationIDPerAttempt(t *testing.T) {
	client := new(mockAPNSClient)
	d := newTestDispatcher(client)

	seen := map[string]bool{}
	client.On("Push", mock.MatchedBy(func(n *apns2.Notification) bool {
		seen[n.ApnsID] = true
		return true
	})).Return(&apns2.Response{StatusCode: http.StatusServiceUnavailable, Reason: "ServiceUnavailable"}, nil)

	n := sampleNotification()
	device := notification.Device{AppID: "com.example.apns", Pushkey: "spqr"}

	_, _ = d.Dispatch(context.Background(), n, device, notification.Context{})
	assert.Len(t, seen, backend.MaxAttempts, "each attempt must use a fresh notification id")
}
