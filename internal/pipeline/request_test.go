package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixpush/gateway/pkg/backend"
)

func TestParseRequest_HappyPath(t *testing.T) {
	body := []byte(`{"notification":{"event_id":"$event1","devices":[{"app_id":"com.example.apns","pushkey":"spqr"}]}}`)

	n, err := ParseRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "$event1", n.EventID)
	require.Len(t, n.Devices, 1)
	assert.Equal(t, "spqr", n.Devices[0].Pushkey)
}

func TestParseRequest_MalformedJSONIsInvalid(t *testing.T) {
	_, err := ParseRequest([]byte(`not json`))
	require.Error(t, err)
	var invalid *backend.InvalidNotificationRequest
	assert.ErrorAs(t, err, &invalid)
}

func TestParseRequest_MissingNotificationKeyIsInvalid(t *testing.T) {
	_, err := ParseRequest([]byte(`{}`))
	require.Error(t, err)
	var invalid *backend.InvalidNotificationRequest
	assert.ErrorAs(t, err, &invalid)
}

func TestParseRequest_NoDevicesIsInvalid(t *testing.T) {
	_, err := ParseRequest([]byte(`{"notification":{"event_id":"$event1","devices":[]}}`))
	require.Error(t, err)
	var invalid *backend.InvalidNotificationRequest
	assert.ErrorAs(t, err, &invalid)
}

func TestParseRequest_DeviceMissingPushkeyIsInvalid(t *testing.T) {
	_, err := ParseRequest([]byte(`{"notification":{"devices":[{"app_id":"com.example.apns"}]}}`))
	require.Error(t, err)
	var invalid *backend.InvalidNotificationRequest
	assert.ErrorAs(t, err, &invalid)
}
