package fcm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixpush/gateway/internal/proxy"
	"github.com/matrixpush/gateway/pkg/backend"
	"github.com/matrixpush/gateway/pkg/notification"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLegacyDispatcher(t *testing.T, serverURL string) *LegacyDispatcher {
	t.Helper()
	d, err := NewLegacy(LegacyConfig{Name: "com.example.fcm", APIKey: "test-key"}, proxy.NewDirectDialer(), nil, testLogger())
	require.NoError(t, err)
	d.httpClient = http.DefaultClient
	return d
}

// redirectTransport rewrites the legacy endpoint host to the test server.
type redirectTransport struct {
	base *httptest.Server
}

func (t redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	u := *req.URL
	u.Scheme = "http"
	u.Host = t.base.Listener.Addr().String()
	req2 := req.Clone(req.Context())
	req2.URL = &u
	req2.Host = u.Host
	return http.DefaultTransport.RoundTrip(req2)
}

func withServer(t *testing.T, d *LegacyDispatcher, srv *httptest.Server) {
	t.Helper()
	d.httpClient = &http.Client{Transport: redirectTransport{base: srv}}
	t.Cleanup(srv.Close)
}

func twoDeviceNotification() (notification.Notification, []notification.Device) {
	n := notification.Notification{
		EventID: "$event1",
		RoomID:  "!room:example.org",
		Type:    "m.room.message",
	}
	devices := []notification.Device{
		{AppID: "com.example.fcm", Pushkey: "spqr"},
		{AppID: "com.example.fcm", Pushkey: "spqr2"},
	}
	return n, devices
}

func TestDispatchBatch_PartialRejectionFromSingleRequest(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.ElementsMatch(t, []interface{}{"spqr", "spqr2"}, body["registration_ids"])

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"results":[{},{"error":"NotRegistered"}]}`))
	}))

	d := newTestLegacyDispatcher(t, srv.URL)
	withServer(t, d, srv)

	n, devices := twoDeviceNotification()
	rejected, err := d.DispatchBatch(context.Background(), n, devices, notification.Context{})
	require.NoError(t, err)
	assert.Equal(t, []string{"spqr2"}, rejected)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestDispatchBatch_ServerErrorRetriesWithRetryAfter(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < int32(backend.MaxAttempts) {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"results":[{}]}`))
	}))

	d := newTestLegacyDispatcher(t, srv.URL)
	withServer(t, d, srv)

	n := notification.Notification{EventID: "$event1", Type: "m.room.message"}
	devices := []notification.Device{{AppID: "com.example.fcm", Pushkey: "spqr"}}

	rejected, err := d.DispatchBatch(context.Background(), n, devices, notification.Context{})
	require.NoError(t, err)
	assert.Empty(t, rejected)
	assert.EqualValues(t, backend.MaxAttempts, atomic.LoadInt32(&calls))
}

func TestDispatchBatch_NotFoundRejectsAllPushkeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	d := newTestLegacyDispatcher(t, srv.URL)
	withServer(t, d, srv)

	n, devices := twoDeviceNotification()
	rejected, err := d.DispatchBatch(context.Background(), n, devices, notification.Context{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"spqr", "spqr2"}, rejected)
}

func TestDispatchBatch_BadRequestIsPermanentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	d := newTestLegacyDispatcher(t, srv.URL)
	withServer(t, d, srv)

	n, devices := twoDeviceNotification()
	_, err := d.DispatchBatch(context.Background(), n, devices, notification.Context{})
	require.Error(t, err)
	var perm *backend.PermanentDispatchError
	assert.ErrorAs(t, err, &perm)
}

func TestDispatchBatch_BadMessageCodeIsNeitherRejectedNorRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"results":[{"error":"MessageTooBig"}]}`))
	}))

	d := newTestLegacyDispatcher(t, srv.URL)
	withServer(t, d, srv)

	n := notification.Notification{EventID: "$event1", Type: "m.room.message"}
	devices := []notification.Device{{AppID: "com.example.fcm", Pushkey: "spqr"}}

	rejected, err := d.DispatchBatch(context.Background(), n, devices, notification.Context{})
	require.NoError(t, err)
	assert.Empty(t, rejected)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestDispatchBatch_UnaccountedPushkeyIsRetriedNotDropped(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			// upstream returns fewer results than pushkeys sent
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"results":[]}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"results":[{}]}`))
	}))

	d := newTestLegacyDispatcher(t, srv.URL)
	withServer(t, d, srv)

	n := notification.Notification{EventID: "$event1", Type: "m.room.message"}
	devices := []notification.Device{{AppID: "com.example.fcm", Pushkey: "spqr"}}

	rejected, err := d.DispatchBatch(context.Background(), n, devices, notification.Context{})
	require.NoError(t, err)
	assert.Empty(t, rejected)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}
