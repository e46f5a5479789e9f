package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixpush/gateway/internal/metrics"
	"github.com/matrixpush/gateway/pkg/backend"
	"github.com/matrixpush/gateway/pkg/notification"
)

type recordingBackend struct {
	name  string
	calls [][]string // pushkeys seen per Dispatch call
	reply map[string][]string
	err   error
}

func (b *recordingBackend) Name() string { return b.name }

func (b *recordingBackend) Dispatch(ctx context.Context, n notification.Notification, d notification.Device, nctx notification.Context) ([]string, error) {
	b.calls = append(b.calls, []string{d.Pushkey})
	if b.err != nil {
		return nil, b.err
	}
	return b.reply[d.Pushkey], nil
}

type batchingBackend struct {
	name       string
	batchCalls [][]string
	rejected   []string
	err        error
}

func (b *batchingBackend) Name() string { return b.name }

func (b *batchingBackend) Dispatch(ctx context.Context, n notification.Notification, d notification.Device, nctx notification.Context) ([]string, error) {
	return b.DispatchBatch(ctx, n, []notification.Device{d}, nctx)
}

func (b *batchingBackend) DispatchBatch(ctx context.Context, n notification.Notification, devices []notification.Device, nctx notification.Context) ([]string, error) {
	var pushkeys []string
	for _, d := range devices {
		pushkeys = append(pushkeys, d.Pushkey)
	}
	b.batchCalls = append(b.batchCalls, pushkeys)
	if b.err != nil {
		return nil, b.err
	}
	return b.rejected, nil
}

func testPipeline(t *testing.T, router *backend.Router) *Pipeline {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(router, metrics.Noop(), logger)
}

func TestDispatch_UnknownAppIDIsRejectedNotFatal(t *testing.T) {
	router := backend.NewRouter()
	p := testPipeline(t, router)

	n := notification.Notification{
		Devices: []notification.Device{{AppID: "com.unknown", Pushkey: "spqr"}},
	}

	rejected, err := p.Dispatch(context.Background(), n, notification.Context{})
	require.NoError(t, err)
	assert.Equal(t, []string{"spqr"}, rejected)
}

func TestDispatch_NonBatchingBackendCalledOncePerDevice(t *testing.T) {
	router := backend.NewRouter()
	b := &recordingBackend{name: "apns"}
	router.Register("com.example.apns", b)
	p := testPipeline(t, router)

	n := notification.Notification{
		Devices: []notification.Device{
			{AppID: "com.example.apns", Pushkey: "spqr1"},
			{AppID: "com.example.apns", Pushkey: "spqr2"},
		},
	}

	rejected, err := p.Dispatch(context.Background(), n, notification.Context{})
	require.NoError(t, err)
	assert.Empty(t, rejected)
	assert.Len(t, b.calls, 2)
}

func TestDispatch_BatchingBackendGroupsAllMatchingDevices(t *testing.T) {
	router := backend.NewRouter()
	b := &batchingBackend{name: "fcm_legacy", rejected: []string{"spqr2"}}
	router.Register("com.example.fcm", b)
	p := testPipeline(t, router)

	n := notification.Notification{
		Devices: []notification.Device{
			{AppID: "com.example.fcm", Pushkey: "spqr1"},
			{AppID: "com.example.fcm", Pushkey: "spqr2"},
		},
	}

	rejected, err := p.Dispatch(context.Background(), n, notification.Context{})
	require.NoError(t, err)
	assert.Equal(t, []string{"spqr2"}, rejected)
	require.Len(t, b.batchCalls, 1)
	assert.ElementsMatch(t, []string{"spqr1", "spqr2"}, b.batchCalls[0])
}

func TestDispatch_InterleavedBatchAndNonBatchPreservesDeviceOrder(t *testing.T) {
	router := backend.NewRouter()
	batch := &batchingBackend{name: "fcm_legacy", rejected: []string{"d1", "d3"}}
	solo := &recordingBackend{name: "apns", reply: map[string][]string{"d2": {"d2"}}}
	router.Register("com.example.fcm", batch)
	router.Register("com.example.apns", solo)
	p := testPipeline(t, router)

	n := notification.Notification{
		Devices: []notification.Device{
			{AppID: "com.example.fcm", Pushkey: "d1"},
			{AppID: "com.example.apns", Pushkey: "d2"},
			{AppID: "com.example.fcm", Pushkey: "d3"},
		},
	}

	rejected, err := p.Dispatch(context.Background(), n, notification.Context{})
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2", "d3"}, rejected, "rejected pushkeys must follow original device order")
}

func TestDispatch_NoRejectionsReturnsEmptySliceNotNil(t *testing.T) {
	router := backend.NewRouter()
	b := &recordingBackend{name: "apns"}
	router.Register("com.example.apns", b)
	p := testPipeline(t, router)

	n := notification.Notification{
		Devices: []notification.Device{{AppID: "com.example.apns", Pushkey: "spqr1"}},
	}

	rejected, err := p.Dispatch(context.Background(), n, notification.Context{})
	require.NoError(t, err)
	require.NotNil(t, rejected)
	assert.Empty(t, rejected)
}

func TestDispatch_BackendErrorAbortsWholeNotification(t *testing.T) {
	router := backend.NewRouter()
	b := &recordingBackend{name: "apns", err: &backend.PermanentDispatchError{Err: errors.New("boom")}}
	router.Register("com.example.apns", b)
	p := testPipeline(t, router)

	n := notification.Notification{
		Devices: []notification.Device{
			{AppID: "com.example.apns", Pushkey: "spqr1"},
			{AppID: "com.example.apns", Pushkey: "spqr2"},
		},
	}

	_, err := p.Dispatch(context.Background(), n, notification.Context{})
	require.Error(t, err)
	var perm *backend.PermanentDispatchError
	assert.ErrorAs(t, err, &perm)
	assert.Len(t, b.calls, 1, "dispatch must stop at the first failing device")
}
