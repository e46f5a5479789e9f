package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixpush/gateway/internal/metrics"
	"github.com/matrixpush/gateway/internal/pipeline"
	"github.com/matrixpush/gateway/pkg/backend"
	"github.com/matrixpush/gateway/pkg/notification"
)

type stubBackend struct {
	name     string
	rejected []string
	err      error
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) Dispatch(ctx context.Context, n notification.Notification, d notification.Device, nctx notification.Context) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.rejected, nil
}

func newTestHandler(t *testing.T, b backend.Backend) *NotifyHandler {
	t.Helper()
	router := backend.NewRouter()
	router.Register("com.example.app", b)
	p := pipeline.New(router, metrics.Noop(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return NewNotifyHandler(p, metrics.Noop(), slog.New(slog.NewTextHandler(io.Discard, nil)), 512*1024, 10*time.Second)
}

func TestServeHTTP_HappyPathReturnsRejectedList(t *testing.T) {
	h := newTestHandler(t, &stubBackend{name: "b", rejected: []string{"badkey"}})

	body := `{"notification":{"event_id":"$e1","devices":[{"app_id":"com.example.app","pushkey":"spqr"}]}}`
	req := httptest.NewRequest(http.MethodPost, "/_matrix/push/v1/notify", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, []string{"badkey"}, got["rejected"])
}

func TestServeHTTP_MalformedBodyReturns400(t *testing.T) {
	h := newTestHandler(t, &stubBackend{name: "b"})

	req := httptest.NewRequest(http.MethodPost, "/_matrix/push/v1/notify", strings.NewReader(`not json`))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServeHTTP_UnknownAppIDIsRejectedNot502(t *testing.T) {
	h := newTestHandler(t, &stubBackend{name: "b"})

	body := `{"notification":{"event_id":"$e1","devices":[{"app_id":"com.other.app","pushkey":"spqr"}]}}`
	req := httptest.NewRequest(http.MethodPost, "/_matrix/push/v1/notify", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, []string{"spqr"}, got["rejected"])
}

func TestServeHTTP_BackendPermanentErrorReturns502(t *testing.T) {
	h := newTestHandler(t, &stubBackend{name: "b", err: &backend.PermanentDispatchError{Err: assertErr{"boom"}}})

	body := `{"notification":{"event_id":"$e1","devices":[{"app_id":"com.example.app","pushkey":"spqr"}]}}`
	req := httptest.NewRequest(http.MethodPost, "/_matrix/push/v1/notify", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestServeHTTP_OversizedBodyReturns400(t *testing.T) {
	h := newTestHandler(t, &stubBackend{name: "b"})
	h.maxBodyBytes = 16

	body := `{"notification":{"event_id":"$e1","devices":[{"app_id":"com.example.app","pushkey":"spqr"}]}}`
	req := httptest.NewRequest(http.MethodPost, "/_matrix/push/v1/notify", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
