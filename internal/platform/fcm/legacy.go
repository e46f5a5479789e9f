package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/matrixpush/gateway/internal/metrics"
	"github.com/matrixpush/gateway/internal/proxy"
	"github.com/matrixpush/gateway/pkg/backend"
	"github.com/matrixpush/gateway/pkg/notification"
)

// legacyURL is the deprecated FCM HTTP endpoint (§4.4).
const legacyURL = "https://fcm.googleapis.com/fcm/send"

// badPushkeyCodes are positional "error" values in a 2xx response that mean
// the registration token is permanently dead and its pushkey is rejected.
var badPushkeyCodes = map[string]bool{
	"MissingRegistration": true,
	"InvalidRegistration": true,
	"NotRegistered":       true,
	"InvalidPackageName":  true,
	"MismatchSenderId":    true,
}

// badMessageCodes are positional "error" values that mean this particular
// message could never be delivered, independent of the registration token:
// the pushkey is neither rejected nor retried.
var badMessageCodes = map[string]bool{
	"MessageTooBig":  true,
	"InvalidDataKey": true,
	"InvalidTtl":     true,
}

// LegacyConfig configures one FCM-legacy backend instance.
type LegacyConfig struct {
	Name                 string                 `yaml:"-"`
	APIKey               string                 `yaml:"api_key"`
	FCMOptions           map[string]interface{} `yaml:"fcm_options"`
	InflightRequestLimit int                    `yaml:"inflight_request_limit"`
}

// LegacyDispatcher implements backend.Backend and backend.BatchDispatcher
// against the legacy https://fcm.googleapis.com/fcm/send endpoint.
type LegacyDispatcher struct {
	name       string
	apiKey     string
	baseBody   map[string]interface{}
	httpClient *http.Client

	limiter *backend.Limiter
	metrics *metrics.Registry
	logger  *slog.Logger
}

// NewLegacy constructs a LegacyDispatcher.
func NewLegacy(cfg LegacyConfig, dlr proxy.Dialer, reg *metrics.Registry, logger *slog.Logger) (*LegacyDispatcher, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("fcm_legacy %s: api_key is required", cfg.Name)
	}
	transport := &http.Transport{DialContext: dlr.DialContext}
	return &LegacyDispatcher{
		name:       cfg.Name,
		apiKey:     cfg.APIKey,
		baseBody:   cfg.FCMOptions,
		httpClient: &http.Client{Transport: transport, Timeout: 10 * time.Second},
		limiter:    backend.NewLimiter(cfg.Name, cfg.InflightRequestLimit),
		metrics:    reg,
		logger:     logger.With("component", "fcm_legacy", "backend", cfg.Name),
	}, nil
}

func (d *LegacyDispatcher) Name() string { return d.name }

// Dispatch implements backend.Backend for a single device. The pipeline
// prefers DispatchBatch when several devices share this backend, since the
// legacy endpoint can push to up to 1000 registration tokens in one call.
func (d *LegacyDispatcher) Dispatch(ctx context.Context, n notification.Notification, device notification.Device, nctx notification.Context) ([]string, error) {
	return d.DispatchBatch(ctx, n, []notification.Device{device}, nctx)
}

// DispatchBatch implements backend.BatchDispatcher.
func (d *LegacyDispatcher) DispatchBatch(ctx context.Context, n notification.Notification, devices []notification.Device, nctx notification.Context) ([]string, error) {
	return backend.WithAdmission(d.limiter, d.name, d.metrics, func() ([]string, error) {
		pushkeys := make([]string, len(devices))
		for i, dv := range devices {
			pushkeys[i] = dv.Pushkey
		}

		data, err := buildData(n, devices[0])
		if err != nil {
			d.logger.Warn("default_payload is not a mapping, rejecting pushkeys", "err", err)
			return pushkeys, nil
		}

		body := make(map[string]interface{}, len(d.baseBody)+3)
		for k, v := range d.baseBody {
			body[k] = v
		}
		body["data"] = data
		if n.EffectivePrio() == notification.PriorityLow {
			body["priority"] = "normal"
		} else {
			body["priority"] = "high"
		}

		return d.dispatchPushkeys(ctx, body, pushkeys)
	})
}

// dispatchPushkeys drives the legacy endpoint's own retry loop: each attempt
// resends only the pushkeys still unresolved from the previous one,
// shrinking as devices succeed or are classified as permanently bad. A
// terminal permanent error (bad request, bad auth, malformed response)
// aborts the whole batch. Exhausting MaxAttempts with pushkeys still
// outstanding is not itself an error — those devices are silently given up
// on, matching the upstream pushkin's behavior.
func (d *LegacyDispatcher) dispatchPushkeys(ctx context.Context, body map[string]interface{}, pushkeys []string) ([]string, error) {
	var failed []string
	remaining := append([]string(nil), pushkeys...)

	for attempt := 0; attempt < backend.MaxAttempts; attempt++ {
		if len(remaining) == 1 {
			body["to"] = remaining[0]
			delete(body, "registration_ids")
		} else {
			body["registration_ids"] = remaining
			delete(body, "to")
		}

		newFailed, newRemaining, err := d.requestOnce(ctx, body, remaining)
		if err != nil {
			var temp *backend.TemporaryDispatchError
			if !errors.As(err, &temp) {
				return nil, err
			}
			if attempt == backend.MaxAttempts-1 {
				break
			}
			delay := temp.RetryAfter
			if delay <= 0 {
				delay = backend.BaseDelay * (1 << uint(attempt))
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		failed = append(failed, newFailed...)
		remaining = newRemaining
		if len(remaining) == 0 {
			break
		}
	}

	return failed, nil
}

// requestOnce performs one POST to the legacy endpoint and classifies the
// response, per §4.4 / the upstream pushkin's _request_dispatch.
func (d *LegacyDispatcher) requestOnce(ctx context.Context, body map[string]interface{}, pushkeys []string) (failed []string, remaining []string, err error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, &backend.PermanentDispatchError{Err: fmt.Errorf("encoding fcm request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, legacyURL, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, &backend.PermanentDispatchError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+d.apiKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, nil, &backend.TemporaryDispatchError{Err: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if d.metrics != nil {
		d.metrics.BackendResponseCodes.WithLabelValues(d.name, strconv.Itoa(resp.StatusCode)).Inc()
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, nil, &backend.TemporaryDispatchError{
			Err:        fmt.Errorf("fcm legacy: server error %d", resp.StatusCode),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode == http.StatusBadRequest:
		return nil, nil, &backend.PermanentDispatchError{Err: errors.New("fcm legacy: invalid request")}
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, nil, &backend.PermanentDispatchError{Err: errors.New("fcm legacy: not authorised")}
	case resp.StatusCode == http.StatusNotFound:
		return pushkeys, nil, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return classifyResults(respBody, pushkeys)
	default:
		return nil, nil, &backend.PermanentDispatchError{Err: fmt.Errorf("fcm legacy: unexpected response code %d", resp.StatusCode)}
	}
}

func classifyResults(respBody []byte, pushkeys []string) (failed []string, remaining []string, err error) {
	var parsed struct {
		Results []struct {
			Error string `json:"error"`
		} `json:"results"`
	}
	if jsonErr := json.Unmarshal(respBody, &parsed); jsonErr != nil {
		return nil, nil, &backend.PermanentDispatchError{Err: fmt.Errorf("fcm legacy: malformed response: %w", jsonErr)}
	}

	for i, pk := range pushkeys {
		if i >= len(parsed.Results) {
			// FCM did not account for this pushkey at all; treat as
			// transient rather than silently dropping or rejecting it.
			remaining = append(remaining, pk)
			continue
		}
		code := parsed.Results[i].Error
		switch {
		case code == "":
			// delivered
		case badPushkeyCodes[code]:
			failed = append(failed, pk)
		case badMessageCodes[code]:
			// bad for this message only: neither rejected nor retried
		default:
			remaining = append(remaining, pk)
		}
	}
	return failed, remaining, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
