package fcm

import (
	"context"
	"fmt"
	"log/slog"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/matrixpush/gateway/internal/metrics"
	"github.com/matrixpush/gateway/pkg/backend"
	"github.com/matrixpush/gateway/pkg/notification"
)

// V1Config configures one FCM HTTP v1 backend instance.
type V1Config struct {
	Name                 string `yaml:"-"`
	ProjectID            string `yaml:"project_id"`            // optional; inferred from the service account when empty
	CredentialsFile      string `yaml:"service_account_file"`  // service account JSON
	InflightRequestLimit int    `yaml:"inflight_request_limit"`
}

// V1Dispatcher implements backend.Backend against the FCM HTTP v1 API via
// the Firebase Admin SDK. Unlike the legacy endpoint, v1 sends one message
// per device token; it does not implement BatchDispatcher.
type V1Dispatcher struct {
	name   string
	client *messaging.Client

	limiter *backend.Limiter
	metrics *metrics.Registry
	logger  *slog.Logger
}

// NewV1 constructs a V1Dispatcher, authenticating with a Google service
// account credentials file.
func NewV1(ctx context.Context, cfg V1Config, reg *metrics.Registry, logger *slog.Logger) (*V1Dispatcher, error) {
	if cfg.CredentialsFile == "" {
		return nil, fmt.Errorf("fcm_v1 %s: service_account_file is required", cfg.Name)
	}

	var fbConfig *firebase.Config
	if cfg.ProjectID != "" {
		fbConfig = &firebase.Config{ProjectID: cfg.ProjectID}
	}

	app, err := firebase.NewApp(ctx, fbConfig, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("fcm_v1 %s: initializing firebase app: %w", cfg.Name, err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("fcm_v1 %s: building messaging client: %w", cfg.Name, err)
	}

	return &V1Dispatcher{
		name:    cfg.Name,
		client:  client,
		limiter: backend.NewLimiter(cfg.Name, cfg.InflightRequestLimit),
		metrics: reg,
		logger:  logger.With("component", "fcm_v1", "backend", cfg.Name),
	}, nil
}

func (d *V1Dispatcher) Name() string { return d.name }

// Dispatch implements backend.Backend.
func (d *V1Dispatcher) Dispatch(ctx context.Context, n notification.Notification, device notification.Device, nctx notification.Context) ([]string, error) {
	return backend.WithAdmission(d.limiter, d.name, d.metrics, func() ([]string, error) {
		data, err := buildData(n, device)
		if err != nil {
			d.logger.Warn("default_payload is not a mapping, rejecting pushkey", "err", err)
			return []string{device.Pushkey}, nil
		}

		// v1's Data field is map[string]string; unlike the legacy wire
		// format it cannot carry nested structures.
		strData := make(map[string]string, len(data))
		for k, v := range data {
			strData[k] = fmt.Sprint(v)
		}

		priority := "high"
		if n.EffectivePrio() == notification.PriorityLow {
			priority = "normal"
		}

		msg := &messaging.Message{
			Token:   device.Pushkey,
			Data:    strData,
			Android: &messaging.AndroidConfig{Priority: priority},
		}

		return backend.RunWithRetry(ctx, func(ctx context.Context, attempt int) ([]string, error) {
			return d.attempt(ctx, device, msg)
		})
	})
}

// attempt sends one message and classifies the FCM v1 error, per §4.4.
func (d *V1Dispatcher) attempt(ctx context.Context, device notification.Device, msg *messaging.Message) ([]string, error) {
	_, err := d.client.Send(ctx, msg)
	if err == nil {
		if d.metrics != nil {
			d.metrics.BackendResponseCodes.WithLabelValues(d.name, "ok").Inc()
		}
		return []string{}, nil
	}

	switch {
	case messaging.IsUnregistered(err), messaging.IsSenderIDMismatch(err):
		d.recordCode("unregistered")
		d.logger.Info("fcm v1 token rejected", "err", err)
		return []string{device.Pushkey}, nil
	case messaging.IsInvalidArgument(err):
		d.recordCode("invalid_argument")
		return nil, &backend.PermanentDispatchError{Err: err}
	default:
		// QuotaExceeded, Unavailable, Internal, and anything unrecognized
		// are treated as transient so the retry driver gets a chance.
		d.recordCode("transient")
		return nil, &backend.TemporaryDispatchError{Err: err}
	}
}

func (d *V1Dispatcher) recordCode(code string) {
	if d.metrics != nil {
		d.metrics.BackendResponseCodes.WithLabelValues(d.name, code).Inc()
	}
}
