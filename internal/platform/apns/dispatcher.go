// Package apns relays notifications to Apple's Push Notification service
// over HTTP/2, using either client-certificate or token (JWT) auth.
package apns

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/token"
	"golang.org/x/net/http2"

	"github.com/matrixpush/gateway/internal/metrics"
	"github.com/matrixpush/gateway/internal/proxy"
	"github.com/matrixpush/gateway/internal/truncate"
	"github.com/matrixpush/gateway/pkg/backend"
	"github.com/matrixpush/gateway/pkg/notification"
)

// MaxJSONBodySize is the APNs HTTP/2 payload budget (§4.3).
const MaxJSONBodySize = 4096

var pushTypes = map[string]apns2.EPushType{
	"alert":        apns2.PushTypeAlert,
	"background":   apns2.PushTypeBackground,
	"voip":         apns2.PushTypeVOIP,
	"complication": apns2.PushTypeComplication,
	"fileprovider": apns2.PushTypeFileProvider,
	"mdm":          apns2.PushTypeMDM,
}

// tokenErrors is the exhaustive set of (status, reason) pairs that mean the
// device token is permanently invalid (§4.3).
var tokenErrors = map[[2]string]struct{}{
	{"400", "BadDeviceToken"}:         {},
	{"400", "DeviceTokenNotForTopic"}: {},
	{"400", "TopicDisallowed"}:        {},
	{"410", "Unregistered"}:           {},
}

// APNSClient is the subset of apns2.Client used here, so tests can mock it.
type APNSClient interface {
	Push(n *apns2.Notification) (*apns2.Response, error)
}

// Config configures one APNs backend instance (one per configured app_id).
type Config struct {
	Name     string `yaml:"-"`
	Platform string `yaml:"platform"` // "", "production", "prod", or "sandbox"

	CertFile string `yaml:"certfile"` // client-certificate auth
	KeyFile  string `yaml:"keyfile"`  // token auth
	KeyID    string `yaml:"key_id"`
	TeamID   string `yaml:"team_id"`
	Topic    string `yaml:"topic"`

	PushType                string `yaml:"push_type"`
	ConvertDeviceTokenToHex *bool  `yaml:"convert_device_token_to_hex"` // nil defaults to true
	InflightRequestLimit    int    `yaml:"inflight_request_limit"`
}

// Dispatcher is the APNs Backend implementation.
type Dispatcher struct {
	client   APNSClient
	topic    string
	pushType apns2.EPushType
	hasType  bool
	toHex    bool

	name    string
	limiter *backend.Limiter
	metrics *metrics.Registry
	logger  *slog.Logger
}

// New constructs an APNs Dispatcher. It validates the auth-mode
// configuration, builds the apns2 client (wiring dlr for proxy support),
// and — in certificate mode — exports the certificate's expiry as a gauge.
func New(cfg Config, dlr proxy.Dialer, reg *metrics.Registry, logger *slog.Logger) (*Dispatcher, error) {
	sandbox, err := resolvePlatform(cfg.Platform)
	if err != nil {
		return nil, err
	}

	if cfg.CertFile == "" && cfg.KeyFile == "" {
		return nil, fmt.Errorf("apns %s: must configure either certfile or keyfile", cfg.Name)
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		return nil, fmt.Errorf("apns %s: certfile and keyfile are mutually exclusive", cfg.Name)
	}

	httpClient, err := buildHTTPClient(dlr)
	if err != nil {
		return nil, err
	}

	var client *apns2.Client
	if cfg.CertFile != "" {
		if _, err := os.Stat(cfg.CertFile); err != nil {
			return nil, fmt.Errorf("apns %s: certfile %q does not exist", cfg.Name, cfg.CertFile)
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.CertFile)
		if err != nil {
			return nil, fmt.Errorf("apns %s: loading client certificate: %w", cfg.Name, err)
		}
		client = apns2.NewClient(cert)
		client.HTTPClient = httpClient

		if reg != nil {
			if err := reportCertExpiry(cfg.Name, cert, reg); err != nil {
				logger.Warn("failed to export APNs certificate expiry", "backend", cfg.Name, "err", err)
			}
		}
	} else {
		if _, err := os.Stat(cfg.KeyFile); err != nil {
			return nil, fmt.Errorf("apns %s: keyfile %q does not exist", cfg.Name, cfg.KeyFile)
		}
		if cfg.KeyID == "" || cfg.TeamID == "" || cfg.Topic == "" {
			return nil, fmt.Errorf("apns %s: token auth requires key_id, team_id, and topic", cfg.Name)
		}
		authKey, err := token.AuthKeyFromFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("apns %s: parsing token key: %w", cfg.Name, err)
		}
		tok := &token.Token{AuthKey: authKey, KeyID: cfg.KeyID, TeamID: cfg.TeamID}
		client = apns2.NewTokenClient(tok)
		client.HTTPClient = httpClient
	}

	if sandbox {
		client.Development()
	} else {
		client.Production()
	}

	pt, hasType, err := resolvePushType(cfg.PushType)
	if err != nil {
		return nil, fmt.Errorf("apns %s: %w", cfg.Name, err)
	}

	toHex := true
	if cfg.ConvertDeviceTokenToHex != nil {
		toHex = *cfg.ConvertDeviceTokenToHex
	}

	return &Dispatcher{
		client:   client,
		topic:    cfg.Topic,
		pushType: pt,
		hasType:  hasType,
		toHex:    toHex,
		name:     cfg.Name,
		limiter:  backend.NewLimiter(cfg.Name, cfg.InflightRequestLimit),
		metrics:  reg,
		logger:   logger.With("component", "apns", "backend", cfg.Name),
	}, nil
}

func (d *Dispatcher) Name() string { return d.name }

func resolvePlatform(platform string) (sandbox bool, err error) {
	switch platform {
	case "", "production", "prod":
		return false, nil
	case "sandbox":
		return true, nil
	default:
		return false, fmt.Errorf("invalid apns platform: %q", platform)
	}
}

func resolvePushType(pushType string) (apns2.EPushType, bool, error) {
	if pushType == "" {
		return "", false, nil
	}
	pt, ok := pushTypes[pushType]
	if !ok {
		return "", false, fmt.Errorf("invalid push_type: %q", pushType)
	}
	return pt, true, nil
}

func reportCertExpiry(name string, cert tls.Certificate, reg *metrics.Registry) error {
	if len(cert.Certificate) == 0 {
		return fmt.Errorf("certificate chain is empty")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return err
	}
	reg.APNSCertExpiry.WithLabelValues(name).Set(float64(leaf.NotAfter.Unix()))
	return nil
}

// buildHTTPClient wires an HTTP/2 transport whose TCP dial (and, when a
// proxy is configured, CONNECT tunnel) goes through dlr.
func buildHTTPClient(dlr proxy.Dialer) (*http.Client, error) {
	transport := &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			raw, err := dlr.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			tlsConn := tls.Client(raw, cfg)
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				raw.Close()
				return nil, err
			}
			return tlsConn, nil
		},
	}
	return &http.Client{Transport: transport, Timeout: 10 * time.Second}, nil
}

// Dispatch implements backend.Backend.
func (d *Dispatcher) Dispatch(ctx context.Context, n notification.Notification, device notification.Device, nctx notification.Context) ([]string, error) {
	return backend.WithAdmission(d.limiter, d.name, d.metrics, func() ([]string, error) {
		payload, hasPayload, err := d.buildPayload(n, device)
		if err != nil {
			return nil, err
		}
		if !hasPayload {
			return []string{}, nil
		}

		shaved, err := truncate.Truncate(payload, MaxJSONBodySize)
		if err != nil {
			return nil, &backend.PermanentDispatchError{Err: err}
		}

		priority := 10
		if n.EffectivePrio() == notification.PriorityLow {
			priority = 5
		}

		deviceToken, err := d.deviceToken(device.Pushkey)
		if err != nil {
			return nil, &backend.PermanentDispatchError{Err: err}
		}

		return backend.RunWithRetry(ctx, func(ctx context.Context, attempt int) ([]string, error) {
			return d.attempt(ctx, device, deviceToken, shaved, priority)
		})
	})
}

func (d *Dispatcher) buildPayload(n notification.Notification, device notification.Device) (map[string]interface{}, bool, error) {
	defaultPayload, present, err := device.DefaultPayload()
	if present && err != nil {
		return nil, false, &backend.PermanentDispatchError{Err: err}
	}
	if defaultPayload == nil {
		defaultPayload = map[string]interface{}{}
	}

	if n.EventID != "" && n.Type == "" {
		return buildEventIDOnly(n, defaultPayload), true, nil
	}
	payload, ok := buildFull(n, device)
	return payload, ok, nil
}

func (d *Dispatcher) deviceToken(pushkey string) (string, error) {
	if !d.toHex {
		return pushkey, nil
	}
	raw, err := base64.StdEncoding.DecodeString(pushkey)
	if err != nil {
		return "", fmt.Errorf("decoding pushkey as base64: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func (d *Dispatcher) attempt(ctx context.Context, device notification.Device, deviceToken string, payload map[string]interface{}, priority int) ([]string, error) {
	notifID := uuid.NewString()

	req := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       d.topic,
		Payload:     payload,
		Priority:    priority,
		ApnsID:      notifID,
	}
	if d.hasType {
		req.PushType = d.pushType
	}

	res, err := d.client.Push(req)
	if err != nil {
		return nil, &backend.TemporaryDispatchError{Err: err}
	}

	if d.metrics != nil {
		d.metrics.BackendResponseCodes.WithLabelValues(d.name, fmt.Sprintf("%d", res.StatusCode)).Inc()
	}

	if res.Sent() {
		return []string{}, nil
	}

	key := [2]string{fmt.Sprintf("%d", res.StatusCode), res.Reason}
	if _, ok := tokenErrors[key]; ok {
		d.logger.Info("APNs token rejected", "reason", res.Reason, "status", res.StatusCode)
		return []string{device.Pushkey}, nil
	}

	if res.StatusCode >= 500 {
		return nil, &backend.TemporaryDispatchError{Err: fmt.Errorf("%d %s", res.StatusCode, res.Reason)}
	}
	return nil, &backend.PermanentDispatchError{Err: fmt.Errorf("%d %s", res.StatusCode, res.Reason)}
}
