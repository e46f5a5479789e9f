// Package web relays notifications to browsers via the Web Push protocol,
// using VAPID application-server authentication.
package web

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/matrixpush/gateway/internal/metrics"
	"github.com/matrixpush/gateway/internal/proxy"
	"github.com/matrixpush/gateway/pkg/backend"
	"github.com/matrixpush/gateway/pkg/notification"
)

// ttl is the Web Push message TTL in seconds, matching the fixed value the
// upstream pushkin always sent.
const ttl = 60

// Config configures one Web Push backend instance. Only the private key
// file is configured; the public key is derived from it, the way
// py_vapid's Vapid.from_file does (§6.1).
type Config struct {
	Name                 string `yaml:"-"`
	VAPIDPrivateKeyFile  string `yaml:"vapid_private_key"`
	VAPIDContactEmail    string `yaml:"vapid_contact_email"`
	InflightRequestLimit int    `yaml:"inflight_request_limit"`
}

// Dispatcher implements backend.Backend for Web Push subscriptions.
type Dispatcher struct {
	name       string
	subscriber string
	privateKey string
	publicKey  string
	httpClient *http.Client

	limiter *backend.Limiter
	metrics *metrics.Registry
	logger  *slog.Logger
}

// New constructs a Web Push Dispatcher.
func New(cfg Config, dlr proxy.Dialer, reg *metrics.Registry, logger *slog.Logger) (*Dispatcher, error) {
	if cfg.VAPIDPrivateKeyFile == "" {
		return nil, fmt.Errorf("webpush %s: vapid_private_key is required", cfg.Name)
	}
	if cfg.VAPIDContactEmail == "" {
		return nil, fmt.Errorf("webpush %s: vapid_contact_email is required", cfg.Name)
	}
	if _, err := os.Stat(cfg.VAPIDPrivateKeyFile); err != nil {
		return nil, fmt.Errorf("webpush %s: vapid_private_key %q does not exist", cfg.Name, cfg.VAPIDPrivateKeyFile)
	}

	privateKey, publicKey, err := loadVAPIDKeys(cfg.VAPIDPrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("webpush %s: %w", cfg.Name, err)
	}

	transport := &http.Transport{DialContext: dlr.DialContext}
	return &Dispatcher{
		name:       cfg.Name,
		subscriber: "mailto:" + cfg.VAPIDContactEmail,
		privateKey: privateKey,
		publicKey:  publicKey,
		httpClient: &http.Client{Transport: transport, Timeout: 10 * time.Second},
		limiter:    backend.NewLimiter(cfg.Name, cfg.InflightRequestLimit),
		metrics:    reg,
		logger:     logger.With("component", "webpush", "backend", cfg.Name),
	}, nil
}

// loadVAPIDKeys reads a PEM-encoded P-256 EC private key and derives the
// raw base64url (no padding) private/public key pair webpush-go expects,
// the way py_vapid's Vapid.from_file derives the public key from the
// private key's curve point rather than requiring it configured separately.
func loadVAPIDKeys(path string) (privateKey, publicKey string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("reading vapid private key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return "", "", fmt.Errorf("vapid private key file does not contain a PEM block")
	}

	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		parsed, pkcs8Err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if pkcs8Err != nil {
			return "", "", fmt.Errorf("parsing vapid private key: %w", err)
		}
		ecKey, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return "", "", fmt.Errorf("vapid private key is not an EC key")
		}
		key = ecKey
	}
	if key.Curve != elliptic.P256() {
		return "", "", fmt.Errorf("vapid private key must use the P-256 curve")
	}

	d := make([]byte, 32)
	key.D.FillBytes(d)

	pub := elliptic.Marshal(elliptic.P256(), key.X, key.Y)

	return base64.RawURLEncoding.EncodeToString(d), base64.RawURLEncoding.EncodeToString(pub), nil
}

func (d *Dispatcher) Name() string { return d.name }

// Dispatch implements backend.Backend. The device's p256dh key lives in
// Pushkey; endpoint and auth secret live in device.data (§4.5).
func (d *Dispatcher) Dispatch(ctx context.Context, n notification.Notification, device notification.Device, nctx notification.Context) ([]string, error) {
	return backend.WithAdmission(d.limiter, d.name, d.metrics, func() ([]string, error) {
		endpoint := device.StringData("endpoint")
		auth := device.StringData("auth")
		if endpoint == "" || auth == "" {
			return nil, &backend.PermanentDispatchError{
				Err: fmt.Errorf("device.data.endpoint and device.data.auth are required"),
			}
		}

		payload, err := buildPayload(n, device)
		if err != nil {
			d.logger.Warn("default_payload is not a mapping, rejecting pushkey", "err", err)
			return []string{device.Pushkey}, nil
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return nil, &backend.PermanentDispatchError{Err: err}
		}

		sub := &webpush.Subscription{
			Endpoint: endpoint,
			Keys: webpush.Keys{
				P256dh: device.Pushkey,
				Auth:   auth,
			},
		}

		return backend.RunWithRetry(ctx, func(ctx context.Context, attempt int) ([]string, error) {
			return d.attempt(device, sub, body)
		})
	})
}

func (d *Dispatcher) attempt(device notification.Device, sub *webpush.Subscription, body []byte) ([]string, error) {
	resp, err := webpush.SendNotification(body, sub, &webpush.Options{
		Subscriber:      d.subscriber,
		VAPIDPublicKey:  d.publicKey,
		VAPIDPrivateKey: d.privateKey,
		TTL:             ttl,
		HTTPClient:      d.httpClient,
	})
	if err != nil {
		return nil, &backend.TemporaryDispatchError{Err: err}
	}
	defer resp.Body.Close()

	if d.metrics != nil {
		d.metrics.BackendResponseCodes.WithLabelValues(d.name, fmt.Sprintf("%d", resp.StatusCode)).Inc()
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return []string{}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		d.logger.Info("webpush subscription rejected", "status", resp.StatusCode)
		return []string{device.Pushkey}, nil
	default:
		return nil, &backend.TemporaryDispatchError{Err: fmt.Errorf("webpush: status %d", resp.StatusCode)}
	}
}

// buildPayload merges device.data.default_payload with a fixed attribute
// whitelist and the badge counts, per §4.5.
func buildPayload(n notification.Notification, device notification.Device) (map[string]interface{}, error) {
	payload := map[string]interface{}{}

	if dp, present, err := device.DefaultPayload(); present {
		if err != nil {
			return nil, err
		}
		for k, v := range dp {
			payload[k] = v
		}
	}

	if n.RoomID != "" {
		payload["room_id"] = n.RoomID
	}
	if n.RoomName != "" {
		payload["room_name"] = n.RoomName
	}
	if n.RoomAlias != "" {
		payload["room_alias"] = n.RoomAlias
	}
	if n.Membership != "" {
		payload["membership"] = n.Membership
	}
	if n.EventID != "" {
		payload["event_id"] = n.EventID
	}
	if n.Sender != "" {
		payload["sender"] = n.Sender
	}
	if n.SenderDisplayName != "" {
		payload["sender_display_name"] = n.SenderDisplayName
	}
	if n.UserIsTarget {
		payload["user_is_target"] = n.UserIsTarget
	}
	if n.Type != "" {
		payload["type"] = n.Type
	}
	if n.Content != nil {
		payload["content"] = n.Content
	}

	if n.Counts.Unread != nil {
		payload["unread"] = *n.Counts.Unread
	}
	if n.Counts.MissedCalls != nil {
		payload["missed_calls"] = *n.Counts.MissedCalls
	}

	return payload, nil
}
