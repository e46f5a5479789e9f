// Package config loads the push gateway's configuration in two stages:
// YamlConfig is the raw shape decoded straight off disk, NewConfigFromYaml
// resolves each app's backend-specific body against its "type"
// discriminator, and UpdateConfigWithEnvOverrides applies environment
// overrides and fills in defaults/validation (§6.1).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matrixpush/gateway/internal/platform/apns"
	"github.com/matrixpush/gateway/internal/platform/fcm"
	"github.com/matrixpush/gateway/internal/platform/web"
)

// Defaults applied when UpdateConfigWithEnvOverrides finds no value set.
const (
	DefaultListenAddr            = ":8090"
	DefaultMaxRequestBodyBytes   = 512 * 1024
	DefaultRequestTimeoutSeconds = 10
)

// AppConfig is the resolved, tagged-variant configuration for one app_id
// (§9 Design Notes: registry-as-tagged-variant). Exactly one of the
// pointers is non-nil, selected by Type.
type AppConfig struct {
	Type string

	APNS      *apns.Config
	FCMLegacy *fcm.LegacyConfig
	FCMV1     *fcm.V1Config
	WebPush   *web.Config
}

// Config is the gateway's single, authoritative configuration.
type Config struct {
	ListenAddr          string
	MaxRequestBodyBytes int64
	ProxyURL            string
	RequestTimeout      time.Duration

	Apps map[string]AppConfig
}

// understoodFields lists the YAML keys each backend type recognizes (plus
// "type" itself). Keys outside this set are logged at warn and ignored,
// matching the per-pushkin UNDERSTOOD_CONFIG_FIELDS behavior (§6.1).
var understoodFields = map[string]map[string]bool{
	"apns": {
		"type": true, "platform": true, "certfile": true, "keyfile": true,
		"key_id": true, "team_id": true, "topic": true, "push_type": true,
		"convert_device_token_to_hex": true, "inflight_request_limit": true,
	},
	"fcm_legacy": {
		"type": true, "api_key": true, "fcm_options": true, "inflight_request_limit": true,
	},
	"fcm_v1": {
		"type": true, "project_id": true, "service_account_file": true, "inflight_request_limit": true,
	},
	"webpush": {
		"type": true, "vapid_private_key": true, "vapid_contact_email": true, "inflight_request_limit": true,
	},
}

// NewConfigFromYaml converts the raw YamlConfig into the base Config,
// resolving every apps.<app_id> entry against its backend type. This is
// Stage 1; the result is completed by UpdateConfigWithEnvOverrides.
func NewConfigFromYaml(raw *YamlConfig, logger *slog.Logger) (*Config, error) {
	cfg := &Config{
		ListenAddr:          raw.ListenAddr,
		MaxRequestBodyBytes: raw.MaxRequestBodyBytes,
		ProxyURL:            raw.Proxy,
		Apps:                make(map[string]AppConfig, len(raw.Apps)),
	}
	if raw.RequestTimeoutSeconds > 0 {
		cfg.RequestTimeout = time.Duration(raw.RequestTimeoutSeconds) * time.Second
	}

	for appID, body := range raw.Apps {
		appCfg, err := decodeAppConfig(appID, body, logger)
		if err != nil {
			return nil, err
		}
		cfg.Apps[appID] = appCfg
	}

	return cfg, nil
}

// decodeAppConfig resolves one apps.<app_id> block. The body is first
// peeked for its "type" discriminator, then re-marshaled and decoded into
// the matching backend Config struct — reusing each backend's own yaml
// tags instead of duplicating its field list here.
func decodeAppConfig(appID string, body map[string]interface{}, logger *slog.Logger) (AppConfig, error) {
	typeVal, _ := body["type"].(string)
	if typeVal == "" {
		return AppConfig{}, fmt.Errorf("apps.%s: type is required", appID)
	}

	understood, ok := understoodFields[typeVal]
	if !ok {
		return AppConfig{}, fmt.Errorf("apps.%s: unknown backend type %q", appID, typeVal)
	}
	for key := range body {
		if !understood[key] {
			logger.Warn("ignoring unknown config field", "app_id", appID, "type", typeVal, "field", key)
		}
	}

	raw, err := yaml.Marshal(body)
	if err != nil {
		return AppConfig{}, fmt.Errorf("apps.%s: %w", appID, err)
	}

	result := AppConfig{Type: typeVal}
	switch typeVal {
	case "apns":
		var c apns.Config
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return AppConfig{}, fmt.Errorf("apps.%s: %w", appID, err)
		}
		c.Name = appID
		result.APNS = &c
	case "fcm_legacy":
		var c fcm.LegacyConfig
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return AppConfig{}, fmt.Errorf("apps.%s: %w", appID, err)
		}
		c.Name = appID
		result.FCMLegacy = &c
	case "fcm_v1":
		var c fcm.V1Config
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return AppConfig{}, fmt.Errorf("apps.%s: %w", appID, err)
		}
		c.Name = appID
		result.FCMV1 = &c
	case "webpush":
		var c web.Config
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return AppConfig{}, fmt.Errorf("apps.%s: %w", appID, err)
		}
		c.Name = appID
		result.WebPush = &c
	}

	return result, nil
}

// UpdateConfigWithEnvOverrides applies environment variable overrides on
// top of the YAML-derived config, then fills in defaults and validates.
// This is Stage 2.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("applying environment variable overrides")

	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("LISTEN_ADDR"); val != "" {
		logger.Debug("overriding config value", "key", "LISTEN_ADDR", "source", "env")
		cfg.ListenAddr = val
	}
	if val := os.Getenv("MAX_REQUEST_BODY_BYTES"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil && n > 0 {
			logger.Debug("overriding config value", "key", "MAX_REQUEST_BODY_BYTES", "source", "env")
			cfg.MaxRequestBodyBytes = n
		}
	}
	if val := os.Getenv("REQUEST_TIMEOUT_SECONDS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			logger.Debug("overriding config value", "key", "REQUEST_TIMEOUT_SECONDS", "source", "env")
			cfg.RequestTimeout = time.Duration(n) * time.Second
		}
	}
	if val := os.Getenv("PROXY"); val != "" {
		logger.Debug("overriding config value", "key", "PROXY", "source", "env")
		cfg.ProxyURL = val
	}

	// §6.1: an empty proxy falls back to $HTTPS_PROXY.
	if cfg.ProxyURL == "" {
		cfg.ProxyURL = os.Getenv("HTTPS_PROXY")
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = DefaultMaxRequestBodyBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeoutSeconds * time.Second
	}

	if len(cfg.Apps) == 0 {
		return nil, fmt.Errorf("at least one app must be configured under apps")
	}

	logger.Debug("configuration finalized and validated successfully")
	return cfg, nil
}
