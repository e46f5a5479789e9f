package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/matrixpush/gateway/internal/config"
	"github.com/matrixpush/gateway/internal/httpapi"
	"github.com/matrixpush/gateway/internal/metrics"
	"github.com/matrixpush/gateway/internal/pipeline"
	"github.com/matrixpush/gateway/internal/platform/apns"
	"github.com/matrixpush/gateway/internal/platform/fcm"
	"github.com/matrixpush/gateway/internal/platform/web"
	"github.com/matrixpush/gateway/internal/proxy"
	"github.com/matrixpush/gateway/pkg/backend"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "pushgateway")
	slog.SetDefault(logger)

	ctx := context.Background()

	// --- Config loading ---
	var yamlCfg config.YamlConfig
	if configPath := os.Getenv("SYGNAL_CONF"); configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			logger.Error("failed to read config file", "path", configPath, "err", err)
			os.Exit(1)
		}
		configFile = data
	}
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("failed to unmarshal config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("config failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("config failed", "err", err)
		os.Exit(1)
	}

	// --- Proxy dialer ---
	dialer, err := proxy.NewDialer(cfg.ProxyURL)
	if err != nil {
		logger.Error("invalid proxy config", "err", err)
		os.Exit(1)
	}

	// --- Metrics ---
	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)

	// --- Backend registry ---
	router := backend.NewRouter()
	for appID, appCfg := range cfg.Apps {
		b, err := buildBackend(ctx, appID, appCfg, dialer, reg, logger)
		if err != nil {
			logger.Error("failed to build backend", "app_id", appID, "type", appCfg.Type, "err", err)
			os.Exit(1)
		}
		router.Register(appID, b)
		logger.Info("registered backend", "app_id", appID, "type", appCfg.Type)
	}

	// --- Pipeline and HTTP server ---
	p := pipeline.New(router, reg, logger)
	server := httpapi.New(cfg.ListenAddr, cfg.MaxRequestBodyBytes, cfg.RequestTimeout, p, reg, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("http server stopped", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
		os.Exit(1)
	}
}

// buildBackend constructs the concrete backend.Backend for one app's
// resolved, tagged-variant AppConfig (§9 Design Notes).
func buildBackend(ctx context.Context, appID string, appCfg config.AppConfig, dialer proxy.Dialer, reg *metrics.Registry, logger *slog.Logger) (backend.Backend, error) {
	switch appCfg.Type {
	case "apns":
		return apns.New(*appCfg.APNS, dialer, reg, logger)
	case "fcm_legacy":
		return fcm.NewLegacy(*appCfg.FCMLegacy, dialer, reg, logger)
	case "fcm_v1":
		return fcm.NewV1(ctx, *appCfg.FCMV1, reg, logger)
	case "webpush":
		return web.New(*appCfg.WebPush, dialer, reg, logger)
	default:
		return nil, fmt.Errorf("apps.%s: unknown backend type %q", appID, appCfg.Type)
	}
}
