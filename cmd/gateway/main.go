// Package main is the entry point for the ebb/flow greenhouse gateway.
// It initializes all components and manages the application lifecycle.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-edge/ebbflow-gateway/internal/adapter/config"
	"github.com/nexus-edge/ebbflow-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/ebbflow-gateway/internal/adapter/mqtt"
	"github.com/nexus-edge/ebbflow-gateway/internal/adapter/sqlite"
	"github.com/nexus-edge/ebbflow-gateway/internal/api"
	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
	"github.com/nexus-edge/ebbflow-gateway/internal/health"
	"github.com/nexus-edge/ebbflow-gateway/internal/metrics"
	"github.com/nexus-edge/ebbflow-gateway/internal/platform"
	"github.com/nexus-edge/ebbflow-gateway/internal/service"
	"github.com/nexus-edge/ebbflow-gateway/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	serviceName    = "ebbflow-gateway"
	serviceVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: search ./config.yaml, ./config, /etc/ebbflow-gateway)")
	flag.Parse()

	bootLogger, _ := logging.New(serviceName, serviceVersion, logging.FromEnv())

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger, logCloser := logging.New(serviceName, serviceVersion, logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	defer logCloser.Close()
	logger.Info().Str("env", cfg.Environment).Msg("Starting ebb/flow gateway")

	metricsRegistry := metrics.NewRegistry(prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// =============================================================
	// Storage and PLC transport
	// =============================================================

	store, err := sqlite.Open(cfg.Storage.Path, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open settings store")
	}
	defer store.Close()

	registry := modbus.NewRegistry(modbus.SessionConfig{
		Timeout:          cfg.Modbus.Timeout,
		ReconnectDelay:   cfg.Modbus.ReconnectDelay,
		FailureThreshold: cfg.Modbus.FailureThreshold,
		UnitID:           byte(cfg.Modbus.UnitID),
	}, logger, metricsRegistry)
	defer registry.Close()

	// =============================================================
	// MQTT bridge
	// =============================================================

	var (
		publisher *mqtt.Publisher
		sink      platform.StateSink
	)
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewPublisher(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			CleanSession:   cfg.MQTT.CleanSession,
			QoS:            cfg.MQTT.QoS,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
			BufferSize:     cfg.MQTT.BufferSize,
		}, logger, metricsRegistry)
		sink = publisher
	}

	// =============================================================
	// Devices
	// =============================================================

	manager := service.NewManager(service.ManagerConfig{
		PollInterval:    cfg.Polling.Interval,
		ShutdownTimeout: cfg.Polling.ShutdownTimeout,
	}, registry, store, store, sink, logger, metricsRegistry)

	var cmdHandler *mqtt.CommandHandler
	if publisher != nil {
		cmdConfig := mqtt.DefaultCommandConfig()
		cmdConfig.TopicPrefix = cfg.MQTT.TopicPrefix
		cmdConfig.QoS = cfg.MQTT.QoS
		cmdHandler = mqtt.NewCommandHandler(cmdConfig, manager, publisher.PublishAsync, logger)
		cmdHandler.Start()
		publisher.OnConnect(cmdHandler.Subscribe)

		// The broker may come up after the gateway; paho keeps retrying and
		// state is buffered meanwhile.
		if err := publisher.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("MQTT broker not reachable at startup")
		}
	}

	catalog := api.NewCatalog(cfg.DevicesConfigPath, logger)
	devices, err := catalog.Load()
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Warn().Str("path", cfg.DevicesConfigPath).Msg("Devices file not found, starting without devices")
	case err != nil:
		logger.Fatal().Err(err).Msg("Failed to load device configurations")
	}
	provisionDevices(ctx, manager, devices, logger)

	// =============================================================
	// Health checks and HTTP server
	// =============================================================

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthChecker.AddCheck("storage", store)
	healthChecker.AddOptionalCheck("plc", registry)
	healthChecker.AddOptionalCheck("devices", manager)
	if publisher != nil {
		healthChecker.AddOptionalCheck("mqtt", publisher)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", statusHandler(registry, manager, publisher, cmdHandler))

	apiHandler := api.NewHandler(manager, catalog, store, logger)
	if publisher != nil {
		apiHandler.SetTopicTracker(publisher)
		apiHandler.SetSubscriptionProvider(cmdHandler)
	}
	apiHandler.Register(mux)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	registered, _ := manager.Counts()
	logger.Info().
		Int("devices", registered).
		Int("http_port", cfg.HTTP.Port).
		Bool("mqtt", publisher != nil).
		Str("storage", cfg.Storage.Path).
		Msg("Gateway started successfully")

	// =============================================================
	// Shutdown Handling
	// =============================================================

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Polling.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	// Stop taking commands before the sessions go away.
	if cmdHandler != nil {
		cmdHandler.Stop()
	}

	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping device sessions")
	}

	if publisher != nil {
		publisher.Disconnect()
	}

	// Registry and store are closed by defer
	logger.Info().Msg("Gateway shutdown complete")
}

// provisionDevices starts a session per configured device. A device that
// fails to provision is logged and skipped.
func provisionDevices(ctx context.Context, manager *service.Manager, devices []domain.DeviceConfig, logger zerolog.Logger) {
	counts := make(map[string]int)
	for _, device := range devices {
		if err := manager.Provision(ctx, device); err != nil {
			logger.Error().Err(err).Str("device_id", device.ID).Msg("Failed to provision device")
			continue
		}
		counts[string(device.Type)]++
	}
	for deviceType, count := range counts {
		logger.Info().Str("type", deviceType).Int("devices", count).Msg("Device type count")
	}
}

type statusResponse struct {
	Service   string                `json:"service"`
	Version   string                `json:"version"`
	Timestamp time.Time             `json:"timestamp"`
	Devices   []service.DeviceView  `json:"devices"`
	PLC       []modbus.ClientHealth `json:"plc"`
	MQTT      *mqttStatus           `json:"mqtt,omitempty"`
}

type mqttStatus struct {
	Connected bool               `json:"connected"`
	Publisher mqtt.StatsSnapshot `json:"publisher"`
	Commands  map[string]uint64  `json:"commands,omitempty"`
}

func statusHandler(registry *modbus.Registry, manager *service.Manager, publisher *mqtt.Publisher, commands *mqtt.CommandHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			Service:   serviceName,
			Version:   serviceVersion,
			Timestamp: time.Now(),
			Devices:   manager.Devices(),
			PLC:       registry.Stats(),
		}
		if publisher != nil {
			resp.MQTT = &mqttStatus{Connected: publisher.IsConnected(), Publisher: publisher.Stats()}
			if commands != nil {
				resp.MQTT.Commands = commands.Stats()
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
