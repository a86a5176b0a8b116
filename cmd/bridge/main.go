// Package main is the entry point for the SDM120 bridge daemon. It wires
// the link supervisor, the register reader, the MQTT publisher, and the
// poll loop, and manages the application lifecycle.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/adapter/config"
	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/adapter/link"
	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/adapter/modbus"
	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/adapter/mqtt"
	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/api"
	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/domain"
	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/health"
	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/metrics"
	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/service"
	"github.com/buuhsmead/esp32-sdm120-mqtt/pkg/logging"
)

const (
	serviceName    = "sdm120-bridge"
	serviceVersion = "1.0.0"
)

func main() {
	logger := logging.New(serviceName, serviceVersion)
	logger.Info().Msg("Starting SDM120 bridge")

	// Configuration errors are the only fatal startup condition; every
	// unreachable peer below degrades and self-heals instead.
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger = logging.NewWithConfig(serviceName, serviceVersion, logging.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger.Info().
		Str("meter", cfg.Meter.Address()).
		Str("broker", cfg.MQTT.BrokerURL).
		Msg("Configuration loaded")

	metricsRegistry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Link supervisor: probes the meter's wireless hop and keeps
	// reconnecting for the process lifetime.
	linkCfg := link.DefaultConfig(cfg.Meter.IP)
	linkCfg.ConnectMaxAttempts = cfg.Link.ConnectMaxAttempts
	linkCfg.ConnectBackoff = cfg.Link.ConnectBackoff
	linkCfg.MonitorInterval = cfg.Link.MonitorInterval
	linkCfg.ProbeTimeout = cfg.Link.ProbeTimeout
	linkCfg.ProbeTripThreshold = uint32(cfg.Link.ProbeTripThreshold)
	linkCfg.ProbeRecoveryTimeout = cfg.Link.ProbeRecoveryWindow

	supervisor := link.NewSupervisor(linkCfg, nil, logger, metricsRegistry)
	supervisor.Start(ctx)

	if state := supervisor.ConnectAndWait(ctx, cfg.Link.ConnectTimeout); state != domain.LinkConnected {
		logger.Warn().
			Str("state", state.String()).
			Msg("Link not up at startup, monitor keeps retrying")
	}

	// Meter connection and reader.
	meterCfg := modbus.DefaultConfig(cfg.Meter.Address())
	meterCfg.SlaveID = byte(cfg.Meter.SlaveID)
	meterCfg.Timeout = cfg.Meter.Timeout
	meterCfg.SettleDelay = cfg.Meter.SettleDelay
	meterCfg.ReadMaxAttempts = cfg.Meter.ReadMaxAttempts
	meterCfg.RetryBaseDelay = cfg.Meter.RetryBaseDelay
	meterCfg.RetryStepDelay = cfg.Meter.RetryStepDelay
	meterCfg.InterParameterDelay = cfg.Meter.InterParameterDelay
	meterCfg.FirstParamsExtraDelay = cfg.Meter.FirstParamsExtraDelay
	meterCfg.FirstParamsSlowCount = cfg.Meter.FirstParamsSlowCount
	meterCfg.TimeoutCheckThreshold = cfg.Meter.TimeoutCheckThreshold

	conn, err := modbus.NewConn(meterCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid meter configuration")
	}
	if err := conn.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("Meter not reachable at startup, reads will retry")
	}
	defer conn.Close()

	reader := modbus.NewReader(meterCfg, conn, supervisor, logger, metricsRegistry)

	// MQTT publisher. A down broker is not fatal: the bridge keeps
	// polling and paho reconnects in the background.
	publisher, err := mqtt.NewPublisher(mqtt.Config{
		BrokerURL:            cfg.MQTT.BrokerURL,
		ClientID:             cfg.MQTT.ClientID,
		Username:             cfg.MQTT.Username,
		Password:             cfg.MQTT.Password,
		KeepAlive:            cfg.MQTT.KeepAlive,
		ConnectTimeout:       cfg.MQTT.ConnectTimeout,
		ReconnectDelay:       cfg.MQTT.ReconnectDelay,
		PublishTimeout:       cfg.MQTT.PublishTimeout,
		TopicPrefix:          cfg.MQTT.TopicPrefix,
		IndividualTopics:     cfg.MQTT.IndividualTopics,
		DiscoveryEnabled:     cfg.MQTT.Discovery.Enabled,
		DiscoveryPrefix:      cfg.MQTT.Discovery.Prefix,
		DiscoverySettleDelay: cfg.MQTT.Discovery.SettleDelay,
		DiscoveryMessageGap:  cfg.MQTT.Discovery.MessageGap,
		DeviceIP:             cfg.Meter.IP,
	}, logger, metricsRegistry)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid MQTT configuration")
	}
	if err := publisher.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("MQTT broker not reachable at startup, auto-reconnect active")
	}
	defer publisher.Disconnect()

	// Poll loop.
	loop := service.NewPollLoop(service.Config{
		Period:        cfg.Poll.Period,
		RecoveryDelay: cfg.Poll.RecoveryDelay,
	}, reader, publisher, logger, metricsRegistry)
	loop.Start(ctx)

	// Health checks and HTTP server.
	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthChecker.AddCheck("meter", reader)
	healthChecker.AddCheck("poll_loop", loop)
	healthChecker.AddOptionalCheck("link", supervisor)
	healthChecker.AddOptionalCheck("mqtt", publisher)

	var httpServer *http.Server
	if cfg.HTTP.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", healthChecker.HealthHandler)
		mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
		mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
		mux.Handle("/metrics", promhttp.Handler())

		statusHandler := api.NewStatusHandler(supervisor, publisher, loop, reader, logger)
		statusHandler.RegisterRoutes(mux)

		httpServer = &http.Server{
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
	}

	logger.Info().
		Str("meter", cfg.Meter.Address()).
		Str("mqtt_broker", cfg.MQTT.BrokerURL).
		Dur("poll_period", cfg.Poll.Period).
		Msg("SDM120 bridge started")

	// Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, stopping")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	loop.Stop()
	cancel()
	supervisor.Wait()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error shutting down HTTP server")
		}
	}

	logger.Info().Msg("SDM120 bridge shutdown complete")
}
