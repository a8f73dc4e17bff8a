package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/diwise/context-broker/pkg/ngsild/client"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/go-chi/chi"
	"github.com/rs/zerolog"

	"github.com/diwise/integration-uav/internal/pkg/application"
	"github.com/diwise/integration-uav/internal/pkg/application/command"
	"github.com/diwise/integration-uav/internal/pkg/application/fiware"
	"github.com/diwise/integration-uav/internal/pkg/application/history"
	"github.com/diwise/integration-uav/internal/pkg/application/registry"
	"github.com/diwise/integration-uav/internal/pkg/application/sensors"
	"github.com/diwise/integration-uav/internal/pkg/application/sequencer"
	"github.com/diwise/integration-uav/internal/pkg/application/transport"
	"github.com/diwise/integration-uav/internal/pkg/infrastructure/router"
)

const serviceName string = "integration-uav"

func main() {
	serviceVersion := buildinfo.SourceVersion()

	ctx, logger, cleanup := o11y.Init(context.Background(), serviceName, serviceVersion)
	defer cleanup()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registryUrl := env.GetVariableOrDie(logger, "DEVICE_REGISTRY_URL", "device registry url")
	registryToken := env.GetVariableOrDefault(logger, "DEVICE_REGISTRY_TOKEN", "")
	historyUrl := env.GetVariableOrDefault(logger, "HISTORY_URL", "")
	contextBrokerUrl := env.GetVariableOrDefault(logger, "CONTEXT_BROKER_URL", "")
	mqttBrokerUrl := env.GetVariableOrDefault(logger, "MQTT_BROKER_URL", "")
	servicePort := env.GetVariableOrDefault(logger, "SERVICE_PORT", "8080")
	tlsSkipVerify := env.GetVariableOrDefault(logger, "TLS_SKIP_VERIFY", "0") == "1"

	connectTimeout := durationOrDefault(logger, "CONNECT_TIMEOUT", 10*time.Second)
	historyInterval := durationOrDefault(logger, "HISTORY_MIN_INTERVAL", 10*time.Second)

	cfg := application.Config{
		Telemetry: transport.Config{
			URL: env.GetVariableOrDefault(logger, "TELEMETRY_URL", "ws://localhost:8086/api/realtime/ws"),
			Backoff: transport.Backoff{
				Base:        durationOrDefault(logger, "RECONNECT_BASE_DELAY", time.Second),
				MaxAttempts: intOrDefault(logger, "RECONNECT_MAX_ATTEMPTS", 5),
			},
			ConnectTimeout: connectTimeout,
			ReadTimeout:    durationOrDefault(logger, "TELEMETRY_READ_TIMEOUT", 60*time.Second),
		},
		Command: command.Config{
			Host:              env.GetVariableOrDefault(logger, "COMMAND_CHANNEL_HOST", "127.0.0.1"),
			BasePort:          intOrDefault(logger, "COMMAND_CHANNEL_BASE_PORT", 2333),
			HeartbeatInterval: durationOrDefault(logger, "HEARTBEAT_INTERVAL", 15*time.Second),
			ConnectTimeout:    connectTimeout,
			Bootstrap:         env.GetVariableOrDefault(logger, "COMMAND_BOOTSTRAP", "1") == "1",
			BootstrapDelay:    2 * time.Second,
		},
		Sequencer: sequencer.DefaultConfig(),
	}

	httpClient := registry.NewHTTPClient(tlsSkipVerify)
	registryClient := registry.New(registryUrl, registryToken, tlsSkipVerify)

	var historyClient history.Client
	if historyUrl != "" {
		historyClient = history.NewClient(historyUrl, registryToken, httpClient)
	}

	app := application.New(ctx, cfg, registryClient, historyClient)
	defer app.Close()

	if historyUrl != "" {
		notifier := history.NewNotifier(ctx, historyUrl, historyInterval, history.NewSender(httpClient))
		app.Subscribe(notifier.Handle)
	}

	if contextBrokerUrl != "" {
		publisher := fiware.NewPublisher(ctx, client.NewContextBrokerClient(contextBrokerUrl), historyInterval)
		app.Subscribe(publisher.Handle)
	}

	if mqttBrokerUrl != "" {
		subscriber := sensors.New(ctx, sensors.Config{
			BrokerURL: mqttBrokerUrl,
			Topic:     env.GetVariableOrDefault(logger, "MQTT_TOPIC", sensors.DefaultTopic),
			ClientID:  serviceName,
		}, app.Ingest)

		if err := subscriber.Start(); err != nil {
			logger.Error().Err(err).Msg("sensor subscriber not started")
		} else {
			defer subscriber.Stop()
		}
	}

	if err := app.Start(ctx); err != nil {
		logger.Warn().Err(err).Msg("starting without telemetry stream")
	}

	r := router.SetupRouter(chi.NewRouter(), app, logger)

	go func() {
		if err := r.Start(servicePort); err != nil {
			logger.Error().Err(err).Msg("failed to start router")
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down")
}

func durationOrDefault(logger zerolog.Logger, name string, defaultValue time.Duration) time.Duration {
	value := env.GetVariableOrDefault(logger, name, defaultValue.String())

	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		logger.Warn().Str("variable", name).Str("value", value).Msgf("invalid duration, using %s", defaultValue)
		return defaultValue
	}

	return d
}

func intOrDefault(logger zerolog.Logger, name string, defaultValue int) int {
	value := env.GetVariableOrDefault(logger, name, strconv.Itoa(defaultValue))

	i, err := strconv.Atoi(value)
	if err != nil || i < 0 {
		logger.Warn().Str("variable", name).Str("value", value).Msgf("invalid number, using %d", defaultValue)
		return defaultValue
	}

	return i
}
