package sensors

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/diwise/integration-uav/domain"
	"github.com/diwise/integration-uav/internal/pkg/application/demux"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const DefaultTopic = "devices/+/sensors"

var ErrNoDeviceInTopic = errors.New("topic does not name a device")

type Config struct {
	BrokerURL string
	Topic     string
	ClientID  string
}

// UpdateHandler receives sensor readings decoded as secondary channel updates.
type UpdateHandler func(ctx context.Context, u domain.Update)

// Subscriber picks up environmental sensor payloads that the drones publish
// straight to an MQTT broker.
type Subscriber struct {
	ctx     context.Context
	cfg     Config
	handler UpdateHandler
	client  mqtt.Client
	log     zerolog.Logger
}

func New(ctx context.Context, cfg Config, handler UpdateHandler) *Subscriber {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "integration-uav"
	}

	s := &Subscriber{
		ctx:     ctx,
		cfg:     cfg,
		handler: handler,
		log:     logging.GetFromContext(ctx).With().Str("component", "sensors").Str("topic", cfg.Topic).Logger(),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		s.log.Warn().Err(err).Msg("mqtt connection lost")
	})

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		s.log.Info().Str("broker", cfg.BrokerURL).Msg("connected to mqtt broker")
		s.subscribe(client)
	})

	s.client = mqtt.NewClient(opts)

	return s
}

func (s *Subscriber) Start() error {
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", token.Error())
	}
	return nil
}

func (s *Subscriber) Stop() {
	if s.client.IsConnected() {
		s.client.Disconnect(1000)
	}
}

func (s *Subscriber) subscribe(client mqtt.Client) {
	token := client.Subscribe(s.cfg.Topic, 1, func(c mqtt.Client, msg mqtt.Message) {
		s.handle(msg.Topic(), msg.Payload())
	})

	if token.Wait() && token.Error() != nil {
		s.log.Error().Err(token.Error()).Msg("failed to subscribe")
		return
	}

	s.log.Info().Msg("subscribed to sensor topic")
}

func (s *Subscriber) handle(topic string, payload []byte) {
	deviceID, err := DeviceIDFromTopic(s.cfg.Topic, topic)
	if err != nil {
		s.log.Warn().Err(err).Str("received_on", topic).Msg("dropping sensor message")
		return
	}

	u, err := demux.DecodeSensorPayload(deviceID, string(payload), time.Now())
	if err != nil {
		s.log.Warn().Err(err).Int("device_id", deviceID).Msg("failed to decode sensor payload")
		return
	}

	s.handler(s.ctx, u)
}

// DeviceIDFromTopic reads the device id from the topic level matched by the
// single level wildcard of the subscription.
func DeviceIDFromTopic(subscription, topic string) (int, error) {
	filter := strings.Split(subscription, "/")
	levels := strings.Split(topic, "/")

	for i, f := range filter {
		if f != "+" || i >= len(levels) {
			continue
		}

		id, err := strconv.Atoi(levels[i])
		if err != nil || id <= 0 {
			return 0, fmt.Errorf("%w: %s", ErrNoDeviceInTopic, topic)
		}

		return id, nil
	}

	return 0, fmt.Errorf("%w: %s", ErrNoDeviceInTopic, topic)
}
