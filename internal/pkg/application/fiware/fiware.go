package fiware

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	fw "github.com/diwise/context-broker/pkg/datamodels/fiware"
	"github.com/diwise/context-broker/pkg/ngsild/client"
	ngsierrors "github.com/diwise/context-broker/pkg/ngsild/errors"
	"github.com/diwise/context-broker/pkg/ngsild/types"
	"github.com/diwise/context-broker/pkg/ngsild/types/entities"
	. "github.com/diwise/context-broker/pkg/ngsild/types/entities/decorators"
	"github.com/diwise/context-broker/pkg/ngsild/types/properties"
	"github.com/diwise/integration-uav/domain"
	"github.com/diwise/integration-uav/internal/pkg/application/events"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("integration-uav/fiware")

// Publisher mirrors environmental readings from the drones into the context
// broker as AirQualityObserved entities.
type Publisher struct {
	ctx         context.Context
	cbClient    client.ContextBrokerClient
	minInterval time.Duration
	log         zerolog.Logger

	mu       sync.Mutex
	lastSent map[int]time.Time
}

func NewPublisher(ctx context.Context, cbClient client.ContextBrokerClient, minInterval time.Duration) *Publisher {
	return &Publisher{
		ctx:         ctx,
		cbClient:    cbClient,
		minInterval: minInterval,
		log:         logging.GetFromContext(ctx).With().Str("component", "fiware").Logger(),
		lastSent:    map[int]time.Time{},
	}
}

func (p *Publisher) Handle(e events.Event) {
	if e.Kind != events.RawUpdate || e.Update == nil || e.Update.Channel != domain.ChannelSecondary {
		return
	}

	env := domain.EnvironmentFrom(e.Update.Fields)
	if env.Empty() {
		return
	}

	observedAt := e.Update.ReceivedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}

	if !p.allow(e.DeviceID, observedAt) {
		return
	}

	var location domain.Location
	if e.State != nil {
		location = e.State.Location
	}

	go func() {
		err := CreateOrUpdateAirQualityObserved(p.ctx, p.cbClient, e.DeviceID, env, location, observedAt)
		if err != nil {
			p.log.Warn().Err(err).Int("device_id", e.DeviceID).Msg("failed to publish readings")
		}
	}()
}

func (p *Publisher) allow(deviceID int, ts time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	// a sender clock that went backwards restarts the interval
	if last, ok := p.lastSent[deviceID]; ok && !ts.Before(last) && ts.Sub(last) < p.minInterval {
		return false
	}

	p.lastSent[deviceID] = ts
	return true
}

func CreateOrUpdateAirQualityObserved(ctx context.Context, cbClient client.ContextBrokerClient, deviceID int, env domain.Environment, location domain.Location, observedAt time.Time) error {
	var err error

	ctx, span := tracer.Start(ctx, "create-air-quality")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	_, ctx, logger := o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

	headers := map[string][]string{"Content-Type": {"application/ld+json"}}

	decorators := entityDecorators(deviceID, env, location, observedAt.UTC().Format(time.RFC3339))

	var fragment types.EntityFragment
	fragment, err = entities.NewFragment(decorators...)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create entity fragment")
		return err
	}

	entityID := fw.AirQualityObservedIDPrefix + "uav:" + strconv.Itoa(deviceID)

	_, err = cbClient.MergeEntity(ctx, entityID, fragment, headers)
	if err == nil {
		logger.Debug().Msgf("updated entity %s", entityID)
		return nil
	}

	if !errors.Is(err, ngsierrors.ErrNotFound) {
		logger.Error().Err(err).Msg("failed to merge entity")
	}

	var entity types.Entity
	entity, err = entities.New(entityID, fw.AirQualityObservedTypeName, decorators...)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create new entity")
		return err
	}

	_, err = cbClient.CreateEntity(ctx, entity, headers)
	if err != nil {
		logger.Error().Err(err).Msg("failed to post entity to context broker")
		return err
	}

	logger.Info().Msgf("created entity %s", entityID)

	return nil
}

func entityDecorators(deviceID int, env domain.Environment, location domain.Location, timestamp string) []entities.EntityDecoratorFunc {
	decorators := []entities.EntityDecoratorFunc{
		entities.DefaultContext(),
		Text("areaServed", "uav:"+strconv.Itoa(deviceID)),
		DateTime(properties.DateObserved, timestamp),
	}

	if lat, lon, ok := coordinates(location); ok {
		decorators = append(decorators, Location(lat, lon))
	}

	if env.Temperature != nil {
		decorators = append(decorators, Number(
			"temperature",
			*env.Temperature,
			properties.UnitCode(unitCodes["Celsius"]),
			properties.ObservedAt(timestamp),
		))
	}

	if env.Humidity != nil {
		decorators = append(decorators, Number(
			"relativeHumidity",
			*env.Humidity,
			properties.UnitCode(unitCodes["Percent"]),
			properties.ObservedAt(timestamp),
		))
	}

	return decorators
}

func coordinates(l domain.Location) (float64, float64, bool) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(l.Latitude), 64)
	if err != nil {
		return 0, 0, false
	}

	lon, err := strconv.ParseFloat(strings.TrimSpace(l.Longitude), 64)
	if err != nil {
		return 0, 0, false
	}

	return lat, lon, true
}

var unitCodes map[string]string = map[string]string{
	"Celsius": "CEL",
	"Percent": "P1",
}
