package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/diwise/integration-uav/domain"
	"github.com/diwise/integration-uav/internal/pkg/application/events"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/farshidtz/senml/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("integration-uav/history")

const (
	HumidityURN    string = "urn:oma:lwm2m:ext:3304"
	TemperatureURN string = "urn:oma:lwm2m:ext:3303"
)

type SenderFunc = func(context.Context, string, senml.Pack) error

// Notifier forwards environmental readings to the history service as LwM2M
// SenML packs, at most once per device and interval.
type Notifier struct {
	ctx         context.Context
	url         string
	minInterval time.Duration
	sender      SenderFunc
	log         zerolog.Logger

	mu       sync.Mutex
	lastSent map[int]time.Time
}

func NewNotifier(ctx context.Context, url string, minInterval time.Duration, sender SenderFunc) *Notifier {
	return &Notifier{
		ctx:         ctx,
		url:         url,
		minInterval: minInterval,
		sender:      sender,
		log:         logging.GetFromContext(ctx).With().Str("component", "history").Logger(),
		lastSent:    map[int]time.Time{},
	}
}

// Handle is subscribed to the event bus. Sending happens off the bus so a slow
// history service never holds up frame processing.
func (n *Notifier) Handle(e events.Event) {
	if e.Kind != events.RawUpdate || e.Update == nil || e.Update.Channel != domain.ChannelSecondary {
		return
	}

	env := domain.EnvironmentFrom(e.Update.Fields)
	if env.Empty() {
		return
	}

	ts := e.Update.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	if !n.allow(e.DeviceID, ts) {
		return
	}

	go func() {
		if err := n.Notify(n.ctx, e.DeviceID, env, ts); err != nil {
			n.log.Warn().Err(err).Int("device_id", e.DeviceID).Msg("failed to persist readings")
		}
	}()
}

func (n *Notifier) allow(deviceID int, ts time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	// a sender clock that went backwards restarts the interval
	if last, ok := n.lastSent[deviceID]; ok && !ts.Before(last) && ts.Sub(last) < n.minInterval {
		return false
	}

	n.lastSent[deviceID] = ts
	return true
}

func (n *Notifier) Notify(ctx context.Context, deviceID int, env domain.Environment, ts time.Time) error {
	var errs []error

	for _, p := range CreatePacks(strconv.Itoa(deviceID), env, ts) {
		err := n.sender(ctx, n.url, p)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func CreatePacks(deviceID string, env domain.Environment, ts time.Time) []senml.Pack {
	packs := []senml.Pack{}

	if env.Temperature != nil {
		packs = append(packs, newPack(TemperatureURN, "5700", deviceID, *env.Temperature, senml.UnitCelsius, ts))
	}

	if env.Humidity != nil {
		packs = append(packs, newPack(HumidityURN, "5700", deviceID, *env.Humidity, senml.UnitRelativeHumidity, ts))
	}

	return packs
}

func newPack(baseName, name, id string, v float64, u string, t time.Time) senml.Pack {
	return senml.Pack{
		senml.Record{
			BaseName:    baseName,
			BaseTime:    float64(t.Unix()),
			Name:        "0",
			StringValue: id,
		},
		senml.Record{
			Name:  name,
			Value: &v,
			Time:  float64(t.Unix()),
			Unit:  u,
		},
	}
}

// NewSender returns a SenderFunc posting packs with httpClient.
func NewSender(httpClient http.Client) SenderFunc {
	return func(ctx context.Context, url string, pack senml.Pack) error {
		var err error

		ctx, span := tracer.Start(ctx, "send-object")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		var b []byte
		b, err = json.Marshal(pack)
		if err != nil {
			return err
		}

		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(b))
		if err != nil {
			return err
		}

		req.Header.Add("Content-Type", "application/senml+json")

		var resp *http.Response
		resp, err = httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated {
			err = fmt.Errorf("unexpected response code %d", resp.StatusCode)
		}

		return err
	}
}
