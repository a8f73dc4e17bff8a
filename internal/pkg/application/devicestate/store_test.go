package devicestate

import (
	"sync"
	"testing"
	"time"

	"github.com/diwise/integration-uav/domain"
	"github.com/diwise/integration-uav/internal/pkg/application/demux"
	"github.com/matryer/is"
)

var t0 = time.Date(2025, 8, 21, 10, 0, 0, 0, time.UTC)

func legacy(is *is.I, deviceID int, frame string, at time.Time) domain.Update {
	u, err := demux.DecodeLegacy(deviceID, frame, at)
	is.NoErr(err)
	return u
}

func TestThatLegacyLocationIsSplitIntoCoordinates(t *testing.T) {
	is := is.New(t)
	s := New()

	changed, state := s.Apply(legacy(is, 1, "location:39.9 116.4 50", t0))

	is.Equal(changed, []domain.Attribute{domain.AttrLocation})
	is.Equal(state.Location, domain.Location{Latitude: "39.9", Longitude: "116.4", Altitude: "50"})
}

func TestThatQuotedBatteryIsStoredWithoutQuotes(t *testing.T) {
	is := is.New(t)
	s := New()

	s.Apply(legacy(is, 1, `"battery:77"`, t0))

	state, ok := s.Get(1)
	is.True(ok)
	is.True(state.Battery != nil)
	is.Equal(*state.Battery, "77")
}

func TestThatBatteryUpdateLeavesOtherFieldsUntouched(t *testing.T) {
	is := is.New(t)
	s := New()

	s.Apply(legacy(is, 1, "location:39.9 116.4 50", t0))
	s.Apply(legacy(is, 1, "attitude:1.0 2.0 87.5", t0))
	s.Apply(legacy(is, 1, "velocity:3.2", t0))

	changed, state := s.Apply(legacy(is, 1, "battery:64", t0.Add(time.Second)))

	is.Equal(changed, []domain.Attribute{domain.AttrBattery})
	is.Equal(state.Location.Altitude, "50")
	is.Equal(state.Heading, 87.5)
	is.Equal(state.Extra["velocity"], "3.2")
	is.True(state.LastUpdate.Equal(t0.Add(time.Second)))
}

func TestThatIdenticalUpdateRaisesNoChanges(t *testing.T) {
	is := is.New(t)
	s := New()

	u := domain.Update{
		DeviceID: 2,
		Channel:  domain.ChannelPrimary,
		Fields: map[string]any{
			"battery":  "90",
			"location": map[string]any{"latitude": "1", "longitude": "2", "altitude": "3"},
			"heading":  12.0,
			"isfly":    true,
			"isconn":   "1",
			"isvt":     "0",
			"isvta":    "1",
		},
		ReceivedAt: t0,
	}

	first, _ := s.Apply(u)
	is.True(len(first) > 0)

	second, _ := s.Apply(u)
	is.Equal(len(second), 0) // re-applying identical values must not raise change events
}

func TestThatFlagsAreCoercedFromWireTokens(t *testing.T) {
	is := is.New(t)
	s := New()

	_, state := s.Apply(domain.Update{DeviceID: 3, Fields: map[string]any{
		"isfly":  "1",
		"isconn": true,
		"isvt":   "yes",
		"isvta":  "0",
	}})

	is.True(state.IsFlying)
	is.True(state.IsConnected)
	is.True(!state.IsVirtualStickEngaged) // only "1" or true count as true
	is.True(!state.IsVirtualStickAdvancedEngaged)
}

func TestThatUnknownFieldsAreRetainedInExtra(t *testing.T) {
	is := is.New(t)
	s := New()

	s.Apply(domain.Update{DeviceID: 4, Channel: domain.ChannelPrimary, Fields: map[string]any{
		"gimbal": map[string]any{"pitch": -30.0},
	}})
	s.Apply(legacy(is, 4, "battery:50", t0))

	state, _ := s.Get(4)
	is.Equal(state.Extra["gimbal"], map[string]any{"pitch": -30.0})
}

func TestThatSensorReadingsAreMergedFromSecondaryChannel(t *testing.T) {
	is := is.New(t)
	s := New()

	s.Apply(domain.Update{DeviceID: 5, Channel: domain.ChannelSecondary, Fields: map[string]any{"temperature_c": 20.5, "humidity": 41.0}})
	s.Apply(domain.Update{DeviceID: 5, Channel: domain.ChannelSecondary, Fields: map[string]any{"co2": 412.0}})

	state, _ := s.Get(5)
	is.Equal(state.SensorReading["temperature_c"], 20.5)
	is.Equal(state.SensorReading["co2"], 412.0)
	is.Equal(len(state.Extra), 0)
}

func TestThatUnparsableLocationIsKeptInExtra(t *testing.T) {
	is := is.New(t)
	s := New()

	changed, state := s.Apply(legacy(is, 6, "location:unknown", t0))

	is.Equal(len(changed), 0)
	is.Equal(state.Extra["location"], "unknown")
}

func TestThatHeartbeatUpdatesLastUpdateButIsNotLogged(t *testing.T) {
	is := is.New(t)
	s := New()

	s.Apply(legacy(is, 7, "battery:10", t0))
	changed, state := s.Apply(legacy(is, 7, "heart:1", t0.Add(15*time.Second)))

	is.Equal(len(changed), 0)
	is.True(state.LastUpdate.Equal(t0.Add(15 * time.Second)))

	msgs := s.Messages(7)
	is.Equal(len(msgs), 1)
	is.Equal(msgs[0].Message, "battery:10")
}

func TestThatOlderSenderTimestampDoesNotRewindLastUpdate(t *testing.T) {
	is := is.New(t)
	s := New()

	s.Apply(legacy(is, 7, "battery:50", t0))

	u, err := demux.DecodeEnvelope([]byte(`{"type":"realtime_data","device_id":7,"message_type":"websocket","data":{"battery":"49"},"timestamp":"2020-01-01T00:00:00Z"}`), t0.Add(time.Second))
	is.NoErr(err)

	_, state := s.Apply(u)
	is.Equal(*state.Battery, "49")
	is.True(state.LastUpdate.Equal(t0)) // an older sender clock must not move lastUpdate backwards
}

func TestThatFrameCarryingHeartbeatIsNotLogged(t *testing.T) {
	is := is.New(t)
	s := New()

	u, err := demux.DecodeEnvelope([]byte(`{"type":"realtime_data","device_id":1,"message_type":"websocket","data":{"heart":"1","battery":"49"}}`), t0)
	is.NoErr(err)

	changed, state := s.Apply(u)
	is.Equal(changed, []domain.Attribute{domain.AttrBattery})
	is.Equal(*state.Battery, "49")
	is.Equal(len(s.Messages(1)), 0) // frames with a heart key never reach the message log
}

func TestThatMessageLogKeepsNewestFirst(t *testing.T) {
	is := is.New(t)
	s := New()

	for i := 0; i < maxLogEntries+5; i++ {
		s.Apply(legacy(is, 8, "seq:"+time.Duration(i).String(), t0))
	}

	msgs := s.Messages(8)
	is.Equal(len(msgs), maxLogEntries)
	is.Equal(msgs[0].Message, "seq:"+time.Duration(maxLogEntries+4).String())
}

func TestThatDisconnectKeepsState(t *testing.T) {
	is := is.New(t)
	s := New()

	s.Apply(legacy(is, 9, "isconn:1", t0))
	s.Apply(legacy(is, 9, "battery:33", t0))

	changed, state := s.SetConnected(9, false, t0.Add(time.Minute))

	is.Equal(changed, []domain.Attribute{domain.AttrIsConnected})
	is.Equal(*state.Battery, "33")
	is.Equal(s.DeviceIDs(), []int{9})
}

func TestThatSnapshotsAreNotTorn(t *testing.T) {
	is := is.New(t)
	s := New()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.Apply(domain.Update{DeviceID: 1, Fields: map[string]any{
				"location": map[string]any{"latitude": "1", "longitude": "1", "altitude": "1"},
				"battery":  "1",
			}})
			s.Apply(domain.Update{DeviceID: 1, Fields: map[string]any{
				"location": map[string]any{"latitude": "2", "longitude": "2", "altitude": "2"},
				"battery":  "2",
			}})
		}
	}()

	torn := false
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if st, ok := s.Get(1); ok && st.Battery != nil {
				if st.Location.Altitude != *st.Battery {
					torn = true
				}
			}
		}
	}()

	wg.Wait()
	is.True(!torn) // reads must observe whole updates
}
