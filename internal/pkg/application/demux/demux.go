package demux

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/diwise/integration-uav/domain"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrNotDeviceFrame is returned for control frames (welcome, pong) on the telemetry stream.
	ErrNotDeviceFrame = errors.New("not a device frame")
)

const (
	HeartbeatKey = "heart"

	// SensorPrefix marks a legacy frame carrying an embedded environmental payload.
	SensorPrefix = "mqtt:"

	envelopeTypeRealtimeData = "realtime_data"
)

type envelope struct {
	Type        string             `json:"type"`
	DeviceID    int                `json:"device_id"`
	MessageType domain.ChannelKind `json:"message_type"`
	Data        json.RawMessage    `json:"data"`
	Timestamp   string             `json:"timestamp"`
}

// DecodeEnvelope decodes a tagged frame from the unified telemetry stream.
func DecodeEnvelope(frame []byte, receivedAt time.Time) (domain.Update, error) {
	env := envelope{}

	err := json.Unmarshal(frame, &env)
	if err != nil {
		return domain.Update{}, fmt.Errorf("%w: %s", ErrMalformedFrame, err.Error())
	}

	if env.Type != envelopeTypeRealtimeData {
		return domain.Update{}, fmt.Errorf("%w: type %q", ErrNotDeviceFrame, env.Type)
	}

	if env.DeviceID == 0 {
		return domain.Update{}, fmt.Errorf("%w: missing device id", ErrMalformedFrame)
	}

	if !env.MessageType.Valid() {
		return domain.Update{}, fmt.Errorf("%w: unknown message type %q", ErrMalformedFrame, env.MessageType)
	}

	if ts, err := time.Parse(time.RFC3339, env.Timestamp); err == nil {
		receivedAt = ts
	}

	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return domain.Update{}, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}

	// the backend forwards primary channel text as a json string
	if data[0] == '"' {
		var text string
		if err = json.Unmarshal(data, &text); err != nil {
			return domain.Update{}, fmt.Errorf("%w: %s", ErrMalformedFrame, err.Error())
		}

		if env.MessageType == domain.ChannelSecondary {
			return DecodeSensorPayload(env.DeviceID, text, receivedAt)
		}

		return DecodeLegacy(env.DeviceID, text, receivedAt)
	}

	fields := map[string]any{}
	if err = json.Unmarshal(data, &fields); err != nil {
		return domain.Update{}, fmt.Errorf("%w: payload is not an object: %s", ErrMalformedFrame, err.Error())
	}

	if env.MessageType == domain.ChannelSecondary {
		fields, err = unwrapSensorFields(fields)
		if err != nil {
			return domain.Update{}, err
		}
	}

	u := domain.Update{
		DeviceID:   env.DeviceID,
		Channel:    env.MessageType,
		Fields:     fields,
		Raw:        string(frame),
		ReceivedAt: receivedAt,
	}

	if _, ok := fields[HeartbeatKey]; ok {
		u.Heartbeat = true
		delete(fields, HeartbeatKey)
	}

	return u, nil
}

// DecodeLegacy decodes a colon delimited frame from a per-device command channel.
// Frames starting with the sensor prefix are unwrapped as secondary channel readings.
func DecodeLegacy(deviceID int, frame string, receivedAt time.Time) (domain.Update, error) {
	clean := stripSurroundingQuotes(strings.TrimSpace(frame))

	if strings.HasPrefix(clean, SensorPrefix) {
		return DecodeSensorPayload(deviceID, clean, receivedAt)
	}

	key, value, found := strings.Cut(clean, ":")
	if !found && clean == HeartbeatKey {
		key, found = HeartbeatKey, true
	}
	if !found {
		return domain.Update{}, fmt.Errorf("%w: no separator in %q", ErrMalformedFrame, clean)
	}

	key = strings.TrimSpace(stripQuotes(key))
	value = strings.TrimSpace(stripQuotes(value))

	if key == "" {
		return domain.Update{}, fmt.Errorf("%w: empty key in %q", ErrMalformedFrame, clean)
	}

	u := domain.Update{
		DeviceID:   deviceID,
		Channel:    domain.ChannelPrimary,
		Fields:     map[string]any{},
		Raw:        clean,
		ReceivedAt: receivedAt,
	}

	if key == HeartbeatKey {
		u.Heartbeat = true
		return u, nil
	}

	u.Fields[key] = value

	return u, nil
}

// DecodeSensorPayload unwraps an environmental reading. The payload may be prefixed
// with the sensor marker and may carry the actual readings inside a raw_message
// string surrounded by broker framing bytes.
func DecodeSensorPayload(deviceID int, payload string, receivedAt time.Time) (domain.Update, error) {
	clean := stripSurroundingQuotes(strings.TrimSpace(payload))
	clean = strings.TrimPrefix(clean, SensorPrefix)

	obj, ok := firstJSONObject(clean)
	if !ok {
		return domain.Update{}, fmt.Errorf("%w: no embedded object in sensor payload", ErrMalformedFrame)
	}

	fields, err := unwrapSensorFields(obj)
	if err != nil {
		return domain.Update{}, err
	}

	return domain.Update{
		DeviceID:   deviceID,
		Channel:    domain.ChannelSecondary,
		Fields:     fields,
		Raw:        clean,
		ReceivedAt: receivedAt,
	}, nil
}

func unwrapSensorFields(obj map[string]any) (map[string]any, error) {
	raw, ok := obj["raw_message"]
	if !ok {
		return obj, nil
	}

	text, ok := raw.(string)
	if !ok {
		if nested, isObj := raw.(map[string]any); isObj {
			return nested, nil
		}
		return nil, fmt.Errorf("%w: raw_message is neither text nor object", ErrMalformedFrame)
	}

	nested, ok := firstJSONObject(text)
	if !ok {
		return nil, fmt.Errorf("%w: no embedded object in raw_message", ErrMalformedFrame)
	}

	return nested, nil
}

// firstJSONObject returns the first substring of s, starting at a '{', that decodes
// as a complete JSON object. Anything after the object is ignored.
func firstJSONObject(s string) (map[string]any, bool) {
	for i := strings.IndexByte(s, '{'); i >= 0 && i < len(s); {
		obj := map[string]any{}
		dec := json.NewDecoder(strings.NewReader(s[i:]))
		if err := dec.Decode(&obj); err == nil {
			return obj, true
		}

		next := strings.IndexByte(s[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}

	return nil, false
}

func stripSurroundingQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' || first == '\'') && first == last {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func stripQuotes(s string) string {
	return strings.NewReplacer(`"`, "", `'`, "").Replace(s)
}

// Classify maps a wire key onto the closed set of field kinds the reconciler handles.
func Classify(key string) domain.FieldKind {
	switch key {
	case "battery":
		return domain.FieldBattery
	case "location":
		return domain.FieldLocation
	case "attitude":
		return domain.FieldAttitude
	case "heading":
		return domain.FieldHeading
	case "isfly":
		return domain.FieldIsFlying
	case "isconn":
		return domain.FieldIsConnected
	case "isvt":
		return domain.FieldIsVirtualStick
	case "isvta":
		return domain.FieldIsVirtualStickAdvanced
	case HeartbeatKey:
		return domain.FieldHeartbeat
	default:
		return domain.FieldOther
	}
}
