package devicestate

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/diwise/integration-uav/domain"
	"github.com/diwise/integration-uav/internal/pkg/application/demux"
)

// Reconcile merges u into old and reports which named attributes changed value.
// Fields not present in u are left untouched. old is not modified.
func Reconcile(old domain.DeviceState, u domain.Update) (domain.DeviceState, []domain.Attribute) {
	next := old.Clone()
	next.DeviceID = u.DeviceID

	if u.ReceivedAt.After(next.LastUpdate) {
		next.LastUpdate = u.ReceivedAt
	}

	for key, value := range u.Fields {
		switch demux.Classify(key) {
		case domain.FieldBattery:
			b := scalarString(value)
			next.Battery = &b
		case domain.FieldLocation:
			if loc, ok := parseLocation(value); ok {
				next.Location = loc
			} else {
				next.Extra[key] = value
			}
		case domain.FieldAttitude:
			if h, ok := parseAttitude(value); ok {
				next.Heading = h
			} else {
				next.Extra[key] = value
			}
		case domain.FieldHeading:
			if h, ok := parseNumber(value); ok {
				next.Heading = h
			} else {
				next.Extra[key] = value
			}
		case domain.FieldIsFlying:
			next.IsFlying = truthy(value)
		case domain.FieldIsConnected:
			next.IsConnected = truthy(value)
		case domain.FieldIsVirtualStick:
			next.IsVirtualStickEngaged = truthy(value)
		case domain.FieldIsVirtualStickAdvanced:
			next.IsVirtualStickAdvancedEngaged = truthy(value)
		case domain.FieldHeartbeat:
			// only refreshes LastUpdate
		case domain.FieldOther:
			if u.Channel == domain.ChannelSecondary {
				next.SensorReading[key] = value
			} else {
				next.Extra[key] = value
			}
		}
	}

	return next, diff(old, next)
}

func diff(old, next domain.DeviceState) []domain.Attribute {
	changed := []domain.Attribute{}

	if !sameBattery(old.Battery, next.Battery) {
		changed = append(changed, domain.AttrBattery)
	}
	if old.Location != next.Location {
		changed = append(changed, domain.AttrLocation)
	}
	if old.Heading != next.Heading {
		changed = append(changed, domain.AttrHeading)
	}
	if old.IsFlying != next.IsFlying {
		changed = append(changed, domain.AttrIsFlying)
	}
	if old.IsConnected != next.IsConnected {
		changed = append(changed, domain.AttrIsConnected)
	}
	if old.IsVirtualStickEngaged != next.IsVirtualStickEngaged {
		changed = append(changed, domain.AttrIsVirtualStickEngaged)
	}
	if old.IsVirtualStickAdvancedEngaged != next.IsVirtualStickAdvancedEngaged {
		changed = append(changed, domain.AttrIsVirtualStickAdvancedEngaged)
	}

	return changed
}

func sameBattery(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func parseLocation(v any) (domain.Location, bool) {
	switch t := v.(type) {
	case string:
		parts := strings.Fields(t)
		if len(parts) < 3 {
			return domain.Location{}, false
		}
		return domain.Location{Latitude: parts[0], Longitude: parts[1], Altitude: parts[2]}, true
	case map[string]any:
		lat, hasLat := t["latitude"]
		lon, hasLon := t["longitude"]
		if !hasLat || !hasLon {
			return domain.Location{}, false
		}
		return domain.Location{
			Latitude:  scalarString(lat),
			Longitude: scalarString(lon),
			Altitude:  scalarString(t["altitude"]),
		}, true
	}
	return domain.Location{}, false
}

// parseAttitude reads the heading from "pitch roll yaw" text, a plain number or {"heading": n}.
func parseAttitude(v any) (float64, bool) {
	switch t := v.(type) {
	case string:
		parts := strings.Fields(t)
		if len(parts) >= 3 {
			return parseNumber(parts[2])
		}
		return parseNumber(t)
	case map[string]any:
		return parseNumber(t["heading"])
	}
	return parseNumber(v)
}

func parseNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case string:
		return t == "1"
	case bool:
		return t
	case float64:
		return t == 1
	}
	return false
}
