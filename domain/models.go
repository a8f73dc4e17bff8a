package domain

import (
	"time"

	"github.com/google/uuid"
)

type DeviceIdentity struct {
	ID   int       `json:"id"`
	UUID uuid.UUID `json:"uuid"`
}

// Device is the registry record for a drone or sensor station.
type Device struct {
	ID            int       `json:"id"`
	UUID          uuid.UUID `json:"uuid"`
	Name          string    `json:"name"`
	WebsocketPort *int      `json:"websocket_port,omitempty"`
	MqttPort      *int      `json:"mqtt_port,omitempty"`
	MqttEnabled   bool      `json:"mqtt_enabled"`
	DroneModel    string    `json:"drone_model,omitempty"`
	IsDefault     bool      `json:"is_default"`
	IsActive      bool      `json:"is_active"`
	IsConnected   bool      `json:"is_connected"`
}

func (d Device) Identity() DeviceIdentity {
	return DeviceIdentity{ID: d.ID, UUID: d.UUID}
}

type ChannelKind string

const (
	// ChannelPrimary carries flight controller telemetry.
	ChannelPrimary ChannelKind = "websocket"
	// ChannelSecondary carries environmental sensor readings.
	ChannelSecondary ChannelKind = "mqtt"
)

func (k ChannelKind) Valid() bool {
	return k == ChannelPrimary || k == ChannelSecondary
}

type Location struct {
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
	Altitude  string `json:"altitude"`
}

type DeviceState struct {
	DeviceID                      int            `json:"device_id"`
	Battery                       *string        `json:"battery,omitempty"`
	Location                      Location       `json:"location"`
	Heading                       float64        `json:"heading"`
	IsFlying                      bool           `json:"isFlying"`
	IsConnected                   bool           `json:"isConnected"`
	IsVirtualStickEngaged         bool           `json:"isVirtualStickEngaged"`
	IsVirtualStickAdvancedEngaged bool           `json:"isVirtualStickAdvancedEngaged"`
	SensorReading                 map[string]any `json:"sensorReading"`
	LastUpdate                    time.Time      `json:"lastUpdate"`
	Extra                         map[string]any `json:"extra"`
}

func NewDeviceState(deviceID int) DeviceState {
	return DeviceState{
		DeviceID:      deviceID,
		SensorReading: map[string]any{},
		Extra:         map[string]any{},
	}
}

// Clone returns a copy that shares no maps or pointers with s.
func (s DeviceState) Clone() DeviceState {
	c := s

	if s.Battery != nil {
		b := *s.Battery
		c.Battery = &b
	}

	c.SensorReading = make(map[string]any, len(s.SensorReading))
	for k, v := range s.SensorReading {
		c.SensorReading[k] = v
	}

	c.Extra = make(map[string]any, len(s.Extra))
	for k, v := range s.Extra {
		c.Extra[k] = v
	}

	return c
}

// Attribute names a field of DeviceState that raises its own change event.
type Attribute string

const (
	AttrBattery                       Attribute = "battery"
	AttrLocation                      Attribute = "location"
	AttrHeading                       Attribute = "heading"
	AttrIsFlying                      Attribute = "isFlying"
	AttrIsConnected                   Attribute = "isConnected"
	AttrIsVirtualStickEngaged         Attribute = "isVirtualStickEngaged"
	AttrIsVirtualStickAdvancedEngaged Attribute = "isVirtualStickAdvancedEngaged"
)

// FieldKind classifies a wire key before it is reconciled into state.
type FieldKind int

const (
	FieldOther FieldKind = iota
	FieldBattery
	FieldLocation
	FieldAttitude
	FieldHeading
	FieldIsFlying
	FieldIsConnected
	FieldIsVirtualStick
	FieldIsVirtualStickAdvanced
	FieldHeartbeat
)

// Update is one decoded frame, ready to be merged into a device's state.
type Update struct {
	DeviceID   int            `json:"device_id"`
	Channel    ChannelKind    `json:"channel"`
	Fields     map[string]any `json:"fields"`
	Heartbeat  bool           `json:"heartbeat,omitempty"`
	Raw        string         `json:"raw,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

type LogEntry struct {
	DeviceID   int         `json:"device_id"`
	Channel    ChannelKind `json:"channel"`
	Message    string      `json:"message"`
	ReceivedAt time.Time   `json:"received_at"`
}

type HistoryRecord struct {
	ID          int64          `json:"id"`
	DeviceID    int            `json:"device_id"`
	DataType    string         `json:"data_type"`
	DataContent map[string]any `json:"data_content"`
	ReceivedAt  time.Time      `json:"received_at"`
}
