package protocol

import (
	"encoding/json"
	"time"
)

// DeviceInfo identifies the device and host application to the Hub.
type DeviceInfo struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName,omitempty"`
	Model      string `json:"model,omitempty"`
	Platform   string `json:"platform,omitempty"`
	OSVersion  string `json:"osVersion,omitempty"`
	AppName    string `json:"appName,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
	BundleID   string `json:"bundleId,omitempty"`
}

// PluginStateInfo is one plugin's state as reported during registration.
type PluginStateInfo struct {
	PluginID  string `json:"pluginId"`
	Version   string `json:"version,omitempty"`
	State     string `json:"state"`
	IsEnabled bool   `json:"isEnabled"`
}

// RegisterPayload opens a session. Sent once per connection attempt.
type RegisterPayload struct {
	ProtocolVersion int               `json:"protocolVersion"`
	Device          DeviceInfo        `json:"deviceInfo"`
	Token           string            `json:"token,omitempty"`
	PluginStates    []PluginStateInfo `json:"pluginStates"`
}

// RegisteredPayload is the Hub's reply to register.
type RegisteredPayload struct {
	SessionID string `json:"sessionId"`
}

// EventsPayload carries one batch of debug events, oldest first.
type EventsPayload struct {
	Events []json.RawMessage `json:"events"`
}

// HeartbeatPayload is the application-level keepalive.
type HeartbeatPayload struct {
	Timestamp Timestamp `json:"timestamp"`
}

// PluginCommandPayload is a Hub-originated command for one plugin.
type PluginCommandPayload struct {
	PluginID    string          `json:"pluginId"`
	CommandType string          `json:"commandType"`
	CommandID   string          `json:"commandId"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// PluginEventPayload is a plugin-originated event for the Hub.
type PluginEventPayload struct {
	PluginID  string          `json:"pluginId"`
	EventType string          `json:"eventType"`
	EventID   string          `json:"eventId"`
	Timestamp Timestamp       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PluginCommandResponsePayload answers a PluginCommandPayload.
type PluginCommandResponsePayload struct {
	PluginID  string          `json:"pluginId"`
	CommandID string          `json:"commandId"`
	Success   bool            `json:"success"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp Timestamp       `json:"timestamp"`
}

// PluginStateChangePayload reports an enabled-state or lifecycle change.
type PluginStateChangePayload struct {
	PluginID  string `json:"pluginId"`
	IsEnabled bool   `json:"isEnabled"`
	State     string `json:"state,omitempty"`
}

// ErrorPayload describes a protocol error from either side.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// timestampLayout is ISO-8601 with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp marshals as ISO-8601 with millisecond precision.
type Timestamp time.Time

// Now returns the current time as a Timestamp in UTC.
func Now() Timestamp { return Timestamp(time.Now().UTC()) }

// Time returns the underlying time.
func (t Timestamp) Time() time.Time { return time.Time(t) }

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).UTC().Format(timestampLayout) + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	*t = Timestamp(parsed)
	return nil
}
