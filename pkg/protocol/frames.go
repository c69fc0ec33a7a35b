// Package protocol defines the wire format spoken between the device agent
// and the Hub. Every message is a JSON object discriminated by "type".
// This package is importable by Hub implementations and test doubles.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Protocol version. Sent in the register payload.
const ProtocolVersion = 2

// Message types
const (
	TypeRegister              = "register"
	TypeRegistered            = "registered"
	TypeEvents                = "events"
	TypeHeartbeat             = "heartbeat"
	TypePluginCommand         = "pluginCommand"
	TypePluginEvent           = "pluginEvent"
	TypePluginCommandResponse = "pluginCommandResponse"
	TypePluginStateChange     = "pluginStateChange"
	TypeError                 = "error"
)

// Legacy whole-payload rule updates. Each one replaces every rule of a
// single capability and maps onto one update_rules plugin command.
const (
	TypeUpdateMockRules       = "updateMockRules"
	TypeUpdateBreakpointRules = "updateBreakpointRules"
	TypeUpdateChaosRules      = "updateChaosRules"
	TypeUpdateNetworkRules    = "updateNetworkRules"
)

// Frame is the envelope of every message in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v interface{}) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", f.Type, err)
	}
	return nil
}

// Encode builds the wire bytes for a message of the given type.
// A nil payload produces a frame without a payload field.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	f := Frame{Type: msgType}
	if payload != nil {
		raw, ok := payload.(json.RawMessage)
		if !ok {
			b, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
			}
			raw = b
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}

// ParseFrame decodes raw bytes into a Frame. The payload is left undecoded.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("frame without type")
	}
	return f, nil
}
