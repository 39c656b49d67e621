package ixapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
)

// PropertyKey identifies a charger property on the cloud API
type PropertyKey string

const (
	ChargingEnable       PropertyKey = "chargingEnable"
	MaximumCurrent       PropertyKey = "maximumCurrent"
	TargetCurrent        PropertyKey = "targetCurrent"
	CurrentChargingPower PropertyKey = "currentChargingPower"
	ChargingCurrent      PropertyKey = "chargingCurrent"
	ChargingCurrentL2    PropertyKey = "chargingCurrentL2"
	ChargingCurrentL3    PropertyKey = "chargingCurrentL3"
	TotalEnergy          PropertyKey = "totalEnergy"
	SinglePhase          PropertyKey = "singlePhase"
	Signal               PropertyKey = "signal"
	ChargingStatus       PropertyKey = "chargingStatus"
)

// AllKeys is the fixed property set fetched on every full poll
var AllKeys = []PropertyKey{
	ChargingEnable,
	MaximumCurrent,
	TargetCurrent,
	CurrentChargingPower,
	ChargingCurrent,
	ChargingCurrentL2,
	ChargingCurrentL3,
	TotalEnergy,
	SinglePhase,
	Signal,
	ChargingStatus,
}

// Value is a single property value. The underlying value is one of
// nil, bool, float64 or string.
//
// The API returns either the bare value or an envelope {"value": V};
// UnmarshalJSON accepts both and always stores the inner value.
type Value struct {
	v any
}

// Null is the JSON null value
var Null = Value{}

// BoolValue wraps a boolean
func BoolValue(b bool) Value { return Value{v: b} }

// NumberValue wraps a number
func NumberValue(f float64) Value { return Value{v: f} }

// StringValue wraps a string
func StringValue(s string) Value { return Value{v: s} }

// ParseValue interprets a text payload (MQTT, CLI) as a value:
// true/false/on/off become booleans, numbers become numbers, anything else
// stays a string.
func ParseValue(s string) Value {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "true", "on":
		return BoolValue(true)
	case "false", "off":
		return BoolValue(false)
	case "null", "":
		return Null
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return NumberValue(f)
	}
	return StringValue(s)
}

// IsNull reports whether the value is JSON null
func (v Value) IsNull() bool {
	return v.v == nil
}

// Raw returns the underlying Go value
func (v Value) Raw() any {
	return v.v
}

// Bool interprets the value as a boolean. Non-boolean values are true only
// when their text form is "true" (case-insensitive).
func (v Value) Bool() (bool, error) {
	switch t := v.v.(type) {
	case nil:
		return false, fmt.Errorf("value is null")
	case bool:
		return t, nil
	case map[string]any, []any:
		return false, fmt.Errorf("cannot interpret %v as boolean", t)
	default:
		return strings.EqualFold(v.String(), "true"), nil
	}
}

// Float interprets the value as a number
func (v Value) Float() (float64, error) {
	switch t := v.v.(type) {
	case float64:
		return t, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot interpret %q as number", t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot interpret %v as number", t)
	}
}

// String returns the text form of the value
func (v Value) String() string {
	switch t := v.v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Equal reports whether both values hold the same underlying value
func (v Value) Equal(o Value) bool {
	switch a := v.v.(type) {
	case nil, bool, float64, string:
		return a == o.v
	default:
		return false
	}
}

// MarshalJSON encodes the bare value
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.v)
}

// UnmarshalJSON decodes a bare value or a {"value": V} envelope
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	if envelope, ok := raw.(map[string]any); ok {
		if inner, ok := envelope["value"]; ok {
			raw = inner
		}
	}

	v.v = raw
	return nil
}

// Snapshot maps property keys to their last known values
type Snapshot map[PropertyKey]Value

// Clone returns a shallow copy of the snapshot
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	return maps.Clone(s)
}

// Has reports whether the key is present with a non-null value
func (s Snapshot) Has(key PropertyKey) bool {
	v, ok := s[key]
	return ok && !v.IsNull()
}
