package ixapi

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueDecodesBareAndEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		bare     string
		envelope string
	}{
		{name: "boolean", bare: `true`, envelope: `{"value": true}`},
		{name: "number", bare: `16`, envelope: `{"value": 16}`},
		{name: "fraction", bare: `7.345`, envelope: `{"value": 7.345}`},
		{name: "string", bare: `"CHARGING"`, envelope: `{"value": "CHARGING"}`},
		{name: "null", bare: `null`, envelope: `{"value": null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var bare, wrapped Value
			require.NoError(t, json.Unmarshal([]byte(tt.bare), &bare))
			require.NoError(t, json.Unmarshal([]byte(tt.envelope), &wrapped))
			assert.True(t, bare.Equal(wrapped), "bare %v != envelope %v", bare.Raw(), wrapped.Raw())
		})
	}
}

func TestSnapshotDecodesMixedForms(t *testing.T) {
	var snapshot Snapshot
	body := `{
		"chargingEnable": {"value": false},
		"maximumCurrent": 32,
		"chargingStatus": "IDLE",
		"signal": null
	}`
	require.NoError(t, json.Unmarshal([]byte(body), &snapshot))

	enabled, err := snapshot[ChargingEnable].Bool()
	require.NoError(t, err)
	assert.False(t, enabled)

	maxCurrent, err := snapshot[MaximumCurrent].Float()
	require.NoError(t, err)
	assert.Equal(t, 32.0, maxCurrent)

	assert.Equal(t, "IDLE", snapshot[ChargingStatus].String())

	_, present := snapshot[Signal]
	assert.True(t, present)
	assert.False(t, snapshot.Has(Signal))
	assert.True(t, snapshot.Has(MaximumCurrent))
	assert.False(t, snapshot.Has(TotalEnergy))
}

func TestValueCoercion(t *testing.T) {
	b, err := StringValue("True").Bool()
	require.NoError(t, err)
	assert.True(t, b)

	b, err = NumberValue(1).Bool()
	require.NoError(t, err)
	assert.False(t, b)

	_, err = Null.Bool()
	assert.Error(t, err)

	f, err := StringValue(" 12.5 ").Float()
	require.NoError(t, err)
	assert.Equal(t, 12.5, f)

	_, err = StringValue("twelve").Float()
	assert.Error(t, err)

	var nested Value
	require.NoError(t, json.Unmarshal([]byte(`{"unit": "A"}`), &nested))
	_, err = nested.Float()
	assert.Error(t, err)
}

func TestParseValue(t *testing.T) {
	assert.True(t, ParseValue("ON").Equal(BoolValue(true)))
	assert.True(t, ParseValue("false").Equal(BoolValue(false)))
	assert.True(t, ParseValue("16").Equal(NumberValue(16)))
	assert.True(t, ParseValue(" 6.5 ").Equal(NumberValue(6.5)))
	assert.True(t, ParseValue("IDLE").Equal(StringValue("IDLE")))
	assert.True(t, ParseValue("").IsNull())
}

func TestValueMarshal(t *testing.T) {
	data, err := json.Marshal(map[PropertyKey]Value{SinglePhase: BoolValue(true)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"singlePhase": true}`, string(data))
}
