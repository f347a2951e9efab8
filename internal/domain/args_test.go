package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgSpecDecode(t *testing.T) {
	raw := []byte(`{
		"region": "eu",
		"limit": 10,
		"who": "INPUT_BY_CALLER",
		"param": "FROM_PARAMETER",
		"page": {"$kind": "overridable", "default": 1},
		"mode": {"$kind": "fixed", "value": {"$kind": "nested"}},
		"hole": {"$kind": "placeholder"},
		"plain": {"a": 1}
	}`)

	var specs map[string]ArgSpec
	require.NoError(t, json.Unmarshal(raw, &specs))

	assert.Equal(t, Fixed("eu"), specs["region"])
	assert.Equal(t, Fixed(float64(10)), specs["limit"])
	assert.True(t, specs["who"].IsPlaceholder())
	assert.True(t, specs["param"].IsPlaceholder())
	assert.Equal(t, Overridable(float64(1)), specs["page"])
	assert.Equal(t, Fixed(map[string]any{"$kind": "nested"}), specs["mode"])
	assert.True(t, specs["hole"].IsPlaceholder())
	assert.Equal(t, Fixed(map[string]any{"a": float64(1)}), specs["plain"])
}

func TestArgSpecUnknownKind(t *testing.T) {
	var a ArgSpec
	err := json.Unmarshal([]byte(`{"$kind":"weird"}`), &a)
	assert.Error(t, err)
}

func TestArgSpecEncodeDecodeKeepsKind(t *testing.T) {
	in := map[string]ArgSpec{
		"a": Fixed("x"),
		"b": Overridable(float64(2)),
		"c": Placeholder(),
	}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out map[string]ArgSpec
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestArgSpecFixedSentinelStaysFixed(t *testing.T) {
	in := map[string]ArgSpec{
		"who":  Fixed("INPUT_BY_CALLER"),
		"from": Fixed("FROM_PARAMETER"),
		"mode": Fixed(map[string]any{"$kind": "nested"}),
	}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(b), `{"$kind":"fixed","value":"INPUT_BY_CALLER"}`)

	var out map[string]ArgSpec
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
	assert.False(t, out["who"].IsPlaceholder())
}

func TestEnvelopeRunTime(t *testing.T) {
	trigger := int64(1_700_000_000_000)
	env := TaskEnvelope{TriggerTime: trigger}
	assert.Equal(t, trigger, env.RunTime().UnixMilli())

	env.Delay = 30
	assert.Equal(t, trigger+30_000, env.RunTime().UnixMilli())

	eta := time.UnixMilli(trigger).Add(time.Hour)
	env = TaskEnvelope{TriggerTime: trigger, ETA: &eta}
	assert.True(t, env.RunTime().Equal(eta))
}

func TestOriginValid(t *testing.T) {
	for _, o := range Origins {
		assert.True(t, o.Valid(), o)
	}
	assert.False(t, Origin("webhook").Valid())
}
