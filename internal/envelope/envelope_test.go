package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderAssignsMonotonicIDs(t *testing.T) {
	b := NewBuilder("orch")
	e1 := b.New("alpha", KeyStart, nil, nil)
	e2 := b.New("alpha", KeyStart, nil, nil)

	assert.Equal(t, "orch_1", e1.ID)
	assert.Equal(t, "orch_2", e2.ID)
	assert.Equal(t, DefaultTTL, e1.TTL)
	assert.GreaterOrEqual(t, DefaultTTL, 3)
}

func TestConfirmAlwaysCarriesNoRepeat(t *testing.T) {
	b := NewBuilder("orch")
	c := b.Confirm("alpha", "alpha_7")

	assert.Equal(t, KeyConfirm, c.Key)
	assert.Equal(t, "alpha_7", c.Value)
	assert.True(t, c.HasFlag(FlagNoRepeat))
	assert.False(t, c.Repeatable())
}

func TestRepeatable(t *testing.T) {
	b := NewBuilder("orch")

	start := b.New("alpha", KeyStart, nil, nil)
	assert.True(t, start.Repeatable())

	noRepeat := b.New("alpha", KeyStop, nil, map[string]bool{FlagNoRepeat: true})
	assert.False(t, noRepeat.Repeatable())
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []Envelope{
		{To: "alpha", Key: KeyPing, ID: "x_1"},
		{Sender: "alpha", Key: KeyPing, ID: "x_1"},
		{Sender: "alpha", To: "orch", ID: "x_1"},
		{Sender: "alpha", To: "orch", Key: KeyPing},
	}
	for _, e := range cases {
		require.Error(t, Validate(e))
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	b := NewBuilder("orch")
	original := b.New("alpha", KeyStart, map[string]any{"step": float64(0)}, nil)

	data, err := Encode(original)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, original.Sender, decoded.Sender)
	assert.Equal(t, original.To, decoded.To)
	assert.Equal(t, original.Key, decoded.Key)
	assert.Equal(t, original.ID, decoded.ID)
	assert.Equal(t, original.TTL, decoded.TTL)
	assert.Equal(t, original.Value, decoded.Value)

	data2, err := Encode(decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(data2))
}

func TestDecodeRejectsMalformedOrMissingFields(t *testing.T) {
	_, err := Decode([]byte(`{"to":"orch","key":"PING","id":"a_1"}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestIsKnownKey(t *testing.T) {
	assert.True(t, IsKnown(KeyHandshake))
	assert.True(t, IsKnown(KeyStream))
	assert.False(t, IsKnown(Key("BOGUS")))
}

func TestAsStreamBatch(t *testing.T) {
	batch, ok := AsStreamBatch(map[string]any{
		"inner_key": "DATA",
		"payload":   []any{map[string]any{"subject": "s1"}},
	})
	require.True(t, ok)
	assert.Equal(t, KeyData, batch.InnerKey)
	assert.Len(t, batch.Payload, 1)

	_, ok = AsStreamBatch(map[string]any{"subject": "s1"})
	assert.False(t, ok)

	_, ok = AsStreamBatch("not a map")
	assert.False(t, ok)
}
