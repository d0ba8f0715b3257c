package state

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSnapshot(t *testing.T) {
	s := Default()
	assert.Equal(t, uint64(0), s.Seq)
	assert.True(t, s.ReceivedAt.IsZero())
	assert.Equal(t, float64(0), s.Temperature())

	v, ok := s.Number(TemperaturePath)
	require.True(t, ok)
	assert.Equal(t, float64(0), v)
}

func TestLookup(t *testing.T) {
	s := Snapshot{Fields: map[string]any{
		"temperature": map[string]any{"state": 42.0},
		"name":        "hub",
	}}

	v, ok := s.Lookup("temperature.state")
	require.True(t, ok)
	assert.Equal(t, 42.0, v)

	_, ok = s.Lookup("temperature.missing")
	assert.False(t, ok)

	_, ok = s.Lookup("name.state")
	assert.False(t, ok, "cannot descend into a string")

	_, ok = s.Lookup("")
	assert.False(t, ok)

	_, ok = Snapshot{}.Lookup("temperature")
	assert.False(t, ok)
}

func TestNumberConversions(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want float64
		ok   bool
	}{
		{"float64", 1.5, 1.5, true},
		{"float32", float32(2), 2, true},
		{"int", 3, 3, true},
		{"int64", int64(-4), -4, true},
		{"uint64", uint64(5), 5, true},
		{"json.Number", json.Number("6.25"), 6.25, true},
		{"string", "7", 0, false},
		{"nil", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Snapshot{Fields: map[string]any{"v": tt.in}}
			got, ok := s.Number("v")
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSnapshotMarshalJSON(t *testing.T) {
	s := Snapshot{Fields: map[string]any{"temperature": map[string]any{"state": 42.0}}, Seq: 9}
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"temperature":{"state":42}}`, string(data))
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	prev := map[string]any{
		"temperature": map[string]any{"state": 1.0, "unit": "C"},
		"battery":     80.0,
	}
	next := map[string]any{
		"temperature": map[string]any{"state": 2.0},
		"humidity":    55.0,
	}

	got := Merge(prev, next)

	assert.Equal(t, map[string]any{
		"temperature": map[string]any{"state": 2.0, "unit": "C"},
		"battery":     80.0,
		"humidity":    55.0,
	}, got)
	assert.Equal(t, 1.0, prev["temperature"].(map[string]any)["state"])
	assert.NotContains(t, prev, "humidity")
}

func TestMergeReplacesNonMapWithMap(t *testing.T) {
	got := Merge(map[string]any{"a": 1.0}, map[string]any{"a": map[string]any{"b": 2.0}})
	assert.Equal(t, map[string]any{"a": map[string]any{"b": 2.0}}, got)
}

func TestJSONDecoder(t *testing.T) {
	d := NewDecoder(JSONCodec{}, TemperaturePath)

	doc, err := d.Decode([]byte(`{"temperature":{"state":42}}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temperature": map[string]any{"state": 42.0}}, doc)
}

func TestJSONDecoderErrors(t *testing.T) {
	d := NewDecoder(JSONCodec{}, TemperaturePath)

	tests := []struct {
		name      string
		payload   string
		wantField string
	}{
		{"malformed", `{"temperature":`, ""},
		{"not an object", `[1,2,3]`, ""},
		{"null", `null`, ""},
		{"plain text", `Hello client`, ""},
		{"missing field", `{"humidity":40}`, TemperaturePath},
		{"non numeric", `{"temperature":{"state":"hot"}}`, TemperaturePath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode([]byte(tt.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDecode))

			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, CodecJSON, de.Codec)
			assert.Equal(t, tt.wantField, de.Field)
		})
	}
}

func TestDecoderWithoutRequiredFields(t *testing.T) {
	d := NewDecoder(nil)
	doc, err := d.Decode([]byte(`{"anything":true}`))
	require.NoError(t, err)
	assert.Equal(t, true, doc["anything"])
}

func TestCBORDecoder(t *testing.T) {
	codec, err := NewCodec(CodecCBOR)
	require.NoError(t, err)
	d := NewDecoder(codec, TemperaturePath)

	payload, err := cbor.Marshal(map[string]any{
		"temperature": map[string]any{"state": 42},
	})
	require.NoError(t, err)

	doc, err := d.Decode(payload)
	require.NoError(t, err)
	s := Snapshot{Fields: doc}
	assert.Equal(t, float64(42), s.Temperature())

	_, err = d.Decode([]byte{0xff, 0x00})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestNewCodec(t *testing.T) {
	c, err := NewCodec("")
	require.NoError(t, err)
	assert.Equal(t, CodecJSON, c.Name())

	c, err = NewCodec(CodecCBOR)
	require.NoError(t, err)
	assert.Equal(t, CodecCBOR, c.Name())

	_, err = NewCodec("xml")
	assert.Error(t, err)
}

func TestCacheReadReplace(t *testing.T) {
	c := NewCache(Default())
	assert.Equal(t, float64(0), c.Read().Temperature())

	first := c.Read()
	c.Replace(Snapshot{Fields: map[string]any{"temperature": map[string]any{"state": 42.0}}, Seq: 1})

	assert.Equal(t, float64(42), c.Read().Temperature())
	assert.Equal(t, uint64(1), c.Read().Seq)
	// A reader that already holds the old value keeps seeing it.
	assert.Equal(t, float64(0), first.Temperature())
}

func TestCacheConcurrentReadsNeverTorn(t *testing.T) {
	c := NewCache(Default())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 1000; i++ {
			c.Replace(Snapshot{
				Fields: map[string]any{"temperature": map[string]any{"state": float64(i)}},
				Seq:    uint64(i),
			})
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s := c.Read()
				// Seq and field always come from the same write.
				if s.Seq != 0 && float64(s.Seq) != s.Temperature() {
					t.Errorf("torn read: seq=%d temperature=%v", s.Seq, s.Temperature())
					return
				}
			}
		}()
	}
	wg.Wait()
}
