package bridge

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseIntPrefixSemantics(t *testing.T) {
	cases := []struct {
		payload string
		want    int64
		exact   bool
	}{
		{"42", 42, true},
		{"-7", -7, true},
		{"+5", 5, true},
		{"  12", 12, false},
		{"12abc", 12, false},
		{"abc", 0, false},
		{"", 0, false},
		{"-", 0, false},
		{"3.9", 3, false},
		{"\t\n-15 apples", -15, false},
	}
	for _, tc := range cases {
		got, exact := ParseInt([]byte(tc.payload), 64)
		require.Equal(t, tc.want, got, "payload %q", tc.payload)
		require.Equal(t, tc.exact, exact, "payload %q", tc.payload)
	}
}

func TestParseIntSaturates(t *testing.T) {
	got, exact := ParseInt([]byte("99999999999"), 32)
	require.Equal(t, int64(math.MaxInt32), got)
	require.False(t, exact)

	got, _ = ParseInt([]byte("-99999999999"), 32)
	require.Equal(t, int64(math.MinInt32), got)
}

func TestParseFloatPrefixSemantics(t *testing.T) {
	cases := []struct {
		payload string
		want    float64
		exact   bool
	}{
		{"0.85", 0.85, true},
		{"-1.5e3", -1500, true},
		{"1e", 1, false},
		{"2.5kg", 2.5, false},
		{".5", 0.5, true},
		{"7.", 7, true},
		{"abc", 0, false},
		{"", 0, false},
		{".", 0, false},
		{" 3", 3, false},
		{"inf", math.Inf(1), true},
		{"-Infinity", math.Inf(-1), true},
	}
	for _, tc := range cases {
		got, exact := ParseFloat([]byte(tc.payload), 64)
		require.Equal(t, tc.want, got, "payload %q", tc.payload)
		require.Equal(t, tc.exact, exact, "payload %q", tc.payload)
	}

	nan, exact := ParseFloat([]byte("nan"), 64)
	require.True(t, math.IsNaN(nan))
	require.True(t, exact)
}

func TestFormatFloat(t *testing.T) {
	require.Equal(t, "0.85", FormatFloat(float64(float32(0.85)), 32))
	require.Equal(t, "10.35", FormatFloat(10.35, 64))
	require.Equal(t, "10", FormatFloat(10, 64))
	require.Equal(t, "NaN", FormatFloat(math.NaN(), 64))
	require.Equal(t, "+Inf", FormatFloat(math.Inf(1), 64))
}

func TestIntCodec(t *testing.T) {
	codec := CodecFor[int]()
	require.Equal(t, []byte("15"), codec.Encode(15))
	v, exact := codec.Decode([]byte("42"))
	require.Equal(t, 42, v)
	require.True(t, exact)
	v, exact = codec.Decode([]byte("abc"))
	require.Equal(t, 0, v)
	require.False(t, exact)

	small := CodecFor[int32]()
	v32, _ := small.Decode([]byte("4294967296"))
	require.Equal(t, int32(math.MaxInt32), v32)

	wide := CodecFor[int64]()
	require.Equal(t, []byte("-9000000000"), wide.Encode(-9000000000))
}

func TestFloatCodecsRoundTrip(t *testing.T) {
	single := CodecFor[float32]()
	payload := single.Encode(0.85)
	require.Equal(t, []byte("0.85"), payload)
	back, exact := single.Decode(payload)
	require.Equal(t, float32(0.85), back)
	require.True(t, exact)

	double := CodecFor[float64]()
	value, exact := double.Decode([]byte("10.7"))
	require.Equal(t, 10.7, value)
	require.True(t, exact)
	require.Equal(t, []byte("10.7"), double.Encode(value))
}

func TestBoolCodecIsStrict(t *testing.T) {
	codec := CodecFor[bool]()
	cases := map[string]struct {
		want  bool
		exact bool
	}{
		"true":  {true, true},
		"false": {false, true},
		"TRUE":  {false, false},
		"1":     {false, false},
		"true ": {false, false},
		"":      {false, false},
	}
	for payload, tc := range cases {
		got, exact := codec.Decode([]byte(payload))
		require.Equal(t, tc.want, got, "payload %q", payload)
		require.Equal(t, tc.exact, exact, "payload %q", payload)
	}
	require.Equal(t, []byte("true"), codec.Encode(true))
	require.Equal(t, []byte("false"), codec.Encode(false))
}

func TestStringCodecIsVerbatim(t *testing.T) {
	codec := CodecFor[string]()
	got, exact := codec.Decode([]byte(" raw\x00bytes "))
	require.Equal(t, " raw\x00bytes ", got)
	require.True(t, exact)
	require.Equal(t, []byte("124"), codec.Encode("124"))
}

func TestAttributeUUID(t *testing.T) {
	require.Equal(t, "00000000-0000-1000-8000-00805f9b34fb", AttributeUUID(0x0000).String())
	require.Equal(t, "00000004-0000-1000-8000-00805f9b34fb", AttributeUUID(0x0004).String())
	require.Equal(t, "0000abcd-0000-1000-8000-00805f9b34fb", AttributeUUID(0xabcd).String())

	id, ok := ShortID(AttributeUUID(0x1234))
	require.True(t, ok)
	require.Equal(t, uint16(0x1234), id)

	_, ok = ShortID(baseUUID)
	require.True(t, ok)
}

func TestPropertyString(t *testing.T) {
	require.Equal(t, "read|write|notify", (PropRead | PropWrite | PropNotify).String())
	require.Equal(t, "none", Property(0).String())
	require.True(t, (PropRead | PropWrite).Has(PropWrite))
	require.False(t, PropRead.Has(PropNotify))
}
