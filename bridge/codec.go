package bridge

import (
	"bytes"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/timzifer/tickset/setting"
)

// Codec converts between a setting value and its attribute payload.
//
// Decode never fails: malformed input is coerced and the second result is
// false so callers can account for the fallback.
type Codec[T setting.Value] interface {
	Encode(v T) []byte
	Decode(payload []byte) (T, bool)
}

// CodecFor returns the permissive text codec for T.
func CodecFor[T setting.Value]() Codec[T] {
	var zero T
	var codec any
	switch any(zero).(type) {
	case int:
		codec = intCodec[int]{bits: strconv.IntSize}
	case int32:
		codec = intCodec[int32]{bits: 32}
	case int64:
		codec = intCodec[int64]{bits: 64}
	case float32:
		codec = floatCodec[float32]{bits: 32}
	case float64:
		codec = floatCodec[float64]{bits: 64}
	case bool:
		codec = boolCodec{}
	default:
		codec = stringCodec{}
	}
	return codec.(Codec[T])
}

type intCodec[T int | int32 | int64] struct{ bits int }

func (c intCodec[T]) Encode(v T) []byte {
	return strconv.AppendInt(nil, int64(v), 10)
}

func (c intCodec[T]) Decode(payload []byte) (T, bool) {
	v, exact := ParseInt(payload, c.bits)
	return T(v), exact
}

type floatCodec[T float32 | float64] struct{ bits int }

func (c floatCodec[T]) Encode(v T) []byte {
	return []byte(FormatFloat(float64(v), c.bits))
}

func (c floatCodec[T]) Decode(payload []byte) (T, bool) {
	v, exact := ParseFloat(payload, c.bits)
	return T(v), exact
}

type boolCodec struct{}

var (
	trueLiteral  = []byte("true")
	falseLiteral = []byte("false")
)

func (boolCodec) Encode(v bool) []byte {
	if v {
		return append([]byte(nil), trueLiteral...)
	}
	return append([]byte(nil), falseLiteral...)
}

func (boolCodec) Decode(payload []byte) (bool, bool) {
	if bytes.Equal(payload, trueLiteral) {
		return true, true
	}
	return false, bytes.Equal(payload, falseLiteral)
}

type stringCodec struct{}

func (stringCodec) Encode(v string) []byte { return []byte(v) }

func (stringCodec) Decode(payload []byte) (string, bool) { return string(payload), true }

// ParseInt reads the longest integer prefix of payload: optional leading
// whitespace, an optional sign and decimal digits. Without digits the result
// is 0. Out of range values saturate at the limits of bitSize. The second
// result reports whether the whole payload was a plain integer.
func ParseInt(payload []byte, bitSize int) (int64, bool) {
	s := string(payload)
	i := skipSpace(s, 0)
	start := i
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	digits := i
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	if i == digits {
		return 0, false
	}
	v, err := strconv.ParseInt(s[start:i], 10, bitSize)
	return v, err == nil && start == 0 && i == len(s)
}

// ParseFloat reads the longest decimal floating point prefix of payload,
// including the words inf, infinity and nan. Without a numeric prefix the
// result is 0. The second result reports whether the whole payload parsed.
func ParseFloat(payload []byte, bitSize int) (float64, bool) {
	s := string(payload)
	start := skipSpace(s, 0)
	end := floatPrefix(s, start)
	if end == start {
		return 0, false
	}
	literal := s[start:end]
	exact := start == 0 && end == len(s)
	if unsigned := strings.TrimLeft(literal, "+-"); strings.EqualFold(unsigned, "nan") {
		return math.NaN(), exact
	}
	v, err := strconv.ParseFloat(literal, bitSize)
	if err != nil {
		// range errors still carry the saturated value
		if numErr, ok := err.(*strconv.NumError); ok && numErr.Err == strconv.ErrRange {
			return v, false
		}
		return 0, false
	}
	return v, exact
}

// FormatFloat renders v with the shortest representation that reads back to
// the same value at the given precision.
func FormatFloat(v float64, bitSize int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'g', -1, bitSize)
	}
	if bitSize == 32 {
		return decimal.NewFromFloat32(float32(v)).String()
	}
	return decimal.NewFromFloat(v).String()
}

func floatPrefix(s string, i int) int {
	start := i
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	for _, word := range []string{"infinity", "inf", "nan"} {
		if len(s)-i >= len(word) && strings.EqualFold(s[i:i+len(word)], word) {
			return i + len(word)
		}
	}
	mantissa := 0
	for i < len(s) && isDigit(s[i]) {
		i++
		mantissa++
	}
	if i < len(s) && s[i] == '.' {
		j := i + 1
		for j < len(s) && isDigit(s[j]) {
			j++
			mantissa++
		}
		if mantissa > 0 {
			i = j
		}
	}
	if mantissa == 0 {
		return start
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		exp := j
		for j < len(s) && isDigit(s[j]) {
			j++
		}
		if j > exp {
			i = j
		}
	}
	return i
}

func skipSpace(s string, i int) int {
	for i < len(s) {
		switch s[i] {
		case ' ', '\t', '\n', '\v', '\f', '\r':
			i++
		default:
			return i
		}
	}
	return i
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
