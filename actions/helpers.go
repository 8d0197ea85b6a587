package actions

import (
	"fmt"
	"math"
)

// clamp(v, lo, hi) limits v to the closed range [lo, hi].
func clamp(args ...interface{}) (float64, error) {
	v, err := floatArgs("clamp", 3, args)
	if err != nil {
		return 0, err
	}
	if v[1] > v[2] {
		return 0, fmt.Errorf("clamp: lower bound %v above upper bound %v", v[1], v[2])
	}
	return math.Min(math.Max(v[0], v[1]), v[2]), nil
}

// slew(current, target, rate) moves current towards target by at most rate.
func slew(args ...interface{}) (float64, error) {
	v, err := floatArgs("slew", 3, args)
	if err != nil {
		return 0, err
	}
	current, target, rate := v[0], v[1], math.Abs(v[2])
	delta := target - current
	if delta > rate {
		delta = rate
	}
	if delta < -rate {
		delta = -rate
	}
	return current + delta, nil
}

func floatArgs(fn string, n int, args []interface{}) ([]float64, error) {
	if len(args) != n {
		return nil, fmt.Errorf("%s: want %d arguments, got %d", fn, n, len(args))
	}
	out := make([]float64, n)
	for i, arg := range args {
		f, err := toFloat(arg)
		if err != nil {
			return nil, fmt.Errorf("%s: argument %d: %w", fn, i+1, err)
		}
		out[i] = f
	}
	return out, nil
}
