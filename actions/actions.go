// Package actions compiles configured repeating transforms into executor actions.
package actions

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/timzifer/tickset/bridge"
	"github.com/timzifer/tickset/config"
	"github.com/timzifer/tickset/setting"
)

// Action applies an expression to one setting each time it runs.
type Action struct {
	name       string
	setting    string
	every      time.Duration
	expression string
	apply      func() error
	logger     zerolog.Logger

	mu      sync.Mutex
	runs    uint64
	lastErr error
	lastRun time.Time
}

// Status summarises the activity of an action.
type Status struct {
	Name       string        `json:"name"`
	Setting    string        `json:"setting"`
	Every      time.Duration `json:"every"`
	Expression string        `json:"expression"`
	Runs       uint64        `json:"runs"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
}

// Compile builds the action described by cfg against the settings in reg.
func Compile(cfg config.ActionConfig, reg *setting.Registry, logger zerolog.Logger) (*Action, error) {
	expression := strings.TrimSpace(cfg.Expression)
	if expression == "" {
		return nil, fmt.Errorf("action %s: expression must not be empty", cfg.Name)
	}
	target, err := reg.Get(cfg.Setting)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", cfg.Name, err)
	}
	program, err := expr.Compile(expression, expr.Env(environment(target.Any(), target)), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("action %s: compile: %w", cfg.Name, err)
	}

	var apply func() error
	switch s := target.(type) {
	case *setting.Setting[int]:
		apply = bind(s, program)
	case *setting.Setting[int32]:
		apply = bind(s, program)
	case *setting.Setting[int64]:
		apply = bind(s, program)
	case *setting.Setting[float32]:
		apply = bind(s, program)
	case *setting.Setting[float64]:
		apply = bind(s, program)
	case *setting.Setting[bool]:
		apply = bind(s, program)
	case *setting.Setting[string]:
		apply = bind(s, program)
	default:
		return nil, fmt.Errorf("action %s: unsupported setting type %T", cfg.Name, target)
	}

	return &Action{
		name:       cfg.Name,
		setting:    cfg.Setting,
		every:      cfg.Every.Duration,
		expression: expression,
		apply:      apply,
		logger:     logger.With().Str("component", "action").Str("action", cfg.Name).Logger(),
	}, nil
}

// Name returns the configured action name.
func (a *Action) Name() string { return a.name }

// Every returns the repeat period.
func (a *Action) Every() time.Duration { return a.every }

// Run evaluates the expression and commits the result atomically. On failure
// the setting is left unchanged and the error is returned.
func (a *Action) Run() error {
	err := a.apply()
	a.mu.Lock()
	a.runs++
	a.lastRun = time.Now()
	a.lastErr = err
	a.mu.Unlock()
	if err != nil {
		a.logger.Error().Err(err).Msg("action failed")
		return err
	}
	a.logger.Trace().Str("setting", a.setting).Msg("action applied")
	return nil
}

// Status reports the activity counters of the action.
func (a *Action) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	status := Status{
		Name:       a.name,
		Setting:    a.setting,
		Every:      a.every,
		Expression: a.expression,
		Runs:       a.runs,
	}
	if !a.lastRun.IsZero() {
		last := a.lastRun
		status.LastRun = &last
	}
	if a.lastErr != nil {
		status.LastError = a.lastErr.Error()
	}
	return status
}

func bind[T setting.Value](s *setting.Setting[T], program *vm.Program) func() error {
	return func() error {
		_, err := s.Update(func(current T) (T, error) {
			out, err := expr.Run(program, environment(current, s))
			if err != nil {
				return current, err
			}
			return coerce[T](out)
		})
		return err
	}
}

func environment(value any, d setting.Descriptor) map[string]interface{} {
	return map[string]interface{}{
		"value": normalize(value),
		"name":  d.Name(),
		"id":    int(d.UUID16()),
		"atoi": func(s string) int {
			v, _ := bridge.ParseInt([]byte(s), strconv.IntSize)
			return int(v)
		},
		"atof": func(s string) float64 {
			v, _ := bridge.ParseFloat([]byte(s), 64)
			return v
		},
		"str": func(v interface{}) string {
			return format(v)
		},
		"clamp": clamp,
		"slew":  slew,
	}
}

func normalize(value any) any {
	switch v := value.(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float32:
		return float64(v)
	default:
		return value
	}
}

func format(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float32:
		return bridge.FormatFloat(float64(val), 32)
	case float64:
		return bridge.FormatFloat(val, 64)
	default:
		return fmt.Sprint(val)
	}
}

func coerce[T setting.Value](out interface{}) (T, error) {
	var zero T
	var result any
	var err error
	switch any(zero).(type) {
	case int:
		var n int64
		n, err = toInt(out, strconv.IntSize)
		result = int(n)
	case int32:
		var n int64
		n, err = toInt(out, 32)
		result = int32(n)
	case int64:
		result, err = toInt(out, 64)
	case float32:
		var f float64
		f, err = toFloat(out)
		result = float32(f)
	case float64:
		result, err = toFloat(out)
	case bool:
		b, ok := out.(bool)
		if !ok {
			err = fmt.Errorf("expression returned %T, want bool", out)
		}
		result = b
	case string:
		result = format(out)
	}
	if err != nil {
		return zero, err
	}
	return result.(T), nil
}

func toInt(out interface{}, bits int) (int64, error) {
	var n int64
	switch v := out.(type) {
	case int:
		n = int64(v)
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	case float32, float64:
		f, _ := toFloat(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("expression returned %v, want integer", f)
		}
		if f > math.MaxInt64 || f < math.MinInt64 {
			return 0, fmt.Errorf("expression result %v overflows int%d", f, bits)
		}
		n = int64(f)
	default:
		return 0, fmt.Errorf("expression returned %T, want integer", out)
	}
	if bits < 64 {
		limit := int64(1) << (bits - 1)
		if n >= limit || n < -limit {
			return 0, fmt.Errorf("expression result %d overflows int%d", n, bits)
		}
	}
	return n, nil
}

func toFloat(out interface{}) (float64, error) {
	switch v := out.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("expression returned %T, want number", out)
	}
}
