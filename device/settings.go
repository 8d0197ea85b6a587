package device

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/timzifer/tickset/bridge"
	"github.com/timzifer/tickset/config"
	"github.com/timzifer/tickset/setting"
)

// BuildRegistry creates one typed setting per configuration entry.
func BuildRegistry(entries []config.SettingConfig) (*setting.Registry, error) {
	reg := setting.NewRegistry()
	for _, entry := range entries {
		desc, err := newSetting(entry)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(desc); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func newSetting(entry config.SettingConfig) (setting.Descriptor, error) {
	kind, err := setting.ParseKind(entry.Type)
	if err != nil {
		return nil, fmt.Errorf("setting %s: %w", entry.Name, err)
	}
	var desc setting.Descriptor
	switch kind {
	case setting.KindInt:
		var v int64
		v, err = intDefault(entry.Default, strconv.IntSize)
		desc = setting.New(entry.Name, entry.ID, int(v))
	case setting.KindInt32:
		var v int64
		v, err = intDefault(entry.Default, 32)
		desc = setting.New(entry.Name, entry.ID, int32(v))
	case setting.KindInt64:
		var v int64
		v, err = intDefault(entry.Default, 64)
		desc = setting.New(entry.Name, entry.ID, v)
	case setting.KindFloat32:
		var v float64
		v, err = floatDefault(entry.Default)
		desc = setting.New(entry.Name, entry.ID, float32(v))
	case setting.KindFloat64:
		var v float64
		v, err = floatDefault(entry.Default)
		desc = setting.New(entry.Name, entry.ID, v)
	case setting.KindBool:
		var v bool
		v, err = boolDefault(entry.Default)
		desc = setting.New(entry.Name, entry.ID, v)
	case setting.KindString:
		desc = setting.New(entry.Name, entry.ID, stringDefault(entry.Default))
	default:
		err = fmt.Errorf("unsupported kind %s", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("setting %s: default: %w", entry.Name, err)
	}
	return desc, nil
}

func intDefault(raw interface{}, bits int) (int64, error) {
	var n int64
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case int:
		n = int64(v)
	case int64:
		n = v
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("%d out of range", v)
		}
		n = int64(v)
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		n = int64(v)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, bits)
		if err != nil {
			return 0, err
		}
		n = parsed
	default:
		return 0, fmt.Errorf("unsupported value %T", raw)
	}
	if bits < 64 {
		limit := int64(1) << (bits - 1)
		if n >= limit || n < -limit {
			return 0, fmt.Errorf("%d overflows int%d", n, bits)
		}
	}
	return n, nil
}

func floatDefault(raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, fmt.Errorf("unsupported value %T", raw)
	}
}

func boolDefault(raw interface{}) (bool, error) {
	switch v := raw.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	default:
		return false, fmt.Errorf("unsupported value %T", raw)
	}
}

func stringDefault(raw interface{}) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return bridge.FormatFloat(v, 64)
	default:
		return fmt.Sprint(v)
	}
}

// publish binds a registered setting to the bridge with the codec of its type.
func publish(b *bridge.Bridge, desc setting.Descriptor) error {
	switch s := desc.(type) {
	case *setting.Setting[int]:
		return bridge.AddSetting(b, s)
	case *setting.Setting[int32]:
		return bridge.AddSetting(b, s)
	case *setting.Setting[int64]:
		return bridge.AddSetting(b, s)
	case *setting.Setting[float32]:
		return bridge.AddSetting(b, s)
	case *setting.Setting[float64]:
		return bridge.AddSetting(b, s)
	case *setting.Setting[bool]:
		return bridge.AddSetting(b, s)
	case *setting.Setting[string]:
		return bridge.AddSetting(b, s)
	default:
		return fmt.Errorf("setting %s: unsupported type %T", desc.Name(), desc)
	}
}
