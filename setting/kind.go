package setting

import "fmt"

// Value enumerates the primitive types a setting can hold.
type Value interface {
	int | int32 | int64 | float32 | float64 | bool | string
}

// Kind identifies the primitive type stored inside a setting.
type Kind string

const (
	KindInt     Kind = "int"
	KindInt32   Kind = "int32"
	KindInt64   Kind = "int64"
	KindFloat32 Kind = "float"
	KindFloat64 Kind = "double"
	KindBool    Kind = "bool"
	KindString  Kind = "string"
)

// KindOf reports the kind for the type parameter T.
func KindOf[T Value]() Kind {
	var zero T
	switch any(zero).(type) {
	case int:
		return KindInt
	case int32:
		return KindInt32
	case int64:
		return KindInt64
	case float32:
		return KindFloat32
	case float64:
		return KindFloat64
	case bool:
		return KindBool
	default:
		return KindString
	}
}

// ParseKind resolves a configuration type name. Common aliases are accepted.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "int", "integer":
		return KindInt, nil
	case "int32":
		return KindInt32, nil
	case "int64", "long":
		return KindInt64, nil
	case "float", "float32":
		return KindFloat32, nil
	case "double", "float64", "number":
		return KindFloat64, nil
	case "bool", "boolean":
		return KindBool, nil
	case "string", "text":
		return KindString, nil
	default:
		return "", fmt.Errorf("unsupported setting type %q", name)
	}
}

// Numeric reports whether the kind holds an integer or floating point value.
func (k Kind) Numeric() bool {
	switch k {
	case KindInt, KindInt32, KindInt64, KindFloat32, KindFloat64:
		return true
	default:
		return false
	}
}
