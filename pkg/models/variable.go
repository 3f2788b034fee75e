package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// VariableType is the declared type of a flow variable.
type VariableType string

const (
	VariableString  VariableType = "string"
	VariableNumber  VariableType = "number"
	VariableBoolean VariableType = "boolean"
)

var ErrTypeMismatch = errors.New("value does not match variable type")

// Valid reports whether t is a supported variable type.
func (t VariableType) Valid() bool {
	return t == VariableString || t == VariableNumber || t == VariableBoolean
}

// Zero returns the zero value used when a variable has no default.
func (t VariableType) Zero() any {
	switch t {
	case VariableNumber:
		return float64(0)
	case VariableBoolean:
		return false
	default:
		return ""
	}
}

// Coerce converts value to the representation of t: string, float64 or bool.
func (t VariableType) Coerce(value any) (any, error) {
	switch t {
	case VariableString:
		switch v := value.(type) {
		case nil:
			return "", nil
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		default:
			return fmt.Sprint(v), nil
		}
	case VariableNumber:
		return coerceNumber(value)
	case VariableBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a boolean", ErrTypeMismatch, v)
			}

			return b, nil
		default:
			return nil, fmt.Errorf("%w: %T is not a boolean", ErrTypeMismatch, value)
		}
	default:
		return nil, fmt.Errorf("unknown variable type %q", t)
	}
}

func coerceNumber(value any) (any, error) {
	var f float64

	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case int32:
		f = float64(v)
	case uint64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrTypeMismatch, v)
		}

		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrTypeMismatch, v)
		}

		f = parsed
	default:
		return nil, fmt.Errorf("%w: %T is not a number", ErrTypeMismatch, value)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: %v is not a finite number", ErrTypeMismatch, f)
	}

	return f, nil
}

// Variable is a declared flow variable.
type Variable struct {
	Name    string       `json:"name"              yaml:"name"`
	Type    VariableType `json:"type"              yaml:"type"`
	Default any          `json:"default,omitempty" yaml:"default"`
}

// Initial returns the variable's starting value: its coerced default or the type's zero value.
func (v Variable) Initial() (any, error) {
	if v.Default == nil {
		return v.Type.Zero(), nil
	}

	return v.Type.Coerce(v.Default)
}
