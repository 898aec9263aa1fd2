package rpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Results and parameters arrive either as native Go values (in-process
// callers) or as decoded JSON (float64, base64 strings, RFC 3339 times). The
// helpers below accept both.

// AsBool coerces v to a bool.
func AsBool(v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		return strconv.ParseBool(val)
	case float64:
		return val != 0, nil
	case json.Number:
		n, err := val.Int64()
		return n != 0, err
	case int:
		return val != 0, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("rpc: cannot convert %T to bool", v)
	}
}

// AsString coerces v to a string.
func AsString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case nil:
		return "", nil
	case fmt.Stringer:
		return val.String(), nil
	default:
		return "", fmt.Errorf("rpc: cannot convert %T to string", v)
	}
}

// AsInt64 coerces v to an int64. Strings are parsed, which is how 64-bit
// offsets travel.
func AsInt64(v any) (int64, error) {
	switch val := v.(type) {
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint32:
		return int64(val), nil
	case float64:
		if val != math.Trunc(val) {
			return 0, fmt.Errorf("rpc: %v is not an integer", val)
		}
		return int64(val), nil
	case json.Number:
		return val.Int64()
	case string:
		return strconv.ParseInt(val, 10, 64)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("rpc: cannot convert %T to int64", v)
	}
}

// AsInt coerces v to an int.
func AsInt(v any) (int, error) {
	n, err := AsInt64(v)
	return int(n), err
}

// AsBytes coerces v to a byte slice. Strings are base64 (the JSON encoding
// of []byte).
func AsBytes(v any) ([]byte, error) {
	switch val := v.(type) {
	case []byte:
		return val, nil
	case string:
		return base64.StdEncoding.DecodeString(val)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("rpc: cannot convert %T to bytes", v)
	}
}

// AsTime coerces v to a time. Numbers are unix milliseconds.
func AsTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case *time.Time:
		if val == nil {
			return time.Time{}, nil
		}
		return *val, nil
	case string:
		if val == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, val)
	case nil:
		return time.Time{}, nil
	default:
		ms, err := AsInt64(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("rpc: cannot convert %T to time", v)
		}
		return time.UnixMilli(ms).UTC(), nil
	}
}

// AsMap coerces v to a string-keyed map.
func AsMap(v any) (map[string]any, error) {
	switch val := v.(type) {
	case map[string]any:
		return val, nil
	case nil:
		return map[string]any{}, nil
	default:
		return nil, fmt.Errorf("rpc: cannot convert %T to map", v)
	}
}

// AsStrings coerces v to a string slice.
func AsStrings(v any) ([]string, error) {
	switch val := v.(type) {
	case []string:
		return val, nil
	case []any:
		out := make([]string, 0, len(val))
		for i, item := range val {
			s, err := AsString(item)
			if err != nil {
				return nil, fmt.Errorf("rpc: element %d: %w", i, err)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("rpc: cannot convert %T to []string", v)
	}
}

// AsStringMap coerces v to a map of strings, used for output properties.
func AsStringMap(v any) (map[string]string, error) {
	switch val := v.(type) {
	case map[string]string:
		return val, nil
	case map[string]any:
		out := make(map[string]string, len(val))
		for k, item := range val {
			s, err := AsString(item)
			if err != nil {
				return nil, fmt.Errorf("rpc: key %q: %w", k, err)
			}
			out[k] = s
		}
		return out, nil
	case nil:
		return map[string]string{}, nil
	default:
		return nil, fmt.Errorf("rpc: cannot convert %T to map[string]string", v)
	}
}
