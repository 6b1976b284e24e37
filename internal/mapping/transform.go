package mapping

import (
	"fmt"
	"strconv"
	"strings"
)

type transformFunc func(v any) (any, error)

// transforms post-process a resolved field value. A nil value passes through
// unchanged except where the transform defines a result for it.
var transforms = map[string]transformFunc{
	"count": func(v any) (any, error) {
		if arr, ok := v.([]any); ok {
			return len(arr), nil
		}
		return 0, nil
	},
	"sum": func(v any) (any, error) {
		if arr, ok := v.([]any); ok {
			var s float64
			for _, it := range arr {
				s += toFloat(it)
			}
			return s, nil
		}
		return toFloat(v), nil
	},
	"exists": func(v any) (any, error) { return v != nil, nil },
	"first": func(v any) (any, error) {
		if arr, ok := v.([]any); ok {
			if len(arr) > 0 {
				return arr[0], nil
			}
			return nil, nil
		}
		return v, nil
	},
	"to_number": func(v any) (any, error) {
		switch t := v.(type) {
		case nil:
			return nil, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", t)
			}
			return f, nil
		default:
			return toFloat(v), nil
		}
	},
	"to_string": func(v any) (any, error) {
		if v == nil {
			return nil, nil
		}
		return fmt.Sprintf("%v", v), nil
	},
	"lower": stringTransform(strings.ToLower),
	"upper": stringTransform(strings.ToUpper),
	"trim":  stringTransform(strings.TrimSpace),
}

func stringTransform(fn func(string) string) transformFunc {
	return func(v any) (any, error) {
		switch t := v.(type) {
		case nil:
			return nil, nil
		case string:
			return fn(t), nil
		}
		return nil, fmt.Errorf("%T is not a string", v)
	}
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case bool:
		if t {
			return 1
		}
	}
	return 0
}
