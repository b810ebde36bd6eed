package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EncodeValue converts a field value into the SQL argument stored for c.
// JSON columns are stored as text in both drivers.
func EncodeValue(c Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch c.Kind {
	case KindText:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("column %s: expected string, got %T", c.Name, v)
		}
		return s, nil
	case KindInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		}
		return nil, fmt.Errorf("column %s: expected integer, got %T", c.Name, v)
	case KindFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
		return nil, fmt.Errorf("column %s: expected number, got %T", c.Name, v)
	case KindJSONList, KindJSONMap:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("column %s: marshalling: %w", c.Name, err)
		}
		return string(b), nil
	case KindTime:
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("column %s: expected time, got %T", c.Name, v)
		}
		return t.UTC().Format(time.RFC3339), nil
	}
	return nil, fmt.Errorf("column %s: unsupported kind %d", c.Name, c.Kind)
}

// DecodeValue converts a scanned driver value into the row value handed to
// callers. Values that do not parse are passed through unchanged so the
// caller's mapping step can reject them.
func DecodeValue(c Column, raw any) any {
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}
	if raw == nil {
		return nil
	}
	s, isString := raw.(string)

	switch c.Kind {
	case KindInt:
		if isString {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n
			}
		}
		if f, ok := raw.(float64); ok {
			return int64(f)
		}
	case KindFloat:
		if isString {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
		if n, ok := raw.(int64); ok {
			return float64(n)
		}
	case KindJSONList, KindJSONMap:
		if isString {
			var v any
			if err := json.Unmarshal([]byte(s), &v); err == nil {
				return v
			}
		}
	case KindTime:
		if isString {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t.UTC()
			}
		}
	}
	return raw
}
