package assertion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Match evaluates a against one JSON message.
func (a Assertion) Match(data []byte) (bool, error) {
	payload, err := decode(data)
	if err != nil {
		return false, err
	}
	return a.match(payload)
}

// First returns the first assertion matching data. The message is decoded
// once for all of them.
func First(data []byte, assertions []Assertion) (Assertion, bool, error) {
	if len(assertions) == 0 {
		return Assertion{}, false, nil
	}
	payload, err := decode(data)
	if err != nil {
		return Assertion{}, false, err
	}
	for _, a := range assertions {
		ok, err := a.match(payload)
		if err != nil {
			return Assertion{}, false, err
		}
		if ok {
			return a, true, nil
		}
	}
	return Assertion{}, false, nil
}

func decode(data []byte) (any, error) {
	var payload any
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (a Assertion) match(payload any) (bool, error) {
	value, ok := valueAtPath(payload, a.Path)
	if a.Operator == OpExists {
		return ok, nil
	}
	if !ok {
		return a.Operator == OpNotEqual, nil
	}

	str, scalar := stringifyScalar(value)
	switch a.Operator {
	case OpEqual:
		return scalar && str == a.Value, nil
	case OpNotEqual:
		return !scalar || str != a.Value, nil
	case OpRegex:
		if !scalar {
			return false, nil
		}
		pattern := a.pattern
		if pattern == nil {
			var err error
			if pattern, err = regexp.Compile(a.Value); err != nil {
				return false, err
			}
		}
		return pattern.MatchString(str), nil
	default:
		return false, fmt.Errorf("unknown operator %q", a.Operator)
	}
}

// valueAtPath walks dotted paths; numeric segments index arrays.
func valueAtPath(payload any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	current := payload
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			child, ok := node[part]
			if !ok {
				return nil, false
			}
			current = child
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func stringifyScalar(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	case nil:
		return "null", true
	default:
		return "", false
	}
}
