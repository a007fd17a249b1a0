// Package assertion parses and evaluates the --success-on and --failure-on
// conditions of the stream command.
package assertion

import (
	"fmt"
	"regexp"
	"strings"
)

type Operator string

const (
	OpEqual    Operator = "eq"
	OpNotEqual Operator = "ne"
	OpRegex    Operator = "regex"
	OpExists   Operator = "exists"
)

// Assertion is a condition on one dotted path of a stream message, for
// example "payload.action=opened". ExitCode is the code the stream exits
// with when it matches.
type Assertion struct {
	Path     string
	Operator Operator
	Value    string
	ExitCode int

	pattern *regexp.Regexp
}

func (a Assertion) String() string {
	switch a.Operator {
	case OpExists:
		return a.Path + " exists"
	case OpNotEqual:
		return a.Path + "!=" + a.Value
	case OpRegex:
		return a.Path + "=~" + a.Value
	default:
		return a.Path + "=" + a.Value
	}
}

// Parse accepts "path=value", "path!=value", "path=~regex" and
// "path exists".
func Parse(input string, exitCode int) (Assertion, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return Assertion{}, fmt.Errorf("assertion cannot be empty")
	}

	idx := strings.IndexRune(trimmed, '=')
	if idx < 0 {
		fields := strings.Fields(trimmed)
		if len(fields) != 2 || fields[1] != string(OpExists) {
			return Assertion{}, fmt.Errorf("expected 'path=value', 'path!=value', 'path=~regex', or 'path exists'")
		}
		return Assertion{Path: fields[0], Operator: OpExists, ExitCode: exitCode}, nil
	}

	op := OpEqual
	path := trimmed[:idx]
	if strings.HasSuffix(path, "!") {
		op = OpNotEqual
		path = strings.TrimSuffix(path, "!")
	}
	path = strings.TrimSpace(path)
	value := strings.TrimSpace(trimmed[idx+1:])
	if path == "" {
		return Assertion{}, fmt.Errorf("missing path before '='")
	}

	if op == OpEqual && strings.HasPrefix(value, "~") {
		expr := strings.TrimSpace(value[1:])
		if expr == "" {
			return Assertion{}, fmt.Errorf("missing regex pattern after '=~'")
		}
		pattern, err := regexp.Compile(expr)
		if err != nil {
			return Assertion{}, fmt.Errorf("invalid regex %q: %w", expr, err)
		}
		return Assertion{Path: path, Operator: OpRegex, Value: expr, ExitCode: exitCode, pattern: pattern}, nil
	}
	if value == "" {
		return Assertion{}, fmt.Errorf("missing value after '='")
	}
	return Assertion{Path: path, Operator: op, Value: value, ExitCode: exitCode}, nil
}

// ParseAll parses every input with the same exit code.
func ParseAll(inputs []string, exitCode int) ([]Assertion, error) {
	assertions := make([]Assertion, 0, len(inputs))
	for _, input := range inputs {
		a, err := Parse(input, exitCode)
		if err != nil {
			return nil, fmt.Errorf("invalid assertion %q: %w", input, err)
		}
		assertions = append(assertions, a)
	}
	return assertions, nil
}
