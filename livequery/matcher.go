package livequery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// evaluate a decoded constraint tree against a record
//
// a constraint tree maps a field path (dotted for nested fields) to either
// a literal, meaning equality, or an operator object where every key is one
// of the recognized `$` operators. top-level entries are AND-ed.
//
// pure and deterministic. an unrecognized operator is a hard failure,
// never a silent non-match.
func Matches(record Record, where map[string]any) (bool, error) {
	if record == nil {
		return false, nil
	}
	for path, constraint := range where {
		matched, err := matchesPath(record, path, constraint)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

// ValidateWhere walks a constraint tree and verifies every operator object
// uses only recognized operators with well-formed operands. Used to reject
// a bad query at subscribe time instead of at event time.
func ValidateWhere(where map[string]any) error {
	for _, constraint := range where {
		operators, ok := operatorConstraint(constraint)
		if !ok {
			continue
		}
		if err := validateOperators(operators); err != nil {
			return err
		}
	}
	return nil
}

func matchesPath(record Record, path string, constraint any) (bool, error) {
	value := fieldValue(record, path)
	if operators, ok := operatorConstraint(constraint); ok {
		return matchesOperators(value, operators)
	}
	// implicit equality
	return valuesEqual(value, constraint), nil
}

func fieldValue(record Record, path string) any {
	var value any = map[string]any(record)
	for _, part := range strings.Split(path, ".") {
		m, ok := value.(map[string]any)
		if !ok {
			return nil
		}
		value = m[part]
	}
	return value
}

// a constraint is an operator object when it is a non-empty map
// and every key starts with `$`
func operatorConstraint(constraint any) (map[string]any, bool) {
	m, ok := constraint.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for key := range m {
		if !strings.HasPrefix(key, "$") {
			return nil, false
		}
	}
	return m, true
}

func validateOperators(operators map[string]any) error {
	for operator, operand := range operators {
		switch operator {
		case "$eq", "$ne", "$lt", "$lte", "$gt", "$gte":
		case "$in", "$nin", "$all":
			if _, ok := operand.([]any); !ok {
				return fmt.Errorf("%s requires an array operand", operator)
			}
		case "$exists":
			if _, ok := operand.(bool); !ok {
				return fmt.Errorf("$exists requires a boolean operand")
			}
		case "$regex":
			pattern, ok := operand.(string)
			if !ok {
				return fmt.Errorf("$regex requires a string operand")
			}
			if _, err := compileRegex(pattern, operators["$options"]); err != nil {
				return err
			}
		case "$options":
			if _, ok := operators["$regex"]; !ok {
				return fmt.Errorf("$options requires $regex")
			}
		default:
			return fmt.Errorf("unsupported operator %s", operator)
		}
	}
	return nil
}

func matchesOperators(value any, operators map[string]any) (bool, error) {
	if _, ok := operators["$options"]; ok {
		if _, ok := operators["$regex"]; !ok {
			return false, fmt.Errorf("$options requires $regex")
		}
	}
	for operator, operand := range operators {
		matched, err := matchesOperator(value, operator, operand, operators)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func matchesOperator(value any, operator string, operand any, operators map[string]any) (bool, error) {
	switch operator {
	case "$eq":
		return valuesEqual(value, operand), nil
	case "$ne":
		return !valuesEqual(value, operand), nil
	case "$lt", "$lte", "$gt", "$gte":
		return compareValues(value, operand, operator), nil
	case "$in":
		items, ok := operand.([]any)
		if !ok {
			return false, fmt.Errorf("$in requires an array operand")
		}
		return containsValue(items, value), nil
	case "$nin":
		items, ok := operand.([]any)
		if !ok {
			return false, fmt.Errorf("$nin requires an array operand")
		}
		return !containsValue(items, value), nil
	case "$exists":
		exists, ok := operand.(bool)
		if !ok {
			return false, fmt.Errorf("$exists requires a boolean operand")
		}
		if exists {
			return value != nil, nil
		}
		return value == nil, nil
	case "$all":
		items, ok := operand.([]any)
		if !ok {
			return false, fmt.Errorf("$all requires an array operand")
		}
		values, ok := value.([]any)
		if !ok {
			return false, nil
		}
		for _, item := range items {
			if !containsValue(values, item) {
				return false, nil
			}
		}
		return true, nil
	case "$regex":
		pattern, ok := operand.(string)
		if !ok {
			return false, fmt.Errorf("$regex requires a string operand")
		}
		s, ok := value.(string)
		if !ok {
			return false, nil
		}
		re, err := compileRegex(pattern, operators["$options"])
		if err != nil {
			return false, err
		}
		return re.MatchString(s), nil
	case "$options":
		// modifier consumed by $regex
		return true, nil
	default:
		return false, fmt.Errorf("unsupported operator %s", operator)
	}
}

func compileRegex(pattern string, options any) (*regexp.Regexp, error) {
	if options != nil {
		flags, ok := options.(string)
		if !ok {
			return nil, fmt.Errorf("$options requires a string operand")
		}
		for _, flag := range flags {
			switch flag {
			case 'i', 'm', 's':
			default:
				return nil, fmt.Errorf("unsupported $options flag %c", flag)
			}
		}
		if flags != "" {
			pattern = fmt.Sprintf("(?%s)%s", flags, pattern)
		}
	}
	return regexp.Compile(pattern)
}

func containsValue(items []any, value any) bool {
	for _, item := range items {
		if valuesEqual(value, item) {
			return true
		}
	}
	return false
}

// deep equality over decoded JSON values.
// numbers compare by value regardless of the decoded Go type
func valuesEqual(a any, b any) bool {
	if aNumber, ok := numericValue(a); ok {
		bNumber, ok := numericValue(b)
		return ok && aNumber == bNumber
	}
	switch bValue := b.(type) {
	case []any:
		aValue, ok := a.([]any)
		if !ok || len(aValue) != len(bValue) {
			return false
		}
		for i := range bValue {
			if !valuesEqual(aValue[i], bValue[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		aValue, ok := a.(map[string]any)
		if !ok || len(aValue) != len(bValue) {
			return false
		}
		for key, value := range bValue {
			aEntry, ok := aValue[key]
			if !ok || !valuesEqual(aEntry, value) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func numericValue(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ordered comparison for $lt/$lte/$gt/$gte.
// defined for numbers and strings; anything else never matches
func compareValues(value any, operand any, operator string) bool {
	if aNumber, ok := numericValue(value); ok {
		bNumber, ok := numericValue(operand)
		if !ok {
			return false
		}
		switch operator {
		case "$lt":
			return aNumber < bNumber
		case "$lte":
			return aNumber <= bNumber
		case "$gt":
			return aNumber > bNumber
		case "$gte":
			return aNumber >= bNumber
		}
		return false
	}
	aString, ok := value.(string)
	if !ok {
		return false
	}
	bString, ok := operand.(string)
	if !ok {
		return false
	}
	switch operator {
	case "$lt":
		return aString < bString
	case "$lte":
		return aString <= bString
	case "$gt":
		return aString > bString
	case "$gte":
		return aString >= bString
	}
	return false
}

// QueryHash is a stable fingerprint of (className, where) used to
// deduplicate structurally identical subscriptions. Key order never
// affects the result. Not a security boundary.
func QueryHash(className string, where map[string]any) string {
	var out strings.Builder
	writeCanonical(&out, where)
	sum := sha256.Sum256([]byte(className + "|" + out.String()))
	return hex.EncodeToString(sum[:])
}

func writeCanonical(out *strings.Builder, value any) {
	switch v := value.(type) {
	case map[string]any:
		keys := maps.Keys(v)
		slices.Sort(keys)
		out.WriteByte('{')
		for i, key := range keys {
			if 0 < i {
				out.WriteByte(',')
			}
			keyJson, _ := json.Marshal(key)
			out.Write(keyJson)
			out.WriteByte(':')
			writeCanonical(out, v[key])
		}
		out.WriteByte('}')
	case []any:
		out.WriteByte('[')
		for i, item := range v {
			if 0 < i {
				out.WriteByte(',')
			}
			writeCanonical(out, item)
		}
		out.WriteByte(']')
	default:
		valueJson, err := json.Marshal(v)
		if err != nil {
			fmt.Fprintf(out, "%v", v)
			return
		}
		out.Write(valueJson)
	}
}
