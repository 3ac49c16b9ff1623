package automation

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"ruleflow/internal/models"
)

// EvaluateConditions reports whether every condition holds against data.
// An empty list matches. Unknown operators evaluate true; type mismatches
// evaluate false rather than erroring.
func EvaluateConditions(conds []models.Condition, data map[string]interface{}) bool {
	for _, c := range conds {
		if !evaluateCondition(c, data) {
			return false
		}
	}
	return true
}

func evaluateCondition(cond models.Condition, data map[string]interface{}) bool {
	val, found := lookupPath(data, cond.Field)

	switch cond.Operator {
	case models.OpEquals:
		return found && looseEqual(val, cond.Value)
	case models.OpNotEquals:
		return !found || !looseEqual(val, cond.Value)
	case models.OpContains:
		return found && strings.Contains(stringify(val), stringify(cond.Value))
	case models.OpNotContains:
		return !found || !strings.Contains(stringify(val), stringify(cond.Value))
	case models.OpGreaterThan:
		a, b := toNumber(val, found), toNumber(cond.Value, true)
		return a > b // NaN compares false
	case models.OpLessThan:
		a, b := toNumber(val, found), toNumber(cond.Value, true)
		return a < b
	case models.OpIsSet:
		return isSet(val, found)
	case models.OpIsNotSet:
		return !isSet(val, found)
	case models.OpInList:
		list, ok := asList(cond.Value)
		if !ok || !found {
			return false
		}
		for _, item := range list {
			if looseEqual(val, item) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// LookupPath resolves a dot path in event data and renders the value as text.
// Numbers print without trailing zeros.
func LookupPath(data map[string]interface{}, path string) (string, bool) {
	v, ok := lookupPath(data, path)
	if !ok || v == nil {
		return "", false
	}
	return stringify(v), true
}

// lookupPath descends a dot path through nested maps and lists.
func lookupPath(data map[string]interface{}, path string) (interface{}, bool) {
	if path == "" || data == nil {
		return nil, false
	}
	var cur interface{} = data
	for _, key := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			next, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = next
		case models.JSONMap:
			next, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func isSet(v interface{}, found bool) bool {
	if !found || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	return true
}

func looseEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if isNumeric(a) && isNumeric(b) {
		return toNumber(a, true) == toNumber(b, true)
	}
	return stringify(a) == stringify(b)
}

func stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if isNumeric(v) {
		return strconv.FormatFloat(toNumber(v, true), 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

func isNumeric(v interface{}) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

// toNumber coerces v to float64 the lenient way: numeric strings parse, bools
// map to 0/1, the empty string is 0, anything else is NaN.
func toNumber(v interface{}, found bool) float64 {
	if !found || v == nil {
		return math.NaN()
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case bool:
		if n {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

func asList(v interface{}) ([]interface{}, bool) {
	if v == nil {
		return nil, false
	}
	if l, ok := v.([]interface{}); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
