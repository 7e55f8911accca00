package policy

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/turtacn/paygate/internal/domain/models"
)

// Evaluate runs the expression against attrs. Dotted fields walk nested maps; a missing field makes
// comparisons false.
func (e *Expression) Evaluate(attrs map[string]interface{}) (bool, error) {
	return evalNode(e.root, attrs)
}

func evalNode(n *node, attrs map[string]interface{}) (bool, error) {
	switch n.typ {
	case nodeAnd:
		l, err := evalNode(n.left, attrs)
		if err != nil || !l {
			return false, err
		}
		return evalNode(n.right, attrs)
	case nodeOr:
		l, err := evalNode(n.left, attrs)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return evalNode(n.right, attrs)
	case nodeNot:
		v, err := evalNode(n.left, attrs)
		return !v, err
	case nodeExists:
		v, ok := lookup(attrs, n.field)
		return ok && v != nil, nil
	case nodeTruthy:
		v, ok := lookup(attrs, n.field)
		return ok && truthy(v), nil
	case nodeCompare:
		return evalCompare(n, attrs)
	default:
		return false, fmt.Errorf("unknown node type %d", n.typ)
	}
}

func evalCompare(n *node, attrs map[string]interface{}) (bool, error) {
	left, ok := lookup(attrs, n.field)
	if !ok {
		return false, nil
	}
	if n.op == "MATCHES" {
		s, isString := left.(string)
		return isString && n.pattern.MatchString(s), nil
	}

	right := n.value.literal
	if n.value.isField {
		var found bool
		if right, found = lookup(attrs, n.value.field); !found {
			return false, nil
		}
	}

	switch n.op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	case ">", ">=", "<", "<=":
		cmp, err := compare(left, right)
		if err != nil {
			return false, fmt.Errorf("%s %s: %w", n.field, n.op, err)
		}
		switch n.op {
		case ">":
			return cmp > 0, nil
		case ">=":
			return cmp >= 0, nil
		case "<":
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case "IN":
		for _, item := range toList(right) {
			if equal(left, item) {
				return true, nil
			}
		}
		return false, nil
	case "CONTAINS":
		if list := toList(left); list != nil {
			for _, item := range list {
				if equal(item, right) {
					return true, nil
				}
			}
			return false, nil
		}
		return strings.Contains(toString(left), toString(right)), nil
	case "STARTS_WITH":
		return strings.HasPrefix(toString(left), toString(right)), nil
	case "ENDS_WITH":
		return strings.HasSuffix(toString(left), toString(right)), nil
	default:
		return false, fmt.Errorf("unknown operator %q", n.op)
	}
}

// lookup resolves a field. A flat key containing dots wins over a nested path.
func lookup(attrs map[string]interface{}, field string) (interface{}, bool) {
	if v, ok := attrs[field]; ok {
		return v, true
	}
	var current interface{} = attrs
	for _, part := range strings.Split(field, ".") {
		switch m := current.(type) {
		case map[string]interface{}:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		default:
			return nil, false
		}
	}
	return current, true
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

func toList(v interface{}) []interface{} {
	if v == nil {
		return nil
	}
	if l, ok := v.([]interface{}); ok {
		return l
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		if err == nil {
			return b
		}
		return t != ""
	}
	if f, ok := toNumber(v); ok {
		return f != 0
	}
	return true
}

func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
		if bs, ok := b.(string); ok {
			parsed, err := strconv.ParseBool(bs)
			return err == nil && parsed == ab
		}
		return false
	}
	if bb, ok := b.(bool); ok {
		return equal(bb, a)
	}
	_, aIsString := a.(string)
	_, bIsString := b.(string)
	if !(aIsString && bIsString) {
		if af, ok := toNumber(a); ok {
			if bf, ok := toNumber(b); ok {
				return af == bf
			}
		}
	}
	return toString(a) == toString(b)
}

// compare orders numbers numerically and severity names by rank.
func compare(a, b interface{}) (int, error) {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			sa, errA := models.ParseSeverity(as)
			sb, errB := models.ParseSeverity(bs)
			if errA == nil && errB == nil {
				return int(sa) - int(sb), nil
			}
		}
	}
	if sev, ok := a.(models.Severity); ok {
		a = sev.String()
		return compare(a, b)
	}
	af, okA := toNumber(a)
	bf, okB := toNumber(b)
	if !okA || !okB {
		return 0, fmt.Errorf("cannot order %T and %T", a, b)
	}
	switch {
	case af < bf:
		return -1, nil
	case af > bf:
		return 1, nil
	default:
		return 0, nil
	}
}
