package capability

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"unicode/utf8"

	xerrors "AgentChain/internal/errors"
)

// ValidateSchema 对 payload 执行结构化校验，失败时返回 SCHEMA_VIOLATION。
//
// 支持 JSON Schema 的常用子集：type、properties、required、enum、items、
// additionalProperties(false)、minLength/maxLength、minimum/maximum。
func ValidateSchema(schema map[string]any, payload any) error {
	if len(schema) == 0 {
		return nil
	}
	if err := validateNode(schema, normalize(payload), "$"); err != nil {
		return err
	}
	return nil
}

func violation(path, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)
	return xerrors.New(xerrors.CodeSchemaViolation, fmt.Sprintf("%s: %s", path, detail),
		xerrors.WithMetadata("path", path))
}

func validateNode(schema map[string]any, value any, path string) error {
	if types := schemaTypes(schema["type"]); len(types) > 0 {
		matched := false
		for _, typ := range types {
			if matchesType(typ, value) {
				matched = true
				break
			}
		}
		if !matched {
			return violation(path, "expected %s, got %s", strings.Join(types, "|"), describe(value))
		}
	}

	if rawEnum, ok := schema["enum"]; ok {
		options, _ := normalize(rawEnum).([]any)
		if len(options) > 0 && !containsValue(options, value) {
			return violation(path, "value %v not in enum", value)
		}
	}

	switch v := value.(type) {
	case map[string]any:
		return validateObject(schema, v, path)
	case []any:
		if items, ok := normalize(schema["items"]).(map[string]any); ok {
			for i, item := range v {
				if err := validateNode(items, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	case string:
		length := utf8.RuneCountInString(v)
		if min, ok := toFloat(schema["minLength"]); ok && float64(length) < min {
			return violation(path, "length %d shorter than %v", length, min)
		}
		if max, ok := toFloat(schema["maxLength"]); ok && float64(length) > max {
			return violation(path, "length %d longer than %v", length, max)
		}
	default:
		if num, isNum := toFloat(value); isNum {
			if min, ok := toFloat(schema["minimum"]); ok && num < min {
				return violation(path, "%v below minimum %v", num, min)
			}
			if max, ok := toFloat(schema["maximum"]); ok && num > max {
				return violation(path, "%v above maximum %v", num, max)
			}
		}
	}
	return nil
}

func validateObject(schema map[string]any, obj map[string]any, path string) error {
	for _, name := range stringList(schema["required"]) {
		if _, ok := obj[name]; !ok {
			return violation(path, "missing required field %q", name)
		}
	}

	props, _ := normalize(schema["properties"]).(map[string]any)
	closed := false
	if additional, ok := schema["additionalProperties"].(bool); ok && !additional {
		closed = true
	}

	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		child, declared := props[key]
		if !declared {
			if closed {
				return violation(path, "unexpected field %q", key)
			}
			continue
		}
		childSchema, ok := child.(map[string]any)
		if !ok {
			continue
		}
		if err := validateNode(childSchema, obj[key], path+"."+key); err != nil {
			return err
		}
	}
	return nil
}

func schemaTypes(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case nil:
		return nil
	default:
		return stringList(v)
	}
}

func matchesType(typ string, value any) bool {
	switch typ {
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "null":
		return value == nil
	case "number":
		_, ok := toFloat(value)
		return ok
	case "integer":
		num, ok := toFloat(value)
		return ok && num == math.Trunc(num) && !math.IsInf(num, 0)
	default:
		return true
	}
}

func describe(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	}
	if _, ok := toFloat(value); ok {
		return "number"
	}
	return fmt.Sprintf("%T", value)
}

func containsValue(options []any, value any) bool {
	for _, option := range options {
		if a, ok := toFloat(option); ok {
			if b, ok := toFloat(value); ok && a == b {
				return true
			}
			continue
		}
		if reflect.DeepEqual(option, value) {
			return true
		}
	}
	return false
}

func stringList(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// normalize 将任意 map/slice 转换为 map[string]any 与 []any，
// 使 JSON 解码、YAML 解码与 Go 字面量构造的参数走同一条校验路径。
func normalize(value any) any {
	switch v := value.(type) {
	case nil, string, bool, map[string]any, []any:
		if m, ok := v.(map[string]any); ok {
			out := make(map[string]any, len(m))
			for key, item := range m {
				out[key] = normalize(item)
			}
			return out
		}
		if s, ok := v.([]any); ok {
			out := make([]any, len(s))
			for i, item := range s {
				out[i] = normalize(item)
			}
			return out
		}
		return v
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return value
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalize(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return value
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem().Interface())
	default:
		return value
	}
}
