package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// JSONKind identifies which branch of a JSONValue is populated.
type JSONKind uint8

const (
	JSONNull JSONKind = iota
	JSONBool
	JSONNumber
	JSONString
	JSONArray
	JSONObject
)

func (k JSONKind) String() string {
	switch k {
	case JSONNull:
		return "null"
	case JSONBool:
		return "bool"
	case JSONNumber:
		return "number"
	case JSONString:
		return "string"
	case JSONArray:
		return "array"
	case JSONObject:
		return "object"
	default:
		return fmt.Sprintf("JSONKind(%d)", uint8(k))
	}
}

// JSONValue holds an arbitrary JSON document. Numbers keep their literal text
// so values written back out are byte-for-byte what the client sent.
type JSONValue struct {
	Kind   JSONKind
	Bool   bool
	Number json.Number
	String string
	Array  []JSONValue
	Object map[string]JSONValue
}

// NullValue returns the JSON null value.
func NullValue() JSONValue { return JSONValue{Kind: JSONNull} }

// BoolValue wraps b.
func BoolValue(b bool) JSONValue { return JSONValue{Kind: JSONBool, Bool: b} }

// NumberValue wraps a numeric literal.
func NumberValue(n json.Number) JSONValue { return JSONValue{Kind: JSONNumber, Number: n} }

// StringValue wraps s.
func StringValue(s string) JSONValue { return JSONValue{Kind: JSONString, String: s} }

// ArrayValue wraps items.
func ArrayValue(items ...JSONValue) JSONValue { return JSONValue{Kind: JSONArray, Array: items} }

// ObjectValue wraps fields.
func ObjectValue(fields map[string]JSONValue) JSONValue {
	return JSONValue{Kind: JSONObject, Object: fields}
}

// MarshalJSON implements json.Marshaler.
func (v JSONValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case JSONNull:
		return []byte("null"), nil
	case JSONBool:
		return json.Marshal(v.Bool)
	case JSONNumber:
		if v.Number == "" {
			return []byte("0"), nil
		}
		return []byte(v.Number), nil
	case JSONString:
		return json.Marshal(v.String)
	case JSONArray:
		if v.Array == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.Array)
	case JSONObject:
		if v.Object == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.Object)
	default:
		return nil, fmt.Errorf("unknown json kind %d", v.Kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *JSONValue) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = fromInterface(raw)
	return nil
}

// Interface converts the value back into plain Go types.
func (v JSONValue) Interface() interface{} {
	switch v.Kind {
	case JSONBool:
		return v.Bool
	case JSONNumber:
		return v.Number
	case JSONString:
		return v.String
	case JSONArray:
		out := make([]interface{}, len(v.Array))
		for i, item := range v.Array {
			out[i] = item.Interface()
		}
		return out
	case JSONObject:
		out := make(map[string]interface{}, len(v.Object))
		for key, item := range v.Object {
			out[key] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// Keys returns object keys in sorted order; nil for non-objects.
func (v JSONValue) Keys() []string {
	if v.Kind != JSONObject {
		return nil
	}
	keys := make([]string, 0, len(v.Object))
	for key := range v.Object {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func fromInterface(raw interface{}) JSONValue {
	switch t := raw.(type) {
	case nil:
		return NullValue()
	case bool:
		return BoolValue(t)
	case json.Number:
		return NumberValue(t)
	case string:
		return StringValue(t)
	case []interface{}:
		items := make([]JSONValue, len(t))
		for i, item := range t {
			items[i] = fromInterface(item)
		}
		return ArrayValue(items...)
	case map[string]interface{}:
		fields := make(map[string]JSONValue, len(t))
		for key, item := range t {
			fields[key] = fromInterface(item)
		}
		return ObjectValue(fields)
	default:
		return StringValue(fmt.Sprint(t))
	}
}
