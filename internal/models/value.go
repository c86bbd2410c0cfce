package models

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ValueType names the variant held by a Value.
type ValueType string

const (
	TypeString       ValueType = "String"
	TypeContent      ValueType = "Content"
	TypeBinaryString ValueType = "BinaryString"
	TypeBool         ValueType = "Bool"
	TypeNumber       ValueType = "Number"
	TypeVector3      ValueType = "Vector3"
	TypeColor3       ValueType = "Color3"
)

// Value is a typed instance property value. Values are comparable with ==.
type Value struct {
	Type   ValueType
	Text   string // String, Content, BinaryString
	Bool   bool
	Number float64
	Vector [3]float64 // Vector3, Color3
}

func StringValue(s string) Value { return Value{Type: TypeString, Text: s} }
func ContentValue(s string) Value { return Value{Type: TypeContent, Text: s} }
func BinaryStringValue(b []byte) Value { return Value{Type: TypeBinaryString, Text: string(b)} }
func BoolValue(b bool) Value { return Value{Type: TypeBool, Bool: b} }
func NumberValue(n float64) Value { return Value{Type: TypeNumber, Number: n} }
func Vector3Value(x, y, z float64) Value { return Value{Type: TypeVector3, Vector: [3]float64{x, y, z}} }
func Color3Value(r, g, b float64) Value { return Value{Type: TypeColor3, Vector: [3]float64{r, g, b}} }

// valueWire is the {"Type", "Value"} form shared by JSON and CBOR.
type valueWire struct {
	Type  ValueType `json:"Type"`
	Value any       `json:"Value"`
}

func (v Value) wire() valueWire {
	w := valueWire{Type: v.Type}
	switch v.Type {
	case TypeString, TypeContent:
		w.Value = v.Text
	case TypeBinaryString:
		w.Value = []byte(v.Text)
	case TypeBool:
		w.Value = v.Bool
	case TypeNumber:
		w.Value = v.Number
	case TypeVector3, TypeColor3:
		w.Value = v.Vector[:]
	}
	return w
}

// MarshalJSON encodes the value as {"Type": ..., "Value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.wire())
}

// MarshalCBOR encodes the value with the same shape as MarshalJSON.
func (v Value) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(v.wire())
}

// UnmarshalJSON accepts both the typed form and implicit JSON values.
func (v *Value) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeValue(data)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// DecodeValue parses a property value. Typed values use
// {"Type": "Bool", "Value": true}; bare strings, booleans, numbers and
// three-element number arrays are inferred as String, Bool, Number and
// Vector3.
func DecodeValue(data []byte) (Value, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Value{}, fmt.Errorf("decode value: %w", err)
	}

	switch typed := raw.(type) {
	case string:
		return StringValue(typed), nil
	case bool:
		return BoolValue(typed), nil
	case float64:
		return NumberValue(typed), nil
	case []any:
		vec, err := decodeTriple(typed)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: TypeVector3, Vector: vec}, nil
	case map[string]any:
		return decodeTyped(data)
	}
	return Value{}, fmt.Errorf("unsupported property value %s", string(data))
}

func decodeTyped(data []byte) (Value, error) {
	var w struct {
		Type  ValueType       `json:"Type"`
		Value json.RawMessage `json:"Value"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return Value{}, fmt.Errorf("decode typed value: %w", err)
	}

	v := Value{Type: w.Type}
	var err error
	switch w.Type {
	case TypeString, TypeContent:
		err = json.Unmarshal(w.Value, &v.Text)
	case TypeBinaryString:
		var b []byte
		err = json.Unmarshal(w.Value, &b)
		v.Text = string(b)
	case TypeBool:
		err = json.Unmarshal(w.Value, &v.Bool)
	case TypeNumber:
		err = json.Unmarshal(w.Value, &v.Number)
	case TypeVector3, TypeColor3:
		var parts []any
		if err = json.Unmarshal(w.Value, &parts); err == nil {
			v.Vector, err = decodeTriple(parts)
		}
	default:
		return Value{}, fmt.Errorf("unknown value type %q", w.Type)
	}
	if err != nil {
		return Value{}, fmt.Errorf("decode %s value: %w", w.Type, err)
	}
	return v, nil
}

func decodeTriple(parts []any) ([3]float64, error) {
	var out [3]float64
	if len(parts) != 3 {
		return out, fmt.Errorf("expected 3 components, got %d", len(parts))
	}
	for i, p := range parts {
		n, ok := p.(float64)
		if !ok {
			return out, fmt.Errorf("component %d is not a number", i)
		}
		out[i] = n
	}
	return out, nil
}
