package entity

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// VariableType is the declared type of a stored variable value.
type VariableType string

const (
	TypeNull    VariableType = "null"
	TypeString  VariableType = "string"
	TypeLong    VariableType = "long"
	TypeDouble  VariableType = "double"
	TypeBoolean VariableType = "boolean"
	TypeJSON    VariableType = "json"
	TypeDate    VariableType = "date"
)

// SerializerJSON is the only serializer; every value is stored as JSON text.
const SerializerJSON = "json"

// Variable is a named value bound to one execution.
type Variable struct {
	Base
	ExecutionID       string       `json:"execution_id"`
	ProcessInstanceID string       `json:"process_instance_id"`
	Name              string       `json:"name"`
	Type              VariableType `json:"type"`
	Serializer        string       `json:"serializer"`
	TextValue         *string      `json:"text_value,omitempty"`
}

func (*Variable) Kind() Kind { return KindVariable }

// SetValue encodes v into the variable's type and text columns.
func (v *Variable) SetValue(value any) error {
	typ, text, err := EncodeValue(value)
	if err != nil {
		return fmt.Errorf("variable %q: %w", v.Name, err)
	}
	v.Type = typ
	v.Serializer = SerializerJSON
	v.TextValue = text
	return nil
}

// Value decodes the stored text according to the variable's type.
func (v *Variable) Value() (any, error) {
	return DecodeValue(v.Type, v.TextValue)
}

// EncodeValue maps a Go value onto a variable type and its JSON text.
func EncodeValue(value any) (VariableType, *string, error) {
	var typ VariableType
	switch x := value.(type) {
	case nil:
		return TypeNull, nil, nil
	case string:
		typ = TypeString
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		typ = TypeLong
	case float32, float64:
		typ = TypeDouble
	case bool:
		typ = TypeBoolean
	case time.Time:
		text := strconv.Quote(x.UTC().Format(time.RFC3339Nano))
		return TypeDate, &text, nil
	default:
		typ = TypeJSON
	}

	data, err := json.Marshal(value)
	if err != nil {
		return "", nil, fmt.Errorf("encode %T: %w", value, err)
	}
	text := string(data)
	return typ, &text, nil
}

// DecodeValue is the inverse of EncodeValue. Longs decode to int64, doubles
// to float64, dates to time.Time and json to the encoding/json generic form.
func DecodeValue(typ VariableType, text *string) (any, error) {
	if typ == TypeNull || text == nil {
		return nil, nil
	}

	raw := []byte(*text)
	switch typ {
	case TypeString:
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case TypeLong:
		return strconv.ParseInt(*text, 10, 64)
	case TypeDouble:
		return strconv.ParseFloat(*text, 64)
	case TypeBoolean:
		return strconv.ParseBool(*text)
	case TypeDate:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	case TypeJSON:
		var out any
		err := json.Unmarshal(raw, &out)
		return out, err
	default:
		return nil, fmt.Errorf("unknown variable type %q", typ)
	}
}
