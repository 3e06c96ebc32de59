package drift

import "time"

// TypeTag is the closed enumeration of runtime value classifications
// used for schema comparison. Classification is a pure type switch,
// not reflection.
type TypeTag string

const (
	TypeNull     TypeTag = "null"
	TypeBool     TypeTag = "bool"
	TypeInt      TypeTag = "int"
	TypeFloat    TypeTag = "float"
	TypeString   TypeTag = "str"
	TypeList     TypeTag = "list"
	TypeMap      TypeTag = "dict"
	TypeDatetime TypeTag = "datetime"
	TypeOther    TypeTag = "other"
)

// ClassifyValue maps a record value to its type tag. JSON-decoded
// payloads surface numbers as float64; an integral float64 still tags
// as float because the wire carried no int/float distinction.
func ClassifyValue(v interface{}) TypeTag {
	switch v.(type) {
	case nil:
		return TypeNull
	case bool:
		return TypeBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInt
	case float32, float64:
		return TypeFloat
	case string:
		return TypeString
	case []interface{}, []string:
		return TypeList
	case map[string]interface{}:
		return TypeMap
	case time.Time, *time.Time:
		return TypeDatetime
	default:
		return TypeOther
	}
}

// compatiblePair is an unordered type pair the detector accepts
// without flagging a type change.
type compatiblePair struct {
	a, b TypeTag
}

// defaultCompatiblePairs is the heuristic compatibility table:
// numeric widening, stringly-typed numbers, serialized datetimes, and
// JSON strings that may hold lists. Symmetric. A heuristic, not a
// documented requirement, so it stays a swappable table.
func defaultCompatiblePairs() []compatiblePair {
	return []compatiblePair{
		{TypeInt, TypeFloat},
		{TypeString, TypeInt},
		{TypeString, TypeFloat},
		{TypeDatetime, TypeString},
		{TypeList, TypeString},
	}
}
