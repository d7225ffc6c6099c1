package foundation

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Field is a tri-state value for JSON records where an absent key and an
// explicit null carry different meanings. The zero value is Unset.
//
// The three states:
//   - Unset: the key was not provided ("no opinion")
//   - Null:  the key was provided as an explicit null
//   - Value: the key was provided with a concrete value
//
// A two-state Option cannot express this distinction; Field exists for
// protocol records whose null-vs-absent semantics are load-bearing.
type Field[T any] struct {
	value T
	state fieldState
}

type fieldState uint8

const (
	fieldUnset fieldState = iota
	fieldNull
	fieldValue
)

// FieldValue creates a Field carrying a concrete value.
func FieldValue[T any](value T) Field[T] {
	return Field[T]{value: value, state: fieldValue}
}

// FieldNull creates a Field carrying an explicit null.
func FieldNull[T any]() Field[T] {
	return Field[T]{state: fieldNull}
}

// FieldUnset creates a Field in the unset state. Equivalent to the zero value.
func FieldUnset[T any]() Field[T] {
	return Field[T]{}
}

// IsUnset reports whether the key was not provided at all.
func (f Field[T]) IsUnset() bool {
	return f.state == fieldUnset
}

// IsNull reports whether the key was provided as an explicit null.
func (f Field[T]) IsNull() bool {
	return f.state == fieldNull
}

// IsValue reports whether the key was provided with a concrete value.
func (f Field[T]) IsValue() bool {
	return f.state == fieldValue
}

// Value returns the contained value and whether one is present.
func (f Field[T]) Value() (T, bool) {
	if f.state != fieldValue {
		var zero T
		return zero, false
	}
	return f.value, true
}

// MustValue returns the contained value, panicking unless the state is Value.
func (f Field[T]) MustValue() T {
	if f.state != fieldValue {
		panic("called MustValue on a Field without a value")
	}
	return f.value
}

// IsZero reports whether the Field is unset. It exists so struct fields
// tagged `json:",omitzero"` round-trip the unset state: an unset Field is
// omitted on marshal, and a key that is absent on unmarshal leaves the
// Field unset.
func (f Field[T]) IsZero() bool {
	return f.state == fieldUnset
}

// MarshalJSON encodes Null as a JSON null and Value as the contained value.
// Unset fields must be elided by the enclosing struct via omitzero; if one
// reaches MarshalJSON anyway it degrades to null.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	if f.state != fieldValue {
		return []byte("null"), nil
	}
	return json.Marshal(f.value)
}

// UnmarshalJSON decodes a JSON null into the Null state and anything else
// into the Value state. It is never invoked for absent keys, which therefore
// stay Unset.
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = Field[T]{state: fieldNull}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Field[T]{value: v, state: fieldValue}
	return nil
}

// String provides a string representation of the Field.
func (f Field[T]) String() string {
	switch f.state {
	case fieldNull:
		return "Null"
	case fieldValue:
		return fmt.Sprintf("Value(%v)", f.value)
	default:
		return "Unset"
	}
}
