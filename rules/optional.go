package rules

import (
	"bytes"
	"encoding/json"
)

// Optional distinguishes "absent" from "explicitly null" from "set" in a
// partial update. The zero value is absent.
//
//	{}                  -> Set=false
//	{"monthly_cap":null} -> Set=true, Null=true
//	{"monthly_cap":50}   -> Set=true, Value=50
type Optional[T any] struct {
	Value T
	Set   bool
	Null  bool
}

func Some[T any](v T) Optional[T] { return Optional[T]{Value: v, Set: true} }

func Null[T any]() Optional[T] { return Optional[T]{Set: true, Null: true} }

// UnmarshalJSON is only called for keys present in the document, which is
// what marks the field as set.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Null = true
		var zero T
		o.Value = zero
		return nil
	}
	o.Null = false
	return json.Unmarshal(data, &o.Value)
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Set || o.Null {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// ApplyTo writes the value into dst when set and non-null.
func (o Optional[T]) ApplyTo(dst *T) {
	if o.Set && !o.Null {
		*dst = o.Value
	}
}

// ApplyToPtr handles nullable destinations: null clears, a value replaces.
func (o Optional[T]) ApplyToPtr(dst **T) {
	if !o.Set {
		return
	}
	if o.Null {
		*dst = nil
		return
	}
	v := o.Value
	*dst = &v
}
