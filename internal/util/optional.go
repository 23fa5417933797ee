package util

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Optional marks a value that may be absent. It maps to JSON null and SQL NULL.
type Optional[T any] struct {
	Val   T
	IsSet bool
}

func Some[T any](v T) Optional[T] {
	return Optional[T]{Val: v, IsSet: true}
}

func None[T any]() Optional[T] {
	return Optional[T]{}
}

func (o Optional[T]) UnwrapOr(fallback T) T {
	if o.IsSet {
		return o.Val
	}
	return fallback
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.IsSet {
		return []byte("null"), nil
	}
	return json.Marshal(o.Val)
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	*o = Optional[T]{}
	if string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, &o.Val); err != nil {
		return err
	}
	o.IsSet = true
	return nil
}

// Scan accepts NULL, a value of type T, or anything T itself can scan.
func (o *Optional[T]) Scan(src any) error {
	*o = Optional[T]{}
	if src == nil {
		return nil
	}

	if scanner, ok := any(&o.Val).(interface{ Scan(any) error }); ok {
		if err := scanner.Scan(src); err != nil {
			return err
		}
		o.IsSet = true
		return nil
	}

	v, ok := src.(T)
	if !ok {
		return fmt.Errorf("util: cannot scan %T into Optional[%T]", src, o.Val)
	}
	o.Val, o.IsSet = v, true
	return nil
}

func (o Optional[T]) Value() (driver.Value, error) {
	if !o.IsSet {
		return nil, nil
	}
	if valuer, ok := any(o.Val).(driver.Valuer); ok {
		return valuer.Value()
	}
	return o.Val, nil
}
