package anymail

import (
	"bytes"
	"encoding/json"
	"reflect"
)

type optionState uint8

const (
	stateAbsent optionState = iota
	stateNull
	stateSet
)

// Option holds an attribute value that may be absent, explicitly null, or set.
// The zero value is absent. Null is meaningful: it clears any default.
type Option[T any] struct {
	state optionState
	value T
}

func Some[T any](v T) Option[T] { return Option[T]{state: stateSet, value: v} }

func Null[T any]() Option[T] { return Option[T]{state: stateNull} }

func (o Option[T]) IsAbsent() bool { return o.state == stateAbsent }

func (o Option[T]) IsNull() bool { return o.state == stateNull }

func (o Option[T]) IsSet() bool { return o.state == stateSet }

// Get returns the value and whether it is set.
func (o Option[T]) Get() (T, bool) { return o.value, o.state == stateSet }

func (o Option[T]) MarshalJSON() ([]byte, error) {
	if o.state != stateSet {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

// UnmarshalJSON decodes a JSON null as Null. A field missing from the document
// stays absent because the decoder never calls this method for it.
func (o *Option[T]) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*o = Null[T]()
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

// Last returns the last set value. A null met before any set value (scanning
// from the end) suppresses everything earlier, so the result is absent.
func Last[T any](vals ...Option[T]) Option[T] {
	for i := len(vals) - 1; i >= 0; i-- {
		switch vals[i].state {
		case stateNull:
			return Option[T]{}
		case stateSet:
			return vals[i]
		}
	}
	return Option[T]{}
}

// Combine merges all set values left to right: maps are shallow-merged (later
// keys win), slices are concatenated, anything else is last-wins. A null
// discards whatever was accumulated before it.
func Combine[T any](vals ...Option[T]) Option[T] {
	var acc Option[T]
	for _, v := range vals {
		switch v.state {
		case stateNull:
			acc = Option[T]{}
		case stateSet:
			if acc.state != stateSet {
				acc = Some(cloneValue(v.value))
				continue
			}
			acc = Some(mergeValues(acc.value, v.value))
		}
	}
	return acc
}

func cloneValue[T any](v T) T {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), iter.Value())
		}
		return out.Interface().(T)
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		reflect.Copy(out, rv)
		return out.Interface().(T)
	}
	return v
}

func mergeValues[T any](acc, v T) T {
	av, vv := reflect.ValueOf(acc), reflect.ValueOf(v)
	switch av.Kind() {
	case reflect.Map:
		if av.IsNil() {
			return cloneValue(v)
		}
		iter := vv.MapRange()
		for iter.Next() {
			av.SetMapIndex(iter.Key(), iter.Value())
		}
		return acc
	case reflect.Slice:
		return reflect.AppendSlice(av, vv).Interface().(T)
	}
	return v
}
