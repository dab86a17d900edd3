package aircraft

import "encoding/json"

// Value is one observable attribute of an aircraft together with the
// DataVersion at which it last changed.
type Value[T comparable] struct {
	Val     T
	Known   bool
	Changed int64
}

// Set stores v and stamps it with version, but only when v differs from the
// current value. It reports whether anything changed.
func (v *Value[T]) Set(val T, version int64) bool {
	if v.Known && v.Val == val {
		return false
	}
	v.Val = val
	v.Known = true
	v.Changed = version
	return true
}

// Clear forgets the value. Clearing an unknown value is not a change.
func (v *Value[T]) Clear(version int64) bool {
	if !v.Known {
		return false
	}
	var zero T
	v.Val = zero
	v.Known = false
	v.Changed = version
	return true
}

// ChangedSince reports whether the value changed after version
func (v Value[T]) ChangedSince(version int64) bool {
	return v.Changed > version
}

// Ptr returns a pointer to a copy of the value, or nil if unknown
func (v Value[T]) Ptr() *T {
	if !v.Known {
		return nil
	}
	val := v.Val
	return &val
}

// MarshalJSON renders just the value, or null when unknown
func (v Value[T]) MarshalJSON() ([]byte, error) {
	if !v.Known {
		return []byte("null"), nil
	}
	return json.Marshal(v.Val)
}
