package mxnet

import "fmt"

// Optional holds a value that may be absent. The zero value is absent.
type Optional[T any] struct {
	value T
	ok    bool
}

// Some returns a present Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, ok: true}
}

// None returns an absent Optional.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.ok
}

// IsSome returns whether the value is present.
func (o Optional[T]) IsSome() bool {
	return o.ok
}

// OrElse returns the value if present, or defaultValue otherwise.
func (o Optional[T]) OrElse(defaultValue T) T {
	if o.ok {
		return o.value
	}
	return defaultValue
}

// String implements fmt.Stringer.
func (o Optional[T]) String() string {
	if !o.ok {
		return "None"
	}
	return fmt.Sprintf("Some(%v)", o.value)
}
