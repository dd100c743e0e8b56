package blobstore

import "fmt"

// LookupState is the outcome of a tier lookup.
type LookupState uint8

const (
	// Absent means the tier knows the key does not exist.
	Absent LookupState = iota
	// Present means the tier returned the value.
	Present
	// Unknown means the tier cannot answer without delegating; callers must
	// ask the next tier and never treat it as Absent.
	Unknown
)

func (s LookupState) String() string {
	switch s {
	case Absent:
		return "absent"
	case Present:
		return "present"
	case Unknown:
		return "unknown"
	default:
		return fmt.Sprintf("LookupState(%d)", uint8(s))
	}
}

// Lookup is a three-valued result: Present(T), Absent or Unknown.
type Lookup[T any] struct {
	state LookupState
	value T
}

// Found returns a Present lookup holding v.
func Found[T any](v T) Lookup[T] {
	return Lookup[T]{state: Present, value: v}
}

// NotFound returns an Absent lookup.
func NotFound[T any]() Lookup[T] {
	return Lookup[T]{state: Absent}
}

// Unanswered returns an Unknown lookup.
func Unanswered[T any]() Lookup[T] {
	return Lookup[T]{state: Unknown}
}

// State returns the lookup state.
func (l Lookup[T]) State() LookupState { return l.state }

// Value returns the value and true when the lookup is Present.
func (l Lookup[T]) Value() (T, bool) { return l.value, l.state == Present }

func (l Lookup[T]) IsPresent() bool { return l.state == Present }
func (l Lookup[T]) IsAbsent() bool  { return l.state == Absent }
func (l Lookup[T]) IsUnknown() bool { return l.state == Unknown }

func (l Lookup[T]) String() string { return l.state.String() }
