package store

import (
	"errors"
	"fmt"
)

// Kind tags a Error with one of spec.md §7's named error kinds, so
// callers can branch on the kind via errors.As without string matching.
type Kind string

const (
	KindNotFileURL                 Kind = "NotFileURL"
	KindMissingAppSupportDirectory Kind = "MissingAppSupportDirectory"
	KindCannotWrite                Kind = "CannotWrite"
	KindWrongPersistence           Kind = "WrongPersistence"
	KindDatastoreNotFound          Kind = "DatastoreNotFound"
	KindDatastoreKeyNotFound       Kind = "DatastoreKeyNotFound"
	KindIndexNotFound              Kind = "IndexNotFound"
	KindMultipleRegistrations      Kind = "MultipleRegistrations"
	KindAlreadyRegistered          Kind = "AlreadyRegistered"
	KindDuplicateWriters           Kind = "DuplicateWriters"
	KindInstanceNotFound           Kind = "InstanceNotFound"
	KindInstanceAlreadyExists      Kind = "InstanceAlreadyExists"
	KindUnknownCursor              Kind = "UnknownCursor"
	KindStaleCursor                Kind = "StaleCursor"
	KindCancelled                  Kind = "Cancelled"
	KindTransactingWithinExternal  Kind = "TransactingWithinExternalPersistence"
)

// Error is the store's typed error envelope: a Kind tag plus the
// underlying cause, wrapped so errors.Is/errors.As both work.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("store: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Kind, so
// errors.Is(err, &Error{Kind: KindStaleCursor}) works without matching Op
// or the wrapped cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newError(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// wrap tags err with kind unless it is already a *Error, in which case
// it is returned unchanged so the original kind survives across package
// boundaries.
func wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return newError(op, kind, err)
}
