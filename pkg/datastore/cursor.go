package datastore

import (
	"errors"

	"github.com/cuemby/pagestore/pkg/index"
)

// Errors raised by cursor-oriented calls (spec.md §4.7 "state machine of
// a cursor").
var (
	ErrStaleCursor           = errors.New("datastore: cursor already consumed")
	ErrUnknownCursor         = errors.New("datastore: cursor belongs to a different datastore or index")
	ErrInstanceNotFound      = errors.New("datastore: instance not found")
	ErrInstanceAlreadyExists = errors.New("datastore: instance already exists")
	ErrIndexNotFound         = errors.New("datastore: index not found")
)

type scope int

const (
	scopePrimary scope = iota
	scopeDirect
	scopeSecondary
)

type cursorState int

const (
	cursorFresh cursorState = iota
	cursorStale
)

// Cursor is the handle returned by a lookup or insertion call: Fresh
// until consumed by a mutation, Stale afterward (spec.md §4.7). A cursor
// obtained from one Datastore is Foreign to any other.
type Cursor struct {
	owner *Datastore
	scope scope
	name  string
	ix    *index.Index
	key   index.Key

	instance  *index.InstanceCursor
	insertion *index.InsertionCursor

	state cursorState
}

func (c *Cursor) checkUsable(owner *Datastore, sc scope, name string) error {
	if c.owner != owner || c.scope != sc || c.name != name {
		return ErrUnknownCursor
	}
	if c.state == cursorStale {
		return ErrStaleCursor
	}
	return nil
}

func (c *Cursor) consume() { c.state = cursorStale }
