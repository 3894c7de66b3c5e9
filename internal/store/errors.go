package store

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleParent means the chain head moved after the run read it.
	ErrStaleParent = errors.New("parent version is no longer the chain head")
	// ErrEventsClaimed means another run consumed some of the same events.
	ErrEventsClaimed = errors.New("feedback events already consumed")
)
