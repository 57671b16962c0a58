package dberrors

import "errors"

var (
	ErrNotFound        = errors.New("commitdb: not found")
	ErrClosed          = errors.New("commitdb: closed")
	ErrInvalidArgument = errors.New("commitdb: invalid argument")
	ErrNotSupported    = errors.New("commitdb: not supported")

	// ErrEngineDegraded is returned by every commit attempt after a memtable
	// insertion failure until the instance is reopened.
	ErrEngineDegraded = errors.New("commitdb: engine degraded after memtable insert failure")
)
