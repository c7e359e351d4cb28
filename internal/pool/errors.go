package pool

import "errors"

var (
	ErrPoolUnavailable = errors.New("pool: no active session")
	ErrUnknownSession  = errors.New("pool: unknown session")
	ErrBadTransition   = errors.New("pool: inconsistent session transition")
	ErrPoolStopped     = errors.New("pool: stopped")
)
