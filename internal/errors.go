package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrBadRequest   = errors.New("bad request")
	ErrUpstream     = errors.New("upstream error")
)
