package model

import "errors"

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")
	// ErrClosed is returned when operating on a stream, channel or hub that has been closed.
	ErrClosed = errors.New("closed")
)
