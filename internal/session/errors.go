package session

import "errors"

// Sentinel errors the server layer maps onto wire error codes.
var (
	ErrNotFound      = errors.New("session not found")
	ErrAlreadyExists = errors.New("session already exists")
	ErrNotRunning    = errors.New("session not running")
)
