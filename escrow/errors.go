package escrow

import "errors"

var (
	// ErrNotFound is returned when nothing has been uploaded for a key.
	ErrNotFound = errors.New("no content uploaded for key")
	// ErrKeyIncorrect is returned when an uploaded bundle doesn't contain a matching certificate and key.
	ErrKeyIncorrect = errors.New("key incorrect")
	// ErrUnauthorised is returned when a token is missing, wrong, or already used.
	ErrUnauthorised = errors.New("unauthorised")
	// ErrInvalidKey is returned for keys that can't be safely used as storage names.
	ErrInvalidKey = errors.New("invalid key")
)
