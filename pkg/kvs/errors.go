package kvs

import "errors"

var (
	// ErrNotFound is returned when the requested key has no live entry.
	ErrNotFound = errors.New("key not found")
	// ErrDataLoss is returned when an entry fails checksum verification and no
	// redundant copy could be read, or when an initialization scan found
	// unreadable entries.
	ErrDataLoss = errors.New("data loss")
	// ErrResourceExhausted is returned when no space can be made for a write,
	// when the entry cache is at capacity, or when a read buffer is too small
	// for the remaining value bytes.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrAlreadyExists is returned when a key's hash matches a cached entry
	// whose stored key text differs.
	ErrAlreadyExists = errors.New("different key with same hash already exists")
	// ErrFailedPrecondition is returned for operations before Init, and for
	// writes while the store needs maintenance.
	ErrFailedPrecondition = errors.New("store not in required state")
	// ErrInvalidArgument is returned for key or value size violations and
	// malformed options.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInternal is returned for block-device failures not otherwise
	// classified.
	ErrInternal = errors.New("internal storage error")
)
