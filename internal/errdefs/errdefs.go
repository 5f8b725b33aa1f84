// Package errdefs defines the error kinds that cross the engine boundary.
// Every error returned by the lake wraps exactly one of these sentinels,
// so callers can branch with errors.Is without knowing internals.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed or out-of-range input batch,
	// rejected before any side effect.
	ErrValidation = errors.New("validation failed")

	// ErrEncode marks a codec failure while encoding; encode failures
	// are side-effect free.
	ErrEncode = errors.New("encode failed")

	// ErrCorruptData marks a checksum mismatch or undecodable object on
	// the read path. No partial records are ever returned alongside it.
	ErrCorruptData = errors.New("corrupt data")

	// ErrIO marks an unreachable or failing storage backend or catalog
	// medium. Retry policy belongs to the caller.
	ErrIO = errors.New("io error")

	// ErrConflict marks an ingest whose time range overlaps an already
	// committed partition of the same collection.
	ErrConflict = errors.New("conflicting partition range")

	// ErrNotFound marks an unknown collection, partition or object key.
	ErrNotFound = errors.New("not found")
)

// Wrapf wraps a sentinel with formatted context.
func Wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsConflict(err error) bool   { return errors.Is(err, ErrConflict) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsCorrupt(err error) bool    { return errors.Is(err, ErrCorruptData) }
func IsIO(err error) bool         { return errors.Is(err, ErrIO) }
