package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("remotecache: not found")
	ErrInvalidInput       = errors.New("remotecache: invalid input")
	ErrInvalidHash        = errors.New("remotecache: invalid sha256 hash")
	ErrCorrupt            = errors.New("remotecache: corrupt data")
	ErrClosed             = errors.New("remotecache: backend closed")
	ErrIO                 = errors.New("remotecache: i/o failure")
	ErrBackendUnavailable = errors.New("remotecache: backend unavailable")
	ErrUnknown            = errors.New("remotecache: unknown backend error")

	ErrInvalidDigestMismatch = errors.New("remotecache: digest mismatch")
	ErrInvalidSizeMismatch   = errors.New("remotecache: size mismatch")

	ErrTooManyRedirects    = errors.New("remotecache: too many redirects")
	ErrContentHashMismatch = errors.New("remotecache: fetched content does not match requested hash")
	ErrFetchStatus         = errors.New("remotecache: unexpected fetch status")
)

// ErrInvalidSha256Value is the name protocol code uses for malformed hash text.
var ErrInvalidSha256Value = ErrInvalidHash

// Direction tells whether a mismatch was caused by data coming in from a client
// or by data read back out of storage.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// MismatchError reports content that does not match its digest.
// Outbound mismatches mean the store itself holds bad bytes and also match ErrCorrupt.
type MismatchError struct {
	Kind      error // ErrInvalidDigestMismatch or ErrInvalidSizeMismatch
	Direction Direction
	Want      string
	Got       string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%v (%s): want %s, got %s", e.Kind, e.Direction, e.Want, e.Got)
}

func (e *MismatchError) Unwrap() error { return e.Kind }

func (e *MismatchError) Is(target error) bool {
	return e.Direction == Outbound && target == ErrCorrupt
}

// RedirectError is returned when a fetch exceeds its redirect budget.
type RedirectError struct {
	Original   string
	Unresolved string
	Hops       int
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("%v: %d hops from %s, next location %s not followed", ErrTooManyRedirects, e.Hops, e.Original, e.Unresolved)
}

func (e *RedirectError) Unwrap() error { return ErrTooManyRedirects }

// HashMismatchError is returned when fetched content hashes to something other than requested.
// The content is still stored under Actual.
type HashMismatchError struct {
	Expected string
	Actual   string
	Size     int64
	URI      string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("%v: requested %s, %s served %s (%d bytes)", ErrContentHashMismatch, e.Expected, e.URI, e.Actual, e.Size)
}

func (e *HashMismatchError) Unwrap() error { return ErrContentHashMismatch }

// StatusError is a non-success, non-redirect HTTP response.
type StatusError struct {
	URI  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %s returned %d", ErrFetchStatus, e.URI, e.Code)
}

func (e *StatusError) Unwrap() error { return ErrFetchStatus }

// IsOutbound reports whether err signals corruption of already stored data.
func IsOutbound(err error) bool {
	return errors.Is(err, ErrCorrupt)
}

// IsInbound reports whether err was caused by bad caller-supplied data.
func IsInbound(err error) bool {
	if err == nil || IsOutbound(err) {
		return false
	}
	var me *MismatchError
	if errors.As(err, &me) {
		return me.Direction == Inbound
	}
	return errors.Is(err, ErrInvalidHash) || errors.Is(err, ErrInvalidInput)
}

// Unavailable wraps a transport or SDK failure so callers never see its concrete type.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, op, err)
}
