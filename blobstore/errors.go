package blobstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is returned when a key cannot be stored or addressed.
	ErrInvalidKey = errors.New("invalid blob key")

	// ErrUnsupportedDigest is returned for unknown digest algorithms.
	ErrUnsupportedDigest = errors.New("unsupported digest algorithm")

	// ErrInvalidConfig is returned for malformed store configuration.
	ErrInvalidConfig = errors.New("invalid blob store configuration")

	// ErrStorage marks I/O failures of a backing store (disk full, permission
	// denied, remote unreachable). Stores never retry them.
	ErrStorage = errors.New("blob storage failure")

	// ErrDigestMismatch is returned when a caller-supplied digest does not
	// match the streamed content.
	ErrDigestMismatch = errors.New("digest mismatch")

	// ErrGCState is returned when a garbage collector method is called in
	// the wrong state (e.g. Mark before Start).
	ErrGCState = errors.New("garbage collector in wrong state")

	// ErrUnsupported is returned for operations a store does not offer.
	ErrUnsupported = errors.New("operation not supported")

	// ErrConcurrentUpdate is returned when two transactions write the same key.
	ErrConcurrentUpdate = errors.New("concurrent update")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("blob store closed")

	// ErrTransactionDone is returned when a committed or rolled back
	// transaction is used again.
	ErrTransactionDone = errors.New("transaction already finished")
)

// InvalidKeyError names a key rejected by a key or path strategy.
type InvalidKeyError struct {
	Key    string
	Reason string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid blob key %q: %s", e.Key, e.Reason)
}

func (e *InvalidKeyError) Unwrap() error { return ErrInvalidKey }

// StorageError describes an I/O failure on a backing store.
//
// errors.Is(err, ErrStorage) reports true for any StorageError; the
// underlying cause is available via errors.Unwrap.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("blobstore %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("blobstore %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// ConcurrentUpdateError reports a key already owned by another open transaction.
type ConcurrentUpdateError struct {
	Key   string
	XPath string
}

func (e *ConcurrentUpdateError) Error() string {
	if e.XPath == "" {
		return fmt.Sprintf("concurrent update on blob key %q", e.Key)
	}
	return fmt.Sprintf("concurrent update on blob key %q (xpath %s)", e.Key, e.XPath)
}

func (e *ConcurrentUpdateError) Unwrap() error { return ErrConcurrentUpdate }

// storageErr wraps err as a StorageError unless it already carries a
// classification the caller must see unchanged.
func storageErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, ErrInvalidKey) || errors.Is(err, ErrDigestMismatch) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &StorageError{Op: op, Key: key, Err: err}
}
