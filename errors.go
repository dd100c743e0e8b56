package binstore

import (
	"errors"

	"github.com/hupe1980/binstore/blobstore"
)

var (
	// ErrStoreNotFound is returned when no store is configured under a name.
	ErrStoreNotFound = errors.New("store not found")

	// ErrInvalidQualifiedKey is returned for keys not of the form
	// "<providerId>:<storeKey>".
	ErrInvalidQualifiedKey = errors.New("invalid qualified key")
)

// Errors of the blobstore package, re-exported for callers of the manager.
var (
	ErrInvalidKey        = blobstore.ErrInvalidKey
	ErrUnsupportedDigest = blobstore.ErrUnsupportedDigest
	ErrInvalidConfig     = blobstore.ErrInvalidConfig
	ErrStorage           = blobstore.ErrStorage
	ErrDigestMismatch    = blobstore.ErrDigestMismatch
	ErrGCState           = blobstore.ErrGCState
	ErrUnsupported       = blobstore.ErrUnsupported
	ErrConcurrentUpdate  = blobstore.ErrConcurrentUpdate
	ErrClosed            = blobstore.ErrClosed
	ErrTransactionDone   = blobstore.ErrTransactionDone
)

// StoreNotFoundError names the missing store.
type StoreNotFoundError struct {
	Name string
}

func (e *StoreNotFoundError) Error() string {
	return "store not found: " + e.Name
}

func (e *StoreNotFoundError) Unwrap() error { return ErrStoreNotFound }
