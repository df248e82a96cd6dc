// Package objectstore abstracts the S3-compatible remote storage that
// holds cold rowset data. The engine only reconciles and deletes remote
// objects; uploads happen elsewhere.
package objectstore

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by Store implementations.
var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrBucketNotFound is returned when the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrAccessDenied is returned when the credentials lack permission.
	ErrAccessDenied = errors.New("access denied")
)

// ObjectError wraps an error with the object key for context.
type ObjectError struct {
	Op  string
	Key string
	Err error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("objectstore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// ObjectMeta describes one remote object.
type ObjectMeta struct {
	// Key is the object's key (path) in the bucket.
	Key string

	// Size is the object's size in bytes.
	Size int64

	// LastModified is the Unix timestamp (milliseconds) of the last write.
	LastModified int64
}

// Store is the interface for remote object cleanup.
//
// All methods accept a context for cancellation. Implementations must be
// safe for concurrent use and should wrap failures in [ObjectError].
type Store interface {
	// Head retrieves object metadata without the body. Returns
	// ErrNotFound when the object does not exist.
	Head(ctx context.Context, key string) (ObjectMeta, error)

	// Delete removes an object. Deleting a missing object succeeds
	// silently, which keeps retries safe.
	Delete(ctx context.Context, key string) error

	// DeleteByPrefix removes every object under prefix and returns how
	// many were deleted.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)

	// List returns objects under prefix in lexicographic key order.
	List(ctx context.Context, prefix string) ([]ObjectMeta, error)

	// Close releases resources. Other methods error afterwards.
	Close() error
}
