// Package blobstore holds the opaque byte payloads a submission or a task
// result indirects through when they exceed the inline threshold the
// submitter enforces. The state table and task queue never see these bytes;
// they carry only the key.
package blobstore

import "context"

// Store is the indirection layer behind large payloads and results.
type Store interface {
	// Put writes value under key, overwriting any existing value.
	Put(ctx context.Context, key string, value []byte) error
	// Get reads the value stored under key. Returns model.ErrNotFound if
	// absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether key has a value without reading it.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
