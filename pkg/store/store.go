package store

import "context"

// Store is durable key/value storage for serialized conversation documents.
// Implementations must tolerate concurrent use.
type Store interface {
	// Save writes doc under key, replacing any previous value.
	Save(ctx context.Context, key string, doc []byte) error
	// Load returns the document stored under key. The second return is false
	// when the key has never been saved.
	Load(ctx context.Context, key string) ([]byte, bool, error)
	// Delete removes the document stored under key, if any.
	Delete(ctx context.Context, key string) error
	Close() error
}
