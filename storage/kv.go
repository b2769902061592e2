package storage

import "context"

// KV is the minimal revisioned key/value contract a collection needs.
// Update is a compare-and-swap on the revision returned by Get; it is
// the primitive every conditional document transition builds on.
type KV interface {
	Create(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) (value []byte, revision uint64, err error)
	Update(ctx context.Context, key string, value []byte, revision uint64) error
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, key string) error
}
