package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// natsKV adapts a JetStream KV bucket to the KV interface. Revision
// numbers come straight from the bucket, so Update is a true CAS under
// concurrent orchestrator instances.
type natsKV struct {
	bucket jetstream.KeyValue
}

// NewNATSKV opens (or creates) the named bucket and wraps it.
func NewNATSKV(ctx context.Context, js jetstream.JetStream, name string) (KV, error) {
	bucket, err := getOrCreateBucket(ctx, js, name)
	if err != nil {
		return nil, err
	}
	return &natsKV{bucket: bucket}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Taskgrid %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

func (n *natsKV) Create(ctx context.Context, key string, value []byte) error {
	if _, err := n.bucket.Create(ctx, key, value); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrExists
		}
		return fmt.Errorf("create %s: %w", key, err)
	}
	return nil
}

func (n *natsKV) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := n.bucket.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get %s: %w", key, err)
	}
	return entry.Value(), entry.Revision(), nil
}

func (n *natsKV) Update(ctx context.Context, key string, value []byte, revision uint64) error {
	if _, err := n.bucket.Update(ctx, key, value, revision); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) || strings.Contains(err.Error(), "wrong last sequence") {
			return ErrConflict
		}
		return fmt.Errorf("update %s: %w", key, err)
	}
	return nil
}

func (n *natsKV) Keys(ctx context.Context) ([]string, error) {
	keys, err := n.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

func (n *natsKV) Delete(ctx context.Context, key string) error {
	if err := n.bucket.Delete(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
