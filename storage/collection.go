package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// updateRetries bounds the CAS retry loop inside Update. Contention on
// a single document is short-lived (two handlers racing on the same job
// or task), so a small budget is enough.
const updateRetries = 16

// Collection stores one document type in one KV bucket as JSON.
// Update re-evaluates its filter against the freshest revision on every
// CAS retry, giving find-one-and-update semantics under concurrency.
type Collection[T any] struct {
	name string
	kv   KV
}

// NewCollection wraps a KV as a typed collection.
func NewCollection[T any](name string, kv KV) *Collection[T] {
	return &Collection[T]{name: name, kv: kv}
}

// Insert stores a new document under id. Fails with ErrExists if the id
// is taken.
func (c *Collection[T]) Insert(ctx context.Context, id string, doc *T) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", c.name, err)
	}
	if err := c.kv.Create(ctx, id, data); err != nil {
		return fmt.Errorf("insert %s %s: %w", c.name, id, err)
	}
	return nil
}

// Get retrieves a document by id.
func (c *Collection[T]) Get(ctx context.Context, id string) (*T, error) {
	data, _, err := c.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s %s: %w", c.name, id, err)
	}
	var doc T
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal %s %s: %w", c.name, id, err)
	}
	return &doc, nil
}

// Find returns every document matching the predicate, in key order so
// results are deterministic. A nil predicate matches everything.
func (c *Collection[T]) Find(ctx context.Context, match func(*T) bool) ([]*T, error) {
	keys, err := c.kv.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", c.name, err)
	}
	sort.Strings(keys)

	docs := make([]*T, 0, len(keys))
	for _, key := range keys {
		data, _, err := c.kv.Get(ctx, key)
		if err != nil {
			continue // deleted between Keys and Get
		}
		var doc T
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}
		if match == nil || match(&doc) {
			docs = append(docs, &doc)
		}
	}
	return docs, nil
}

// FindOne returns the first document matching the predicate, or
// ErrNotFound.
func (c *Collection[T]) FindOne(ctx context.Context, match func(*T) bool) (*T, error) {
	docs, err := c.Find(ctx, match)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

// Update atomically applies mutate to the document under id, but only
// while cond holds for the current revision. It returns the updated
// document. ErrNoMatch means cond rejected the live document; callers
// wanting a precise client error re-read and inspect it. A nil cond
// always matches.
func (c *Collection[T]) Update(ctx context.Context, id string, cond func(*T) bool, mutate func(*T)) (*T, error) {
	for attempt := 0; attempt < updateRetries; attempt++ {
		data, rev, err := c.kv.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("update %s %s: %w", c.name, id, err)
		}

		var doc T
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("unmarshal %s %s: %w", c.name, id, err)
		}
		if cond != nil && !cond(&doc) {
			return nil, ErrNoMatch
		}

		mutate(&doc)

		out, err := json.Marshal(&doc)
		if err != nil {
			return nil, fmt.Errorf("marshal %s %s: %w", c.name, id, err)
		}
		if err := c.kv.Update(ctx, id, out, rev); err != nil {
			if errors.Is(err, ErrConflict) {
				continue // another writer won; re-evaluate cond on the new revision
			}
			return nil, fmt.Errorf("update %s %s: %w", c.name, id, err)
		}
		return &doc, nil
	}
	return nil, fmt.Errorf("update %s %s: %w", c.name, id, ErrConflict)
}

// Delete removes the document under id.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	if err := c.kv.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete %s %s: %w", c.name, id, err)
	}
	return nil
}
