// Package settings provides read-only access to organization settings.
// Keys are case-insensitive; values are raw strings left for the caller
// to interpret.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// Reader looks up a single setting. A missing key is reported with
// ok=false and a nil error.
type Reader interface {
	Lookup(ctx context.Context, key string) (value string, ok bool, err error)
}

// ReaderFunc adapts a function to the Reader interface.
type ReaderFunc func(ctx context.Context, key string) (string, bool, error)

// Lookup calls f.
func (f ReaderFunc) Lookup(ctx context.Context, key string) (string, bool, error) {
	return f(ctx, key)
}

// Static serves settings from an in-memory map, typically loaded from the
// config file and environment.
type Static map[string]string

// NewStatic copies values into a Static reader, upper-casing keys.
func NewStatic(values map[string]string) Static {
	s := make(Static, len(values))
	for k, v := range values {
		s[normalizeKey(k)] = v
	}
	return s
}

// Lookup returns the value stored under key.
func (s Static) Lookup(_ context.Context, key string) (string, bool, error) {
	v, ok := s[normalizeKey(key)]
	return v, ok, nil
}

// HashGetter is the subset of the go-redis client used by Redis.
type HashGetter interface {
	HGet(ctx context.Context, key, field string) *goredis.StringCmd
}

// Redis reads settings from fields of a single Redis hash.
type Redis struct {
	client HashGetter
	key    string
}

// NewRedis creates a reader over the hash stored at key.
func NewRedis(client HashGetter, key string) *Redis {
	return &Redis{client: client, key: key}
}

// Lookup returns the hash field named key.
func (r *Redis) Lookup(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.HGet(ctx, r.key, normalizeKey(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s from redis hash %s: %w", key, r.key, err)
	}
	return val, true, nil
}

// Chain consults each reader in order and returns the first value found.
// An error from any reader stops the lookup.
type Chain []Reader

// Lookup returns the first value found for key.
func (c Chain) Lookup(ctx context.Context, key string) (string, bool, error) {
	for _, r := range c {
		v, ok, err := r.Lookup(ctx, key)
		if err != nil {
			return "", false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return "", false, nil
}

func normalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}
