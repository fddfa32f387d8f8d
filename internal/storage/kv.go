// Package storage provides the durable key-value backends that hold the
// profile set and the active-profile selection.
package storage

import (
	"context"
	"errors"
)

// Logical keys written by the profile store.
const (
	KeyProfiles        = "profiles"
	KeyActiveProfileID = "active_profile_id"
)

// ErrClosed is returned by backends used after Close.
var ErrClosed = errors.New("storage closed")

// KV is a durable key-value store. Set replaces the whole value for a key in
// a single write; a reader never observes a partially written value.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}
