// Package checkpoint persists the cursor of the last processed message of
// every instance so polls survive restarts.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Load for an instance that was never polled.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is the durable cursor of one instance.
type Checkpoint struct {
	LastSeenID uint64    `yaml:"last_seen_id"`
	Marker     string    `yaml:"marker,omitempty"` // POP3 UIDL of the last message
	UpdatedAt  time.Time `yaml:"updated_at"`
}

// Store loads and saves checkpoints keyed by instance name. Save must be
// atomic with respect to Load.
type Store interface {
	Load(ctx context.Context, instance string) (Checkpoint, error)
	Save(ctx context.Context, instance string, cp Checkpoint) error
	Close() error
}
