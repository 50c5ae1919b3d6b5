// Package replay detects reuse of JWT identifiers (jti) inside a configurable
// window.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Verdict is the outcome of a replay check.
type Verdict int

const (
	// Fresh means the jti had not been seen and is now recorded.
	Fresh Verdict = iota
	// Replayed means the jti was already recorded inside the window.
	Replayed
)

func (v Verdict) String() string {
	switch v {
	case Fresh:
		return "fresh"
	case Replayed:
		return "replayed"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

var (
	// ErrReplayed is returned by Guard.Check for a replayed jti.
	ErrReplayed = errors.New("replay: jti already used")
	// ErrMissingJTI rejects an empty identifier.
	ErrMissingJTI = errors.New("replay: jti required")
)

const (
	DefaultAccessExpiry = 60 * time.Minute
	DefaultWriteExpiry  = 60 * time.Minute
)

// Store records identifiers atomically. Record reports true when jti was
// absent and has now been stored; a present jti must be left untouched.
type Store interface {
	Record(ctx context.Context, jti string) (bool, error)
	Close(ctx context.Context) error
}

// Guard answers whether a jti is fresh or replayed.
type Guard struct {
	store Store
}

// NewGuard wraps store.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// CheckAndRecord records jti if it is fresh. Concurrent calls with the same
// jti yield exactly one Fresh.
func (g *Guard) CheckAndRecord(ctx context.Context, jti string) (Verdict, error) {
	if jti == "" {
		return Fresh, ErrMissingJTI
	}
	recorded, err := g.store.Record(ctx, jti)
	if err != nil {
		return Fresh, fmt.Errorf("replay: record: %w", err)
	}
	if !recorded {
		return Replayed, nil
	}
	return Fresh, nil
}

// Check is CheckAndRecord reporting a replay as ErrReplayed.
func (g *Guard) Check(ctx context.Context, jti string) error {
	verdict, err := g.CheckAndRecord(ctx, jti)
	if err != nil {
		return err
	}
	if verdict == Replayed {
		return ErrReplayed
	}
	return nil
}

// Close releases the underlying store.
func (g *Guard) Close(ctx context.Context) error {
	return g.store.Close(ctx)
}

// Window is the effective lifetime of a recorded jti. A replay probe never
// refreshes an entry, so the shorter enabled clock decides.
func Window(access, write time.Duration) time.Duration {
	switch {
	case access <= 0:
		return write
	case write <= 0:
		return access
	case access < write:
		return access
	default:
		return write
	}
}
