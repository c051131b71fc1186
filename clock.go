package edgemesh

import (
	"time"

	"github.com/google/uuid"
)

// Clock reads the current wall-time in milliseconds. Injectable so lease,
// freshness and retry arithmetic is deterministic in tests.
type Clock interface {
	NowMs() int64
}

// WallClock is the default Clock backed by time.Now.
type WallClock struct{}

// NowMs returns the current Unix time in milliseconds.
func (WallClock) NowMs() int64 { return time.Now().UnixMilli() }

// IDMinter mints opaque unique identifiers.
type IDMinter interface {
	NewID() string
}

// UUIDMinter is the default IDMinter producing random UUID strings.
type UUIDMinter struct{}

// NewID returns a fresh UUID string.
func (UUIDMinter) NewID() string { return uuid.NewString() }
