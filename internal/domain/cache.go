package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting for the status API.
// (Broker-call throttling is handled by the in-process Rate Governor, which
// needs forced-drain semantics the shared limiter does not expose.)
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking, used so only one engine instance
// runs corrective reconciliation at a time.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub fan-out of engine events (task transitions,
// account state changes, discrepancies) toward the dashboard websocket hub.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BlobWriter writes an object to blob storage.
type BlobWriter interface {
	Write(ctx context.Context, key string, data []byte, contentType string) error
}

// BlobReader reads objects back from blob storage.
type BlobReader interface {
	Read(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Archiver moves aged records to cold storage.
type Archiver interface {
	ArchiveTasks(ctx context.Context, before time.Time) (int64, error)
	ArchiveReconciliations(ctx context.Context, before time.Time) (int64, error)
}
