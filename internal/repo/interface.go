package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// ErrNotFound is returned when an update targets a missing row.
var ErrNotFound = errors.New("record not found")

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Orders
	InsertOrder(ctx context.Context, order Order) error
	UpdateOrderStatus(ctx context.Context, update StatusUpdate) error
	ListOrders(ctx context.Context) ([]Order, error)

	// Sessions
	UpsertSession(ctx context.Context, sender string, lastActive time.Time) error
	DeleteSession(ctx context.Context, sender string) error
	ListSessions(ctx context.Context) (map[string]time.Time, error)
}
