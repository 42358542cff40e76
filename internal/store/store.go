// Package store persists runs, queries and users for the retention engine.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/livinglabs/livelab/internal/config"
	apperrors "github.com/livinglabs/livelab/internal/pkg/errors"
)

// Reader is the read and delete side used by retention sweeps.
type Reader interface {
	// ListActiveRuns returns every run whose query is not flagged deleted.
	// Runs whose query row is missing are included.
	ListActiveRuns(ctx context.Context) ([]Run, error)

	// GetQuery returns a query or a NotFound error.
	GetQuery(ctx context.Context, id string) (*Query, error)

	// GetUser returns a user or a NotFound error.
	GetUser(ctx context.Context, id string) (*User, error)

	// DeleteRun removes a run. Deleting a missing run returns NotFound.
	DeleteRun(ctx context.Context, id string) error
}

// Writer is the submission side used by site tooling and tests.
type Writer interface {
	PutUser(ctx context.Context, u User) error
	PutQuery(ctx context.Context, q Query) error

	// SubmitRun creates the run for (UserID, QueryID) or advances its
	// modified time. A submission older than the stored modified time leaves
	// it unchanged. An empty ID is generated on creation. It returns the
	// stored run.
	SubmitRun(ctx context.Context, r Run) (Run, error)

	// TouchDoclist records that a query's document list changed at t.
	TouchDoclist(ctx context.Context, queryID string, t time.Time) error

	// SetQueryDeleted flags or unflags a query as deleted.
	SetQueryDeleted(ctx context.Context, queryID string, deleted bool) error
}

// Checkpoint records how far periodic retention sweeps have got, so a
// restarted scheduler resumes where the previous process stopped.
type Checkpoint interface {
	// LastSweepEnd returns the end of the last completed sweep window, or
	// the zero time when none has been recorded.
	LastSweepEnd(ctx context.Context) (time.Time, error)

	// SetLastSweepEnd records t. A t earlier than the stored value is
	// ignored.
	SetLastSweepEnd(ctx context.Context, t time.Time) error
}

// Store is a complete run/query/user store.
type Store interface {
	Reader
	Writer
	Checkpoint
	Close() error
}

// New opens the store selected by the configuration.
func New(cfg config.StoreConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return NewMemoryStore(), nil
	case "", "sqlite":
		return OpenSQLStore(cfg.Path)
	default:
		return nil, apperrors.ConfigurationError("unknown store driver: " + cfg.Driver)
	}
}
