// Package checkpoint persists run snapshots keyed by run identifier.
//
// Save overwrites any earlier snapshot for the same run; Load returns the
// latest one or ErrNotFound. Stores are safe for concurrent use across
// distinct run identifiers.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/kernel"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

var (
	// ErrNotFound is returned by Load when no snapshot exists for a run.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrEmptyRunID is returned when a run identifier is missing.
	ErrEmptyRunID = errors.New("checkpoint: run id is required")
)

// Store saves and loads run snapshots.
type Store interface {
	Save(ctx context.Context, runID string, run kernel.Run) error
	Load(ctx context.Context, runID string) (kernel.Run, error)
}

// Summary describes a stored snapshot without its stage outputs.
type Summary struct {
	RunID        string       `json:"run_id" db:"run_id"`
	Phase        kernel.Phase `json:"phase" db:"phase"`
	CurrentStage kernel.Stage `json:"current_stage" db:"current_stage"`
	ErrorCount   int          `json:"error_count" db:"error_count"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
}

// Lister lists stored snapshots, most recently updated first.
type Lister interface {
	List(ctx context.Context, limit int) ([]Summary, error)
}

// Backend is a Store owned by the process that opened it.
type Backend interface {
	Store
	Lister
	Name() string
	Close() error
}

// Open opens a checkpoint backend by name. dsn is ignored for the memory backend.
func Open(name, dsn string) (Backend, error) {
	switch name {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		if dsn == "" {
			return nil, fmt.Errorf("sqlite checkpoint backend requires a dsn")
		}
		return NewSQLiteStore(dsn)
	}
	return nil, fmt.Errorf("unknown checkpoint backend %q", name)
}

// BackendName returns the name a store reports, or "custom".
func BackendName(s Store) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "custom"
}

func summarize(run kernel.Run) Summary {
	return Summary{
		RunID:        run.RunID,
		Phase:        run.Phase,
		CurrentStage: run.CurrentStage,
		ErrorCount:   len(run.Errors),
		UpdatedAt:    run.UpdatedAt,
	}
}
