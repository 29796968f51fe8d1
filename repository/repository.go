// Package repository is the durable state store for jobs, model versions,
// deployments and the edge roster. Every mutation is a read-modify-write of a
// single row guarded by the entity's seq column, so concurrent callbacks can
// never apply conflicting transitions to the same entity.
package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/edgevision/model-orchestrator/apperrors"
)

// ErrSkipUpdate can be returned from a mutate function to abort the write
// while reporting success. Used for idempotent-ignore paths such as duplicate
// terminal callbacks.
var ErrSkipUpdate = errors.New("skip update")

// maxSeqRetries bounds the optimistic-concurrency retry loop. Conflicts are
// per-entity and short-lived, so collisions beyond a handful indicate a bug.
const maxSeqRetries = 5

// Repository handles database operations.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository instance.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func notFound(entity, id string) error {
	return apperrors.New(apperrors.CodeNotFound, "%s %s not found", entity, id)
}

func conflict(entity, id string) error {
	return apperrors.New(apperrors.CodeTransientInfra,
		"concurrent update conflict on %s %s", entity, id)
}

func wrapDB(err error, op string) error {
	return fmt.Errorf("%s: %w", op, err)
}
