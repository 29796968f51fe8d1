package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/edgevision/model-orchestrator/apperrors"
	"github.com/edgevision/model-orchestrator/config"
)

// CreateVersion inserts a new model version record.
func (r *Repository) CreateVersion(v *config.ModelVersion) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	if err := r.db.Create(v).Error; err != nil {
		return wrapDB(err, "failed to create model version")
	}
	return nil
}

// GetVersion retrieves a model version by ID.
func (r *Repository) GetVersion(id string) (*config.ModelVersion, error) {
	var v config.ModelVersion
	if err := r.db.Where("id = ?", id).First(&v).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("model version", id)
		}
		return nil, wrapDB(err, "failed to get model version")
	}
	return &v, nil
}

// GetVersionByModuleVersion looks up the version with the given version
// string within a module, or nil if none exists.
func (r *Repository) GetVersionByModuleVersion(aiModule, version string) (*config.ModelVersion, error) {
	var v config.ModelVersion
	err := r.db.Where("ai_module = ? AND version = ?", aiModule, version).First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, wrapDB(err, "failed to look up model version")
	}
	return &v, nil
}

// ListVersions lists versions, newest first, optionally filtered.
func (r *Repository) ListVersions(aiModule string, status config.VersionStatus) ([]config.ModelVersion, error) {
	var versions []config.ModelVersion
	query := r.db.Order("created_at DESC")
	if aiModule != "" {
		query = query.Where("ai_module = ?", aiModule)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&versions).Error; err != nil {
		return nil, wrapDB(err, "failed to list model versions")
	}
	return versions, nil
}

// UpdateVersion applies mutate to the version under the seq guard.
func (r *Repository) UpdateVersion(id string, mutate func(*config.ModelVersion) error) (*config.ModelVersion, error) {
	for attempt := 0; attempt < maxSeqRetries; attempt++ {
		var v config.ModelVersion
		if err := r.db.Where("id = ?", id).First(&v).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, notFound("model version", id)
			}
			return nil, wrapDB(err, "failed to read model version")
		}

		seq := v.Seq
		if err := mutate(&v); err != nil {
			if errors.Is(err, ErrSkipUpdate) {
				return &v, nil
			}
			return nil, err
		}
		v.Seq = seq + 1

		res := r.db.Model(&config.ModelVersion{}).
			Where("id = ? AND seq = ?", id, seq).
			Select("*").Omit("id", "created_at").
			Updates(v)
		if res.Error != nil {
			return nil, wrapDB(res.Error, "failed to update model version")
		}
		if res.RowsAffected == 1 {
			return &v, nil
		}
	}
	return nil, conflict("model version", id)
}

// TransitionVersion moves the version to the given status, validating the
// move against the lifecycle state machine.
func (r *Repository) TransitionVersion(id string, to config.VersionStatus, mutate func(*config.ModelVersion)) (*config.ModelVersion, error) {
	return r.UpdateVersion(id, func(v *config.ModelVersion) error {
		if !v.Status.CanTransition(to) {
			return apperrors.New(apperrors.CodeInvalidState,
				"model version %s cannot transition from %s to %s", id, v.Status, to)
		}
		v.Status = to
		if mutate != nil {
			mutate(v)
		}
		return nil
	})
}
