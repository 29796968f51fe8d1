package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/edgevision/model-orchestrator/apperrors"
	"github.com/edgevision/model-orchestrator/config"
)

// CreateJob inserts a new training job record.
func (r *Repository) CreateJob(job *config.TrainingJob) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if err := r.db.Create(job).Error; err != nil {
		return wrapDB(err, "failed to create training job")
	}
	return nil
}

// GetJob retrieves a training job by ID.
func (r *Repository) GetJob(id string) (*config.TrainingJob, error) {
	var job config.TrainingJob
	if err := r.db.Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("training job", id)
		}
		return nil, wrapDB(err, "failed to get training job")
	}
	return &job, nil
}

// ListJobs lists jobs, newest first, optionally filtered.
func (r *Repository) ListJobs(orgID string, status config.JobStatus, aiModule string) ([]config.TrainingJob, error) {
	var jobs []config.TrainingJob
	query := r.db.Order("created_at DESC")
	if orgID != "" {
		query = query.Where("organization_id = ?", orgID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if aiModule != "" {
		query = query.Where("ai_module = ?", aiModule)
	}
	if err := query.Find(&jobs).Error; err != nil {
		return nil, wrapDB(err, "failed to list training jobs")
	}
	return jobs, nil
}

// ListJobsByStatus lists jobs in the given status across all organizations,
// oldest first. Used by the admission loop.
func (r *Repository) ListJobsByStatus(status config.JobStatus) ([]config.TrainingJob, error) {
	var jobs []config.TrainingJob
	err := r.db.Where("status = ?", status).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, wrapDB(err, "failed to list jobs by status")
	}
	return jobs, nil
}

// CountJobsInStatuses counts an organization's jobs in the given statuses.
// The admission decision recomputes this on every call rather than caching a
// counter, so the quota cannot drift.
func (r *Repository) CountJobsInStatuses(orgID string, statuses ...config.JobStatus) (int64, error) {
	var count int64
	err := r.db.Model(&config.TrainingJob{}).
		Where("organization_id = ? AND status IN (?)", orgID, statuses).
		Count(&count).Error
	if err != nil {
		return 0, wrapDB(err, "failed to count jobs")
	}
	return count, nil
}

// OldestQueuedJob returns the organization's oldest queued job, or nil if the
// queue is empty. Promotion is strict FIFO per organization.
func (r *Repository) OldestQueuedJob(orgID string) (*config.TrainingJob, error) {
	var job config.TrainingJob
	err := r.db.Where("organization_id = ? AND status = ?", orgID, config.JobQueued).
		Order("created_at ASC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, wrapDB(err, "failed to get oldest queued job")
	}
	return &job, nil
}

// ListQueuedOrgs returns the distinct organizations that currently have
// queued jobs.
func (r *Repository) ListQueuedOrgs() ([]string, error) {
	var orgs []string
	err := r.db.Model(&config.TrainingJob{}).
		Where("status = ?", config.JobQueued).
		Distinct("organization_id").
		Pluck("organization_id", &orgs).Error
	if err != nil {
		return nil, wrapDB(err, "failed to list queued organizations")
	}
	return orgs, nil
}

// UpdateJob applies mutate to the job under the seq guard. If mutate returns
// ErrSkipUpdate the row is left untouched and the current state is returned.
func (r *Repository) UpdateJob(id string, mutate func(*config.TrainingJob) error) (*config.TrainingJob, error) {
	for attempt := 0; attempt < maxSeqRetries; attempt++ {
		var job config.TrainingJob
		if err := r.db.Where("id = ?", id).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, notFound("training job", id)
			}
			return nil, wrapDB(err, "failed to read training job")
		}

		seq := job.Seq
		if err := mutate(&job); err != nil {
			if errors.Is(err, ErrSkipUpdate) {
				return &job, nil
			}
			return nil, err
		}
		job.Seq = seq + 1

		res := r.db.Model(&config.TrainingJob{}).
			Where("id = ? AND seq = ?", id, seq).
			Select("*").Omit("id", "created_at").
			Updates(job)
		if res.Error != nil {
			return nil, wrapDB(res.Error, "failed to update training job")
		}
		if res.RowsAffected == 1 {
			return &job, nil
		}
		// Lost the race; re-read and try again.
	}
	return nil, conflict("training job", id)
}

// TransitionJob moves the job to the given status, validating the move
// against the job state machine, then applies mutate to the row.
func (r *Repository) TransitionJob(id string, to config.JobStatus, mutate func(*config.TrainingJob)) (*config.TrainingJob, error) {
	return r.UpdateJob(id, func(job *config.TrainingJob) error {
		if !job.Status.CanTransition(to) {
			return apperrors.New(apperrors.CodeInvalidState,
				"training job %s cannot transition from %s to %s", id, job.Status, to)
		}
		job.Status = to
		if mutate != nil {
			mutate(job)
		}
		return nil
	})
}
