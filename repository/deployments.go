package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/edgevision/model-orchestrator/apperrors"
	"github.com/edgevision/model-orchestrator/config"
)

// CreateDeployment inserts a new deployment record. The partial unique index
// on (model_version_id, edge_server_id) rejects the insert when another
// non-terminal deployment exists for the pair, so concurrent deploy calls
// cannot both create an active row.
func (r *Repository) CreateDeployment(d *config.Deployment) error {
	if d.ScheduledAt.IsZero() {
		d.ScheduledAt = time.Now()
	}
	if err := r.db.Create(d).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return alreadyDeploying(d.ModelVersionID, d.EdgeServerID)
		}
		return wrapDB(err, "failed to create deployment")
	}
	return nil
}

func alreadyDeploying(versionID, edgeServerID string) error {
	return apperrors.New(apperrors.CodeAlreadyDeploying,
		"an active deployment of version %s on target %s already exists", versionID, edgeServerID)
}

// GetDeployment retrieves a deployment by ID.
func (r *Repository) GetDeployment(id string) (*config.Deployment, error) {
	var d config.Deployment
	if err := r.db.Where("id = ?", id).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("deployment", id)
		}
		return nil, wrapDB(err, "failed to get deployment")
	}
	return &d, nil
}

// ListDeploymentsForVersion lists all deployments of a model version, newest
// first.
func (r *Repository) ListDeploymentsForVersion(versionID string) ([]config.Deployment, error) {
	var deployments []config.Deployment
	err := r.db.Where("model_version_id = ?", versionID).
		Order("scheduled_at DESC").
		Find(&deployments).Error
	if err != nil {
		return nil, wrapDB(err, "failed to list deployments")
	}
	return deployments, nil
}

// ActiveDeployment returns the non-terminal deployment for the given
// (version, target) pair, or nil if none is in flight.
func (r *Repository) ActiveDeployment(versionID, edgeServerID string) (*config.Deployment, error) {
	var d config.Deployment
	err := r.db.Where(
		"model_version_id = ? AND edge_server_id = ? AND status IN (?)",
		versionID, edgeServerID,
		[]config.DeploymentStatus{
			config.DeploymentPending,
			config.DeploymentDownloading,
			config.DeploymentInstalling,
		}).First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, wrapDB(err, "failed to look up active deployment")
	}
	return &d, nil
}

// DueDeployments returns pending deployments that have not been dispatched
// yet and whose retry backoff, if any, has elapsed. Oldest first.
func (r *Repository) DueDeployments(now time.Time, limit int) ([]config.Deployment, error) {
	var deployments []config.Deployment
	err := r.db.Where(
		"status = ? AND dispatched_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= ?)",
		config.DeploymentPending, now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&deployments).Error
	if err != nil {
		return nil, wrapDB(err, "failed to list due deployments")
	}
	return deployments, nil
}

// ClaimDeployment marks a pending deployment as dispatched so no other
// dispatcher sends the same install command. Returns false if the row was
// already claimed or has moved on.
func (r *Repository) ClaimDeployment(id string, now time.Time) (*config.Deployment, bool, error) {
	d, err := r.UpdateDeployment(id, func(d *config.Deployment) error {
		if d.Status != config.DeploymentPending || d.DispatchedAt != nil {
			return ErrSkipUpdate
		}
		d.DispatchedAt = &now
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	claimed := d.DispatchedAt != nil && d.DispatchedAt.Equal(now) && d.Status == config.DeploymentPending
	return d, claimed, nil
}

// UpdateDeployment applies mutate to the deployment under the seq guard.
func (r *Repository) UpdateDeployment(id string, mutate func(*config.Deployment) error) (*config.Deployment, error) {
	for attempt := 0; attempt < maxSeqRetries; attempt++ {
		var d config.Deployment
		if err := r.db.Where("id = ?", id).First(&d).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, notFound("deployment", id)
			}
			return nil, wrapDB(err, "failed to read deployment")
		}

		seq := d.Seq
		if err := mutate(&d); err != nil {
			if errors.Is(err, ErrSkipUpdate) {
				return &d, nil
			}
			return nil, err
		}
		d.Seq = seq + 1

		res := r.db.Model(&config.Deployment{}).
			Where("id = ? AND seq = ?", id, seq).
			Select("*").Omit("id", "scheduled_at").
			Updates(d)
		if res.Error != nil {
			// Moving failed back to pending collides with the active-pair
			// index when a newer deployment is already in flight.
			if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
				return nil, alreadyDeploying(d.ModelVersionID, d.EdgeServerID)
			}
			return nil, wrapDB(res.Error, "failed to update deployment")
		}
		if res.RowsAffected == 1 {
			return &d, nil
		}
	}
	return nil, conflict("deployment", id)
}

// TransitionDeployment moves the deployment to the given status, validating
// the move against the deployment state machine.
func (r *Repository) TransitionDeployment(id string, to config.DeploymentStatus, mutate func(*config.Deployment)) (*config.Deployment, error) {
	return r.UpdateDeployment(id, func(d *config.Deployment) error {
		if !d.Status.CanTransition(to) {
			return apperrors.New(apperrors.CodeInvalidState,
				"deployment %s cannot transition from %s to %s", id, d.Status, to)
		}
		d.Status = to
		if mutate != nil {
			mutate(d)
		}
		return nil
	})
}
