// Package lifecycle governs the approval -> release -> deprecation state
// machine for model versions produced by completed training jobs or imported
// directly.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/edgevision/model-orchestrator/apperrors"
	"github.com/edgevision/model-orchestrator/config"
	"github.com/edgevision/model-orchestrator/models"
	"github.com/edgevision/model-orchestrator/repository"
)

// QualityPolicy decides whether a version's metrics are good enough for
// approval. Returning an error rejects the approval with that message.
type QualityPolicy func(v *config.ModelVersion) error

// MinAccuracyPolicy rejects versions whose recorded accuracy is below the
// threshold. Versions without a recorded accuracy (direct imports) pass.
func MinAccuracyPolicy(threshold float64) QualityPolicy {
	return func(v *config.ModelVersion) error {
		if v.Accuracy != nil && *v.Accuracy < threshold {
			return fmt.Errorf("accuracy %.4f is below the minimum %.4f", *v.Accuracy, threshold)
		}
		return nil
	}
}

// Manager owns model version transitions.
type Manager struct {
	repo   *repository.Repository
	policy QualityPolicy
}

// NewManager creates a lifecycle manager with the given approval policy.
func NewManager(repo *repository.Repository, policy QualityPolicy) *Manager {
	if policy == nil {
		policy = func(*config.ModelVersion) error { return nil }
	}
	return &Manager{repo: repo, policy: policy}
}

// RegisterFromJob creates a draft version from a completed training job. The
// version string is the next patch of the module's latest version.
func (m *Manager) RegisterFromJob(ctx context.Context, jobID string) (*config.ModelVersion, error) {
	job, err := m.repo.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != config.JobCompleted {
		return nil, apperrors.New(apperrors.CodePrecursorNotReady,
			"training job %s is %s, not completed", jobID, job.Status)
	}

	version, err := m.nextVersion(job.AIModule)
	if err != nil {
		return nil, err
	}

	v := &config.ModelVersion{
		ID:            uuid.New().String(),
		AIModule:      job.AIModule,
		Version:       version,
		Name:          job.Name,
		TrainingJobID: job.ID,
		Status:        config.VersionDraft,
	}
	if job.Metrics != "" {
		var metrics map[string]float64
		if err := json.Unmarshal([]byte(job.Metrics), &metrics); err == nil {
			if acc, ok := metrics["accuracy"]; ok {
				v.Accuracy = &acc
			}
		}
	}

	if err := m.repo.CreateVersion(v); err != nil {
		return nil, err
	}
	log.Printf("Registered draft version %s %s from job %s", v.AIModule, v.Version, jobID)
	return v, nil
}

// RegisterImport creates a draft version from an external artifact.
func (m *Manager) RegisterImport(ctx context.Context, req *models.ImportVersionRequest) (*config.ModelVersion, error) {
	if _, err := semver.StrictNewVersion(req.Version); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, err,
			"version %q is not a valid semantic version", req.Version)
	}
	if req.MinEdgeVersion != "" {
		if _, err := semver.StrictNewVersion(req.MinEdgeVersion); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidation, err,
				"min_edge_version %q is not a valid semantic version", req.MinEdgeVersion)
		}
	}

	existing, err := m.repo.GetVersionByModuleVersion(req.AIModule, req.Version)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperrors.New(apperrors.CodeValidation,
			"version %s already exists for module %s", req.Version, req.AIModule)
	}

	v := &config.ModelVersion{
		ID:             uuid.New().String(),
		AIModule:       req.AIModule,
		Version:        req.Version,
		Name:           req.Name,
		Description:    req.Description,
		ArtifactObject: req.ArtifactObject,
		ArtifactSize:   req.ArtifactSize,
		Accuracy:       req.Accuracy,
		PrecisionScore: req.PrecisionScore,
		RecallScore:    req.RecallScore,
		F1Score:        req.F1Score,
		MinEdgeVersion: req.MinEdgeVersion,
		Status:         config.VersionDraft,
	}
	if err := m.repo.CreateVersion(v); err != nil {
		return nil, err
	}
	log.Printf("Imported version %s %s", v.AIModule, v.Version)
	return v, nil
}

// BeginTesting moves a draft version into the optional testing phase.
func (m *Manager) BeginTesting(ctx context.Context, id string) (*config.ModelVersion, error) {
	return m.repo.TransitionVersion(id, config.VersionTesting, nil)
}

// Approve moves a draft or testing version to approved, subject to the
// quality policy.
func (m *Manager) Approve(ctx context.Context, id, actor string) (*config.ModelVersion, error) {
	return m.repo.UpdateVersion(id, func(v *config.ModelVersion) error {
		if !v.Status.CanTransition(config.VersionApproved) {
			return apperrors.New(apperrors.CodeInvalidState,
				"model version %s cannot be approved from status %s", id, v.Status)
		}
		if err := m.policy(v); err != nil {
			return apperrors.Wrap(apperrors.CodeInvalidState, err,
				"model version %s failed the quality policy", id)
		}
		now := time.Now()
		v.Status = config.VersionApproved
		v.IsApproved = true
		v.ApprovedBy = actor
		v.ApprovedAt = &now
		return nil
	})
}

// Release moves an approved version to released, recording the actor and
// release notes.
func (m *Manager) Release(ctx context.Context, id, actor, notes string) (*config.ModelVersion, error) {
	v, err := m.repo.TransitionVersion(id, config.VersionReleased, func(v *config.ModelVersion) {
		now := time.Now()
		v.IsReleased = true
		v.ReleasedBy = actor
		v.ReleasedAt = &now
		v.ReleaseNotes = notes
	})
	if err != nil {
		return nil, err
	}
	log.Printf("Released version %s %s", v.AIModule, v.Version)
	return v, nil
}

// Deprecate moves any non-terminal version to deprecated. Deprecation is
// terminal and irreversible; the rollout coordinator rejects deprecated
// versions at deploy time.
func (m *Manager) Deprecate(ctx context.Context, id string) (*config.ModelVersion, error) {
	return m.repo.TransitionVersion(id, config.VersionDeprecated, nil)
}

// ClearArtifact removes the artifact reference from a deprecated version so
// the stored object can be reclaimed. Any other status still needs its
// artifact for deployment.
func (m *Manager) ClearArtifact(ctx context.Context, id string) (*config.ModelVersion, error) {
	return m.repo.UpdateVersion(id, func(v *config.ModelVersion) error {
		if v.Status != config.VersionDeprecated {
			return apperrors.New(apperrors.CodeInvalidState,
				"model version %s is %s, only deprecated versions release their artifact", id, v.Status)
		}
		if v.ArtifactObject == "" {
			return repository.ErrSkipUpdate
		}
		v.ArtifactObject = ""
		v.ArtifactSize = 0
		return nil
	})
}

// GetVersion retrieves a version record.
func (m *Manager) GetVersion(id string) (*config.ModelVersion, error) {
	return m.repo.GetVersion(id)
}

// ListVersions lists versions, optionally filtered by module and status.
func (m *Manager) ListVersions(aiModule string, status config.VersionStatus) ([]config.ModelVersion, error) {
	return m.repo.ListVersions(aiModule, status)
}

// LatestReleased returns the module's highest released version by semver
// order, or nil if nothing is released.
func (m *Manager) LatestReleased(aiModule string) (*config.ModelVersion, error) {
	released, err := m.repo.ListVersions(aiModule, config.VersionReleased)
	if err != nil {
		return nil, err
	}
	if len(released) == 0 {
		return nil, nil
	}

	sort.Slice(released, func(i, j int) bool {
		vi, erri := semver.NewVersion(released[i].Version)
		vj, errj := semver.NewVersion(released[j].Version)
		if erri != nil || errj != nil {
			return released[i].Version < released[j].Version
		}
		return vi.LessThan(vj)
	})
	return &released[len(released)-1], nil
}

// nextVersion computes the next patch version for a module, starting at
// 0.1.0 when the module has no versions yet.
func (m *Manager) nextVersion(aiModule string) (string, error) {
	versions, err := m.repo.ListVersions(aiModule, "")
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "0.1.0", nil
	}

	var latest *semver.Version
	for _, v := range versions {
		parsed, err := semver.NewVersion(v.Version)
		if err != nil {
			continue
		}
		if latest == nil || parsed.GreaterThan(latest) {
			latest = parsed
		}
	}
	if latest == nil {
		return "0.1.0", nil
	}
	next := latest.IncPatch()
	return next.String(), nil
}
