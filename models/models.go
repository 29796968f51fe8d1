// Package models defines the request and response payloads of the
// orchestrator's HTTP surface.
package models

import (
	"encoding/json"
	"time"

	"github.com/edgevision/model-orchestrator/config"
)

// SubmitJobRequest is the payload for creating a training job.
type SubmitJobRequest struct {
	Name            string                 `json:"name" binding:"required"`
	AIModule        string                 `json:"ai_module" binding:"required"`
	DatasetID       string                 `json:"dataset_id" binding:"required"`
	Hyperparameters map[string]interface{} `json:"hyperparameters"`
	TotalEpochs     int                    `json:"total_epochs"`
}

// ProgressReport is the executor's progress callback payload.
type ProgressReport struct {
	ProgressPercent int                `json:"progress_percent"`
	CurrentEpoch    *int               `json:"current_epoch,omitempty"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
	LogLine         string             `json:"log_line,omitempty"`
}

// TerminalReport is the executor's completion callback payload.
type TerminalReport struct {
	Status       string             `json:"status" binding:"required"` // completed | failed
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
}

// JobResponse mirrors a training job row.
type JobResponse struct {
	ID              string                 `json:"id"`
	OrganizationID  string                 `json:"organization_id"`
	Name            string                 `json:"name"`
	AIModule        string                 `json:"ai_module"`
	DatasetID       string                 `json:"dataset_id"`
	Hyperparameters map[string]interface{} `json:"hyperparameters,omitempty"`
	Status          config.JobStatus       `json:"status"`
	ProgressPercent int                    `json:"progress_percent"`
	CurrentEpoch    int                    `json:"current_epoch,omitempty"`
	TotalEpochs     int                    `json:"total_epochs,omitempty"`
	Metrics         map[string]float64     `json:"metrics,omitempty"`
	OutputVersionID string                 `json:"output_model_version,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

// JobToResponse converts a job row to its API shape, decoding the JSON
// columns. Undecodable columns are surfaced as empty maps rather than errors;
// the row itself is the source of truth.
func JobToResponse(job *config.TrainingJob) *JobResponse {
	resp := &JobResponse{
		ID:              job.ID,
		OrganizationID:  job.OrganizationID,
		Name:            job.Name,
		AIModule:        job.AIModule,
		DatasetID:       job.DatasetID,
		Status:          job.Status,
		ProgressPercent: job.ProgressPercent,
		CurrentEpoch:    job.CurrentEpoch,
		TotalEpochs:     job.TotalEpochs,
		OutputVersionID: job.OutputVersionID,
		ErrorMessage:    job.ErrorMessage,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
	if job.Hyperparameters != "" {
		_ = json.Unmarshal([]byte(job.Hyperparameters), &resp.Hyperparameters)
	}
	if job.Metrics != "" {
		_ = json.Unmarshal([]byte(job.Metrics), &resp.Metrics)
	}
	return resp
}

// ImportVersionRequest registers a model version from an external artifact.
type ImportVersionRequest struct {
	AIModule       string   `json:"ai_module" binding:"required"`
	Version        string   `json:"version" binding:"required"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	ArtifactObject string   `json:"artifact_object"`
	ArtifactSize   int64    `json:"artifact_size"`
	Accuracy       *float64 `json:"accuracy"`
	PrecisionScore *float64 `json:"precision_score"`
	RecallScore    *float64 `json:"recall_score"`
	F1Score        *float64 `json:"f1_score"`
	MinEdgeVersion string   `json:"min_edge_version"`
}

// ApproveRequest carries the approving actor.
type ApproveRequest struct {
	Actor string `json:"actor"`
}

// ReleaseRequest carries the releasing actor and release notes.
type ReleaseRequest struct {
	Actor        string `json:"actor"`
	ReleaseNotes string `json:"release_notes"`
}

// VersionResponse mirrors a model version row.
type VersionResponse struct {
	ID             string               `json:"id"`
	AIModule       string               `json:"ai_module"`
	Version        string               `json:"version"`
	Name           string               `json:"name,omitempty"`
	Description    string               `json:"description,omitempty"`
	TrainingJobID  string               `json:"training_job_id,omitempty"`
	ArtifactObject string               `json:"artifact_object,omitempty"`
	ArtifactSize   int64                `json:"artifact_size,omitempty"`
	Accuracy       *float64             `json:"accuracy,omitempty"`
	PrecisionScore *float64             `json:"precision_score,omitempty"`
	RecallScore    *float64             `json:"recall_score,omitempty"`
	F1Score        *float64             `json:"f1_score,omitempty"`
	MinEdgeVersion string               `json:"min_edge_version,omitempty"`
	Status         config.VersionStatus `json:"status"`
	IsApproved     bool                 `json:"is_approved"`
	ApprovedBy     string               `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time           `json:"approved_at,omitempty"`
	IsReleased     bool                 `json:"is_released"`
	ReleasedBy     string               `json:"released_by,omitempty"`
	ReleasedAt     *time.Time           `json:"released_at,omitempty"`
	ReleaseNotes   string               `json:"release_notes,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// VersionToResponse converts a model version row to its API shape.
func VersionToResponse(v *config.ModelVersion) *VersionResponse {
	return &VersionResponse{
		ID:             v.ID,
		AIModule:       v.AIModule,
		Version:        v.Version,
		Name:           v.Name,
		Description:    v.Description,
		TrainingJobID:  v.TrainingJobID,
		ArtifactObject: v.ArtifactObject,
		ArtifactSize:   v.ArtifactSize,
		Accuracy:       v.Accuracy,
		PrecisionScore: v.PrecisionScore,
		RecallScore:    v.RecallScore,
		F1Score:        v.F1Score,
		MinEdgeVersion: v.MinEdgeVersion,
		Status:         v.Status,
		IsApproved:     v.IsApproved,
		ApprovedBy:     v.ApprovedBy,
		ApprovedAt:     v.ApprovedAt,
		IsReleased:     v.IsReleased,
		ReleasedBy:     v.ReleasedBy,
		ReleasedAt:     v.ReleasedAt,
		ReleaseNotes:   v.ReleaseNotes,
		CreatedAt:      v.CreatedAt,
	}
}

// DeployRequest targets a single edge server.
type DeployRequest struct {
	EdgeServerID string `json:"edge_server_id" binding:"required"`
}

// DeploymentProgressReport is the edge agent's progress callback payload.
type DeploymentProgressReport struct {
	Status          string `json:"status" binding:"required"` // downloading | installing
	ProgressPercent int    `json:"progress_percent"`
}

// DeploymentTerminalReport is the edge agent's completion callback payload.
type DeploymentTerminalReport struct {
	Success      bool   `json:"success"`
	FailureKind  string `json:"failure_kind,omitempty"` // transient | permanent
	ErrorMessage string `json:"error_message,omitempty"`
}

// DeploymentResponse mirrors a deployment row.
type DeploymentResponse struct {
	ID              string                  `json:"id"`
	ModelVersionID  string                  `json:"model_version_id"`
	EdgeServerID    string                  `json:"edge_server_id"`
	Status          config.DeploymentStatus `json:"status"`
	ProgressPercent int                     `json:"progress_percent"`
	RetryCount      int                     `json:"retry_count"`
	ErrorMessage    string                  `json:"error_message,omitempty"`
	ScheduledAt     time.Time               `json:"scheduled_at"`
	StartedAt       *time.Time              `json:"started_at,omitempty"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
}

// DeploymentToResponse converts a deployment row to its API shape.
func DeploymentToResponse(d *config.Deployment) *DeploymentResponse {
	return &DeploymentResponse{
		ID:              d.ID,
		ModelVersionID:  d.ModelVersionID,
		EdgeServerID:    d.EdgeServerID,
		Status:          d.Status,
		ProgressPercent: d.ProgressPercent,
		RetryCount:      d.RetryCount,
		ErrorMessage:    d.ErrorMessage,
		ScheduledAt:     d.ScheduledAt,
		StartedAt:       d.StartedAt,
		CompletedAt:     d.CompletedAt,
	}
}

// HeartbeatRequest is sent periodically by edge servers to keep their roster
// entry current.
type HeartbeatRequest struct {
	Name        string   `json:"name"`
	AIModules   []string `json:"ai_modules"`
	AgentURL    string   `json:"agent_url"`
	EdgeVersion string   `json:"edge_version"`
}

// RolloutStatusRequest asks for the aggregate status of a set of deployments.
type RolloutStatusRequest struct {
	DeploymentIDs []string `json:"deployment_ids" binding:"required"`
}
