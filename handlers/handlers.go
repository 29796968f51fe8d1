// Package handlers binds the orchestrator's operations to the HTTP surface.
package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/edgevision/model-orchestrator/apperrors"
	"github.com/edgevision/model-orchestrator/config"
	"github.com/edgevision/model-orchestrator/fleet"
	"github.com/edgevision/model-orchestrator/lifecycle"
	"github.com/edgevision/model-orchestrator/middleware"
	"github.com/edgevision/model-orchestrator/models"
	"github.com/edgevision/model-orchestrator/rollout"
	"github.com/edgevision/model-orchestrator/scheduler"
	"github.com/edgevision/model-orchestrator/storage"
)

// Handler handles HTTP requests.
type Handler struct {
	sched     *scheduler.Scheduler
	lifecycle *lifecycle.Manager
	rollout   *rollout.Coordinator
	fleet     *fleet.Registry
	artifacts *storage.ArtifactStore
}

// NewHandler creates a new handler instance.
func NewHandler(sched *scheduler.Scheduler, lc *lifecycle.Manager, ro *rollout.Coordinator, registry *fleet.Registry, artifacts *storage.ArtifactStore) *Handler {
	return &Handler{
		sched:     sched,
		lifecycle: lc,
		rollout:   ro,
		fleet:     registry,
		artifacts: artifacts,
	}
}

// respondError maps the error taxonomy to HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Printf("Request failed: %v", err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": string(apperrors.CodeOf(err))})
}

// SubmitJob handles POST /api/v1/training/jobs
func (h *Handler) SubmitJob(c *gin.Context) {
	var req models.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}

	job, err := h.sched.SubmitJob(c.Request.Context(), middleware.GetOrgID(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.JobToResponse(job))
}

// ListJobs handles GET /api/v1/training/jobs
func (h *Handler) ListJobs(c *gin.Context) {
	jobs, err := h.sched.ListJobs(middleware.GetOrgID(c), config.JobStatus(c.Query("status")), c.Query("ai_module"))
	if err != nil {
		respondError(c, err)
		return
	}

	responses := make([]*models.JobResponse, 0, len(jobs))
	for i := range jobs {
		responses = append(responses, models.JobToResponse(&jobs[i]))
	}
	c.JSON(http.StatusOK, responses)
}

// GetJob handles GET /api/v1/training/jobs/:id
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.sched.GetJob(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.JobToResponse(job))
}

// GetJobLogs handles GET /api/v1/training/jobs/:id/logs
func (h *Handler) GetJobLogs(c *gin.Context) {
	job, err := h.sched.GetJob(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.String(http.StatusOK, job.TrainingLogs)
}

// CancelJob handles POST /api/v1/training/jobs/:id/cancel
func (h *Handler) CancelJob(c *gin.Context) {
	job, err := h.sched.CancelJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.JobToResponse(job))
}

// ReportJobProgress handles POST /api/v1/training/jobs/:id/progress
// (executor callback).
func (h *Handler) ReportJobProgress(c *gin.Context) {
	var report models.ProgressReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}

	job, err := h.sched.ReportProgress(c.Request.Context(), c.Param("id"), &report)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.JobToResponse(job))
}

// ReportJobTerminal handles POST /api/v1/training/jobs/:id/complete
// (executor callback).
func (h *Handler) ReportJobTerminal(c *gin.Context) {
	var report models.TerminalReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}

	job, err := h.sched.ReportTerminal(c.Request.Context(), c.Param("id"), &report)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.JobToResponse(job))
}

// ListVersions handles GET /api/v1/training/models
func (h *Handler) ListVersions(c *gin.Context) {
	versions, err := h.lifecycle.ListVersions(c.Query("ai_module"), config.VersionStatus(c.Query("status")))
	if err != nil {
		respondError(c, err)
		return
	}

	responses := make([]*models.VersionResponse, 0, len(versions))
	for i := range versions {
		responses = append(responses, models.VersionToResponse(&versions[i]))
	}
	c.JSON(http.StatusOK, responses)
}

// GetVersion handles GET /api/v1/training/models/:id
func (h *Handler) GetVersion(c *gin.Context) {
	v, err := h.lifecycle.GetVersion(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.VersionToResponse(v))
}

// ImportVersion handles POST /api/v1/training/models
func (h *Handler) ImportVersion(c *gin.Context) {
	var req models.ImportVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}

	v, err := h.lifecycle.RegisterImport(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.VersionToResponse(v))
}

// BeginTesting handles POST /api/v1/training/models/:id/testing
func (h *Handler) BeginTesting(c *gin.Context) {
	v, err := h.lifecycle.BeginTesting(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.VersionToResponse(v))
}

// ApproveVersion handles POST /api/v1/training/models/:id/approve
func (h *Handler) ApproveVersion(c *gin.Context) {
	var req models.ApproveRequest
	_ = c.ShouldBindJSON(&req) // actor is optional

	v, err := h.lifecycle.Approve(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.VersionToResponse(v))
}

// ReleaseVersion handles POST /api/v1/training/models/:id/release
func (h *Handler) ReleaseVersion(c *gin.Context) {
	var req models.ReleaseRequest
	_ = c.ShouldBindJSON(&req)

	v, err := h.lifecycle.Release(c.Request.Context(), c.Param("id"), req.Actor, req.ReleaseNotes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.VersionToResponse(v))
}

// DeprecateVersion handles POST /api/v1/training/models/:id/deprecate
func (h *Handler) DeprecateVersion(c *gin.Context) {
	v, err := h.lifecycle.Deprecate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.VersionToResponse(v))
}

// UploadArtifact handles POST /api/v1/training/models/upload
// Stores a model artifact and returns its object key for version import.
func (h *Handler) UploadArtifact(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File is required"})
		return
	}
	defer file.Close()

	objectKey := c.PostForm("objectKey")
	if objectKey == "" {
		objectKey = uuid.New().String() + "-" + header.Filename
	}

	size, err := h.artifacts.UploadModel(c.Request.Context(), objectKey, file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"object_key": objectKey,
		"size":       size,
	})
}

// PurgeArtifact handles DELETE /api/v1/training/models/:id/artifact
// Reclaims the stored artifact of a deprecated version.
func (h *Handler) PurgeArtifact(c *gin.Context) {
	current, err := h.lifecycle.GetVersion(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	objectKey := current.ArtifactObject

	v, err := h.lifecycle.ClearArtifact(c.Request.Context(), current.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	if objectKey != "" {
		if err := h.artifacts.DeleteArtifact(c.Request.Context(), objectKey); err != nil {
			log.Printf("Failed to delete artifact %s: %v", objectKey, err)
		}
	}
	c.JSON(http.StatusOK, models.VersionToResponse(v))
}

// DeployToTarget handles POST /api/v1/training/models/:id/deploy
func (h *Handler) DeployToTarget(c *gin.Context) {
	var req models.DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}

	d, err := h.rollout.DeployToTarget(c.Request.Context(), c.Param("id"), req.EdgeServerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.DeploymentToResponse(d))
}

// DeployToFleet handles POST /api/v1/training/models/:id/deploy-all
func (h *Handler) DeployToFleet(c *gin.Context) {
	ids, err := h.rollout.DeployToFleet(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deployment_ids": ids})
}

// ListDeployments handles GET /api/v1/training/models/:id/deployments
func (h *Handler) ListDeployments(c *gin.Context) {
	deployments, err := h.rollout.ListDeployments(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	responses := make([]*models.DeploymentResponse, 0, len(deployments))
	for i := range deployments {
		responses = append(responses, models.DeploymentToResponse(&deployments[i]))
	}
	c.JSON(http.StatusOK, responses)
}

// RetryDeployment handles POST /api/v1/training/deployments/:id/retry
func (h *Handler) RetryDeployment(c *gin.Context) {
	d, err := h.rollout.RetryDeployment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.DeploymentToResponse(d))
}

// GetDeployment handles GET /api/v1/training/deployments/:id
func (h *Handler) GetDeployment(c *gin.Context) {
	d, err := h.rollout.GetDeployment(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.DeploymentToResponse(d))
}

// ReportDeploymentProgress handles POST /api/v1/training/deployments/:id/progress
// (edge agent callback).
func (h *Handler) ReportDeploymentProgress(c *gin.Context) {
	var report models.DeploymentProgressReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}

	d, err := h.rollout.ReportProgress(c.Request.Context(), c.Param("id"), &report)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.DeploymentToResponse(d))
}

// ReportDeploymentTerminal handles POST /api/v1/training/deployments/:id/complete
// (edge agent callback).
func (h *Handler) ReportDeploymentTerminal(c *gin.Context) {
	var report models.DeploymentTerminalReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}

	d, err := h.rollout.ReportTerminal(c.Request.Context(), c.Param("id"), &report)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.DeploymentToResponse(d))
}

// GetRolloutStatus handles POST /api/v1/training/rollouts/status
func (h *Handler) GetRolloutStatus(c *gin.Context) {
	var req models.RolloutStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}

	status, err := h.rollout.RolloutStatus(c.Request.Context(), req.DeploymentIDs)
	if err != nil {
		respondError(c, err)
		return
	}

	deployments := make([]*models.DeploymentResponse, 0, len(status.Deployments))
	for i := range status.Deployments {
		deployments = append(deployments, models.DeploymentToResponse(&status.Deployments[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"state":       status.State,
		"total":       status.Total,
		"completed":   status.Completed,
		"failed":      status.Failed,
		"in_flight":   status.InFlight,
		"deployments": deployments,
	})
}

// Heartbeat handles POST /api/v1/training/edge/:edgeID/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	var req models.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}

	server, err := h.fleet.Heartbeat(c.Request.Context(), c.Param("edgeID"), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      server.ID,
		"edge_id": server.EdgeID,
		"online":  server.Online,
	})
}
