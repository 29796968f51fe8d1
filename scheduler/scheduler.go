// Package scheduler admits training-job requests, enforces per-organization
// concurrency limits, dispatches admitted jobs to the training executor and
// ingests the executor's progress and completion callbacks.
package scheduler

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgevision/model-orchestrator/apperrors"
	"github.com/edgevision/model-orchestrator/config"
	"github.com/edgevision/model-orchestrator/executor"
	"github.com/edgevision/model-orchestrator/models"
	"github.com/edgevision/model-orchestrator/repository"
)

// DatasetResolver checks that a dataset reference exists and is ready for
// training. Dataset content and lifecycle are external.
type DatasetResolver interface {
	Resolve(ctx context.Context, datasetID string) (ready bool, err error)
}

// VersionRegistrar turns a completed job into a draft model version. Wired to
// the lifecycle manager.
type VersionRegistrar interface {
	RegisterFromJob(ctx context.Context, jobID string) (*config.ModelVersion, error)
}

// Scheduler owns the training-job state machine.
type Scheduler struct {
	repo     *repository.Repository
	exec     executor.TrainingExecutor
	datasets DatasetResolver
	versions VersionRegistrar

	maxConcurrent int
	tick          time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler. versions may be nil if completed jobs
// should not auto-register a draft version.
func NewScheduler(repo *repository.Repository, exec executor.TrainingExecutor, datasets DatasetResolver, versions VersionRegistrar, maxConcurrent int, tick time.Duration) *Scheduler {
	return &Scheduler{
		repo:          repo,
		exec:          exec,
		datasets:      datasets,
		versions:      versions,
		maxConcurrent: maxConcurrent,
		tick:          tick,
		stopChan:      make(chan struct{}),
	}
}

// SubmitJob validates and records a new training job. If the organization's
// concurrency quota is saturated the job is accepted in queued status rather
// than rejected. Returns the created job in all accepted cases.
func (s *Scheduler) SubmitJob(ctx context.Context, orgID string, req *models.SubmitJobRequest) (*config.TrainingJob, error) {
	if orgID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "organization is required")
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "job name is required")
	}
	if req.AIModule == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "ai_module is required")
	}
	if req.DatasetID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "dataset_id is required")
	}

	ready, err := s.datasets.Resolve(ctx, req.DatasetID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, err, "dataset %s could not be resolved", req.DatasetID)
	}
	if !ready {
		return nil, apperrors.New(apperrors.CodeValidation, "dataset %s is not ready for training", req.DatasetID)
	}

	hyperparams := "{}"
	if req.Hyperparameters != nil {
		raw, err := json.Marshal(req.Hyperparameters)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidation, err, "invalid hyperparameters")
		}
		hyperparams = string(raw)
	}

	// Backpressure, not failure: over-quota jobs land in queued and are
	// promoted FIFO by the admission loop.
	active, err := s.repo.CountJobsInStatuses(orgID, config.JobPending, config.JobQueued, config.JobRunning)
	if err != nil {
		return nil, err
	}
	status := config.JobPending
	if active >= int64(s.maxConcurrent) {
		status = config.JobQueued
	}

	job := &config.TrainingJob{
		ID:              uuid.New().String(),
		OrganizationID:  orgID,
		Name:            req.Name,
		AIModule:        req.AIModule,
		DatasetID:       req.DatasetID,
		Hyperparameters: hyperparams,
		Status:          status,
		TotalEpochs:     req.TotalEpochs,
		Metrics:         "{}",
	}
	if err := s.repo.CreateJob(job); err != nil {
		return nil, err
	}

	log.Printf("Submitted job %s (org %s, module %s, status %s)", job.ID, orgID, req.AIModule, status)
	return job, nil
}

// CancelJob marks the job cancelled and signals the executor to stop. The
// stop is best-effort; a late terminal callback from the executor is
// discarded by ReportTerminal.
func (s *Scheduler) CancelJob(ctx context.Context, id string) (*config.TrainingJob, error) {
	job, err := s.repo.TransitionJob(id, config.JobCancelled, func(j *config.TrainingJob) {
		now := time.Now()
		j.CompletedAt = &now
	})
	if err != nil {
		return nil, err
	}

	if err := s.exec.StopTraining(ctx, id); err != nil {
		log.Printf("Best-effort stop for job %s failed: %v", id, err)
	}

	log.Printf("Cancelled job %s", id)
	return job, nil
}

// GetJob retrieves a job record.
func (s *Scheduler) GetJob(id string) (*config.TrainingJob, error) {
	return s.repo.GetJob(id)
}

// ListJobs lists jobs for an organization, optionally filtered.
func (s *Scheduler) ListJobs(orgID string, status config.JobStatus, aiModule string) ([]config.TrainingJob, error) {
	return s.repo.ListJobs(orgID, status, aiModule)
}

// ReportProgress ingests an executor progress callback. Progress and epoch
// counters are monotonically non-decreasing while the job is running and
// freeze once the job is terminal; out-of-order callbacks are ignored.
func (s *Scheduler) ReportProgress(ctx context.Context, id string, report *models.ProgressReport) (*config.TrainingJob, error) {
	return s.repo.UpdateJob(id, func(job *config.TrainingJob) error {
		if job.Status != config.JobRunning {
			return repository.ErrSkipUpdate
		}

		changed := false
		percent := report.ProgressPercent
		if percent > 100 {
			percent = 100
		}
		if percent > job.ProgressPercent {
			job.ProgressPercent = percent
			changed = true
		}
		if report.CurrentEpoch != nil && *report.CurrentEpoch > job.CurrentEpoch {
			job.CurrentEpoch = *report.CurrentEpoch
			changed = true
		}
		if len(report.Metrics) > 0 {
			job.Metrics = mergeMetrics(job.Metrics, report.Metrics)
			changed = true
		}
		if report.LogLine != "" {
			job.TrainingLogs += report.LogLine + "\n"
			changed = true
		}
		if !changed {
			return repository.ErrSkipUpdate
		}
		return nil
	})
}

// ReportTerminal ingests an executor terminal callback. Duplicate or late
// callbacks for an already-terminal job are idempotently ignored, which also
// covers the cancelled-then-completed race.
func (s *Scheduler) ReportTerminal(ctx context.Context, id string, report *models.TerminalReport) (*config.TrainingJob, error) {
	var to config.JobStatus
	switch report.Status {
	case string(config.JobCompleted):
		to = config.JobCompleted
	case string(config.JobFailed):
		to = config.JobFailed
	default:
		return nil, apperrors.New(apperrors.CodeValidation, "invalid terminal status %q", report.Status)
	}

	job, err := s.repo.UpdateJob(id, func(job *config.TrainingJob) error {
		if job.Status.Terminal() {
			return repository.ErrSkipUpdate
		}
		if !job.Status.CanTransition(to) {
			return apperrors.New(apperrors.CodeInvalidState,
				"training job %s cannot transition from %s to %s", id, job.Status, to)
		}
		job.Status = to
		now := time.Now()
		job.CompletedAt = &now
		if len(report.Metrics) > 0 {
			job.Metrics = mergeMetrics(job.Metrics, report.Metrics)
		}
		if to == config.JobCompleted {
			job.ProgressPercent = 100
		}
		if to == config.JobFailed {
			job.ErrorMessage = report.ErrorMessage
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if job.Status == config.JobCompleted && to == config.JobCompleted && s.versions != nil && job.OutputVersionID == "" {
		s.registerOutputVersion(ctx, job)
	}
	return job, nil
}

// registerOutputVersion creates a draft model version from a completed job
// and links it back to the job row.
func (s *Scheduler) registerOutputVersion(ctx context.Context, job *config.TrainingJob) {
	v, err := s.versions.RegisterFromJob(ctx, job.ID)
	if err != nil {
		log.Printf("Failed to register version for completed job %s: %v", job.ID, err)
		return
	}
	_, err = s.repo.UpdateJob(job.ID, func(j *config.TrainingJob) error {
		j.OutputVersionID = v.ID
		return nil
	})
	if err != nil {
		log.Printf("Failed to link version %s to job %s: %v", v.ID, job.ID, err)
		return
	}
	log.Printf("Job %s produced model version %s (%s %s)", job.ID, v.ID, v.AIModule, v.Version)
}

// Start begins the admission loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.admissionLoop()
	log.Printf("Job scheduler started - admission tick %s", s.tick)
}

// Stop stops the admission loop gracefully.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
	log.Println("Job scheduler stopped")
}

func (s *Scheduler) admissionLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.TickOnce(context.Background())
		}
	}
}

// TickOnce runs one admission pass: dispatch admitted (pending) jobs to the
// executor, then promote queued jobs FIFO per organization while quota is
// free. Exported so tests and operators can step the scheduler directly.
func (s *Scheduler) TickOnce(ctx context.Context) {
	pending, err := s.repo.ListJobsByStatus(config.JobPending)
	if err != nil {
		log.Printf("Failed to list pending jobs: %v", err)
		return
	}
	for i := range pending {
		s.dispatch(ctx, &pending[i])
	}

	orgs, err := s.repo.ListQueuedOrgs()
	if err != nil {
		log.Printf("Failed to list queued organizations: %v", err)
		return
	}
	for _, org := range orgs {
		s.promoteQueued(ctx, org)
	}
}

// dispatch hands an admitted job to the executor and marks it running. A
// dispatch failure leaves the job pending for the next tick; the executor is
// idempotent by job ID so redelivery is safe.
func (s *Scheduler) dispatch(ctx context.Context, job *config.TrainingJob) {
	if err := s.exec.StartTraining(ctx, job); err != nil {
		log.Printf("Failed to dispatch job %s: %v", job.ID, err)
		return
	}

	_, err := s.repo.TransitionJob(job.ID, config.JobRunning, func(j *config.TrainingJob) {
		now := time.Now()
		j.StartedAt = &now
	})
	if err != nil {
		// Cancelled between dispatch and transition: unwind the executor.
		if apperrors.IsCode(err, apperrors.CodeInvalidState) {
			if stopErr := s.exec.StopTraining(ctx, job.ID); stopErr != nil {
				log.Printf("Failed to stop job %s after cancelled dispatch: %v", job.ID, stopErr)
			}
			return
		}
		log.Printf("Failed to mark job %s running: %v", job.ID, err)
		return
	}
	log.Printf("Job %s status changed: %s -> %s", job.ID, job.Status, config.JobRunning)
}

// promoteQueued moves the organization's oldest queued jobs into the
// dispatchable pool while the running quota allows.
func (s *Scheduler) promoteQueued(ctx context.Context, orgID string) {
	for {
		dispatchable, err := s.repo.CountJobsInStatuses(orgID, config.JobPending, config.JobRunning)
		if err != nil {
			log.Printf("Failed to count active jobs for org %s: %v", orgID, err)
			return
		}
		if dispatchable >= int64(s.maxConcurrent) {
			return
		}

		job, err := s.repo.OldestQueuedJob(orgID)
		if err != nil {
			log.Printf("Failed to get queued job for org %s: %v", orgID, err)
			return
		}
		if job == nil {
			return
		}

		s.dispatch(ctx, job)

		// Re-check the job: if dispatch left it queued (executor down), stop
		// promoting to preserve FIFO order.
		current, err := s.repo.GetJob(job.ID)
		if err != nil || current.Status == config.JobQueued {
			return
		}
	}
}

func mergeMetrics(existing string, update map[string]float64) string {
	merged := map[string]float64{}
	if existing != "" {
		_ = json.Unmarshal([]byte(existing), &merged)
	}
	for k, v := range update {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return existing
	}
	return string(raw)
}
