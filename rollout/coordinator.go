// Package rollout drives model deployments across the edge fleet: one
// deployment row per target, bounded install concurrency fleet-wide, and a
// transient-failure retry policy with exponential backoff.
package rollout

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/edgevision/model-orchestrator/apperrors"
	"github.com/edgevision/model-orchestrator/config"
	"github.com/edgevision/model-orchestrator/edgeagent"
	"github.com/edgevision/model-orchestrator/fleet"
	"github.com/edgevision/model-orchestrator/models"
	"github.com/edgevision/model-orchestrator/repository"
)

// ArtifactURLer issues download URLs for model artifacts.
type ArtifactURLer interface {
	PresignedDownloadURL(ctx context.Context, objectKey string) (string, error)
}

// dispatchBatch bounds how many due deployments one tick claims. The
// semaphore, not this batch size, is the actual install concurrency cap.
const dispatchBatch = 32

// Coordinator owns the deployment state machine and the fleet fan-out.
type Coordinator struct {
	repo      *repository.Repository
	agent     edgeagent.Agent
	fleet     *fleet.Registry
	artifacts ArtifactURLer

	// sem caps simultaneous installs across the whole fleet; a slot is held
	// from command delivery until the edge reports a terminal status.
	sem      *semaphore.Weighted
	mu       sync.Mutex
	inflight map[string]struct{}

	retryLimit     int
	autoRetryLimit int
	backoff        []time.Duration
	tick           time.Duration
	now            func() time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewCoordinator creates a rollout coordinator.
func NewCoordinator(repo *repository.Repository, agent edgeagent.Agent, registry *fleet.Registry, artifacts ArtifactURLer, maxConcurrentInstalls, retryLimit, autoRetryLimit int, backoff []time.Duration, tick time.Duration) *Coordinator {
	return &Coordinator{
		repo:           repo,
		agent:          agent,
		fleet:          registry,
		artifacts:      artifacts,
		sem:            semaphore.NewWeighted(int64(maxConcurrentInstalls)),
		inflight:       make(map[string]struct{}),
		retryLimit:     retryLimit,
		autoRetryLimit: autoRetryLimit,
		backoff:        backoff,
		tick:           tick,
		now:            time.Now,
		stopChan:       make(chan struct{}),
	}
}

// releasedVersion loads the version and rejects anything that is not
// currently released, deprecated versions included.
func (c *Coordinator) releasedVersion(versionID string) (*config.ModelVersion, error) {
	v, err := c.repo.GetVersion(versionID)
	if err != nil {
		return nil, err
	}
	if v.Status != config.VersionReleased {
		return nil, apperrors.New(apperrors.CodeNotReleased,
			"model version %s is %s, not released", versionID, v.Status)
	}
	return v, nil
}

// edgeVersionOK checks the target's agent version against the model's
// minimum. Unparsable versions pass; the gate is advisory metadata, not a
// safety boundary.
func edgeVersionOK(v *config.ModelVersion, target *config.EdgeServer) bool {
	if v.MinEdgeVersion == "" || target.EdgeVersion == "" {
		return true
	}
	min, err := semver.NewVersion(v.MinEdgeVersion)
	if err != nil {
		return true
	}
	have, err := semver.NewVersion(target.EdgeVersion)
	if err != nil {
		return true
	}
	return !have.LessThan(min)
}

// DeployToTarget creates a pending deployment of the version on one edge
// target. At most one deployment per (version, target) pair may be in flight;
// the active lookup gives the caller the conflicting deployment id, and the
// database's active-pair index rejects the insert if a concurrent deploy
// slips between the check and the create.
func (c *Coordinator) DeployToTarget(ctx context.Context, versionID, edgeServerID string) (*config.Deployment, error) {
	v, err := c.releasedVersion(versionID)
	if err != nil {
		return nil, err
	}

	target, err := c.fleet.GetTarget(ctx, edgeServerID)
	if err != nil {
		return nil, err
	}
	if !edgeVersionOK(v, target) {
		return nil, apperrors.New(apperrors.CodeValidation,
			"edge server %s runs version %s, below the model's minimum %s",
			target.EdgeID, target.EdgeVersion, v.MinEdgeVersion)
	}

	active, err := c.repo.ActiveDeployment(versionID, target.ID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, apperrors.New(apperrors.CodeAlreadyDeploying,
			"deployment %s for version %s on target %s is still active",
			active.ID, versionID, target.EdgeID)
	}

	d := &config.Deployment{
		ID:             uuid.New().String(),
		ModelVersionID: versionID,
		EdgeServerID:   target.ID,
		Status:         config.DeploymentPending,
		ScheduledAt:    c.now(),
	}
	if err := c.repo.CreateDeployment(d); err != nil {
		return nil, err
	}

	log.Printf("Scheduled deployment %s: version %s -> target %s", d.ID, versionID, target.EdgeID)
	return d, nil
}

// DeployToFleet resolves the current roster for the version's module and
// deploys to every target. Targets that already have an active deployment
// contribute their existing deployment ID instead of failing the batch;
// per-target errors degrade to a partial rollout.
func (c *Coordinator) DeployToFleet(ctx context.Context, versionID string) ([]string, error) {
	v, err := c.releasedVersion(versionID)
	if err != nil {
		return nil, err
	}

	targets, err := c.fleet.ListTargets(ctx, v.AIModule)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(targets))
	for i := range targets {
		target := &targets[i]

		active, err := c.repo.ActiveDeployment(versionID, target.ID)
		if err != nil {
			log.Printf("Fleet rollout: skipping target %s: %v", target.EdgeID, err)
			continue
		}
		if active != nil {
			ids = append(ids, active.ID)
			continue
		}
		if !edgeVersionOK(v, target) {
			log.Printf("Fleet rollout: target %s runs %s, below minimum %s, skipping",
				target.EdgeID, target.EdgeVersion, v.MinEdgeVersion)
			continue
		}

		d := &config.Deployment{
			ID:             uuid.New().String(),
			ModelVersionID: versionID,
			EdgeServerID:   target.ID,
			Status:         config.DeploymentPending,
			ScheduledAt:    c.now(),
		}
		if err := c.repo.CreateDeployment(d); err != nil {
			// A concurrent deploy won the insert; its deployment is the one
			// this rollout tracks.
			if apperrors.IsCode(err, apperrors.CodeAlreadyDeploying) {
				if active, aerr := c.repo.ActiveDeployment(versionID, target.ID); aerr == nil && active != nil {
					ids = append(ids, active.ID)
				}
				continue
			}
			log.Printf("Fleet rollout: failed to schedule target %s: %v", target.EdgeID, err)
			continue
		}
		ids = append(ids, d.ID)
	}

	log.Printf("Fleet rollout for version %s: %d deployments across %d targets",
		versionID, len(ids), len(targets))
	return ids, nil
}

// RetryDeployment resets a failed deployment to pending for another attempt.
// The retry budget covers automatic and manual retries alike; once exhausted
// the deployment stays failed for out-of-band investigation.
func (c *Coordinator) RetryDeployment(ctx context.Context, id string) (*config.Deployment, error) {
	d, err := c.repo.UpdateDeployment(id, func(d *config.Deployment) error {
		if d.Status != config.DeploymentFailed {
			return apperrors.New(apperrors.CodeInvalidState,
				"deployment %s is %s, only failed deployments can be retried", id, d.Status)
		}
		if d.RetryCount >= c.retryLimit {
			return apperrors.New(apperrors.CodeRetryLimitExceeded,
				"deployment %s has exhausted its %d retries", id, c.retryLimit)
		}
		d.Status = config.DeploymentPending
		d.RetryCount++
		d.ProgressPercent = 0
		d.DispatchedAt = nil
		d.NextRetryAt = nil
		d.FailureKind = ""
		d.ErrorMessage = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("Deployment %s reset for retry %d/%d", id, d.RetryCount, c.retryLimit)
	return d, nil
}

// GetDeployment retrieves a deployment record.
func (c *Coordinator) GetDeployment(id string) (*config.Deployment, error) {
	return c.repo.GetDeployment(id)
}

// ListDeployments lists all deployments of a model version.
func (c *Coordinator) ListDeployments(versionID string) ([]config.Deployment, error) {
	return c.repo.ListDeploymentsForVersion(versionID)
}

// ReportProgress ingests an edge agent progress callback. The deployment's
// progress percent simply mirrors the most recent callback; out-of-order
// status moves and callbacks for terminal deployments are ignored.
func (c *Coordinator) ReportProgress(ctx context.Context, id string, report *models.DeploymentProgressReport) (*config.Deployment, error) {
	var to config.DeploymentStatus
	switch report.Status {
	case string(config.DeploymentDownloading):
		to = config.DeploymentDownloading
	case string(config.DeploymentInstalling):
		to = config.DeploymentInstalling
	default:
		return nil, apperrors.New(apperrors.CodeValidation, "invalid progress status %q", report.Status)
	}

	return c.repo.UpdateDeployment(id, func(d *config.Deployment) error {
		if d.Status.Terminal() {
			return repository.ErrSkipUpdate
		}
		if d.Status != to {
			if !d.Status.CanTransition(to) {
				return repository.ErrSkipUpdate
			}
			if d.StartedAt == nil {
				now := c.now()
				d.StartedAt = &now
			}
			d.Status = to
		}
		d.ProgressPercent = report.ProgressPercent
		return nil
	})
}

// ReportTerminal ingests an edge agent terminal callback. Completed
// deployments never regress; duplicate terminal reports are ignored. A
// transient failure inside the automatic retry budget is rescheduled with
// backoff instead of being left for the operator.
func (c *Coordinator) ReportTerminal(ctx context.Context, id string, report *models.DeploymentTerminalReport) (*config.Deployment, error) {
	d, err := c.repo.UpdateDeployment(id, func(d *config.Deployment) error {
		if d.Status.Terminal() {
			return repository.ErrSkipUpdate
		}
		if report.Success {
			// Success is only reachable from downloading or installing; an
			// agent that never reported progress cannot complete a pending
			// deployment.
			if !d.Status.CanTransition(config.DeploymentCompleted) {
				return apperrors.New(apperrors.CodeInvalidState,
					"deployment %s cannot complete from %s", id, d.Status)
			}
			d.Status = config.DeploymentCompleted
			d.ProgressPercent = 100
			now := c.now()
			d.CompletedAt = &now
			return nil
		}
		d.Status = config.DeploymentFailed
		d.FailureKind = config.FailurePermanent
		if report.FailureKind == string(config.FailureTransient) {
			d.FailureKind = config.FailureTransient
		}
		d.ErrorMessage = report.ErrorMessage
		return nil
	})
	if err != nil {
		// The install attempt is over either way; a held slot must not
		// outlive the callback.
		c.releaseSlot(id)
		return nil, err
	}

	c.releaseSlot(id)

	if d.Status == config.DeploymentFailed && d.FailureKind == config.FailureTransient && d.RetryCount < c.autoRetryLimit {
		return c.scheduleAutoRetry(d)
	}
	return d, nil
}

// scheduleAutoRetry moves a transiently-failed deployment back to pending
// with the next backoff delay applied.
func (c *Coordinator) scheduleAutoRetry(d *config.Deployment) (*config.Deployment, error) {
	delay := c.backoff[len(c.backoff)-1]
	if d.RetryCount < len(c.backoff) {
		delay = c.backoff[d.RetryCount]
	}
	retryAt := c.now().Add(delay)

	updated, err := c.repo.TransitionDeployment(d.ID, config.DeploymentPending, func(d *config.Deployment) {
		d.RetryCount++
		d.ProgressPercent = 0
		d.DispatchedAt = nil
		d.NextRetryAt = &retryAt
	})
	if err != nil {
		return nil, err
	}
	log.Printf("Deployment %s failed transiently, automatic retry %d/%d in %s",
		d.ID, updated.RetryCount, c.autoRetryLimit, delay)
	return updated, nil
}

// Status is the derived aggregate of one rollout's deployments. It is
// computed from the rows on every read, never stored.
type Status struct {
	State       string              `json:"state"` // succeeded | in_progress | partially_failed
	Total       int                 `json:"total"`
	Completed   int                 `json:"completed"`
	Failed      int                 `json:"failed"`
	InFlight    int                 `json:"in_flight"`
	Deployments []config.Deployment `json:"-"`
}

// RolloutStatus derives the aggregate status of the given deployments.
func (c *Coordinator) RolloutStatus(ctx context.Context, ids []string) (*Status, error) {
	status := &Status{Total: len(ids)}
	for _, id := range ids {
		d, err := c.repo.GetDeployment(id)
		if err != nil {
			return nil, err
		}
		status.Deployments = append(status.Deployments, *d)
		switch d.Status {
		case config.DeploymentCompleted:
			status.Completed++
		case config.DeploymentFailed:
			status.Failed++
		default:
			status.InFlight++
		}
	}

	switch {
	case status.InFlight > 0:
		status.State = "in_progress"
	case status.Failed > 0:
		status.State = "partially_failed"
	default:
		status.State = "succeeded"
	}
	return status, nil
}

// Start begins the dispatch loop.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.dispatchLoop()
	log.Printf("Rollout coordinator started - dispatch tick %s", c.tick)
}

// Stop stops the dispatch loop and waits for in-flight command deliveries.
func (c *Coordinator) Stop() {
	close(c.stopChan)
	c.wg.Wait()
	log.Println("Rollout coordinator stopped")
}

func (c *Coordinator) dispatchLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.TickOnce(context.Background())
		}
	}
}

// TickOnce claims due pending deployments and delivers their install
// commands. Exported so tests and operators can step the coordinator
// directly.
func (c *Coordinator) TickOnce(ctx context.Context) {
	due, err := c.repo.DueDeployments(c.now(), dispatchBatch)
	if err != nil {
		log.Printf("Failed to list due deployments: %v", err)
		return
	}

	for i := range due {
		d, claimed, err := c.repo.ClaimDeployment(due[i].ID, c.now())
		if err != nil {
			log.Printf("Failed to claim deployment %s: %v", due[i].ID, err)
			continue
		}
		if !claimed {
			continue
		}

		c.wg.Add(1)
		go c.deliver(ctx, d)
	}
}

// deliver pushes one install command under the fleet-wide concurrency cap.
// Delivery failures are recorded as transient terminal reports, which feeds
// them into the automatic retry path.
func (c *Coordinator) deliver(ctx context.Context, d *config.Deployment) {
	defer c.wg.Done()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		// Shutting down: unclaim so the next dispatcher picks it up.
		c.unclaim(d.ID)
		return
	}
	c.holdSlot(d.ID)

	v, err := c.repo.GetVersion(d.ModelVersionID)
	if err != nil {
		c.deliveryFailed(ctx, d, "model version lookup failed: "+err.Error())
		return
	}
	target, err := c.repo.GetEdgeServer(d.EdgeServerID)
	if err != nil {
		c.deliveryFailed(ctx, d, "edge server lookup failed: "+err.Error())
		return
	}

	artifactURL := ""
	if v.ArtifactObject != "" && c.artifacts != nil {
		artifactURL, err = c.artifacts.PresignedDownloadURL(ctx, v.ArtifactObject)
		if err != nil {
			c.deliveryFailed(ctx, d, "artifact presign failed: "+err.Error())
			return
		}
	}

	if err := c.agent.Install(ctx, target, d, artifactURL); err != nil {
		c.deliveryFailed(ctx, d, err.Error())
		return
	}
	log.Printf("Install command delivered: deployment %s -> target %s", d.ID, target.EdgeID)
}

func (c *Coordinator) deliveryFailed(ctx context.Context, d *config.Deployment, msg string) {
	log.Printf("Deployment %s delivery failed: %s", d.ID, msg)
	_, err := c.ReportTerminal(ctx, d.ID, &models.DeploymentTerminalReport{
		Success:      false,
		FailureKind:  string(config.FailureTransient),
		ErrorMessage: msg,
	})
	if err != nil {
		log.Printf("Failed to record delivery failure for deployment %s: %v", d.ID, err)
	}
}

func (c *Coordinator) unclaim(id string) {
	_, err := c.repo.UpdateDeployment(id, func(d *config.Deployment) error {
		if d.Status != config.DeploymentPending {
			return repository.ErrSkipUpdate
		}
		d.DispatchedAt = nil
		return nil
	})
	if err != nil {
		log.Printf("Failed to unclaim deployment %s: %v", id, err)
	}
}

func (c *Coordinator) holdSlot(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[id] = struct{}{}
}

// releaseSlot frees the install slot held for a deployment, if any. Safe to
// call for deployments that never held one.
func (c *Coordinator) releaseSlot(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[id]; ok {
		delete(c.inflight, id)
		c.sem.Release(1)
	}
}
