package repository

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/edgevision/model-orchestrator/apperrors"
	"github.com/edgevision/model-orchestrator/config"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	dsn := "file:" + uuid.New().String() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	// Serialize access; sqlite's shared-cache mode does not tolerate
	// concurrent writers on separate connections.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(&config.TrainingJob{}, &config.ModelVersion{}, &config.Deployment{}, &config.EdgeServer{}); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return NewRepository(db)
}

func createJob(t *testing.T, repo *Repository, orgID string, status config.JobStatus) *config.TrainingJob {
	t.Helper()
	job := &config.TrainingJob{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Name:           "test-job",
		AIModule:       "face-recognition",
		DatasetID:      "ds-1",
		Status:         status,
		Metrics:        "{}",
	}
	if err := repo.CreateJob(job); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	return job
}

func TestUpdateJobBumpsSeq(t *testing.T) {
	repo := newTestRepo(t)
	job := createJob(t, repo, "org-1", config.JobPending)

	updated, err := repo.UpdateJob(job.ID, func(j *config.TrainingJob) error {
		j.ProgressPercent = 10
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}
	if updated.Seq != job.Seq+1 {
		t.Errorf("Expected seq %d, got %d", job.Seq+1, updated.Seq)
	}
	if updated.ProgressPercent != 10 {
		t.Errorf("Expected progress 10, got %d", updated.ProgressPercent)
	}
}

func TestUpdateJobRetriesOnSeqConflict(t *testing.T) {
	repo := newTestRepo(t)
	job := createJob(t, repo, "org-1", config.JobPending)

	// The first mutate invocation simulates a concurrent writer by bumping
	// the row's seq directly, invalidating the update's guard.
	calls := 0
	updated, err := repo.UpdateJob(job.ID, func(j *config.TrainingJob) error {
		calls++
		if calls == 1 {
			err := repo.db.Model(&config.TrainingJob{}).
				Where("id = ?", job.ID).
				Update("seq", gorm.Expr("seq + 1")).Error
			if err != nil {
				t.Fatalf("Failed to simulate concurrent write: %v", err)
			}
		}
		j.ProgressPercent = 42
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 mutate calls, got %d", calls)
	}
	if updated.ProgressPercent != 42 {
		t.Errorf("Expected progress 42, got %d", updated.ProgressPercent)
	}
}

func TestUpdateJobSkip(t *testing.T) {
	repo := newTestRepo(t)
	job := createJob(t, repo, "org-1", config.JobRunning)

	got, err := repo.UpdateJob(job.ID, func(j *config.TrainingJob) error {
		return ErrSkipUpdate
	})
	if err != nil {
		t.Fatalf("UpdateJob with skip failed: %v", err)
	}
	if got.Seq != job.Seq {
		t.Errorf("Skip should not bump seq: got %d, want %d", got.Seq, job.Seq)
	}
}

func TestTransitionJobRejectsIllegalMove(t *testing.T) {
	repo := newTestRepo(t)
	job := createJob(t, repo, "org-1", config.JobCompleted)

	_, err := repo.TransitionJob(job.ID, config.JobRunning, nil)
	if !apperrors.IsCode(err, apperrors.CodeInvalidState) {
		t.Fatalf("Expected INVALID_STATE, got %v", err)
	}

	// The row must be untouched.
	current, err := repo.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if current.Status != config.JobCompleted {
		t.Errorf("Status changed to %s after rejected transition", current.Status)
	}
}

func TestGetJobNotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetJob("does-not-exist")
	if !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("Expected NOT_FOUND, got %v", err)
	}
}

func TestCountJobsInStatuses(t *testing.T) {
	repo := newTestRepo(t)
	createJob(t, repo, "org-1", config.JobPending)
	createJob(t, repo, "org-1", config.JobRunning)
	createJob(t, repo, "org-1", config.JobCompleted)
	createJob(t, repo, "org-2", config.JobRunning)

	count, err := repo.CountJobsInStatuses("org-1", config.JobPending, config.JobQueued, config.JobRunning)
	if err != nil {
		t.Fatalf("CountJobsInStatuses failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 active jobs for org-1, got %d", count)
	}
}

func TestOldestQueuedJobIsFIFO(t *testing.T) {
	repo := newTestRepo(t)

	base := time.Now().Add(-time.Hour)
	var first *config.TrainingJob
	for i := 0; i < 3; i++ {
		job := &config.TrainingJob{
			ID:             uuid.New().String(),
			OrganizationID: "org-1",
			Name:           "queued-job",
			AIModule:       "face-recognition",
			DatasetID:      "ds-1",
			Status:         config.JobQueued,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.CreateJob(job); err != nil {
			t.Fatalf("Failed to create job: %v", err)
		}
		if i == 0 {
			first = job
		}
	}

	got, err := repo.OldestQueuedJob("org-1")
	if err != nil {
		t.Fatalf("OldestQueuedJob failed: %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Errorf("Expected oldest job %s, got %+v", first.ID, got)
	}

	empty, err := repo.OldestQueuedJob("org-2")
	if err != nil {
		t.Fatalf("OldestQueuedJob failed: %v", err)
	}
	if empty != nil {
		t.Errorf("Expected nil for org with no queue, got %+v", empty)
	}
}

func createDeployment(t *testing.T, repo *Repository, status config.DeploymentStatus) *config.Deployment {
	t.Helper()
	d := &config.Deployment{
		ID:             uuid.New().String(),
		ModelVersionID: "ver-1",
		EdgeServerID:   "edge-1",
		Status:         status,
		ScheduledAt:    time.Now(),
	}
	if err := repo.CreateDeployment(d); err != nil {
		t.Fatalf("Failed to create deployment: %v", err)
	}
	return d
}

func TestDueDeploymentsHonorsBackoff(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Now()

	ready := createDeployment(t, repo, config.DeploymentPending)

	later := now.Add(time.Minute)
	waiting := &config.Deployment{
		ID:             uuid.New().String(),
		ModelVersionID: "ver-1",
		EdgeServerID:   "edge-2",
		Status:         config.DeploymentPending,
		NextRetryAt:    &later,
		ScheduledAt:    now,
	}
	if err := repo.CreateDeployment(waiting); err != nil {
		t.Fatalf("Failed to create deployment: %v", err)
	}

	due, err := repo.DueDeployments(now, 10)
	if err != nil {
		t.Fatalf("DueDeployments failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != ready.ID {
		t.Fatalf("Expected only the ready deployment, got %d rows", len(due))
	}

	due, err = repo.DueDeployments(now.Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("DueDeployments failed: %v", err)
	}
	if len(due) != 2 {
		t.Errorf("Expected both deployments due after backoff elapsed, got %d", len(due))
	}
}

func TestClaimDeploymentIsExclusive(t *testing.T) {
	repo := newTestRepo(t)
	d := createDeployment(t, repo, config.DeploymentPending)

	now := time.Now()
	_, claimed, err := repo.ClaimDeployment(d.ID, now)
	if err != nil {
		t.Fatalf("ClaimDeployment failed: %v", err)
	}
	if !claimed {
		t.Fatal("First claim should succeed")
	}

	_, claimed, err = repo.ClaimDeployment(d.ID, now.Add(time.Second))
	if err != nil {
		t.Fatalf("Second ClaimDeployment failed: %v", err)
	}
	if claimed {
		t.Error("Second claim should be rejected")
	}

	// A claimed deployment is no longer due.
	due, err := repo.DueDeployments(now.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("DueDeployments failed: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("Claimed deployment still listed as due")
	}
}

func TestCreateDeploymentEnforcesSingleActive(t *testing.T) {
	repo := newTestRepo(t)
	first := createDeployment(t, repo, config.DeploymentPending)

	// A second active row for the same (version, target) pair is rejected by
	// the database, independent of any application-level check.
	second := &config.Deployment{
		ID:             uuid.New().String(),
		ModelVersionID: first.ModelVersionID,
		EdgeServerID:   first.EdgeServerID,
		Status:         config.DeploymentPending,
		ScheduledAt:    time.Now(),
	}
	err := repo.CreateDeployment(second)
	if !apperrors.IsCode(err, apperrors.CodeAlreadyDeploying) {
		t.Fatalf("Expected ALREADY_DEPLOYING, got %v", err)
	}

	// Once the first attempt is terminal the pair is free again.
	if _, err := repo.TransitionDeployment(first.ID, config.DeploymentFailed, nil); err != nil {
		t.Fatalf("TransitionDeployment failed: %v", err)
	}
	if err := repo.CreateDeployment(second); err != nil {
		t.Fatalf("Create after terminal should succeed: %v", err)
	}

	// Retrying the failed row while the new one is active trips the same
	// guard.
	_, err = repo.UpdateDeployment(first.ID, func(d *config.Deployment) error {
		d.Status = config.DeploymentPending
		return nil
	})
	if !apperrors.IsCode(err, apperrors.CodeAlreadyDeploying) {
		t.Fatalf("Expected ALREADY_DEPLOYING reviving failed row, got %v", err)
	}

	// Terminal rows for the pair can pile up; only active ones are unique.
	if _, err := repo.TransitionDeployment(second.ID, config.DeploymentFailed, nil); err != nil {
		t.Fatalf("TransitionDeployment failed: %v", err)
	}
	third := &config.Deployment{
		ID:             uuid.New().String(),
		ModelVersionID: first.ModelVersionID,
		EdgeServerID:   first.EdgeServerID,
		Status:         config.DeploymentPending,
		ScheduledAt:    time.Now(),
	}
	if err := repo.CreateDeployment(third); err != nil {
		t.Fatalf("Create with two terminal rows should succeed: %v", err)
	}
}

func TestActiveDeployment(t *testing.T) {
	repo := newTestRepo(t)

	active, err := repo.ActiveDeployment("ver-1", "edge-1")
	if err != nil {
		t.Fatalf("ActiveDeployment failed: %v", err)
	}
	if active != nil {
		t.Fatal("Expected no active deployment")
	}

	d := createDeployment(t, repo, config.DeploymentDownloading)
	active, err = repo.ActiveDeployment("ver-1", "edge-1")
	if err != nil {
		t.Fatalf("ActiveDeployment failed: %v", err)
	}
	if active == nil || active.ID != d.ID {
		t.Fatalf("Expected active deployment %s, got %+v", d.ID, active)
	}

	if _, err := repo.TransitionDeployment(d.ID, config.DeploymentFailed, nil); err != nil {
		t.Fatalf("TransitionDeployment failed: %v", err)
	}
	active, err = repo.ActiveDeployment("ver-1", "edge-1")
	if err != nil {
		t.Fatalf("ActiveDeployment failed: %v", err)
	}
	if active != nil {
		t.Error("Failed deployment should not count as active")
	}
}

func TestVersionUniquePerModule(t *testing.T) {
	repo := newTestRepo(t)

	v := &config.ModelVersion{
		ID:       uuid.New().String(),
		AIModule: "face-recognition",
		Version:  "1.0.0",
		Status:   config.VersionDraft,
	}
	if err := repo.CreateVersion(v); err != nil {
		t.Fatalf("CreateVersion failed: %v", err)
	}

	got, err := repo.GetVersionByModuleVersion("face-recognition", "1.0.0")
	if err != nil {
		t.Fatalf("GetVersionByModuleVersion failed: %v", err)
	}
	if got == nil || got.ID != v.ID {
		t.Fatalf("Expected version %s, got %+v", v.ID, got)
	}

	got, err = repo.GetVersionByModuleVersion("license-plate", "1.0.0")
	if err != nil {
		t.Fatalf("GetVersionByModuleVersion failed: %v", err)
	}
	if got != nil {
		t.Error("Expected nil for other module")
	}
}
