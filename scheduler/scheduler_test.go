package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/edgevision/model-orchestrator/apperrors"
	"github.com/edgevision/model-orchestrator/config"
	"github.com/edgevision/model-orchestrator/lifecycle"
	"github.com/edgevision/model-orchestrator/models"
	"github.com/edgevision/model-orchestrator/repository"
)

// fakeExecutor records dispatched jobs and can be told to refuse them.
type fakeExecutor struct {
	mu      sync.Mutex
	started []string
	stopped []string
	failing bool
}

func (f *fakeExecutor) StartTraining(ctx context.Context, job *config.TrainingJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return apperrors.New(apperrors.CodeTransientInfra, "executor unavailable")
	}
	f.started = append(f.started, job.ID)
	return nil
}

func (f *fakeExecutor) StopTraining(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, jobID)
	return nil
}

func (f *fakeExecutor) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

// fakeResolver treats every dataset as ready unless listed in notReady.
type fakeResolver struct {
	notReady map[string]bool
}

func (f *fakeResolver) Resolve(ctx context.Context, datasetID string) (bool, error) {
	return !f.notReady[datasetID], nil
}

func newTestScheduler(t *testing.T, maxConcurrent int) (*Scheduler, *repository.Repository, *fakeExecutor) {
	t.Helper()

	dsn := "file:" + uuid.New().String() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(&config.TrainingJob{}, &config.ModelVersion{}); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	repo := repository.NewRepository(db)
	exec := &fakeExecutor{}
	registrar := lifecycle.NewManager(repo, nil)
	sched := NewScheduler(repo, exec, &fakeResolver{}, registrar, maxConcurrent, time.Second)
	return sched, repo, exec
}

func submitJob(t *testing.T, s *Scheduler, orgID, name string) *config.TrainingJob {
	t.Helper()
	job, err := s.SubmitJob(context.Background(), orgID, &models.SubmitJobRequest{
		Name:        name,
		AIModule:    "face-recognition",
		DatasetID:   "ds-1",
		TotalEpochs: 10,
	})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	return job
}

func TestSubmitJobValidation(t *testing.T) {
	sched, _, _ := newTestScheduler(t, 2)
	ctx := context.Background()

	cases := []struct {
		name string
		org  string
		req  models.SubmitJobRequest
	}{
		{"missing org", "", models.SubmitJobRequest{Name: "j", AIModule: "m", DatasetID: "d"}},
		{"missing name", "org-1", models.SubmitJobRequest{AIModule: "m", DatasetID: "d"}},
		{"blank name", "org-1", models.SubmitJobRequest{Name: "   ", AIModule: "m", DatasetID: "d"}},
		{"missing module", "org-1", models.SubmitJobRequest{Name: "j", DatasetID: "d"}},
		{"missing dataset", "org-1", models.SubmitJobRequest{Name: "j", AIModule: "m"}},
	}
	for _, tc := range cases {
		_, err := sched.SubmitJob(ctx, tc.org, &tc.req)
		if !apperrors.IsCode(err, apperrors.CodeValidation) {
			t.Errorf("%s: expected VALIDATION_ERROR, got %v", tc.name, err)
		}
	}
}

func TestSubmitJobRejectsUnreadyDataset(t *testing.T) {
	sched, _, _ := newTestScheduler(t, 2)
	sched.datasets = &fakeResolver{notReady: map[string]bool{"ds-raw": true}}

	_, err := sched.SubmitJob(context.Background(), "org-1", &models.SubmitJobRequest{
		Name:      "job",
		AIModule:  "face-recognition",
		DatasetID: "ds-raw",
	})
	if !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("Expected VALIDATION_ERROR for unready dataset, got %v", err)
	}
}

func TestSubmitJobOverQuotaIsQueued(t *testing.T) {
	sched, _, _ := newTestScheduler(t, 2)

	first := submitJob(t, sched, "org-1", "job-1")
	second := submitJob(t, sched, "org-1", "job-2")
	third := submitJob(t, sched, "org-1", "job-3")

	if first.Status != config.JobPending || second.Status != config.JobPending {
		t.Errorf("First two jobs should be pending, got %s and %s", first.Status, second.Status)
	}
	if third.Status != config.JobQueued {
		t.Errorf("Third job should be queued, got %s", third.Status)
	}

	// Quota is per organization.
	other := submitJob(t, sched, "org-2", "job-4")
	if other.Status != config.JobPending {
		t.Errorf("Other org's job should be pending, got %s", other.Status)
	}
}

func TestQuotaBackpressureEndToEnd(t *testing.T) {
	sched, repo, exec := newTestScheduler(t, 2)
	ctx := context.Background()

	first := submitJob(t, sched, "org-1", "job-1")
	second := submitJob(t, sched, "org-1", "job-2")
	third := submitJob(t, sched, "org-1", "job-3")

	sched.TickOnce(ctx)
	if exec.startedCount() != 2 {
		t.Fatalf("Expected 2 dispatched jobs, got %d", exec.startedCount())
	}
	for _, id := range []string{first.ID, second.ID} {
		job, err := repo.GetJob(id)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if job.Status != config.JobRunning {
			t.Errorf("Job %s should be running, got %s", id, job.Status)
		}
		if job.StartedAt == nil {
			t.Errorf("Job %s missing StartedAt", id)
		}
	}

	// The queued job stays queued while the quota is saturated.
	sched.TickOnce(ctx)
	job, _ := repo.GetJob(third.ID)
	if job.Status != config.JobQueued {
		t.Fatalf("Queued job promoted while quota saturated, status %s", job.Status)
	}

	// One slot frees up; the queued job is promoted and dispatched.
	if _, err := sched.ReportTerminal(ctx, first.ID, &models.TerminalReport{Status: "completed"}); err != nil {
		t.Fatalf("ReportTerminal failed: %v", err)
	}
	sched.TickOnce(ctx)

	job, _ = repo.GetJob(third.ID)
	if job.Status != config.JobRunning {
		t.Errorf("Queued job should be running after slot freed, got %s", job.Status)
	}
	if exec.startedCount() != 3 {
		t.Errorf("Expected 3 dispatched jobs, got %d", exec.startedCount())
	}
}

func TestPromotionIsFIFO(t *testing.T) {
	sched, repo, _ := newTestScheduler(t, 1)
	ctx := context.Background()

	running := submitJob(t, sched, "org-1", "job-1")
	sched.TickOnce(ctx)

	// Queue two more with distinct creation times.
	older := submitJob(t, sched, "org-1", "job-2")
	time.Sleep(5 * time.Millisecond)
	newer := submitJob(t, sched, "org-1", "job-3")

	if _, err := sched.ReportTerminal(ctx, running.ID, &models.TerminalReport{Status: "failed", ErrorMessage: "oom"}); err != nil {
		t.Fatalf("ReportTerminal failed: %v", err)
	}
	sched.TickOnce(ctx)

	olderJob, _ := repo.GetJob(older.ID)
	newerJob, _ := repo.GetJob(newer.ID)
	if olderJob.Status != config.JobRunning {
		t.Errorf("Older queued job should be promoted first, got %s", olderJob.Status)
	}
	if newerJob.Status != config.JobQueued {
		t.Errorf("Newer queued job should still be queued, got %s", newerJob.Status)
	}
}

func TestDispatchFailureLeavesJobPending(t *testing.T) {
	sched, repo, exec := newTestScheduler(t, 2)
	ctx := context.Background()

	job := submitJob(t, sched, "org-1", "job-1")
	exec.failing = true
	sched.TickOnce(ctx)

	current, _ := repo.GetJob(job.ID)
	if current.Status != config.JobPending {
		t.Fatalf("Job should stay pending after dispatch failure, got %s", current.Status)
	}

	// The next tick redelivers.
	exec.failing = false
	sched.TickOnce(ctx)
	current, _ = repo.GetJob(job.ID)
	if current.Status != config.JobRunning {
		t.Errorf("Job should be running after redelivery, got %s", current.Status)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	sched, repo, _ := newTestScheduler(t, 2)
	ctx := context.Background()

	job := submitJob(t, sched, "org-1", "job-1")
	sched.TickOnce(ctx)

	epoch5 := 5
	if _, err := sched.ReportProgress(ctx, job.ID, &models.ProgressReport{ProgressPercent: 50, CurrentEpoch: &epoch5}); err != nil {
		t.Fatalf("ReportProgress failed: %v", err)
	}

	// An out-of-order callback with lower values must not regress the job.
	epoch3 := 3
	if _, err := sched.ReportProgress(ctx, job.ID, &models.ProgressReport{ProgressPercent: 30, CurrentEpoch: &epoch3}); err != nil {
		t.Fatalf("ReportProgress failed: %v", err)
	}

	current, _ := repo.GetJob(job.ID)
	if current.ProgressPercent != 50 {
		t.Errorf("Progress regressed to %d", current.ProgressPercent)
	}
	if current.CurrentEpoch != 5 {
		t.Errorf("Epoch regressed to %d", current.CurrentEpoch)
	}

	// Values above 100 clamp.
	if _, err := sched.ReportProgress(ctx, job.ID, &models.ProgressReport{ProgressPercent: 150}); err != nil {
		t.Fatalf("ReportProgress failed: %v", err)
	}
	current, _ = repo.GetJob(job.ID)
	if current.ProgressPercent != 100 {
		t.Errorf("Expected clamped progress 100, got %d", current.ProgressPercent)
	}
}

func TestProgressIgnoredWhenNotRunning(t *testing.T) {
	sched, repo, _ := newTestScheduler(t, 2)
	ctx := context.Background()

	job := submitJob(t, sched, "org-1", "job-1")

	// Still pending: the callback is a no-op, not an error.
	if _, err := sched.ReportProgress(ctx, job.ID, &models.ProgressReport{ProgressPercent: 20}); err != nil {
		t.Fatalf("ReportProgress failed: %v", err)
	}
	current, _ := repo.GetJob(job.ID)
	if current.ProgressPercent != 0 {
		t.Errorf("Progress applied to non-running job: %d", current.ProgressPercent)
	}
}

func TestProgressAppendsLogs(t *testing.T) {
	sched, repo, _ := newTestScheduler(t, 2)
	ctx := context.Background()

	job := submitJob(t, sched, "org-1", "job-1")
	sched.TickOnce(ctx)

	for _, line := range []string{"epoch 1 done", "epoch 2 done"} {
		if _, err := sched.ReportProgress(ctx, job.ID, &models.ProgressReport{ProgressPercent: 10, LogLine: line}); err != nil {
			t.Fatalf("ReportProgress failed: %v", err)
		}
	}

	current, _ := repo.GetJob(job.ID)
	if !strings.Contains(current.TrainingLogs, "epoch 1 done") || !strings.Contains(current.TrainingLogs, "epoch 2 done") {
		t.Errorf("Logs missing lines: %q", current.TrainingLogs)
	}
}

func TestCancelIgnoresLateCompletion(t *testing.T) {
	sched, repo, exec := newTestScheduler(t, 2)
	ctx := context.Background()

	job := submitJob(t, sched, "org-1", "job-1")
	sched.TickOnce(ctx)

	if _, err := sched.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	if len(exec.stopped) != 1 || exec.stopped[0] != job.ID {
		t.Errorf("Expected stop signal for job, got %v", exec.stopped)
	}

	// A late terminal callback from the executor is discarded without error.
	got, err := sched.ReportTerminal(ctx, job.ID, &models.TerminalReport{Status: "completed"})
	if err != nil {
		t.Fatalf("Late ReportTerminal should be ignored, got %v", err)
	}
	if got.Status != config.JobCancelled {
		t.Errorf("Job resurrected to %s", got.Status)
	}

	current, _ := repo.GetJob(job.ID)
	if current.Status != config.JobCancelled {
		t.Errorf("Expected cancelled, got %s", current.Status)
	}
	if current.OutputVersionID != "" {
		t.Errorf("Cancelled job registered a version: %s", current.OutputVersionID)
	}
}

func TestCancelTerminalJobFails(t *testing.T) {
	sched, _, _ := newTestScheduler(t, 2)
	ctx := context.Background()

	job := submitJob(t, sched, "org-1", "job-1")
	sched.TickOnce(ctx)
	if _, err := sched.ReportTerminal(ctx, job.ID, &models.TerminalReport{Status: "failed", ErrorMessage: "oom"}); err != nil {
		t.Fatalf("ReportTerminal failed: %v", err)
	}

	_, err := sched.CancelJob(ctx, job.ID)
	if !apperrors.IsCode(err, apperrors.CodeInvalidState) {
		t.Fatalf("Expected INVALID_STATE cancelling terminal job, got %v", err)
	}
}

func TestCompletionRegistersDraftVersion(t *testing.T) {
	sched, repo, _ := newTestScheduler(t, 2)
	ctx := context.Background()

	job := submitJob(t, sched, "org-1", "job-1")
	sched.TickOnce(ctx)

	got, err := sched.ReportTerminal(ctx, job.ID, &models.TerminalReport{
		Status:  "completed",
		Metrics: map[string]float64{"accuracy": 0.93, "loss": 0.21},
	})
	if err != nil {
		t.Fatalf("ReportTerminal failed: %v", err)
	}
	if got.ProgressPercent != 100 {
		t.Errorf("Completed job progress should be 100, got %d", got.ProgressPercent)
	}

	current, _ := repo.GetJob(job.ID)
	if current.OutputVersionID == "" {
		t.Fatal("Completed job did not register an output version")
	}

	v, err := repo.GetVersion(current.OutputVersionID)
	if err != nil {
		t.Fatalf("GetVersion failed: %v", err)
	}
	if v.Status != config.VersionDraft {
		t.Errorf("Registered version should be draft, got %s", v.Status)
	}
	if v.AIModule != job.AIModule {
		t.Errorf("Version module mismatch: %s", v.AIModule)
	}
	if v.Accuracy == nil || *v.Accuracy != 0.93 {
		t.Errorf("Version accuracy not carried from metrics: %+v", v.Accuracy)
	}

	// A duplicate completion callback must not mint a second version.
	if _, err := sched.ReportTerminal(ctx, job.ID, &models.TerminalReport{Status: "completed"}); err != nil {
		t.Fatalf("Duplicate ReportTerminal failed: %v", err)
	}
	versions, err := repo.ListVersions(job.AIModule, "")
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(versions) != 1 {
		t.Errorf("Expected 1 registered version, got %d", len(versions))
	}
}

func TestReportTerminalRejectsUnknownStatus(t *testing.T) {
	sched, _, _ := newTestScheduler(t, 2)

	_, err := sched.ReportTerminal(context.Background(), "any", &models.TerminalReport{Status: "exploded"})
	if !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("Expected VALIDATION_ERROR, got %v", err)
	}
}
