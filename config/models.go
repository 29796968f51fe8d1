package config

import "time"

// JobStatus is the closed status set for training jobs.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending: {JobRunning, JobFailed, JobCancelled},
	JobQueued:  {JobRunning, JobCancelled},
	JobRunning: {JobCompleted, JobFailed, JobCancelled},
}

// CanTransition reports whether the move from s to next is legal.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, t := range jobTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a final status. Terminal jobs are immutable
// except for audit annotation.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// VersionStatus is the closed status set for model versions.
type VersionStatus string

const (
	VersionDraft      VersionStatus = "draft"
	VersionTesting    VersionStatus = "testing"
	VersionApproved   VersionStatus = "approved"
	VersionReleased   VersionStatus = "released"
	VersionDeprecated VersionStatus = "deprecated"
)

// Testing is optional: a version may go directly draft -> approved.
// There are no back-transitions; deprecation is terminal.
var versionTransitions = map[VersionStatus][]VersionStatus{
	VersionDraft:    {VersionTesting, VersionApproved, VersionDeprecated},
	VersionTesting:  {VersionApproved, VersionDeprecated},
	VersionApproved: {VersionReleased, VersionDeprecated},
	VersionReleased: {VersionDeprecated},
}

func (s VersionStatus) CanTransition(next VersionStatus) bool {
	for _, t := range versionTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

func (s VersionStatus) Terminal() bool {
	return s == VersionDeprecated
}

// DeploymentStatus is the closed status set for edge deployments.
type DeploymentStatus string

const (
	DeploymentPending     DeploymentStatus = "pending"
	DeploymentDownloading DeploymentStatus = "downloading"
	DeploymentInstalling  DeploymentStatus = "installing"
	DeploymentCompleted   DeploymentStatus = "completed"
	DeploymentFailed      DeploymentStatus = "failed"
)

var deploymentTransitions = map[DeploymentStatus][]DeploymentStatus{
	DeploymentPending:     {DeploymentDownloading, DeploymentInstalling, DeploymentFailed},
	DeploymentDownloading: {DeploymentInstalling, DeploymentCompleted, DeploymentFailed},
	DeploymentInstalling:  {DeploymentCompleted, DeploymentFailed},
	// failed -> pending is the retry path, automatic or manual.
	DeploymentFailed: {DeploymentPending},
}

func (s DeploymentStatus) CanTransition(next DeploymentStatus) bool {
	for _, t := range deploymentTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s needs no further driving. A completed deployment
// never regresses; a failed one leaves terminal only through the retry path.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentCompleted || s == DeploymentFailed
}

// FailureKind classifies a deployment failure as reported by the edge agent.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
)

// TrainingJob is one training attempt. Created in pending, mutated only by
// scheduler admission and executor callbacks, immutable once terminal.
type TrainingJob struct {
	ID              string `gorm:"primaryKey"`
	OrganizationID  string `gorm:"index"`
	Name            string
	AIModule        string `gorm:"index"`
	DatasetID       string
	Hyperparameters string    `gorm:"type:jsonb"` // JSON object
	Status          JobStatus `gorm:"index"`
	ProgressPercent int
	CurrentEpoch    int
	TotalEpochs     int
	Metrics         string `gorm:"type:jsonb"` // accuracy, loss, val_accuracy, val_loss
	TrainingLogs    string `gorm:"type:text"`
	OutputVersionID string
	ErrorMessage    string `gorm:"type:text"`
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Seq             int64 // optimistic-concurrency sequence
}

func (TrainingJob) TableName() string {
	return "training_jobs"
}

// ModelVersion is a candidate or released artifact. Never deleted, only
// deprecated.
type ModelVersion struct {
	ID             string `gorm:"primaryKey"`
	AIModule       string `gorm:"index"`
	Version        string `gorm:"index"` // semver, unique per module
	Name           string
	Description    string `gorm:"type:text"`
	TrainingJobID  string // empty for imported versions
	ArtifactObject string // object key in the artifact bucket
	ArtifactSize   int64
	Accuracy       *float64
	PrecisionScore *float64
	RecallScore    *float64
	F1Score        *float64
	MinEdgeVersion string
	Status         VersionStatus `gorm:"index"`
	IsApproved     bool
	ApprovedBy     string
	ApprovedAt     *time.Time
	IsReleased     bool
	ReleasedBy     string
	ReleasedAt     *time.Time
	ReleaseNotes   string `gorm:"type:text"`
	CreatedAt      time.Time
	Seq            int64
}

func (ModelVersion) TableName() string {
	return "model_versions"
}

// Deployment is one edge target's install attempt of one model version. Rows
// are never deleted; they form the audit trail of what is installed where.
// Automatic retries reuse the row, bumping RetryCount in place.
//
// The partial unique index lets the database enforce at most one non-terminal
// deployment per (version, target) pair, closing the window between the
// application-level active check and the insert.
type Deployment struct {
	ID              string           `gorm:"primaryKey"`
	ModelVersionID  string           `gorm:"index;uniqueIndex:uidx_deployments_active,where:status <> 'completed' AND status <> 'failed'"`
	EdgeServerID    string           `gorm:"index;uniqueIndex:uidx_deployments_active"`
	Status          DeploymentStatus `gorm:"index"`
	ProgressPercent int
	RetryCount      int
	FailureKind     FailureKind
	ErrorMessage    string `gorm:"type:text"`
	ScheduledAt     time.Time
	NextRetryAt     *time.Time
	DispatchedAt    *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Seq             int64
}

func (Deployment) TableName() string {
	return "deployments"
}

// EdgeServer is one remote target in the fleet roster.
type EdgeServer struct {
	ID             string `gorm:"primaryKey"`
	EdgeID         string `gorm:"uniqueIndex"`
	Name           string
	OrganizationID string `gorm:"index"`
	AIModules      string `gorm:"type:jsonb"` // JSON array of supported module names
	AgentURL       string
	EdgeVersion    string
	Online         bool
	LastSeenAt     *time.Time
	CreatedAt      time.Time
}

func (EdgeServer) TableName() string {
	return "edge_servers"
}
