package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base is embedded by every entity that uses a locally generated,
// time-ordered primary key. BeforeCreate fills ID with a UUIDv7 if unset,
// so rows sort chronologically by ID without a separate sequence.
type base struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// JobStatus is the Delegated Job lifecycle state. Transitions are monotonic:
// Pending -> Assigned -> Running -> {Completed, Failed, Cancelled}.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusAssigned  JobStatus = "assigned"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether status is one from which no further transition
// is permitted.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// jobStatusRank orders statuses along the allowed DAG so a proposed
// transition can be checked for monotonicity. Cancelled is reachable from
// any non-terminal state, so it is not included in the linear rank.
var jobStatusRank = map[JobStatus]int{
	JobStatusPending:   0,
	JobStatusAssigned:  1,
	JobStatusRunning:   2,
	JobStatusCompleted: 3,
	JobStatusFailed:    3,
}

// CanTransition reports whether moving from `from` to `to` is allowed by
// the Job state machine: forward-only along the rank, or to Cancelled
// from any non-terminal status, or a non-terminal no-op. A terminal
// status admits nothing, not even itself — a repeated terminal write
// would overwrite the already-final conclusion/exit-code columns, so it
// must surface as a Conflict for the second writer.
func CanTransition(from, to JobStatus) bool {
	if from.Terminal() {
		return false
	}
	if from == to {
		return true
	}
	if to == JobStatusCancelled {
		return true
	}
	fromRank, ok := jobStatusRank[from]
	if !ok {
		return false
	}
	toRank, ok := jobStatusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// StringSet is a set of labels persisted as a JSON array. GORM serializes
// it via the `serializer:json` tag rather than a driver.Valuer.
type StringSet []string

// Has reports whether s contains v.
func (s StringSet) Has(v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// Intersects reports whether s and other share at least one element.
func (s StringSet) Intersects(other StringSet) bool {
	for _, x := range s {
		if other.Has(x) {
			return true
		}
	}
	return false
}

// SupersetOf reports whether s contains every element of required.
func (s StringSet) SupersetOf(required StringSet) bool {
	for _, r := range required {
		if !s.Has(r) {
			return false
		}
	}
	return true
}

// Equal reports whether s and other contain the same elements, order
// irrelevant.
func (s StringSet) Equal(other StringSet) bool {
	if len(s) != len(other) {
		return false
	}
	return s.SupersetOf(other)
}

// Job is the persisted Delegated Job.
type Job struct {
	base
	ForgeJobID    int64  `gorm:"index"`
	RunID         int64  `gorm:"index"`
	Repository    string `gorm:"index"`
	Workflow      string
	Labels        StringSet `gorm:"serializer:json"`
	HeadSHA       string
	HeadBranch    string
	Event         string
	Status        JobStatus `gorm:"index"`
	RunnerID      *uuid.UUID
	Priority      int
	StartedAt     *time.Time
	CompletedAt   *time.Time
	DurationMs    *int64
	ExitCode      *int
	Conclusion    string
	Error         string
	JobURL        string
}

// RunnerType distinguishes single-use runners from long-lived ones.
type RunnerType string

const (
	RunnerTypeProxy     RunnerType = "proxy"
	RunnerTypeEphemeral RunnerType = "ephemeral"
)

// RunnerStatus is the Runner's connection/work state.
type RunnerStatus string

const (
	RunnerStatusStarting RunnerStatus = "starting"
	RunnerStatusIdle     RunnerStatus = "idle"
	RunnerStatusBusy     RunnerStatus = "busy"
	RunnerStatusOffline  RunnerStatus = "offline"
)

// Runner is the persisted Runner row.
type Runner struct {
	base
	Name          string `gorm:"uniqueIndex"`
	Type          RunnerType
	Repository    string `gorm:"index"`
	Labels        StringSet `gorm:"serializer:json"`
	Status        RunnerStatus `gorm:"index"`
	ContainerID   string
	CurrentJobID  *uuid.UUID
	LastHeartbeat time.Time
}

// RunnerPool is the persisted per-repository pool policy and state.
type RunnerPool struct {
	Repository     string `gorm:"primaryKey"`
	MinRunners     int
	MaxRunners     int
	ScaleIncrement int
	ScaleThreshold float64
	LastScaledAt   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RoutingConditions is the Routing Rule's match criteria, persisted as JSON.
type RoutingConditions struct {
	Labels     StringSet `json:"labels,omitempty"`
	Repository string    `json:"repository,omitempty"`
	Workflow   string    `json:"workflow,omitempty"`
	Branch     string    `json:"branch,omitempty"`
	Event      string    `json:"event,omitempty"`
}

// RoutingTargets is the Routing Rule's resolution target, persisted as JSON.
type RoutingTargets struct {
	RunnerLabels StringSet `json:"runner_labels,omitempty"`
	PoolOverride string    `json:"pool_override,omitempty"`
	Exclusive    bool      `json:"exclusive,omitempty"`
}

// RoutingRule is the persisted Routing Rule.
type RoutingRule struct {
	base
	Name       string
	Priority   int `gorm:"index"`
	Conditions RoutingConditions `gorm:"serializer:json"`
	Targets    RoutingTargets    `gorm:"serializer:json"`
	Enabled    bool `gorm:"index"`
}

// RoutingDecision is the persisted analytics record for a Job Router
// decision.
type RoutingDecision struct {
	base
	JobID       uuid.UUID `gorm:"index"`
	RuleID      *uuid.UUID
	TargetCount int
}

// WebhookEvent is the persisted inbound webhook, keyed by the forge's
// delivery ID so replays and dedup share one row.
type WebhookEvent struct {
	DeliveryID           string `gorm:"primaryKey"`
	Repository           string `gorm:"index"`
	EventType            string `gorm:"index"`
	Action               string
	Payload              []byte
	Signature            string
	DedupKey             string `gorm:"index"`
	Timestamp            time.Time `gorm:"index"`
	Processed            bool      `gorm:"index"`
	ProcessingAttempts    int
	LastProcessingError   string
	ProcessingDurationMs  *int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// WorkflowRun mirrors the forge-level run grouping for reconciliation.
type WorkflowRun struct {
	RunID       int64 `gorm:"primaryKey"`
	Repository  string `gorm:"index"`
	Workflow    string
	HeadBranch  string
	HeadSHA     string
	Event       string
	Status      string
	Conclusion  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WebhookMetric is one row per processed delivery, written by the
// Webhook Ingestor.
type WebhookMetric struct {
	base
	EventType        string `gorm:"index"`
	Success          bool
	ProcessingTimeMs int64
	RecordedAt       time.Time `gorm:"index"`
}

// JobMetric is one row per completed job.
type JobMetric struct {
	JobID      uuid.UUID `gorm:"primaryKey"`
	Repository string    `gorm:"index"`
	Conclusion string
	DurationMs int64
	RunnerID   *uuid.UUID
	RecordedAt time.Time
}

// RepositoryStat is the running per-repository rollup, bumped on every
// job completion. Nothing in the control plane reads it back; the
// Auto-Scaler's trend API uses its own in-memory decision history.
type RepositoryStat struct {
	Repository     string `gorm:"primaryKey"`
	TotalJobs      int64
	SuccessfulJobs int64
	FailedJobs     int64
	LastJobAt      *time.Time
}
