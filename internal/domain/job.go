package domain

import "time"

// JobKind enumerates supported generation job categories.
type JobKind string

const (
	JobKindGenerateMaterial     JobKind = "GENERATE_MATERIAL"
	JobKindGenerateImages       JobKind = "GENERATE_IMAGES"
	JobKindGenerateDescriptions JobKind = "GENERATE_DESCRIPTIONS"
)

// KindFamily groups job kinds that share an external rate-limit budget and
// therefore a worker pool.
type KindFamily string

const (
	FamilyImage KindFamily = "image"
	FamilyText  KindFamily = "text"
)

// Family maps a job kind onto its worker pool family.
func (k JobKind) Family() KindFamily {
	if k == JobKindGenerateDescriptions {
		return FamilyText
	}
	return FamilyImage
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ScopeGlobal marks jobs not owned by any particular project.
const ScopeGlobal = "global"

// Progress carries monotonic sub-step counters for a running job.
type Progress struct {
	Total     int
	Completed int
	Failed    int
}

// Job encapsulates the lifecycle of one unit of asynchronous generation work.
// It is the only entity the orchestrator mutates; status-polling collaborators
// read it through the registry.
type Job struct {
	ID          string
	Scope       string
	Kind        JobKind
	Status      JobStatus
	Progress    Progress
	Error       string
	CreatedAt   time.Time
	CompletedAt *time.Time
}
