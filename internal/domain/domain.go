package domain

// Mission statuses.
const (
	MissionPending     = "pending"
	MissionExecuting   = "executing"
	MissionPausedError = "paused_error"
	MissionCompleted   = "completed"
	MissionFailed      = "failed"
)

// Task statuses.
const (
	TaskPending        = "pending"
	TaskExecuting      = "executing"
	TaskReview         = "review"
	TaskApproved       = "approved"
	TaskRepairRetry    = "repair_retry"
	TaskFailedTerminal = "failed_terminal"
	TaskSkipped        = "skipped"
)

// Inter-agent message statuses.
const (
	MessagePending   = "pending"
	MessageDelivered = "delivered"
	MessageDropped   = "dropped"
)

// Agent roles known to the routing guard.
const (
	RoleCEO      = "CEO"
	RoleCOO      = "COO"
	RolePlanner  = "Planner"
	RoleEngineer = "Engineer"
	RoleQA       = "QA"
)

type Mission struct {
	ID              string  `json:"id"`
	Status          string  `json:"status" enum:"pending,executing,paused_error,completed,failed"`
	PreviousStatus  *string `json:"previous_status,omitempty"`
	MaxCostUSD      float64 `json:"max_cost_usd"`
	SpentCostUSD    float64 `json:"spent_cost_usd"`
	RepairBudgetUSD float64 `json:"repair_budget_usd"`
	FailureReason   *string `json:"failure_reason,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
	FailedAt        *string `json:"failed_at,omitempty" format:"date-time"`
}

type MissionTask struct {
	ID                   string   `json:"id"`
	MissionID            string   `json:"mission_id"`
	TaskOrder            int      `json:"task_order"`
	Description          string   `json:"description"`
	Status               string   `json:"status" enum:"pending,executing,review,approved,repair_retry,failed_terminal,skipped"`
	RepairAttempt        int      `json:"repair_attempt"`
	RepairBudgetSpentUSD float64  `json:"repair_budget_spent_usd"`
	RepairContext        *string  `json:"repair_context,omitempty"`
	ResultArtifactIDs    []string `json:"result_artifact_ids,omitempty"`
	RequiredArtifactIDs  []string `json:"required_artifact_ids,omitempty"`
	LockedAt             *string  `json:"locked_at,omitempty" format:"date-time"`
	LockedBy             *string  `json:"locked_by,omitempty"`
	TokenizerModel       *string  `json:"tokenizer_model,omitempty"`
	StartedAt            *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt          *string  `json:"completed_at,omitempty" format:"date-time"`
}

// MaxRequiredArtifacts bounds MissionTask.RequiredArtifactIDs.
const MaxRequiredArtifacts = 3

type TimelineEvent struct {
	ID        string `json:"id"`
	MissionID string `json:"mission_id"`
	TaskID    string `json:"task_id,omitempty"`
	EventType string `json:"event_type"`
	Metadata  string `json:"metadata_json"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AgentMessage struct {
	ID        string `json:"id"`
	MissionID string `json:"mission_id"`
	FromRole  string `json:"from_role"`
	ToRole    string `json:"to_role"`
	Status    string `json:"status" enum:"pending,delivered,dropped"`
	Payload   string `json:"payload_json"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Step record statuses.
const (
	StepPending     = "pending"
	StepRunning     = "running"
	StepCompleted   = "completed"
	StepFailed      = "failed"
	StepCompensated = "compensated"
)

// Compensation bookkeeping statuses on a step record.
const (
	CompensationNotNeeded = "not_needed"
	CompensationPending   = "pending"
	CompensationCompleted = "completed"
	CompensationFailed    = "failed"
)

// StepRecord is one entry in a mission's hash-chained journal.
type StepRecord struct {
	StepID             string  `json:"step_id"`
	MissionID          string  `json:"mission_id"`
	OperationType      string  `json:"operation_type"`
	Status             string  `json:"status"`
	StartedAt          string  `json:"started_at"`
	CompletedAt        *string `json:"completed_at,omitempty"`
	PreStateHash       string  `json:"pre_state_hash"`
	PostStateHash      string  `json:"post_state_hash"`
	ErrorMessage       *string `json:"error_message,omitempty"`
	CompensationStatus string  `json:"compensation_status"`
	PrevEntryHash      string  `json:"prev_entry_hash"`
	EntryHash          string  `json:"entry_hash"`
}

// OperationReceipt proves that an operation ran, for audit and replay safety.
type OperationReceipt struct {
	OperationID          string `json:"operation_id"`
	MissionID            string `json:"mission_id"`
	Timestamp            string `json:"timestamp"`
	PreStateHash         string `json:"pre_state_hash"`
	PostStateHash        string `json:"post_state_hash"`
	CompensationType     string `json:"compensation_type"`
	CompensationCommand  string `json:"compensation_command,omitempty"`
	IdempotencyKey       string `json:"idempotency_key"`
	// CompensationVerified is true only when the declared command was checked
	// against the reversible-action whitelist, that is for custom_validated.
	// Type none has nothing to verify and other types are opaque to the
	// executor, so both record false.
	CompensationVerified bool `json:"compensation_verified"`
}

// Compensation taxonomy types validated by the operation executor.
const (
	CompensationTypeNone            = "none"
	CompensationTypeCustomValidated = "custom_validated"
)

// Compensation is an operation's declared reversal action.
type Compensation struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
}

// Operation is one unit of work submitted to the executor.
type Operation struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Params       map[string]any `json:"params,omitempty"`
	Compensation Compensation   `json:"compensation"`
}

// Envelope is the capability restriction granted to one operation execution.
// Constructed fresh per run, never persisted.
type Envelope struct {
	AllowedPaths   []string
	DeniedPaths    []string
	AllowedTools   []string
	AllowedRoles   []string
	RejectSymlinks bool
	MaxBudgetUSD   float64
	TimeoutSeconds int
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
