// Package runtime defines the records that make up the executable state
// of the engine: process instances, tokens, user tasks, timer jobs,
// message subscriptions and audit events. All of them persist as triples
// in the graph store; these structs are their in-memory form.
package runtime

import (
	"time"
)

// InstanceState of a process instance. Transitions are monotone except
// WAITING <-> RUNNING which alternates while tokens park and resume.
type InstanceState string

const (
	InstanceCreated    InstanceState = "CREATED"
	InstanceRunning    InstanceState = "RUNNING"
	InstanceWaiting    InstanceState = "WAITING"
	InstanceCompleted  InstanceState = "COMPLETED"
	InstanceTerminated InstanceState = "TERMINATED"
	InstanceError      InstanceState = "ERROR"
	InstanceCancelled  InstanceState = "CANCELLED"
)

// Terminal reports whether the instance accepts no further work.
func (s InstanceState) Terminal() bool {
	switch s {
	case InstanceCompleted, InstanceTerminated, InstanceError, InstanceCancelled:
		return true
	}
	return false
}

// ProcessInstance is one running (or finished) execution of a deployed
// definition. ParentInstance and ParentNode are set when the instance was
// spawned by a call activity.
type ProcessInstance struct {
	ID           string        `json:"id"`
	DefinitionID string        `json:"definitionId"`
	State        InstanceState `json:"state"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`

	ParentInstance string `json:"parentInstance,omitempty"`
	ParentNode     string `json:"parentNode,omitempty"` // call activity node id in the parent
	ParentToken    string `json:"parentToken,omitempty"`
}

type TokenState string

const (
	TokenActive   TokenState = "ACTIVE"
	TokenWaiting  TokenState = "WAITING"
	TokenConsumed TokenState = "CONSUMED"
)

// ResumeKind tells the router which control operation may wake a WAITING
// token.
type ResumeKind string

const (
	ResumeNone      ResumeKind = ""
	ResumeUserTask  ResumeKind = "userTask"
	ResumeMessage   ResumeKind = "message"
	ResumeSignal    ResumeKind = "signal"
	ResumeTimer     ResumeKind = "timer"
	ResumeChild     ResumeKind = "child"    // call activity waiting on a child instance
	ResumeCallback  ResumeKind = "callback" // async topic handler
	ResumeEventGate ResumeKind = "eventGateway"
	ResumeMultiInst ResumeKind = "multiInstance"
)

// Token marks one active execution point inside an instance. ScopePath
// is the stack of subprocess node ids the token has entered, outermost
// first; an empty path means the process root.
type Token struct {
	ID         string     `json:"id"`
	InstanceID string     `json:"instanceId"`
	NodeID     string     `json:"nodeId"`
	State      TokenState `json:"state"`
	ScopePath  []string   `json:"scopePath,omitempty"`

	// resume bookkeeping for WAITING tokens
	ResumeKind ResumeKind `json:"resumeKind,omitempty"`
	ResumeKey  string     `json:"resumeKey,omitempty"` // task id, subscription key, child instance id or callback id

	// multi-instance bookkeeping; LoopIndex is 1-based, zero when the
	// token is not an MI iteration
	LoopIndex int    `json:"loopIndex,omitempty"`
	MIGroup   string `json:"miGroup,omitempty"` // shared id of all siblings of one MI activation
}

// ScopeID returns the innermost scope the token executes in, empty at
// process root.
func (t *Token) ScopeID() string {
	if len(t.ScopePath) == 0 {
		return ""
	}
	return t.ScopePath[len(t.ScopePath)-1]
}

// PushScope returns a copy of the scope path with one more entry.
func (t *Token) PushScope(scope string) []string {
	out := make([]string, len(t.ScopePath)+1)
	copy(out, t.ScopePath)
	out[len(t.ScopePath)] = scope
	return out
}

type TaskState string

const (
	TaskCreated   TaskState = "CREATED"
	TaskClaimed   TaskState = "CLAIMED"
	TaskCompleted TaskState = "COMPLETED"
)

// UserTask is a pending work item created by a token arriving at a user
// task node. TokenID references the WAITING token that completion
// resumes.
type UserTask struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instanceId"`
	NodeID     string    `json:"nodeId"`
	TokenID    string    `json:"tokenId"`
	State      TaskState `json:"state"`

	Name            string   `json:"name,omitempty"`
	Assignee        string   `json:"assignee,omitempty"`
	CandidateUsers  []string `json:"candidateUsers,omitempty"`
	CandidateGroups []string `json:"candidateGroups,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	ClaimedAt   *time.Time `json:"claimedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type TimerStatus string

const (
	TimerDuePending TimerStatus = "DUE_PENDING"
	TimerLeased     TimerStatus = "LEASED"
	TimerFired      TimerStatus = "FIRED"
	TimerCancelled  TimerStatus = "CANCELLED"
)

// TimerJob is a persisted due-timer. LeaseHolder is set exactly while
// the status is LEASED; an expired lease makes the job claimable again.
type TimerJob struct {
	ID         string      `json:"id"`
	InstanceID string      `json:"instanceId"`
	TokenID    string      `json:"tokenId"`
	NodeID     string      `json:"nodeId"` // catch event or boundary event the firing routes to
	Status     TimerStatus `json:"status"`

	DueAt          time.Time  `json:"dueAt"`
	LeaseHolder    string     `json:"leaseHolder,omitempty"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
	Attempts       int        `json:"attempts"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// MessageSubscription parks a token (receive task, message catch event,
// event-based gateway arm, boundary event) until a matching message or
// signal arrives. CorrelationKey is empty for signals.
type MessageSubscription struct {
	ID         string `json:"id"`
	InstanceID string `json:"instanceId"`
	TokenID    string `json:"tokenId"`
	NodeID     string `json:"nodeId"`

	Name           string    `json:"name"`
	CorrelationKey string    `json:"correlationKey,omitempty"`
	Signal         bool      `json:"signal,omitempty"`
	Boundary       bool      `json:"boundary,omitempty"` // token stays on the activity, firing routes to NodeID
	GatewayID      string    `json:"gatewayId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// AuditEvent is one append-only entry of the instance log.
type AuditEvent struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"` // monotone per engine, orders events within an instance
	InstanceID string    `json:"instanceId"`
	NodeID     string    `json:"nodeId,omitempty"`
	Type       string    `json:"eventType"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	Details    string    `json:"details,omitempty"`
}

// Audit event types emitted by the engine.
const (
	AuditStart             = "START"
	AuditTake              = "TAKE"
	AuditComplete          = "COMPLETE"
	AuditEnd               = "END"
	AuditTerminate         = "TERMINATE"
	AuditError             = "ERROR"
	AuditCancelActivity    = "CANCEL_ACTIVITY"
	AuditBoundaryFired     = "BOUNDARY_FIRED"
	AuditTimerFired        = "TIMER_FIRED"
	AuditMessageReceived   = "MESSAGE_RECEIVED"
	AuditMessageThrown     = "MESSAGE_THROWN"
	AuditSignalThrown      = "SIGNAL_THROWN"
	AuditTaskCreated       = "TASK_CREATED"
	AuditTaskClaimed       = "TASK_CLAIMED"
	AuditTaskCompleted     = "TASK_COMPLETED"
	AuditScriptSkipped     = "SCRIPT_TASK_SKIPPED"
	AuditManualComplete    = "MANUAL_COMPLETE"
	AuditMIStarted         = "MI_STARTED"
	AuditMICompleted       = "MI_COMPLETED"
	AuditUnsupported       = "UNSUPPORTED"
	AuditDeadEnd           = "DEAD_END"
	AuditSubprocessEntered = "SUBPROCESS_ENTERED"
	AuditSubprocessExited  = "SUBPROCESS_EXITED"
	AuditCallStarted       = "CALL_ACTIVITY_STARTED"
	AuditCallCompleted     = "CALL_ACTIVITY_COMPLETED"
	AuditListenerFailed    = "LISTENER_FAILED"
)

// SystemActor is recorded on audit events with no external actor.
const SystemActor = "System"
