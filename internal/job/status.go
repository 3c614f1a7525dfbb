package job

import "fmt"

type Status string

const (
	StatusPending   Status = "pending"
	StatusReserved  Status = "reserved"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

var AllStatuses = []Status{
	StatusPending,
	StatusReserved,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusRetrying,
	StatusCancelled,
	StatusTimeout,
}

// ActiveStatuses count toward in-flight capacity and are eligible
// for stuck-job recovery.
var ActiveStatuses = []Status{
	StatusPending,
	StatusReserved,
	StatusRunning,
	StatusRetrying,
}

// TerminalStatuses never transition further and are eligible for pruning.
var TerminalStatuses = []Status{
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
	StatusTimeout,
}

func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusReserved, StatusRunning, StatusRetrying:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

type StateTransition struct {
	From Status
	To   Status
}

// ValidTransitions is the full state machine. RETRYING is a re-armed
// pending state: a retrying job becomes due again once its retry delay
// elapses and may be reserved by any worker.
var ValidTransitions = []StateTransition{
	{From: StatusPending, To: StatusReserved},
	{From: StatusRetrying, To: StatusReserved},
	{From: StatusReserved, To: StatusRunning},
	{From: StatusRunning, To: StatusCompleted},
	{From: StatusRunning, To: StatusFailed},
	{From: StatusRunning, To: StatusRetrying},
	{From: StatusRunning, To: StatusTimeout},
	{From: StatusPending, To: StatusCancelled},
	{From: StatusReserved, To: StatusCancelled},
	{From: StatusRunning, To: StatusCancelled},
	{From: StatusRetrying, To: StatusCancelled},
}

func IsValidTransition(from, to Status) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

type Priority int

// Priorities sort ascending, so CRITICAL always dequeues first.
const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

var AllPriorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", s)}
}
