package job

import (
	"time"

	"github.com/google/uuid"
)

const (
	DefaultQueue      = "default"
	DefaultMaxRetries = 3
	DefaultRetryDelay = 60 * time.Second
)

// Job is one unit of deferred work. Identity is immutable after creation;
// lifecycle state advances only through the Mark* methods.
type Job struct {
	ID       string         `json:"id"`
	TaskName string         `json:"task_name"`
	Args     []any          `json:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`
	Version  string         `json:"version,omitempty"`

	QueueName   string     `json:"queue_name"`
	Priority    Priority   `json:"priority"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	Status     Status        `json:"status"`
	RetryCount int           `json:"retry_count"`
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	WorkerID   string        `json:"worker_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Result any    `json:"result,omitempty"`
	Err    *Error `json:"error,omitempty"`

	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Options carries the optional fields of New. The zero value is valid.
type Options struct {
	ID          string
	Args        []any
	Kwargs      map[string]any
	Version     string
	QueueName   string
	Priority    *Priority // nil defaults to PriorityNormal
	ScheduledAt *time.Time
	MaxRetries  *int
	RetryDelay  time.Duration
	Timeout     time.Duration
	Tags        []string
	Metadata    map[string]any
}

func New(taskName string, opts Options) (*Job, error) {
	if taskName == "" {
		return nil, &ValidationError{Field: "task_name", Message: "must not be empty"}
	}

	j := &Job{
		ID:          opts.ID,
		TaskName:    taskName,
		Args:        opts.Args,
		Kwargs:      opts.Kwargs,
		Version:     opts.Version,
		QueueName:   opts.QueueName,
		Priority:    PriorityNormal,
		ScheduledAt: opts.ScheduledAt,
		Status:      StatusPending,
		MaxRetries:  DefaultMaxRetries,
		RetryDelay:  opts.RetryDelay,
		Timeout:     opts.Timeout,
		CreatedAt:   time.Now(),
		Tags:        opts.Tags,
		Metadata:    opts.Metadata,
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.QueueName == "" {
		j.QueueName = DefaultQueue
	}
	if opts.MaxRetries != nil {
		if *opts.MaxRetries < 0 {
			return nil, &ValidationError{Field: "max_retries", Message: "must not be negative"}
		}
		j.MaxRetries = *opts.MaxRetries
	}
	if j.RetryDelay == 0 {
		j.RetryDelay = DefaultRetryDelay
	}
	if opts.Priority != nil {
		if *opts.Priority < PriorityCritical || *opts.Priority > PriorityLow {
			return nil, &ValidationError{Field: "priority", Message: "out of range"}
		}
		j.Priority = *opts.Priority
	}
	return j, nil
}

// CanRetry reports whether another retry attempt is allowed.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// IsDue reports whether the job may be dequeued now. Unscheduled jobs
// are always due.
func (j *Job) IsDue() bool {
	return j.ScheduledAt == nil || !j.ScheduledAt.After(time.Now())
}

// Duration is defined only once the job has both started and finished.
func (j *Job) Duration() (time.Duration, bool) {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0, false
	}
	return j.CompletedAt.Sub(*j.StartedAt), true
}

// MarkReserved transitions a due pending (or re-armed retrying) job to
// reserved, stamping the reserving worker. The dequeue operation is the only
// legitimate caller.
func (j *Job) MarkReserved(workerID string) error {
	if !IsValidTransition(j.Status, StatusReserved) {
		return &TransitionError{JobID: j.ID, From: j.Status, To: StatusReserved}
	}
	j.Status = StatusReserved
	j.WorkerID = workerID
	return nil
}

func (j *Job) MarkRunning() error {
	if !IsValidTransition(j.Status, StatusRunning) {
		return &TransitionError{JobID: j.ID, From: j.Status, To: StatusRunning}
	}
	now := time.Now()
	j.Status = StatusRunning
	j.StartedAt = &now
	return nil
}

func (j *Job) MarkCompleted(result any) error {
	if !IsValidTransition(j.Status, StatusCompleted) {
		return &TransitionError{JobID: j.ID, From: j.Status, To: StatusCompleted}
	}
	now := time.Now()
	j.Status = StatusCompleted
	j.CompletedAt = &now
	j.Result = result
	return nil
}

func (j *Job) MarkFailed(err error) error {
	if !IsValidTransition(j.Status, StatusFailed) {
		return &TransitionError{JobID: j.ID, From: j.Status, To: StatusFailed}
	}
	now := time.Now()
	j.Status = StatusFailed
	j.CompletedAt = &now
	j.Err = NormalizeError(err)
	return nil
}

// MarkRetry re-arms the job for another attempt: the retry counter is
// incremented, the worker claim is released, and the job becomes due again
// once RetryDelay has elapsed. CompletedAt stays unset because the job is
// not done. Callers must check CanRetry first; exceeding MaxRetries is a
// caller bug.
func (j *Job) MarkRetry(err error) error {
	if !IsValidTransition(j.Status, StatusRetrying) {
		return &TransitionError{JobID: j.ID, From: j.Status, To: StatusRetrying}
	}
	if !j.CanRetry() {
		return &TransitionError{JobID: j.ID, From: j.Status, To: StatusRetrying}
	}
	j.Status = StatusRetrying
	j.RetryCount++
	j.WorkerID = ""
	j.Err = NormalizeError(err)
	next := time.Now().Add(j.RetryDelay)
	j.ScheduledAt = &next
	return nil
}

func (j *Job) MarkCancelled(reason string) error {
	if !IsValidTransition(j.Status, StatusCancelled) {
		return &TransitionError{JobID: j.ID, From: j.Status, To: StatusCancelled}
	}
	now := time.Now()
	j.Status = StatusCancelled
	j.CompletedAt = &now
	if reason != "" {
		if j.Metadata == nil {
			j.Metadata = make(map[string]any)
		}
		j.Metadata["cancel_reason"] = reason
	}
	return nil
}

// MarkTimeout force-fails a job whose wall-clock runtime exceeded Timeout.
func (j *Job) MarkTimeout() error {
	if !IsValidTransition(j.Status, StatusTimeout) {
		return &TransitionError{JobID: j.ID, From: j.Status, To: StatusTimeout}
	}
	now := time.Now()
	j.Status = StatusTimeout
	j.CompletedAt = &now
	j.Err = &Error{
		Kind:    "TimeoutError",
		Message: "job exceeded its timeout of " + j.Timeout.String(),
	}
	return nil
}

// Clone returns a deep copy so storage backends can hand out jobs without
// sharing mutable state with callers.
func (j *Job) Clone() *Job {
	c := *j
	if j.Args != nil {
		c.Args = make([]any, len(j.Args))
		copy(c.Args, j.Args)
	}
	if j.Kwargs != nil {
		c.Kwargs = make(map[string]any, len(j.Kwargs))
		for k, v := range j.Kwargs {
			c.Kwargs[k] = v
		}
	}
	if j.Tags != nil {
		c.Tags = make([]string, len(j.Tags))
		copy(c.Tags, j.Tags)
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	if j.ScheduledAt != nil {
		t := *j.ScheduledAt
		c.ScheduledAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Err != nil {
		e := *j.Err
		c.Err = &e
	}
	return &c
}

// HasTag reports whether the job carries the given tag.
func (j *Job) HasTag(tag string) bool {
	for _, t := range j.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
