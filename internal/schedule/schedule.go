// Package schedule implements recurring job templates driven by a cron
// expression or a fixed interval. Cron expressions use the standard
// five-field format and are evaluated in the process-local timezone.
package schedule

import (
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"flintq/internal/job"
)

type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
)

// Interval is a structured fixed-period trigger.
type Interval struct {
	Seconds int `json:"seconds,omitempty"`
	Minutes int `json:"minutes,omitempty"`
	Hours   int `json:"hours,omitempty"`
	Days    int `json:"days,omitempty"`
}

func (i Interval) TotalSeconds() int {
	return i.Seconds + i.Minutes*60 + i.Hours*3600 + i.Days*86400
}

func (i Interval) Duration() time.Duration {
	return time.Duration(i.TotalSeconds()) * time.Second
}

func (i Interval) IsZero() bool {
	return i.TotalSeconds() == 0
}

// Schedule is a recurring template that materializes Jobs. Exactly one of
// CronExpression and Interval is set.
type Schedule struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	CronExpression string    `json:"cron_expression,omitempty"`
	Interval       *Interval `json:"interval,omitempty"`

	TaskName   string         `json:"task_name"`
	Args       []any          `json:"args,omitempty"`
	Kwargs     map[string]any `json:"kwargs,omitempty"`
	QueueName  string         `json:"queue_name"`
	Priority   job.Priority   `json:"priority"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	MaxRetries *int           `json:"max_retries,omitempty"`
	RetryDelay time.Duration  `json:"retry_delay,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
	Version    string         `json:"version,omitempty"`

	Status    Status     `json:"status"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Options carries the optional fields of New.
type Options struct {
	ID             string
	CronExpression string
	Interval       *Interval
	Args           []any
	Kwargs         map[string]any
	QueueName      string
	Priority       *job.Priority // nil defaults to PriorityNormal
	Tags           []string
	Metadata       map[string]any
	MaxRetries     *int
	RetryDelay     time.Duration
	Timeout        time.Duration
	Version        string
}

// New validates and builds a schedule. Exactly one trigger kind must be
// given; both or neither is a validation error, never defaulted.
func New(name, taskName string, opts Options) (*Schedule, error) {
	if name == "" {
		return nil, &job.ValidationError{Field: "name", Message: "must not be empty"}
	}
	if taskName == "" {
		return nil, &job.ValidationError{Field: "task_name", Message: "must not be empty"}
	}

	hasCron := opts.CronExpression != ""
	hasInterval := opts.Interval != nil && !opts.Interval.IsZero()
	if hasCron && hasInterval {
		return nil, &job.ValidationError{Field: "trigger", Message: "cron_expression and interval are mutually exclusive"}
	}
	if !hasCron && !hasInterval {
		return nil, &job.ValidationError{Field: "trigger", Message: "either cron_expression or interval is required"}
	}
	if hasCron {
		if _, err := cron.ParseStandard(opts.CronExpression); err != nil {
			return nil, &job.ValidationError{Field: "cron_expression", Message: err.Error()}
		}
	}

	s := &Schedule{
		ID:             opts.ID,
		Name:           name,
		CronExpression: opts.CronExpression,
		TaskName:       taskName,
		Args:           opts.Args,
		Kwargs:         opts.Kwargs,
		QueueName:      opts.QueueName,
		Priority:       job.PriorityNormal,
		Tags:           opts.Tags,
		Metadata:       opts.Metadata,
		MaxRetries:     opts.MaxRetries,
		RetryDelay:     opts.RetryDelay,
		Timeout:        opts.Timeout,
		Version:        opts.Version,
		Status:         StatusActive,
		CreatedAt:      time.Now(),
	}
	if opts.Priority != nil {
		if *opts.Priority < job.PriorityCritical || *opts.Priority > job.PriorityLow {
			return nil, &job.ValidationError{Field: "priority", Message: "out of range"}
		}
		s.Priority = *opts.Priority
	}
	if hasInterval {
		iv := *opts.Interval
		s.Interval = &iv
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.QueueName == "" {
		s.QueueName = job.DefaultQueue
	}

	next := s.NextRunAfter(time.Now())
	s.NextRunAt = &next
	return s, nil
}

// NextRunAfter computes the first fire time strictly after t.
func (s *Schedule) NextRunAfter(t time.Time) time.Time {
	if s.CronExpression != "" {
		sched, err := cron.ParseStandard(s.CronExpression)
		if err != nil {
			// Validated at construction; an unparsable stored expression
			// means corrupted state, so push far out rather than spin.
			return t.Add(24 * time.Hour)
		}
		return sched.Next(t)
	}
	return t.Add(s.Interval.Duration())
}

// IsDue reports whether the schedule should fire now.
func (s *Schedule) IsDue() bool {
	if s.Status != StatusActive || s.NextRunAt == nil {
		return false
	}
	return !s.NextRunAt.After(time.Now())
}

// UpdateNextRun records a fire at now and advances NextRunAt.
func (s *Schedule) UpdateNextRun() {
	now := time.Now()
	s.LastRunAt = &now
	next := s.NextRunAfter(now)
	s.NextRunAt = &next
}

// Pause disables firing without clearing NextRunAt.
func (s *Schedule) Pause() {
	s.Status = StatusPaused
}

// Resume reactivates the schedule. NextRunAt is recomputed only when
// explicitly requested; otherwise the stored fire time stands, which may
// make the schedule immediately due.
func (s *Schedule) Resume(recompute bool) {
	s.Status = StatusActive
	if recompute {
		next := s.NextRunAfter(time.Now())
		s.NextRunAt = &next
	}
}

// CreateJob materializes one execution. The produced job's metadata carries
// schedule_id and schedule_name so executions trace back to their origin.
func (s *Schedule) CreateJob() (*job.Job, error) {
	meta := make(map[string]any, len(s.Metadata)+2)
	for k, v := range s.Metadata {
		meta[k] = v
	}
	meta["schedule_id"] = s.ID
	meta["schedule_name"] = s.Name

	var kwargs map[string]any
	if s.Kwargs != nil {
		kwargs = make(map[string]any, len(s.Kwargs))
		for k, v := range s.Kwargs {
			kwargs[k] = v
		}
	}

	priority := s.Priority
	return job.New(s.TaskName, job.Options{
		Args:       append([]any(nil), s.Args...),
		Kwargs:     kwargs,
		Version:    s.Version,
		QueueName:  s.QueueName,
		Priority:   &priority,
		MaxRetries: s.MaxRetries,
		RetryDelay: s.RetryDelay,
		Timeout:    s.Timeout,
		Tags:       append([]string(nil), s.Tags...),
		Metadata:   meta,
	})
}

// Clone returns a deep copy for storage backends.
func (s *Schedule) Clone() *Schedule {
	c := *s
	if s.Interval != nil {
		iv := *s.Interval
		c.Interval = &iv
	}
	if s.Args != nil {
		c.Args = append([]any(nil), s.Args...)
	}
	if s.Kwargs != nil {
		c.Kwargs = make(map[string]any, len(s.Kwargs))
		for k, v := range s.Kwargs {
			c.Kwargs[k] = v
		}
	}
	if s.Tags != nil {
		c.Tags = append([]string(nil), s.Tags...)
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	if s.MaxRetries != nil {
		n := *s.MaxRetries
		c.MaxRetries = &n
	}
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		c.LastRunAt = &t
	}
	if s.NextRunAt != nil {
		t := *s.NextRunAt
		c.NextRunAt = &t
	}
	return &c
}
