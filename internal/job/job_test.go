package job

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	j, err := New("send_email", Options{})
	require.NoError(t, err)

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, DefaultQueue, j.QueueName)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, PriorityNormal, j.Priority)
	assert.Equal(t, DefaultMaxRetries, j.MaxRetries)
	assert.Equal(t, DefaultRetryDelay, j.RetryDelay)
	assert.Zero(t, j.RetryCount)
	assert.Nil(t, j.StartedAt)
	assert.Nil(t, j.CompletedAt)
}

func TestNewValidation(t *testing.T) {
	_, err := New("", Options{})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	negative := -1
	_, err = New("task", Options{MaxRetries: &negative})
	require.ErrorAs(t, err, &ve)

	bad := Priority(7)
	_, err = New("task", Options{Priority: &bad})
	require.ErrorAs(t, err, &ve)
}

func TestNewExplicitPriority(t *testing.T) {
	// The zero Priority value is CRITICAL, so an explicit choice must be
	// distinguishable from an omitted one.
	critical := PriorityCritical
	j, err := New("page_oncall", Options{Priority: &critical})
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, j.Priority)

	j, err = New("send_email", Options{})
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, j.Priority)
}

func TestIsDue(t *testing.T) {
	j, err := New("task", Options{})
	require.NoError(t, err)
	assert.True(t, j.IsDue(), "unscheduled job is always due")

	past := time.Now().Add(-time.Hour)
	j.ScheduledAt = &past
	assert.True(t, j.IsDue())

	future := time.Now().Add(time.Hour)
	j.ScheduledAt = &future
	assert.False(t, j.IsDue())
}

func TestLifecycleHappyPath(t *testing.T) {
	j, err := New("task", Options{})
	require.NoError(t, err)

	require.NoError(t, j.MarkReserved("worker-1"))
	assert.Equal(t, StatusReserved, j.Status)
	assert.Equal(t, "worker-1", j.WorkerID)

	require.NoError(t, j.MarkRunning())
	assert.Equal(t, StatusRunning, j.Status)
	require.NotNil(t, j.StartedAt)

	require.NoError(t, j.MarkCompleted("done"))
	assert.Equal(t, StatusCompleted, j.Status)
	require.NotNil(t, j.CompletedAt)
	assert.Equal(t, "done", j.Result)

	d, ok := j.Duration()
	assert.True(t, ok)
	assert.GreaterOrEqual(t, d, time.Duration(0))
}

func TestDurationUndefinedBeforeCompletion(t *testing.T) {
	j, err := New("task", Options{})
	require.NoError(t, err)

	_, ok := j.Duration()
	assert.False(t, ok)

	require.NoError(t, j.MarkReserved("w"))
	require.NoError(t, j.MarkRunning())
	_, ok = j.Duration()
	assert.False(t, ok)
}

func TestIllegalTransitions(t *testing.T) {
	j, err := New("task", Options{})
	require.NoError(t, err)

	var te *TransitionError
	require.ErrorAs(t, j.MarkRunning(), &te, "pending cannot start running")
	require.ErrorAs(t, j.MarkCompleted(nil), &te)

	require.NoError(t, j.MarkReserved("w"))
	require.ErrorAs(t, j.MarkReserved("w2"), &te, "double reservation")

	require.NoError(t, j.MarkRunning())
	require.NoError(t, j.MarkCompleted(nil))

	// Terminal states never move again.
	require.ErrorAs(t, j.MarkRunning(), &te)
	require.ErrorAs(t, j.MarkCancelled("x"), &te)
	require.ErrorAs(t, j.MarkTimeout(), &te)
}

func TestMarkFailedNormalizesError(t *testing.T) {
	j, err := New("task", Options{})
	require.NoError(t, err)
	require.NoError(t, j.MarkReserved("w"))
	require.NoError(t, j.MarkRunning())

	require.NoError(t, j.MarkFailed(errors.New("boom")))
	require.NotNil(t, j.Err)
	assert.Equal(t, "*errors.errorString", j.Err.Kind)
	assert.Equal(t, "boom", j.Err.Message)
	require.NotNil(t, j.CompletedAt)
}

func TestMarkFailedKeepsStructuredError(t *testing.T) {
	j, err := New("task", Options{})
	require.NoError(t, err)
	require.NoError(t, j.MarkReserved("w"))
	require.NoError(t, j.MarkRunning())

	structured := &Error{Kind: "PaymentDeclined", Message: "card expired"}
	require.NoError(t, j.MarkFailed(structured))
	assert.Equal(t, structured, j.Err)
}

func TestRetryBudget(t *testing.T) {
	two := 2
	j, err := New("task", Options{MaxRetries: &two, RetryDelay: time.Minute})
	require.NoError(t, err)

	// A retrying job is re-armed: reservation works from both pending
	// and retrying.
	runOnce := func() {
		require.NoError(t, j.MarkReserved("w"))
		require.NoError(t, j.MarkRunning())
	}

	runOnce()
	require.True(t, j.CanRetry())
	require.NoError(t, j.MarkRetry(errors.New("first failure")))
	assert.Equal(t, 1, j.RetryCount)
	assert.Empty(t, j.WorkerID, "retry releases the worker claim")
	assert.Nil(t, j.CompletedAt, "retrying job is not done")
	require.NotNil(t, j.ScheduledAt)
	assert.True(t, j.ScheduledAt.After(time.Now()), "retry waits out the delay")

	runOnce()
	require.True(t, j.CanRetry())
	require.NoError(t, j.MarkRetry(errors.New("second failure")))
	assert.Equal(t, 2, j.RetryCount)

	runOnce()
	assert.False(t, j.CanRetry())
	var te *TransitionError
	require.ErrorAs(t, j.MarkRetry(errors.New("third failure")), &te,
		"retry beyond the budget is a contract violation")
	assert.LessOrEqual(t, j.RetryCount, j.MaxRetries)
}

func TestMarkCancelledRecordsReason(t *testing.T) {
	j, err := New("task", Options{})
	require.NoError(t, err)

	require.NoError(t, j.MarkCancelled("superseded by v2"))
	assert.Equal(t, StatusCancelled, j.Status)
	assert.Equal(t, "superseded by v2", j.Metadata["cancel_reason"])
	require.NotNil(t, j.CompletedAt)
}

func TestMarkTimeoutSynthesizesError(t *testing.T) {
	j, err := New("task", Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.NoError(t, j.MarkReserved("w"))
	require.NoError(t, j.MarkRunning())

	require.NoError(t, j.MarkTimeout())
	assert.Equal(t, StatusTimeout, j.Status)
	require.NotNil(t, j.Err)
	assert.Equal(t, "TimeoutError", j.Err.Kind)
}

func TestStatusPredicates(t *testing.T) {
	for _, s := range ActiveStatuses {
		assert.True(t, s.Active(), s)
		assert.False(t, s.Terminal(), s)
	}
	for _, s := range TerminalStatuses {
		assert.True(t, s.Terminal(), s)
		assert.False(t, s.Active(), s)
	}
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("critical")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, p)

	_, err = ParsePriority("urgent")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestCloneIsDeep(t *testing.T) {
	j, err := New("task", Options{
		Args:     []any{"a", float64(1)},
		Kwargs:   map[string]any{"k": "v"},
		Tags:     []string{"nightly"},
		Metadata: map[string]any{"m": "1"},
	})
	require.NoError(t, err)

	c := j.Clone()
	c.Kwargs["k"] = "changed"
	c.Args[0] = "changed"
	c.Tags[0] = "changed"
	c.Metadata["m"] = "changed"

	assert.Equal(t, "v", j.Kwargs["k"])
	assert.Equal(t, "a", j.Args[0])
	assert.Equal(t, "nightly", j.Tags[0])
	assert.Equal(t, "1", j.Metadata["m"])
}
