package jobs

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/storyreel/internal/apperr"
	"github.com/MimeLyc/storyreel/internal/backend"
)

type manualScheduler struct {
	mu     sync.Mutex
	tasks  []*manualTask
	delays []time.Duration
}

type manualTask struct {
	fn        func()
	cancelled bool
}

func (s *manualScheduler) After(d time.Duration, task func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt := &manualTask{fn: task}
	s.tasks = append(s.tasks, mt)
	s.delays = append(s.delays, d)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		mt.cancelled = true
	}
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, task := range s.tasks {
		if !task.cancelled {
			n++
		}
	}
	return n
}

// runNext runs the oldest task that was not cancelled.
func (s *manualScheduler) runNext(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	var next *manualTask
	for len(s.tasks) > 0 {
		head := s.tasks[0]
		s.tasks = s.tasks[1:]
		if !head.cancelled {
			next = head
			break
		}
	}
	s.mu.Unlock()
	require.NotNil(t, next, "no pending poll task")
	next.fn()
}

type statusResult struct {
	report backend.StatusReport
	err    error
}

type fakeClient struct {
	mu        sync.Mutex
	submitID  string
	submitErr error
	statuses  []statusResult
	calls     int
	onStatus  func()
}

func (c *fakeClient) Submit(ctx context.Context, mode backend.Mode, payload backend.Payload) (string, error) {
	return c.submitID, c.submitErr
}

func (c *fakeClient) Status(ctx context.Context, mode backend.Mode, jobID string) (backend.StatusReport, error) {
	c.mu.Lock()
	hook := c.onStatus
	var res statusResult
	if c.calls < len(c.statuses) {
		res = c.statuses[c.calls]
	}
	c.calls++
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return res.report, res.err
}

func notFound() error {
	return apperr.Wrap(&backend.HTTPError{StatusCode: http.StatusNotFound, Endpoint: "/status/x"}, apperr.ErrTransport, "status request failed")
}

func newTestTracker(client *fakeClient, opts ...Option) (*Tracker, *manualScheduler, *[]Job) {
	sched := &manualScheduler{}
	opts = append([]Option{WithScheduler(sched), WithPollInterval(2 * time.Second)}, opts...)
	tracker := NewTracker(client, opts...)
	var updates []Job
	tracker.Subscribe(func(job Job) { updates = append(updates, job) })
	return tracker, sched, &updates
}

func TestTracker_PollsToCompletion(t *testing.T) {
	client := &fakeClient{
		submitID: "abc",
		statuses: []statusResult{
			{report: backend.StatusReport{Status: backend.StatusQueued}},
			{report: backend.StatusReport{Status: backend.StatusProcessing, Progress: 50}},
			{report: backend.StatusReport{Status: backend.StatusCompleted, Progress: 100}},
		},
	}
	tracker, sched, updates := newTestTracker(client)

	require.NoError(t, tracker.Submit(context.Background(), backend.ModeVideo, backend.Payload{Text: "hello"}, "Chunk 1"))
	job := tracker.Snapshot()
	assert.Equal(t, StatePolling, job.State)
	assert.Equal(t, backend.StatusQueued, job.Status)
	assert.Equal(t, "abc", job.ID)
	assert.Equal(t, "Video generation started", job.Message)
	assert.Equal(t, []time.Duration{0}, sched.delays)

	submitUpdates := len(*updates)
	for i := 0; i < 3; i++ {
		sched.runNext(t)
	}
	polled := (*updates)[submitUpdates:]
	require.Len(t, polled, 3)
	assert.Equal(t, "Job is queued for processing...", polled[0].Message)
	assert.Equal(t, "Processing... 50% complete", polled[1].Message)
	assert.Equal(t, 50, polled[1].Progress)
	assert.Equal(t, StateCompleted, polled[2].State)
	assert.Equal(t, "Generation completed successfully!", polled[2].Message)

	final := tracker.Snapshot()
	assert.Equal(t, "abc", final.ID)
	assert.True(t, final.Downloadable())
	assert.Equal(t, 0, sched.pending())

	waited, err := tracker.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, waited.State)
}

func TestTracker_BackendFailureClearsID(t *testing.T) {
	client := &fakeClient{
		submitID: "abc",
		statuses: []statusResult{{report: backend.StatusReport{Status: backend.StatusFailed}}},
	}
	tracker, sched, _ := newTestTracker(client)

	require.NoError(t, tracker.Submit(context.Background(), backend.ModeAudio, backend.Payload{Text: "x"}, ""))
	sched.runNext(t)

	job := tracker.Snapshot()
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, CauseBackend, job.Cause)
	assert.Empty(t, job.ID)
	assert.Equal(t, "abc", job.AssignedID)
	assert.Equal(t, "Generation failed. Please try again.", job.Message)
	assert.False(t, job.Downloadable())
	assert.Equal(t, 0, sched.pending())
}

func TestTracker_NotFoundRetriesWithoutUpdate(t *testing.T) {
	client := &fakeClient{
		submitID: "abc",
		statuses: []statusResult{{err: notFound()}},
	}
	tracker, sched, updates := newTestTracker(client)

	require.NoError(t, tracker.Submit(context.Background(), backend.ModeVideo, backend.Payload{Text: "x"}, ""))
	before := len(*updates)
	snapBefore := tracker.Snapshot()

	sched.runNext(t)

	assert.Len(t, *updates, before)
	assert.Equal(t, snapBefore, tracker.Snapshot())
	assert.Equal(t, 1, sched.pending())
	assert.Equal(t, []time.Duration{0, 2 * time.Second}, sched.delays)
}

func TestTracker_NotFoundCeiling(t *testing.T) {
	client := &fakeClient{
		submitID: "abc",
		statuses: []statusResult{{err: notFound()}, {err: notFound()}},
	}
	tracker, sched, _ := newTestTracker(client, WithMaxNotFound(1))

	require.NoError(t, tracker.Submit(context.Background(), backend.ModeVideo, backend.Payload{Text: "x"}, ""))
	sched.runNext(t)
	assert.Equal(t, StatePolling, tracker.Snapshot().State)
	sched.runNext(t)

	job := tracker.Snapshot()
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, CauseNotFound, job.Cause)
	assert.Empty(t, job.ID)
}

func TestTracker_PollErrorRetainsID(t *testing.T) {
	client := &fakeClient{
		submitID: "abc",
		statuses: []statusResult{{err: errors.New("connection refused")}},
	}
	tracker, sched, _ := newTestTracker(client)

	require.NoError(t, tracker.Submit(context.Background(), backend.ModeVideo, backend.Payload{Text: "x"}, ""))
	sched.runNext(t)

	job := tracker.Snapshot()
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, CausePoll, job.Cause)
	assert.Equal(t, "abc", job.ID)
	assert.Equal(t, "Failed to check generation status. Please try again.", job.Message)
	assert.Equal(t, 0, sched.pending())
}

func TestTracker_SubmitFailure(t *testing.T) {
	client := &fakeClient{submitErr: apperr.New(apperr.ErrTransport, "backend unreachable")}
	tracker, sched, _ := newTestTracker(client)

	err := tracker.Submit(context.Background(), backend.ModeVideo, backend.Payload{Text: "x"}, "")
	require.Error(t, err)

	job := tracker.Snapshot()
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, CauseSubmit, job.Cause)
	assert.Empty(t, job.ID)
	assert.Equal(t, "failed to start generation: backend unreachable", job.Message)
	assert.Equal(t, 0, sched.pending())
}

func TestTracker_RefusesSecondSubmission(t *testing.T) {
	client := &fakeClient{submitID: "abc"}
	tracker, _, _ := newTestTracker(client)

	require.NoError(t, tracker.Submit(context.Background(), backend.ModeVideo, backend.Payload{Text: "x"}, ""))
	err := tracker.Submit(context.Background(), backend.ModeAudio, backend.Payload{Text: "y"}, "")
	assert.ErrorIs(t, err, ErrJobInProgress)
	assert.Equal(t, backend.ModeVideo, tracker.Snapshot().Mode)
}

func TestTracker_ProgressNeverDecreases(t *testing.T) {
	client := &fakeClient{
		submitID: "abc",
		statuses: []statusResult{
			{report: backend.StatusReport{Status: backend.StatusProcessing, Progress: 60}},
			{report: backend.StatusReport{Status: backend.StatusProcessing, Progress: 40}},
		},
	}
	tracker, sched, _ := newTestTracker(client)

	require.NoError(t, tracker.Submit(context.Background(), backend.ModeVideo, backend.Payload{Text: "x"}, ""))
	sched.runNext(t)
	sched.runNext(t)

	job := tracker.Snapshot()
	assert.Equal(t, 60, job.Progress)
	assert.Equal(t, "Processing... 60% complete", job.Message)
}

func TestTracker_StampsTimesFromClock(t *testing.T) {
	client := &fakeClient{
		submitID: "abc",
		statuses: []statusResult{{report: backend.StatusReport{Status: backend.StatusCompleted, Progress: 100}}},
	}
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	tracker, sched, _ := newTestTracker(client, WithClock(clock))

	require.NoError(t, tracker.Submit(context.Background(), backend.ModeAudio, backend.Payload{Text: "x"}, ""))
	sched.runNext(t)

	job := tracker.Snapshot()
	assert.Equal(t, base.Add(time.Minute), job.CreatedAt)
	assert.True(t, job.UpdatedAt.After(job.CreatedAt))
}

func TestTracker_CancelDiscardsInFlightResponse(t *testing.T) {
	client := &fakeClient{
		submitID: "abc",
		statuses: []statusResult{{report: backend.StatusReport{Status: backend.StatusCompleted, Progress: 100}}},
	}
	tracker, sched, updates := newTestTracker(client)
	client.onStatus = tracker.Cancel

	require.NoError(t, tracker.Submit(context.Background(), backend.ModeVideo, backend.Payload{Text: "x"}, ""))
	sched.runNext(t)

	job := tracker.Snapshot()
	assert.Equal(t, StateIdle, job.State)
	assert.Empty(t, job.ID)
	last := (*updates)[len(*updates)-1]
	assert.Equal(t, StateIdle, last.State)
	assert.Equal(t, 0, sched.pending())
}

func TestTracker_StalePollAfterResubmitIsIgnored(t *testing.T) {
	client := &fakeClient{
		submitID: "first",
		statuses: []statusResult{{report: backend.StatusReport{Status: backend.StatusCompleted, Progress: 100}}},
	}
	tracker, sched, _ := newTestTracker(client)

	require.NoError(t, tracker.Submit(context.Background(), backend.ModeVideo, backend.Payload{Text: "x"}, ""))
	stale := sched.tasks[0].fn
	tracker.Cancel()

	client.submitID = "second"
	require.NoError(t, tracker.Submit(context.Background(), backend.ModeAudio, backend.Payload{Text: "y"}, ""))

	stale()
	job := tracker.Snapshot()
	assert.Equal(t, "second", job.ID)
	assert.Equal(t, StatePolling, job.State)
	assert.Equal(t, 0, client.calls)
}

func TestTracker_WaitWithoutJob(t *testing.T) {
	tracker := NewTracker(&fakeClient{})
	_, err := tracker.Wait(context.Background())
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestTracker_ClockSchedulerEndToEnd(t *testing.T) {
	client := &fakeClient{
		submitID: "abc",
		statuses: []statusResult{
			{err: notFound()},
			{report: backend.StatusReport{Status: backend.StatusProcessing, Progress: 30}},
			{report: backend.StatusReport{Status: backend.StatusCompleted, Progress: 100, Message: "done"}},
		},
	}
	tracker := NewTracker(client, WithPollInterval(5*time.Millisecond))

	require.NoError(t, tracker.Submit(context.Background(), backend.ModeAudio, backend.Payload{Text: "x"}, ""))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := tracker.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	assert.Equal(t, "done", job.Message)
}

func TestTracker_SlowSubscriberSeesStatesInOrder(t *testing.T) {
	for i := 0; i < 200; i++ {
		client := &fakeClient{
			submitID: "abc",
			statuses: []statusResult{{report: backend.StatusReport{Status: backend.StatusCompleted, Progress: 100}}},
		}
		tracker := NewTracker(client, WithPollInterval(time.Millisecond))
		var (
			mu   sync.Mutex
			seen []State
		)
		tracker.Subscribe(func(job Job) {
			if job.State == StatePolling {
				time.Sleep(50 * time.Microsecond)
			}
			mu.Lock()
			seen = append(seen, job.State)
			mu.Unlock()
		})

		require.NoError(t, tracker.Submit(context.Background(), backend.ModeVideo, backend.Payload{Text: "x"}, ""))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		job, err := tracker.Wait(ctx)
		cancel()
		require.NoError(t, err)
		require.Equal(t, StateCompleted, job.State)

		mu.Lock()
		last := seen[len(seen)-1]
		mu.Unlock()
		require.Equal(t, StateCompleted, last, "run %d observed %v", i, seen)
	}
}

func TestDefaultMessage(t *testing.T) {
	assert.Equal(t, "Status: rendering", DefaultMessage(backend.StatusUnknown, 0, "rendering"))
	assert.Equal(t, "Processing... 7% complete", DefaultMessage(backend.StatusProcessing, 7, ""))
}
