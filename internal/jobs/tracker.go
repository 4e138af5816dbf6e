package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MimeLyc/storyreel/internal/apperr"
	"github.com/MimeLyc/storyreel/internal/backend"
	"github.com/MimeLyc/storyreel/pkg/log"
)

const DefaultPollInterval = 2 * time.Second

const pollErrorMessage = "Failed to check generation status. Please try again."

// Client is the part of the backend the tracker drives.
type Client interface {
	Submit(ctx context.Context, mode backend.Mode, payload backend.Payload) (string, error)
	Status(ctx context.Context, mode backend.Mode, jobID string) (backend.StatusReport, error)
}

type Option func(*Tracker)

func WithScheduler(s Scheduler) Option {
	return func(t *Tracker) {
		if s != nil {
			t.sched = s
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithMaxNotFound fails a job after more than n consecutive 404 polls.
// Zero keeps retrying forever.
func WithMaxNotFound(n int) Option {
	return func(t *Tracker) {
		if n >= 0 {
			t.maxNotFound = n
		}
	}
}

// WithBaseContext bounds every request the tracker issues. Polls outlive the
// Submit caller's context, so servers pass their lifetime context here.
func WithBaseContext(ctx context.Context) Option {
	return func(t *Tracker) {
		if ctx != nil {
			t.base = ctx
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker submits one generation job at a time and polls it to a terminal
// state. All state lives behind mu; poll tasks carry the generation they were
// scheduled for and drop their result once that generation is superseded.
type Tracker struct {
	client      Client
	sched       Scheduler
	interval    time.Duration
	maxNotFound int
	base        context.Context
	now         func() time.Time

	mu          sync.Mutex
	job         Job
	gen         uint64
	genCtx      context.Context
	genCancel   context.CancelFunc
	cancelTimer func()
	notFound    int
	done        chan struct{}
	finished    chan struct{}
	lastDone    chan struct{}
	subs        map[int]func(Job)
	nextSub     int
	seq         uint64

	// notifyMu serialises subscriber calls; delivered is the seq of the
	// newest snapshot they have seen.
	notifyMu  sync.Mutex
	delivered uint64
}

func NewTracker(client Client, opts ...Option) *Tracker {
	t := &Tracker{
		client:   client,
		sched:    ClockScheduler{},
		interval: DefaultPollInterval,
		base:     context.Background(),
		now:      time.Now,
		job:      Job{State: StateIdle},
		subs:     make(map[int]func(Job)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Submit starts a new job. It fails with ErrJobInProgress while another job
// is being submitted or polled.
func (t *Tracker) Submit(ctx context.Context, mode backend.Mode, payload backend.Payload, label string) error {
	if !mode.Valid() {
		return apperr.Newf(apperr.ErrValidation, "unknown generation mode %q", mode)
	}

	t.mu.Lock()
	if t.job.Active() {
		t.mu.Unlock()
		return ErrJobInProgress
	}
	t.stopLocked()
	t.gen++
	gen := t.gen
	genCtx, genCancel := context.WithCancel(t.base)
	t.genCtx, t.genCancel = genCtx, genCancel
	t.done = make(chan struct{})
	t.notFound = 0
	now := t.now()
	t.job = Job{
		Mode:       mode,
		Label:      label,
		Extension:  payload.Extension(mode),
		State:      StateSubmitting,
		Message:    fmt.Sprintf("Starting %s generation...", mode),
		Generation: gen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	n := t.snapshotLocked()
	t.mu.Unlock()
	t.notify(n)

	submitCtx, cancelSubmit := context.WithCancel(ctx)
	stop := context.AfterFunc(genCtx, cancelSubmit)
	id, err := t.client.Submit(submitCtx, mode, payload)
	stop()
	cancelSubmit()

	t.mu.Lock()
	if gen != t.gen || genCtx.Err() != nil {
		t.mu.Unlock()
		log.Debug("Discarding submission result for superseded job generation %d", gen)
		return ErrCancelled
	}
	if err != nil {
		t.failLocked(CauseSubmit, fmt.Sprintf("failed to start generation: %s", apperr.Message(err)), err)
		n := t.snapshotLocked()
		t.mu.Unlock()
		t.notify(n)
		log.Error("Failed to start %s generation: %v", mode, err)
		return err
	}

	t.job.ID = id
	t.job.AssignedID = id
	t.job.State = StatePolling
	t.job.Status = backend.StatusQueued
	t.job.Progress = 0
	t.job.Message = fmt.Sprintf("%s generation started", mode.DisplayName())
	t.job.UpdatedAt = t.now()
	t.scheduleLocked(gen, id, 0)
	n = t.snapshotLocked()
	t.mu.Unlock()
	t.notify(n)
	log.Info("Started %s generation job %s", mode, id)
	return nil
}

func (t *Tracker) scheduleLocked(gen uint64, id string, delay time.Duration) {
	t.cancelTimer = t.sched.After(delay, func() { t.poll(gen, id) })
}

func (t *Tracker) poll(gen uint64, id string) {
	t.mu.Lock()
	if !t.currentLocked(gen, id) {
		t.mu.Unlock()
		return
	}
	mode := t.job.Mode
	ctx := t.genCtx
	t.cancelTimer = nil
	t.mu.Unlock()

	report, err := t.client.Status(ctx, mode, id)

	t.mu.Lock()
	if !t.currentLocked(gen, id) || ctx.Err() != nil {
		t.mu.Unlock()
		log.Debug("Discarding stale status for job %s", id)
		return
	}

	switch {
	case err != nil && backend.IsNotFound(err):
		t.notFound++
		if t.maxNotFound == 0 || t.notFound <= t.maxNotFound {
			t.scheduleLocked(gen, id, t.interval)
			t.mu.Unlock()
			log.Debug("Job %s not found yet, retrying", id)
			return
		}
		t.job.ID = ""
		t.failLocked(CauseNotFound, pollErrorMessage, err)
		log.Warn("Job %s still not found after %d polls", id, t.notFound)
	case err != nil:
		t.failLocked(CausePoll, pollErrorMessage, err)
		log.Error("Failed to check status of job %s: %v", id, err)
	default:
		t.notFound = 0
		t.applyLocked(gen, id, report)
	}

	n := t.snapshotLocked()
	t.mu.Unlock()
	t.notify(n)
}

func (t *Tracker) applyLocked(gen uint64, id string, report backend.StatusReport) {
	progress := report.Progress
	if report.Status != backend.StatusFailed && progress < t.job.Progress {
		progress = t.job.Progress
	}
	t.job.Status = report.Status
	t.job.Progress = progress
	t.job.Message = report.Message
	if t.job.Message == "" {
		t.job.Message = DefaultMessage(report.Status, progress, report.RawStatus)
	}
	t.job.UpdatedAt = t.now()

	switch {
	case report.Status == backend.StatusCompleted && progress == 100:
		t.job.State = StateCompleted
		t.finishLocked()
		log.Info("Job %s completed", id)
	case report.Status == backend.StatusFailed:
		t.job.State = StateFailed
		t.job.Cause = CauseBackend
		t.job.ID = ""
		t.job.Error = "backend reported failure"
		t.finishLocked()
		log.Warn("Job %s failed: %s", id, t.job.Message)
	default:
		t.scheduleLocked(gen, id, t.interval)
	}
}

func (t *Tracker) failLocked(cause Cause, message string, err error) {
	t.job.State = StateFailed
	t.job.Cause = cause
	t.job.Message = message
	if err != nil {
		t.job.Error = err.Error()
	}
	t.job.UpdatedAt = t.now()
	t.finishLocked()
}

// finishLocked detaches the done channel; it is closed by notify once
// subscribers have seen the final snapshot.
func (t *Tracker) finishLocked() {
	if t.done != nil {
		t.finished = t.done
		t.lastDone = t.done
		t.done = nil
	}
}

func (t *Tracker) currentLocked(gen uint64, id string) bool {
	return gen == t.gen && t.job.State == StatePolling && t.job.ID == id
}

func (t *Tracker) stopLocked() {
	if t.cancelTimer != nil {
		t.cancelTimer()
		t.cancelTimer = nil
	}
	if t.genCancel != nil {
		t.genCancel()
		t.genCancel = nil
	}
}

// Cancel abandons the current job. Late responses are discarded and the
// tracker returns to idle.
func (t *Tracker) Cancel() {
	t.mu.Lock()
	t.stopLocked()
	t.gen++
	t.notFound = 0
	t.finishLocked()
	t.job = Job{State: StateIdle, Generation: t.gen, UpdatedAt: t.now()}
	n := t.snapshotLocked()
	t.mu.Unlock()
	t.notify(n)
}

func (t *Tracker) Snapshot() Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job
}

// Subscribe registers fn for every state change. fn runs on the goroutine
// that caused the change, never concurrently with another subscriber call,
// and must not call Submit or Cancel synchronously.
func (t *Tracker) Subscribe(fn func(Job)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

// Wait blocks until the current job completes, fails or is cancelled.
func (t *Tracker) Wait(ctx context.Context) (Job, error) {
	t.mu.Lock()
	done := t.done
	if done == nil {
		// The last job may have finished with its final snapshot still being
		// delivered; lastDone closes once that is over.
		done = t.lastDone
	}
	job := t.job
	t.mu.Unlock()

	if done == nil {
		if job.State == StateIdle && job.CreatedAt.IsZero() {
			return job, ErrNoJob
		}
		return job, nil
	}
	select {
	case <-done:
		return t.Snapshot(), nil
	case <-ctx.Done():
		return t.Snapshot(), ctx.Err()
	}
}

// notification is one snapshot queued for delivery to subscribers.
type notification struct {
	seq      uint64
	job      Job
	subs     []func(Job)
	finished chan struct{}
}

func (t *Tracker) snapshotLocked() notification {
	subs := make([]func(Job), 0, len(t.subs))
	for i := 0; i < t.nextSub; i++ {
		if fn, ok := t.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	t.seq++
	n := notification{seq: t.seq, job: t.job, subs: subs, finished: t.finished}
	t.finished = nil
	return n
}

// notify runs subscribers one snapshot at a time, then releases waiters of a
// finished job. A snapshot older than one already delivered is dropped, so
// subscribers never see state move backwards.
func (t *Tracker) notify(n notification) {
	t.notifyMu.Lock()
	if n.seq > t.delivered {
		t.delivered = n.seq
		for _, fn := range n.subs {
			fn(n.job)
		}
	}
	t.notifyMu.Unlock()
	if n.finished != nil {
		close(n.finished)
	}
}
