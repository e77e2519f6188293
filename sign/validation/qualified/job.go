package qualified

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrJobRunning is returned by Start on a running job.
var ErrJobRunning = errors.New("refresh job already running")

// JobStatus reports the state of the refresh job.
type JobStatus struct {
	Running     bool
	Refreshes   int
	LastRefresh time.Time
	LastError   error
	Anchors     int
}

// Job refreshes the trusted lists periodically.
type Job struct {
	loader *TrustedListLoader

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	status JobStatus
}

// NewJob creates a stopped refresh job for l.
func (l *TrustedListLoader) NewJob() *Job {
	return &Job{loader: l}
}

// Start refreshes once and then every interval until ctx is done or Stop is
// called.
func (j *Job) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("refresh interval must be positive")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return ErrJobRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.status.Running = true
	go j.run(ctx, interval, j.done)
	return nil
}

func (j *Job) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	clock := j.loader.clock
	for {
		_ = j.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-clock.After(interval):
		}
	}
}

// RunOnce performs a refresh and records its outcome.
func (j *Job) RunOnce(ctx context.Context) error {
	summary, err := j.loader.Refresh(ctx)
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.Refreshes++
	j.status.LastRefresh = summary.FinishedAt
	j.status.LastError = err
	j.status.Anchors = j.loader.store.Count()
	return err
}

// Stop cancels the job and waits for the running refresh to finish.
func (j *Job) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	j.mu.Lock()
	j.status.Running = false
	j.mu.Unlock()
}

// Status returns a snapshot of the job state.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}
