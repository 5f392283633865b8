// Package scheduler supervises the gateway's named background jobs. Each job
// fires on an interval or at a daily wall-clock time, executions share a
// global concurrency cap and a per-job timeout, and every run updates the
// job's status record.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aicarpool/gateway/internal/adapter/observability"
	"github.com/aicarpool/gateway/internal/config"
	"github.com/aicarpool/gateway/internal/domain"
)

// stopGrace bounds how long Stop waits for in-flight jobs.
const stopGrace = 30 * time.Second

var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrAlreadyRunning = errors.New("job already running")
)

// Job is one named unit of background work. Interval jobs fire every
// Interval after Start; clock jobs fire at the next daily occurrence of At.
type Job struct {
	Name     string
	Interval time.Duration
	At       *ClockTime
	Run      func(ctx domain.Context) error
}

// ClockTime is a daily wall-clock trigger, UTC.
type ClockTime struct {
	Hour   int
	Minute int
}

const (
	JobIdle    = "idle"
	JobRunning = "running"
	JobOK      = "ok"
	JobFailed  = "failed"
)

// JobStatus is the run record kept per job.
type JobStatus struct {
	Name      string        `json:"name"`
	Status    string        `json:"status"`
	LastRun   time.Time     `json:"lastRun"`
	Duration  time.Duration `json:"duration"`
	RunCount  int64         `json:"runCount"`
	FailCount int64         `json:"failCount"`
	Error     string        `json:"error,omitempty"`
}

type managedJob struct {
	job     Job
	running bool
	status  JobStatus
}

// Scheduler owns the registered jobs and their trigger loops.
type Scheduler struct {
	cfg config.Config
	log *slog.Logger

	sem chan struct{}

	mu      sync.Mutex
	jobs    map[string]*managedJob
	order   []string
	started bool
	stopped bool

	stop  chan struct{}
	loops sync.WaitGroup

	now func() time.Time
}

func New(cfg config.Config, log *slog.Logger) *Scheduler {
	max := cfg.MaxConcurrentJobs
	if max <= 0 {
		max = 1
	}
	return &Scheduler{
		cfg:  cfg,
		log:  log,
		sem:  make(chan struct{}, max),
		jobs: map[string]*managedJob{},
		stop: make(chan struct{}),
		now:  time.Now,
	}
}

// Register adds a job; call before Start.
func (s *Scheduler) Register(j Job) error {
	if j.Name == "" || j.Run == nil {
		return fmt.Errorf("op=scheduler.Register: job needs a name and a run func")
	}
	if j.Interval <= 0 && j.At == nil {
		return fmt.Errorf("op=scheduler.Register name=%s: job needs an interval or a daily time", j.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[j.Name]; dup {
		return fmt.Errorf("op=scheduler.Register name=%s: duplicate job", j.Name)
	}
	s.jobs[j.Name] = &managedJob{job: j, status: JobStatus{Name: j.Name, Status: JobIdle}}
	s.order = append(s.order, j.Name)
	return nil
}

// Start launches one trigger loop per registered job.
func (s *Scheduler) Start(ctx domain.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	jobs := make([]*managedJob, 0, len(s.order))
	for _, name := range s.order {
		jobs = append(jobs, s.jobs[name])
	}
	s.mu.Unlock()

	for _, mj := range jobs {
		s.loops.Add(1)
		go s.loop(ctx, mj)
	}
	s.log.Info("scheduler started", slog.Int("jobs", len(jobs)))
}

// Stop halts the trigger loops and waits up to stopGrace for in-flight jobs.
func (s *Scheduler) Stop(ctx domain.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}

	close(s.stop)
	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		s.log.Warn("jobs still in flight after shutdown grace",
			slog.Duration("grace", stopGrace))
	}
}

// RunNow triggers one job immediately, honoring the concurrency cap and
// per-job timeout, and returns the job's error.
func (s *Scheduler) RunNow(ctx domain.Context, name string) error {
	s.mu.Lock()
	mj, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("op=scheduler.RunNow name=%s: %w", name, ErrUnknownJob)
	}
	return s.execute(ctx, mj)
}

// Statuses returns every job's run record in registration order.
func (s *Scheduler) Statuses() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.jobs[name].status)
	}
	return out
}

// loop sleeps until the job's next trigger and runs it, until Stop.
func (s *Scheduler) loop(ctx domain.Context, mj *managedJob) {
	defer s.loops.Done()
	for {
		timer := time.NewTimer(s.untilNext(mj.job))
		select {
		case <-timer.C:
		case <-s.stop:
			timer.Stop()
			return
		}
		// ErrAlreadyRunning cannot happen here (the loop is the only
		// periodic trigger); other errors are already logged by execute.
		_ = s.execute(ctx, mj)
	}
}

func (s *Scheduler) untilNext(j Job) time.Duration {
	if j.At != nil {
		return untilClock(s.now(), *j.At)
	}
	return j.Interval
}

// untilClock returns the wait until the next daily occurrence of c, UTC.
func untilClock(now time.Time, c ClockTime) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), c.Hour, c.Minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// execute runs one invocation: overlap guard, semaphore, timeout, status
// bookkeeping, metrics.
func (s *Scheduler) execute(ctx domain.Context, mj *managedJob) error {
	name := mj.job.Name
	s.mu.Lock()
	if mj.running {
		s.mu.Unlock()
		return fmt.Errorf("op=scheduler.execute name=%s: %w", name, ErrAlreadyRunning)
	}
	mj.running = true
	mj.status.Status = JobRunning
	s.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
	case <-s.stop:
		s.mu.Lock()
		mj.running = false
		mj.status.Status = JobIdle
		s.mu.Unlock()
		return nil
	}
	defer func() { <-s.sem }()

	// Jobs survive parent cancellation so shutdown can grant them the
	// stop grace; the per-job timeout still bounds them.
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.JobTimeout)
	defer cancel()

	start := s.now()
	err := runSafely(jctx, mj.job)
	took := s.now().Sub(start)

	s.mu.Lock()
	mj.running = false
	mj.status.LastRun = start
	mj.status.Duration = took
	mj.status.RunCount++
	if err != nil {
		mj.status.Status = JobFailed
		mj.status.FailCount++
		mj.status.Error = err.Error()
	} else {
		mj.status.Status = JobOK
		mj.status.Error = ""
	}
	s.mu.Unlock()

	observability.RecordJobRun(name, err, took)
	if err != nil {
		s.log.Error("background job failed",
			slog.String("job", name),
			slog.Duration("took", took),
			slog.Any("error", err))
		return err
	}
	s.log.Info("background job completed",
		slog.String("job", name),
		slog.Duration("took", took))
	return nil
}

// runSafely converts a job panic into an error so one bad job cannot take
// the process down.
func runSafely(ctx domain.Context, j Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("op=scheduler.run name=%s: panic: %v", j.Name, rec)
		}
	}()
	return j.Run(ctx)
}
