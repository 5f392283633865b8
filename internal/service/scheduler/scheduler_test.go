package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aicarpool/gateway/internal/config"
	"github.com/aicarpool/gateway/internal/domain"
)

func testCfg() config.Config {
	return config.Config{
		MaxConcurrentJobs: 2,
		JobTimeout:        time.Second,
	}
}

func TestRegister_Validation(t *testing.T) {
	s := New(testCfg(), slog.Default())
	noop := func(domain.Context) error { return nil }

	if err := s.Register(Job{Interval: time.Hour, Run: noop}); err == nil {
		t.Fatal("nameless job accepted")
	}
	if err := s.Register(Job{Name: "no-run", Interval: time.Hour}); err == nil {
		t.Fatal("job without run func accepted")
	}
	if err := s.Register(Job{Name: "no-trigger", Run: noop}); err == nil {
		t.Fatal("job without trigger accepted")
	}
	if err := s.Register(Job{Name: "a", Interval: time.Hour, Run: noop}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(Job{Name: "a", Interval: time.Hour, Run: noop}); err == nil {
		t.Fatal("duplicate name accepted")
	}
}

func TestRunNow_RecordsSuccessAndFailure(t *testing.T) {
	s := New(testCfg(), slog.Default())
	ctx := context.Background()
	runs := 0
	if err := s.Register(Job{Name: "ok-job", Interval: time.Hour, Run: func(domain.Context) error {
		runs++
		return nil
	}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(Job{Name: "bad-job", Interval: time.Hour, Run: func(domain.Context) error {
		return errors.New("backend down")
	}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := s.RunNow(ctx, "ok-job"); err != nil {
		t.Fatalf("RunNow ok-job: %v", err)
	}
	if err := s.RunNow(ctx, "bad-job"); err == nil {
		t.Fatal("failing job returned nil")
	}
	if runs != 1 {
		t.Fatalf("ok-job ran %d times", runs)
	}

	byName := map[string]JobStatus{}
	for _, st := range s.Statuses() {
		byName[st.Name] = st
	}
	ok := byName["ok-job"]
	if ok.Status != JobOK || ok.RunCount != 1 || ok.FailCount != 0 || ok.Error != "" {
		t.Fatalf("ok-job status: %+v", ok)
	}
	if ok.LastRun.IsZero() {
		t.Fatal("ok-job lastRun not recorded")
	}
	bad := byName["bad-job"]
	if bad.Status != JobFailed || bad.RunCount != 1 || bad.FailCount != 1 {
		t.Fatalf("bad-job status: %+v", bad)
	}
	if !strings.Contains(bad.Error, "backend down") {
		t.Fatalf("bad-job error: %q", bad.Error)
	}
}

func TestRunNow_UnknownJob(t *testing.T) {
	s := New(testCfg(), slog.Default())
	if err := s.RunNow(context.Background(), "ghost"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("got %v, want ErrUnknownJob", err)
	}
}

func TestRunNow_RefusesOverlap(t *testing.T) {
	s := New(testCfg(), slog.Default())
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	if err := s.Register(Job{Name: "blocking", Interval: time.Hour, Run: func(domain.Context) error {
		close(entered)
		<-release
		return nil
	}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.RunNow(ctx, "blocking") }()
	<-entered

	if err := s.RunNow(ctx, "blocking"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("got %v, want ErrAlreadyRunning", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first invocation: %v", err)
	}
}

func TestConcurrencyCap(t *testing.T) {
	cfg := testCfg()
	cfg.MaxConcurrentJobs = 1
	s := New(cfg, slog.Default())
	ctx := context.Background()

	enteredA := make(chan struct{})
	releaseA := make(chan struct{})
	enteredB := make(chan struct{})
	if err := s.Register(Job{Name: "job-a", Interval: time.Hour, Run: func(domain.Context) error {
		close(enteredA)
		<-releaseA
		return nil
	}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(Job{Name: "job-b", Interval: time.Hour, Run: func(domain.Context) error {
		close(enteredB)
		return nil
	}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- s.RunNow(ctx, "job-a") }()
	<-enteredA
	go func() { doneB <- s.RunNow(ctx, "job-b") }()

	select {
	case <-enteredB:
		t.Fatal("second job ran past the concurrency cap")
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseA)
	select {
	case <-enteredB:
	case <-time.After(2 * time.Second):
		t.Fatal("second job never ran after the slot freed")
	}
	if err := <-doneA; err != nil {
		t.Fatalf("job-a: %v", err)
	}
	if err := <-doneB; err != nil {
		t.Fatalf("job-b: %v", err)
	}
}

func TestJobTimeoutCancelsContext(t *testing.T) {
	cfg := testCfg()
	cfg.JobTimeout = 20 * time.Millisecond
	s := New(cfg, slog.Default())
	if err := s.Register(Job{Name: "slow", Interval: time.Hour, Run: func(ctx domain.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	err := s.RunNow(context.Background(), "slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
	st := s.Statuses()[0]
	if st.Status != JobFailed || st.FailCount != 1 {
		t.Fatalf("slow job status: %+v", st)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	s := New(testCfg(), slog.Default())
	if err := s.Register(Job{Name: "panicky", Interval: time.Hour, Run: func(domain.Context) error {
		panic("boom")
	}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	err := s.RunNow(context.Background(), "panicky")
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("got %v, want panic error", err)
	}
	st := s.Statuses()[0]
	if st.Status != JobFailed || st.FailCount != 1 {
		t.Fatalf("panicky status: %+v", st)
	}
}

func TestStart_RunsIntervalJobUntilStop(t *testing.T) {
	s := New(testCfg(), slog.Default())
	ctx := context.Background()
	var mu sync.Mutex
	runs := 0
	if err := s.Register(Job{Name: "tick", Interval: 10 * time.Millisecond, Run: func(domain.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := runs
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("interval job ran %d times within deadline", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Stop(ctx)
	mu.Lock()
	after := runs
	mu.Unlock()
	time.Sleep(40 * time.Millisecond)
	mu.Lock()
	final := runs
	mu.Unlock()
	if final != after {
		t.Fatalf("job ran after Stop: %d -> %d", after, final)
	}

	s.Stop(ctx) // second Stop is a no-op
}

func TestStop_WaitsForInflightJob(t *testing.T) {
	s := New(testCfg(), slog.Default())
	ctx := context.Background()
	entered := make(chan struct{})
	finished := make(chan struct{})
	if err := s.Register(Job{Name: "lingering", Interval: 5 * time.Millisecond, Run: func(domain.Context) error {
		select {
		case <-entered:
		default:
			close(entered)
		}
		time.Sleep(30 * time.Millisecond)
		select {
		case <-finished:
		default:
			close(finished)
		}
		return nil
	}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s.Start(ctx)
	<-entered
	s.Stop(ctx)
	select {
	case <-finished:
	default:
		t.Fatal("Stop returned before the in-flight job finished")
	}
}

func TestUntilClock(t *testing.T) {
	cases := []struct {
		now  time.Time
		c    ClockTime
		want time.Duration
	}{
		{time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), ClockTime{Hour: 2}, 14 * time.Hour},
		{time.Date(2025, 6, 1, 1, 0, 0, 0, time.UTC), ClockTime{Hour: 2}, time.Hour},
		{time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC), ClockTime{Hour: 2}, 24 * time.Hour},
		{time.Date(2025, 6, 1, 2, 30, 0, 0, time.UTC), ClockTime{Hour: 3}, 30 * time.Minute},
		{time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC), ClockTime{Hour: 0, Minute: 30}, 31 * time.Minute},
	}
	for _, c := range cases {
		if got := untilClock(c.now, c.c); got != c.want {
			t.Fatalf("untilClock(%s, %02d:%02d) = %s, want %s",
				c.now, c.c.Hour, c.c.Minute, got, c.want)
		}
	}
}
