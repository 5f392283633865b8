// Package usagequeue buffers usage records in memory and flushes them to
// the store in batches. Records survive store outages through a cache-backed
// dead-letter list, and sustained bursts spill to a durable overflow list
// instead of growing the heap.
package usagequeue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/aicarpool/gateway/internal/adapter/cache/rediscache"
	"github.com/aicarpool/gateway/internal/adapter/observability"
	"github.com/aicarpool/gateway/internal/config"
	"github.com/aicarpool/gateway/internal/domain"
)

const (
	// statsWindow bounds the in-memory flush history.
	statsWindow = 100
	// maxDLQAttempts drops a parked batch after this many reclaim failures.
	maxDLQAttempts = 10
	// overflowFactor spills the buffer to the cache once it grows past
	// overflowFactor batches.
	overflowFactor = 2
)

// EventPublisher exports flushed batches downstream; failures stay inside
// the publisher.
type EventPublisher interface {
	PublishUsage(ctx domain.Context, records []domain.UsageRecord)
}

// Service is the asynchronous usage recorder. Construct with New, call
// Start once, Stop on shutdown.
type Service struct {
	tuning   config.QueueTuning
	cache    *rediscache.Service
	usage    domain.UsageStore
	keys     domain.APIKeyStore
	accounts domain.AccountStore
	flags    domain.FlagGate
	pub      EventPublisher
	perf     domain.PerfSink
	log      *slog.Logger

	mu      sync.Mutex
	buf     []domain.UsageRecord
	stopped bool

	started atomic.Bool
	kick    chan struct{}
	done    chan struct{}

	processing     atomic.Bool
	statsMu        sync.Mutex
	recent         []domain.BatchStats
	totalProcessed int64
	totalFailed    int64
}

// New wires the queue. pub may be nil when event export is disabled.
func New(tuning config.QueueTuning, cache *rediscache.Service, usage domain.UsageStore,
	keys domain.APIKeyStore, accounts domain.AccountStore, flags domain.FlagGate,
	pub EventPublisher, log *slog.Logger) *Service {
	return &Service{
		tuning:   tuning,
		cache:    cache,
		usage:    usage,
		keys:     keys,
		accounts: accounts,
		flags:    flags,
		pub:      pub,
		log:      log,
		buf:      make([]domain.UsageRecord, 0, tuning.BatchSize),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// SetPerfSink wires the performance monitor; wire before Start.
func (s *Service) SetPerfSink(sink domain.PerfSink) { s.perf = sink }

func (s *Service) notePerf(dur time.Duration, success bool) {
	if s.perf == nil {
		return
	}
	s.perf.RecordEvent(domain.PerfEvent{
		Type:     domain.EventQueueOp,
		Duration: dur,
		Success:  success,
	})
}

// Add accepts one usage record. The async path appends to the buffer in
// constant time; when async recording is flagged off, or the queue has
// stopped, the record is written through synchronously so billing never
// depends on process lifetime.
func (s *Service) Add(ctx domain.Context, rec domain.UsageRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("op=usagequeue.Add: %w: empty record id", domain.ErrInvalidArgument)
	}
	if s.flags != nil && !s.flags.IsEnabled(ctx, domain.FlagAsyncUsageRecording, rec.UserID) {
		return s.writeThrough(ctx, rec)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return s.writeThrough(ctx, rec)
	}
	s.buf = append(s.buf, rec)
	size := len(s.buf)
	var spill []domain.UsageRecord
	if size >= overflowFactor*s.tuning.BatchSize {
		// Sustained overflow: move the oldest batch to the durable list.
		spill = append(spill, s.buf[:s.tuning.BatchSize]...)
		s.buf = append(s.buf[:0], s.buf[s.tuning.BatchSize:]...)
		size = len(s.buf)
	}
	s.mu.Unlock()

	observability.UsageQueueDepth.Set(float64(size))
	if spill != nil {
		if err := s.spillToOverflow(ctx, spill); err != nil {
			s.log.Error("usage overflow spill failed", slog.Int("records", len(spill)), slog.Any("error", err))
			// Keep them in memory rather than dropping.
			s.mu.Lock()
			s.buf = append(s.buf, spill...)
			s.mu.Unlock()
		}
	}
	if size >= s.tuning.BatchSize {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// writeThrough persists one record synchronously, bypassing the buffer.
func (s *Service) writeThrough(ctx domain.Context, rec domain.UsageRecord) error {
	if err := s.applyBatch(ctx, []domain.UsageRecord{rec}); err != nil {
		return fmt.Errorf("op=usagequeue.writeThrough id=%s: %w", rec.ID, err)
	}
	return nil
}

func (s *Service) spillToOverflow(ctx domain.Context, records []domain.UsageRecord) error {
	key := s.cache.Keys().UsageQueue()
	for _, rec := range records {
		if err := s.cache.LPushJSON(ctx, key, rec, 0); err != nil {
			return err
		}
	}
	return nil
}

// Start reclaims parked batches, then runs the flush loop until Stop.
func (s *Service) Start(ctx domain.Context) {
	if err := s.DrainDLQ(ctx); err != nil {
		s.log.Error("dead-letter reclaim at boot failed", slog.Any("error", err))
	}
	s.started.Store(true)
	go s.loop(ctx)
}

func (s *Service) loop(ctx domain.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.tuning.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		if err := s.Flush(ctx); err != nil {
			s.log.Error("usage flush failed", slog.Any("error", err))
		}
	}
}

// Stop refuses new buffered records and flushes what remains. Records
// arriving after Stop are written through synchronously by Add.
func (s *Service) Stop(ctx domain.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
	err := s.Flush(ctx)
	if s.started.Load() {
		select {
		case <-s.done:
		case <-ctx.Done():
		}
	}
	return err
}

// Flush swaps the buffer out and writes it, then reclaims a slice of the
// durable overflow list. Safe to call concurrently; batches never interleave
// records.
func (s *Service) Flush(ctx domain.Context) error {
	s.mu.Lock()
	batch := s.buf
	s.buf = make([]domain.UsageRecord, 0, s.tuning.BatchSize)
	s.mu.Unlock()

	batch = s.reclaimOverflow(ctx, batch)
	observability.UsageQueueDepth.Set(float64(s.bufferLen()))
	if len(batch) == 0 {
		return nil
	}

	s.processing.Store(true)
	defer s.processing.Store(false)
	start := time.Now()
	err := s.writeWithRetry(ctx, batch)
	elapsed := time.Since(start)

	if err != nil {
		s.park(ctx, batch, err)
		s.noteFlush(domain.BatchStats{RecordCount: len(batch), ProcessingTime: elapsed, Success: false, FlushedAt: start})
		observability.RecordBatchFlush(false, len(batch))
		s.notePerf(elapsed, false)
		return fmt.Errorf("op=usagequeue.Flush records=%d: %w", len(batch), err)
	}

	s.noteFlush(domain.BatchStats{RecordCount: len(batch), ProcessingTime: elapsed, Success: true, FlushedAt: start})
	observability.RecordBatchFlush(true, len(batch))
	s.notePerf(elapsed, true)
	if s.pub != nil {
		s.pub.PublishUsage(ctx, batch)
	}
	s.log.Debug("usage batch flushed",
		slog.Int("records", len(batch)),
		slog.Duration("took", elapsed))
	return nil
}

// reclaimOverflow tops the batch up from the durable overflow list.
func (s *Service) reclaimOverflow(ctx domain.Context, batch []domain.UsageRecord) []domain.UsageRecord {
	key := s.cache.Keys().UsageQueue()
	for len(batch) < overflowFactor*s.tuning.BatchSize {
		var rec domain.UsageRecord
		ok, err := s.cache.RPopJSON(ctx, key, &rec)
		if err != nil {
			s.log.Warn("usage overflow reclaim failed", slog.Any("error", err))
			break
		}
		if !ok {
			break
		}
		batch = append(batch, rec)
	}
	return batch
}

func (s *Service) bufferLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// writeWithRetry persists a batch with exponential backoff, then applies
// quota deltas, account totals and cache projections.
func (s *Service) writeWithRetry(ctx domain.Context, batch []domain.UsageRecord) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.tuning.RetryDelay
	expo.MaxElapsedTime = 0 // bounded by WithMaxRetries below
	op := func() error {
		return s.applyBatch(ctx, batch)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(s.tuning.MaxRetries)), ctx)
	return backoff.Retry(op, bo)
}

// applyBatch is the single write path: store insert with id dedup, per-key
// quota deltas, per-account totals and cache projections. Partial failure
// after the insert is logged, not retried; the insert dedup makes a later
// retry of the whole batch safe.
func (s *Service) applyBatch(ctx domain.Context, batch []domain.UsageRecord) error {
	inserted, err := s.usage.InsertBatch(ctx, batch)
	if err != nil {
		return err
	}
	if inserted < len(batch) {
		s.log.Debug("usage insert skipped duplicates",
			slog.Int("records", len(batch)), slog.Int("inserted", inserted))
	}

	quotaDeltas := map[string]int64{}
	totals := map[string]domain.AccountTotals{}
	for _, rec := range batch {
		if rec.APIKeyID != "" {
			quotaDeltas[rec.APIKeyID] += rec.TotalTokens
		}
		t := totals[rec.AccountID]
		t.Requests++
		t.Tokens += rec.TotalTokens
		t.Cost += rec.Cost
		if rec.ResponseTime.After(t.LastUsedAt) {
			t.LastUsedAt = rec.ResponseTime
		}
		totals[rec.AccountID] = t
	}
	if err := s.keys.AddQuotaUsed(ctx, quotaDeltas); err != nil {
		s.log.Error("quota delta apply failed", slog.Any("error", err))
	}
	if err := s.accounts.ApplyTotals(ctx, totals); err != nil {
		s.log.Error("account totals apply failed", slog.Any("error", err))
	}
	s.invalidateQuotaInfo(ctx, batch)
	return nil
}

// invalidateQuotaInfo drops the daily-cost projection of every key the batch
// touched; the next validation re-aggregates from the freshly written rows.
// The token and budget counters are the router's to maintain at dispatch
// time, where a parked batch cannot delay them.
func (s *Service) invalidateQuotaInfo(ctx domain.Context, batch []domain.UsageRecord) {
	touched := map[string]bool{}
	for _, rec := range batch {
		if rec.APIKeyID != "" {
			touched[rec.APIKeyID] = true
		}
	}
	if len(touched) == 0 {
		return
	}

	keys := s.cache.Keys()
	pipe := s.cache.Client().TxPipeline()
	for apiKeyID := range touched {
		pipe.Del(ctx, keys.QuotaInfo(apiKeyID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn("quota projection invalidate failed", slog.Any("error", err))
	}
}

// park moves a failed batch to the dead-letter list with a bounded TTL.
func (s *Service) park(ctx domain.Context, batch []domain.UsageRecord, cause error) {
	dlq := domain.DLQBatch{
		ID:           uuid.NewString(),
		Records:      batch,
		Attempts:     1,
		FirstFailed:  time.Now(),
		LastError:    cause.Error(),
		MovedToDLQAt: time.Now(),
	}
	if err := s.cache.LPushJSON(ctx, s.cache.Keys().UsageDLQ(), dlq, s.tuning.DLQTTL); err != nil {
		s.log.Error("dead-letter park failed, records lost from the async path",
			slog.Int("records", len(batch)), slog.Any("error", err))
		return
	}
	s.log.Warn("usage batch parked in dead-letter queue",
		slog.String("batch_id", dlq.ID),
		slog.Int("records", len(batch)),
		slog.Any("error", cause))
	s.refreshDLQGauge(ctx)
}

// DrainDLQ retries every parked batch once. Batches that fail again are
// re-parked with their attempt count; batches over the attempt cap are
// dropped with a logged record count. Runs at boot and from the scheduler.
func (s *Service) DrainDLQ(ctx domain.Context) error {
	key := s.cache.Keys().UsageDLQ()
	pending, err := s.cache.LLen(ctx, key)
	if err != nil {
		return fmt.Errorf("op=usagequeue.DrainDLQ: %w", err)
	}
	for i := int64(0); i < pending; i++ {
		var batch domain.DLQBatch
		ok, err := s.cache.RPopJSON(ctx, key, &batch)
		if err != nil {
			return fmt.Errorf("op=usagequeue.DrainDLQ: %w", err)
		}
		if !ok {
			break
		}
		if err := s.applyBatch(ctx, batch.Records); err == nil {
			s.log.Info("dead-letter batch recovered",
				slog.String("batch_id", batch.ID),
				slog.Int("records", len(batch.Records)))
			continue
		} else if batch.Attempts+1 >= maxDLQAttempts {
			s.log.Error("dead-letter batch dropped after repeated failures",
				slog.String("batch_id", batch.ID),
				slog.Int("records", len(batch.Records)),
				slog.Int("attempts", batch.Attempts+1),
				slog.Any("error", err))
			continue
		} else {
			batch.Attempts++
			batch.LastError = err.Error()
			if perr := s.cache.LPushJSON(ctx, key, batch, s.tuning.DLQTTL); perr != nil {
				s.log.Error("dead-letter re-park failed",
					slog.String("batch_id", batch.ID), slog.Any("error", perr))
			}
		}
	}
	s.refreshDLQGauge(ctx)
	return nil
}

func (s *Service) refreshDLQGauge(ctx domain.Context) {
	if n, err := s.cache.LLen(ctx, s.cache.Keys().UsageDLQ()); err == nil {
		observability.UsageDLQDepth.Set(float64(n))
	}
}

// noteFlush records one flush in the bounded history and mirrors it to the
// cache for cross-instance introspection.
func (s *Service) noteFlush(st domain.BatchStats) {
	s.statsMu.Lock()
	s.recent = append(s.recent, st)
	if len(s.recent) > statsWindow {
		s.recent = s.recent[len(s.recent)-statsWindow:]
	}
	if st.Success {
		s.totalProcessed += int64(st.RecordCount)
	} else {
		s.totalFailed += int64(st.RecordCount)
	}
	s.statsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	key := s.cache.Keys().UsageStats()
	if err := s.cache.LPushJSON(ctx, key, st, 0); err == nil {
		_ = s.cache.LTrim(ctx, key, statsWindow)
	}
}

// Stats snapshots the queue for the admin surface.
func (s *Service) Stats(ctx domain.Context) domain.QueueStats {
	s.statsMu.Lock()
	var totalTime time.Duration
	for _, st := range s.recent {
		totalTime += st.ProcessingTime
	}
	var avg time.Duration
	if len(s.recent) > 0 {
		avg = totalTime / time.Duration(len(s.recent))
	}
	processed, failed := s.totalProcessed, s.totalFailed
	s.statsMu.Unlock()

	dlqSize, err := s.cache.LLen(ctx, s.cache.Keys().UsageDLQ())
	if err != nil {
		dlqSize = -1 // unknown
	}
	return domain.QueueStats{
		BufferSize:        s.bufferLen(),
		IsProcessing:      s.processing.Load(),
		TotalProcessed:    processed,
		TotalFailed:       failed,
		AvgProcessingTime: avg,
		DLQSize:           dlqSize,
	}
}

// RecentBatches copies the bounded flush history, newest last.
func (s *Service) RecentBatches() []domain.BatchStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	out := make([]domain.BatchStats, len(s.recent))
	copy(out, s.recent)
	return out
}
