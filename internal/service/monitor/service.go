// Package monitor ingests timed events from the hot path into an in-memory
// ring, flushes them to per-minute cache lists, aggregates rolling snapshots
// and evaluates the alert rules.
package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aicarpool/gateway/internal/adapter/cache/rediscache"
	"github.com/aicarpool/gateway/internal/adapter/observability"
	"github.com/aicarpool/gateway/internal/config"
	"github.com/aicarpool/gateway/internal/domain"
)

const (
	// ringCapacity bounds the event buffer between flushes; beyond it the
	// oldest events are overwritten rather than blocking the hot path.
	ringCapacity = 16384
	// eventsTTL keeps per-minute event lists a little past the aggregation
	// window.
	eventsTTL = 10 * time.Minute
	// snapshotTTL keeps aggregated snapshots around for the admin surface
	// and the hourly performance report.
	snapshotTTL = time.Hour
	// aggregationWindow is how far back each snapshot looks.
	aggregationWindow = 5 * time.Minute
	// slowQueryThreshold marks a db_query event as slow.
	slowQueryThreshold = 100 * time.Millisecond
	// alertHistory caps the persisted alert list.
	alertHistory = 100
	// maxEventsPerMinute bounds one list read during aggregation.
	maxEventsPerMinute = 50000
)

// QueueIntrospector exposes the usage queue's live counters; the monitor
// folds them into the queue metrics.
type QueueIntrospector interface {
	Stats(ctx domain.Context) domain.QueueStats
}

// Service is the performance monitor. Construct with New, wire the event
// producers, then Start. It implements domain.PerfSink.
type Service struct {
	cfg   config.Config
	cache *rediscache.Service
	queue QueueIntrospector
	log   *slog.Logger

	mu   sync.Mutex
	ring []domain.PerfEvent
	head int
	size int

	metricsMu   sync.Mutex
	lastMetrics *domain.PerformanceMetrics
	// processing-rate baseline between aggregations
	prevProcessed int64
	prevAt        time.Time

	lifeMu  sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    sync.WaitGroup

	now func() time.Time
}

func New(cfg config.Config, cache *rediscache.Service, log *slog.Logger) *Service {
	return &Service{
		cfg:   cfg,
		cache: cache,
		log:   log,
		ring:  make([]domain.PerfEvent, ringCapacity),
		stop:  make(chan struct{}),
		now:   time.Now,
	}
}

// BindQueue wires the usage queue for backlog and rate metrics; wire before
// Start. The queue is constructed after the monitor, hence the setter.
func (s *Service) BindQueue(q QueueIntrospector) { s.queue = q }

// RecordEvent appends one event to the ring. Never blocks; when the ring is
// full the oldest event is overwritten.
func (s *Service) RecordEvent(ev domain.PerfEvent) {
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	s.mu.Lock()
	s.ring[(s.head+s.size)%ringCapacity] = ev
	if s.size < ringCapacity {
		s.size++
	} else {
		s.head = (s.head + 1) % ringCapacity
	}
	s.mu.Unlock()
}

// RecordAPIRequest times one inbound request; the HTTP layer calls it.
func (s *Service) RecordAPIRequest(dur time.Duration, success bool) {
	s.RecordEvent(domain.PerfEvent{Type: domain.EventAPIRequest, Duration: dur, Success: success})
}

// RecordCacheLookup matches the cache service's lookup observer hook.
func (s *Service) RecordCacheLookup(hit bool, dur time.Duration, err error) {
	s.RecordEvent(domain.PerfEvent{Type: domain.EventCacheOp, Duration: dur, Success: err == nil, Hit: hit})
}

// ObserveDBQuery matches the store's query observer hook.
func (s *Service) ObserveDBQuery(dur time.Duration, err error) {
	s.RecordEvent(domain.PerfEvent{Type: domain.EventDBQuery, Duration: dur, Success: err == nil})
}

// drain empties the ring in arrival order.
func (s *Service) drain() []domain.PerfEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size == 0 {
		return nil
	}
	out := make([]domain.PerfEvent, s.size)
	for i := 0; i < s.size; i++ {
		out[i] = s.ring[(s.head+i)%ringCapacity]
	}
	s.head, s.size = 0, 0
	return out
}

// Start launches the flush and aggregation loops.
func (s *Service) Start(ctx domain.Context) {
	s.lifeMu.Lock()
	if s.started || s.stopped {
		s.lifeMu.Unlock()
		return
	}
	s.started = true
	s.lifeMu.Unlock()

	s.done.Add(2)
	go func() {
		defer s.done.Done()
		tick := time.NewTicker(s.cfg.MetricsFlushInterval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				if err := s.Flush(ctx); err != nil {
					s.log.Warn("perf event flush failed", slog.Any("error", err))
				}
			case <-s.stop:
				return
			}
		}
	}()
	go func() {
		defer s.done.Done()
		tick := time.NewTicker(s.cfg.MetricsCollectionInterval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				if _, err := s.Aggregate(ctx); err != nil {
					s.log.Warn("perf aggregation failed", slog.Any("error", err))
				}
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the loops and flushes whatever the ring still holds. Safe to
// call more than once, or without a prior Start.
func (s *Service) Stop(ctx domain.Context) {
	s.lifeMu.Lock()
	if s.stopped {
		s.lifeMu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.lifeMu.Unlock()

	if started {
		close(s.stop)
		s.done.Wait()
	}
	if err := s.Flush(ctx); err != nil {
		s.log.Warn("final perf flush failed", slog.Any("error", err))
	}
}

// Flush moves ring events into the per-minute cache lists, one list per
// event type and minute.
func (s *Service) Flush(ctx domain.Context) error {
	events := s.drain()
	if len(events) == 0 {
		return nil
	}

	type bucket struct {
		typ    domain.PerfEventType
		minute time.Time
	}
	grouped := map[bucket][]domain.PerfEvent{}
	for _, ev := range events {
		b := bucket{typ: ev.Type, minute: ev.At.UTC().Truncate(time.Minute)}
		grouped[b] = append(grouped[b], ev)
	}

	keys := s.cache.Keys()
	pipe := s.cache.Client().TxPipeline()
	for b, evs := range grouped {
		key := keys.PerfEvents(string(b.typ), b.minute)
		vals := make([]any, 0, len(evs))
		for _, ev := range evs {
			raw, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("op=monitor.Flush marshal: %w", err)
			}
			vals = append(vals, raw)
		}
		pipe.RPush(ctx, key, vals...)
		pipe.Expire(ctx, key, eventsTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=monitor.Flush events=%d: %w", len(events), err)
	}
	return nil
}

// Aggregate folds the last five minutes of events into one snapshot,
// persists it and evaluates the alert rules.
func (s *Service) Aggregate(ctx domain.Context) (domain.PerformanceMetrics, error) {
	now := s.now().UTC()
	byType, err := s.loadWindow(ctx, now)
	if err != nil {
		return domain.PerformanceMetrics{}, err
	}

	m := domain.PerformanceMetrics{
		Timestamp: now,
		Window:    aggregationWindow,
		API:       apiMetrics(byType[domain.EventAPIRequest], aggregationWindow),
		Cache:     s.cacheMetrics(ctx, byType[domain.EventCacheOp]),
		DB:        dbMetrics(byType[domain.EventDBQuery], len(byType[domain.EventAPIRequest])),
		Queue:     s.queueMetrics(ctx, now),
		System:    systemMetrics(),
	}

	if err := s.cache.SetJSON(ctx, s.cache.Keys().PerfMetrics(now.Truncate(time.Minute)), m, snapshotTTL); err != nil {
		s.log.Warn("perf snapshot write failed", slog.Any("error", err))
	}
	s.metricsMu.Lock()
	s.lastMetrics = &m
	s.metricsMu.Unlock()

	s.evaluateAlerts(ctx, m)
	return m, nil
}

// loadWindow reads the per-minute event lists covering the aggregation
// window, grouped by type.
func (s *Service) loadWindow(ctx domain.Context, now time.Time) (map[domain.PerfEventType][]domain.PerfEvent, error) {
	keys := s.cache.Keys()
	types := []domain.PerfEventType{
		domain.EventAPIRequest, domain.EventCacheOp, domain.EventDBQuery, domain.EventQueueOp,
	}
	minutes := int(aggregationWindow / time.Minute)

	out := make(map[domain.PerfEventType][]domain.PerfEvent, len(types))
	for _, typ := range types {
		for i := 0; i < minutes; i++ {
			minute := now.Add(-time.Duration(i) * time.Minute).Truncate(time.Minute)
			key := keys.PerfEvents(string(typ), minute)
			err := s.cache.LRangeJSON(ctx, key, maxEventsPerMinute, func(raw []byte) error {
				var ev domain.PerfEvent
				if err := json.Unmarshal(raw, &ev); err != nil {
					return err
				}
				out[typ] = append(out[typ], ev)
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("op=monitor.loadWindow type=%s: %w", typ, err)
			}
		}
	}
	return out, nil
}

func apiMetrics(events []domain.PerfEvent, window time.Duration) domain.APIMetrics {
	if len(events) == 0 {
		return domain.APIMetrics{}
	}
	durations := make([]time.Duration, 0, len(events))
	var total time.Duration
	var failures int64
	for _, ev := range events {
		durations = append(durations, ev.Duration)
		total += ev.Duration
		if !ev.Success {
			failures++
		}
	}
	n := int64(len(events))
	return domain.APIMetrics{
		TotalRequests:   n,
		AvgResponseTime: total / time.Duration(n),
		P50ResponseTime: percentile(durations, 0.50),
		P95ResponseTime: percentile(durations, 0.95),
		P99ResponseTime: percentile(durations, 0.99),
		ErrorRate:       float64(failures) / float64(n),
		Throughput:      float64(n) / window.Seconds(),
	}
}

func (s *Service) cacheMetrics(ctx domain.Context, events []domain.PerfEvent) domain.CacheMetrics {
	var m domain.CacheMetrics
	if n, err := s.cache.KeyCount(ctx); err == nil {
		m.KeyCount = n
	}
	if len(events) == 0 {
		return m
	}
	var hits int64
	var total time.Duration
	for _, ev := range events {
		if ev.Hit {
			hits++
		}
		total += ev.Duration
	}
	m.HitRate = float64(hits) / float64(len(events))
	m.MissRate = 1 - m.HitRate
	m.AvgLookupTime = total / time.Duration(len(events))
	return m
}

func dbMetrics(events []domain.PerfEvent, apiCount int) domain.DBMetrics {
	if len(events) == 0 {
		return domain.DBMetrics{}
	}
	var total time.Duration
	var slow int64
	for _, ev := range events {
		total += ev.Duration
		if ev.Duration > slowQueryThreshold {
			slow++
		}
	}
	m := domain.DBMetrics{
		AvgQueryTime: total / time.Duration(len(events)),
		SlowQueries:  slow,
	}
	if apiCount > 0 {
		m.QueriesPerRequest = float64(len(events)) / float64(apiCount)
	}
	return m
}

func (s *Service) queueMetrics(ctx domain.Context, now time.Time) domain.QueueMetrics {
	var m domain.QueueMetrics
	if s.queue == nil {
		return m
	}
	stats := s.queue.Stats(ctx)
	m.BufferSize = stats.BufferSize

	overflow, err := s.cache.LLen(ctx, s.cache.Keys().UsageQueue())
	if err != nil {
		overflow = 0
	}
	m.Backlog = int64(stats.BufferSize) + overflow

	s.metricsMu.Lock()
	if !s.prevAt.IsZero() && now.After(s.prevAt) {
		m.ProcessingRate = float64(stats.TotalProcessed-s.prevProcessed) / now.Sub(s.prevAt).Seconds()
		if m.ProcessingRate < 0 {
			m.ProcessingRate = 0
		}
	}
	s.prevProcessed = stats.TotalProcessed
	s.prevAt = now
	s.metricsMu.Unlock()
	return m
}

func systemMetrics() domain.SystemMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	var frac float64
	if ms.Sys > 0 {
		frac = float64(ms.HeapAlloc) / float64(ms.Sys)
	}
	return domain.SystemMetrics{MemoryFraction: frac}
}

// percentile returns the q-th percentile of durations (nearest-rank).
func percentile(durations []time.Duration, q float64) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(float64(len(sorted))*q+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// evaluateAlerts applies the four alert rules to one snapshot and persists
// whatever fires.
func (s *Service) evaluateAlerts(ctx domain.Context, m domain.PerformanceMetrics) {
	var alerts []domain.PerfAlert
	if m.API.TotalRequests > 0 {
		if p95 := m.API.P95ResponseTime; p95 > s.cfg.AlertResponseTimeP95 {
			alerts = append(alerts, s.alert("p95_response_time",
				fmt.Sprintf("p95 response time %s exceeds %s", p95, s.cfg.AlertResponseTimeP95),
				p95.Seconds(), s.cfg.AlertResponseTimeP95.Seconds(), m.Timestamp))
		}
		if m.API.ErrorRate > s.cfg.AlertErrorRate {
			alerts = append(alerts, s.alert("error_rate",
				fmt.Sprintf("error rate %.1f%% exceeds %.1f%%", m.API.ErrorRate*100, s.cfg.AlertErrorRate*100),
				m.API.ErrorRate, s.cfg.AlertErrorRate, m.Timestamp))
		}
	}
	// HitRate+MissRate is zero only when the window saw no cache traffic.
	if m.Cache.HitRate+m.Cache.MissRate > 0 && m.Cache.HitRate < s.cfg.AlertCacheHitRate {
		alerts = append(alerts, s.alert("cache_hit_rate",
			fmt.Sprintf("cache hit rate %.1f%% below %.1f%%", m.Cache.HitRate*100, s.cfg.AlertCacheHitRate*100),
			m.Cache.HitRate, s.cfg.AlertCacheHitRate, m.Timestamp))
	}
	if m.Queue.Backlog > s.cfg.AlertQueueBacklog {
		alerts = append(alerts, s.alert("queue_backlog",
			fmt.Sprintf("usage queue backlog %d exceeds %d", m.Queue.Backlog, s.cfg.AlertQueueBacklog),
			float64(m.Queue.Backlog), float64(s.cfg.AlertQueueBacklog), m.Timestamp))
	}

	key := s.cache.Keys().PerfAlerts()
	for _, a := range alerts {
		observability.RecordAlert(a.Rule)
		s.log.Warn("performance alert",
			slog.String("rule", a.Rule),
			slog.String("message", a.Message))
		if err := s.cache.LPushJSON(ctx, key, a, 0); err != nil {
			s.log.Warn("alert persist failed", slog.Any("error", err))
		}
	}
	if len(alerts) > 0 {
		if err := s.cache.LTrim(ctx, key, alertHistory); err != nil {
			s.log.Warn("alert trim failed", slog.Any("error", err))
		}
	}
}

func (s *Service) alert(rule, message string, value, threshold float64, at time.Time) domain.PerfAlert {
	return domain.PerfAlert{
		ID:        uuid.NewString(),
		Rule:      rule,
		Message:   message,
		Value:     value,
		Threshold: threshold,
		FiredAt:   at,
	}
}

// Metrics returns the latest aggregated snapshot. The bool is false until
// the first aggregation has run.
func (s *Service) Metrics() (domain.PerformanceMetrics, bool) {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	if s.lastMetrics == nil {
		return domain.PerformanceMetrics{}, false
	}
	return *s.lastMetrics, true
}

// Alerts returns up to n of the most recent alerts, newest first.
func (s *Service) Alerts(ctx domain.Context, n int64) ([]domain.PerfAlert, error) {
	if n <= 0 || n > alertHistory {
		n = alertHistory
	}
	var out []domain.PerfAlert
	err := s.cache.LRangeJSON(ctx, s.cache.Keys().PerfAlerts(), n, func(raw []byte) error {
		var a domain.PerfAlert
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=monitor.Alerts: %w", err)
	}
	return out, nil
}
