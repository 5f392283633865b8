// Performance-monitor types: timed events, aggregated snapshots, alerts.
package domain

import "time"

type PerfEventType string

const (
	EventAPIRequest PerfEventType = "api_request"
	EventCacheOp    PerfEventType = "cache_operation"
	EventDBQuery    PerfEventType = "db_query"
	EventQueueOp    PerfEventType = "queue_operation"
)

// PerfEvent is one timed observation from the hot path. Hit is only
// meaningful for cache operations.
type PerfEvent struct {
	Type     PerfEventType `json:"type"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
	Hit      bool          `json:"hit,omitempty"`
	At       time.Time     `json:"at"`
}

// APIMetrics aggregates inbound request handling over the snapshot window.
type APIMetrics struct {
	TotalRequests   int64         `json:"totalRequests"`
	AvgResponseTime time.Duration `json:"avgResponseTime"`
	P50ResponseTime time.Duration `json:"p50ResponseTime"`
	P95ResponseTime time.Duration `json:"p95ResponseTime"`
	P99ResponseTime time.Duration `json:"p99ResponseTime"`
	ErrorRate       float64       `json:"errorRate"`
	Throughput      float64       `json:"throughput"` // requests per second
}

type CacheMetrics struct {
	HitRate       float64       `json:"hitRate"`
	MissRate      float64       `json:"missRate"`
	AvgLookupTime time.Duration `json:"avgLookupTime"`
	KeyCount      int64         `json:"keyCount"`
}

type DBMetrics struct {
	AvgQueryTime      time.Duration `json:"avgQueryTime"`
	QueriesPerRequest float64       `json:"queriesPerRequest"`
	SlowQueries       int64         `json:"slowQueries"`
}

type QueueMetrics struct {
	BufferSize     int     `json:"bufferSize"`
	ProcessingRate float64 `json:"processingRate"` // records per second
	Backlog        int64   `json:"backlog"`
}

type SystemMetrics struct {
	MemoryFraction float64 `json:"memoryFraction"` // heap in use over heap reserved
}

// PerformanceMetrics is one aggregated snapshot, persisted per minute.
type PerformanceMetrics struct {
	Timestamp time.Time     `json:"timestamp"`
	Window    time.Duration `json:"window"`
	API       APIMetrics    `json:"api"`
	Cache     CacheMetrics  `json:"cache"`
	DB        DBMetrics     `json:"db"`
	Queue     QueueMetrics  `json:"queue"`
	System    SystemMetrics `json:"system"`
}

// PerfAlert is one fired alert rule. The newest hundred are retained.
type PerfAlert struct {
	ID        string    `json:"id"`
	Rule      string    `json:"rule"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	FiredAt   time.Time `json:"firedAt"`
}
