// Durable payload and stats types for the usage-recording queue.
package domain

import "time"

// DLQBatch is a batch of usage records parked after the store rejected it
// repeatedly. Batches serialize to the cache's dead-letter list and must
// round-trip losslessly.
type DLQBatch struct {
	ID           string        `json:"id"`
	Records      []UsageRecord `json:"records"`
	Attempts     int           `json:"attempts"`
	FirstFailed  time.Time     `json:"firstFailed"`
	LastError    string        `json:"lastError,omitempty"`
	MovedToDLQAt time.Time     `json:"movedToDlqAt"`
}

// BatchStats describes one flush; the queue retains the most recent ones.
type BatchStats struct {
	RecordCount    int           `json:"recordCount"`
	ProcessingTime time.Duration `json:"processingTime"`
	Success        bool          `json:"success"`
	FlushedAt      time.Time     `json:"flushedAt"`
}

// QueueStats is the introspection snapshot behind getQueueStats.
type QueueStats struct {
	BufferSize        int           `json:"bufferSize"`
	IsProcessing      bool          `json:"isProcessing"`
	TotalProcessed    int64         `json:"totalProcessed"`
	TotalFailed       int64         `json:"totalFailed"`
	AvgProcessingTime time.Duration `json:"avgProcessingTime"`
	DLQSize           int64         `json:"dlqSize"`
}
