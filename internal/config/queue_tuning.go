// Package config defines the usage-queue tuning view.
package config

import (
	"time"
)

// QueueTuning groups the usage-recording queue knobs.
type QueueTuning struct {
	// BatchSize triggers a flush when the buffer reaches it.
	BatchSize int
	// FlushInterval triggers a flush when it elapses, full batch or not.
	FlushInterval time.Duration
	// MaxRetries caps store-write attempts before a batch parks in the DLQ.
	MaxRetries int
	// RetryDelay is the base of the exponential backoff between attempts.
	RetryDelay time.Duration
	// DLQTTL bounds how long parked batches stay reclaimable.
	DLQTTL time.Duration
}

// QueueTuning returns the usage-queue configuration.
func (c Config) QueueTuning() QueueTuning {
	return QueueTuning{
		BatchSize:     c.UsageBatchSize,
		FlushInterval: c.UsageFlushInterval,
		MaxRetries:    c.UsageMaxRetries,
		RetryDelay:    c.UsageRetryDelay,
		DLQTTL:        c.UsageDLQTTL,
	}
}
