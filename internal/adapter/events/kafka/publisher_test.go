package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/aicarpool/gateway/internal/domain"
)

func TestNewPublisher_ValidatesArguments(t *testing.T) {
	t.Parallel()
	log := slog.Default()
	if _, err := NewPublisher(context.Background(), nil, "usage", log); err == nil {
		t.Fatal("expected error for missing brokers")
	}
	if _, err := NewPublisher(context.Background(), []string{"localhost:9092"}, "", log); err == nil {
		t.Fatal("expected error for empty topic")
	}
}

func TestEncodeRecord(t *testing.T) {
	t.Parallel()
	rec := domain.UsageRecord{
		ID:          "rec-1",
		GroupID:     "grp-1",
		UserID:      "usr-1",
		AccountID:   "acct-1",
		ProviderID:  domain.ProviderClaude,
		ModelName:   "claude-sonnet-4",
		TotalTokens: 420,
		Cost:        0.0042,
		RequestTime: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	kr, err := encodeRecord("aicarpool.usage", rec)
	if err != nil {
		t.Fatalf("encodeRecord: %v", err)
	}
	if kr.Topic != "aicarpool.usage" {
		t.Fatalf("topic = %s", kr.Topic)
	}
	if string(kr.Key) != "grp-1" {
		t.Fatalf("key = %s, want the group id for per-tenant ordering", kr.Key)
	}
	var decoded domain.UsageRecord
	if err := json.Unmarshal(kr.Value, &decoded); err != nil {
		t.Fatalf("value not valid JSON: %v", err)
	}
	if decoded.ID != rec.ID || decoded.TotalTokens != rec.TotalTokens {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	if len(kr.Headers) != 3 || kr.Headers[0].Key != "record_id" || string(kr.Headers[0].Value) != "rec-1" {
		t.Fatalf("headers = %+v", kr.Headers)
	}
}
