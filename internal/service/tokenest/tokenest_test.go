package tokenest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicarpool/gateway/internal/domain"
)

func TestCountText(t *testing.T) {
	t.Parallel()

	est := New()

	tests := []struct {
		name     string
		text     string
		model    string
		minCount int64
		maxCount int64
	}{
		{
			name:     "simple text with gpt-4",
			text:     "Hello, world!",
			model:    "gpt-4",
			minCount: 3,
			maxCount: 5,
		},
		{
			name:     "claude model approximated",
			text:     "The quick brown fox jumps over the lazy dog.",
			model:    "claude-3-5-sonnet-20241022",
			minCount: 8,
			maxCount: 12,
		},
		{
			name:     "qwen model approximated",
			text:     "Testing token counting",
			model:    "qwen-max",
			minCount: 3,
			maxCount: 6,
		},
		{
			name:     "vendor-prefixed id",
			text:     "Hello, world!",
			model:    "zhipu/glm-4-plus",
			minCount: 3,
			maxCount: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count, err := est.CountText(tt.text, tt.model)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, count, tt.minCount)
			assert.LessOrEqual(t, count, tt.maxCount)
		})
	}
}

func TestCountMessages_IncludesFraming(t *testing.T) {
	t.Parallel()

	est := New()
	messages := []domain.Message{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "user", Content: "Say hi."},
	}
	withFraming, err := est.CountMessages(messages, "gpt-4")
	require.NoError(t, err)

	var bare int64
	for _, m := range messages {
		n, err := est.CountText(m.Content, "gpt-4")
		require.NoError(t, err)
		bare += n
	}
	// Two messages at 4 framing tokens each plus the 3-token reply primer.
	assert.Greater(t, withFraming, bare)
}

func TestEstimateUsage_NeverZeroForRealText(t *testing.T) {
	t.Parallel()

	est := New()
	req := domain.AIRequest{
		Model: "claude-3-5-sonnet",
		Messages: []domain.Message{
			{Role: "user", Content: "Summarize the plot of Hamlet in one paragraph."},
		},
	}
	usage := est.EstimateUsage(req, "Hamlet is a prince who delays avenging his father.")
	assert.Positive(t, usage.RequestTokens)
	assert.Positive(t, usage.ResponseTokens)
	assert.Equal(t, usage.TotalTokens, usage.RequestTokens+usage.ResponseTokens)
}

func TestEncodingCacheIsReused(t *testing.T) {
	t.Parallel()

	est := New()
	_, err := est.CountText("warm", "claude-3-opus")
	require.NoError(t, err)
	_, err = est.CountText("again", "claude-3-haiku")
	require.NoError(t, err)
	est.mu.RLock()
	defer est.mu.RUnlock()
	// Both claude ids normalize onto one cached encoding.
	assert.Len(t, est.encodings, 1)
}
