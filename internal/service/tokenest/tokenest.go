// Package tokenest estimates token usage when an upstream response does not
// report it. It uses tiktoken-go; providers outside the OpenAI family are
// approximated with cl100k_base, which is close enough for quota accounting.
package tokenest

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/aicarpool/gateway/internal/domain"
)

// Estimator provides thread-safe token estimation across models. Encodings
// are cached per normalized model name.
type Estimator struct {
	encodings map[string]*tiktoken.Tiktoken
	mu        sync.RWMutex
}

// New creates an Estimator.
func New() *Estimator {
	return &Estimator{encodings: make(map[string]*tiktoken.Tiktoken)}
}

func (e *Estimator) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModel(model)

	e.mu.RLock()
	if enc, ok := e.encodings[normalized]; ok {
		e.mu.RUnlock()
		return enc, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok := e.encodings[normalized]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.String("normalized", normalized),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	e.encodings[normalized] = enc
	return enc, nil
}

// normalizeModel maps the provider-specific model ids this gateway sees onto
// tiktoken-known names. Non-OpenAI vendors tokenize differently; gpt-4's
// cl100k_base is the accepted approximation.
func normalizeModel(model string) string {
	model = strings.ToLower(model)
	if strings.Contains(model, "/") {
		parts := strings.Split(model, "/")
		model = parts[len(parts)-1]
	}

	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	case strings.Contains(model, "claude"),
		strings.Contains(model, "gemini"),
		strings.Contains(model, "qwen"),
		strings.Contains(model, "glm"),
		strings.Contains(model, "moonshot"),
		strings.Contains(model, "kimi"),
		strings.Contains(model, "ernie"),
		strings.Contains(model, "spark"):
		return "gpt-4"
	default:
		return "gpt-4"
	}
}

// CountText counts the tokens in one text for a model.
func (e *Estimator) CountText(text, model string) (int64, error) {
	enc, err := e.encodingFor(model)
	if err != nil {
		return 0, err
	}
	return int64(len(enc.Encode(text, nil, nil))), nil
}

// CountMessages counts the prompt tokens of a chat request including the
// per-message framing overhead used by OpenAI-compatible APIs.
func (e *Estimator) CountMessages(messages []domain.Message, model string) (int64, error) {
	enc, err := e.encodingFor(model)
	if err != nil {
		return 0, err
	}

	// 3 tokens of framing per message plus 1 for the role name; replies are
	// primed with 3 more.
	const tokensPerMessage = 3
	const tokensPerRole = 1

	var n int64
	for _, m := range messages {
		n += tokensPerMessage
		n += int64(len(enc.Encode(m.Role, nil, nil)))
		n += int64(len(enc.Encode(m.Content, nil, nil)))
		n += tokensPerRole
	}
	n += 3
	return n, nil
}

// EstimateUsage fills in a usage struct for a request/completion pair. It
// never fails: when an encoding is unavailable it falls back to the rough
// four-characters-per-token heuristic.
func (e *Estimator) EstimateUsage(req domain.AIRequest, completion string) domain.TokenUsage {
	prompt, err := e.CountMessages(req.Messages, req.Model)
	if err != nil {
		slog.Warn("prompt token count failed, using heuristic",
			slog.String("model", req.Model), slog.Any("error", err))
		var chars int
		for _, m := range req.Messages {
			chars += len(m.Content)
		}
		prompt = int64(chars / 4)
	}

	response, err := e.CountText(completion, req.Model)
	if err != nil {
		slog.Warn("completion token count failed, using heuristic",
			slog.String("model", req.Model), slog.Any("error", err))
		response = int64(len(completion) / 4)
	}

	return domain.TokenUsage{
		RequestTokens:  prompt,
		ResponseTokens: response,
		TotalTokens:    prompt + response,
	}
}
