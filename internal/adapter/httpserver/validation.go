package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/aicarpool/gateway/internal/domain"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// chatMessage accepts both the plain-string and the content-block forms the
// provider schemas allow.
type chatMessage struct {
	Role    string          `json:"role" validate:"required,oneof=system user assistant"`
	Content json.RawMessage `json:"content" validate:"required"`
}

// chatRequest is the decoded slice of the client body the gateway needs for
// routing and accounting. Unknown provider fields pass through untouched
// inside the adapter payloads; they are not round-tripped from here.
type chatRequest struct {
	Model       string        `json:"model" validate:"omitempty,max=128"`
	Provider    string        `json:"provider" validate:"omitempty,max=64"`
	Messages    []chatMessage `json:"messages" validate:"required,min=1,max=1000,dive"`
	MaxTokens   int           `json:"max_tokens" validate:"omitempty,gte=0,lte=1000000"`
	Temperature float64       `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	Stream      bool          `json:"stream"`
}

// toDomain validates the request and flattens it into the routed form.
func (c chatRequest) toDomain() (domain.AIRequest, error) {
	if err := getValidator().Struct(c); err != nil {
		return domain.AIRequest{}, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, validationDetail(err))
	}
	out := domain.AIRequest{
		ProviderID:  strings.ToLower(strings.TrimSpace(c.Provider)),
		Model:       strings.TrimSpace(c.Model),
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		Stream:      c.Stream,
	}
	out.Messages = make([]domain.Message, 0, len(c.Messages))
	for i, m := range c.Messages {
		text, err := flattenContent(m.Content)
		if err != nil {
			return domain.AIRequest{}, fmt.Errorf("%w: messages[%d].content: %v", domain.ErrInvalidArgument, i, err)
		}
		out.Messages = append(out.Messages, domain.Message{Role: strings.ToLower(m.Role), Content: text})
	}
	return out, nil
}

// flattenContent reduces a content value to its text. Providers accept a
// bare string or an array of typed blocks; non-text blocks are skipped the
// same way the adapters skip them when extracting responses.
func flattenContent(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("expected string or content blocks")
	}
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type != "" && blk.Type != "text" {
			continue
		}
		b.WriteString(blk.Text)
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("no text content")
	}
	return b.String(), nil
}

// validationDetail renders field violations as "field=tag" pairs so the
// envelope stays one line.
func validationDetail(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return "validation failed"
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		parts = append(parts, strings.ToLower(fe.Field())+"="+fe.Tag())
	}
	return "validation failed: " + strings.Join(parts, " ")
}
