package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aicarpool/gateway/internal/domain"
)

// CompatAdapter serves every platform that speaks the OpenAI chat-completions
// dialect: OpenAI itself plus Qwen, GLM, Kimi, Wenxin and Spark, which all
// expose compatible endpoints. Per-account base URLs override the platform
// default so self-hosted relays work too.
type CompatAdapter struct {
	id          string
	name        string
	defaultBase string
	pool        *ClientPool
	policy      retryPolicy
	catalog     []domain.ModelInfo
}

// NewCompat constructs an adapter for one OpenAI-compatible platform.
func NewCompat(id, name, defaultBase string, pool *ClientPool, policy retryPolicy, catalog []domain.ModelInfo) *CompatAdapter {
	return &CompatAdapter{
		id:          id,
		name:        name,
		defaultBase: strings.TrimRight(defaultBase, "/"),
		pool:        pool,
		policy:      policy,
		catalog:     catalog,
	}
}

func (a *CompatAdapter) PlatformID() string   { return a.id }
func (a *CompatAdapter) PlatformName() string { return a.name }

func (a *CompatAdapter) baseURL(creds domain.Credentials) string {
	if creds.BaseURL != "" {
		return strings.TrimRight(creds.BaseURL, "/")
	}
	return a.defaultBase
}

func (a *CompatAdapter) authHeaders(creds domain.Credentials) map[string]string {
	token := creds.APIKey
	if creds.AccessToken != "" {
		token = creds.AccessToken
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

type chatCompletionRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// ExecuteRequest forwards a chat request and returns the provider-native
// body alongside the extracted content and usage.
func (a *CompatAdapter) ExecuteRequest(ctx domain.Context, acct domain.DispatchAccount, req domain.AIRequest) (domain.AIResponse, error) {
	hc, err := a.pool.For(acct.Account.Proxy)
	if err != nil {
		return domain.AIResponse{}, err
	}
	body := chatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	var out chatCompletionResponse
	var raw []byte
	url := a.baseURL(acct.Credentials) + "/chat/completions"
	err = a.policy.run(ctx, attempt(ctx, hc, http.MethodPost, url, a.authHeaders(acct.Credentials), body, &out, &raw))
	if err != nil {
		return domain.AIResponse{}, err
	}
	if len(out.Choices) == 0 {
		return domain.AIResponse{}, &domain.AdapterError{Code: domain.AdapterGeneric, Message: "empty choices"}
	}
	return domain.AIResponse{
		ID:      out.ID,
		Model:   out.Model,
		Content: out.Choices[0].Message.Content,
		Raw:     raw,
		Usage: domain.TokenUsage{
			RequestTokens:  out.Usage.PromptTokens,
			ResponseTokens: out.Usage.CompletionTokens,
			TotalTokens:    out.Usage.TotalTokens,
		},
	}, nil
}

type modelListResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ValidateCredentials probes the models endpoint, the cheapest authenticated
// call the dialect offers.
func (a *CompatAdapter) ValidateCredentials(ctx domain.Context, creds domain.Credentials, proxy *domain.ProxyConfig) (domain.CredentialCheck, error) {
	hc, err := a.pool.For(proxy)
	if err != nil {
		return domain.CredentialCheck{}, err
	}
	status, body, err := call(ctx, hc, http.MethodGet, a.baseURL(creds)+"/models", a.authHeaders(creds), nil)
	if err != nil {
		return domain.CredentialCheck{}, err
	}
	if status >= 200 && status < 300 {
		return domain.CredentialCheck{IsValid: true}, nil
	}
	ae := classify(status, body)
	if ae.Code == domain.AdapterAuth {
		return domain.CredentialCheck{IsValid: false, ErrorMessage: a.FormatError(ae)}, nil
	}
	return domain.CredentialCheck{}, ae
}

// GetServiceStatus measures the platform's reachability and latency.
func (a *CompatAdapter) GetServiceStatus(ctx domain.Context, creds domain.Credentials, proxy *domain.ProxyConfig) (domain.ServiceStatus, error) {
	hc, err := a.pool.For(proxy)
	if err != nil {
		return domain.ServiceStatus{}, err
	}
	start := time.Now()
	status, body, err := call(ctx, hc, http.MethodGet, a.baseURL(creds)+"/models", a.authHeaders(creds), nil)
	elapsed := time.Since(start).Milliseconds()
	now := time.Now().UTC()
	if err != nil {
		return domain.ServiceStatus{
			IsHealthy:    false,
			Status:       domain.ServiceError,
			ResponseTime: elapsed,
			ErrorMessage: a.FormatError(err),
			LastChecked:  now,
		}, nil
	}
	if status >= 200 && status < 300 {
		return domain.ServiceStatus{
			IsHealthy:    true,
			Status:       domain.ServiceActive,
			ResponseTime: elapsed,
			LastChecked:  now,
		}, nil
	}
	ae := classify(status, body)
	st := domain.ServiceStatus{
		IsHealthy:    false,
		Status:       domain.ServiceError,
		ResponseTime: elapsed,
		ErrorMessage: a.FormatError(ae),
		LastChecked:  now,
	}
	if status == http.StatusTooManyRequests {
		// Rate limiting is congestion, not an outage.
		st.Status = domain.ServiceWarning
	}
	return st, nil
}

// GetAvailableModels lists the platform's models enriched with catalog
// metadata; when the upstream listing fails the curated catalog is the
// fallback.
func (a *CompatAdapter) GetAvailableModels(ctx domain.Context, creds domain.Credentials, proxy *domain.ProxyConfig) ([]domain.ModelInfo, error) {
	hc, err := a.pool.For(proxy)
	if err != nil {
		return nil, err
	}
	var out modelListResponse
	err = a.policy.run(ctx, attempt(ctx, hc, http.MethodGet, a.baseURL(creds)+"/models", a.authHeaders(creds), nil, &out, nil))
	if err != nil {
		if len(a.catalog) > 0 {
			slog.Warn("model listing failed, serving catalog",
				slog.String("provider", a.id), slog.Any("error", err))
			return a.catalog, nil
		}
		return nil, err
	}
	models := make([]domain.ModelInfo, 0, len(out.Data))
	for _, m := range out.Data {
		models = append(models, enrichModel(m.ID, a.catalog))
	}
	return models, nil
}

// TestConnection reports whether the platform answers authenticated calls.
func (a *CompatAdapter) TestConnection(ctx domain.Context, creds domain.Credentials, proxy *domain.ProxyConfig) (bool, error) {
	check, err := a.ValidateCredentials(ctx, creds, proxy)
	if err != nil {
		return false, err
	}
	return check.IsValid, nil
}

// FormatError renders any adapter failure as one operator-readable line.
func (a *CompatAdapter) FormatError(err error) string {
	return formatAdapterError(a.name, err)
}

// enrichModel merges catalog metadata into an upstream model id.
func enrichModel(id string, catalog []domain.ModelInfo) domain.ModelInfo {
	for _, c := range catalog {
		if c.ID == id {
			c.IsAvailable = true
			return c
		}
	}
	return domain.ModelInfo{ID: id, Name: id, IsAvailable: true}
}

func formatAdapterError(platform string, err error) string {
	var ae *domain.AdapterError
	if errors.As(err, &ae) {
		switch ae.Code {
		case domain.AdapterAuth:
			return fmt.Sprintf("%s: authentication failed (status %d)", platform, ae.StatusCode)
		case domain.AdapterQuota:
			if ae.StatusCode == http.StatusTooManyRequests {
				return fmt.Sprintf("%s: rate limited by upstream", platform)
			}
			return fmt.Sprintf("%s: upstream quota exhausted", platform)
		case domain.AdapterNetwork:
			return fmt.Sprintf("%s: network error: %v", platform, ae.Cause)
		case domain.AdapterUnavailable:
			return fmt.Sprintf("%s: service unavailable (status %d)", platform, ae.StatusCode)
		default:
			if ae.Message != "" {
				return fmt.Sprintf("%s: %s", platform, ae.Message)
			}
			return fmt.Sprintf("%s: request failed (status %d)", platform, ae.StatusCode)
		}
	}
	return fmt.Sprintf("%s: %v", platform, err)
}
