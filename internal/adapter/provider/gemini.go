package provider

import (
	"net/http"
	"strings"
	"time"

	"github.com/aicarpool/gateway/internal/domain"
)

const geminiDefaultBase = "https://generativelanguage.googleapis.com"

// GeminiAdapter speaks the native Gemini generateContent API. The key
// travels in the x-goog-api-key header so it never lands in logged or
// traced URLs.
type GeminiAdapter struct {
	pool    *ClientPool
	policy  retryPolicy
	catalog []domain.ModelInfo
}

// NewGemini constructs the Google Gemini adapter.
func NewGemini(pool *ClientPool, policy retryPolicy, catalog []domain.ModelInfo) *GeminiAdapter {
	return &GeminiAdapter{pool: pool, policy: policy, catalog: catalog}
}

func (a *GeminiAdapter) PlatformID() string   { return domain.ProviderGemini }
func (a *GeminiAdapter) PlatformName() string { return "Google Gemini" }

func (a *GeminiAdapter) baseURL(creds domain.Credentials) string {
	if creds.BaseURL != "" {
		return strings.TrimRight(creds.BaseURL, "/")
	}
	return geminiDefaultBase
}

func (a *GeminiAdapter) authHeaders(creds domain.Credentials) map[string]string {
	token := creds.APIKey
	if creds.AccessToken != "" {
		token = creds.AccessToken
	}
	return map[string]string{"x-goog-api-key": token}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	ResponseID string `json:"responseId"`
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// buildGeminiRequest converts a chat exchange to the generateContent shape:
// system turns become systemInstruction, assistant turns take the "model"
// role.
func buildGeminiRequest(req domain.AIRequest) geminiRequest {
	var out geminiRequest
	var system []string
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system":
			system = append(system, m.Content)
		case "assistant", "model":
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}}}
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		out.GenerationConfig = &geminiGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		}
	}
	return out
}

// ExecuteRequest forwards one chat exchange and collapses the candidate
// parts into a single content string.
func (a *GeminiAdapter) ExecuteRequest(ctx domain.Context, acct domain.DispatchAccount, req domain.AIRequest) (domain.AIResponse, error) {
	hc, err := a.pool.For(acct.Account.Proxy)
	if err != nil {
		return domain.AIResponse{}, err
	}
	body := buildGeminiRequest(req)
	var out geminiResponse
	var raw []byte
	url := a.baseURL(acct.Credentials) + "/v1beta/models/" + req.Model + ":generateContent"
	err = a.policy.run(ctx, attempt(ctx, hc, http.MethodPost, url, a.authHeaders(acct.Credentials), body, &out, &raw))
	if err != nil {
		return domain.AIResponse{}, err
	}
	if len(out.Candidates) == 0 {
		return domain.AIResponse{}, &domain.AdapterError{Code: domain.AdapterGeneric, Message: "empty candidates"}
	}
	var text strings.Builder
	for _, part := range out.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	model := out.ModelVersion
	if model == "" {
		model = req.Model
	}
	return domain.AIResponse{
		ID:      out.ResponseID,
		Model:   model,
		Content: text.String(),
		Raw:     raw,
		Usage: domain.TokenUsage{
			RequestTokens:  out.UsageMetadata.PromptTokenCount,
			ResponseTokens: out.UsageMetadata.CandidatesTokenCount,
			TotalTokens:    out.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

type geminiModelList struct {
	Models []struct {
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
		Description string `json:"description"`
	} `json:"models"`
}

// ValidateCredentials probes the models listing.
func (a *GeminiAdapter) ValidateCredentials(ctx domain.Context, creds domain.Credentials, proxy *domain.ProxyConfig) (domain.CredentialCheck, error) {
	hc, err := a.pool.For(proxy)
	if err != nil {
		return domain.CredentialCheck{}, err
	}
	status, body, err := call(ctx, hc, http.MethodGet, a.baseURL(creds)+"/v1beta/models", a.authHeaders(creds), nil)
	if err != nil {
		return domain.CredentialCheck{}, err
	}
	if status >= 200 && status < 300 {
		return domain.CredentialCheck{IsValid: true}, nil
	}
	ae := classify(status, body)
	// Gemini rejects bad keys with 400 INVALID_ARGUMENT rather than 401.
	if ae.Code == domain.AdapterAuth || status == http.StatusBadRequest {
		return domain.CredentialCheck{IsValid: false, ErrorMessage: a.FormatError(ae)}, nil
	}
	return domain.CredentialCheck{}, ae
}

// GetServiceStatus measures reachability and latency of the platform.
func (a *GeminiAdapter) GetServiceStatus(ctx domain.Context, creds domain.Credentials, proxy *domain.ProxyConfig) (domain.ServiceStatus, error) {
	hc, err := a.pool.For(proxy)
	if err != nil {
		return domain.ServiceStatus{}, err
	}
	start := time.Now()
	status, body, err := call(ctx, hc, http.MethodGet, a.baseURL(creds)+"/v1beta/models", a.authHeaders(creds), nil)
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
		st.Status = domain.ServiceWarning
	}
	return st, nil
}

// GetAvailableModels lists the platform's models. The listing prefixes ids
// with "models/", which is stripped before catalog enrichment.
func (a *GeminiAdapter) GetAvailableModels(ctx domain.Context, creds domain.Credentials, proxy *domain.ProxyConfig) ([]domain.ModelInfo, error) {
	hc, err := a.pool.For(proxy)
	if err != nil {
		return nil, err
	}
	var out geminiModelList
	err = a.policy.run(ctx, attempt(ctx, hc, http.MethodGet, a.baseURL(creds)+"/v1beta/models", a.authHeaders(creds), nil, &out, nil))
	if err != nil {
		if len(a.catalog) > 0 {
			return a.catalog, nil
		}
		return nil, err
	}
	models := make([]domain.ModelInfo, 0, len(out.Models))
	for _, m := range out.Models {
		id := strings.TrimPrefix(m.Name, "models/")
		info := enrichModel(id, a.catalog)
		if info.Name == info.ID && m.DisplayName != "" {
			info.Name = m.DisplayName
		}
		if info.Description == "" {
			info.Description = m.Description
		}
		models = append(models, info)
	}
	return models, nil
}

// TestConnection reports whether authenticated calls succeed.
func (a *GeminiAdapter) TestConnection(ctx domain.Context, creds domain.Credentials, proxy *domain.ProxyConfig) (bool, error) {
	check, err := a.ValidateCredentials(ctx, creds, proxy)
	if err != nil {
		return false, err
	}
	return check.IsValid, nil
}

// FormatError renders any adapter failure as one operator-readable line.
func (a *GeminiAdapter) FormatError(err error) string {
	return formatAdapterError(a.PlatformName(), err)
}
