package provider

import (
	"net/http"
	"strings"
	"time"

	"github.com/aicarpool/gateway/internal/domain"
)

const (
	claudeDefaultBase = "https://api.anthropic.com"
	anthropicVersion  = "2023-06-01"
	// claudeOAuthTokenURL exchanges a refresh token for a fresh access
	// token on accounts provisioned through the OAuth flow.
	claudeOAuthTokenURL = "https://console.anthropic.com/v1/oauth/token"
	claudeOAuthClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	// claudeDefaultMaxTokens backs the required max_tokens field when the
	// client leaves it unset.
	claudeDefaultMaxTokens = 4096
)

// ClaudeAdapter speaks the native Anthropic Messages API. Accounts carry
// either a plain API key or an OAuth access/refresh token pair; the adapter
// refreshes the latter via RefreshAccessToken.
type ClaudeAdapter struct {
	pool     *ClientPool
	policy   retryPolicy
	catalog  []domain.ModelInfo
	tokenURL string
}

// NewClaude constructs the Anthropic adapter.
func NewClaude(pool *ClientPool, policy retryPolicy, catalog []domain.ModelInfo) *ClaudeAdapter {
	return &ClaudeAdapter{pool: pool, policy: policy, catalog: catalog, tokenURL: claudeOAuthTokenURL}
}

func (a *ClaudeAdapter) PlatformID() string   { return domain.ProviderClaude }
func (a *ClaudeAdapter) PlatformName() string { return "Anthropic Claude" }

func (a *ClaudeAdapter) baseURL(creds domain.Credentials) string {
	if creds.BaseURL != "" {
		return strings.TrimRight(creds.BaseURL, "/")
	}
	return claudeDefaultBase
}

// authHeaders picks the scheme the credentials support: OAuth tokens ride
// the Authorization header, API keys use x-api-key.
func (a *ClaudeAdapter) authHeaders(creds domain.Credentials) map[string]string {
	h := map[string]string{"anthropic-version": anthropicVersion}
	if creds.AccessToken != "" {
		h["Authorization"] = "Bearer " + creds.AccessToken
		return h
	}
	h["x-api-key"] = creds.APIKey
	return h
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []claudeMessage `json:"messages"`
	System      string          `json:"system,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type claudeResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// buildClaudeRequest lifts system turns out of the message list; the
// Messages API takes them as a separate field.
func buildClaudeRequest(req domain.AIRequest) claudeRequest {
	out := claudeRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = claudeDefaultMaxTokens
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	var system []string
	for _, m := range req.Messages {
		if strings.EqualFold(m.Role, "system") {
			system = append(system, m.Content)
			continue
		}
		out.Messages = append(out.Messages, claudeMessage{Role: m.Role, Content: m.Content})
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

// ExecuteRequest forwards one chat exchange and extracts the text blocks
// and token usage.
func (a *ClaudeAdapter) ExecuteRequest(ctx domain.Context, acct domain.DispatchAccount, req domain.AIRequest) (domain.AIResponse, error) {
	hc, err := a.pool.For(acct.Account.Proxy)
	if err != nil {
		return domain.AIResponse{}, err
	}
	body := buildClaudeRequest(req)
	var out claudeResponse
	var raw []byte
	url := a.baseURL(acct.Credentials) + "/v1/messages"
	err = a.policy.run(ctx, attempt(ctx, hc, http.MethodPost, url, a.authHeaders(acct.Credentials), body, &out, &raw))
	if err != nil {
		return domain.AIResponse{}, err
	}
	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return domain.AIResponse{
		ID:      out.ID,
		Model:   out.Model,
		Content: text.String(),
		Raw:     raw,
		Usage: domain.TokenUsage{
			RequestTokens:  out.Usage.InputTokens,
			ResponseTokens: out.Usage.OutputTokens,
			TotalTokens:    out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}, nil
}

type claudeModelList struct {
	Data []struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	} `json:"data"`
}

// ValidateCredentials probes the models listing, which authenticates both
// credential schemes without burning tokens.
func (a *ClaudeAdapter) ValidateCredentials(ctx domain.Context, creds domain.Credentials, proxy *domain.ProxyConfig) (domain.CredentialCheck, error) {
	hc, err := a.pool.For(proxy)
	if err != nil {
		return domain.CredentialCheck{}, err
	}
	status, body, err := call(ctx, hc, http.MethodGet, a.baseURL(creds)+"/v1/models", a.authHeaders(creds), nil)
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

// GetServiceStatus measures reachability and latency of the platform.
func (a *ClaudeAdapter) GetServiceStatus(ctx domain.Context, creds domain.Credentials, proxy *domain.ProxyConfig) (domain.ServiceStatus, error) {
	hc, err := a.pool.For(proxy)
	if err != nil {
		return domain.ServiceStatus{}, err
	}
	start := time.Now()
	status, body, err := call(ctx, hc, http.MethodGet, a.baseURL(creds)+"/v1/models", a.authHeaders(creds), nil)
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

// GetAvailableModels lists the platform's models, falling back to the
// curated catalog when the listing fails.
func (a *ClaudeAdapter) GetAvailableModels(ctx domain.Context, creds domain.Credentials, proxy *domain.ProxyConfig) ([]domain.ModelInfo, error) {
	hc, err := a.pool.For(proxy)
	if err != nil {
		return nil, err
	}
	var out claudeModelList
	err = a.policy.run(ctx, attempt(ctx, hc, http.MethodGet, a.baseURL(creds)+"/v1/models", a.authHeaders(creds), nil, &out, nil))
	if err != nil {
		if len(a.catalog) > 0 {
			return a.catalog, nil
		}
		return nil, err
	}
	models := make([]domain.ModelInfo, 0, len(out.Data))
	for _, m := range out.Data {
		info := enrichModel(m.ID, a.catalog)
		if info.Name == info.ID && m.DisplayName != "" {
			info.Name = m.DisplayName
		}
		models = append(models, info)
	}
	return models, nil
}

// TestConnection reports whether authenticated calls succeed.
func (a *ClaudeAdapter) TestConnection(ctx domain.Context, creds domain.Credentials, proxy *domain.ProxyConfig) (bool, error) {
	check, err := a.ValidateCredentials(ctx, creds, proxy)
	if err != nil {
		return false, err
	}
	return check.IsValid, nil
}

// FormatError renders any adapter failure as one operator-readable line.
func (a *ClaudeAdapter) FormatError(err error) string {
	return formatAdapterError(a.PlatformName(), err)
}

type claudeTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RefreshAccessToken trades a refresh token for a new OAuth access token.
// The health-check job calls this before tokens lapse.
func (a *ClaudeAdapter) RefreshAccessToken(ctx domain.Context, refreshToken string, proxy *domain.ProxyConfig) (domain.TokenRefresh, error) {
	hc, err := a.pool.For(proxy)
	if err != nil {
		return domain.TokenRefresh{}, err
	}
	body := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     claudeOAuthClientID,
	}
	var out claudeTokenResponse
	err = a.policy.run(ctx, attempt(ctx, hc, http.MethodPost, a.tokenURL, nil, body, &out, nil))
	if err != nil {
		return domain.TokenRefresh{}, err
	}
	if out.AccessToken == "" {
		return domain.TokenRefresh{}, &domain.AdapterError{Code: domain.AdapterAuth, Message: "empty access token in refresh response"}
	}
	refreshed := domain.TokenRefresh{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = refreshToken
	}
	return refreshed, nil
}
