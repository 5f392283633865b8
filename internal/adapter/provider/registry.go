package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aicarpool/gateway/internal/config"
	"github.com/aicarpool/gateway/internal/domain"
)

// Registry resolves provider ids to adapters. Registration happens at boot;
// lookups run on every dispatch, so reads take the cheap path.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]domain.ProviderAdapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]domain.ProviderAdapter)}
}

// Register adds or replaces the adapter for its platform id.
func (r *Registry) Register(a domain.ProviderAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.PlatformID()] = a
}

// Get returns the adapter for a provider id.
func (r *Registry) Get(id string) (domain.ProviderAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("op=provider.Get id=%s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

// List returns every registered adapter ordered by platform id.
func (r *Registry) List() []domain.ProviderAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ProviderAdapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlatformID() < out[j].PlatformID() })
	return out
}

// catalogModels converts catalog entries to the adapter model shape.
func catalogModels(entries []config.CatalogModel) []domain.ModelInfo {
	if len(entries) == 0 {
		return nil
	}
	out := make([]domain.ModelInfo, 0, len(entries))
	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = e.ID
		}
		out = append(out, domain.ModelInfo{
			ID:            e.ID,
			Name:          name,
			Description:   e.Description,
			ContextLength: e.ContextLength,
			InputPrice:    e.InputPrice,
			OutputPrice:   e.OutputPrice,
			IsAvailable:   true,
		})
	}
	return out
}

// DefaultRegistry builds adapters for every supported platform, all sharing
// one client pool and one retry policy. Claude and Gemini speak their native
// dialects; the rest ride the OpenAI-compatible adapter with their published
// compatible-mode endpoints.
func DefaultRegistry(cfg config.Config, catalog config.ModelCatalog) (*Registry, *ClientPool) {
	pool := NewClientPool(cfg.AdapterHTTPTimeout)
	policy := retryPolicy{retries: cfg.AdapterRetries, delay: cfg.AdapterRetryDelay}

	reg := NewRegistry()
	reg.Register(NewClaude(pool, policy, catalogModels(catalog.ModelsFor(domain.ProviderClaude))))
	reg.Register(NewGemini(pool, policy, catalogModels(catalog.ModelsFor(domain.ProviderGemini))))

	compat := []struct {
		id   string
		name string
		base string
	}{
		{domain.ProviderOpenAI, "OpenAI", "https://api.openai.com/v1"},
		{domain.ProviderQwen, "Alibaba Qwen", "https://dashscope.aliyuncs.com/compatible-mode/v1"},
		{domain.ProviderGLM, "Zhipu GLM", "https://open.bigmodel.cn/api/paas/v4"},
		{domain.ProviderKimi, "Moonshot Kimi", "https://api.moonshot.cn/v1"},
		{domain.ProviderWenxin, "Baidu Wenxin", "https://qianfan.baidubce.com/v2"},
		{domain.ProviderSpark, "iFlytek Spark", "https://spark-api-open.xf-yun.com/v1"},
	}
	for _, c := range compat {
		reg.Register(NewCompat(c.id, c.name, c.base, pool, policy, catalogModels(catalog.ModelsFor(c.id))))
	}
	return reg, pool
}
