package provider

import (
	"errors"
	"testing"
	"time"

	"github.com/aicarpool/gateway/internal/config"
	"github.com/aicarpool/gateway/internal/domain"
)

func TestDefaultRegistry_CoversAllPlatforms(t *testing.T) {
	catalog := config.ModelCatalog{
		Providers: map[string][]config.CatalogModel{
			domain.ProviderClaude: {{ID: "claude-sonnet-4", Name: "Claude Sonnet 4", InputPrice: 3, OutputPrice: 15}},
		},
	}
	reg, pool := DefaultRegistry(config.Config{AdapterHTTPTimeout: time.Second}, catalog)
	defer pool.Close()

	want := []string{
		domain.ProviderClaude, domain.ProviderGemini, domain.ProviderGLM,
		domain.ProviderKimi, domain.ProviderOpenAI, domain.ProviderQwen,
		domain.ProviderSpark, domain.ProviderWenxin,
	}
	got := reg.List()
	if len(got) != len(want) {
		t.Fatalf("expected %d adapters, got %d", len(want), len(got))
	}
	for i, a := range got {
		if a.PlatformID() != want[i] {
			t.Fatalf("adapter %d: expected %s, got %s", i, want[i], a.PlatformID())
		}
	}

	a, err := reg.Get(domain.ProviderClaude)
	if err != nil {
		t.Fatalf("Get claude: %v", err)
	}
	if _, ok := a.(domain.TokenRefresher); !ok {
		t.Fatal("claude adapter must support token refresh")
	}
	if _, ok := a.(*ClaudeAdapter); !ok {
		t.Fatalf("claude must use the native adapter, got %T", a)
	}
	ca := a.(*ClaudeAdapter)
	if len(ca.catalog) != 1 || ca.catalog[0].InputPrice != 3 {
		t.Fatalf("catalog not threaded into adapter: %+v", ca.catalog)
	}
}

func TestRegistry_GetUnknownProvider(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClientPool_SharesClientsPerProxy(t *testing.T) {
	pool := NewClientPool(time.Second)
	defer pool.Close()

	direct1, err := pool.For(nil)
	if err != nil {
		t.Fatalf("For(nil): %v", err)
	}
	direct2, err := pool.For(nil)
	if err != nil {
		t.Fatalf("For(nil) again: %v", err)
	}
	if direct1 != direct2 {
		t.Fatal("direct clients must be shared")
	}

	proxied, err := pool.For(&domain.ProxyConfig{Type: "http", Host: "127.0.0.1", Port: 8080})
	if err != nil {
		t.Fatalf("For(proxy): %v", err)
	}
	if proxied == direct1 {
		t.Fatal("proxied traffic must not share the direct client")
	}

	_, err = pool.For(&domain.ProxyConfig{Type: "carrier-pigeon", Host: "x", Port: 1})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for unknown proxy type, got %v", err)
	}
}
