package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aicarpool/gateway/internal/domain"
)

func TestGeminiAdapter_ExecuteRequest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-2.5-pro:generateContent" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "g-key" {
			t.Errorf("unexpected key header: %q", got)
		}
		var req geminiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.SystemInstruction == nil || req.SystemInstruction.Parts[0].Text != "be helpful" {
			t.Errorf("system instruction missing: %+v", req.SystemInstruction)
		}
		if len(req.Contents) != 2 || req.Contents[0].Role != "user" || req.Contents[1].Role != "model" {
			t.Errorf("roles not converted: %+v", req.Contents)
		}
		if req.GenerationConfig == nil || req.GenerationConfig.MaxOutputTokens != 512 {
			t.Errorf("generation config missing: %+v", req.GenerationConfig)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"responseId":   "resp-1",
			"modelVersion": "gemini-2.5-pro-001",
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{{"text": "part one "}, {"text": "part two"}}}},
			},
			"usageMetadata": map[string]any{
				"promptTokenCount":     15,
				"candidatesTokenCount": 6,
				"totalTokenCount":      21,
			},
		})
	}))
	defer ts.Close()

	a := NewGemini(NewClientPool(time.Second), testPolicy(), nil)
	acct := domain.DispatchAccount{
		Account:     &domain.UpstreamAccount{ID: "acct-1"},
		Credentials: domain.Credentials{APIKey: "g-key", BaseURL: ts.URL},
	}
	resp, err := a.ExecuteRequest(context.Background(), acct, domain.AIRequest{
		Model:     "gemini-2.5-pro",
		MaxTokens: 512,
		Messages: []domain.Message{
			{Role: "system", Content: "be helpful"},
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("ExecuteRequest: %v", err)
	}
	if resp.Content != "part one part two" {
		t.Fatalf("parts not joined: %q", resp.Content)
	}
	if resp.Model != "gemini-2.5-pro-001" {
		t.Fatalf("model version not surfaced: %q", resp.Model)
	}
	if resp.Usage.TotalTokens != 21 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
}

func TestGeminiAdapter_GetAvailableModels_StripsPrefix(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{
				{"name": "models/gemini-2.5-pro", "displayName": "Gemini 2.5 Pro", "description": "flagship"},
			},
		})
	}))
	defer ts.Close()

	a := NewGemini(NewClientPool(time.Second), testPolicy(), nil)
	models, err := a.GetAvailableModels(context.Background(), domain.Credentials{APIKey: "k", BaseURL: ts.URL}, nil)
	if err != nil {
		t.Fatalf("GetAvailableModels: %v", err)
	}
	if len(models) != 1 {
		t.Fatalf("expected 1 model, got %d", len(models))
	}
	if models[0].ID != "gemini-2.5-pro" {
		t.Fatalf("models/ prefix not stripped: %q", models[0].ID)
	}
	if models[0].Name != "Gemini 2.5 Pro" || models[0].Description != "flagship" {
		t.Fatalf("listing metadata not applied: %+v", models[0])
	}
}

func TestGeminiAdapter_ValidateCredentials_BadRequestMeansInvalidKey(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"status":"INVALID_ARGUMENT"}}`, http.StatusBadRequest)
	}))
	defer ts.Close()

	a := NewGemini(NewClientPool(time.Second), testPolicy(), nil)
	check, err := a.ValidateCredentials(context.Background(), domain.Credentials{APIKey: "bogus", BaseURL: ts.URL}, nil)
	if err != nil {
		t.Fatalf("ValidateCredentials: %v", err)
	}
	if check.IsValid {
		t.Fatal("expected invalid credentials")
	}
}
