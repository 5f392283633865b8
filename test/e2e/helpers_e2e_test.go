//go:build e2e

package e2e_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// baseURL is where the gateway under test listens.
func baseURL() string { return getenv("E2E_BASE_URL", "http://localhost:8080") }

// apiKey returns the provisioned client key, or "" when the environment has
// none; tests needing a real key skip themselves.
func apiKey() string { return os.Getenv("E2E_API_KEY") }

// adminToken returns the management token, or "" when admin is not enabled.
func adminToken() string { return os.Getenv("E2E_ADMIN_TOKEN") }

// waitForAppReady polls /healthz until the gateway answers or the deadline
// passes.
func waitForAppReady(t *testing.T, client *http.Client, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL() + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("gateway at %s not ready within %s", baseURL(), timeout)
}

// doJSON sends a request with an optional bearer token and JSON body and
// decodes the JSON response into a generic map.
func doJSON(t *testing.T, client *http.Client, method, path, bearer string, body any) (int, map[string]any, http.Header) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, baseURL()+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("%s %s: response is not JSON: %s", method, path, raw)
		}
	}
	return resp.StatusCode, out, resp.Header
}

// chatBody builds a minimal completion request.
func chatBody(content string) map[string]any {
	return map[string]any{
		"messages":   []map[string]any{{"role": "user", "content": content}},
		"max_tokens": 16,
	}
}
