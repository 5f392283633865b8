package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/aicarpool/gateway/internal/domain"
)

// Upstream bodies are capped; a misbehaving provider must not balloon the
// gateway's memory.
const maxBodyBytes = 8 << 20

// call runs one HTTP exchange. Network failures come back as adapter errors
// with the NETWORK_ERROR code; non-2xx statuses are returned to the caller
// for classification because the retry decision depends on them.
func call(ctx context.Context, hc *http.Client, method, rawURL string, headers map[string]string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, &domain.AdapterError{Code: domain.AdapterGeneric, Message: "encode request", Cause: err}
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return 0, nil, &domain.AdapterError{Code: domain.AdapterGeneric, Message: "build request", Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return 0, nil, &domain.AdapterError{Code: domain.AdapterNetwork, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, &domain.AdapterError{Code: domain.AdapterNetwork, Message: "read response", Cause: err}
	}
	return resp.StatusCode, raw, nil
}

// classify maps a non-2xx upstream status onto the adapter error taxonomy.
func classify(status int, body []byte) *domain.AdapterError {
	msg := snippet(body, 512)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &domain.AdapterError{Code: domain.AdapterAuth, StatusCode: status, Message: msg}
	case status == http.StatusPaymentRequired || status == http.StatusTooManyRequests:
		return &domain.AdapterError{Code: domain.AdapterQuota, StatusCode: status, Message: msg}
	case status >= 500:
		return &domain.AdapterError{Code: domain.AdapterUnavailable, StatusCode: status, Message: msg}
	default:
		return &domain.AdapterError{Code: domain.AdapterGeneric, StatusCode: status, Message: msg}
	}
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// retryPolicy bounds the in-adapter retries for one account. Failing over
// to a different account is the router's job, not ours.
type retryPolicy struct {
	retries int
	delay   time.Duration
}

// run retries fn with exponential backoff. fn must wrap non-retryable
// failures in backoff.Permanent.
func (rp retryPolicy) run(ctx context.Context, fn func() error) error {
	expo := backoff.NewExponentialBackOff()
	if rp.delay > 0 {
		expo.InitialInterval = rp.delay
		expo.MaxInterval = rp.delay * 8
	}
	expo.MaxElapsedTime = 0
	retries := rp.retries
	if retries < 0 {
		retries = 0
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(retries)), ctx)
	return backoff.Retry(fn, bo)
}

// attempt wraps one upstream exchange for use under run: 2xx decodes into
// out, retryable failures return plainly, the rest become permanent.
func attempt(ctx context.Context, hc *http.Client, method, url string, headers map[string]string, body any, out any, raw *[]byte) func() error {
	return func() error {
		status, b, err := call(ctx, hc, method, url, headers, body)
		if err != nil {
			return err // network errors are retryable by construction
		}
		if status < 200 || status >= 300 {
			ae := classify(status, b)
			if ae.Retryable() {
				return ae
			}
			return backoff.Permanent(ae)
		}
		if raw != nil {
			*raw = b
		}
		if out != nil {
			if err := json.Unmarshal(b, out); err != nil {
				return backoff.Permanent(&domain.AdapterError{
					Code:    domain.AdapterGeneric,
					Message: fmt.Sprintf("decode response: %v", err),
					Cause:   err,
				})
			}
		}
		return nil
	}
}
