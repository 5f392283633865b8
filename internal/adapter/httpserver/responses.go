// Package httpserver carries the gateway's HTTP surface: the provider
// forwarding endpoint, the admin introspection API and the middleware
// stack. Handlers translate between the wire and the domain services;
// admission policy itself lives in the services.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aicarpool/gateway/internal/domain"
)

// failureBody is the uniform rejection envelope. ResetTime is present only
// on rate-limit rejections so clients can back off precisely.
type failureBody struct {
	Success   bool       `json:"success"`
	Code      string     `json:"code"`
	Error     string     `json:"error"`
	ResetTime *time.Time `json:"resetTime,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeFailure maps err onto the stable wire code, its HTTP status and the
// rejection envelope. Internal failures keep their detail out of the body.
func writeFailure(w http.ResponseWriter, err error) {
	code := domain.ErrorCode(err)
	body := failureBody{Code: code, Error: err.Error()}
	if code == domain.CodeInternal {
		body.Error = "internal error"
	}
	var rl *domain.RateLimitedError
	if errors.As(err, &rl) {
		t := rl.ResetTime
		body.ResetTime = &t
	}
	writeJSON(w, domain.HTTPStatusFor(code), body)
}
