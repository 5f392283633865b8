package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aicarpool/gateway/internal/config"
	"github.com/aicarpool/gateway/internal/domain"
)

// maxChatBodyBytes caps the forwarding endpoint's request body. Long-context
// chat payloads are large but bounded; anything bigger is abuse.
const maxChatBodyBytes = 10 << 20

// KeyValidator admits a client key and returns its session.
type KeyValidator interface {
	Validate(ctx domain.Context, keyValue string) (domain.Session, error)
}

// Dispatcher routes a validated request to an upstream account.
type Dispatcher interface {
	Route(ctx domain.Context, sess domain.Session, req domain.AIRequest) (domain.AIResponse, error)
}

// Server aggregates the forwarding endpoint's dependencies.
type Server struct {
	Cfg        config.Config
	Keys       KeyValidator
	Router     Dispatcher
	Perf       domain.PerfSink
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs the public HTTP surface.
func NewServer(cfg config.Config, keys KeyValidator, router Dispatcher, perf domain.PerfSink,
	dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Keys: keys, Router: router, Perf: perf, DBCheck: dbCheck, RedisCheck: redisCheck}
}

// bearerToken pulls the key value out of the Authorization header. The
// bearer scheme is the only authentication the gateway recognizes.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	scheme, value, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

// ChatCompletions validates the caller's key, routes the request through an
// upstream account and passes the provider-native body back with the gateway
// headers attached.
func (s *Server) ChatCompletions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := bearerToken(r)
		if !ok {
			writeFailure(w, fmt.Errorf("missing bearer token: %w", domain.ErrKeyNotFound))
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxChatBodyBytes)
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writeFailure(w, fmt.Errorf("%w: body: %v", domain.ErrInvalidArgument, err))
			return
		}
		var req chatRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			writeFailure(w, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument))
			return
		}
		aiReq, err := req.toDomain()
		if err != nil {
			writeFailure(w, err)
			return
		}

		ctx := r.Context()
		sess, err := s.Keys.Validate(ctx, key)
		if err != nil {
			LoggerFrom(r).Warn("admission refused",
				slog.String("code", domain.ErrorCode(err)),
				slog.String("keyPrefix", domain.KeyPrefixOf(key)))
			writeFailure(w, err)
			return
		}

		resp, err := s.Router.Route(ctx, sess, aiReq)
		if err != nil {
			LoggerFrom(r).Warn("route failed",
				slog.String("code", domain.ErrorCode(err)),
				slog.String("group", sess.GroupID),
				slog.Any("error", err))
			writeFailure(w, err)
			return
		}

		setGatewayHeaders(w, sess, resp)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if len(resp.Raw) > 0 {
			_, _ = w.Write(resp.Raw)
			return
		}
		// Adapters always capture the provider body; this is the fallback
		// for synthetic responses in tests.
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// setGatewayHeaders attaches the accounting trailer of a successful route.
func setGatewayHeaders(w http.ResponseWriter, sess domain.Session, resp domain.AIResponse) {
	w.Header().Set("X-Gateway-Account", resp.AccountUsed.ID)
	if sess.RemainingQuota != nil {
		w.Header().Set("X-Gateway-Remaining-Quota", strconv.FormatInt(*sess.RemainingQuota, 10))
	}
	if sess.ResetTime != nil {
		w.Header().Set("X-Gateway-Rate-Reset", strconv.FormatInt(sess.ResetTime.Unix(), 10))
	}
}

// ReadyzHandler probes the primary store and the cache.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			c := check{Name: "db", OK: true}
			if err := s.DBCheck(ctx); err != nil {
				c.OK, c.Details = false, err.Error()
			}
			checks = append(checks, c)
		}
		if s.RedisCheck != nil {
			c := check{Name: "redis", OK: true}
			if err := s.RedisCheck(ctx); err != nil {
				c.OK, c.Details = false, err.Error()
			}
			checks = append(checks, c)
		}
		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
