package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/aicarpool/gateway/internal/config"
	"github.com/aicarpool/gateway/internal/domain"
	"github.com/aicarpool/gateway/internal/service/scheduler"
)

// QueueIntrospector exposes the usage queue's counters.
type QueueIntrospector interface {
	Stats(ctx domain.Context) domain.QueueStats
	RecentBatches() []domain.BatchStats
}

// PoolReader serves the precomputed account pool for one provider.
type PoolReader interface {
	Pool(ctx domain.Context, providerID string) (domain.AccountPool, error)
}

// FlagAdmin is the administrative slice of the feature-flag service.
type FlagAdmin interface {
	List(ctx context.Context) ([]domain.FeatureFlag, error)
	EnableFeature(ctx context.Context, name string, phase domain.FlagPhase) error
	DisableFeature(ctx context.Context, name string) error
	PromoteFeature(ctx context.Context, name string) error
	RollbackFeature(ctx context.Context, name string) error
	SetRollout(ctx context.Context, name string, percent float64) error
	EmergencyDisableAllOptimizations(ctx context.Context) error
	RestoreAllOptimizations(ctx context.Context) error
}

// MetricsReader exposes the monitor's snapshot and alert history.
type MetricsReader interface {
	Metrics() (domain.PerformanceMetrics, bool)
	Alerts(ctx domain.Context, n int64) ([]domain.PerfAlert, error)
}

// JobAdmin exposes the scheduler to the management plane.
type JobAdmin interface {
	Statuses() []scheduler.JobStatus
	RunNow(ctx domain.Context, name string) error
}

// Admin serves the management plane's introspection endpoints. Everything
// under /admin sits behind the constant bearer token and an IP rate limit.
type Admin struct {
	cfg     config.Config
	queue   QueueIntrospector
	pools   PoolReader
	flags   FlagAdmin
	monitor MetricsReader
	jobs    JobAdmin
	log     *slog.Logger
}

// NewAdmin constructs the admin API.
func NewAdmin(cfg config.Config, queue QueueIntrospector, pools PoolReader, flags FlagAdmin,
	monitor MetricsReader, jobs JobAdmin, log *slog.Logger) *Admin {
	if log == nil {
		log = slog.Default()
	}
	return &Admin{cfg: cfg, queue: queue, pools: pools, flags: flags, monitor: monitor, jobs: jobs, log: log}
}

// Mount attaches the admin routes under /admin.
func (a *Admin) Mount(r chi.Router) {
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(httprate.LimitByIP(a.cfg.AdminRatePerMin, time.Minute))
		ar.Use(a.guard)
		ar.Get("/queue/stats", a.queueStats)
		ar.Get("/pool/{provider}", a.poolSnapshot)
		ar.Get("/flags", a.listFlags)
		ar.Post("/flags", a.mutateFlag)
		ar.Get("/monitor/metrics", a.monitorMetrics)
		ar.Get("/monitor/alerts", a.monitorAlerts)
		ar.Get("/jobs", a.jobStatuses)
		ar.Post("/jobs/{name}/run", a.runJob)
	})
}

// guard admits only callers presenting the exact admin token. The compare is
// constant-time so the token cannot be probed byte by byte.
func (a *Admin) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || a.cfg.AdminToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.AdminToken)) != 1 {
			writeFailure(w, fmt.Errorf("invalid admin token: %w", domain.ErrKeyNotFound))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// queueStatsResponse extends the live counters with the bounded flush
// history so operators can see how the last batches behaved.
type queueStatsResponse struct {
	domain.QueueStats
	RecentBatches []domain.BatchStats `json:"recentBatches"`
}

func (a *Admin) queueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, queueStatsResponse{
		QueueStats:    a.queue.Stats(r.Context()),
		RecentBatches: a.queue.RecentBatches(),
	})
}

func (a *Admin) poolSnapshot(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	pool, err := a.pools.Pool(r.Context(), providerID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

func (a *Admin) listFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := a.flags.List(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	if flags == nil {
		flags = []domain.FeatureFlag{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"flags": flags})
}

// flagMutation is one administrative flag action. Flag is unused for the
// whole-registry actions (emergency-disable, restore).
type flagMutation struct {
	Action  string  `json:"action" validate:"required,oneof=enable disable promote rollback set-rollout emergency-disable restore"`
	Flag    string  `json:"flag" validate:"omitempty,max=128"`
	Phase   string  `json:"phase" validate:"omitempty,oneof=canary gradual majority full"`
	Percent float64 `json:"percent" validate:"gte=0,lte=100"`
}

func (a *Admin) mutateFlag(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req flagMutation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument))
		return
	}
	if err := getValidator().Struct(req); err != nil {
		writeFailure(w, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, validationDetail(err)))
		return
	}

	ctx := r.Context()
	var err error
	switch req.Action {
	case "emergency-disable":
		err = a.flags.EmergencyDisableAllOptimizations(ctx)
	case "restore":
		err = a.flags.RestoreAllOptimizations(ctx)
	default:
		if req.Flag == "" {
			writeFailure(w, fmt.Errorf("%w: flag required for action %s", domain.ErrInvalidArgument, req.Action))
			return
		}
		switch req.Action {
		case "enable":
			phase := domain.FlagPhase(req.Phase)
			if req.Phase == "" {
				phase = domain.PhaseCanary
			}
			err = a.flags.EnableFeature(ctx, req.Flag, phase)
		case "disable":
			err = a.flags.DisableFeature(ctx, req.Flag)
		case "promote":
			err = a.flags.PromoteFeature(ctx, req.Flag)
		case "rollback":
			err = a.flags.RollbackFeature(ctx, req.Flag)
		case "set-rollout":
			err = a.flags.SetRollout(ctx, req.Flag, req.Percent)
		}
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	a.log.Info("flag action applied",
		slog.String("action", req.Action),
		slog.String("flag", req.Flag))
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *Admin) monitorMetrics(w http.ResponseWriter, r *http.Request) {
	m, ok := a.monitor.Metrics()
	body := struct {
		Available bool                       `json:"available"`
		Metrics   *domain.PerformanceMetrics `json:"metrics,omitempty"`
	}{Available: ok}
	if ok {
		body.Metrics = &m
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *Admin) monitorAlerts(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	alerts, err := a.monitor.Alerts(r.Context(), n)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if alerts == nil {
		alerts = []domain.PerfAlert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (a *Admin) jobStatuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": a.jobs.Statuses()})
}

// runJob fires a job without waiting for it; long jobs would outlive the
// request deadline. Outcome lands in the job's status and the logs.
func (a *Admin) runJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	known := false
	for _, st := range a.jobs.Statuses() {
		if st.Name == name {
			known = true
			break
		}
	}
	if !known {
		writeFailure(w, fmt.Errorf("%w: unknown job %q", domain.ErrInvalidArgument, name))
		return
	}
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := a.jobs.RunNow(ctx, name); err != nil {
			a.log.Warn("manual job trigger failed",
				slog.String("job", name),
				slog.Any("error", err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"job": name, "status": "triggered"})
}
