package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	hpprof "net/http/pprof"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	rtsup "reminderd/internal/runtime/supervisor"
	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
	logx "reminderd/pkg/logx"
)

// Reminders is the scheduler boundary. *reminder.Service implements it.
type Reminders interface {
	AddDueItem(ctx context.Context, owner int64, payload string, at time.Time, tz string) (bool, string)
	Cancel(ctx context.Context, owner int64, at time.Time) (bool, string)
	ListDueItems(ctx context.Context, owner int64) []storage.DueItem
	SetTimezone(ctx context.Context, owner int64, tz string) (bool, string)
	GetTimezone(ctx context.Context, owner int64) string
	ParseNaturalTime(text, tz string) (time.Time, bool)
	NextDue(ctx context.Context) (time.Time, bool)
}

// Tasks is the executor view. *engine.Service implements it.
type Tasks interface {
	GetMetrics() engine.Metrics
	History(limit int) []engine.Result
	Snapshot() engine.Snapshot
}

// Store is the storage health view. *storage.Store implements it.
type Store interface {
	Ping(ctx context.Context) error
	Stats() storage.Stats
}

type Deps struct {
	Reminders Reminders
	Tasks     Tasks
	Store     Store
	// Started is the daemon start time reported by /healthz.
	Started time.Time
	// Runtime reports the daemon's supervised goroutines; nil hides them.
	Runtime func() rtsup.Snapshot
}

type server struct {
	deps Deps
	log  logx.Logger
}

// Handler builds the ops router. Every route except /healthz sits behind the token when one is set.
func Handler(cfg Config, deps Deps, log logx.Logger) http.Handler {
	s := &server{deps: deps, log: log}
	r := chi.NewRouter()
	r.Use(requestID, middleware.RealIP, s.requestLog, middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.Get("/metrics", s.metrics)
		r.Get("/api/tasks", s.tasks)
		r.Get("/api/runtime", s.runtime)
		r.Get("/api/owners/{owner}/items", s.listItems)
		r.Post("/api/owners/{owner}/items", s.addItem)
		r.Delete("/api/owners/{owner}/items/{at}", s.cancelItem)
		r.Get("/api/owners/{owner}/timezone", s.getTimezone)
		r.Put("/api/owners/{owner}/timezone", s.setTimezone)
		r.Post("/api/parse", s.parse)

		if cfg.Pprof {
			prefix := normalizePrefix(cfg.PprofPrefix)
			base := strings.TrimSuffix(prefix, "/")
			r.Get(base, func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
			})
			r.HandleFunc(prefix+"*", pprofIndexAt(prefix))
			r.HandleFunc(base+"/cmdline", hpprof.Cmdline)
			r.HandleFunc(base+"/profile", hpprof.Profile)
			r.HandleFunc(base+"/symbol", hpprof.Symbol)
			r.HandleFunc(base+"/trace", hpprof.Trace)
		}
	})
	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())))
	})
}

func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Accept either "Authorization: Bearer <token>" or ?token=<token>.
			if got := r.URL.Query().Get("token"); got != "" {
				if tokenMatches(got, tok) {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") && tokenMatches(strings.TrimSpace(strings.TrimPrefix(ah, "Bearer ")), tok) {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok"}
	if !s.deps.Started.IsZero() {
		body["uptime"] = time.Since(s.deps.Started).Round(time.Second).String()
	}
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["store"] = err.Error()
		}
	}
	if s.deps.Runtime != nil {
		snap := s.deps.Runtime()
		var restarts uint64
		for _, g := range snap.Goroutines {
			restarts += g.Restarts
		}
		body["goroutines"] = snap.Counters.Active
		body["restarts"] = restarts
		if snap.FirstError != "" {
			status = http.StatusServiceUnavailable
			body["status"] = "failing"
			body["error"] = snap.FirstError
		}
	}
	writeJSON(w, status, body)
}

func (s *server) runtime(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Runtime == nil {
		writeError(w, http.StatusNotFound, "runtime snapshot unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Runtime())
}

func (s *server) metrics(w http.ResponseWriter, r *http.Request) {
	var b strings.Builder
	if s.deps.Tasks != nil {
		m := s.deps.Tasks.GetMetrics()
		fmt.Fprintf(&b, "reminderd_tasks_submitted_total %d\n", m.Submitted)
		fmt.Fprintf(&b, "reminderd_tasks_succeeded_total %d\n", m.Succeeded)
		fmt.Fprintf(&b, "reminderd_tasks_failed_total %d\n", m.Failed)
		fmt.Fprintf(&b, "reminderd_tasks_retried_total %d\n", m.Retried)
		fmt.Fprintf(&b, "reminderd_tasks_dropped_total %d\n", m.Dropped)
		fmt.Fprintf(&b, "reminderd_tasks_timed_out_total %d\n", m.TimedOut)
		fmt.Fprintf(&b, "reminderd_tasks_active %d\n", m.Active)
		fmt.Fprintf(&b, "reminderd_task_execution_seconds_avg %g\n", m.AvgExecutionTime.Seconds())
		fmt.Fprintf(&b, "reminderd_tasks_success_percent %g\n", m.SuccessRate())
		prios := make([]string, 0, len(m.QueueDepths))
		for p := range m.QueueDepths {
			prios = append(prios, p)
		}
		sort.Strings(prios)
		for _, p := range prios {
			fmt.Fprintf(&b, "reminderd_queue_depth{priority=%q} %d\n", p, m.QueueDepths[p])
		}
	}
	if s.deps.Store != nil {
		st := s.deps.Store.Stats()
		fmt.Fprintf(&b, "reminderd_db_open_connections %d\n", st.OpenConns)
		fmt.Fprintf(&b, "reminderd_db_in_use %d\n", st.InUse)
		fmt.Fprintf(&b, "reminderd_db_wait_count_total %d\n", st.WaitCount)
		fmt.Fprintf(&b, "reminderd_cache_entries %d\n", st.CachedEntries)
	}
	if s.deps.Reminders != nil {
		if next, ok := s.deps.Reminders.NextDue(r.Context()); ok {
			fmt.Fprintf(&b, "reminderd_next_due_timestamp_seconds %d\n", next.Unix())
		}
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}

func (s *server) tasks(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"history":  s.deps.Tasks.History(limit),
		"snapshot": s.deps.Tasks.Snapshot(),
	})
}

func ownerParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	owner, err := strconv.ParseInt(chi.URLParam(r, "owner"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "owner must be an integer")
		return 0, false
	}
	return owner, true
}

type itemView struct {
	DueAt     time.Time `json:"due_at"`
	Local     string    `json:"local"`
	Payload   string    `json:"payload"`
	Timezone  string    `json:"timezone"`
	ChannelID int64     `json:"channel_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func viewOf(it storage.DueItem) itemView {
	v := itemView{DueAt: it.DueAt.UTC(), Payload: it.Payload, Timezone: it.Timezone, ChannelID: it.ChannelID, CreatedAt: it.CreatedAt.UTC()}
	if loc, err := time.LoadLocation(it.Timezone); err == nil {
		v.Local = it.DueAt.In(loc).Format(time.RFC3339)
	}
	return v
}

func (s *server) listItems(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	items := s.deps.Reminders.ListDueItems(r.Context(), owner)
	out := make([]itemView, 0, len(items))
	for _, it := range items {
		out = append(out, viewOf(it))
	}
	writeJSON(w, http.StatusOK, out)
}

type addRequest struct {
	When string `json:"when"`
	Text string `json:"text"`
	// Timezone overrides the owner's stored zone for parsing and display.
	Timezone string `json:"timezone,omitempty"`
}

func (s *server) addItem(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.When, req.Text = strings.TrimSpace(req.When), strings.TrimSpace(req.Text)
	if req.When == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "when and text are required")
		return
	}
	tz := req.Timezone
	if tz == "" {
		tz = s.deps.Reminders.GetTimezone(r.Context(), owner)
	}
	at, parsed := s.deps.Reminders.ParseNaturalTime(req.When, tz)
	if !parsed {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("could not parse time %q", req.When))
		return
	}
	added, reason := s.deps.Reminders.AddDueItem(r.Context(), owner, req.Text, at, tz)
	if !added {
		writeJSON(w, http.StatusConflict, result{OK: false, Reason: reason})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "reason": reason, "due_at": at.UTC()})
}

// parseAt accepts RFC3339 or unix milliseconds.
func parseAt(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func (s *server) cancelItem(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	at, err := parseAt(chi.URLParam(r, "at"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "at must be RFC3339 or unix milliseconds")
		return
	}
	cancelled, reason := s.deps.Reminders.Cancel(r.Context(), owner, at)
	status := http.StatusOK
	if !cancelled {
		status = http.StatusNotFound
	}
	writeJSON(w, status, result{OK: cancelled, Reason: reason})
}

func (s *server) getTimezone(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"timezone": s.deps.Reminders.GetTimezone(r.Context(), owner)})
}

func (s *server) setTimezone(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Timezone string `json:"timezone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	set, reason := s.deps.Reminders.SetTimezone(r.Context(), owner, strings.TrimSpace(req.Timezone))
	status := http.StatusOK
	if !set {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, result{OK: set, Reason: reason})
}

func (s *server) parse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text     string `json:"text"`
		Timezone string `json:"timezone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	at, ok := s.deps.Reminders.ParseNaturalTime(req.Text, req.Timezone)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "at": at.UTC(), "local": at.Format(time.RFC3339)})
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index assumes requests are rooted at /debug/pprof/; rewrite the path
// so custom prefixes work.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, canon)
		hpprof.Index(w, r2)
	}
}
