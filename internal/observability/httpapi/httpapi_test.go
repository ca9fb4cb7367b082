package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	rtsup "reminderd/internal/runtime/supervisor"
	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
	logx "reminderd/pkg/logx"
)

type fakeReminders struct {
	mu    sync.Mutex
	items map[int64][]storage.DueItem
	tz    map[int64]string
}

func newFakeReminders() *fakeReminders {
	return &fakeReminders{items: map[int64][]storage.DueItem{}, tz: map[int64]string{}}
}

func (f *fakeReminders) AddDueItem(_ context.Context, owner int64, payload string, at time.Time, tz string) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items[owner] {
		if it.DueAt.Equal(at) {
			return false, "duplicate"
		}
	}
	f.items[owner] = append(f.items[owner], storage.DueItem{OwnerID: owner, DueAt: at, Payload: payload, Timezone: tz})
	return true, "added"
}

func (f *fakeReminders) Cancel(_ context.Context, owner int64, at time.Time) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.items[owner]
	for i, it := range items {
		if it.DueAt.Equal(at) {
			f.items[owner] = append(items[:i], items[i+1:]...)
			return true, "cancelled"
		}
	}
	return false, "not found"
}

func (f *fakeReminders) ListDueItems(_ context.Context, owner int64) []storage.DueItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.DueItem(nil), f.items[owner]...)
}

func (f *fakeReminders) SetTimezone(_ context.Context, owner int64, tz string) (bool, string) {
	if _, err := time.LoadLocation(tz); err != nil || tz == "" {
		return false, "unknown timezone"
	}
	f.mu.Lock()
	f.tz[owner] = tz
	f.mu.Unlock()
	return true, "timezone set"
}

func (f *fakeReminders) GetTimezone(_ context.Context, owner int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tz, ok := f.tz[owner]; ok {
		return tz
	}
	return "UTC"
}

// ParseNaturalTime understands only "in 1 hour" relative to a fixed instant.
func (f *fakeReminders) ParseNaturalTime(text, _ string) (time.Time, bool) {
	if text == "in 1 hour" {
		return time.Date(2030, 1, 1, 13, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

func (f *fakeReminders) NextDue(context.Context) (time.Time, bool) {
	return time.Unix(1893456000, 0), true
}

type fakeTasks struct{}

func (fakeTasks) GetMetrics() engine.Metrics {
	return engine.Metrics{Submitted: 3, Succeeded: 2, Failed: 1, QueueDepths: map[string]int{"high": 1, "low": 0}}
}

func (fakeTasks) History(limit int) []engine.Result {
	out := []engine.Result{{TaskID: "a", Name: "deliver"}, {TaskID: "b", Name: "purge_expired"}}
	if limit < len(out) {
		out = out[:limit]
	}
	return out
}

func (fakeTasks) Snapshot() engine.Snapshot { return engine.Snapshot{Enabled: true, Running: true} }

type fakeStore struct{ err error }

func (s fakeStore) Ping(context.Context) error { return s.err }
func (fakeStore) Stats() storage.Stats         { return storage.Stats{Driver: "sqlite", OpenConns: 1} }

func newTestServer(t *testing.T, cfg Config, st Store) (*httptest.Server, *fakeReminders) {
	t.Helper()
	rem := newFakeReminders()
	srv := httptest.NewServer(Handler(cfg, Deps{Reminders: rem, Tasks: fakeTasks{}, Store: st, Started: time.Now()}, logx.Nop()))
	t.Cleanup(srv.Close)
	return srv, rem
}

func do(t *testing.T, method, url, body string, hdr map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var m map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&m)
	return resp, m
}

func TestHealthzReportsStore(t *testing.T) {
	t.Parallel()
	ok, _ := newTestServer(t, Config{}, fakeStore{})
	resp, body := do(t, http.MethodGet, ok.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("missing request id header")
	}

	bad, _ := newTestServer(t, Config{}, fakeStore{err: errors.New("db down")})
	resp, body = do(t, http.MethodGet, bad.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("healthz degraded = %d %v", resp.StatusCode, body)
	}
}

func TestHealthzReportsRuntime(t *testing.T) {
	t.Parallel()
	snap := rtsup.Snapshot{
		Counters: rtsup.Counters{Active: 4, Started: 6},
		Goroutines: []rtsup.GoroutineStats{
			{Name: "reminder.loop", Active: 1, Restarts: 2},
			{Name: "config.watch", Active: 1},
		},
	}
	var mu sync.Mutex
	runtime := func() rtsup.Snapshot {
		mu.Lock()
		defer mu.Unlock()
		return snap
	}
	srv := httptest.NewServer(Handler(Config{Token: "t"}, Deps{Store: fakeStore{}, Runtime: runtime}, logx.Nop()))
	t.Cleanup(srv.Close)

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || body["goroutines"] != float64(4) || body["restarts"] != float64(2) {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/api/runtime", "", map[string]string{"Authorization": "Bearer t"})
	gs, _ := body["goroutines"].([]any)
	if resp.StatusCode != http.StatusOK || len(gs) != 2 {
		t.Fatalf("runtime = %d %v", resp.StatusCode, body)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/api/runtime", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("runtime without token = %d", resp.StatusCode)
	}

	mu.Lock()
	snap.FirstError = "reminder.loop: gave up"
	mu.Unlock()
	resp, body = do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || body["status"] != "failing" {
		t.Fatalf("healthz failing = %d %v", resp.StatusCode, body)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, Config{Token: "s3cret"}, fakeStore{})

	cases := []struct {
		name string
		url  string
		hdr  map[string]string
		want int
	}{
		{"no token", "/api/tasks", nil, http.StatusUnauthorized},
		{"bad bearer", "/api/tasks", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", "/api/tasks", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"token prefix", "/api/tasks", map[string]string{"Authorization": "Bearer s3cre"}, http.StatusUnauthorized},
		{"token longer", "/api/tasks?token=s3cret2", nil, http.StatusUnauthorized},
		{"query", "/api/tasks?token=s3cret", nil, http.StatusOK},
		{"bad query wins over header", "/api/tasks?token=x", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusUnauthorized},
		{"healthz open", "/healthz", nil, http.StatusOK},
	}
	for _, tc := range cases {
		resp, _ := do(t, http.MethodGet, srv.URL+tc.url, "", tc.hdr)
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.want)
		}
	}
}

func TestItemLifecycle(t *testing.T) {
	t.Parallel()
	srv, rem := newTestServer(t, Config{}, fakeStore{})
	base := srv.URL + "/api/owners/7/items"

	resp, body := do(t, http.MethodPost, base, `{"when":"in 1 hour","text":"stretch"}`, nil)
	if resp.StatusCode != http.StatusCreated || body["ok"] != true {
		t.Fatalf("add = %d %v", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodPost, base, `{"when":"in 1 hour","text":"again"}`, nil)
	if resp.StatusCode != http.StatusConflict || body["reason"] != "duplicate" {
		t.Fatalf("duplicate add = %d %v", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodPost, base, `{"when":"whenever","text":"x"}`, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unparseable add = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/owners/abc/items", `{"when":"in 1 hour","text":"x"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad owner = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, base, nil)
	lr, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var list []itemView
	if err := json.NewDecoder(lr.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	lr.Body.Close()
	if len(list) != 1 || list[0].Payload != "stretch" || list[0].Local == "" {
		t.Fatalf("list = %+v", list)
	}

	at := time.Date(2030, 1, 1, 13, 0, 0, 0, time.UTC)
	resp, body = do(t, http.MethodDelete, base+"/"+at.Format(time.RFC3339), "", nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("cancel = %d %v", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodDelete, base+"/"+strconv.FormatInt(at.UnixMilli(), 10), "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second cancel = %d", resp.StatusCode)
	}
	if n := len(rem.ListDueItems(context.Background(), 7)); n != 0 {
		t.Fatalf("items left = %d", n)
	}
}

func TestTimezoneAndParse(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, Config{}, fakeStore{})

	resp, body := do(t, http.MethodPut, srv.URL+"/api/owners/9/timezone", `{"timezone":"Europe/Berlin"}`, nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("set tz = %d %v", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodPut, srv.URL+"/api/owners/9/timezone", `{"timezone":"Mars/Olympus"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad tz = %d %v", resp.StatusCode, body)
	}
	_, body = do(t, http.MethodGet, srv.URL+"/api/owners/9/timezone", "", nil)
	if body["timezone"] != "Europe/Berlin" {
		t.Fatalf("get tz = %v", body)
	}

	_, body = do(t, http.MethodPost, srv.URL+"/api/parse", `{"text":"in 1 hour"}`, nil)
	if body["ok"] != true || body["at"] != "2030-01-01T13:00:00Z" {
		t.Fatalf("parse = %v", body)
	}
	_, body = do(t, http.MethodPost, srv.URL+"/api/parse", `{"text":"someday"}`, nil)
	if body["ok"] != false {
		t.Fatalf("parse miss = %v", body)
	}
}

func TestMetricsExposition(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, Config{}, fakeStore{})
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"reminderd_tasks_submitted_total 3",
		`reminderd_queue_depth{priority="high"} 1`,
		"reminderd_db_open_connections 1",
		"reminderd_next_due_timestamp_seconds 1893456000",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics missing %q:\n%s", want, out)
		}
	}
}

func TestTasksLimit(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, Config{}, fakeStore{})
	_, body := do(t, http.MethodGet, srv.URL+"/api/tasks?limit=1", "", nil)
	hist, _ := body["history"].([]any)
	if len(hist) != 1 {
		t.Fatalf("history = %v", body["history"])
	}
	resp, _ := do(t, http.MethodGet, srv.URL+"/api/tasks?limit=-2", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative limit = %d", resp.StatusCode)
	}
}

func TestPprofCustomPrefix(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, Config{Pprof: true, PprofPrefix: "ops/pprof"}, fakeStore{})
	resp, err := http.Get(srv.URL + "/ops/pprof/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof index = %d", resp.StatusCode)
	}
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{"": "/debug/pprof/", "x": "/x/", "/a/b/": "/a/b/"} {
		if got := normalizePrefix(in); got != want {
			t.Fatalf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestServiceServesOnLoopback(t *testing.T) {
	t.Parallel()
	if !isLoopbackAddr("127.0.0.1:0") || isLoopbackAddr("0.0.0.0:80") {
		t.Fatal("isLoopbackAddr misclassified")
	}
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{Tasks: fakeTasks{}}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for svc.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	addr := svc.Addr()
	if addr == "" {
		t.Fatal("server never bound")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
}
