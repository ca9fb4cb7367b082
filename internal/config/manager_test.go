package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./reminders.db
  max_items_per_owner: 10
task_engine:
  workers: 3
  ema_factor: 0.2
reminders:
  max_sleep: 2m
scheduler:
  housekeeping: "@every 30m"
http:
  enabled: true
  addr: 127.0.0.1:9090
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "reminderd.yaml")
	writeFile(t, path, sampleYAML)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.MaxItemsPerOwner != 10 || cfg.TaskEngine.Workers != 3 || cfg.TaskEngine.EMAFactor != 0.2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if !cfg.EngineEnabled() || !cfg.SchedulerEnabled() {
		t.Fatal("omitted enabled flags should default to true")
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit the config")
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, file, body, want string
	}{
		{"unknown field", "c.json", `{"logging":{"level":"info"},"plugins":{}}`, "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad yaml", "c.yml", "logging: [", "yaml"},
	}
	for _, tc := range cases {
		_, err := Decode(tc.file, []byte(tc.body))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err = %v, want containing %q", tc.name, err, tc.want)
		}
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("reminderd.yaml", nil)
	if err != nil || cfg == nil {
		t.Fatalf("Decode(empty) = %v, %v", cfg, err)
	}
	if cfg.Storage.Driver != "" || cfg.HTTP.Enabled {
		t.Fatalf("empty yaml should decode to the zero config: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	off := false
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"ok", Config{}, ""},
		{"bad level", Config{Logging: LoggingConfig{Level: "loud"}}, "logging.level"},
		{"bad driver", Config{Storage: StorageConfig{Driver: "mongo"}}, "storage.driver"},
		{"postgres needs dsn", Config{Storage: StorageConfig{Driver: "postgres"}}, "storage.dsn"},
		{"bad zone", Config{Storage: StorageConfig{DefaultTimezone: "Mars/Base"}}, "storage.default_timezone"},
		{"bad duration", Config{Reminders: RemindersConfig{MaxSleep: "soon"}}, "reminders.max_sleep"},
		{"negative duration", Config{HTTP: HTTPConfig{ReadTimeout: "-1s"}}, "http.read_timeout"},
		{"ema range", Config{TaskEngine: TaskEngineConfig{EMAFactor: 2}}, "ema_factor"},
		{"engine off with scheduler", Config{TaskEngine: TaskEngineConfig{Enabled: &off}}, "task_engine.enabled"},
		{"bad housekeeping", Config{Scheduler: SchedulerConfig{Housekeeping: "every:nope"}}, "scheduler.housekeeping"},
	}
	for _, tc := range cases {
		err := Validate(&tc.cfg)
		if tc.want == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err = %v, want containing %q", tc.name, err, tc.want)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Logging: LoggingConfig{Level: "info"}, Storage: StorageConfig{DSN: "postgres://secret"}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}, Storage: StorageConfig{DSN: "postgres://other"}, HTTP: HTTPConfig{Enabled: true}}

	s := SummarizeConfigChange(a, b)
	if got := strings.Join(s.Changed, ","); got != "http,logging,storage" {
		t.Fatalf("changed = %q", got)
	}
	if got := strings.Join(s.RestartRequired, ","); got != "storage" {
		t.Fatalf("restart required = %q", got)
	}
	if s2 := SummarizeConfigChange(b, b); len(s2.Changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", s2.Changed)
	}
}

func TestWatchPublishesValidReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reminderd.json")
	writeFile(t, path, `{"logging":{"level":"info"}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "error" {
			return errors.New("error level refused")
		}
		return nil
	})
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)

	writeFile(t, path, `{"logging":{"level":"error"}}`)
	select {
	case cfg := <-sub:
		t.Fatalf("rejected config was published: %+v", cfg.Logging)
	case <-time.After(time.Second):
	}

	writeFile(t, path, `{"logging":{"level":"debug"}}`)
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload was not published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("reload was not committed")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-sub; got != second {
		t.Fatal("slow subscriber should receive the newest config")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("Unsubscribe should close the channel")
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{" 0s ", 0, false},
		{"750ms", 750 * time.Millisecond, false},
		{"-1s", 0, true},
		{"later", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDuration("reminders.max_sleep", tc.raw)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("ParseDuration(%q) = %v, %v", tc.raw, got, err)
		}
		if err != nil && !strings.Contains(err.Error(), "reminders.max_sleep") {
			t.Fatalf("error %q does not name the field", err)
		}
	}
}
