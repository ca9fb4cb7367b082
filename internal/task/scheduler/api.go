package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"reminderd/internal/task/engine"
	logx "reminderd/pkg/logx"
)

// AddSchedule parses schedule (see ParseSchedule) and registers the trigger.
// Adding a name that already exists replaces the previous schedule.
func (s *Service) AddSchedule(name, schedule string, job Job) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCron(name, ps.Cron, job)
	case SpecInterval:
		return s.AddInterval(name, ps.Every, job)
	case SpecDaily:
		return s.AddDaily(name, ps.At, job)
	default:
		return fmt.Errorf("unsupported schedule kind")
	}
}

func (s *Service) AddCron(name, spec string, job Job) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return s.add(name, spec, job)
}

func (s *Service) AddInterval(name string, every time.Duration, job Job) error {
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	return s.add(name, "@every "+every.String(), job)
}

// AddDaily fires every day at HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, job Job) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	return s.add(name, fmt.Sprintf("%d %d * * *", m, h), job)
}

func (s *Service) add(name, spec string, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job.Run == nil {
		return errors.New("job Run is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.removeScheduleLocked(name)
	s.defs = append(s.defs, scheduleDef{
		name:     name,
		spec:     spec,
		job:      job,
		inFlight: &atomic.Bool{},
		fired:    &atomic.Uint64{},
	})
	if s.c == nil {
		// Not started yet: registered when Start runs.
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return err
	}
	args := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.String("priority", job.Priority.String())}
	if next := s.previewNextRunsLocked(spec, 4); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

// Remove unschedules name. It reports whether something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Trigger submits name's job now, outside its schedule.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	var def *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			d := s.defs[i]
			def = &d
			break
		}
	}
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("schedule %q not found", name)
	}
	return s.fire(def)
}

// removeScheduleLocked removes all defs matching name and unregisters them from cron if running.
// Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

// fire enqueues one run of d, unless a previous run is still in flight.
func (s *Service) fire(d *scheduleDef) error {
	if !d.job.AllowOverlap && !d.inFlight.CompareAndSwap(false, true) {
		return ErrOverlapSkip
	}
	run := d.job.Run
	flag := d.inFlight
	_, err := s.exec.Enqueue(engine.Task{
		Name:     d.name,
		Priority: d.job.Priority,
		Timeout:  d.job.Timeout,
		Run: func(ctx context.Context) (any, error) {
			defer flag.Store(false)
			return run(ctx)
		},
	})
	if err != nil {
		flag.Store(false)
		return err
	}
	d.fired.Add(1)
	return nil
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	// Copy: d points into s.defs, which Remove compacts in place.
	def := *d
	job := cron.FuncJob(func() {
		if err := s.fire(&def); err != nil {
			s.reportEnqueueError(def.name, err)
		}
	})

	// Interval schedules get a random first-run delay so restarts don't line up.
	spec := strings.TrimSpace(d.spec)
	if strings.HasPrefix(spec, "@every") {
		every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(spec, "@every")))
		if err == nil && every > 0 {
			loc := s.loc
			if loc == nil {
				loc = time.Local
			}
			sched, jitter := makeIntervalScheduleWithSpread(every, time.Now().In(loc), d.name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		_ = s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns a short, human-friendly list of upcoming run times
// for the given cron spec. Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
