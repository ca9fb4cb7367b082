package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"reminderd/internal/config"
	"reminderd/internal/eventbus"
	"reminderd/internal/observability/httpapi"
	"reminderd/internal/reminder"
	rtsup "reminderd/internal/runtime/supervisor"
	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
	"reminderd/internal/task/scheduler"
	"reminderd/internal/transport/telegram"
	logx "reminderd/pkg/logx"
)

const (
	housekeepingJob = "housekeeping"

	// stopOverhead covers every stop step except the executor's grace.
	stopOverhead = 15 * time.Second

	maxLoopRestarts = 10
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *rtsup.Supervisor
	started time.Time

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.Store

	engine *engine.Service
	rem    *reminder.Service
	sched  *scheduler.Service
	bot    *telegram.Bot // nil without a token
	http   *httpapi.Service

	housekeeping string
}

// NewApp loads the config and builds every component. Nothing runs until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.Component("app"))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage opened", logx.String("driver", store.Stats().Driver))

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	eng := engine.New(engCfg, log, bus)

	tgCfg, tgEnabled, err := mapTelegramConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	var (
		bot     *telegram.Bot
		deliver reminder.Deliverer = logDeliverer(log)
	)
	if tgEnabled {
		bot, err = telegram.New(tgCfg, log)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("telegram: %w", err)
		}
		deliver = telegram.NewDeliverer(bot, tgCfg, log)
	} else {
		appLog.Warn("telegram token not set; deliveries are only logged")
	}

	remCfg, err := mapRemindersConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	rem := reminder.New(remCfg, store, eng, deliver, log, bus,
		reminder.WithDefaultTimezone(sc.DefaultTimezone))

	if bot != nil {
		bot.Handle(telegram.NewCommands(rem, tgCfg, log))
	}

	schedCfg, hkSpec := mapSchedulerConfig(cfg)
	sched := scheduler.New(schedCfg, eng, log, bus)

	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a := &App{
		cfgPath:      cfgPath,
		cfgm:         cfgm,
		log:          appLog,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		engine:       eng,
		rem:          rem,
		sched:        sched,
		bot:          bot,
		housekeeping: hkSpec,
	}
	a.http = httpapi.New(httpCfg, httpapi.Deps{
		Reminders: rem,
		Tasks:     eng,
		Store:     store,
		Started:   time.Now(),
		Runtime:   a.runtimeSnapshot,
	}, log)
	return a, nil
}

// runtimeSnapshot is nil-safe before Start: a nil supervisor yields an empty snapshot.
func (a *App) runtimeSnapshot() rtsup.Snapshot { return a.sup.Snapshot() }

// logDeliverer stands in for a transport when none is configured.
func logDeliverer(log logx.Logger) reminder.Deliverer {
	log = log.With(logx.Component("deliver"))
	return reminder.DelivererFunc(func(_ context.Context, d reminder.Delivery) error {
		log.Info("reminder due",
			logx.Owner(d.OwnerID),
			logx.Int64("channel", d.ChannelID),
			logx.Time("due_at", d.LocalDueAt()),
			logx.String("payload", d.Payload))
		return nil
	})
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Healthy reports whether the store answers and the supervisor is live.
// The systemd watchdog pings only while it holds.
func (a *App) Healthy(ctx context.Context) bool {
	if a.sup == nil || a.sup.Context().Err() != nil {
		return false
	}
	return a.store.Ping(ctx) == nil
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.Component("config")))

	// Not tied to runCtx: Stop cancels the supervisor first, and in-flight
	// tasks still get the engine's StopGrace.
	a.engine.Start(context.WithoutCancel(runCtx))

	if err := a.rem.LoadFailures(runCtx); err != nil {
		return fmt.Errorf("load delivery failures: %w", err)
	}
	// Run recovers per-iteration panics itself; a loop that still keeps
	// crashing fails the daemon so systemd can restart it.
	a.sup.GoRestart("reminder.loop", a.rem.Run,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithMaxRestarts(maxLoopRestarts),
		rtsup.WithPublishFirstError(true),
	)
	a.sup.GoRestart("reminder.failures", a.rem.RunFailureWriter,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
	)

	if err := a.addHousekeeping(a.housekeeping); err != nil {
		return err
	}
	a.sched.Start(runCtx)

	if a.bot != nil {
		if err := a.bot.Start(runCtx); err != nil {
			return err
		}
	}
	a.http.Start(runCtx)

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Bool("telegram", a.bot != nil),
		logx.Bool("http", a.cfgm.Get().HTTP.Enabled),
		logx.String("housekeeping", a.housekeeping))
	return nil
}

func (a *App) addHousekeeping(spec string) error {
	err := a.sched.AddSchedule(housekeepingJob, spec, scheduler.Job{
		Priority: engine.PriorityLow,
		Run:      a.rem.Housekeeping,
	})
	if err != nil {
		return fmt.Errorf("scheduler.housekeeping: %w", err)
	}
	return nil
}

// logEvents mirrors bus traffic at debug level; misses and failures are warnings.
func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.ReminderMissed, eventbus.ReminderFailed, eventbus.TaskDropped:
				a.log.Warn("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			default:
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: apply only the newest pending config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig hot-applies logging, http and scheduler changes; other sections
// wait for a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sum := config.SummarizeConfigChange(prev, next)
	if len(sum.Changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(next))

	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	schedCfg, hkSpec := mapSchedulerConfig(next)
	wasEnabled := a.sched.Enabled()
	a.sched.Apply(schedCfg)
	if hkSpec != a.housekeeping {
		if err := a.addHousekeeping(hkSpec); err != nil {
			a.log.Warn("housekeeping schedule rejected; keeping previous", logx.Err(err))
		} else {
			a.housekeeping = hkSpec
		}
	}
	switch {
	case wasEnabled && !schedCfg.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
		a.log.Info("scheduler disabled via config")
	case !wasEnabled && schedCfg.Enabled:
		a.sched.Start(ctx)
		a.log.Info("scheduler enabled via config")
	}

	if len(sum.RestartRequired) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(sum.RestartRequired, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sum.Changed, ","))}, sum.Attrs...)
	a.log.Info("config reloaded", fields...)
}

// StopTimeout is a deadline for Stop that leaves the executor its full grace.
func (a *App) StopTimeout() time.Duration {
	return a.engine.Config().StopGrace + stopOverhead
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Steps run in order: intake first (telegram, http, scheduler), then the
	// executor drains, then the store closes.
	a.step(ctx, "telegram", 2*time.Second, func(c context.Context) error {
		if a.bot != nil {
			return a.bot.Stop(c)
		}
		return nil
	})
	a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", a.engine.Config().StopGrace+6*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	// Reminder loop and failure writer exit on cancel; the writer flushes before returning.
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.Duration("uptime", time.Since(a.started)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by limit so a stuck component cannot stall
// the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
