package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli/v2"

	"reminderd/internal/app"
	"reminderd/internal/storage"
	"reminderd/internal/timeparse"
	logx "reminderd/pkg/logx"

	// Embedded zone database so owner timezones resolve on minimal hosts.
	_ "time/tzdata"
)

const (
	flagConfig = "config"
	flagTZ     = "tz"
	flagLevel  = "log-level"
)

func main() {
	cliApp := &cli.App{
		Name:  "reminderd",
		Usage: "event-driven reminder scheduler",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagLevel, Value: "info", Usage: "console log level for one-shot commands"},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the daemon",
				Flags:  []cli.Flag{configFlag()},
				Action: serve,
			},
			{
				Name:      "parse",
				Usage:     "parse a natural time expression and print the result",
				ArgsUsage: "<text>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagTZ, Value: storage.DefaultTimezone, Usage: "IANA timezone to interpret text in"},
				},
				Action: parse,
			},
			{
				Name:   "purge",
				Usage:  "delete reminders past the grace window and exit",
				Flags:  []cli.Flag{configFlag()},
				Action: purge,
			},
		},
		DefaultCommand: "serve",
	}
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    flagConfig,
		Aliases: []string{"c"},
		Value:   "./config.yaml",
		Usage:   "path to the config file (.json, .yaml or .yml)",
		EnvVars: []string{"REMINDERD_CONFIG"},
	}
}

func serve(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(ctx, c.String(flagConfig))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), a.StopTimeout())
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	notify(daemon.SdNotifyReady)

	wdDone := make(chan struct{})
	go watchdog(ctx, a, wdDone)

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	close(wdDone)
	notify(daemon.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.Background(), a.StopTimeout())
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// watchdog pings systemd at half the configured WatchdogSec while the app is healthy.
func watchdog(ctx context.Context, a *app.App, done <-chan struct{}) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-t.C:
			hctx, cancel := context.WithTimeout(ctx, interval/4)
			ok := a.Healthy(hctx)
			cancel()
			if ok {
				notify(daemon.SdNotifyWatchdog)
			}
		}
	}
}

// notify is a no-op outside systemd (NOTIFY_SOCKET unset).
func notify(state string) {
	_, _ = daemon.SdNotify(false, state)
}

func parse(c *cli.Context) error {
	text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if text == "" {
		return cli.Exit("usage: reminderd parse [--tz ZONE] <text>", 2)
	}
	tz := c.String(flagTZ)
	at, ok := timeparse.ParseIn(text, tz, time.Now())
	if !ok {
		return cli.Exit(fmt.Sprintf("could not parse %q", text), 1)
	}
	fmt.Fprintf(c.App.Writer, "%s\n%s (UTC)\n", at.Format("Mon 2006-01-02 15:04:05 MST"), at.UTC().Format(time.RFC3339))
	return nil
}

func purge(c *cli.Context) error {
	log := logx.NewConsole(c.String(flagLevel))
	items, err := app.Purge(c.Context, c.String(flagConfig), log)
	if err != nil {
		return err
	}
	for _, it := range items {
		log.Info("purged", logx.Owner(it.OwnerID), logx.Time("due_at", it.DueAt), logx.String("payload", it.Payload))
	}
	fmt.Fprintf(c.App.Writer, "purged %d expired reminder(s)\n", len(items))
	return nil
}
