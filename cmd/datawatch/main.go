package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"datawatch/internal/app"
	"datawatch/internal/config"
	"datawatch/internal/query"
	"datawatch/pkg/systemd"
)

var version = "dev"

func main() {
	var (
		cfgPath     string
		validate    bool
		showVersion bool
	)
	flag.StringVar(&cfgPath, "config", "./datawatch.yaml", "path to config (json or yaml)")
	flag.BoolVar(&validate, "validate", false, "validate the config and exit")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("datawatch", version)
		return
	}
	if validate {
		if err := validateConfig(cfgPath); err != nil {
			fmt.Fprintln(os.Stderr, "invalid config:", err)
			os.Exit(1)
		}
		fmt.Println("config ok:", cfgPath)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var a *app.App
	a, err := app.NewApp(cfgPath, app.WithReloadNotify(func(done bool) {
		if !done {
			_, _ = systemd.Reloading()
			return
		}
		_, _ = systemd.Ready()
		_, _ = systemd.Status(fmt.Sprintf("%d schedules", a.Scheduler().Len()))
	}))
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	_, _ = systemd.Ready()
	_, _ = systemd.Status(fmt.Sprintf("%d schedules", a.Scheduler().Len()))
	go func() {
		_ = systemd.Watchdog(ctx, func() error {
			select {
			case <-a.Done():
				return errors.New("app stopped")
			default:
				return nil
			}
		})
	}()

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	reason := app.StopSIGTERM
	if ctx.Err() == nil {
		reason = app.StopFatalError
		if err := a.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
	}

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		os.Exit(1)
	}
}

func validateConfig(path string) error {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return err
	}
	descs, err := cfg.Descriptors()
	if err != nil {
		return err
	}
	for _, d := range descs {
		if _, err := query.Compile(d.Query); err != nil {
			return fmt.Errorf("%s: query: %w", d.SourceName, err)
		}
	}
	fmt.Printf("%d schedules\n", len(descs))
	return nil
}
