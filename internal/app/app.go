// Package app wires datawatch together: config, logging, the variable
// store, fetcher, broker with its consumers, the scheduler, metrics, the
// fire audit log, and the ops HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"datawatch/internal/broker"
	"datawatch/internal/config"
	"datawatch/internal/fetch"
	"datawatch/internal/observability/httpserver"
	"datawatch/internal/observability/metrics"
	rtsup "datawatch/internal/runtime/supervisor"
	"datawatch/internal/storage"
	"datawatch/internal/task/producer"
	"datawatch/internal/task/scheduler"
	"datawatch/internal/variables"
	logx "datawatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	vars    *variables.Store
	broker  *broker.Broker
	sinks   []sink
	sched   *scheduler.Service
	metrics *metrics.Metrics
	audit   storage.Store
	auditq  *storage.Recorder
	http    *httpserver.Service

	reloadNotify func(done bool)
	stopTimeout  time.Duration
}

// Option customizes NewApp.
type Option func(*options)

type options struct {
	stdout  io.Writer
	fetcher producer.Fetcher
	reload  func(done bool)
}

// WithStdout redirects the stdout consumer.
func WithStdout(w io.Writer) Option { return func(o *options) { o.stdout = w } }

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f producer.Fetcher) Option { return func(o *options) { o.fetcher = f } }

// WithReloadNotify calls fn(false) before a reloaded config is applied and
// fn(true) after.
func WithReloadNotify(fn func(done bool)) Option { return func(o *options) { o.reload = fn } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	o := options{stdout: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	a := &App{cfgm: cfgm, log: log, logs: logSvc, reloadNotify: o.reload}

	// everything below was validated by validateRuntime
	fcfg, _ := mapFetchConfig(cfg)
	ss, _ := mapSchedulerConfig(cfg)
	bufSize, dropEvery, _ := mapBrokerConfig(cfg)
	hcfg, _ := mapHTTPConfig(cfg)
	a.stopTimeout = ss.StopTimeout

	a.vars = variables.New(cfg.ExpandedVariables())

	if o.fetcher == nil {
		o.fetcher = fetch.New(fcfg)
	}

	a.broker = broker.New(logSvc.Logger())
	a.broker.SetDropThrottle(logx.NewThrottle(dropEvery, 1))

	fail := func(err error) (*App, error) {
		_ = closeSinks(a.sinks, log)
		_ = a.auditq.Close(context.Background())
		if a.audit != nil {
			_ = a.audit.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	if a.sinks, err = openSinks(cfg, o.stdout, logSvc.Logger()); err != nil {
		return fail(err)
	}
	if err := subscribeSinks(a.broker, a.sinks, bufSize); err != nil {
		return fail(err)
	}

	if sc, enabled, _ := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, logSvc.Logger().With(logx.String("comp", "storage")))
		if err != nil {
			return fail(err)
		}
		a.audit = st
		a.auditq = storage.NewRecorder(st, 0, logSvc.Logger())
	}

	a.metrics = metrics.New(cfg.Metrics.Runtime)
	a.sched = scheduler.New(ss.Config, scheduler.Deps{
		Store:        a.vars,
		Publisher:    a.broker,
		Fetcher:      o.fetcher,
		Observer:     producer.Observers{a.metrics, a.auditq},
		Log:          logSvc.Logger(),
		WarnThrottle: logx.NewThrottle(ss.WarnEvery, 1),
	})

	if err := errors.Join(
		a.metrics.RegisterBroker(a.broker.Stats),
		a.metrics.RegisterUptime(time.Now()),
		a.metrics.RegisterGauge("storage", "audit_dropped", "Fire audit records dropped since start.",
			func() float64 { return float64(a.auditq.Dropped()) }),
		a.metrics.RegisterGauge("storage", "audit_failed", "Fire audit records the store rejected since start.",
			func() float64 { return float64(a.auditq.Failed()) }),
		a.metrics.RegisterGauge("scheduler", "producers", "Registered producers.",
			func() float64 { return float64(a.sched.Len()) }),
		a.metrics.RegisterGauge("scheduler", "goroutines_active", "Producer goroutines still running.",
			func() float64 { return float64(a.sched.Supervisor().Counters.Active) }),
		a.metrics.RegisterGauge("variables", "stored", "Entries in the variable store.",
			func() float64 { return float64(a.vars.Len()) }),
	); err != nil {
		return fail(err)
	}

	a.http = httpserver.New(hcfg, httpserver.Sources{
		Metrics:   a.metrics.Handler(),
		Schedules: func() any { return a.sched.Snapshot() },
		Broker:    func() any { return a.broker.Stats() },
		Variables: a.vars.Names,
		Fires:     a.recentFires,
		Ready:     a.ready,
	}, logSvc.Logger())

	return a, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Scheduler exposes the running scheduler.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Variables exposes the shared variable store.
func (a *App) Variables() *variables.Store { return a.vars }

// Broker exposes the measurement broker.
func (a *App) Broker() *broker.Broker { return a.broker }

// HTTPAddr is the bound ops address, or "" when the server is off.
func (a *App) HTTPAddr() string { return a.http.Addr() }

func (a *App) recentFires(ctx context.Context, source string, limit int) (any, error) {
	if a.audit == nil {
		return nil, httpserver.ErrNotConfigured
	}
	return a.audit.RecentFires(ctx, source, limit)
}

func (a *App) ready() error {
	if a.sup == nil || a.sup.Context().Err() != nil {
		return errors.New("not running")
	}
	return nil
}

// Start submits the configured schedules and starts the background loops.
// A rejected schedule fails Start and nothing is left running.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := validateRuntime(cfg); err != nil {
			return err
		}
		descs, err := cfg.Descriptors()
		if err != nil {
			return err
		}
		for _, d := range descs {
			if err := a.sched.Validate(d); err != nil {
				return err
			}
		}
		return nil
	})

	cfg := a.cfgm.Get()
	descs, err := cfg.Descriptors()
	if err != nil {
		return err
	}
	if _, err := a.sched.Replace(descs); err != nil {
		return fmt.Errorf("submit schedules: %w", err)
	}

	a.http.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				if a.reloadNotify != nil {
					a.reloadNotify(false)
				}
				a.apply(c, last, next)
				if a.reloadNotify != nil {
					a.reloadNotify(true)
				}
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("schedules", len(descs)),
		logx.Int("consumers", len(a.sinks)),
		logx.Bool("audit", a.audit != nil),
		logx.String("config", a.cfgm.Path()),
	)
	return nil
}

// restartOnly lists sections whose changes are logged but not applied live.
var restartOnly = map[string]bool{
	"fetch": true, "scheduler": true, "broker": true,
	"consumers": true, "storage": true, "metrics": true,
}

// apply applies a validated config. Logging, http, variables, and
// schedules change live; the rest needs a restart.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs, sources := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary",
		append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	var deferred []string
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(next))
		case "http":
			if hc, err := mapHTTPConfig(next); err == nil {
				a.http.Reconfigure(ctx, hc)
			}
		case "variables":
			// config values win over runtime values of the same name;
			// runtime-only names are kept
			for k, v := range next.ExpandedVariables() {
				a.vars.Set(k, v)
			}
		case "schedules":
			descs, err := next.Descriptors()
			if err == nil {
				_, err = a.sched.Replace(descs)
			}
			if err != nil {
				a.log.Warn("schedule reload failed; keeping previous", logx.Err(err))
				continue
			}
			a.log.Info("schedules replaced", logx.Int("count", len(descs)), logx.Any("changed", sources))
		default:
			if restartOnly[s] {
				deferred = append(deferred, s)
			}
		}
	}
	if len(deferred) > 0 {
		a.log.Warn("config sections changed; restart required to apply", logx.String("sections", strings.Join(deferred, ",")))
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

// Stop shuts down in dependency order: producers first so nothing new is
// published, then the broker drains into the consumers, then the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", a.stopTimeout, a.sched.Stop)
	step("broker", 5*time.Second, func(context.Context) error { return a.broker.Close() })
	step("consumers", 3*time.Second, func(context.Context) error { return closeSinks(a.sinks, a.log) })
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("audit", 3*time.Second, a.auditq.Close)
	step("storage", time.Second, func(context.Context) error {
		if a.audit != nil {
			return a.audit.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
