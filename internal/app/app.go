// Package app wires configuration, logging, storage, the task queue and the
// admin server into one worker process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tasksched/internal/admin"
	"tasksched/internal/app/jobs"
	"tasksched/internal/config"
	"tasksched/internal/eventbus"
	"tasksched/internal/lock"
	"tasksched/internal/notify"
	"tasksched/internal/runtime/supervisor"
	"tasksched/internal/storage"
	"tasksched/internal/task/engine"
	logx "tasksched/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	reg   *prometheus.Registry
	store storage.Store

	locker *lock.Redis
	pub    *notify.AMQP

	state *jobs.State
	queue *engine.Queue[*jobs.State]

	admin    *http.Server
	adminLis net.Listener
}

// NewApp loads the configuration and opens every backing service. The
// queue is not started.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.LogConfig(), nil)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	a := &App{
		cfgm: cfgm,
		cfg:  cfg,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
		reg:  prometheus.NewRegistry(),
	}
	opened := false
	defer func() {
		if !opened {
			if cerr := a.closeBackends(); cerr != nil {
				a.log.Warn("cleanup after failed start", logx.Err(cerr))
			}
			_ = a.logs.Close()
		}
	}()

	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	settings, err := cfg.Worker.Settings()
	if err != nil {
		return nil, err
	}

	if ev := cfg.Events; ev != nil {
		exchange := strings.TrimSpace(ev.Exchange)
		if exchange == "" {
			exchange = config.DefaultExchange
		}
		a.pub, err = notify.Dial(notify.Config{URL: ev.URL, Exchange: exchange, AppID: "tasksched"}, log)
		if err != nil {
			return nil, err
		}
		logSvc.SetAlertSink(notify.AlertSink{Pub: a.pub})
		a.log.Info("event publisher enabled", logx.String("exchange", exchange))
	}

	sc, err := cfg.Storage.StoreConfig()
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithEventBus(a.bus),
		engine.WithRegisterer(a.reg),
	}
	if rc := cfg.Redis; rc != nil {
		a.locker, err = lock.NewRedis(lock.Config{
			Addr:     rc.Addr,
			Username: rc.Username,
			Password: rc.Password,
			DB:       rc.DB,
		}, settings.WorkerID.String())
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithLocker(a.locker))
	}

	a.state = jobs.NewState(a.store, log)
	a.queue, err = engine.New(a.store, a.state, settings, opts...)
	if err != nil {
		return nil, err
	}
	a.state.Queue.Set(a.queue)
	if err := jobs.Register(a.queue, cfg, log); err != nil {
		return nil, err
	}
	opened = true
	return a, nil
}

// Queue exposes the task queue, mainly to register extra kinds before Start.
func (a *App) Queue() *engine.Queue[*jobs.State] { return a.queue }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.queue.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.cfg.Admin.Enabled {
		if err := a.startAdmin(); err != nil {
			return err
		}
	}

	if a.pub != nil {
		types := a.cfg.Events.Types
		a.sup.GoRestart("events.forward", func(c context.Context) error {
			return notify.ForwardEvents(c, a.bus, a.pub, types, a.log)
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Stringer("worker", a.queue.Settings().WorkerID))
	return nil
}

func (a *App) startAdmin() error {
	ac := a.cfg.Admin
	readTimeout, err := config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	writeTimeout, err := config.ParseDurationOrDefault("admin.write_timeout", ac.WriteTimeout, 30*time.Second)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := admin.NewRouter(admin.Options{
		Queue:    a.queue,
		Store:    a.store,
		Gatherer: a.reg,
		Stats:    a.stats,
		Log:      a.log,
		Token:    ac.Token,
		Pprof:    ac.Pprof,
	})
	lis, err := net.Listen("tcp", ac.Addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", ac.Addr, err)
	}
	a.adminLis = lis
	a.admin = &http.Server{
		Handler:           router,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}
	srv := a.admin
	a.sup.Go("admin.http", func(context.Context) error {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	a.log.Info("admin server listening", logx.String("addr", lis.Addr().String()))
	return nil
}

// AdminAddr is the bound admin address, empty when admin is disabled.
func (a *App) AdminAddr() string {
	if a.adminLis == nil {
		return ""
	}
	return a.adminLis.Addr().String()
}

func (a *App) stats() []supervisor.Stats {
	out := a.queue.RunnerStats()
	if a.sup != nil {
		out = append(out, a.sup.Snapshot()...)
	}
	return out
}

// reloadLoop applies hot-reloadable sections and warns about the rest.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Keep only the latest of a burst.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}

			changed, attrs := config.SummarizeChange(last, next)
			last = next
			if len(changed) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.logs.Apply(next.Logging.LogConfig())

			fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
			if config.NeedsRestart(changed) {
				a.log.Warn("config changes outside logging need a restart to take effect",
					logx.String("changed", strings.Join(changed, ",")))
			}
		}
	}
}

// Stop drains the queue within the configured shutdown timeout (or ctx,
// whichever ends first), then releases every backing service.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var result *multierror.Error
	timeout, err := a.cfg.Worker.ShutdownTimeoutOrDefault()
	if err != nil {
		timeout = config.DefaultShutdownTimeout
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	if err := a.queue.Shutdown(qctx); err != nil {
		a.log.Warn("queue shutdown did not drain; running tasks aborted", logx.Err(err),
			logx.Int("running", a.queue.RunningTasks()))
		result = multierror.Append(result, fmt.Errorf("queue: %w", err))
	} else {
		a.log.Info("queue drained", logx.Duration("took", time.Since(start)))
		a.releasePurgeLock(ctx)
	}
	cancel()

	if a.admin != nil {
		actx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.admin.Shutdown(actx); err != nil {
			result = multierror.Append(result, fmt.Errorf("admin: %w", err))
		}
		cancel()
	}

	a.sup.Cancel()
	wctx, cancelWait := context.WithTimeout(ctx, 5*time.Second)
	if err := a.sup.Wait(wctx); err != nil {
		a.log.Warn("background loops did not exit in time", logx.Err(err))
	}
	cancelWait()

	if err := a.closeBackends(); err != nil {
		result = multierror.Append(result, err)
	}

	a.log.Info("stopped")
	if err := a.logs.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("logs: %w", err))
	}
	return result.ErrorOrNil()
}

// releasePurgeLock hands the purge lock back after a clean drain so a quick
// restart of this worker purges its temporary rows again.
func (a *App) releasePurgeLock(ctx context.Context) {
	if a.locker == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	released, err := a.locker.Release(rctx, engine.PurgeLockKey)
	if err != nil {
		a.log.Warn("purge lock release failed", logx.Err(err))
		return
	}
	if released {
		a.log.Debug("purge lock released")
	}
}

func (a *App) closeBackends() error {
	var result *multierror.Error
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("events: %w", err))
		}
	}
	if a.locker != nil {
		if err := a.locker.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("redis: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("storage: %w", err))
		}
	}
	return result.ErrorOrNil()
}
