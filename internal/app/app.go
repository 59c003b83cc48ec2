// Package app wires the fan-out daemon together: config, logging, ledger,
// throttle, session registry, dispatcher, queue, scheduler and metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"fanout/internal/config"
	"fanout/internal/dispatch"
	"fanout/internal/eventbus"
	"fanout/internal/ledger"
	"fanout/internal/metrics"
	"fanout/internal/queue"
	"fanout/internal/runtime/supervisor"
	"fanout/internal/scheduler"
	"fanout/internal/session"
	"fanout/internal/throttle"
	"fanout/internal/transport/telegram"
	logx "fanout/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	rt   *config.Runtime

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	ledger   ledger.Ledger
	limiter  *throttle.Limiter
	queue    *queue.Queue
	sessions *session.Registry
	dispatch *dispatch.Orchestrator
	sched    *scheduler.Service
	resumer  *session.Resumer
	metrics  *metrics.Collector

	sup *supervisor.Supervisor
}

type options struct {
	deliverer dispatch.Deliverer
	remover   dispatch.Remover
}

type Option func(*options)

// WithTransport replaces the Telegram client, e.g. for dry runs.
func WithTransport(d dispatch.Deliverer, r dispatch.Remover) Option {
	return func(o *options) {
		o.deliverer = d
		o.remover = r
	}
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	rt, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	a, err := Build(rt, opts...)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	cfgm.SetLogger(a.log.With(logx.Component("config")))
	return a, nil
}

// Build assembles the app from an already resolved config. The result has
// no config file to watch.
func Build(rt *config.Runtime, opts ...Option) (*App, error) {
	if rt == nil {
		return nil, errors.New("app: runtime config is nil")
	}
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}

	logSvc, root := logx.New(mapLogging(rt))
	log := root.With(logx.Component("app"))
	comp := func(name string) logx.Logger { return root.With(logx.Component(name)) }

	a := &App{rt: rt, log: log, logs: logSvc, bus: eventbus.New(), metrics: metrics.NewCollector()}

	if o.deliverer == nil {
		client, err := telegram.New(telegram.Config{
			Token:   rt.Telegram.Token,
			APIURL:  rt.Telegram.APIURL,
			Offline: rt.Telegram.Offline,
			Timeout: rt.Telegram.Timeout,

			BreakerThreshold: rt.Telegram.BreakerThreshold,
			BreakerReset:     rt.Telegram.BreakerReset,
		}, comp("telegram"))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		o.deliverer, o.remover = client, client
	}

	lg, err := ledger.Open(mapLedger(rt), comp("ledger"))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.ledger = lg
	log.Info("ledger opened", logx.String("driver", rt.Storage.Driver))

	a.limiter, err = throttle.New(mapThrottle(rt), throttle.WithLogger(comp("throttle")))
	if err != nil {
		a.closeStores()
		return nil, err
	}

	a.sessions = session.NewRegistry(a.bus, session.WithLogger(comp("session")))
	for _, id := range rt.Sessions {
		if _, err := a.sessions.Register(id); err != nil {
			a.closeStores()
			return nil, err
		}
	}

	a.dispatch, err = dispatch.New(mapDispatch(rt), dispatch.Deps{
		Throttle:  a.limiter,
		Sessions:  a.sessions,
		Ledger:    a.ledger,
		Deliverer: o.deliverer,
		Remover:   o.remover,
		Bus:       a.bus,
	}, dispatch.WithLogger(comp("dispatch")), dispatch.WithObserver(a.metrics))
	if err != nil {
		a.closeStores()
		return nil, err
	}

	a.queue = queue.New(mapQueue(rt), queue.WithLogger(comp("queue")), queue.WithDepthObserver(a.metrics))
	a.sched = scheduler.New(a.queue, a.dispatch, a.sessions, scheduler.WithLogger(comp("scheduler")))
	if err := a.sched.Apply(mapJobs(rt)); err != nil {
		a.closeStores()
		return nil, err
	}
	a.resumer = session.NewResumer(a.sessions, a.bus, comp("resumer"))
	return a, nil
}

func (a *App) Logger() logx.Logger                { return a.log }
func (a *App) Dispatcher() *dispatch.Orchestrator { return a.dispatch }
func (a *App) Sessions() *session.Registry        { return a.sessions }
func (a *App) Ledger() ledger.Ledger              { return a.ledger }
func (a *App) Scheduler() *scheduler.Service      { return a.sched }
func (a *App) Queue() *queue.Queue                { return a.queue }
func (a *App) Bus() eventbus.Bus                  { return a.bus }
func (a *App) Metrics() *metrics.Collector        { return a.metrics }

// Done is closed once the app stops or a supervised loop fails for good.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the long-running loops and tells systemd the daemon is
// ready.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app: already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.Component("supervisor"))), supervisor.WithCancelOnError(true))

	if a.cfgm != nil {
		updates := a.cfgm.Subscribe(4)
		a.sup.GoRestart("config.watch", a.cfgm.Watch)
		a.sup.Go("config.apply", func(ctx context.Context) error {
			defer a.cfgm.Unsubscribe(updates)
			for {
				select {
				case <-ctx.Done():
					return nil
				case u, ok := <-updates:
					if !ok {
						return nil
					}
					a.applyUpdate(u)
				}
			}
		})
	}
	a.sup.GoRestart("session.resumer", a.resumer.Run)
	a.sup.Go("scheduler", a.sched.Run)
	if a.rt.Metrics.Enabled {
		addr := a.rt.Metrics.Addr
		a.sup.GoRestart("metrics.http", func(ctx context.Context) error {
			return a.metrics.Serve(ctx, addr, a.log.With(logx.Component("metrics")))
		}, supervisor.WithBackoff(time.Second, 30*time.Second))
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("started",
		logx.Int("sessions", len(a.rt.Sessions)),
		logx.Int("broadcasts", len(a.rt.Broadcasts)),
		logx.Bool("metrics", a.rt.Metrics.Enabled),
	)
	return nil
}

// Stop shuts the daemon down in dependency order: triggers first, then the
// queue, then the supervised loops, then storage. Every step is bounded.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("queue", 5*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 3*time.Second, func(c context.Context) error {
			err := a.sup.Stop(c)
			if errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		})
	}

	var firstErr error
	if a.sup != nil {
		firstErr = a.sup.Err()
	}
	a.log.Info("stopped")
	a.closeStores()
	return firstErr
}

// Close releases storage and log files without running Stop. It is meant
// for one-shot commands that never called Start.
func (a *App) Close() error {
	a.queue.Stop(context.Background())
	return a.closeStores()
}

func (a *App) closeStores() error {
	var err error
	if a.ledger != nil {
		err = a.ledger.Close()
	}
	if a.logs != nil {
		err = errors.Join(err, a.logs.Close())
	}
	return err
}
