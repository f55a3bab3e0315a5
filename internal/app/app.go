package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"notifyd/internal/channel"
	"notifyd/internal/config"
	"notifyd/internal/dispatch"
	"notifyd/internal/eventbus"
	"notifyd/internal/history"
	"notifyd/internal/notify"
	"notifyd/internal/reminders"
	"notifyd/internal/rules"
	"notifyd/internal/taskengine"
	"notifyd/internal/template"
	"notifyd/pkg/logx"
)

// Options carries the host-provided persistence hooks. The engine never
// owns entity or recipient storage; rules, reminders, and the async
// dispatch path all resolve through these.
type Options struct {
	Entities   notify.EntityStore
	Recipients notify.RecipientStore
}

// App wires the notification engine together: config, logging, history,
// templates, channels, dispatcher, rule and reminder engines, and the
// async task engine. Hosts embed it in their own process.
type App struct {
	cfgPath string
	opts    Options

	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	bus      eventbus.Bus
	store    history.Store
	renderer *template.Renderer
	registry *channel.Registry
	tasks    *taskengine.Service

	dispatcher *dispatch.Dispatcher
	ruleEng    *rules.Engine
	remEng     *reminders.Engine

	mu      sync.Mutex
	remSvc  *reminders.Service
	lastCfg *config.Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	cfgm.SetLogger(log.With(logx.String("svc", "config")))

	if err := validateConfig(context.Background(), cfg); err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{cfgPath: cfgPath, opts: opts, cfgm: cfgm, logs: logs, log: log}
	if err := a.build(cfg); err != nil {
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	hcfg, err := historyConfig(cfg)
	if err != nil {
		return err
	}
	store, err := history.Open(hcfg, a.log)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	a.store = store

	dir := strings.TrimSpace(cfg.Templates.Dir)
	if dir == "" {
		dir = "./templates"
	}
	a.renderer = template.NewRenderer(template.DirSource{Root: dir})

	reg, err := buildChannels(context.Background(), cfg, a.log)
	if err != nil {
		return err
	}
	a.registry = reg

	a.bus = eventbus.New()

	tcfg, err := taskConfig(cfg)
	if err != nil {
		return err
	}
	a.tasks = taskengine.New(tcfg, a.log, a.bus)

	a.dispatcher = dispatch.New(reg, a.renderer, store, a.bus, dispatch.Config{
		SaveContent:    cfg.History.SaveContent,
		RecordFailures: cfg.History.RecordFailures,
	}, a.log)
	a.dispatcher.WithEnqueuer(a.tasks)
	if a.opts.Entities != nil || a.opts.Recipients != nil {
		a.dispatcher.WithStores(a.opts.Entities, a.opts.Recipients)
	}

	a.ruleEng = rules.NewEngine(a.opts.Entities, a.dispatcher, a.log)
	a.remEng = reminders.NewEngine(a.opts.Entities, store, a.dispatcher, a.bus, a.log)

	rcfg, err := reminderConfig(cfg)
	if err != nil {
		return err
	}
	a.remSvc = reminders.NewService(rcfg, a.remEng, a.log)
	a.lastCfg = cfg
	return nil
}

// Accessors for hosts registering rules and reminders or dispatching
// directly.

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }
func (a *App) Rules() *rules.Engine             { return a.ruleEng }
func (a *App) Reminders() *reminders.Engine     { return a.remEng }
func (a *App) Bus() eventbus.Bus                { return a.bus }
func (a *App) History() history.Store           { return a.store }
func (a *App) Logger() logx.Logger              { return a.log }
func (a *App) Config() *config.Config           { return a.cfgm.Get() }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	a.cfgm.SetValidator(validateConfig)

	if a.tasks.Enabled() {
		a.tasks.Start(runCtx)
	}

	a.mu.Lock()
	svc := a.remSvc
	a.mu.Unlock()
	if err := svc.Start(runCtx); err != nil {
		cancel()
		return err
	}

	// Reload subscriber: coalesce bursts so only the newest config wins.
	updates := a.cfgm.Subscribe(4)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				a.cfgm.Unsubscribe(updates)
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
			COALESCE:
				for {
					select {
					case next, ok := <-updates:
						if !ok {
							break COALESCE
						}
						cfg = next
					default:
						break COALESCE
					}
				}
				if cfg != nil {
					a.applyConfig(runCtx, cfg)
				}
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch ended", logx.Err(err))
		}
	}()

	a.log.Info("engine started",
		logx.Strings("channels", a.registry.Keys()),
		logx.Bool("history", a.store != nil),
	)
	return nil
}

// applyConfig picks up what can change at runtime: log levels/sinks,
// task engine settings, and the reminder schedule. Channel and history
// changes need a restart and are logged as such.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.mu.Lock()
	old := a.lastCfg
	a.lastCfg = cfg
	a.mu.Unlock()

	changed, attrs := config.SummarizeChange(old, cfg)
	if len(changed) == 0 {
		return
	}
	a.log.Info("config reloaded", append(attrs, logx.Strings("sections", changed))...)

	for _, section := range changed {
		switch section {
		case "logging":
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
			})

		case "task_engine":
			tcfg, err := taskConfig(cfg)
			if err != nil {
				a.log.Warn("task engine config not applied", logx.Err(err))
				continue
			}
			wasEnabled := a.tasks.Enabled()
			a.tasks.Apply(tcfg)
			switch {
			case tcfg.Enabled && !wasEnabled:
				a.tasks.Start(ctx)
			case !tcfg.Enabled && wasEnabled:
				stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				a.tasks.Stop(stopCtx)
				cancel()
			}

		case "reminders":
			rcfg, err := reminderConfig(cfg)
			if err != nil {
				a.log.Warn("reminder config not applied", logx.Err(err))
				continue
			}
			a.restartReminders(ctx, rcfg)

		case "templates", "history", "channels":
			a.log.Warn("section changed; restart required to apply", logx.String("section", section))
		}
	}
}

// restartReminders swaps the periodic scanner for the new schedule. The
// engine (registered reminders, dedup state) is shared and survives the
// swap.
func (a *App) restartReminders(ctx context.Context, rcfg reminders.Config) {
	a.mu.Lock()
	old := a.remSvc
	a.remSvc = reminders.NewService(rcfg, a.remEng, a.log)
	svc := a.remSvc
	a.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := old.Stop(stopCtx); err != nil {
		a.log.Warn("reminder service stop failed", logx.Err(err))
	}
	cancel()

	if err := svc.Start(ctx); err != nil {
		a.log.Error("reminder service restart failed", logx.Err(err))
	}
}

func (a *App) Stop(ctx context.Context) {
	a.mu.Lock()
	svc := a.remSvc
	a.mu.Unlock()

	a.step(ctx, "reminders", 10*time.Second, func(c context.Context) error {
		return svc.Stop(c)
	})
	a.step(ctx, "taskengine", 15*time.Second, func(c context.Context) error {
		a.tasks.Stop(c)
		return nil
	})

	if a.cancel != nil {
		a.cancel()
	}
	a.step(ctx, "watchers", 5*time.Second, func(c context.Context) error {
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})

	if a.store != nil {
		a.step(ctx, "history", 5*time.Second, func(context.Context) error {
			return a.store.Close()
		})
	}

	a.log.Info("engine stopped")
	_ = a.logs.Close()
}

// step runs one shutdown stage with its own deadline so a stuck stage
// cannot block the rest of shutdown. Panics are contained.
func (a *App) step(parent context.Context, name string, max time.Duration, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(parent, max)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("shutdown step failed", logx.String("step", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		} else {
			a.log.Debug("shutdown step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
		}
	case <-ctx.Done():
		a.log.Warn("shutdown step timed out; continuing", logx.String("step", name), logx.Duration("max", max))
	}
}
