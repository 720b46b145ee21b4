package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"prayerlock/internal/config"
	"prayerlock/internal/eventbus"
	"prayerlock/internal/eventtable"
	"prayerlock/internal/refresh"
	"prayerlock/internal/registry"
	"prayerlock/internal/reminders"
	"prayerlock/internal/settings"
	"prayerlock/internal/storage"
	"prayerlock/internal/task/engine"
	"prayerlock/internal/window"
	logx "prayerlock/pkg/logx"
)

type App struct {
	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine    *engine.Service
	table     *eventtable.Table
	registry  *registry.Local
	windows   *window.Scheduler
	reminders *reminders.Scheduler
	pipeline  *settings.Pipeline
	tasks     *refresh.TaskScheduler
	trigger   *refresh.Trigger

	refreshEnabled bool
	reminderSender string
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a, err := build(cfg, log, bus, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

// build wires every component on top of an open store.
func build(cfg *Config, log logx.Logger, bus eventbus.Bus, store storage.Store) (*App, error) {
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	lane := engine.New(engCfg, comp("lane"), bus)

	table := eventtable.New(store, comp("eventtable"))
	table.SetDefaultZone(cfg.Location.Timezone)

	zone, err := loadZone(cfg.Location.Timezone)
	if err != nil {
		return nil, fmt.Errorf("location.timezone: %w", err)
	}
	reg := registry.NewLocal(store, comp("registry"), registry.Options{Capacity: cfg.Registry.Capacity, Location: zone})

	wopt, err := mapWindowOptions(cfg)
	if err != nil {
		return nil, err
	}
	wopt.Bus = bus
	windows := window.NewScheduler(reg, store, comp("window"), wopt)

	rs, err := mapRemindersConfig(cfg)
	if err != nil {
		return nil, err
	}
	sender, err := newSender(rs, comp("reminders"))
	if err != nil {
		return nil, err
	}
	rem := reminders.New(rs.cfg, sender, store, comp("reminders"), bus)

	popt, err := mapPipelineOptions(cfg)
	if err != nil {
		return nil, err
	}
	popt.Bus = bus
	pipeline := settings.New(store, table, windows, rem, lane, comp("pipeline"), popt)

	rf, err := mapRefreshConfig(cfg)
	if err != nil {
		return nil, err
	}
	tasks := refresh.NewTaskScheduler(comp("tasks"), rf.budget)
	trigger := refresh.NewTrigger(tasks, table, pipeline, comp("refresh"), refresh.Options{Spec: rf.spec, Location: rf.loc, Bus: bus})

	return &App{
		log:            log,
		bus:            bus,
		store:          store,
		engine:         lane,
		table:          table,
		registry:       reg,
		windows:        windows,
		reminders:      rem,
		pipeline:       pipeline,
		tasks:          tasks,
		trigger:        trigger,
		refreshEnabled: rf.enabled,
		reminderSender: rs.sender,
	}, nil
}

func newSender(rs reminderSettings, log logx.Logger) (reminders.Sender, error) {
	switch rs.sender {
	case "telegram":
		return reminders.NewTelegramSender(rs.telegram)
	default:
		return reminders.NewLogSender(log), nil
	}
}

// validate runs the config checks plus the ones that need component
// vocabularies (kinds, schedules, senders).
func validate(ctx context.Context, cfg *Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	var errs []error
	if cfg.Blocking != nil && len(cfg.Blocking.Kinds) > 0 {
		if _, err := eventtable.ParseKindSet(cfg.Blocking.Kinds); err != nil {
			errs = append(errs, fmt.Errorf("blocking.kinds: %w", err))
		}
	}
	if _, err := refresh.ParseSchedule(cfg.Refresh.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("refresh.schedule: %w", err))
	}
	return errors.Join(errs...)
}

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
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

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	run := a.sup.Context()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(validate)
	}

	a.engine.Start(run)
	a.reminders.Start(run)
	a.tasks.Start(run)

	var cfg *Config
	if a.cfgm != nil {
		cfg = a.cfgm.Get()
	}
	a.loadSettings(run, cfg)
	a.checkTable(run, cfg)

	a.sup.Go("settings.pipeline", a.pipeline.Run)

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.logEvent(e)
				}
			}
		})
	}

	if a.refreshEnabled {
		// The first run tops up immediately and then keeps the cadence.
		a.trigger.RunNow()
	} else {
		a.sup.Go0("startup.topup", a.startupTopUp)
	}

	if a.cfgm != nil {
		a.startConfigReload()
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started", logx.Bool("refresh", a.refreshEnabled), logx.String("reminder_sender", a.reminderSender))
	return nil
}

func (a *App) loadSettings(ctx context.Context, cfg *Config) {
	cur := a.pipeline.Load(ctx, settings.Defaults())
	if cfg == nil {
		return
	}
	next, ok, err := settingsFromConfig(cfg, cur)
	if err != nil {
		a.log.Warn("blocking settings ignored", logx.Err(err))
		return
	}
	if ok {
		a.applySettings(ctx, cur, next)
	}
}

// applySettings feeds next through the pipeline setters. A selection change
// while blocking is active forces a rebuild so deselected kinds lose their
// windows.
func (a *App) applySettings(ctx context.Context, prev, next settings.Settings) {
	a.pipeline.Apply(ctx, next)
	if next.BlockingEnabled && prev.BlockingEnabled && !prev.Selected.Equal(next.Selected) {
		a.pipeline.AppSelectionChanged(ctx)
	}
}

func (a *App) checkTable(ctx context.Context, cfg *Config) {
	snap, ok := a.table.Load(ctx)
	if !ok {
		a.log.Warn("no event table stored; import one with -import")
		return
	}
	a.registry.SetLocation(snap.Location())
	if snap.ShouldRefresh(time.Now()) {
		a.log.Warn("event table needs refetch", logx.Time("fetched_at", snap.FetchedAt), logx.Time("horizon_end", snap.HorizonEnd))
	}
	if cfg == nil || (cfg.Location.Latitude == 0 && cfg.Location.Longitude == 0) {
		return
	}
	if a.table.IsStale(ctx, cfg.Location.Latitude, cfg.Location.Longitude) {
		a.log.Warn("event table was computed for another location",
			logx.Float64("table_lat", snap.Latitude),
			logx.Float64("table_lon", snap.Longitude),
		)
	}
}

func (a *App) startupTopUp(ctx context.Context) {
	snap, ok := a.table.Load(ctx)
	if !ok {
		return
	}
	if _, err := a.pipeline.BackgroundTopUp(ctx, snap); err != nil && ctx.Err() == nil {
		a.log.Warn("startup top-up failed", logx.Err(err))
	}
}

func (a *App) logEvent(e eventbus.Event) {
	if !a.log.Enabled(logx.LevelDebug) {
		return
	}
	switch e.Type {
	case eventbus.TypeWindowsReconciled, eventbus.TypeWindowsStopped:
		if rep, ok := e.Data.(window.Report); ok {
			a.log.Debug("event",
				logx.String("type", e.Type),
				logx.String("outcome", string(rep.Outcome)),
				logx.Int("registered", rep.Registered),
				logx.Int("expired", rep.Expired),
				logx.Int("live", rep.Live),
			)
			return
		}
	case eventbus.TypeRefreshFinished:
		if res, ok := e.Data.(refresh.Result); ok {
			a.log.Debug("event",
				logx.String("type", e.Type),
				logx.String("run_id", res.RunID),
				logx.String("state", res.State),
				logx.Bool("success", res.Success),
			)
			return
		}
	}
	a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
}

func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

// restartSections are read once at startup.
var restartSections = map[string]bool{
	"storage":     true,
	"location":    true,
	"scheduler":   true,
	"registry":    true,
	"task_engine": true,
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
		if restartSections[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	if changed["logging"] && a.logs != nil {
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if changed["pipeline"] {
		if popt, err := mapPipelineOptions(newCfg); err != nil {
			a.log.Warn("invalid pipeline config; keeping previous", logx.Err(err))
		} else {
			a.pipeline.SetDebounce(popt.Debounce)
			a.pipeline.SetReminderLookahead(popt.ReminderLookahead)
		}
	}

	if changed["reminders"] {
		a.applyReminders(newCfg)
	}

	if changed["refresh"] {
		a.applyRefresh(newCfg)
	}

	if changed["blocking"] {
		cur := a.pipeline.Current()
		next, ok, err := settingsFromConfig(newCfg, cur)
		switch {
		case err != nil:
			a.log.Warn("invalid blocking config; keeping previous", logx.Err(err))
		case ok:
			a.applySettings(ctx, cur, next)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyReminders(cfg *Config) {
	rs, err := mapRemindersConfig(cfg)
	if err != nil {
		a.log.Warn("invalid reminders config; keeping previous", logx.Err(err))
		return
	}
	sender, err := newSender(rs, a.log.With(logx.String("comp", "reminders")))
	if err != nil {
		a.log.Warn("reminder sender unavailable; keeping previous", logx.Err(err))
		a.reminders.Apply(rs.cfg, nil)
		return
	}
	a.reminders.Apply(rs.cfg, sender)
	a.reminderSender = rs.sender
}

func (a *App) applyRefresh(cfg *Config) {
	rf, err := mapRefreshConfig(cfg)
	if err != nil {
		a.log.Warn("invalid refresh config; keeping previous", logx.Err(err))
		return
	}
	a.tasks.SetBudget(rf.budget)
	a.trigger.SetSchedule(rf.spec, rf.loc)
	switch {
	case rf.enabled:
		a.trigger.Register()
	case a.refreshEnabled:
		a.trigger.Unregister()
		a.log.Info("refresh disabled via config")
	}
	a.refreshEnabled = rf.enabled
}

// Import validates the snapshot at path and stores it as the current table.
// A running app with blocking active rebuilds its windows from it.
func (a *App) Import(ctx context.Context, path string) error {
	snap, err := eventtable.ReadFile(path)
	if err != nil {
		return err
	}
	if err := a.table.Save(ctx, snap); err != nil {
		return err
	}
	a.registry.SetLocation(snap.Location())
	a.log.Info("event table imported",
		logx.String("path", path),
		logx.Int("days", len(snap.Days)),
		logx.Time("horizon_end", snap.HorizonEnd),
	)
	if a.sup != nil && a.pipeline.Current().BlockingEnabled {
		a.windows.SupersedeRebuild()
		a.pipeline.PerformUpdate(ctx, true)
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		err := a.closeStore()
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step bounds one shutdown stage so it can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("refresh", 2*time.Second, func(c context.Context) error {
		a.trigger.Unregister()
		return a.tasks.Stop(c)
	})
	step("reminders", time.Second, func(context.Context) error { a.reminders.Stop(); return nil })
	step("lane", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}
