// Package app wires the daemon together: storage, the reconciler, the
// scheduler, the change monitor and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"filesyncd/internal/backend"
	"filesyncd/internal/monitor/config"
	"filesyncd/internal/monitor/database"
	"filesyncd/internal/monitor/handlers"
	"filesyncd/internal/monitor/health"
	"filesyncd/internal/monitor/notification"
	"filesyncd/internal/monitor/scheduler"
	"filesyncd/internal/monitor/watcher"
	"filesyncd/internal/monitor/websocket"
	"filesyncd/internal/orchestrator"
	fsync "filesyncd/internal/sync"
)

const (
	housekeepingInterval = 24 * time.Hour
	shutdownTimeout      = 15 * time.Second
	eventBuffer          = 256
)

// App encapsulates the application state
type App struct {
	Config       *config.Config
	Log          *logrus.Logger
	Store        *database.Store
	Bus          *fsync.Bus
	Engine       *fsync.Reconciler
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	Monitor      *watcher.Monitor
	HealthState  *health.State
	WSHub        *websocket.Hub
	Notifier     *notification.Service

	clock clockwork.Clock
	wg    sync.WaitGroup
}

// New opens the database and builds every component. Nothing runs until
// Run is called; Close releases the database.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := cfg.ConfigureLogger(log); err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	store, err := database.Open(ctx, cfg.DBPath, log)
	if err != nil {
		return nil, fmt.Errorf("database init failed: %w", err)
	}

	clock := clockwork.NewRealClock()
	a := &App{
		Config:      cfg,
		Log:         log,
		Store:       store,
		Bus:         fsync.NewBus(),
		HealthState: health.New(clock.Now()),
		WSHub:       websocket.New(log),
		clock:       clock,
	}
	a.Notifier = notification.New(notification.Options{
		DiscordWebhook: cfg.Notifications.DiscordWebhook,
		TelegramToken:  cfg.Notifications.TelegramToken,
		TelegramChatID: cfg.Notifications.TelegramChatID,
		Namer:          a.configName,
		Logger:         log,
	})

	a.Engine = fsync.NewReconciler(store, backend.NewRegistry(), fsync.Options{
		Workers: cfg.Engine.TransferWorkers,
		Backend: backend.Options{Limiter: backend.NewLimiter(cfg.Engine.BandwidthLimit)},
		Sink:    a.Bus,
		Clock:   clock,
		Logger:  log,
	})
	a.Orchestrator = orchestrator.New(store, a.Engine, orchestrator.Options{
		InitialSync: cfg.InitialSync,
		Logger:      log,
	})
	a.Scheduler = scheduler.New(a.Orchestrator, store, scheduler.Options{
		MaxConcurrent: cfg.Scheduler.MaxConcurrentTasks,
		TaskTimeout:   cfg.Scheduler.TaskTimeout,
		TickInterval:  cfg.Scheduler.TickInterval,
		ReapInterval:  cfg.Scheduler.ReaperInterval,
		Clock:         clock,
		Notify:        a.Notifier.Send,
		Logger:        log,
	})
	return a, nil
}

// configName resolves display names for notifications.
func (a *App) configName(ctx context.Context, id int64) string {
	c, err := a.Store.GetConfig(ctx, id)
	if err != nil {
		return ""
	}
	return c.Name
}

// Close flushes and closes the database.
func (a *App) Close() error {
	return a.Store.Close()
}

// Recover marks runs left in the running state by a previous process as
// failed.
func (a *App) Recover(ctx context.Context) {
	n, err := a.Store.AbandonRunning(ctx, a.clock.Now())
	switch {
	case err != nil:
		a.Log.WithError(err).Warn("Failed to close interrupted runs")
	case n > 0:
		a.Log.WithField("runs", n).Warn("Marked interrupted runs as failed")
	}
}

// Run starts every service and serves the API until ctx is done or the
// server fails. SIGHUP reloads the stored configurations.
func (a *App) Run(ctx context.Context) error {
	a.Recover(ctx)
	a.Log.AddHook(websocket.NewLogHook(a.WSHub))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.subscribe(ctx, func(ctx context.Context, ev <-chan fsync.Event) {
		a.Store.RecordTraffic(ctx, ev, database.TrafficFlushInterval)
	})
	a.subscribe(ctx, a.Notifier.Watch)
	a.subscribe(ctx, a.HealthState.Observe)
	a.subscribe(ctx, a.WSHub.Relay)

	if a.Store.GetBoolSetting(ctx, database.SettingSchedulerPaused) {
		a.Scheduler.Pause()
	}
	a.Scheduler.Start(ctx)

	a.Monitor = watcher.New(a.Store, a.Orchestrator.TriggerAsync(ctx, watcher.TriggerMonitor), watcher.Options{
		Debounce: a.Config.Monitor.Debounce,
		Clock:    a.clock,
		Logger:   a.Log,
	})
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Monitor.Start(ctx)
	}()

	a.Orchestrator.Bind(a.Monitor, a.Scheduler)
	if res, err := a.Orchestrator.Reload(ctx, true); err != nil {
		a.Log.WithError(err).Warn("Startup reload incomplete")
	} else {
		a.Log.WithFields(logrus.Fields{
			"watches":   res.WatchesAdded,
			"schedules": res.SchedulesAdded,
			"enqueued":  res.Enqueued,
		}).Info("Configurations loaded")
	}

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.housekeeping(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.reloadOnHangup(ctx)
	}()

	err := a.serve(ctx)
	cancel()
	a.Scheduler.Wait()
	a.wg.Wait()
	return err
}

// subscribe runs fn on a fresh bus subscription until ctx ends.
func (a *App) subscribe(ctx context.Context, fn func(context.Context, <-chan fsync.Event)) {
	ev, unsubscribe := a.Bus.Subscribe(eventBuffer)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsubscribe()
		fn(ctx, ev)
	}()
}

func (a *App) serve(ctx context.Context) error {
	h := handlers.New(handlers.Options{
		Store:        a.Store,
		Orchestrator: a.Orchestrator,
		Scheduler:    a.Scheduler,
		Health:       a.HealthState,
		Hub:          a.WSHub,
		APIToken:     a.Config.APIToken,
		Logger:       a.Log,
	})
	srv := &http.Server{
		Addr:              a.Config.Listen,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Log.WithField("addr", srv.Addr).Info("API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		a.Log.Info("Shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *App) housekeeping(ctx context.Context) {
	a.prune(ctx)
	ticker := a.clock.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			a.prune(ctx)
		}
	}
}

func (a *App) prune(ctx context.Context) {
	days := a.Config.History.RetentionDays
	if days <= 0 {
		return
	}
	n, err := a.Store.PruneHistory(ctx, days, a.clock.Now())
	if err != nil {
		a.Log.WithError(err).Warn("History pruning failed")
		return
	}
	if n > 0 {
		a.Log.WithFields(logrus.Fields{"runs": n, "retention_days": days}).Info("Pruned history")
	}
}

func (a *App) reloadOnHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			res, err := a.Orchestrator.Reload(ctx, false)
			if err != nil {
				a.Log.WithError(err).Warn("Reload incomplete")
				continue
			}
			a.Log.WithFields(logrus.Fields{
				"watches_added":     res.WatchesAdded,
				"watches_removed":   res.WatchesRemoved,
				"schedules_added":   res.SchedulesAdded,
				"schedules_removed": res.SchedulesRemoved,
			}).Info("Reloaded configurations")
		}
	}
}

// SyncOnce runs one manual sync of configID without starting the daemon.
func (a *App) SyncOnce(ctx context.Context, configID int64) (*fsync.Result, error) {
	a.Recover(ctx)
	ev, unsubscribe := a.Bus.Subscribe(eventBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Store.RecordTraffic(ctx, ev, database.TrafficFlushInterval)
	}()
	res, err := a.Orchestrator.Trigger(ctx, configID, "manual")
	unsubscribe()
	<-done
	return res, err
}
