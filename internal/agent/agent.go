package agent

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tazhate/ffdash/config"
	"github.com/tazhate/ffdash/internal/bot"
	"github.com/tazhate/ffdash/internal/clients/dashboard"
	"github.com/tazhate/ffdash/internal/connectivity"
	"github.com/tazhate/ffdash/internal/delivery"
	"github.com/tazhate/ffdash/internal/domain"
	"github.com/tazhate/ffdash/internal/hub"
	"github.com/tazhate/ffdash/internal/localstore"
	"github.com/tazhate/ffdash/internal/metrics"
	"github.com/tazhate/ffdash/internal/reminders"
	"github.com/tazhate/ffdash/internal/worker"
)

const (
	pageDBFile   = "page.db"
	workerDBFile = "worker.db"

	// workerGrace lets the foreground timer resolve a reminder before the
	// worker's timer for the same fire time looks at it.
	workerGrace = 2 * time.Second
)

// Agent runs on the manager's machine: the page-side reminder store with its
// foreground timers, the background worker, and the local surface the
// dashboard page talks to.
type Agent struct {
	cfg *config.Config

	pageDB   *localstore.Store
	workerDB *localstore.Store

	remote *dashboard.Client
	gate   *connectivity.Gate
	store  *reminders.Store
	timers *reminders.Scheduler
	worker *worker.Worker
	hub    *hub.Hub
	cron   *cron.Cron

	mu         sync.Mutex
	ctx        context.Context
	workerDone chan struct{}
	server     *http.Server
}

// New opens the agent's local stores and wires its components.
func New(cfg *config.Config) (*Agent, error) {
	pageDB, err := localstore.Open(filepath.Join(cfg.AgentDataDir, pageDBFile))
	if err != nil {
		return nil, fmt.Errorf("open page store: %w", err)
	}
	workerDB, err := localstore.Open(filepath.Join(cfg.AgentDataDir, workerDBFile))
	if err != nil {
		pageDB.Close()
		return nil, fmt.Errorf("open worker store: %w", err)
	}

	remote := dashboard.NewClient(cfg.APIBaseURL)
	remote.SetBasicAuth(cfg.APIUsername, cfg.APIPassword)

	a := &Agent{
		cfg:      cfg,
		pageDB:   pageDB,
		workerDB: workerDB,
		remote:   remote,
		gate:     connectivity.NewGate(cfg.APIBaseURL),
		hub:      hub.New(),
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		ctx:      context.Background(),
	}

	bus := reminders.NewBus()
	a.store = reminders.NewStore(pageDB, remote, a.gate, bus)

	channel := bot.NewChannel(cfg.TelegramToken, cfg.TelegramChatID, cfg.TelegramEndpoint)
	foreground := delivery.New(metrics.PathForeground, a.hub, channel, remote)
	opts := delivery.Options{MentionUserID: cfg.TelegramMentionUser}
	a.worker = worker.New(workerDB, delivery.New(metrics.PathWorker, a.hub, nil, remote), cfg.TelegramEndpoint)
	a.worker.SetSnooze(cfg.SnoozeInterval())
	a.worker.SetGrace(workerGrace)
	a.store.SetWorker(a.worker)

	a.timers = reminders.NewScheduler(a.store, func(ctx context.Context, r *domain.Reminder) {
		// the worker must see the reminder resolved before its own timer fires
		a.worker.Post(domain.MarkCompleted{ID: r.ID})
		foreground.Deliver(ctx, r, opts, delivery.ActionAcknowledge, delivery.ActionSnooze)
	})
	a.store.SetTimers(a.timers)

	a.worker.OnAcknowledged(func(id int64) {
		if err := a.store.MarkCompleted(a.context(), id); err != nil {
			log.Printf("[agent] complete acknowledged reminder %d: %v", id, err)
		}
	})
	a.hub.OnAction(func(action domain.NotificationAction) {
		a.worker.Post(action)
	})
	bus.Subscribe(a.hub.Publish)

	a.gate.OnChange(func(online bool) {
		if online {
			go a.reconcile()
		}
	})

	return a, nil
}

func (a *Agent) context() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctx
}

// Start runs the background parts until ctx is done. Call Stop afterwards.
func (a *Agent) Start(ctx context.Context) error {
	if _, err := a.cron.AddFunc(a.cfg.ReconcileSpec, a.reconcile); err != nil {
		return fmt.Errorf("add reconcile job: %w", err)
	}

	a.mu.Lock()
	a.ctx = ctx
	a.workerDone = make(chan struct{})
	done := a.workerDone
	a.mu.Unlock()

	a.seedSettings()

	go a.hub.Run(ctx)
	go func() {
		defer close(done)
		a.worker.Run(ctx)
	}()

	if err := a.store.Load(ctx); err != nil {
		return fmt.Errorf("load reminders: %w", err)
	}

	go a.gate.Run(ctx, a.cfg.ProbeInterval)
	a.cron.Start()
	go a.reconcile()

	log.Printf("[agent] started (API: %s, data: %s)", a.cfg.APIBaseURL, a.cfg.AgentDataDir)
	return nil
}

// Run starts the agent and serves the local surface until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	a.server = &http.Server{
		Addr:              "127.0.0.1:" + a.cfg.AgentPort,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[agent] Starting local server on %s", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Stop waits for the background parts to finish and closes the stores. The
// context passed to Start must be done.
func (a *Agent) Stop() {
	cronCtx := a.cron.Stop()
	<-cronCtx.Done()
	a.timers.Stop()

	a.mu.Lock()
	done := a.workerDone
	a.mu.Unlock()
	if done != nil {
		<-done
	}

	if err := a.pageDB.Close(); err != nil {
		log.Printf("[agent] close page store: %v", err)
	}
	if err := a.workerDB.Close(); err != nil {
		log.Printf("[agent] close worker store: %v", err)
	}
	log.Println("[agent] stopped")
}

func (a *Agent) reconcile() {
	if n := a.store.Reconcile(a.context()); n > 0 {
		log.Printf("[agent] reconciled %d reminders", n)
	}
}

// seedSettings hands the configured channel credentials to the worker unless
// the page already saved its own.
func (a *Agent) seedSettings() {
	if !a.cfg.ChannelConfigured() {
		return
	}
	current, err := a.workerDB.Settings()
	if err != nil {
		log.Printf("[agent] %v: read settings: %v", domain.ErrStorageUnavailable, err)
	}
	if current.IsConfigured() {
		return
	}
	a.worker.Post(domain.SaveSettings{Settings: domain.ChannelSettings{
		BotToken:        a.cfg.TelegramToken,
		ChatID:          a.cfg.TelegramChatID,
		MentionUserID:   a.cfg.TelegramMentionUser,
		TagForReminders: a.cfg.TelegramMentionUser != "",
	}})
}
