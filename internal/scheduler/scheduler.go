package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tazhate/ffdash/config"
	"github.com/tazhate/ffdash/internal/delivery"
	"github.com/tazhate/ffdash/internal/domain"
	"github.com/tazhate/ffdash/internal/metrics"
)

const deliverTimeout = 15 * time.Second

// ReminderSource is the server-side reminder store the sweep polls.
type ReminderSource interface {
	GetDueReminders() ([]*domain.Reminder, error)
	Get(id int64) (*domain.Reminder, error)
	MarkSent(id int64) error
}

// Scheduler is the server sweep: once per tick it delivers every due reminder
// that no other path has completed or sent, then marks it sent.
type Scheduler struct {
	cron      *cron.Cron
	cfg       *config.Config
	reminders ReminderSource
	adapter   *delivery.Adapter

	// serialises RunOnce between the cron tick and direct callers
	mu sync.Mutex
}

func New(cfg *config.Config, reminders ReminderSource, adapter *delivery.Adapter) *Scheduler {
	location := cfg.Timezone
	if location == nil {
		location = time.UTC
	}

	c := cron.New(
		cron.WithLocation(location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)

	return &Scheduler{
		cron:      c,
		cfg:       cfg,
		reminders: reminders,
		adapter:   adapter,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	// Проверка напоминаний каждую минуту
	if _, err := s.cron.AddFunc(s.cfg.SweepSpec, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("add reminder sweep: %w", err)
	}

	s.cron.Start()
	log.Printf("[sweep] Scheduler started (TZ: %s, spec: %q)", s.cfg.Timezone, s.cfg.SweepSpec)

	// catch up on whatever fell due while the server was down
	s.RunOnce(ctx)

	<-ctx.Done()
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("[sweep] Scheduler stopped")
}

// RunOnce performs a single sweep and returns the number of reminders it
// marked sent.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics.SweepRuns.Inc()

	reminders, err := s.reminders.GetDueReminders()
	if err != nil {
		log.Printf("[sweep] Error getting due reminders: %v", err)
		return 0
	}
	metrics.SweepDue.Set(float64(len(reminders)))
	now := time.Now()

	opts := delivery.Options{MentionUserID: s.cfg.TelegramMentionUser}
	sent := 0
	for _, due := range reminders {
		if ctx.Err() != nil {
			break
		}

		// another path may have resolved, moved or deleted it since the query
		r, err := s.reminders.Get(due.ID)
		if err != nil {
			log.Printf("[sweep] Error re-reading reminder %d: %v", due.ID, err)
			continue
		}
		if r == nil || r.IsResolved() || r.Sent || !r.IsDue(now) {
			continue
		}

		dctx, cancel := context.WithTimeout(ctx, deliverTimeout)
		text := s.adapter.Compose(dctx, r)
		s.adapter.DeliverChannelMessage(dctx, text, opts)
		cancel()

		// sent records the attempt, not the outcome
		if err := s.reminders.MarkSent(r.ID); err != nil {
			log.Printf("[sweep] Error marking reminder %d as sent: %v", r.ID, err)
			continue
		}
		sent++
	}

	if sent > 0 {
		log.Printf("[sweep] %d reminders dispatched", sent)
	}
	return sent
}
