package monitor

import (
	"context"
	"fmt"
	"html"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tazhate/ffdash/config"
	"github.com/tazhate/ffdash/internal/metrics"
)

const (
	NormalSpec = "@every 10m"
	DownSpec   = "@every 2m"

	RetryAttempts = 3
	checkTimeout  = 10 * time.Second
)

type Alerter interface {
	SendMessage(chatID int64, text string) error
}

// Monitor polls a health URL and alerts the channel when it goes down, while
// it stays down and when it recovers. It checks more often while down.
type Monitor struct {
	url     string
	chatID  int64
	loc     *time.Location
	client  *http.Client
	alerter Alerter
	now     func() time.Time

	normalSpec string
	downSpec   string

	cron *cron.Cron

	mu      sync.Mutex
	entry   cron.EntryID
	spec    string
	down    bool
	retries int
}

func New(cfg *config.Config, alerter Alerter) *Monitor {
	location := cfg.Timezone
	if location == nil {
		location = time.UTC
	}
	return &Monitor{
		url:        cfg.MonitorURL,
		chatID:     cfg.TelegramChatID,
		loc:        location,
		client:     &http.Client{Timeout: checkTimeout},
		alerter:    alerter,
		now:        time.Now,
		normalSpec: NormalSpec,
		downSpec:   DownSpec,
		cron:       cron.New(cron.WithLocation(location)),
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	log.Printf("[monitor] Starting adaptive monitoring of %s (normal: %s, down: %s)", m.url, m.normalSpec, m.downSpec)

	if err := m.reschedule(ctx, m.normalSpec); err != nil {
		return err
	}
	m.cron.Start()

	m.Check(ctx)

	<-ctx.Done()
	return nil
}

func (m *Monitor) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	log.Println("[monitor] Monitoring stopped")
}

// Spec returns the schedule currently in effect.
func (m *Monitor) Spec() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spec
}

func (m *Monitor) IsDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.down
}

// Check runs one health check, sends whatever alert the transition calls for
// and switches the schedule when the state changes. It reports whether the
// server answered.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.probe(ctx)

	m.mu.Lock()
	wasDown := m.down
	var alert, spec string

	switch {
	case err == nil && wasDown:
		m.down = false
		m.retries = 0
		spec = m.normalSpec
		alert = fmt.Sprintf("✅ Сервер уведомлений восстановлен!\n"+
			"🕐 Время: %s\n"+
			"🔗 URL: %s\n"+
			"⏰ Переход на режим: %s",
			m.timestamp(), html.EscapeString(m.url), m.normalSpec)

	case err == nil:
		// healthy, nothing to report

	case !wasDown:
		m.down = true
		m.retries = 1
		spec = m.downSpec
		alert = fmt.Sprintf("🚨 Сервер уведомлений недоступен!\n"+
			"🕐 Время: %s\n"+
			"❌ Ошибка: %s\n"+
			"🔗 URL: %s\n"+
			"⏰ Переход на режим: %s",
			m.timestamp(), html.EscapeString(err.Error()), html.EscapeString(m.url), m.downSpec)

	default:
		m.retries++
		if m.retries <= RetryAttempts {
			alert = fmt.Sprintf("⚠️ Повторная проверка сервера\n"+
				"🕐 Время: %s\n"+
				"🔄 Попытка: %d/%d\n"+
				"❌ Ошибка: %s",
				m.timestamp(), m.retries, RetryAttempts, html.EscapeString(err.Error()))
		}
	}
	m.mu.Unlock()

	if err != nil {
		log.Printf("[monitor] Server unavailable: %v", err)
		metrics.MonitorUp.Set(0)
	} else {
		metrics.MonitorUp.Set(1)
	}

	if alert != "" {
		m.sendAlert(alert)
	}
	if spec != "" {
		if err := m.reschedule(ctx, spec); err != nil {
			log.Printf("[monitor] Error switching schedule to %s: %v", spec, err)
		}
	}
	return err == nil
}

func (m *Monitor) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// reschedule replaces the check entry with one running on spec.
func (m *Monitor) reschedule(ctx context.Context, spec string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.spec == spec {
		return nil
	}
	id, err := m.cron.AddFunc(spec, func() { m.Check(ctx) })
	if err != nil {
		return fmt.Errorf("add health check: %w", err)
	}
	if m.entry != 0 {
		m.cron.Remove(m.entry)
	}
	m.entry = id
	m.spec = spec
	log.Printf("[monitor] Monitoring interval: %s", spec)
	return nil
}

func (m *Monitor) sendAlert(text string) {
	if m.alerter == nil {
		return
	}
	if err := m.alerter.SendMessage(m.chatID, "🚨 <b>МОНИТОРИНГ СЕРВЕРА</b>\n\n"+text); err != nil {
		log.Printf("[monitor] Error sending alert: %v", err)
	}
}

func (m *Monitor) timestamp() string {
	return m.now().In(m.loc).Format("02.01.2006 15:04:05")
}
