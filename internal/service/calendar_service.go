package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/tazhate/ffdash/internal/clients/caldav"
	"github.com/tazhate/ffdash/internal/domain"
)

const (
	calendarTimeout = 30 * time.Second
	eventDuration   = 15 * time.Minute

	settingCalendarPath = "caldav_calendar_path/"
)

// SettingsStore keeps the resolved calendar path between restarts.
type SettingsStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// CalendarService mirrors reminders into a CalDAV calendar and renders the
// iCalendar feed. Mirror failures are logged only.
type CalendarService struct {
	caldavClient *caldav.Client
	leads        *LeadService
	timezone     *time.Location
	settings     SettingsStore

	pending sync.WaitGroup
}

// NewCalendarService creates a new calendar service. client may be nil, in
// which case only the feed is available.
func NewCalendarService(client *caldav.Client, leads *LeadService, tz *time.Location) *CalendarService {
	if tz == nil {
		tz = time.UTC
	}
	return &CalendarService{
		caldavClient: client,
		leads:        leads,
		timezone:     tz,
	}
}

// IsConfigured returns true if CalDAV client is configured
func (s *CalendarService) IsConfigured() bool {
	return s.caldavClient != nil && s.caldavClient.IsConfigured()
}

func (s *CalendarService) SetSettings(st SettingsStore) {
	s.settings = st
}

// Connect resolves the target calendar by path or display name. A path
// resolved on an earlier start is reused without discovery.
func (s *CalendarService) Connect(ctx context.Context, calendar string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("CalDAV not configured")
	}

	key := settingCalendarPath + calendar
	if s.settings != nil {
		cached, err := s.settings.GetSetting(key)
		if err != nil {
			log.Printf("[calendar] read cached calendar path: %v", err)
		}
		if cached != "" {
			s.caldavClient.SetCalendarPath(cached)
			log.Printf("[calendar] Mirroring reminders to %s", cached)
			return nil
		}
	}

	path, err := s.caldavClient.ResolveCalendar(ctx, calendar)
	if err != nil {
		return fmt.Errorf("resolve calendar: %w", err)
	}
	if s.settings != nil {
		if err := s.settings.SetSetting(key, path); err != nil {
			log.Printf("[calendar] cache calendar path: %v", err)
		}
	}
	log.Printf("[calendar] Mirroring reminders to %s", path)
	return nil
}

// ReminderUID is the CalDAV uid of a reminder's event.
func ReminderUID(id int64) string {
	return fmt.Sprintf("reminder-%d@ffdash", id)
}

// UpsertReminder puts the reminder's event in the background.
func (s *CalendarService) UpsertReminder(r *domain.Reminder) {
	if !s.IsConfigured() || r == nil {
		return
	}
	event := s.ReminderEvent(context.Background(), r)
	s.async(func(ctx context.Context) error {
		return s.caldavClient.PutEvent(ctx, event)
	}, "put", r.ID)
}

// RemoveReminder deletes the reminder's event in the background.
func (s *CalendarService) RemoveReminder(id int64) {
	if !s.IsConfigured() {
		return
	}
	s.async(func(ctx context.Context) error {
		return s.caldavClient.DeleteEvent(ctx, ReminderUID(id))
	}, "delete", id)
}

// Wait blocks until in-flight mirror calls finish.
func (s *CalendarService) Wait() {
	s.pending.Wait()
}

func (s *CalendarService) async(fn func(ctx context.Context) error, op string, id int64) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), calendarTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Printf("[calendar] %s reminder %d: %v", op, id, err)
		}
	}()
}

// ReminderEvent converts a reminder to a short event with an alarm at its
// fire time.
func (s *CalendarService) ReminderEvent(ctx context.Context, r *domain.Reminder) *caldav.Event {
	event := &caldav.Event{
		UID:       ReminderUID(r.ID),
		Summary:   "🔔 " + r.Text,
		StartTime: r.FireTimeUTC,
		EndTime:   r.FireTimeUTC.Add(eventDuration),
		Stamp:     r.CreatedAt,
		Reminders: []caldav.Reminder{{MinutesBefore: 0}},
	}

	if r.LeadID != nil && s.leads != nil {
		if lead, err := s.leads.LookupLead(ctx, *r.LeadID); err == nil && lead.DisplayName() != "" {
			event.Description = "Клиент: " + lead.DisplayName()
		}
	}
	return event
}

// ErrEmptyFeed is returned by WriteFeed when there is nothing to render; a
// VCALENDAR needs at least one component.
var ErrEmptyFeed = errors.New("no reminders to render")

// WriteFeed renders reminders as an iCalendar feed.
func (s *CalendarService) WriteFeed(ctx context.Context, w io.Writer, reminders []*domain.Reminder) error {
	if len(reminders) == 0 {
		return ErrEmptyFeed
	}

	cal := caldav.NewCalendar()
	cal.Props.SetText("X-WR-CALNAME", "FF Dashboard: напоминания")
	cal.Props.SetText("X-WR-TIMEZONE", s.timezone.String())

	for _, r := range reminders {
		cal.Children = append(cal.Children, caldav.EventComponent(s.ReminderEvent(ctx, r)))
	}

	if err := caldav.EncodeCalendar(w, cal); err != nil {
		return fmt.Errorf("encode calendar: %w", err)
	}
	return nil
}
