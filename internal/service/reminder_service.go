package service

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/tazhate/ffdash/internal/domain"
	"github.com/tazhate/ffdash/internal/storage"
)

// CalendarMirror receives reminder changes that should be reflected in an
// external calendar. Implementations must not block for long.
type CalendarMirror interface {
	UpsertReminder(r *domain.Reminder)
	RemoveReminder(id int64)
}

// ReminderUpdate is a partial update. Flags only move false->true; a false
// value is ignored.
type ReminderUpdate struct {
	Completed *bool
	Sent      *bool
	FireTime  *time.Time
}

type ReminderService struct {
	storage *storage.Storage
	mirror  CalendarMirror
	now     func() time.Time
}

func NewReminderService(s *storage.Storage) *ReminderService {
	return &ReminderService{
		storage: s,
		now:     time.Now,
	}
}

func (s *ReminderService) SetMirror(m CalendarMirror) {
	s.mirror = m
}

// Create stores a reminder. Past fire times are accepted: a reminder created
// offline may reach the server after it was due, and the sweep then delivers it.
func (s *ReminderService) Create(text string, fireTime time.Time, leadID *int64) (*domain.Reminder, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.NewValidationError("text", "reminder text cannot be empty")
	}
	if fireTime.IsZero() {
		return nil, domain.NewValidationError("datetime", "reminder time is required")
	}

	reminder := &domain.Reminder{
		Text:        text,
		LeadID:      leadID,
		FireTimeUTC: fireTime.UTC(),
	}

	if err := s.storage.CreateReminder(reminder); err != nil {
		return nil, fmt.Errorf("create reminder: %w", err)
	}

	if s.mirror != nil {
		s.mirror.UpsertReminder(reminder)
	}
	return reminder, nil
}

func (s *ReminderService) Get(id int64) (*domain.Reminder, error) {
	r, err := s.storage.GetReminder(id)
	if err != nil {
		return nil, fmt.Errorf("get reminder: %w", err)
	}
	if r == nil {
		return nil, domain.ErrNotFound
	}
	return r, nil
}

func (s *ReminderService) List() ([]*domain.Reminder, error) {
	return s.storage.ListReminders()
}

func (s *ReminderService) ListPending() ([]*domain.Reminder, error) {
	return s.storage.ListPendingReminders()
}

func (s *ReminderService) GetDueReminders() ([]*domain.Reminder, error) {
	return s.storage.ListDueReminders(s.now())
}

// Update applies a partial update and returns the stored record.
func (s *ReminderService) Update(id int64, upd ReminderUpdate) (*domain.Reminder, error) {
	current, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	if upd.FireTime != nil {
		if !upd.FireTime.After(current.FireTimeUTC) {
			return nil, domain.NewValidationError("datetime", "reminder time can only move forward")
		}
		if err := s.storage.RescheduleReminder(id, *upd.FireTime); err != nil {
			return nil, fmt.Errorf("reschedule reminder: %w", err)
		}
	}

	if upd.Sent != nil && *upd.Sent {
		if _, err := s.storage.MarkReminderSent(id); err != nil {
			return nil, fmt.Errorf("mark sent: %w", err)
		}
	}

	completedNow := false
	if upd.Completed != nil && *upd.Completed {
		completedNow, err = s.storage.MarkReminderCompleted(id)
		if err != nil {
			return nil, fmt.Errorf("mark completed: %w", err)
		}
	}

	updated, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	if s.mirror != nil {
		switch {
		case completedNow:
			s.mirror.RemoveReminder(id)
		case upd.FireTime != nil:
			s.mirror.UpsertReminder(updated)
		}
	}
	return updated, nil
}

// MarkSent records that a delivery attempt was dispatched. Already-sent is a no-op.
func (s *ReminderService) MarkSent(id int64) error {
	flipped, err := s.storage.MarkReminderSent(id)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if !flipped {
		log.Printf("Reminder %d already marked sent", id)
	}
	return nil
}

func (s *ReminderService) Delete(id int64) error {
	if err := s.storage.DeleteReminder(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("delete reminder: %w", err)
	}
	if s.mirror != nil {
		s.mirror.RemoveReminder(id)
	}
	return nil
}
