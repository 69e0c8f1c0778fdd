package dashboard

import (
	"time"

	"github.com/tazhate/ffdash/internal/domain"
)

// Reminder is a reminder as the dashboard API returns it
type Reminder struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	DateTime  time.Time `json:"date_time"`
	LeadID    *int64    `json:"lead_id"`
	Completed bool      `json:"completed"`
	Sent      bool      `json:"sent"`
}

// ToDomain converts the wire record. The result is synced by definition.
func (r *Reminder) ToDomain() *domain.Reminder {
	return &domain.Reminder{
		ID:          r.ID,
		Text:        r.Text,
		LeadID:      r.LeadID,
		FireTimeUTC: r.DateTime.UTC(),
		Completed:   r.Completed,
		Sent:        r.Sent,
		Synced:      true,
	}
}

// CreateReminderRequest for creating a new reminder
type CreateReminderRequest struct {
	Text     string    `json:"text"`
	DateTime time.Time `json:"datetime"`
	LeadID   *int64    `json:"leadId,omitempty"`
}

// UpdateReminderRequest for partial updates. Nil fields are left untouched.
type UpdateReminderRequest struct {
	Completed *bool      `json:"completed,omitempty"`
	Sent      *bool      `json:"sent,omitempty"`
	DateTime  *time.Time `json:"datetime,omitempty"`
}

// Lead is the part of a lead the reminder subsystem reads
type Lead struct {
	ID         int64  `json:"id"`
	ClientName string `json:"client_name"`
	Name       string `json:"name"`
}

func (l *Lead) ToDomain() *domain.Lead {
	return &domain.Lead{
		ID:         l.ID,
		ClientName: l.ClientName,
		Name:       l.Name,
	}
}
