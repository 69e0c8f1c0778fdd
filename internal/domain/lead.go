package domain

import "time"

// Lead is the read-only slice of a sales lead the reminder subsystem needs:
// enough to put a client name into a notification.
type Lead struct {
	ID         int64
	ClientName string // Название клиента
	Name       string // Контактное имя
	Phone      string
	Status     string
	CreatedAt  time.Time
}

// DisplayName returns the client name, falling back to the contact name.
func (l *Lead) DisplayName() string {
	if l == nil {
		return ""
	}
	if l.ClientName != "" {
		return l.ClientName
	}
	return l.Name
}
