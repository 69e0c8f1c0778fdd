package domain

type EventKind string

const (
	ReminderCreated   EventKind = "reminder_created"
	ReminderCompleted EventKind = "reminder_completed"
	ReminderDeleted   EventKind = "reminder_deleted"
	ReminderSnoozed   EventKind = "reminder_snoozed"
)

// ReminderEvent is published by the reminder store after a state change.
type ReminderEvent struct {
	Kind     EventKind
	Reminder *Reminder
}
