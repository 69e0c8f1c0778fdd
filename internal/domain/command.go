package domain

// WorkerCommand is a message from the page to the background worker.
// The set of implementations is closed; the worker switches on the concrete type.
type WorkerCommand interface {
	workerCommand()
}

type ScheduleReminder struct {
	Reminder *Reminder
}

type CancelReminder struct {
	ID int64
}

// MarkCompleted tells the worker the reminder was resolved elsewhere. It does
// not cancel the worker timer; the timer observes the flag when it fires.
type MarkCompleted struct {
	ID int64
}

type SaveSettings struct {
	Settings ChannelSettings
}

type NotificationActionKind string

const (
	ActionAcknowledge NotificationActionKind = "acknowledge"
	ActionSnooze      NotificationActionKind = "snooze"
)

// NotificationAction is the user's response to a delivered notification.
type NotificationAction struct {
	ID     int64
	Action NotificationActionKind
}

func (ScheduleReminder) workerCommand()   {}
func (CancelReminder) workerCommand()     {}
func (MarkCompleted) workerCommand()      {}
func (SaveSettings) workerCommand()       {}
func (NotificationAction) workerCommand() {}
