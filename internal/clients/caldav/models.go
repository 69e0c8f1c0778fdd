package caldav

import "time"

// Calendar represents a CalDAV calendar
type Calendar struct {
	ID          string // Calendar path/URL
	DisplayName string
	URL         string
}

// Event represents a calendar event
type Event struct {
	UID         string // Unique ID in CalDAV
	Summary     string // Title
	Description string
	StartTime   time.Time
	EndTime     time.Time
	Stamp       time.Time // DTSTAMP; now when zero
	Reminders   []Reminder
}

// Reminder represents an event alarm
type Reminder struct {
	MinutesBefore int
}
