package domain

import "time"

type Reminder struct {
	ID     int64
	Text   string
	LeadID *int64

	// FireTimeUTC is the absolute instant shared with the server and other devices.
	FireTimeUTC time.Time

	// FireTimeLocalEpoch is the originating device's clock reading (unix millis)
	// for the same instant. Only used for scheduling math on that device.
	FireTimeLocalEpoch int64

	Completed bool
	Sent      bool

	// Synced and Provisional are local-only. Synced: the remote store has
	// acknowledged this record's state. Provisional: the id was assigned on
	// the device and the remote store has not seen the record yet.
	Synced      bool
	Provisional bool

	CreatedAt time.Time
}

// FireEpoch returns the unix millis a timer should be armed against.
func (r *Reminder) FireEpoch() int64 {
	if r.FireTimeLocalEpoch != 0 {
		return r.FireTimeLocalEpoch
	}
	return r.FireTimeUTC.UnixMilli()
}

// IsDue reports whether the fire time has been reached at now.
func (r *Reminder) IsDue(now time.Time) bool {
	return r.FireEpoch() <= now.UnixMilli()
}

// IsResolved reports whether any delivery path should skip this reminder.
func (r *Reminder) IsResolved() bool {
	return r.Completed
}

// SetFireTime rewrites both fire time fields for the instant t.
func (r *Reminder) SetFireTime(t time.Time) {
	r.FireTimeUTC = t.UTC()
	r.FireTimeLocalEpoch = t.UnixMilli()
}

func (r *Reminder) Clone() *Reminder {
	if r == nil {
		return nil
	}
	c := *r
	if r.LeadID != nil {
		id := *r.LeadID
		c.LeadID = &id
	}
	return &c
}

// SortByFireTime orders reminders by fire time, then id.
func SortByFireTime(a, b *Reminder) int {
	ea, eb := a.FireTimeUTC.UnixMilli(), b.FireTimeUTC.UnixMilli()
	switch {
	case ea < eb:
		return -1
	case ea > eb:
		return 1
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
