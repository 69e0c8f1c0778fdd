package service

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tazhate/ffdash/internal/domain"
	"github.com/tazhate/ffdash/internal/storage"
)

type recordingMirror struct {
	mu       sync.Mutex
	upserted []int64
	removed  []int64
}

func (m *recordingMirror) UpsertReminder(r *domain.Reminder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserted = append(m.upserted, r.ID)
}

func (m *recordingMirror) RemoveReminder(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, id)
}

func newStorage(t *testing.T) *storage.Storage {
	t.Helper()
	st, err := storage.New(filepath.Join(t.TempDir(), "ffdash.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newReminderService(t *testing.T) (*ReminderService, *recordingMirror) {
	t.Helper()
	svc := NewReminderService(newStorage(t))
	m := &recordingMirror{}
	svc.SetMirror(m)
	return svc, m
}

func boolPtr(b bool) *bool { return &b }

func TestReminderServiceCreate(t *testing.T) {
	svc, mirror := newReminderService(t)
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.FixedZone("MSK", 3*3600))
	leadID := int64(12)

	r, err := svc.Create("  Call back  ", at, &leadID)
	require.NoError(t, err)
	assert.NotZero(t, r.ID)
	assert.Equal(t, "Call back", r.Text)
	assert.Equal(t, time.UTC, r.FireTimeUTC.Location())

	got, err := svc.Get(r.ID)
	require.NoError(t, err)
	assert.True(t, got.FireTimeUTC.Equal(at))
	assert.Equal(t, leadID, *got.LeadID)
	assert.False(t, got.Completed)
	assert.False(t, got.Sent)
	assert.Equal(t, []int64{r.ID}, mirror.upserted)
}

func TestReminderServiceCreateValidation(t *testing.T) {
	svc, _ := newReminderService(t)

	tests := []struct {
		name string
		text string
		at   time.Time
	}{
		{"empty text", "", time.Now()},
		{"blank text", "   ", time.Now()},
		{"no time", "Call", time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(tt.text, tt.at, nil)
			assert.True(t, domain.IsValidation(err), "got %v", err)
		})
	}

	all, err := svc.List()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestReminderServiceAcceptsPastTime(t *testing.T) {
	svc, _ := newReminderService(t)

	r, err := svc.Create("Synced late", time.Now().Add(-time.Hour), nil)
	require.NoError(t, err)

	due, err := svc.GetDueReminders()
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, r.ID, due[0].ID)
}

func TestReminderServiceFlagsOnlyMoveForward(t *testing.T) {
	svc, mirror := newReminderService(t)
	r, err := svc.Create("Call", time.Now().Add(time.Hour), nil)
	require.NoError(t, err)

	got, err := svc.Update(r.ID, ReminderUpdate{Completed: boolPtr(true), Sent: boolPtr(true)})
	require.NoError(t, err)
	assert.True(t, got.Completed)
	assert.True(t, got.Sent)

	got, err = svc.Update(r.ID, ReminderUpdate{Completed: boolPtr(false), Sent: boolPtr(false)})
	require.NoError(t, err)
	assert.True(t, got.Completed, "false never clears completed")
	assert.True(t, got.Sent)

	// completing twice removes the mirror event once
	assert.Equal(t, []int64{r.ID}, mirror.removed)
}

func TestReminderServiceReschedule(t *testing.T) {
	svc, mirror := newReminderService(t)
	at := time.Now().Add(-time.Minute).Truncate(time.Second)
	r, err := svc.Create("Call", at, nil)
	require.NoError(t, err)
	require.NoError(t, svc.MarkSent(r.ID))

	earlier := at.Add(-time.Minute)
	_, err = svc.Update(r.ID, ReminderUpdate{FireTime: &earlier})
	assert.True(t, domain.IsValidation(err))

	_, err = svc.Update(r.ID, ReminderUpdate{FireTime: &at})
	assert.True(t, domain.IsValidation(err), "same time is not forward")

	later := at.Add(5 * time.Minute)
	got, err := svc.Update(r.ID, ReminderUpdate{FireTime: &later})
	require.NoError(t, err)
	assert.True(t, got.FireTimeUTC.Equal(later))
	assert.False(t, got.Sent, "rescheduling clears sent")
	assert.Equal(t, []int64{r.ID, r.ID}, mirror.upserted)
}

func TestReminderServiceMissing(t *testing.T) {
	svc, _ := newReminderService(t)

	_, err := svc.Get(99)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.Update(99, ReminderUpdate{Completed: boolPtr(true)})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.ErrorIs(t, svc.Delete(99), domain.ErrNotFound)
}

func TestReminderServiceDelete(t *testing.T) {
	svc, mirror := newReminderService(t)
	r, err := svc.Create("Call", time.Now().Add(time.Hour), nil)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(r.ID))
	_, err = svc.Get(r.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, []int64{r.ID}, mirror.removed)
}

func TestReminderServiceListPending(t *testing.T) {
	svc, _ := newReminderService(t)
	now := time.Now()

	late, _ := svc.Create("late", now.Add(2*time.Hour), nil)
	early, _ := svc.Create("early", now.Add(time.Hour), nil)
	done, _ := svc.Create("done", now.Add(30*time.Minute), nil)
	_, err := svc.Update(done.ID, ReminderUpdate{Completed: boolPtr(true)})
	require.NoError(t, err)

	pending, err := svc.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, early.ID, pending[0].ID)
	assert.Equal(t, late.ID, pending[1].ID)
}

func TestLeadServiceLookup(t *testing.T) {
	st := newStorage(t)
	lead := &domain.Lead{ClientName: "ООО Ромашка", Name: "Иван"}
	require.NoError(t, st.CreateLead(lead))

	svc := NewLeadService(st)
	got, err := svc.Get(lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "ООО Ромашка", got.DisplayName())

	_, err = svc.Get(lead.ID + 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
