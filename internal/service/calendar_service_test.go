package service

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tazhate/ffdash/internal/clients/caldav"
	"github.com/tazhate/ffdash/internal/domain"
)

func TestReminderUID(t *testing.T) {
	assert.Equal(t, "reminder-42@ffdash", ReminderUID(42))
}

func TestReminderEvent(t *testing.T) {
	st := newStorage(t)
	lead := &domain.Lead{ClientName: "ООО Ромашка"}
	require.NoError(t, st.CreateLead(lead))

	svc := NewCalendarService(nil, NewLeadService(st), time.UTC)
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	r := &domain.Reminder{ID: 7, Text: "Call back", FireTimeUTC: at, LeadID: &lead.ID}

	ev := svc.ReminderEvent(context.Background(), r)
	assert.Equal(t, "reminder-7@ffdash", ev.UID)
	assert.Equal(t, "🔔 Call back", ev.Summary)
	assert.Equal(t, "Клиент: ООО Ромашка", ev.Description)
	assert.True(t, ev.StartTime.Equal(at))
	assert.True(t, ev.EndTime.After(at))
	assert.Equal(t, []caldav.Reminder{{MinutesBefore: 0}}, ev.Reminders)
}

func TestWriteFeed(t *testing.T) {
	svc := NewCalendarService(nil, nil, time.UTC)
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	reminders := []*domain.Reminder{
		{ID: 1, Text: "First", FireTimeUTC: at},
		{ID: 2, Text: "Second", FireTimeUTC: at.Add(time.Hour)},
	}

	var buf bytes.Buffer
	require.NoError(t, svc.WriteFeed(context.Background(), &buf, reminders))

	cal, err := ical.NewDecoder(&buf).Decode()
	require.NoError(t, err)

	events := cal.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "reminder-1@ffdash", events[0].Props.Get(ical.PropUID).Value)

	start, err := events[1].DateTimeStart(time.UTC)
	require.NoError(t, err)
	assert.True(t, start.Equal(at.Add(time.Hour)))

	require.Len(t, events[0].Children, 1)
	assert.Equal(t, ical.CompAlarm, events[0].Children[0].Name)
	assert.Equal(t, "-PT0M", events[0].Children[0].Props.Get(ical.PropTrigger).Value)
}

func TestWriteFeedEmpty(t *testing.T) {
	svc := NewCalendarService(nil, nil, nil)
	var buf bytes.Buffer
	assert.ErrorIs(t, svc.WriteFeed(context.Background(), &buf, nil), ErrEmptyFeed)
}

func TestMirrorWithoutCredentialsIsNoop(t *testing.T) {
	svc := NewCalendarService(caldav.NewClient("", "", ""), nil, time.UTC)
	assert.False(t, svc.IsConfigured())

	svc.UpsertReminder(&domain.Reminder{ID: 1})
	svc.RemoveReminder(1)
	svc.Wait()

	assert.Error(t, svc.Connect(context.Background(), ""))
}

func TestConnectCachesCalendarPath(t *testing.T) {
	st := newStorage(t)
	client := caldav.NewClient("http://127.0.0.1:1", "manager", "secret")
	svc := NewCalendarService(client, nil, time.UTC)
	svc.SetSettings(st)

	require.NoError(t, svc.Connect(context.Background(), "/calendars/manager/work/"))
	cached, err := st.GetSetting("caldav_calendar_path//calendars/manager/work/")
	require.NoError(t, err)
	assert.Equal(t, "/calendars/manager/work/", cached)

	// a display name resolved earlier needs no discovery
	require.NoError(t, st.SetSetting("caldav_calendar_path/Работа", "/calendars/manager/abc/"))
	require.NoError(t, svc.Connect(context.Background(), "Работа"))
	assert.Equal(t, "/calendars/manager/abc/", client.CalendarPath())
}
