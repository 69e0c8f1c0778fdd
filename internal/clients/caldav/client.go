package caldav

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
)

const (
	// Apple iCloud CalDAV endpoint
	DefaultiCloudURL = "https://caldav.icloud.com"

	productID = "-//FFDash//Reminders//RU"
)

// Client is a CalDAV client for the calendar reminders are mirrored to
type Client struct {
	baseURL      string
	username     string
	password     string
	calendarPath string // Optional: specific calendar to use

	mu     sync.Mutex
	client *caldav.Client
}

// NewClient creates a new CalDAV client
func NewClient(baseURL, username, password string) *Client {
	if baseURL == "" {
		baseURL = DefaultiCloudURL
	}
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
	}
}

// IsConfigured returns true if the client has credentials
func (c *Client) IsConfigured() bool {
	return c != nil && c.username != "" && c.password != ""
}

// SetCalendarPath sets the calendar to use
func (c *Client) SetCalendarPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calendarPath = path
}

func (c *Client) CalendarPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calendarPath
}

// connect establishes connection to CalDAV server
func (c *Client) connect() (*caldav.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	httpClient := &http.Client{
		Transport: &basicAuthTransport{
			username: c.username,
			password: c.password,
		},
		Timeout: 30 * time.Second,
	}

	client, err := caldav.NewClient(httpClient, c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to CalDAV: %w", err)
	}

	c.client = client
	return client, nil
}

// basicAuthTransport adds Basic Auth to HTTP requests
type basicAuthTransport struct {
	username string
	password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.username, t.password)
	return http.DefaultTransport.RoundTrip(req)
}

// DiscoverCalendars returns all calendars for the user
func (c *Client) DiscoverCalendars(ctx context.Context) ([]Calendar, error) {
	client, err := c.connect()
	if err != nil {
		return nil, err
	}

	// Find the user's calendar home
	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("find principal: %w", err)
	}

	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("find home set: %w", err)
	}

	cals, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("find calendars: %w", err)
	}

	var result []Calendar
	for _, cal := range cals {
		result = append(result, Calendar{
			ID:          cal.Path,
			DisplayName: cal.Name,
			URL:         cal.Path,
		})
	}

	return result, nil
}

// ResolveCalendar picks the calendar events go to. name may be a calendar
// path, a display name, or empty for the first calendar found.
func (c *Client) ResolveCalendar(ctx context.Context, name string) (string, error) {
	if strings.HasPrefix(name, "/") {
		c.SetCalendarPath(name)
		return name, nil
	}

	cals, err := c.DiscoverCalendars(ctx)
	if err != nil {
		return "", err
	}
	for _, cal := range cals {
		if name == "" || strings.EqualFold(cal.DisplayName, name) {
			c.SetCalendarPath(cal.URL)
			return cal.URL, nil
		}
	}
	return "", fmt.Errorf("calendar %q not found", name)
}

// PutEvent creates or replaces an event in the calendar
func (c *Client) PutEvent(ctx context.Context, event *Event) error {
	client, err := c.connect()
	if err != nil {
		return err
	}

	path, err := c.eventPath(event.UID)
	if err != nil {
		return err
	}

	if _, err := client.PutCalendarObject(ctx, path, EventToICS(event)); err != nil {
		return fmt.Errorf("put event: %w", err)
	}
	return nil
}

// DeleteEvent deletes an event by UID
func (c *Client) DeleteEvent(ctx context.Context, uid string) error {
	client, err := c.connect()
	if err != nil {
		return err
	}

	path, err := c.eventPath(uid)
	if err != nil {
		return err
	}

	if err := client.RemoveAll(ctx, path); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

func (c *Client) eventPath(uid string) (string, error) {
	calendarPath := c.CalendarPath()
	if calendarPath == "" {
		return "", fmt.Errorf("calendar path not specified")
	}
	if uid == "" {
		return "", fmt.Errorf("event uid is required")
	}
	if !strings.HasSuffix(calendarPath, "/") {
		calendarPath += "/"
	}
	return calendarPath + uid + ".ics", nil
}

// NewCalendar returns an empty VCALENDAR with the product id set
func NewCalendar() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	return cal
}

// EventToICS converts an Event to a single-event calendar
func EventToICS(event *Event) *ical.Calendar {
	cal := NewCalendar()
	cal.Children = append(cal.Children, EventComponent(event))
	return cal
}

// EventComponent builds the VEVENT for event, with one VALARM per reminder
func EventComponent(event *Event) *ical.Component {
	vevent := ical.NewEvent()
	vevent.Props.SetText(ical.PropUID, event.UID)
	vevent.Props.SetText(ical.PropSummary, event.Summary)

	if event.Description != "" {
		vevent.Props.SetText(ical.PropDescription, event.Description)
	}

	// iCalendar will use the Z suffix
	vevent.Props.SetDateTime(ical.PropDateTimeStart, event.StartTime.UTC())
	if !event.EndTime.IsZero() {
		vevent.Props.SetDateTime(ical.PropDateTimeEnd, event.EndTime.UTC())
	}

	stamp := event.Stamp
	if stamp.IsZero() {
		stamp = time.Now()
	}
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())

	for _, r := range event.Reminders {
		alarm := ical.NewComponent(ical.CompAlarm)
		alarm.Props.SetText(ical.PropAction, "DISPLAY")
		alarm.Props.SetText(ical.PropDescription, event.Summary)

		trigger := ical.NewProp(ical.PropTrigger)
		trigger.Value = fmt.Sprintf("-PT%dM", r.MinutesBefore)
		alarm.Props.Set(trigger)

		vevent.Children = append(vevent.Children, alarm)
	}

	return vevent.Component
}

// EncodeCalendar writes cal in iCalendar format
func EncodeCalendar(w io.Writer, cal *ical.Calendar) error {
	return ical.NewEncoder(w).Encode(cal)
}

// SerializeCalendar converts calendar to string (for debugging)
func SerializeCalendar(cal *ical.Calendar) string {
	var buf bytes.Buffer
	_ = EncodeCalendar(&buf, cal)
	return buf.String()
}
