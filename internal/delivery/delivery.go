package delivery

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/tazhate/ffdash/internal/bot"
	"github.com/tazhate/ffdash/internal/domain"
	"github.com/tazhate/ffdash/internal/metrics"
)

const (
	channelTimeout = 10 * time.Second
	lookupTimeout  = 3 * time.Second
)

// Notification actions offered by the background worker.
const (
	ActionAcknowledge = string(domain.ActionAcknowledge)
	ActionSnooze      = string(domain.ActionSnooze)
)

// Notification is a system-level notification shown on the device.
type Notification struct {
	ReminderID int64    `json:"reminder_id"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Actions    []string `json:"actions,omitempty"`
}

// LocalNotifier renders notifications on the device. PermissionGranted must
// not prompt the user.
type LocalNotifier interface {
	PermissionGranted() bool
	Notify(n Notification) error
}

type ChannelSender interface {
	IsConfigured() bool
	Send(ctx context.Context, msg bot.Message) error
}

type LeadLookup interface {
	LookupLead(ctx context.Context, id int64) (*domain.Lead, error)
}

// Options controls a channel message.
type Options struct {
	Silent        bool
	MentionUserID string
}

// Adapter performs the notification side effects of one delivery path.
// Every failure is logged and swallowed.
type Adapter struct {
	path    string
	local   LocalNotifier
	channel ChannelSender
	leads   LeadLookup
}

// New creates an adapter. Any collaborator may be nil: a nil notifier or an
// unconfigured channel degrades delivery to whatever is left.
func New(path string, local LocalNotifier, channel ChannelSender, leads LeadLookup) *Adapter {
	return &Adapter{
		path:    path,
		local:   local,
		channel: channel,
		leads:   leads,
	}
}

// WithChannel returns a copy of the adapter that sends through channel.
func (a *Adapter) WithChannel(channel ChannelSender) *Adapter {
	c := *a
	c.channel = channel
	return &c
}

// DeliverLocalNotification shows n if notification permission was granted
// beforehand. It reports whether the notification was shown.
func (a *Adapter) DeliverLocalNotification(ctx context.Context, n Notification) bool {
	if a.local == nil || !a.local.PermissionGranted() {
		metrics.Delivery(a.path, metrics.ChannelLocal, metrics.ResultSkipped)
		return false
	}
	if err := a.local.Notify(n); err != nil {
		log.Printf("[%s] local notification for reminder %d: %v", a.path, n.ReminderID, err)
		metrics.Delivery(a.path, metrics.ChannelLocal, metrics.ResultFailed)
		return false
	}
	metrics.Delivery(a.path, metrics.ChannelLocal, metrics.ResultSent)
	return true
}

// DeliverChannelMessage posts text to the bot channel. It reports whether the
// message was accepted; missing credentials mean local-only delivery.
func (a *Adapter) DeliverChannelMessage(ctx context.Context, text string, opts Options) bool {
	if a.channel == nil || !a.channel.IsConfigured() {
		metrics.Delivery(a.path, metrics.ChannelBot, metrics.ResultSkipped)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, channelTimeout)
	defer cancel()

	msg := bot.Message{
		Text:   WithMention(text, opts.MentionUserID),
		Silent: opts.Silent,
	}
	if err := a.channel.Send(ctx, msg); err != nil {
		log.Printf("[%s] %v: %v", a.path, domain.ErrChannelDeliveryFailed, err)
		metrics.Delivery(a.path, metrics.ChannelBot, metrics.ResultFailed)
		return false
	}
	metrics.Delivery(a.path, metrics.ChannelBot, metrics.ResultSent)
	return true
}

// Compose builds the channel text for r, adding the lead's name when the
// lookup succeeds.
func (a *Adapter) Compose(ctx context.Context, r *domain.Reminder) string {
	text := FormatReminder(r.Text)
	if r.LeadID == nil || a.leads == nil {
		return text
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	lead, err := a.leads.LookupLead(ctx, *r.LeadID)
	if err != nil {
		log.Printf("[%s] lead %d lookup: %v", a.path, *r.LeadID, err)
		return text
	}
	return WithLead(text, lead)
}

// Deliver runs both side effects for r: the local notification and the
// channel message.
func (a *Adapter) Deliver(ctx context.Context, r *domain.Reminder, opts Options, actions ...string) {
	a.DeliverLocalNotification(ctx, Notification{
		ReminderID: r.ID,
		Title:      "Напоминание",
		Body:       r.Text,
		Actions:    actions,
	})
	a.DeliverChannelMessage(ctx, a.Compose(ctx, r), opts)
}

func FormatReminder(text string) string {
	return fmt.Sprintf("🔔 Напоминание: %s", text)
}

func WithLead(text string, lead *domain.Lead) string {
	name := lead.DisplayName()
	if name == "" {
		return text
	}
	return fmt.Sprintf("%s\n\n👤 Клиент: %s", text, name)
}

func WithMention(text, user string) string {
	user = strings.TrimPrefix(strings.TrimSpace(user), "@")
	if user == "" {
		return text
	}
	return fmt.Sprintf("%s\n\n@%s", text, user)
}
