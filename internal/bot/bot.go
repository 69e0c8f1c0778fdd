package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const sendTimeout = 10 * time.Second

var ErrNotConfigured = errors.New("bot channel is not configured")

// Message is one outbound channel message.
type Message struct {
	ChatID    int64
	Text      string
	Silent    bool
	ParseMode string
}

// Channel posts messages through the Telegram Bot API. The underlying BotAPI
// is created on first use, so an unreachable API at startup does not keep the
// process from running.
type Channel struct {
	token    string
	chatID   int64
	endpoint string
	client   *http.Client

	mu  sync.Mutex
	api *tgbotapi.BotAPI
}

func NewChannel(token string, chatID int64, endpoint string) *Channel {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	return &Channel{
		token:    token,
		chatID:   chatID,
		endpoint: endpoint,
		client:   &http.Client{Timeout: sendTimeout},
	}
}

// IsConfigured returns true if the channel has a token and a destination
func (c *Channel) IsConfigured() bool {
	return c != nil && c.token != "" && c.chatID != 0
}

func (c *Channel) ChatID() int64 {
	return c.chatID
}

func (c *Channel) connect() (*tgbotapi.BotAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.api != nil {
		return c.api, nil
	}

	api, err := tgbotapi.NewBotAPIWithClient(c.token, c.endpoint, c.client)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	log.Printf("Authorized as @%s", api.Self.UserName)

	c.api = api
	return api, nil
}

// Send posts msg. A zero ChatID means the channel's configured destination.
func (c *Channel) Send(ctx context.Context, msg Message) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	api, err := c.connect()
	if err != nil {
		return err
	}

	chatID := msg.ChatID
	if chatID == 0 {
		chatID = c.chatID
	}

	out := tgbotapi.NewMessage(chatID, msg.Text)
	out.DisableNotification = msg.Silent
	out.ParseMode = msg.ParseMode
	if _, err := api.Send(out); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// SendMessage sends an HTML message to chatID.
func (c *Channel) SendMessage(chatID int64, text string) error {
	return c.Send(context.Background(), Message{ChatID: chatID, Text: text, ParseMode: tgbotapi.ModeHTML})
}
