package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tazhate/ffdash/internal/domain"
)

// DefaultTimeout bounds every remote call so a hung API never stalls the caller.
const DefaultTimeout = 3 * time.Second

// APIError is a non-2xx answer from the dashboard API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is a dashboard REST API client
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

// NewClient creates a client for the API rooted at baseURL (".../api").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// SetBasicAuth sets credentials sent with every request
func (c *Client) SetBasicAuth(username, password string) {
	c.username = username
	c.password = password
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// doRequest performs an HTTP request with auth
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	return respBody, nil
}

// ListReminders returns all reminders
func (c *Client) ListReminders(ctx context.Context) ([]Reminder, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/reminders", nil)
	if err != nil {
		return nil, err
	}

	var reminders []Reminder
	if err := json.Unmarshal(data, &reminders); err != nil {
		return nil, fmt.Errorf("unmarshal reminders: %w", err)
	}
	return reminders, nil
}

// CreateReminder creates a reminder and returns it with the server-assigned id
func (c *Client) CreateReminder(ctx context.Context, req CreateReminderRequest) (*Reminder, error) {
	req.DateTime = req.DateTime.UTC()
	data, err := c.doRequest(ctx, http.MethodPost, "/reminders", req)
	if err != nil {
		return nil, err
	}

	var reminder Reminder
	if err := json.Unmarshal(data, &reminder); err != nil {
		return nil, fmt.Errorf("unmarshal reminder: %w", err)
	}
	return &reminder, nil
}

// UpdateReminder applies a partial update
func (c *Client) UpdateReminder(ctx context.Context, id int64, req UpdateReminderRequest) (*Reminder, error) {
	if req.DateTime != nil {
		t := req.DateTime.UTC()
		req.DateTime = &t
	}
	data, err := c.doRequest(ctx, http.MethodPut, fmt.Sprintf("/reminders/%d", id), req)
	if err != nil {
		return nil, err
	}

	var reminder Reminder
	if err := json.Unmarshal(data, &reminder); err != nil {
		return nil, fmt.Errorf("unmarshal reminder: %w", err)
	}
	return &reminder, nil
}

// CompleteReminder marks a reminder completed
func (c *Client) CompleteReminder(ctx context.Context, id int64) (*Reminder, error) {
	completed := true
	return c.UpdateReminder(ctx, id, UpdateReminderRequest{Completed: &completed})
}

// DeleteReminder removes a reminder
func (c *Client) DeleteReminder(ctx context.Context, id int64) error {
	_, err := c.doRequest(ctx, http.MethodDelete, fmt.Sprintf("/reminders/%d", id), nil)
	return err
}

// GetLead returns a lead by ID
func (c *Client) GetLead(ctx context.Context, id int64) (*Lead, error) {
	data, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/leads/%d", id), nil)
	if err != nil {
		return nil, err
	}

	var lead Lead
	if err := json.Unmarshal(data, &lead); err != nil {
		return nil, fmt.Errorf("unmarshal lead: %w", err)
	}
	return &lead, nil
}

// LookupLead satisfies delivery.LeadLookup.
func (c *Client) LookupLead(ctx context.Context, id int64) (*domain.Lead, error) {
	lead, err := c.GetLead(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return lead.ToDomain(), nil
}
