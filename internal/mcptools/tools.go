// Package mcptools exposes the dashboard reminders to MCP clients.
//
// Each tool has the same shape: a struct holding the API client,
// Definition() returning the mcp.Tool schema, and Handle() serving a call.
// Failures are reported as tool errors, never as protocol errors.
package mcptools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tazhate/ffdash/internal/clients/dashboard"
)

const dateLayout = "02.01.2006 15:04"

// API is the part of the dashboard client the tools use.
type API interface {
	ListReminders(ctx context.Context) ([]dashboard.Reminder, error)
	CreateReminder(ctx context.Context, req dashboard.CreateReminderRequest) (*dashboard.Reminder, error)
	CompleteReminder(ctx context.Context, id int64) (*dashboard.Reminder, error)
	DeleteReminder(ctx context.Context, id int64) error
}

// Register adds every reminder tool to s.
func Register(s *server.MCPServer, api API, loc *time.Location) {
	list := NewListTool(api, loc)
	s.AddTool(list.Definition(), list.Handle)

	create := NewCreateTool(api, loc)
	s.AddTool(create.Definition(), create.Handle)

	complete := NewCompleteTool(api)
	s.AddTool(complete.Definition(), complete.Handle)

	del := NewDeleteTool(api)
	s.AddTool(del.Definition(), del.Handle)
}

// ListTool handles ffdash_list_reminders.
type ListTool struct {
	api API
	loc *time.Location
}

func NewListTool(api API, loc *time.Location) *ListTool {
	return &ListTool{api: api, loc: loc}
}

func (t *ListTool) Definition() mcp.Tool {
	return mcp.NewTool("ffdash_list_reminders",
		mcp.WithDescription("List reminders from the dashboard. Completed ones are hidden unless include_completed is true."),
		mcp.WithBoolean("include_completed",
			mcp.Description("Also list completed reminders"),
		),
	)
}

func (t *ListTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reminders, err := t.api.ListReminders(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list reminders: %v", err)), nil
	}
	all := boolArg(req, "include_completed", false)

	var sb strings.Builder
	count := 0
	for _, r := range reminders {
		if r.Completed && !all {
			continue
		}
		count++
		sb.WriteString(formatReminder(&r, t.loc))
		sb.WriteString("\n")
	}
	if count == 0 {
		return mcp.NewToolResultText("Нет напоминаний"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Напоминания (%d):\n%s", count, sb.String())), nil
}

// CreateTool handles ffdash_create_reminder.
type CreateTool struct {
	api API
	loc *time.Location
}

func NewCreateTool(api API, loc *time.Location) *CreateTool {
	return &CreateTool{api: api, loc: loc}
}

func (t *CreateTool) Definition() mcp.Tool {
	return mcp.NewTool("ffdash_create_reminder",
		mcp.WithDescription("Create a reminder. The channel notification is sent when the time comes."),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("What to remind about"),
		),
		mcp.WithString("datetime",
			mcp.Required(),
			mcp.Description("When to remind: RFC 3339, or DD.MM.YYYY HH:MM in the dashboard timezone"),
		),
		mcp.WithNumber("lead_id",
			mcp.Description("Lead the reminder is about"),
		),
	)
}

func (t *CreateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := strings.TrimSpace(req.GetString("text", ""))
	if text == "" {
		return mcp.NewToolResultError("'text' is required"), nil
	}
	at, err := parseTime(req.GetString("datetime", ""), t.loc)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	create := dashboard.CreateReminderRequest{Text: text, DateTime: at}
	if id := intArg(req, "lead_id", 0); id > 0 {
		leadID := int64(id)
		create.LeadID = &leadID
	}

	r, err := t.api.CreateReminder(ctx, create)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create reminder: %v", err)), nil
	}
	return mcp.NewToolResultText("Напоминание создано: " + formatReminder(r, t.loc)), nil
}

// CompleteTool handles ffdash_complete_reminder.
type CompleteTool struct {
	api API
}

func NewCompleteTool(api API) *CompleteTool {
	return &CompleteTool{api: api}
}

func (t *CompleteTool) Definition() mcp.Tool {
	return mcp.NewTool("ffdash_complete_reminder",
		mcp.WithDescription("Mark a reminder as done"),
		mcp.WithNumber("id",
			mcp.Required(),
			mcp.Description("Reminder ID"),
		),
	)
}

func (t *CompleteTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := intArg(req, "id", 0)
	if id <= 0 {
		return mcp.NewToolResultError("'id' is required"), nil
	}
	if _, err := t.api.CompleteReminder(ctx, int64(id)); err != nil {
		if dashboard.IsNotFound(err) {
			return mcp.NewToolResultError(fmt.Sprintf("reminder %d not found", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to complete reminder: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Напоминание %d выполнено", id)), nil
}

// DeleteTool handles ffdash_delete_reminder.
type DeleteTool struct {
	api API
}

func NewDeleteTool(api API) *DeleteTool {
	return &DeleteTool{api: api}
}

func (t *DeleteTool) Definition() mcp.Tool {
	return mcp.NewTool("ffdash_delete_reminder",
		mcp.WithDescription("Delete a reminder"),
		mcp.WithNumber("id",
			mcp.Required(),
			mcp.Description("Reminder ID"),
		),
	)
}

func (t *DeleteTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := intArg(req, "id", 0)
	if id <= 0 {
		return mcp.NewToolResultError("'id' is required"), nil
	}
	if err := t.api.DeleteReminder(ctx, int64(id)); err != nil {
		if dashboard.IsNotFound(err) {
			return mcp.NewToolResultError(fmt.Sprintf("reminder %d not found", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete reminder: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Напоминание %d удалено", id)), nil
}

func formatReminder(r *dashboard.Reminder, loc *time.Location) string {
	status := "⏳"
	switch {
	case r.Completed:
		status = "✅"
	case r.Sent:
		status = "📨"
	}
	line := fmt.Sprintf("%s #%d %s: %s", status, r.ID, r.DateTime.In(loc).Format(dateLayout), r.Text)
	if r.LeadID != nil {
		line += fmt.Sprintf(" (лид #%d)", *r.LeadID)
	}
	return line
}

func parseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("'datetime' is required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(dateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid datetime %q: use RFC 3339 or DD.MM.YYYY HH:MM", s)
	}
	return t, nil
}

// intArg reads a number argument. JSON numbers arrive as float64.
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}
