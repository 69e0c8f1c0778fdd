package agent

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/tazhate/ffdash/internal/domain"
	"github.com/tazhate/ffdash/internal/reminders"
)

const (
	defaultUpcomingWindow = 24 * time.Hour
	defaultUpcomingLimit  = 5
)

type response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type reminderResponse struct {
	ID          int64     `json:"id"`
	Text        string    `json:"text"`
	DateTime    time.Time `json:"date_time"`
	LeadID      *int64    `json:"lead_id"`
	Completed   bool      `json:"completed"`
	Synced      bool      `json:"synced"`
	Provisional bool      `json:"provisional"`
}

type createResponse struct {
	Reminder reminderResponse   `json:"reminder"`
	Mode     reminders.SaveMode `json:"mode"`
	Notice   string             `json:"notice,omitempty"`
}

type statusResponse struct {
	Online   bool `json:"online"`
	InMemory bool `json:"in_memory"`
	Pending  int  `json:"pending"`
	Timers   int  `json:"timers"`
	Pages    int  `json:"pages"`
}

// Handler is the local surface the dashboard page talks to.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /local/reminders", a.listReminders)
	mux.HandleFunc("POST /local/reminders", a.createReminder)
	mux.HandleFunc("GET /local/reminders/upcoming", a.upcomingReminders)
	mux.HandleFunc("POST /local/reminders/{id}/complete", a.completeReminder)
	mux.HandleFunc("POST /local/reminders/{id}/snooze", a.snoozeReminder)
	mux.HandleFunc("DELETE /local/reminders/{id}", a.deleteReminder)

	mux.HandleFunc("GET /local/settings", a.getSettings)
	mux.HandleFunc("PUT /local/settings", a.saveSettings)

	mux.HandleFunc("POST /local/connectivity", a.setConnectivity)
	mux.HandleFunc("GET /local/status", a.status)

	mux.HandleFunc("GET /ws", a.hub.HandleWebSocket)
	return mux
}

func (a *Agent) listReminders(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, toResponses(a.store.ListPending()))
}

type createRequest struct {
	Text       string `json:"text"`
	DateTime   string `json:"datetime"`
	LeadID     *int64 `json:"leadId"`
	LegacyLead *int64 `json:"lead_id"`
}

func (req *createRequest) lead() *int64 {
	if req.LeadID != nil {
		return req.LeadID
	}
	return req.LegacyLead
}

func (a *Agent) createReminder(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	fireTime, err := time.Parse(time.RFC3339, req.DateTime)
	if err != nil {
		jsonError(w, "Укажите дату и время напоминания", http.StatusBadRequest)
		return
	}

	reminder, mode, err := a.store.Create(r.Context(), req.Text, fireTime, req.lead())
	if err != nil {
		storeError(w, err)
		return
	}

	resp := createResponse{Reminder: toResponse(reminder), Mode: mode}
	if mode != reminders.SavedOnline {
		resp.Notice = "Напоминание сохранено локально и будет синхронизировано при подключении"
	}
	jsonResponse(w, http.StatusCreated, resp)
}

func (a *Agent) upcomingReminders(w http.ResponseWriter, r *http.Request) {
	window := defaultUpcomingWindow
	if v := r.URL.Query().Get("hours"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			jsonError(w, "Invalid hours", http.StatusBadRequest)
			return
		}
		window = time.Duration(hours) * time.Hour
	}

	limit := defaultUpcomingLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	jsonResponse(w, http.StatusOK, toResponses(a.store.ListUpcoming(window, limit)))
}

func (a *Agent) completeReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.store.MarkCompleted(r.Context(), id); err != nil {
		storeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, response{Success: true})
}

func (a *Agent) snoozeReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		Minutes int `json:"minutes"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}
	d := a.cfg.SnoozeInterval()
	if req.Minutes != 0 {
		d = time.Duration(req.Minutes) * time.Minute
	}

	reminder, err := a.store.Snooze(r.Context(), id, d)
	if err != nil {
		storeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toResponse(reminder))
}

func (a *Agent) deleteReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.store.Delete(r.Context(), id); err != nil {
		storeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, response{Success: true})
}

func (a *Agent) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := a.workerDB.Settings()
	if err != nil {
		log.Printf("[agent] %v: read settings: %v", domain.ErrStorageUnavailable, err)
		jsonError(w, "Settings unavailable", http.StatusInternalServerError)
		return
	}
	// the token never leaves the agent
	if settings.BotToken != "" {
		settings.BotToken = "********"
	}
	jsonResponse(w, http.StatusOK, settings)
}

func (a *Agent) saveSettings(w http.ResponseWriter, r *http.Request) {
	var settings domain.ChannelSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		jsonError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if (settings.BotToken == "") != (settings.ChatID == 0) {
		jsonError(w, "botToken and chatId must be set together", http.StatusBadRequest)
		return
	}
	a.worker.Post(domain.SaveSettings{Settings: settings})
	jsonResponse(w, http.StatusOK, response{Success: true})
}

func (a *Agent) setConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	a.gate.SetOnline(req.Online)
	jsonResponse(w, http.StatusOK, response{Success: true})
}

func (a *Agent) status(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, statusResponse{
		Online:   a.gate.IsReachable(),
		InMemory: a.store.InMemory(),
		Pending:  len(a.store.ListPending()),
		Timers:   a.timers.Pending(),
		Pages:    a.hub.Clients(),
	})
}

func storeError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		jsonError(w, ve.Message, http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound):
		jsonError(w, "Напоминание не найдено", http.StatusNotFound)
	default:
		log.Printf("[agent] %v", err)
		jsonError(w, "Internal error", http.StatusInternalServerError)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		jsonError(w, "Invalid ID", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, err string, status int) {
	jsonResponse(w, status, response{Success: false, Error: err})
}

func toResponse(r *domain.Reminder) reminderResponse {
	return reminderResponse{
		ID:          r.ID,
		Text:        r.Text,
		DateTime:    r.FireTimeUTC,
		LeadID:      r.LeadID,
		Completed:   r.Completed,
		Synced:      r.Synced,
		Provisional: r.Provisional,
	}
}

func toResponses(list []*domain.Reminder) []reminderResponse {
	out := make([]reminderResponse, 0, len(list))
	for _, r := range list {
		out = append(out, toResponse(r))
	}
	return out
}
