package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/tazhate/ffdash/internal/domain"
	"github.com/tazhate/ffdash/internal/service"
)

type ReminderResponse struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	DateTime  time.Time `json:"date_time"`
	LeadID    *int64    `json:"lead_id"`
	Completed bool      `json:"completed"`
	Sent      bool      `json:"sent"`
}

type LeadResponse struct {
	ID         int64  `json:"id"`
	ClientName string `json:"client_name"`
	Name       string `json:"name"`
}

// GET /api/reminders - all reminders, latest first
func (s *Server) apiListReminders(w http.ResponseWriter, r *http.Request) {
	reminders, err := s.reminders.List()
	if err != nil {
		log.Printf("[api] list reminders: %v", err)
		jsonError(w, "Ошибка сервера", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, remindersToResponse(reminders))
}

// createReminderRequest takes the lead as leadId; lead_id is still accepted.
type createReminderRequest struct {
	Text       string `json:"text"`
	DateTime   string `json:"datetime"`
	LeadID     *int64 `json:"leadId"`
	LegacyLead *int64 `json:"lead_id"`
}

func (req *createReminderRequest) lead() *int64 {
	if req.LeadID != nil {
		return req.LeadID
	}
	return req.LegacyLead
}

// POST /api/reminders - create reminder
func (s *Server) apiCreateReminder(w http.ResponseWriter, r *http.Request) {
	var req createReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	fireTime, err := parseDateTime(req.DateTime)
	if err != nil {
		jsonError(w, "Invalid datetime (use RFC 3339)", http.StatusBadRequest)
		return
	}

	reminder, err := s.reminders.Create(req.Text, fireTime, req.lead())
	if err != nil {
		s.serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, reminderToResponse(reminder))
}

// GET /api/reminders/{id}
func (s *Server) apiGetReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	reminder, err := s.reminders.Get(id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, reminderToResponse(reminder))
}

// PUT /api/reminders/{id} - partial update; flags only move false->true
func (s *Server) apiUpdateReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		Completed *bool   `json:"completed"`
		Sent      *bool   `json:"sent"`
		DateTime  *string `json:"datetime"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	upd := service.ReminderUpdate{Completed: req.Completed, Sent: req.Sent}
	if req.DateTime != nil {
		t, err := parseDateTime(*req.DateTime)
		if err != nil {
			jsonError(w, "Invalid datetime (use RFC 3339)", http.StatusBadRequest)
			return
		}
		upd.FireTime = &t
	}

	reminder, err := s.reminders.Update(id, upd)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, reminderToResponse(reminder))
}

// DELETE /api/reminders/{id}
func (s *Server) apiDeleteReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.reminders.Delete(id); err != nil {
		s.serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, APIResponse{Success: true, Data: map[string]string{"message": "Reminder deleted"}})
}

// GET /api/reminders.ics - pending reminders as an iCalendar feed
func (s *Server) apiRemindersFeed(w http.ResponseWriter, r *http.Request) {
	reminders, err := s.reminders.ListPending()
	if err != nil {
		log.Printf("[api] list pending reminders: %v", err)
		jsonError(w, "Ошибка сервера", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := s.calendar.WriteFeed(r.Context(), &buf, reminders); err != nil {
		if errors.Is(err, service.ErrEmptyFeed) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		log.Printf("[api] reminders feed: %v", err)
		jsonError(w, "Ошибка сервера", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="reminders.ics"`)
	w.Write(buf.Bytes())
}

// GET /api/leads/{id}
func (s *Server) apiGetLead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	lead, err := s.leads.Get(id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			jsonError(w, "Лид не найден", http.StatusNotFound)
			return
		}
		log.Printf("[api] get lead %d: %v", id, err)
		jsonError(w, "Ошибка сервера", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, LeadResponse{ID: lead.ID, ClientName: lead.ClientName, Name: lead.Name})
}

func (s *Server) serviceError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		jsonError(w, ve.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound):
		jsonError(w, "Напоминание не найдено", http.StatusNotFound)
	default:
		log.Printf("[api] %v", err)
		jsonError(w, "Ошибка сервера", http.StatusInternalServerError)
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

func parseDateTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("datetime is required")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func reminderToResponse(r *domain.Reminder) ReminderResponse {
	return ReminderResponse{
		ID:        r.ID,
		Text:      r.Text,
		DateTime:  r.FireTimeUTC.UTC(),
		LeadID:    r.LeadID,
		Completed: r.Completed,
		Sent:      r.Sent,
	}
}

func remindersToResponse(reminders []*domain.Reminder) []ReminderResponse {
	result := make([]ReminderResponse, 0, len(reminders))
	for _, r := range reminders {
		result = append(result, reminderToResponse(r))
	}
	return result
}
