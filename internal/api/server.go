package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tazhate/ffdash/config"
	"github.com/tazhate/ffdash/internal/service"
)

// APIResponse is the error envelope. Successful calls return the bare record.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type Pinger interface {
	Ping() error
}

// Server is the dashboard REST API.
type Server struct {
	cfg       *config.Config
	reminders *service.ReminderService
	leads     *service.LeadService
	calendar  *service.CalendarService
	db        Pinger

	mux    *http.ServeMux
	server *http.Server
}

func NewServer(cfg *config.Config, reminders *service.ReminderService, leads *service.LeadService, calendar *service.CalendarService, db Pinger) *Server {
	s := &Server{
		cfg:       cfg,
		reminders: reminders,
		leads:     leads,
		calendar:  calendar,
		db:        db,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	// Health check stays open for the probe and the monitor
	s.mux.HandleFunc("GET /api/health", s.apiHealth)
	s.mux.HandleFunc("GET /health", s.apiHealth)

	// Reminders
	// GET patterns also answer HEAD, which older clients use as a probe
	s.mux.HandleFunc("GET /api/reminders", s.basicAuth(s.apiListReminders))
	s.mux.HandleFunc("POST /api/reminders", s.basicAuth(s.apiCreateReminder))
	s.mux.HandleFunc("GET /api/reminders.ics", s.basicAuth(s.apiRemindersFeed))
	s.mux.HandleFunc("GET /api/reminders/{id}", s.basicAuth(s.apiGetReminder))
	s.mux.HandleFunc("PUT /api/reminders/{id}", s.basicAuth(s.apiUpdateReminder))
	s.mux.HandleFunc("DELETE /api/reminders/{id}", s.basicAuth(s.apiDeleteReminder))

	// Leads (display names only)
	s.mux.HandleFunc("GET /api/leads/{id}", s.basicAuth(s.apiGetLead))

	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns the API with request logging.
func (s *Server) Handler() http.Handler {
	return logRequests(s.mux)
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              ":" + s.cfg.ServerPort,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting API server on :%s", s.cfg.ServerPort)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// basicAuth middleware. Without configured credentials the API is open.
func (s *Server) basicAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.APIUsername == "" || s.cfg.APIPassword == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.APIUsername)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.APIPassword)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="FF Dashboard API"`)
			jsonError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) apiHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			log.Printf("Health check: database: %v", err)
			jsonError(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, err string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{Success: false, Error: err})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if r.URL.Path == "/api/health" || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		log.Printf("[api] %s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}
