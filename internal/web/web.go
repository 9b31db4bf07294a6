package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"calmirror/internal/caldav"
	"calmirror/internal/config"
	"calmirror/internal/ics"
	appLog "calmirror/internal/log"
	"calmirror/internal/model"
	"calmirror/internal/scheduler"
	"calmirror/internal/store"
	"calmirror/internal/syncer"
)

// Engine is the sync engine surface the API exposes.
type Engine interface {
	ListCalendars(ctx context.Context) ([]model.Calendar, error)
	RemoveCalendar(ctx context.Context, calendarID string) (int, error)
	ListInstances(ctx context.Context, calendarIDs []string, from, to time.Time) (ics.ExpandResult, error)
	GetEvent(ctx context.Context, calendarID, uid string) (model.Event, error)
	ApplyLocalMutation(ctx context.Context, calendarID string, m syncer.Mutation) (syncer.MutationResult, error)
	Connect(ctx context.Context, username, secret string) ([]model.Calendar, error)
	Disconnect(ctx context.Context) error
	Session() *syncer.Session
}

// Scheduler is the sync trigger and status source.
type Scheduler interface {
	TriggerNow(ctx context.Context) (syncer.Summary, error)
	Status() scheduler.Status
}

// Server provides the HTTP API over the local calendar cache.
type Server struct {
	cfg    *config.Config
	engine Engine
	sched  Scheduler
	loc    *time.Location
	router *mux.Router
}

func NewServer(cfg *config.Config, engine Engine, sched Scheduler) *Server {
	loc, err := cfg.Location()
	if err != nil {
		appLog.Error("failed to load timezone; falling back to UTC", err, "name", cfg.Timezone)
		loc = time.UTC
	}
	s := &Server{
		cfg:    cfg,
		engine: engine,
		sched:  sched,
		loc:    loc,
		router: mux.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the router, wrapped with basic auth when configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.cfg.BasicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calmirror", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/api/calendars", s.handleListCalendars).Methods(http.MethodGet)
	r.HandleFunc("/api/calendars/{calendarID}", s.handleRemoveCalendar).Methods(http.MethodDelete)

	r.HandleFunc("/api/events", s.handleListInstances).Methods(http.MethodGet)
	r.HandleFunc("/api/events", s.handleCreateEvent).Methods(http.MethodPost)
	r.HandleFunc("/api/events/{calendarID}/{uid}", s.handleGetEvent).Methods(http.MethodGet)
	r.HandleFunc("/api/events/{calendarID}/{uid}", s.handleUpdateEvent).Methods(http.MethodPatch)
	r.HandleFunc("/api/events/{calendarID}/{uid}", s.handleDeleteEvent).Methods(http.MethodDelete)

	r.HandleFunc("/api/sync", s.handleSync).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/status", s.handleSyncStatus).Methods(http.MethodGet)

	r.HandleFunc("/api/auth/connect", s.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/status", s.handleAuthStatus).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type calendarDTO struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Color      string     `json:"color"`
	Writable   bool       `json:"writable"`
	RemoteURL  string     `json:"remote_url"`
	LastSynced *time.Time `json:"last_synced"`
}

func toCalendarDTO(c model.Calendar) calendarDTO {
	dto := calendarDTO{
		ID:        c.ID,
		Name:      c.Name,
		Color:     c.Color,
		Writable:  c.Writable,
		RemoteURL: c.RemoteURL,
	}
	if !c.LastSynced.IsZero() {
		t := c.LastSynced
		dto.LastSynced = &t
	}
	return dto
}

func (s *Server) handleListCalendars(w http.ResponseWriter, r *http.Request) {
	cals, err := s.engine.ListCalendars(r.Context())
	if err != nil {
		s.writeEngineError(w, "list calendars", err)
		return
	}
	out := make([]calendarDTO, 0, len(cals))
	for _, c := range cals {
		out = append(out, toCalendarDTO(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"calendars": out})
}

func (s *Server) handleRemoveCalendar(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["calendarID"]
	removed, err := s.engine.RemoveCalendar(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, "remove calendar", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed_events": removed})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	sum, err := s.sched.TriggerNow(r.Context())
	if err != nil {
		s.writeEngineError(w, "sync", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Status())
}

type connectRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	cals, err := s.engine.Connect(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeEngineError(w, "connect", err)
		return
	}
	out := make([]calendarDTO, 0, len(cals))
	for _, c := range cals {
		out = append(out, toCalendarDTO(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": true,
		"username":  req.Username,
		"calendars": out,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Disconnect(r.Context()); err != nil {
		s.writeEngineError(w, "disconnect", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connected": false})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, _ *http.Request) {
	session := s.engine.Session()
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": session.Connected(),
		"username":  session.Username(),
	})
}

// writeEngineError maps engine and transport errors to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	var (
		pe *ics.PatchError
		ae *caldav.AuthError
		te *caldav.TransportError
	)
	switch {
	case errors.Is(err, syncer.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, syncer.ErrReadOnlyCalendar):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, syncer.ErrSyncInProgress), errors.Is(err, store.ErrExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, syncer.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &pe):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &ae):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &te):
		appLog.Error("api "+op+" failed", err)
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		appLog.Error("api "+op+" failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
