package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"icalfeed/internal/config"
	"icalfeed/internal/feed"
	"icalfeed/internal/ics"
	appLog "icalfeed/internal/log"
	"icalfeed/internal/present"
	"icalfeed/internal/timeparse"
)

// Calendar is one served calendar: its refreshing source plus display limits.
type Calendar struct {
	Source    *feed.Source
	Days      int
	MaxEvents int
}

// Server provides the HTTP API over the calendar stores.
type Server struct {
	cfg       *config.Config
	mux       *http.ServeMux
	calendars []Calendar
	byName    map[string]Calendar
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, calendars []Calendar) *Server {
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		calendars: calendars,
		byName:    make(map[string]Calendar, len(calendars)),
	}
	for _, c := range calendars {
		s.byName[c.Source.Name()] = c
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials mean auth is off.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
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
			w.Header().Set("WWW-Authenticate", `Basic realm="icalfeed", charset="UTF-8"`)
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

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen, "calendars", len(s.calendars))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/calendars", s.handleCalendars)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/next", s.handleNext)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// calendarDTO summarizes one calendar for /api/calendars.
type calendarDTO struct {
	Name        string         `json:"name"`
	Timezone    string         `json:"timezone"`
	Days        int            `json:"days"`
	MaxEvents   int            `json:"max_events"`
	Ready       bool           `json:"ready"`
	Occurrences int            `json:"occurrences"`
	RefreshedAt *time.Time     `json:"refreshed_at,omitempty"`
	WindowFrom  *time.Time     `json:"window_from,omitempty"`
	WindowTo    *time.Time     `json:"window_to,omitempty"`
	FromCache   bool           `json:"from_cache"`
	Next        *present.Event `json:"next,omitempty"`
}

func (s *Server) handleCalendars(w http.ResponseWriter, _ *http.Request) {
	out := make([]calendarDTO, 0, len(s.calendars))
	for _, c := range s.calendars {
		dto := calendarDTO{
			Name:      c.Source.Name(),
			Timezone:  c.Source.Zone().String(),
			Days:      c.Days,
			MaxEvents: c.MaxEvents,
		}
		if st := c.Source.Store().State(); st != nil {
			dto.Ready = true
			dto.Occurrences = len(st.Occurrences)
			dto.RefreshedAt = &st.RefreshedAt
			dto.WindowFrom = &st.WindowFrom
			dto.WindowTo = &st.WindowTo
			dto.FromCache = st.FromCache
		}
		if next, ok := c.Source.Store().Next(c.Source.Now()); ok {
			ev := present.FromOccurrence(next)
			dto.Next = &ev
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Calendar   string          `json:"calendar"`
	Events     []present.Event `json:"events"`
	Total      int             `json:"total"`
	RangeStart time.Time       `json:"range_start"`
	RangeEnd   time.Time       `json:"range_end"`
	TimeZone   string          `json:"timezone"`
}

// handleEvents returns the cached occurrences of one calendar.
//
// GET /api/events?calendar=team&start=today&end=next+friday&limit=5
//   - start, end: "YYYY-MM-DD" or natural language; default today and
//     today + days. They are echoed back; the cached list is not
//     re-filtered against them.
//   - limit: defaults to the calendar's max_events; 0 or less returns all.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	loc := c.Source.Zone()
	now := c.Source.Now()

	start, err := timeparse.ParseDate(q.Get("start"), now, loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	if start.IsZero() {
		start = ics.StartOfDay(now, loc)
	}
	end, err := timeparse.ParseDate(q.Get("end"), now, loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	if end.IsZero() {
		end = start.AddDate(0, 0, c.Days)
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "end is before start")
		return
	}

	limit := parseIntDefault(q.Get("limit"), c.MaxEvents)

	occs := c.Source.Store().Events(start, end)
	appLog.Debug("api events request",
		"calendar", c.Source.Name(),
		"range_start", start.Format(time.RFC3339),
		"range_end", end.Format(time.RFC3339),
		"total", len(occs),
		"limit", limit,
	)

	writeJSON(w, http.StatusOK, eventsResponse{
		Calendar:   c.Source.Name(),
		Events:     present.Events(present.Truncate(occs, limit)),
		Total:      len(occs),
		RangeStart: start,
		RangeEnd:   end,
		TimeZone:   loc.String(),
	})
}

// nextResponse is the JSON response shape for /api/next.
type nextResponse struct {
	Calendar string             `json:"calendar"`
	Event    *present.NextEvent `json:"event"`
	At       time.Time          `json:"at"`
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	now := c.Source.Now().In(c.Source.Zone())
	resp := nextResponse{Calendar: c.Source.Name(), At: now}
	if occ, found := c.Source.Store().Next(now); found {
		ev := present.Next(occ, now)
		resp.Event = &ev
	}
	writeJSON(w, http.StatusOK, resp)
}

// refreshResponse is the JSON response shape for /api/refresh.
type refreshResponse struct {
	Calendar    string     `json:"calendar"`
	Skipped     bool       `json:"skipped"`
	Shared      bool       `json:"shared"`
	Occurrences int        `json:"occurrences"`
	RefreshedAt *time.Time `json:"refreshed_at,omitempty"`
}

// handleRefresh triggers a throttled refresh of one calendar, or of every
// calendar when none is named.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("calendar") == "" && len(s.calendars) != 1 {
		sources := make([]*feed.Source, 0, len(s.calendars))
		for _, c := range s.calendars {
			sources = append(sources, c.Source)
		}
		if err := feed.RefreshAll(r.Context(), sources); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"refreshed": len(sources)})
		return
	}

	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	res, err := c.Source.Refresh(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := refreshResponse{
		Calendar: c.Source.Name(),
		Skipped:  res.Skipped,
		Shared:   res.Shared,
	}
	if res.State != nil {
		resp.Occurrences = len(res.State.Occurrences)
		resp.RefreshedAt = &res.State.RefreshedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// lookup resolves the calendar query parameter. With a single configured
// calendar the parameter may be omitted.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (Calendar, bool) {
	name := r.URL.Query().Get("calendar")
	if name == "" {
		if len(s.calendars) == 1 {
			return s.calendars[0], true
		}
		writeError(w, http.StatusBadRequest, "calendar parameter is required")
		return Calendar{}, false
	}
	c, ok := s.byName[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown calendar: "+name)
		return Calendar{}, false
	}
	return c, true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
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
