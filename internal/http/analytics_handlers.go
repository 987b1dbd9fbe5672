package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/driver-dispatch/internal/analytics"
	"github.com/example/driver-dispatch/internal/apperr"
)

const (
	defaultWindowHours = 24
	maxWindowHours     = 24 * 31
)

func (s *Server) window(r *http.Request) (analytics.Window, error) {
	hours := defaultWindowHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		h, err := strconv.Atoi(raw)
		if err != nil || h < 1 || h > maxWindowHours {
			return analytics.Window{}, apperr.Newf(apperr.CodeValidation, "hours must be an integer between 1 and %d", maxWindowHours)
		}
		hours = h
	}
	return analytics.LastHours(s.analytics.Now(), hours), nil
}

// dateParam reads a YYYY-MM-DD query parameter, defaulting to fallback.
func (s *Server) dateParam(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	t, err := s.analytics.ParseDate(raw)
	if err != nil {
		return time.Time{}, apperr.Wrap(apperr.CodeValidation, err, name+" must be formatted as YYYY-MM-DD")
	}
	return t, nil
}

func storeFailure(err error) error {
	if apperr.As(err) != nil {
		return err
	}
	return apperr.Wrap(apperr.CodeStoreUnavailable, err, "analytics query failed")
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	n, err := s.analytics.ActiveMatchings(r.Context())
	if err != nil {
		s.writeError(w, r, storeFailure(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active_matchings": n})
}

func (s *Server) handleMatchingTime(w http.ResponseWriter, r *http.Request) {
	win, err := s.window(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.analytics.AverageMatchingTime(r.Context(), win)
	if err != nil {
		s.writeError(w, r, storeFailure(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"avg_matching_seconds": v, "window": win})
}

func (s *Server) handleAcceptanceRate(w http.ResponseWriter, r *http.Request) {
	win, err := s.window(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.analytics.AcceptanceRate(r.Context(), win)
	if err != nil {
		s.writeError(w, r, storeFailure(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acceptance_rate": v, "window": win})
}

func (s *Server) handleTimeoutRate(w http.ResponseWriter, r *http.Request) {
	win, err := s.window(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.analytics.TimeoutRate(r.Context(), win)
	if err != nil {
		s.writeError(w, r, storeFailure(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeout_rate": v, "window": win})
}

func (s *Server) handleWorkerStats(w http.ResponseWriter, r *http.Request) {
	win, err := s.window(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.analytics.WorkerResponseStats(r.Context(), mux.Vars(r)["worker_id"], win)
	if err != nil {
		s.writeError(w, r, storeFailure(err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	date, err := s.dateParam(r, "date", s.analytics.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.analytics.DailyReport(r.Context(), date)
	if err != nil {
		s.writeError(w, r, storeFailure(err))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleWeeklyReport(w http.ResponseWriter, r *http.Request) {
	start, err := s.dateParam(r, "start", s.analytics.Now().AddDate(0, 0, -6))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.analytics.WeeklyReport(r.Context(), start)
	if err != nil {
		s.writeError(w, r, storeFailure(err))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.analytics.SystemHealth(r.Context())
	if err != nil {
		s.writeError(w, r, storeFailure(err))
		return
	}
	writeJSON(w, http.StatusOK, h)
}
