package observability

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"boostd/internal/timer"
)

// StatusSource is the read-only registry surface used by /status.
type StatusSource interface {
	Records() []timer.Record
	Status(e timer.EntityID) timer.Status
	Counts() timer.Counts
	History() []timer.HistoryItem
}

// HealthSource reports daemon health for /health as a JSON-encodable value.
type HealthSource func() any

type statusView struct {
	Now     time.Time           `json:"now"`
	Counts  countsView          `json:"counts"`
	Timers  []timer.Status      `json:"timers"`
	History []timer.HistoryItem `json:"history,omitempty"`
}

type countsView struct {
	Total       int `json:"total"`
	Active      int `json:"active"`
	Paused      int `json:"paused"`
	CircuitOpen int `json:"circuit_open"`
	Unscheduled int `json:"unscheduled"`
}

const defaultHistoryLimit = 20

// handleStatus serves GET /status (whole table) and GET /status?entity=<id>.
// history=<n> limits the number of recent firings included.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	if id := strings.TrimSpace(q.Get("entity")); id != "" {
		st := s.status.Status(timer.EntityID(id))
		code := http.StatusOK
		if !st.Exists {
			code = http.StatusNotFound
		}
		writeJSON(w, code, st)
		return
	}

	limit := defaultHistoryLimit
	if v := q.Get("history"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid history", http.StatusBadRequest)
			return
		}
		limit = n
	}

	c := s.status.Counts()
	view := statusView{
		Now: time.Now(),
		Counts: countsView{
			Total:       c.Total,
			Active:      c.Active,
			Paused:      c.Paused,
			CircuitOpen: c.CircuitOpen,
			Unscheduled: c.Unscheduled,
		},
	}
	recs := s.status.Records()
	view.Timers = make([]timer.Status, 0, len(recs))
	for _, rec := range recs {
		view.Timers = append(view.Timers, s.status.Status(rec.EntityID))
	}
	if hist := s.status.History(); limit > 0 && len(hist) > 0 {
		if len(hist) > limit {
			hist = hist[len(hist)-limit:]
		}
		view.History = hist
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
