package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"perp-executor/internal/report"
	"perp-executor/internal/router"
	"perp-executor/pkg/types"
)

// CloseAller is the slice of the position manager the close_all endpoint
// needs.
type CloseAller interface {
	CloseAll(ctx context.Context, reason types.CloseReason) ([]*types.Position, error)
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	router   *router.Router
	reporter *report.Reporter
	closer   CloseAller
	logger   *slog.Logger
}

// NewHandlers creates a handlers instance.
func NewHandlers(rt *router.Router, reporter *report.Reporter, closer CloseAller, logger *slog.Logger) *Handlers {
	return &Handlers{
		router:   rt,
		reporter: reporter,
		closer:   closer,
		logger:   logger.With("component", "api-handlers"),
	}
}

// envelope is the uniform response shape: {success, message, data}.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleTrigger accepts one trade signal and returns per-symbol outcomes.
// Unknown JSON keys are ignored; a malformed body is a 400.
func (h *Handlers) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, envelope{Message: "POST required"})
		return
	}

	var sig types.TradeSignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Message: "malformed signal: " + err.Error()})
		return
	}

	results, err := h.router.Handle(r.Context(), sig)
	if err != nil {
		writeJSON(w, statusFor(err), envelope{Message: err.Error()})
		return
	}

	allOK := true
	for _, res := range results {
		if !res.OK {
			allOK = false
			break
		}
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: allOK,
		Data:    map[string]any{"results": results},
	})
}

// HandleCloseAll force-closes every open position.
func (h *Handlers) HandleCloseAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, envelope{Message: "POST required"})
		return
	}

	closed, err := h.closer.CloseAll(r.Context(), types.ReasonForced)
	body := envelope{
		Success: err == nil,
		Data:    map[string]any{"closed": closed},
	}
	if err != nil {
		body.Message = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleStatus returns the live open-position view.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	positions := h.reporter.OpenPositions(time.Now())
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data: map[string]any{
			"open_count": len(positions),
			"positions":  positions,
		},
	})
}

// HandleHistory returns closed positions, optionally filtered by symbol and
// a [start_date, end_date) time window (YYYY-MM-DD, RFC 3339, or unix
// milliseconds).
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start, err := parseTime(q.Get("start_date"), time.Time{})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Message: "bad start_date: " + err.Error()})
		return
	}
	end, err := parseTime(q.Get("end_date"), time.Now().UTC())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Message: "bad end_date: " + err.Error()})
		return
	}
	limit := 100
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit <= 0 {
			writeJSON(w, http.StatusBadRequest, envelope{Message: "bad limit"})
			return
		}
	}

	rows, err := h.reporter.History(q.Get("symbol"), start, end, limit)
	if err != nil {
		h.logger.Error("history query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, envelope{Message: "history query failed"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    map[string]any{"positions": rows, "count": len(rows)},
	})
}

// HandleDailyPnL returns the realized summary for one UTC day
// (default: today).
func (h *Handlers) HandleDailyPnL(w http.ResponseWriter, r *http.Request) {
	date := time.Now().UTC()
	if s := r.URL.Query().Get("date"); s != "" {
		var err error
		if date, err = time.Parse("2006-01-02", s); err != nil {
			writeJSON(w, http.StatusBadRequest, envelope{Message: "bad date, want YYYY-MM-DD"})
			return
		}
	}

	summary, err := h.reporter.Daily(date)
	if err != nil {
		h.logger.Error("daily rollup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, envelope{Message: "daily rollup failed"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: summary})
}

func statusFor(err error) int {
	switch router.Classify(err) {
	case "rejected":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func parseTime(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
