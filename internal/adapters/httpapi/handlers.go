package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"autotrader/internal/app"
	"autotrader/internal/domain"
	"autotrader/internal/ports"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type settingsView struct {
	ScanIntervalSeconds int64   `json:"scan_interval_seconds"`
	MaxSignals          int     `json:"max_signals"`
	MaxDrawdownPct      float64 `json:"max_drawdown_pct"`
	MaxDailyTrades      int     `json:"max_daily_trades"`
	MaxPositionPct      float64 `json:"max_position_pct"`
}

func newSettingsView(s app.Settings) settingsView {
	return settingsView{
		ScanIntervalSeconds: int64(s.ScanInterval / time.Second),
		MaxSignals:          s.MaxSignals,
		MaxDrawdownPct:      s.MaxDrawdownPct,
		MaxDailyTrades:      s.MaxDailyTrades,
		MaxPositionPct:      s.MaxPositionPct,
	}
}

type statusView struct {
	Running  bool                   `json:"running"`
	Mode     domain.Mode            `json:"mode"`
	Settings settingsView           `json:"settings"`
	LastRun  *time.Time             `json:"last_run,omitempty"`
	NextRun  *time.Time             `json:"next_run,omitempty"`
	Stats    domain.AutomationStats `json:"stats"`
	Capital  domain.Capital         `json:"capital"`
}

type tradeView struct {
	ID            string             `json:"id"`
	Symbol        string             `json:"symbol"`
	Side          domain.OrderSide   `json:"side"`
	Quantity      float64            `json:"quantity"`
	EntryPrice    float64            `json:"entry_price"`
	ExitPrice     *float64           `json:"exit_price,omitempty"`
	TakeProfit    float64            `json:"take_profit"`
	StopLoss      float64            `json:"stop_loss"`
	Leverage      int                `json:"leverage"`
	Margin        float64            `json:"margin"`
	PNL           *float64           `json:"pnl,omitempty"`
	UnrealizedPNL float64            `json:"unrealized_pnl"`
	Status        domain.TradeStatus `json:"status"`
	Mode          domain.Mode        `json:"mode"`
	Strategy      string             `json:"strategy,omitempty"`
	OpenedAt      time.Time          `json:"opened_at"`
	ClosedAt      *time.Time         `json:"closed_at,omitempty"`
}

func newTradeView(t *domain.Trade) tradeView {
	return tradeView{
		ID: t.ID, Symbol: t.Symbol, Side: t.Side, Quantity: t.Quantity, EntryPrice: t.EntryPrice,
		ExitPrice: t.ExitPrice, TakeProfit: t.TakeProfit, StopLoss: t.StopLoss, Leverage: t.Leverage,
		Margin: t.Margin, PNL: t.PNL, UnrealizedPNL: t.UnrealizedPNL, Status: t.Status, Mode: t.Mode(),
		Strategy: t.Strategy, OpenedAt: t.OpenedAt, ClosedAt: t.ClosedAt,
	}
}

type cycleView struct {
	Rejected    bool    `json:"rejected"`
	Reason      string  `json:"reason,omitempty"`
	MaxDrawdown float64 `json:"max_drawdown,omitempty"`
	TradesToday int     `json:"trades_today,omitempty"`
	Signals     int     `json:"signals"`
	Admitted    int     `json:"admitted"`
	Executed    int     `json:"executed"`
	Failed      int     `json:"failed"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st := s.cfg.Automation.Status()
	writeJSON(w, http.StatusOK, statusView{
		Running: st.Running, Mode: st.Mode, Settings: newSettingsView(st.Settings),
		LastRun: st.LastRun, NextRun: st.NextRun, Stats: st.Stats, Capital: st.Capital,
	})
}

func (s *Server) startAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Automation.Start() {
		writeError(w, http.StatusConflict, "already_running", "automation is already running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) stopAutomation(w http.ResponseWriter, r *http.Request) {
	joined := s.cfg.Automation.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"running": false, "joined": joined})
}

func (s *Server) scanNow(w http.ResponseWriter, r *http.Request) {
	report, err := s.cfg.Automation.ScanNow(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	v := cycleView{Signals: report.Signals, Admitted: report.Admitted, Executed: report.Executed, Failed: report.Failed}
	if report.Rejection != nil {
		v.Rejected = true
		v.Reason = report.Rejection.Reason
		v.MaxDrawdown = report.Rejection.MaxDrawdown
		v.TradesToday = report.Rejection.TradesToday
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newSettingsView(s.cfg.Automation.Status().Settings))
}

// updateSettings takes an object of store keys to numbers or numeric strings.
func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "body must be a JSON object")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty_update", "no settings given")
		return
	}

	values := make(map[string]string, len(body))
	for key, raw := range body {
		value, err := settingValue(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_value", fmt.Sprintf("%s: %v", key, err))
			return
		}
		values[strings.ToUpper(key)] = value
	}

	if err := s.cfg.Automation.UpdateSettings(r.Context(), values); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSettingsView(s.cfg.Automation.Status().Settings))
}

func settingValue(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return "", errors.New("must be a number or a string")
	}
	return num.String(), nil
}

func (s *Server) listTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ports.TradeFilter{Symbol: strings.ToUpper(q.Get("symbol"))}

	switch status := domain.TradeStatus(q.Get("status")); status {
	case "", domain.StatusOpen, domain.StatusClosed:
		filter.Status = status
	default:
		writeError(w, http.StatusBadRequest, "invalid_status", "status must be open or closed")
		return
	}
	switch mode := domain.Mode(q.Get("mode")); mode {
	case "":
	case domain.ModeVirtual, domain.ModeReal:
		virtual := mode == domain.ModeVirtual
		filter.Virtual = &virtual
	default:
		writeError(w, http.StatusBadRequest, "invalid_mode", "mode must be virtual or real")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	trades, err := s.cfg.Trades.GetTrades(r.Context(), filter)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	out := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		out = append(out, newTradeView(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) closeTrade(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	closed, err := s.cfg.Automation.ClosePosition(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "closed": closed})
}

func (s *Server) getCapital(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[domain.Mode]domain.Capital{
		domain.ModeVirtual: s.cfg.Capital.Get(domain.ModeVirtual),
		domain.ModeReal:    s.cfg.Capital.Get(domain.ModeReal),
	})
}

func (s *Server) resetCapital(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Balance float64 `json:"balance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "body must be {\"balance\": <number>}")
		return
	}
	if err := s.cfg.Capital.Reset(r.Context(), body.Balance); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Capital.Get(domain.ModeVirtual))
}

func (s *Server) getSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.cfg.Automation.Summary(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// statusFor maps sentinel errors to HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ports.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ports.ErrNotFound), errors.Is(err, ports.ErrPositionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ports.ErrAlreadyClosed):
		return http.StatusConflict, "already_closed"
	case errors.Is(err, ports.ErrCycleInProgress):
		return http.StatusConflict, "cycle_in_progress"
	case errors.Is(err, ports.ErrUnsupportedMode):
		return http.StatusConflict, "unsupported_mode"
	case errors.Is(err, ports.ErrPartialClose):
		return http.StatusAccepted, "partial_close"
	case errors.Is(err, ports.ErrTimeout), errors.Is(err, ports.ErrConnectionFailed),
		errors.Is(err, ports.ErrExchangeUnavailable), errors.Is(err, ports.ErrRateLimited):
		return http.StatusBadGateway, "upstream_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.cfg.Logger.Error(r.Context(), err, "HTTP request failed", map[string]interface{}{"path": r.URL.Path, "method": r.Method})
	}
	writeError(w, status, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
