package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gocarina/gocsv"

	"github.com/onnwee/stream-copilot/telemetry"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err), slog.String("component", "http"))
	}
}

func postOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// HandleRaffleStart opens the credit raffle.
func (h *Handlers) HandleRaffleStart(w http.ResponseWriter, r *http.Request) {
	if !postOnly(w, r) {
		return
	}
	if !h.deps.Admin.StartRaffle(r.Context()) {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already_open"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "open"})
}

// HandleRaffleEnd closes the raffle and pays the winner. The draw includes the
// announcement pauses, so the response arrives several seconds later.
func (h *Handlers) HandleRaffleEnd(w http.ResponseWriter, r *http.Request) {
	if !postOnly(w, r) {
		return
	}
	res, err := h.deps.Admin.EndRaffle(r.Context())
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("raffle end failed", slog.Any("err", err), slog.String("component", "http"))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := map[string]any{"entrants": res.Entrants, "paid": res.Paid}
	if res.Winner != nil {
		out["winner"] = res.Winner.DisplayName
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleRaffleCancel(w http.ResponseWriter, r *http.Request) {
	if !postOnly(w, r) {
		return
	}
	if !h.deps.Admin.CancelRaffle(r.Context()) {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "not_open"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

// HandleRulerRefresh issues a new challenge as if the refresh reward were redeemed.
func (h *Handlers) HandleRulerRefresh(w http.ResponseWriter, r *http.Request) {
	if !postOnly(w, r) {
		return
	}
	h.deps.Admin.RefreshRuler(r.Context())
	writeJSON(w, http.StatusOK, h.deps.Admin.State(r.Context()).Ruler)
}

func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Admin.State(r.Context()))
}

type rewardRow struct {
	ID              string `csv:"id"`
	Title           string `csv:"title"`
	Cost            int    `csv:"cost"`
	Enabled         bool   `csv:"enabled"`
	Paused          bool   `csv:"paused"`
	InputRequired   bool   `csv:"input_required"`
	CooldownSeconds int    `csv:"cooldown_seconds"`
	Prompt          string `csv:"prompt"`
}

// HandleRewardsCSV exports the reward catalog for spreadsheet editing.
func (h *Handlers) HandleRewardsCSV(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.deps.Admin.Rewards(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	rows := make([]*rewardRow, 0, len(rewards))
	for _, rw := range rewards {
		rows = append(rows, &rewardRow{
			ID:              rw.ID,
			Title:           rw.Title,
			Cost:            rw.Cost,
			Enabled:         rw.Enabled,
			Paused:          rw.Paused,
			InputRequired:   rw.UserInputRequired,
			CooldownSeconds: rw.CooldownSeconds,
			Prompt:          rw.Prompt,
		})
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="rewards.csv"`)
	if err := gocsv.Marshal(rows, w); err != nil {
		slog.Warn("rewards csv export failed", slog.Any("err", err), slog.String("component", "http"))
	}
}
