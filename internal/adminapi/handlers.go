package adminapi

import (
	"net/http"

	"github.com/flowpbx/pbxcore/internal/tu"
)

type healthResponse struct {
	Status         string `json:"status"`
	RegisteredExts int    `json:"registered_extensions"`
	ShuttingDown   bool   `json:"shutting_down"`
}

// handleHealth is an unauthenticated liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		RegisteredExts: s.reg.Count(),
		ShuttingDown:   s.reg.ShuttingDown(),
	})
}

type extensionEntry struct {
	Extension int    `json:"extension"`
	State     string `json:"state"`
}

// handleRegistry returns a snapshot of every occupied extension and its
// telephone unit's current state.
func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	snap := s.reg.Snapshot()
	entries := make([]extensionEntry, 0, len(snap))
	for _, e := range snap {
		entries = append(entries, extensionEntry{Extension: e.Extension, State: e.State.String()})
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleCalls returns every extension currently participating in a
// pairing (ringing, ring-back, or connected), derived from the same
// registry snapshot the registry endpoint uses.
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	snap := s.reg.Snapshot()
	entries := make([]extensionEntry, 0)
	for _, e := range snap {
		switch e.State {
		case tu.Connected, tu.Ringing, tu.RingBack:
			entries = append(entries, extensionEntry{Extension: e.Extension, State: e.State.String()})
		}
	}
	writeJSON(w, http.StatusOK, entries)
}

type cdrResponse struct {
	ID          int64   `json:"id"`
	CallerExt   int     `json:"caller_ext"`
	CalleeExt   int     `json:"callee_ext"`
	StartedAt   string  `json:"started_at"`
	AnsweredAt  *string `json:"answered_at"`
	EndedAt     string  `json:"ended_at"`
	Disposition string  `json:"disposition"`
}

// handleCDRs returns a page of call detail records, newest first.
func (s *Server) handleCDRs(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	rows, err := s.cdrs.List(r.Context(), pg.Limit, pg.Offset)
	if err != nil {
		s.log.Error("admin api: listing cdrs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]cdrResponse, 0, len(rows))
	for _, c := range rows {
		resp := cdrResponse{
			ID:          c.ID,
			CallerExt:   c.CallerExt,
			CalleeExt:   c.CalleeExt,
			StartedAt:   c.StartedAt.Format(timeLayout),
			EndedAt:     c.EndedAt.Format(timeLayout),
			Disposition: c.Disposition,
		}
		if c.AnsweredAt.Valid {
			s := c.AnsweredAt.Time.Format(timeLayout)
			resp.AnsweredAt = &s
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

type shutdownResponse struct {
	ShuttingDown bool `json:"shutting_down"`
}

// handleShutdown triggers the same graceful shutdown path as an OS signal.
// Idempotent: repeated calls while a shutdown is already in progress are
// harmless no-ops from the caller's point of view.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.triggerShutdown()
	writeJSON(w, http.StatusAccepted, shutdownResponse{ShuttingDown: true})
}
