package server

import (
	"errors"
	"net/http"

	"health-vault/internal/sos"
)

// handleSOSSummary serves the cached emergency summary. It accepts either a
// full-capability bearer token or an emergency session id, and never blocks
// on regeneration: a stale cached summary beats no summary when someone is
// unconscious.
func (s *Server) handleSOSSummary(w http.ResponseWriter, r *http.Request) {
	if eid := emergencySessionID(r); eid != "" {
		if !s.auth.IsEmergencySession(eid) {
			writeError(w, http.StatusForbidden, "invalid emergency session")
			return
		}
	} else if s.requireSession(w, r) == "" {
		return
	}

	lang := r.URL.Query().Get("lang")
	if lang == "" {
		lang = "en"
	}
	entry, err := s.sos.GetSummary(lang)
	if err != nil {
		if errors.Is(err, sos.ErrNotYetGenerated) {
			writeError(w, http.StatusNotFound, "summary not yet generated")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{
		Language:    entry.Language,
		Content:     entry.Content,
		GeneratedAt: entry.GeneratedAt,
		Source:      string(entry.Source),
	})
}

func (s *Server) handleSOSGenerate(w http.ResponseWriter, r *http.Request) {
	if s.requireSession(w, r) == "" {
		return
	}
	var req generateRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	if err := s.sos.GenerateSummary(r.Context(), req.Force); err != nil {
		s.log.Error().Err(err).Msg("summary generation failed")
		writeError(w, http.StatusInternalServerError, "generation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "generated"})
}

func (s *Server) handleSOSStatus(w http.ResponseWriter, r *http.Request) {
	if s.requireSession(w, r) == "" {
		return
	}
	status, err := s.sos.GetStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, status)
}
