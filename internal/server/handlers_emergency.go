package server

import (
	"errors"
	"net/http"
	"time"

	"health-vault/internal/audit"
	"health-vault/internal/auth"
)

// handleEmergencyAccess is deliberately unauthenticated: it is the path a
// first responder uses when the owner cannot log in. Denials and grants are
// both audited inside the auth manager.
func (s *Server) handleEmergencyAccess(w http.ResponseWriter, r *http.Request) {
	if !s.emergencyLimiter.allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "too many attempts")
		return
	}
	var req emergencyAccessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.auth.CheckEmergencyAccess(auth.EmergencyAttempt{
		At:     time.Now(),
		Method: auth.AccessMethod(req.Method),
		PIN:    req.PIN,
	})
	if err != nil {
		writeError(w, http.StatusForbidden, "emergency access denied")
		return
	}
	writeJSON(w, http.StatusOK, emergencyAccessResponse{
		SessionID:    sess.ID,
		AccessMethod: string(sess.AccessMethod),
		IssuedAt:     sess.IssuedAt,
		ExpiresAt:    sess.ExpiresAt,
	})
}

func (s *Server) handleEmergencyConfigGet(w http.ResponseWriter, r *http.Request) {
	if s.requireSession(w, r) == "" {
		return
	}
	cfg := s.auth.Config()
	writeJSON(w, http.StatusOK, emergencyConfigResponse{
		Mode:               string(cfg.EmergencyMode),
		PINSet:             cfg.EmergencyPINHash != "",
		BiometricFailures:  s.auth.BiometricFailures(),
		PreferredLanguages: cfg.PreferredLanguages,
	})
}

func (s *Server) handleEmergencyConfigPut(w http.ResponseWriter, r *http.Request) {
	if s.requireSession(w, r) == "" {
		return
	}
	var req emergencyConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.auth.ConfigureEmergencyAccess(auth.EmergencyMode(req.Mode), req.PIN); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "configured"})
}

// handleEmergencyLogs returns the audited emergency attempts in a time window,
// newest last. from/until are RFC 3339; both are optional.
func (s *Server) handleEmergencyLogs(w http.ResponseWriter, r *http.Request) {
	if s.requireSession(w, r) == "" {
		return
	}
	from, until, ok := parseWindow(w, r)
	if !ok {
		return
	}
	entries := s.audit.Query(from, until)
	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		if e.Kind != audit.KindEmergency {
			continue
		}
		out = append(out, auditEntryResponse{
			ID:      e.ID,
			Time:    e.Time(),
			Kind:    string(e.Kind),
			Method:  e.Method,
			Success: e.Success,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func parseWindow(w http.ResponseWriter, r *http.Request) (from, until time.Time, ok bool) {
	from = time.Time{}
	until = time.Now().Add(time.Second)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' timestamp")
			return from, until, false
		}
		from = t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'until' timestamp")
			return from, until, false
		}
		until = t
	}
	return from, until, true
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if s.requireSession(w, r) == "" {
		return
	}
	resp := verifyResponse{
		Intact:        true,
		Entries:       s.audit.Len(),
		WriteFailures: s.audit.WriteFailures(),
	}
	if err := s.audit.Verify(); err != nil {
		resp.Intact = false
		var terr *audit.TamperError
		if errors.As(err, &terr) {
			idx := terr.Index
			resp.TamperedAt = &idx
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
