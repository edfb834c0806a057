package server

import (
	"encoding/base64"
	"errors"
	"net/http"

	"health-vault/internal/auth"
)

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	sess, err := s.auth.Setup(req.Password)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.issueToken(w, sess)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.loginLimiter.allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "too many attempts")
		return
	}
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.auth.Authenticate(req.Password)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrNotInitialized) {
			status = http.StatusConflict
		}
		writeError(w, status, "authentication failed")
		return
	}
	s.issueToken(w, sess)
}

func (s *Server) handleLoginBiometric(w http.ResponseWriter, r *http.Request) {
	if !s.loginLimiter.allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "too many attempts")
		return
	}
	var req biometricLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	token, err := base64.StdEncoding.DecodeString(req.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid token encoding")
		return
	}
	sess, err := s.auth.AuthenticateBiometric(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	s.issueToken(w, sess)
}

func (s *Server) issueToken(w http.ResponseWriter, sess *auth.Session) {
	token, exp, err := s.signer.IssueToken(sess.ID, sess.Capability())
	if err != nil {
		s.log.Error().Err(err).Msg("token issuance failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: exp})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sid := s.requireSession(w, r)
	if sid == "" {
		return
	}
	s.auth.Logout(sid)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sid := s.requireSession(w, r)
	if sid == "" {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true})
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	sid := s.requireSession(w, r)
	if sid == "" {
		return
	}
	exp, err := s.auth.Renew(sid)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "session expired")
		return
	}
	token, _, err := s.signer.IssueToken(sid, auth.CapabilityFull)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: exp})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	sid := s.requireSession(w, r)
	if sid == "" {
		return
	}
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.NewPassword) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	if err := s.auth.ChangePassword(r.Context(), req.CurrentPassword, req.NewPassword, s.blobs); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		s.log.Error().Err(err).Msg("password change failed")
		writeError(w, http.StatusInternalServerError, "password change failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password changed"})
}
