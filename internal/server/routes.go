package server

import "net/http"

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /api/setup", s.handleSetup)
	s.mux.HandleFunc("POST /api/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/login/biometric", s.handleLoginBiometric)
	s.mux.HandleFunc("POST /api/logout", s.handleLogout)
	s.mux.HandleFunc("GET /api/session", s.handleSession)
	s.mux.HandleFunc("POST /api/session/renew", s.handleRenew)
	s.mux.HandleFunc("POST /api/password", s.handleChangePassword)

	s.mux.HandleFunc("POST /api/emergency/access", s.handleEmergencyAccess)
	s.mux.HandleFunc("GET /api/emergency/config", s.handleEmergencyConfigGet)
	s.mux.HandleFunc("PUT /api/emergency/config", s.handleEmergencyConfigPut)
	s.mux.HandleFunc("GET /api/emergency/logs", s.handleEmergencyLogs)

	s.mux.HandleFunc("GET /api/sos/summary", s.handleSOSSummary)
	s.mux.HandleFunc("POST /api/sos/generate", s.handleSOSGenerate)
	s.mux.HandleFunc("GET /api/sos/status", s.handleSOSStatus)

	s.mux.HandleFunc("GET /api/audit/verify", s.handleAuditVerify)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"initialized": s.auth.Initialized(),
	})
}
