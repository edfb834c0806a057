package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"health-vault/internal/audit"
	"health-vault/internal/auth"
	"health-vault/internal/sos"
	"health-vault/internal/storage"
)

// Server is the HTTP surface over the vault subsystems. Full-capability
// endpoints require a bearer JWT backed by a live server-side session;
// the emergency endpoints are reachable without any prior authentication.
type Server struct {
	cfg    Config
	mux    *http.ServeMux
	log    zerolog.Logger
	signer *auth.JWTSigner

	auth  *auth.Manager
	sos   *sos.Manager
	audit *audit.Log
	blobs storage.BlobStore

	loginLimiter     *clientLimiter
	emergencyLimiter *clientLimiter
}

func New(cfg Config, signer *auth.JWTSigner, am *auth.Manager, sm *sos.Manager, al *audit.Log, blobs storage.BlobStore, logger zerolog.Logger) *Server {
	cfg.ApplyDefaults()
	s := &Server{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		log:    logger.With().Str("component", "server").Logger(),
		signer: signer,
		auth:   am,
		sos:    sm,
		audit:  al,
		blobs:  blobs,

		// Credential-guessing surfaces get a tight per-IP budget. The
		// emergency limiter is looser: a panicking bystander retyping a
		// PIN must not be locked out of the SOS card.
		loginLimiter:     newClientLimiter(rate.Every(2*time.Second), 5, 10*time.Minute),
		emergencyLimiter: newClientLimiter(rate.Every(time.Second), 10, 10*time.Minute),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panic")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
	}()
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	s.mux.ServeHTTP(w, r)
}

// requireSession authenticates a full-capability request: the bearer token
// must parse, carry the full capability, and reference a session that has not
// expired or been logged out. It returns the session id, or "" after writing
// the error response.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) string {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return ""
	}
	claims, err := s.signer.ParseAndValidate(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return ""
	}
	if claims.Capability != auth.CapabilityFull {
		writeError(w, http.StatusForbidden, "insufficient capability")
		return ""
	}
	if !s.auth.IsAuthenticated(claims.SessionID) {
		writeError(w, http.StatusUnauthorized, "session expired")
		return ""
	}
	return claims.SessionID
}

// emergencySessionID extracts a previously granted emergency session id, if
// the request carries one.
func emergencySessionID(r *http.Request) string {
	return r.Header.Get("X-Emergency-Session")
}
