package server

import "time"

type setupRequest struct {
	Password string `json:"password"`
}

type loginRequest struct {
	Password string `json:"password"`
}

type biometricLoginRequest struct {
	Token string `json:"token"` // base64 unlock token from the device enclave
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type emergencyAccessRequest struct {
	Method string `json:"method"`
	PIN    string `json:"pin,omitempty"`
}

type emergencyAccessResponse struct {
	SessionID    string    `json:"session_id"`
	AccessMethod string    `json:"access_method"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type emergencyConfigRequest struct {
	Mode string `json:"mode"`
	PIN  string `json:"pin,omitempty"`
}

type emergencyConfigResponse struct {
	Mode               string   `json:"mode"`
	PINSet             bool     `json:"pin_set"`
	BiometricFailures  int      `json:"biometric_failures"`
	PreferredLanguages []string `json:"preferred_languages"`
}

type generateRequest struct {
	Force bool `json:"force"`
}

type summaryResponse struct {
	Language    string    `json:"language"`
	Content     string    `json:"content"`
	GeneratedAt time.Time `json:"generated_at"`
	Source      string    `json:"source"`
}

type auditEntryResponse struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Method  string    `json:"method"`
	Success bool      `json:"success"`
}

type verifyResponse struct {
	Intact        bool   `json:"intact"`
	Entries       int    `json:"entries"`
	TamperedAt    *int   `json:"tampered_at,omitempty"`
	WriteFailures uint64 `json:"write_failures"`
}
