package auth

import "time"

// Capability scopes what a granted session may do. The two session types are
// structurally distinct so a code path holding an EmergencySession cannot be
// handed to an API expecting full-vault access, or vice versa.
type Capability string

const (
	CapabilityFull    Capability = "full"
	CapabilitySOSOnly Capability = "sos-only"
)

// AccessMethod records how a session was obtained.
type AccessMethod string

const (
	MethodPassword        AccessMethod = "password"
	MethodBiometric       AccessMethod = "biometric"
	MethodPIN             AccessMethod = "pin"
	MethodBiometricBypass AccessMethod = "biometric_bypass"
	MethodOpen            AccessMethod = "open"
)

// Session grants full-vault access. Expiry is fixed at issue time; nothing
// extends it implicitly — only an explicit Renew call moves ExpiresAt.
type Session struct {
	ID        string       `json:"id"`
	IssuedAt  time.Time    `json:"issued_at"`
	ExpiresAt time.Time    `json:"expires_at"`
	Method    AccessMethod `json:"method"`
}

func (s *Session) Capability() Capability { return CapabilityFull }

// EmergencySession grants access to the SOS summary and nothing else. It is
// deliberately not a Session: no expiry-based full access can be smuggled
// through an emergency grant. The grant window is fixed; a responder who
// needs more time passes the emergency check again.
type EmergencySession struct {
	ID           string       `json:"id"`
	IssuedAt     time.Time    `json:"issued_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
	AccessMethod AccessMethod `json:"access_method"`
}

func (s *EmergencySession) Capability() Capability { return CapabilitySOSOnly }

// EmergencyAttempt is the input to one emergency access check. It is consumed
// by the check and never persisted as-is; only the audit entry remains.
type EmergencyAttempt struct {
	At     time.Time
	Method AccessMethod
	PIN    string
}
