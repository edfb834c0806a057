package auth

import (
	"errors"
	"fmt"

	"golang.org/x/text/language"
)

// EmergencyMode selects the emergency-access policy.
type EmergencyMode string

const (
	// PinProtected grants emergency access only on a correct emergency PIN.
	PinProtected EmergencyMode = "pin_protected"
	// BiometricBypass tries the biometric capability first; repeated failure
	// is read as incapacitation and falls back to open access.
	BiometricBypass EmergencyMode = "biometric_bypass"
	// AlwaysAccessible grants every attempt. Still audited.
	AlwaysAccessible EmergencyMode = "always_accessible"
)

var ErrConfigValidation = errors.New("auth: invalid emergency access configuration")

// SecurityConfig is the single per-vault security policy row. It is mutated
// only through Manager.ConfigureEmergencyAccess, which re-validates before
// applying and persisting.
//
// The biometric failure counter is intentionally NOT part of this struct's
// persisted invariants beyond its threshold: the counter tracks the current
// emergency-access window and resets on successful emergency biometric access
// or on reconfiguration — a successful normal login elsewhere says nothing
// about whether the scanner can read an incapacitated owner.
type SecurityConfig struct {
	EmergencyMode             EmergencyMode `json:"emergency_mode"`
	EmergencyPINHash          string        `json:"emergency_pin_hash,omitempty"`
	BiometricFailureThreshold int           `json:"biometric_failure_threshold"`
	PreferredLanguages        []string      `json:"preferred_languages"`
}

// DefaultSecurityConfig starts PIN-less installs in biometric-bypass mode so
// a fresh vault is never silently wide open.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		EmergencyMode:             BiometricBypass,
		BiometricFailureThreshold: 3,
		PreferredLanguages:        []string{"en", "es", "fr", "de", "zh"},
	}
}

func (c SecurityConfig) Validate() error {
	switch c.EmergencyMode {
	case PinProtected:
		if c.EmergencyPINHash == "" {
			return fmt.Errorf("%w: pin_protected mode requires an emergency PIN", ErrConfigValidation)
		}
	case BiometricBypass, AlwaysAccessible:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrConfigValidation, c.EmergencyMode)
	}
	if c.BiometricFailureThreshold < 1 {
		return fmt.Errorf("%w: biometric failure threshold must be >= 1", ErrConfigValidation)
	}
	if len(c.PreferredLanguages) == 0 {
		return fmt.Errorf("%w: at least one summary language required", ErrConfigValidation)
	}
	for _, lang := range c.PreferredLanguages {
		if _, err := language.Parse(lang); err != nil {
			return fmt.Errorf("%w: bad language tag %q", ErrConfigValidation, lang)
		}
	}
	return nil
}
