// Package types provides common type definitions for the session agent.
package types

// Role represents the kind of account a user holds
type Role string

const (
	// RoleStudent represents a rider account
	RoleStudent Role = "student"
	// RoleDriver represents a driver account
	RoleDriver Role = "driver"
)

// Valid reports whether the role is one of the known roles or unset
func (r Role) Valid() bool {
	switch r {
	case "", RoleStudent, RoleDriver:
		return true
	default:
		return false
	}
}

// SessionStatus represents where the session controller is in its lifecycle
type SessionStatus string

const (
	// SessionUnknown is the initial state before the store has been read
	SessionUnknown SessionStatus = "unknown"
	// SessionRestoring means the store is being read and the token re-validated
	SessionRestoring SessionStatus = "restoring"
	// SessionAuthenticated means a user record is present
	SessionAuthenticated SessionStatus = "authenticated"
	// SessionAnonymous means no user record is present
	SessionAnonymous SessionStatus = "anonymous"
)

// PairingStatus mirrors the status reported by the wallet pairing SDK
type PairingStatus string

const (
	// PairingInitializing means the connector has not finished its own init
	PairingInitializing PairingStatus = "initializing"
	// PairingReady means the connector can open a pairing flow
	PairingReady PairingStatus = "ready"
	// PairingConnecting means a pairing flow is open
	PairingConnecting PairingStatus = "connecting"
	// PairingPaired means at least one account is paired
	PairingPaired PairingStatus = "paired"
	// PairingDisconnected means the pairing session was torn down
	PairingDisconnected PairingStatus = "disconnected"
	// PairingFailed means the connector could not initialise
	PairingFailed PairingStatus = "failed"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}
