// Package models provides data models for the session agent.
package models

import (
	"github.com/student-mobility/session-agent/internal/types"
)

// User represents the profile record the identity service returns
type User struct {
	ID              int64           `json:"id"`
	Username        string          `json:"username"`
	Email           string          `json:"email"`
	DisplayName     string          `json:"display_name,omitempty"`
	Role            types.Role      `json:"role,omitempty"`
	ProfileImage    string          `json:"profile_image,omitempty"`
	Preferences     *Preferences    `json:"preferences,omitempty"`
	PaymentMethods  []PaymentMethod `json:"payment_methods,omitempty"`
	HederaAccountID string          `json:"hedera_account_id,omitempty"`
	HederaPublicKey string          `json:"hedera_public_key,omitempty"`
}

// Preferences holds device-facing user settings. Nil fields are unset.
type Preferences struct {
	DarkMode      *bool   `json:"darkMode,omitempty"`
	Notifications *bool   `json:"notifications,omitempty"`
	Biometrics    *bool   `json:"biometrics,omitempty"`
	TwoFactor     *bool   `json:"twoFactor,omitempty"`
	Language      *string `json:"language,omitempty"`
}

// PaymentMethod represents a saved payment option
type PaymentMethod struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Label     string `json:"label,omitempty"`
	Last4     string `json:"last4,omitempty"`
	IsDefault bool   `json:"is_default,omitempty"`
}

// UserPatch is a shallow update to a User. Nil fields are left untouched;
// Preferences and PaymentMethods replace the whole value when set.
type UserPatch struct {
	Username        *string          `json:"username,omitempty"`
	Email           *string          `json:"email,omitempty"`
	DisplayName     *string          `json:"display_name,omitempty"`
	Role            *types.Role      `json:"role,omitempty"`
	ProfileImage    *string          `json:"profile_image,omitempty"`
	Preferences     *Preferences     `json:"preferences,omitempty"`
	PaymentMethods  *[]PaymentMethod `json:"payment_methods,omitempty"`
	HederaAccountID *string          `json:"hedera_account_id,omitempty"`
	HederaPublicKey *string          `json:"hedera_public_key,omitempty"`
}

// Clone returns a deep copy of the user
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Preferences = u.Preferences.Clone()
	if u.PaymentMethods != nil {
		c.PaymentMethods = make([]PaymentMethod, len(u.PaymentMethods))
		copy(c.PaymentMethods, u.PaymentMethods)
	}
	return &c
}

// Apply returns a copy of the user with the patch merged in
func (u *User) Apply(p UserPatch) *User {
	c := u.Clone()
	if c == nil {
		c = &User{}
	}
	if p.Username != nil {
		c.Username = *p.Username
	}
	if p.Email != nil {
		c.Email = *p.Email
	}
	if p.DisplayName != nil {
		c.DisplayName = *p.DisplayName
	}
	if p.Role != nil {
		c.Role = *p.Role
	}
	if p.ProfileImage != nil {
		c.ProfileImage = *p.ProfileImage
	}
	if p.Preferences != nil {
		c.Preferences = p.Preferences.Clone()
	}
	if p.PaymentMethods != nil {
		c.PaymentMethods = append([]PaymentMethod(nil), (*p.PaymentMethods)...)
	}
	if p.HederaAccountID != nil {
		c.HederaAccountID = *p.HederaAccountID
	}
	if p.HederaPublicKey != nil {
		c.HederaPublicKey = *p.HederaPublicKey
	}
	return c
}

// WithPreferences returns a copy of the user with patch merged one level
// into the existing preferences
func (u *User) WithPreferences(patch Preferences) *User {
	c := u.Clone()
	if c == nil {
		c = &User{}
	}
	c.Preferences = c.Preferences.Merge(patch)
	return c
}

// HasWallet reports whether a ledger account is attached to the profile
func (u *User) HasWallet() bool {
	return u != nil && u.HederaAccountID != ""
}

// Clone returns a deep copy of the preferences
func (p *Preferences) Clone() *Preferences {
	if p == nil {
		return nil
	}
	c := &Preferences{}
	if p.DarkMode != nil {
		c.DarkMode = Bool(*p.DarkMode)
	}
	if p.Notifications != nil {
		c.Notifications = Bool(*p.Notifications)
	}
	if p.Biometrics != nil {
		c.Biometrics = Bool(*p.Biometrics)
	}
	if p.TwoFactor != nil {
		c.TwoFactor = Bool(*p.TwoFactor)
	}
	if p.Language != nil {
		c.Language = String(*p.Language)
	}
	return c
}

// Merge returns a copy of p with every field set in patch overriding it
func (p *Preferences) Merge(patch Preferences) *Preferences {
	c := p.Clone()
	if c == nil {
		c = &Preferences{}
	}
	set := patch.Clone()
	if set.DarkMode != nil {
		c.DarkMode = set.DarkMode
	}
	if set.Notifications != nil {
		c.Notifications = set.Notifications
	}
	if set.Biometrics != nil {
		c.Biometrics = set.Biometrics
	}
	if set.TwoFactor != nil {
		c.TwoFactor = set.TwoFactor
	}
	if set.Language != nil {
		c.Language = set.Language
	}
	return c
}

// DarkModeEnabled reports the effective dark mode flag
func (p *Preferences) DarkModeEnabled() bool {
	return p != nil && p.DarkMode != nil && *p.DarkMode
}

// Bool returns a pointer to b
func Bool(b bool) *bool {
	return &b
}

// String returns a pointer to s
func String(s string) *string {
	return &s
}
