package storage

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/student-mobility/session-agent/internal/errors"
	"github.com/student-mobility/session-agent/internal/logging"
	"github.com/student-mobility/session-agent/internal/models"
)

// Canonical keys and the legacy aliases older app builds wrote
const (
	TokenKey = "authToken"
	UserKey  = "user"
)

var (
	// LegacyTokenKeys are read in order when TokenKey is absent
	LegacyTokenKeys = []string{"auth_token", "token"}
	// LegacyUserKeys are read in order when UserKey is absent
	LegacyUserKeys = []string{"user_data"}
)

// Snapshot is what Load found. Empty Token or nil User means absent.
type Snapshot struct {
	Token string
	User  *models.User
}

// SessionStoreOptions configures a SessionStore
type SessionStoreOptions struct {
	// MirrorLegacy also writes the first legacy alias on save and keeps
	// legacy keys after migration
	MirrorLegacy bool
	Logger       *logging.Logger
}

// SessionStore persists the token and user record with legacy-key migration.
// It is the only place that knows about key names.
type SessionStore struct {
	kv           KV
	mirrorLegacy bool
	logger       *logging.Logger
}

// NewSessionStore creates a session store over kv
func NewSessionStore(kv KV, opts SessionStoreOptions) *SessionStore {
	return &SessionStore{
		kv:           kv,
		mirrorLegacy: opts.MirrorLegacy,
		logger:       logging.OrGlobal(opts.Logger).Named("session_store"),
	}
}

// SaveToken writes the bearer token
func (s *SessionStore) SaveToken(ctx context.Context, token string) error {
	if token == "" {
		return s.del(ctx, "token", tokenKeys()...)
	}
	if err := s.kv.Set(ctx, TokenKey, token); err != nil {
		return apperrors.NewStorageError("save token", err)
	}
	if s.mirrorLegacy {
		if err := s.kv.Set(ctx, LegacyTokenKeys[0], token); err != nil {
			return apperrors.NewStorageError("save token", err)
		}
	}
	return nil
}

// SaveUser writes the JSON encoded user record
func (s *SessionStore) SaveUser(ctx context.Context, user *models.User) error {
	if user == nil {
		return s.del(ctx, "user", userKeys()...)
	}
	raw, err := json.Marshal(user)
	if err != nil {
		return apperrors.NewStorageError("encode user", err)
	}
	if err := s.kv.Set(ctx, UserKey, string(raw)); err != nil {
		return apperrors.NewStorageError("save user", err)
	}
	if s.mirrorLegacy {
		if err := s.kv.Set(ctx, LegacyUserKeys[0], string(raw)); err != nil {
			return apperrors.NewStorageError("save user", err)
		}
	}
	return nil
}

// Save writes both halves of the session. The writes are not atomic.
func (s *SessionStore) Save(ctx context.Context, token string, user *models.User) error {
	if err := s.SaveToken(ctx, token); err != nil {
		return err
	}
	return s.SaveUser(ctx, user)
}

// Load reads the session, migrating legacy keys to canonical ones.
// Backend failures are logged and read as absent.
func (s *SessionStore) Load(ctx context.Context) Snapshot {
	var snap Snapshot

	if token, ok := s.loadValue(ctx, TokenKey, LegacyTokenKeys, func(v string) bool { return v != "" }); ok {
		snap.Token = token
	}

	var user models.User
	decodes := func(v string) bool {
		user = models.User{}
		return v != "" && v != "null" && json.Unmarshal([]byte(v), &user) == nil
	}
	if _, ok := s.loadValue(ctx, UserKey, LegacyUserKeys, decodes); ok {
		snap.User = &user
	}

	return snap
}

// loadValue returns the first acceptable value under canonical or a legacy
// alias. Unacceptable values are removed. A legacy hit is copied to canonical.
func (s *SessionStore) loadValue(ctx context.Context, canonical string, legacy []string, accept func(string) bool) (string, bool) {
	keys := append([]string{canonical}, legacy...)
	for _, key := range keys {
		v, found, err := s.kv.Get(ctx, key)
		if err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("Session store read failed")
			continue
		}
		if !found {
			continue
		}
		if !accept(v) {
			s.logger.WithField("key", key).Warn("Dropping unreadable session value")
			if err := s.kv.Del(ctx, key); err != nil {
				s.logger.WithError(err).WithField("key", key).Warn("Failed to drop unreadable value")
			}
			continue
		}
		if key != canonical {
			s.migrate(ctx, key, canonical, legacy, v)
		}
		return v, true
	}
	return "", false
}

func (s *SessionStore) migrate(ctx context.Context, from, canonical string, legacy []string, value string) {
	logger := s.logger.WithFields(map[string]interface{}{"from": from, "to": canonical})
	if err := s.kv.Set(ctx, canonical, value); err != nil {
		logger.WithError(err).Warn("Legacy key migration failed")
		return
	}
	if !s.mirrorLegacy {
		if err := s.kv.Del(ctx, legacy...); err != nil {
			logger.WithError(err).Warn("Failed to remove legacy keys after migration")
		}
	}
	logger.Info("Migrated legacy session key")
}

// Clear removes every canonical and legacy key
func (s *SessionStore) Clear(ctx context.Context) error {
	return s.del(ctx, "clear", append(tokenKeys(), userKeys()...)...)
}

func (s *SessionStore) del(ctx context.Context, op string, keys ...string) error {
	if err := s.kv.Del(ctx, keys...); err != nil {
		return apperrors.NewStorageError(op, err)
	}
	return nil
}

func tokenKeys() []string {
	return append([]string{TokenKey}, LegacyTokenKeys...)
}

func userKeys() []string {
	return append([]string{UserKey}, LegacyUserKeys...)
}

// AllKeys lists every key the store may touch
func AllKeys() []string {
	return append(tokenKeys(), userKeys()...)
}

// String implements fmt.Stringer without leaking the token
func (s Snapshot) String() string {
	return fmt.Sprintf("Snapshot{token:%t user:%t}", s.Token != "", s.User != nil)
}
