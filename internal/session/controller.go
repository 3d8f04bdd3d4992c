// Package session owns the authenticated session: who is logged in, the
// startup restore sequence and every mutation of the cached user record.
package session

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/student-mobility/session-agent/internal/errors"
	"github.com/student-mobility/session-agent/internal/identity"
	"github.com/student-mobility/session-agent/internal/logging"
	"github.com/student-mobility/session-agent/internal/models"
	"github.com/student-mobility/session-agent/internal/storage"
	"github.com/student-mobility/session-agent/internal/types"
)

// DefaultRefreshTimeout bounds a background profile refresh
const DefaultRefreshTimeout = 30 * time.Second

// IdentityService is the subset of the identity client the controller uses
type IdentityService interface {
	Login(ctx context.Context, email, password string) (*identity.LoginResult, error)
	Register(ctx context.Context, in identity.RegisterInput) (*models.User, error)
	FetchProfile(ctx context.Context, token string) (*models.User, error)
	UpdateProfile(ctx context.Context, token string, update identity.ProfileUpdate) (*models.User, error)
}

// Store is the durable mirror of the session
type Store interface {
	Load(ctx context.Context) storage.Snapshot
	Save(ctx context.Context, token string, user *models.User) error
	Clear(ctx context.Context) error
}

// ThemeFunc is called whenever the effective dark mode flag changes
type ThemeFunc func(dark bool)

// Options configures a Controller
type Options struct {
	Logger         *logging.Logger
	Theme          ThemeFunc
	RefreshTimeout time.Duration
	Now            func() time.Time
}

// Snapshot is an immutable view of the session
type Snapshot struct {
	Status    types.SessionStatus `json:"status"`
	User      *models.User        `json:"user"`
	HasToken  bool                `json:"hasToken"`
	IsLoading bool                `json:"isLoading"`
	Version   uint64              `json:"version"`
}

// Authenticated reports whether a user record is present
func (s Snapshot) Authenticated() bool {
	return s.User != nil
}

// Controller is the single owner of the session. The store only mirrors it.
type Controller struct {
	identity       IdentityService
	store          Store
	logger         *logging.Logger
	theme          ThemeFunc
	refreshTimeout time.Duration
	now            func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	// persistMu serialises store writes so the last write mirrors the
	// latest in-memory state
	persistMu sync.Mutex

	mu       sync.RWMutex
	status   types.SessionStatus
	token    string
	user     *models.User
	version  uint64 // bumped by every local write
	epoch    uint64 // bumped when a session starts or ends
	dark     bool
	restored chan struct{}
	subs     map[uint64]func(Snapshot)
	nextSub  uint64
}

// NewController creates a controller in the unknown state
func NewController(identitySvc IdentityService, store Store, opts Options) *Controller {
	timeout := opts.RefreshTimeout
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		identity:       identitySvc,
		store:          store,
		logger:         logging.OrGlobal(opts.Logger).Named("session"),
		theme:          opts.Theme,
		refreshTimeout: timeout,
		now:            now,
		ctx:            ctx,
		cancel:         cancel,
		status:         types.SessionUnknown,
		restored:       make(chan struct{}),
		subs:           make(map[uint64]func(Snapshot)),
	}
}

// Restored is closed once the startup restore has finished
func (c *Controller) Restored() <-chan struct{} {
	return c.restored
}

// Restore runs the startup sequence. Only the first call does any work.
func (c *Controller) Restore(ctx context.Context) {
	c.mu.Lock()
	if c.status != types.SessionUnknown {
		c.mu.Unlock()
		return
	}
	c.status = types.SessionRestoring
	epoch := c.epoch
	c.mu.Unlock()
	c.notify()

	defer func() {
		c.mu.Lock()
		if c.status == types.SessionRestoring {
			c.status = statusFor(c.user)
		}
		c.mu.Unlock()
		close(c.restored)
		c.notify()
	}()

	snap := c.store.Load(ctx)
	logger := c.logger.WithFields(map[string]interface{}{
		"hasToken": snap.Token != "",
		"hasUser":  snap.User != nil,
	})

	if snap.Token == "" {
		if snap.User != nil {
			logger.Info("Dropping cached user without a token")
			if err := c.store.Clear(ctx); err != nil {
				logger.WithError(err).Warn("Failed to clear stale session")
			}
		}
		return
	}

	if identity.TokenExpired(snap.Token, c.now()) {
		logger.Info("Stored token has expired, logging out")
		c.endSession(ctx, snap.Token, true)
		return
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.token = snap.Token
	c.user = snap.User.Clone()
	c.version++
	version := c.version
	c.mu.Unlock()
	c.applyTheme()

	fresh, err := c.identity.FetchProfile(ctx, snap.Token)
	switch {
	case apperrors.IsSessionExpired(err):
		logger.Info("Stored token rejected, logging out")
		c.endSession(ctx, snap.Token, true)
	case err != nil:
		// degraded: keep whatever was cached, token included
		logger.WithError(err).Warn("Profile revalidation failed, keeping cached session")
	default:
		if c.accept(snap.Token, version, fresh) {
			c.persist(ctx)
		}
	}
}

// Login exchanges credentials for a session. On failure the existing
// session is left untouched.
func (c *Controller) Login(ctx context.Context, email, password string) (*models.User, error) {
	if email == "" || password == "" {
		return nil, apperrors.NewInvalidInputError("credentials", "email and password are required")
	}
	res, err := c.identity.Login(ctx, email, password)
	if err != nil {
		c.logger.WithError(err).Info("Login failed")
		return nil, apperrors.Categorize(err)
	}

	c.mu.Lock()
	c.token = res.Token
	c.user = res.User.Clone()
	c.status = types.SessionAuthenticated
	c.version++
	c.epoch++
	c.mu.Unlock()

	c.logger.WithField("userId", res.User.ID).Info("Logged in")
	c.persist(ctx)
	c.applyTheme()
	c.notify()
	return res.User.Clone(), nil
}

// Register creates the account and then logs in with the same credentials
func (c *Controller) Register(ctx context.Context, in identity.RegisterInput) (*models.User, error) {
	if _, err := c.identity.Register(ctx, in); err != nil {
		return nil, apperrors.Categorize(err)
	}
	return c.Login(ctx, in.Email, in.Password)
}

// Refresh replaces the cached user with the server copy. A 401 ends the
// session. The result is dropped when a newer local write or another
// session happened while the request was in flight.
func (c *Controller) Refresh(ctx context.Context) (*models.User, error) {
	c.mu.RLock()
	token, version := c.token, c.version
	c.mu.RUnlock()
	if token == "" {
		return nil, apperrors.NewUnauthenticatedError()
	}

	fresh, err := c.identity.FetchProfile(ctx, token)
	if err != nil {
		if apperrors.IsSessionExpired(err) {
			c.logger.Info("Token rejected during refresh, logging out")
			c.endSession(ctx, token, true)
		}
		return nil, apperrors.Categorize(err)
	}

	if c.accept(token, version, fresh) {
		c.persist(ctx)
	}
	return c.User(), nil
}

// accept installs a fetched profile unless the session moved on. Local
// preferences survive when the server does not send any.
func (c *Controller) accept(token string, version uint64, fresh *models.User) bool {
	c.mu.Lock()
	if c.token != token || c.version != version {
		c.mu.Unlock()
		c.logger.WithField("version", version).Debug("Discarding stale profile response")
		return false
	}
	fresh = fresh.Clone()
	if fresh.Preferences == nil && c.user != nil {
		fresh.Preferences = c.user.Preferences.Clone()
	}
	c.user = fresh
	c.status = types.SessionAuthenticated
	c.version++
	c.mu.Unlock()

	c.applyTheme()
	c.notify()
	return true
}

// UpdateUser merges patch locally, persists it and reconciles with the
// server in the background
func (c *Controller) UpdateUser(ctx context.Context, patch models.UserPatch) (*models.User, error) {
	c.mu.Lock()
	if c.user == nil {
		c.mu.Unlock()
		return nil, apperrors.NewUnauthenticatedError()
	}
	c.user = c.user.Apply(patch)
	c.version++
	updated := c.user.Clone()
	hasToken := c.token != ""
	c.mu.Unlock()

	c.persist(ctx)
	c.applyTheme()
	c.notify()

	if hasToken {
		c.refreshInBackground()
	}
	return updated, nil
}

// UpdateUserPreferences merges patch one level into the user's
// preferences. Preferences are device-local and never sent to the server.
func (c *Controller) UpdateUserPreferences(ctx context.Context, patch models.Preferences) (*models.User, error) {
	c.mu.Lock()
	if c.user == nil {
		c.mu.Unlock()
		return nil, apperrors.NewUnauthenticatedError()
	}
	c.user = c.user.WithPreferences(patch)
	c.version++
	updated := c.user.Clone()
	c.mu.Unlock()

	c.persist(ctx)
	c.applyTheme()
	c.notify()
	return updated, nil
}

// SaveProfile sends a profile edit to the server and installs the
// confirmed record
func (c *Controller) SaveProfile(ctx context.Context, update identity.ProfileUpdate) (*models.User, error) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token == "" {
		return nil, apperrors.NewUnauthenticatedError()
	}

	confirmed, err := c.identity.UpdateProfile(ctx, token, update)
	if err != nil {
		if apperrors.IsSessionExpired(err) {
			c.endSession(ctx, token, true)
		}
		return nil, apperrors.Categorize(err)
	}

	c.mu.Lock()
	if c.token != token {
		c.mu.Unlock()
		return nil, apperrors.NewUnauthenticatedError()
	}
	// keep local-only preferences the server does not echo
	if confirmed.Preferences == nil && c.user != nil {
		confirmed.Preferences = c.user.Preferences.Clone()
	}
	c.user = confirmed.Clone()
	c.status = types.SessionAuthenticated
	c.version++
	c.mu.Unlock()

	c.persist(ctx)
	c.applyTheme()
	c.notify()
	return confirmed, nil
}

// Logout clears memory and the store. Safe to call when logged out.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	wasAnonymous := c.token == "" && c.user == nil
	c.mu.Unlock()
	if wasAnonymous {
		return nil
	}
	c.endSession(ctx, "", false)
	return nil
}

// endSession drops the session. When onlyToken is set the session is only
// ended if it still holds that token.
func (c *Controller) endSession(ctx context.Context, token string, onlyToken bool) {
	c.mu.Lock()
	if onlyToken && c.token != "" && c.token != token {
		c.mu.Unlock()
		return
	}
	c.token = ""
	c.user = nil
	if c.status != types.SessionRestoring {
		c.status = types.SessionAnonymous
	}
	c.version++
	c.epoch++
	c.mu.Unlock()

	c.persistMu.Lock()
	if err := c.store.Clear(ctx); err != nil {
		c.logger.WithError(err).Warn("Failed to clear session store")
	}
	c.persistMu.Unlock()

	c.logger.Info("Session ended")
	c.applyTheme()
	c.notify()
}

// persist writes the current in-memory session to the store
func (c *Controller) persist(ctx context.Context) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.RLock()
	token, user := c.token, c.user.Clone()
	c.mu.RUnlock()

	var err error
	if token == "" && user == nil {
		err = c.store.Clear(ctx)
	} else {
		err = c.store.Save(ctx, token, user)
	}
	if err != nil {
		c.logger.WithError(err).Warn("Failed to persist session")
	}
}

func (c *Controller) refreshInBackground() {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.refreshTimeout)
		defer cancel()
		if _, err := c.Refresh(ctx); err != nil && !apperrors.IsSessionExpired(err) {
			c.logger.WithError(err).Debug("Background profile refresh failed")
		}
	}()
}

func (c *Controller) applyTheme() {
	c.mu.Lock()
	dark := c.user != nil && c.user.Preferences.DarkModeEnabled()
	changed := dark != c.dark
	c.dark = dark
	c.mu.Unlock()

	if changed && c.theme != nil {
		c.theme(dark)
	}
}

// Subscribe registers fn for every session change. The returned func
// cancels the registration.
func (c *Controller) Subscribe(fn func(Snapshot)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

func (c *Controller) notify() {
	c.mu.RLock()
	snap := c.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.RUnlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Status:    c.status,
		User:      c.user.Clone(),
		HasToken:  c.token != "",
		IsLoading: c.status == types.SessionUnknown || c.status == types.SessionRestoring,
		Version:   c.version,
	}
}

// Snapshot returns the current session view
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// Token returns the bearer token, or "" when none is held
func (c *Controller) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// User returns a copy of the cached user record
func (c *Controller) User() *models.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user.Clone()
}

// IsAuthenticated reports whether a user record is present
func (c *Controller) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user != nil
}

// IsLoading reports whether the restore sequence is still running
func (c *Controller) IsLoading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status == types.SessionUnknown || c.status == types.SessionRestoring
}

// Wait blocks until background refreshes have finished
func (c *Controller) Wait() {
	c.bg.Wait()
}

// Close cancels background work and waits for it
func (c *Controller) Close() {
	c.cancel()
	c.bg.Wait()
}

func statusFor(u *models.User) types.SessionStatus {
	if u != nil {
		return types.SessionAuthenticated
	}
	return types.SessionAnonymous
}
