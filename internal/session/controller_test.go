package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/student-mobility/session-agent/internal/errors"
	"github.com/student-mobility/session-agent/internal/identity"
	"github.com/student-mobility/session-agent/internal/identity/identitytest"
	"github.com/student-mobility/session-agent/internal/logging"
	"github.com/student-mobility/session-agent/internal/models"
	"github.com/student-mobility/session-agent/internal/storage"
	"github.com/student-mobility/session-agent/internal/types"
)

type harness struct {
	srv   *identitytest.Server
	kv    *storage.MemoryKV
	store *storage.SessionStore
	ctrl  *Controller

	mu     sync.Mutex
	themes []bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		srv: identitytest.NewServer(t),
		kv:  storage.NewMemoryKV(),
	}
	h.srv.AddUser("alice", "a@b.com", "secret123", types.RoleStudent)
	h.store = storage.NewSessionStore(h.kv, storage.SessionStoreOptions{Logger: logging.Discard()})
	h.ctrl = h.newController()
	t.Cleanup(h.ctrl.Close)
	return h
}

func (h *harness) newController() *Controller {
	client := identity.NewClient(identity.Config{
		BaseURL: h.srv.URL,
		Timeout: 2 * time.Second,
		Logger:  logging.Discard(),
	})
	return NewController(client, h.store, Options{
		Logger: logging.Discard(),
		Theme: func(dark bool) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.themes = append(h.themes, dark)
		},
	})
}

func (h *harness) themeCalls() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.themes...)
}

func (h *harness) stored(t *testing.T, key string) (string, bool) {
	t.Helper()
	v, found, err := h.kv.Get(context.Background(), key)
	require.NoError(t, err)
	return v, found
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLoginSuccess(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.srv.Respond("POST", "/login/", 200, map[string]interface{}{
		"access": "tok1",
		"user":   map[string]interface{}{"id": 1, "username": "alice", "email": "a@b.com", "role": "student"},
	})
	h.ctrl.Restore(ctx)

	user, err := h.ctrl.Login(ctx, "a@b.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	assert.True(t, h.ctrl.IsAuthenticated())
	assert.Equal(t, types.SessionAuthenticated, h.ctrl.Snapshot().Status)
	assert.Equal(t, "tok1", h.ctrl.Token())

	tok, _ := h.stored(t, storage.TokenKey)
	assert.Equal(t, "tok1", tok)
	raw, _ := h.stored(t, storage.UserKey)
	assert.JSONEq(t, `{"id":1,"username":"alice","email":"a@b.com","role":"student"}`, raw)
}

func TestLoginFailureLeavesSessionUntouched(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.ctrl.Restore(ctx)
	_, err := h.ctrl.Login(ctx, "a@b.com", "secret123")
	require.NoError(t, err)
	before := h.ctrl.Snapshot()
	token := h.ctrl.Token()

	_, err = h.ctrl.Login(ctx, "a@b.com", "wrong")
	require.Error(t, err)
	assert.Equal(t, "Invalid credentials", apperrors.UserMessage(err))

	assert.Equal(t, before, h.ctrl.Snapshot())
	assert.Equal(t, token, h.ctrl.Token())

	_, err = h.ctrl.Login(ctx, "", "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidInput))
}

func TestRegisterLogsIn(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.ctrl.Restore(ctx)

	user, err := h.ctrl.Register(ctx, identity.RegisterInput{
		Username: "dan", Email: "dan@x.io", Password: "pw", Role: types.RoleDriver,
	})
	require.NoError(t, err)
	assert.Equal(t, types.RoleDriver, user.Role)
	assert.True(t, h.ctrl.IsAuthenticated())
	assert.Equal(t, 1, h.srv.CallCount("/login/"))

	_, err = h.ctrl.Register(ctx, identity.RegisterInput{Username: "dan", Email: "dan@x.io", Password: "pw", Role: types.RoleDriver})
	require.Error(t, err)
	assert.Equal(t, "dan", h.ctrl.User().Username, "failed registration keeps the session")
}

func TestLogoutIsIdempotent(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.ctrl.Restore(ctx)

	require.NoError(t, h.kv.Set(ctx, "unrelated", "x"))
	before := h.ctrl.Snapshot()
	require.NoError(t, h.ctrl.Logout(ctx))
	assert.Equal(t, before, h.ctrl.Snapshot())
	assert.Equal(t, []string{"unrelated"}, h.kv.Keys())

	_, err := h.ctrl.Login(ctx, "a@b.com", "secret123")
	require.NoError(t, err)
	require.NoError(t, h.ctrl.Logout(ctx))
	require.NoError(t, h.ctrl.Logout(ctx))

	assert.False(t, h.ctrl.IsAuthenticated())
	assert.Empty(t, h.ctrl.Token())
	assert.Equal(t, []string{"unrelated"}, h.kv.Keys())
}

func TestRestoreRevalidatesCachedSession(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	token := h.srv.IssueToken("a@b.com")
	h.srv.UpdateUser("a@b.com", func(u *models.User) { u.DisplayName = "Alice Server" })
	require.NoError(t, h.store.Save(ctx, token, &models.User{ID: 1, Username: "alice", DisplayName: "Alice Cached"}))

	assert.True(t, h.ctrl.IsLoading())
	h.ctrl.Restore(ctx)

	assert.False(t, h.ctrl.IsLoading())
	assert.Equal(t, types.SessionAuthenticated, h.ctrl.Snapshot().Status)
	assert.Equal(t, "Alice Server", h.ctrl.User().DisplayName)

	raw, _ := h.stored(t, storage.UserKey)
	assert.Contains(t, raw, "Alice Server")

	select {
	case <-h.ctrl.Restored():
	default:
		t.Fatal("restored channel not closed")
	}
}

func TestRestoreForcedLogoutOn401(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	require.NoError(t, h.store.Save(ctx, "revoked-token", &models.User{ID: 1, Username: "alice"}))

	h.ctrl.Restore(ctx)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, types.SessionAnonymous, snap.Status)
	assert.Nil(t, snap.User)
	assert.Empty(t, h.ctrl.Token())
	assert.Empty(t, h.kv.Keys())
}

func TestRestoreKeepsCachedUserWhenOffline(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	token := h.srv.IssueToken("a@b.com")
	cached := &models.User{ID: 1, Username: "alice", DisplayName: "Cached"}
	require.NoError(t, h.store.Save(ctx, token, cached))
	h.srv.SetOffline(true)

	h.ctrl.Restore(ctx)

	assert.Equal(t, types.SessionAuthenticated, h.ctrl.Snapshot().Status)
	assert.Equal(t, cached, h.ctrl.User())
	assert.Equal(t, token, h.ctrl.Token())
}

func TestRestoreWithoutTokenIsAnonymous(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	require.NoError(t, h.store.SaveUser(ctx, &models.User{ID: 1, Username: "stale"}))

	h.ctrl.Restore(ctx)

	assert.Equal(t, types.SessionAnonymous, h.ctrl.Snapshot().Status)
	assert.Nil(t, h.ctrl.User())
	assert.Empty(t, h.kv.Keys(), "stale cached user is dropped")
	assert.Zero(t, h.srv.CallCount(""))
}

func TestRestoreExpiredJWTSkipsFetch(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)
	require.NoError(t, h.store.Save(ctx, expired, &models.User{ID: 1}))

	h.ctrl.Restore(ctx)

	assert.Equal(t, types.SessionAnonymous, h.ctrl.Snapshot().Status)
	assert.Empty(t, h.kv.Keys())
	assert.Zero(t, h.srv.CallCount("/profile/"))
}

func TestRestoreProfileLessToken(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	token := h.srv.IssueToken("a@b.com")
	require.NoError(t, h.store.SaveToken(ctx, token))

	h.srv.SetOffline(true)
	h.ctrl.Restore(ctx)

	assert.Equal(t, types.SessionAnonymous, h.ctrl.Snapshot().Status)
	assert.True(t, h.ctrl.Snapshot().HasToken, "token is retained for a later refresh")

	h.srv.SetOffline(false)
	user, err := h.ctrl.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, types.SessionAuthenticated, h.ctrl.Snapshot().Status)
}

func TestRestoreRunsOnce(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	require.NoError(t, h.store.Save(ctx, h.srv.IssueToken("a@b.com"), &models.User{ID: 1}))

	h.ctrl.Restore(ctx)
	h.ctrl.Restore(ctx)
	assert.Equal(t, 1, h.srv.CallCount("/profile/"))
}

func TestRefresh(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.ctrl.Restore(ctx)

	_, err := h.ctrl.Refresh(ctx)
	assert.True(t, apperrors.IsUnauthenticated(err))

	_, err = h.ctrl.Login(ctx, "a@b.com", "secret123")
	require.NoError(t, err)

	h.srv.UpdateUser("a@b.com", func(u *models.User) { u.HederaAccountID = "0.0.500" })
	user, err := h.ctrl.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.0.500", user.HederaAccountID)

	h.srv.SetOffline(true)
	_, err = h.ctrl.Refresh(ctx)
	assert.True(t, apperrors.IsNetworkOrServer(err))
	assert.True(t, h.ctrl.IsAuthenticated(), "network errors never end the session")

	h.srv.SetOffline(false)
	h.srv.RevokeToken(h.ctrl.Token())
	_, err = h.ctrl.Refresh(ctx)
	assert.True(t, apperrors.IsSessionExpired(err))
	assert.False(t, h.ctrl.IsAuthenticated())
	assert.Empty(t, h.ctrl.Token())
	assert.Empty(t, h.kv.Keys())
}

func TestRefreshDoesNotClobberNewerLocalWrite(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.ctrl.Restore(ctx)
	_, err := h.ctrl.Login(ctx, "a@b.com", "secret123")
	require.NoError(t, err)

	release := h.srv.Hold("/profile/")
	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Refresh(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return h.srv.CallCount("/profile/") == 1 }, time.Second, 5*time.Millisecond)

	_, err = h.ctrl.UpdateUserPreferences(ctx, models.Preferences{Language: models.String("fr")})
	require.NoError(t, err)
	release()
	require.NoError(t, <-done)

	user := h.ctrl.User()
	require.NotNil(t, user.Preferences)
	assert.Equal(t, "fr", *user.Preferences.Language)
}

func TestRefreshAfterLogoutIsDiscarded(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.ctrl.Restore(ctx)
	_, err := h.ctrl.Login(ctx, "a@b.com", "secret123")
	require.NoError(t, err)

	release := h.srv.Hold("/profile/")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.ctrl.Refresh(ctx)
	}()
	require.Eventually(t, func() bool { return h.srv.CallCount("/profile/") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.ctrl.Logout(ctx))
	release()
	<-done

	assert.False(t, h.ctrl.IsAuthenticated())
	assert.Empty(t, h.kv.Keys())
}

func TestUpdateUserReconcilesInBackground(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.ctrl.Restore(ctx)

	_, err := h.ctrl.UpdateUser(ctx, models.UserPatch{Username: models.String("x")})
	assert.True(t, apperrors.IsUnauthenticated(err))

	_, err = h.ctrl.Login(ctx, "a@b.com", "secret123")
	require.NoError(t, err)

	h.srv.UpdateUser("a@b.com", func(u *models.User) { u.DisplayName = "From Server" })
	updated, err := h.ctrl.UpdateUser(ctx, models.UserPatch{DisplayName: models.String("Local")})
	require.NoError(t, err)
	assert.Equal(t, "Local", updated.DisplayName)

	raw, _ := h.stored(t, storage.UserKey)
	var persisted models.User
	require.NoError(t, json.Unmarshal([]byte(raw), &persisted))
	assert.Contains(t, []string{"Local", "From Server"}, persisted.DisplayName)

	h.ctrl.Wait()
	assert.Equal(t, "From Server", h.ctrl.User().DisplayName, "server copy wins once reconciled")
	assert.Equal(t, 1, h.srv.CallCount("/profile/"))
}

func TestUpdateUserSwallowsBackgroundNetworkErrors(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.ctrl.Restore(ctx)
	_, err := h.ctrl.Login(ctx, "a@b.com", "secret123")
	require.NoError(t, err)

	h.srv.SetOffline(true)
	_, err = h.ctrl.UpdateUser(ctx, models.UserPatch{DisplayName: models.String("Offline Edit")})
	require.NoError(t, err)
	h.ctrl.Wait()

	assert.True(t, h.ctrl.IsAuthenticated())
	assert.Equal(t, "Offline Edit", h.ctrl.User().DisplayName)
}

func TestUpdateUserPreferencesMergesAndToggleTheme(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.srv.UpdateUser("a@b.com", func(u *models.User) {
		u.Preferences = &models.Preferences{DarkMode: models.Bool(false), Notifications: models.Bool(true)}
	})
	h.ctrl.Restore(ctx)
	_, err := h.ctrl.Login(ctx, "a@b.com", "secret123")
	require.NoError(t, err)
	calls := h.srv.CallCount("")

	user, err := h.ctrl.UpdateUserPreferences(ctx, models.Preferences{DarkMode: models.Bool(true)})
	require.NoError(t, err)
	assert.Equal(t, &models.Preferences{DarkMode: models.Bool(true), Notifications: models.Bool(true)}, user.Preferences)
	assert.Equal(t, calls, h.srv.CallCount(""), "preferences never reach the server")

	_, err = h.ctrl.UpdateUserPreferences(ctx, models.Preferences{Language: models.String("en")})
	require.NoError(t, err)
	require.NoError(t, h.ctrl.Logout(ctx))

	assert.Equal(t, []bool{true, false}, h.themeCalls())
}

func TestLocalPreferencesSurviveRefreshAndRestore(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.ctrl.Restore(ctx)
	_, err := h.ctrl.Login(ctx, "a@b.com", "secret123")
	require.NoError(t, err)
	_, err = h.ctrl.UpdateUserPreferences(ctx, models.Preferences{DarkMode: models.Bool(true)})
	require.NoError(t, err)

	user, err := h.ctrl.Refresh(ctx)
	require.NoError(t, err)
	require.NotNil(t, user.Preferences)
	assert.True(t, user.Preferences.DarkModeEnabled())
	assert.Equal(t, []bool{true}, h.themeCalls())

	// next process start
	restarted := h.newController()
	defer restarted.Close()
	restarted.Restore(ctx)

	require.True(t, restarted.IsAuthenticated())
	assert.True(t, restarted.User().Preferences.DarkModeEnabled())
	assert.Equal(t, []bool{true, true}, h.themeCalls())
	raw, _ := h.stored(t, storage.UserKey)
	assert.Contains(t, raw, `"darkMode":true`)
}

func TestSaveProfile(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.ctrl.Restore(ctx)

	_, err := h.ctrl.SaveProfile(ctx, identity.ProfileUpdate{DisplayName: models.String("x")})
	assert.True(t, apperrors.IsUnauthenticated(err))

	_, err = h.ctrl.Login(ctx, "a@b.com", "secret123")
	require.NoError(t, err)
	_, err = h.ctrl.UpdateUserPreferences(ctx, models.Preferences{DarkMode: models.Bool(true)})
	require.NoError(t, err)

	user, err := h.ctrl.SaveProfile(ctx, identity.ProfileUpdate{DisplayName: models.String("Alice A.")})
	require.NoError(t, err)
	assert.Equal(t, "Alice A.", user.DisplayName)
	assert.True(t, user.Preferences.DarkModeEnabled(), "local preferences survive")
	assert.Equal(t, "Alice A.", h.srv.User("a@b.com").DisplayName)
}

func TestSubscribe(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)

	var mu sync.Mutex
	var statuses []types.SessionStatus
	cancel := h.ctrl.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, s.Status)
	})

	h.ctrl.Restore(ctx)
	_, err := h.ctrl.Login(ctx, "a@b.com", "secret123")
	require.NoError(t, err)
	cancel()
	cancel()
	require.NoError(t, h.ctrl.Logout(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.SessionStatus{
		types.SessionRestoring,
		types.SessionAnonymous,
		types.SessionAuthenticated,
	}, statuses)
}
