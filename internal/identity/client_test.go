package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/student-mobility/session-agent/internal/circuitbreaker"
	apperrors "github.com/student-mobility/session-agent/internal/errors"
	"github.com/student-mobility/session-agent/internal/identity/identitytest"
	"github.com/student-mobility/session-agent/internal/logging"
	"github.com/student-mobility/session-agent/internal/models"
	"github.com/student-mobility/session-agent/internal/types"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	return NewClient(Config{
		BaseURL: baseURL + "/",
		Timeout: 2 * time.Second,
		Logger:  logging.Discard(),
	})
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLogin(t *testing.T) {
	ctx := testContext(t)
	srv := identitytest.NewServer(t)
	srv.AddUser("alice", "a@b.com", "pw", types.RoleStudent)
	client := newTestClient(t, srv.URL)

	t.Run("success", func(t *testing.T) {
		res, err := client.Login(ctx, "a@b.com", "pw")
		require.NoError(t, err)
		assert.NotEmpty(t, res.Token)
		assert.Equal(t, "refresh-alice", res.Refresh)
		require.NotNil(t, res.User)
		assert.Equal(t, "alice", res.User.Username)

		calls := srv.Calls("/login/")
		last := calls[len(calls)-1]
		assert.Empty(t, last.Token)
		assert.NotEmpty(t, last.Header.Get("X-Request-ID"))
		assert.JSONEq(t, `{"email":"a@b.com","password":"pw"}`, string(last.Body))
	})

	t.Run("bad credentials are not a session expiry", func(t *testing.T) {
		_, err := client.Login(ctx, "a@b.com", "wrong")
		require.Error(t, err)
		assert.False(t, apperrors.IsSessionExpired(err))
		assert.True(t, apperrors.IsNetworkOrServer(err))
		assert.Equal(t, "Invalid credentials", apperrors.UserMessage(err))
		assert.Equal(t, http.StatusUnauthorized, apperrors.GetHTTPStatusCode(err))
	})
}

func TestLoginStrictSchema(t *testing.T) {
	ctx := testContext(t)

	tests := []struct {
		name string
		body string
	}{
		{"token under another name", `{"token":"t","user":{"id":1}}`},
		{"missing user", `{"access":"t"}`},
		{"user without id", `{"access":"t","user":{"username":"x"}}`},
		{"not json", `<html>`},
		{"empty", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).Login(ctx, "a@b.com", "pw")
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidResponse), "got %v", err)
		})
	}
}

func TestServerMessagePriority(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected string
	}{
		{"message wins", `{"message":"m","detail":"d","error":"e"}`, "m"},
		{"detail next", `{"detail":"d","error":"e"}`, "d"},
		{"error last", `{"error":"e"}`, "e"},
		{"blank message skipped", `{"message":"  ","detail":"d"}`, "d"},
		{"non string ignored", `{"message":{"x":1}}`, "login failed (status 400)"},
		{"fallback", `not json`, "login failed (status 400)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, serverMessage("login", 400, []byte(tt.body)))
		})
	}
}

func TestRegister(t *testing.T) {
	ctx := testContext(t)
	srv := identitytest.NewServer(t)
	client := newTestClient(t, srv.URL)

	in := RegisterInput{Username: "bob", Email: "bob@x.io", Password: "pw", Role: types.RoleDriver}
	user, err := client.Register(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "bob", user.Username)
	assert.Equal(t, types.RoleDriver, user.Role)

	_, err = client.Register(ctx, in)
	require.Error(t, err)
	assert.Equal(t, "A user with that email already exists.", apperrors.UserMessage(err))

	_, err = client.Register(ctx, RegisterInput{Username: "x", Email: "x@x", Password: "p", Role: "pilot"})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidInput))
	assert.Equal(t, 2, srv.CallCount("/register/"), "invalid input never reaches the server")
}

func TestFetchProfile(t *testing.T) {
	ctx := testContext(t)
	srv := identitytest.NewServer(t)
	srv.AddUser("alice", "a@b.com", "pw", types.RoleStudent)
	token := srv.IssueToken("a@b.com")
	client := newTestClient(t, srv.URL)

	user, err := client.FetchProfile(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", user.Email)
	assert.Equal(t, token, srv.Calls("/profile/")[0].Token)

	srv.RevokeToken(token)
	_, err = client.FetchProfile(ctx, token)
	assert.True(t, apperrors.IsSessionExpired(err))

	_, err = client.FetchProfile(ctx, "")
	assert.True(t, apperrors.IsUnauthenticated(err))
}

func TestServerErrorsAndTransportFailures(t *testing.T) {
	ctx := testContext(t)
	srv := identitytest.NewServer(t)
	srv.AddUser("alice", "a@b.com", "pw", types.RoleStudent)
	token := srv.IssueToken("a@b.com")
	client := newTestClient(t, srv.URL)

	srv.Respond(http.MethodGet, "/profile/", http.StatusInternalServerError, map[string]string{"detail": "boom"})
	_, err := client.FetchProfile(ctx, token)
	require.Error(t, err)
	assert.True(t, apperrors.IsNetworkOrServer(err))
	assert.False(t, apperrors.IsSessionExpired(err))
	assert.Equal(t, "boom", apperrors.UserMessage(err))
	assert.True(t, apperrors.IsRetryable(err))

	srv.Override(http.MethodGet, "/profile/", nil)
	srv.SetOffline(true)
	_, err = client.FetchProfile(ctx, token)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNetwork))
}

func TestCircuitBreakerFailsFast(t *testing.T) {
	ctx := testContext(t)
	srv := identitytest.NewServer(t)
	srv.AddUser("alice", "a@b.com", "pw", types.RoleStudent)
	token := srv.IssueToken("a@b.com")

	breaker := circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
		Name:                "identity-test",
		ConsecutiveFailures: 2,
		Timeout:             time.Hour,
		IsFailure:           countsAgainstUpstream,
		Logger:              logging.Discard(),
	})
	client := NewClient(Config{BaseURL: srv.URL, Breaker: breaker, Logger: logging.Discard()})

	// 4xx never trips the breaker
	for i := 0; i < 3; i++ {
		_, err := client.Login(ctx, "a@b.com", "wrong")
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateClosed, client.BreakerState())

	srv.Respond(http.MethodGet, "/profile/", http.StatusBadGateway, nil)
	for i := 0; i < 2; i++ {
		_, _ = client.FetchProfile(ctx, token)
	}
	assert.Equal(t, circuitbreaker.StateOpen, client.BreakerState())

	before := srv.CallCount("/profile/")
	_, err := client.FetchProfile(ctx, token)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNetwork))
	assert.Equal(t, before, srv.CallCount("/profile/"), "open circuit makes no request")
}

func TestUpdateProfileJSON(t *testing.T) {
	ctx := testContext(t)
	srv := identitytest.NewServer(t)
	srv.AddUser("alice", "a@b.com", "pw", types.RoleStudent)
	token := srv.IssueToken("a@b.com")
	client := newTestClient(t, srv.URL)

	user, err := client.UpdateProfile(ctx, token, ProfileUpdate{DisplayName: models.String("Alice A.")})
	require.NoError(t, err)
	assert.Equal(t, "Alice A.", user.DisplayName)

	call := srv.Calls("/profile/")[0]
	assert.Equal(t, http.MethodPatch, call.Method)
	assert.Equal(t, "application/json", call.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"display_name":"Alice A."}`, string(call.Body))

	_, err = client.UpdateProfile(ctx, token, ProfileUpdate{})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidInput))
}

func TestUpdateProfileMultipart(t *testing.T) {
	ctx := testContext(t)
	srv := identitytest.NewServer(t)
	srv.AddUser("alice", "a@b.com", "pw", types.RoleStudent)
	token := srv.IssueToken("a@b.com")
	client := newTestClient(t, srv.URL)

	user, err := client.UpdateProfile(ctx, token, ProfileUpdate{
		Username: models.String("alice2"),
		Image:    &Image{Filename: "me.png", Data: []byte("\x89PNG\r\n\x1a\nfake")},
	})
	require.NoError(t, err)
	assert.Equal(t, "alice2", user.Username)
	assert.Equal(t, "/media/profile_images/me.png", user.ProfileImage)

	call := srv.Calls("/profile/")[0]
	assert.True(t, strings.HasPrefix(call.Header.Get("Content-Type"), "multipart/form-data"))
	assert.Contains(t, string(call.Body), "image/png")
}

func TestAttachWallet(t *testing.T) {
	ctx := testContext(t)
	srv := identitytest.NewServer(t)
	srv.AddUser("alice", "a@b.com", "pw", types.RoleStudent)
	token := srv.IssueToken("a@b.com")
	client := newTestClient(t, srv.URL)

	res, err := client.AttachWallet(ctx, token, "0.0.500", "pubkeyABC")
	require.NoError(t, err)
	assert.Equal(t, "0.0.500", res.HederaAccountID)

	call := srv.Calls("/profile/wallet/")[0]
	var body map[string]string
	require.NoError(t, json.Unmarshal(call.Body, &body))
	assert.Equal(t, map[string]string{"hedera_account_id": "0.0.500", "public_key": "pubkeyABC"}, body)
	assert.Equal(t, "pubkeyABC", srv.User("a@b.com").HederaPublicKey)

	srv.Respond(http.MethodPost, "/profile/wallet/", http.StatusConflict, map[string]string{"error": "account already linked"})
	_, err = client.AttachWallet(ctx, token, "0.0.500", "pubkeyABC")
	require.Error(t, err)
	assert.Equal(t, "account already linked", apperrors.UserMessage(err))

	srv.Respond(http.MethodPost, "/profile/wallet/", http.StatusNoContent, nil)
	res, err = client.AttachWallet(ctx, token, "0.0.501", "k")
	require.NoError(t, err)
	assert.Equal(t, "0.0.501", res.HederaAccountID)
}

func TestTimeoutIsNetworkError(t *testing.T) {
	srv := identitytest.NewServer(t)
	srv.AddUser("alice", "a@b.com", "pw", types.RoleStudent)
	release := srv.Hold("/login/")
	defer release()

	client := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, Logger: logging.Discard()})
	_, err := client.Login(testContext(t), "a@b.com", "pw")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNetwork))
}
