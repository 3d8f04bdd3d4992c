package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantCat  ErrorCategory
	}{
		{
			name:     "categorized error passes through",
			err:      NewSessionExpiredError(),
			wantCode: CodeSessionExpired,
			wantCat:  CategoryAuthentication,
		},
		{
			name:     "wrapped categorized error is found",
			err:      fmt.Errorf("refresh: %w", NewAccountNotPairedError("0.0.1")),
			wantCode: CodeAccountNotPaired,
			wantCat:  CategoryWallet,
		},
		{
			name:     "deadline becomes a network error",
			err:      context.DeadlineExceeded,
			wantCode: CodeNetwork,
			wantCat:  CategoryUpstream,
		},
		{
			name:     "plain error becomes internal",
			err:      stderrors.New("boom"),
			wantCode: CodeInternal,
			wantCat:  CategorySystem,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Categorize(tt.err)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Equal(t, tt.wantCat, got.Category)
		})
	}

	assert.Nil(t, Categorize(nil))
}

func TestRequestFailedStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, NewRequestFailedError("login", 400, "bad").StatusCode)
	assert.Equal(t, http.StatusBadGateway, NewRequestFailedError("login", 503, "down").StatusCode)
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsSessionExpired(NewSessionExpiredError()))
	assert.False(t, IsSessionExpired(NewUnauthenticatedError()))
	assert.True(t, IsUnauthenticated(NewUnauthenticatedError()))
	assert.True(t, IsNetworkOrServer(NewNetworkError("profile", stderrors.New("dial"))))
	assert.True(t, IsNetworkOrServer(NewRequestFailedError("profile", 500, "oops")))
	assert.False(t, IsNetworkOrServer(NewSessionExpiredError()))
	assert.True(t, IsWalletError(NewMissingPublicKeyError("0.0.5")))
	assert.True(t, IsWalletError(NewWalletTimeoutError("30s")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewNetworkError("profile", nil)))
	assert.True(t, IsRetryable(NewRequestFailedError("profile", 502, "bad gateway")))
	assert.False(t, IsRetryable(NewRequestFailedError("login", 400, "bad credentials")))
	assert.False(t, IsRetryable(NewSessionExpiredError()))
	assert.False(t, IsRetryable(nil))
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "reconnect your wallet", UserMessage(NewMissingPublicKeyError("0.0.5")))
	assert.Equal(t, "Invalid credentials", UserMessage(NewRequestFailedError("login", 401, "Invalid credentials")))
	assert.Equal(t, "something went wrong, please try again", UserMessage(stderrors.New("boom")))
	assert.Empty(t, UserMessage(nil))
}

func TestErrorString(t *testing.T) {
	err := NewNetworkError("profile", stderrors.New("connection refused"))
	assert.Contains(t, err.Error(), "NETWORK_ERROR")
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, err.Cause)
}
