package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	apperrors "github.com/student-mobility/session-agent/internal/errors"
	"github.com/student-mobility/session-agent/internal/models"
	"github.com/student-mobility/session-agent/internal/types"
)

// LoginResult is the documented /login/ success body
type LoginResult struct {
	Token   string       `json:"access"`
	Refresh string       `json:"refresh,omitempty"`
	User    *models.User `json:"user"`
}

// RegisterInput is the /register/ request body
type RegisterInput struct {
	Username string     `json:"username"`
	Email    string     `json:"email"`
	Password string     `json:"password"`
	Role     types.Role `json:"role"`
}

// Validate checks the fields the service would reject anyway
func (in RegisterInput) Validate() error {
	switch {
	case strings.TrimSpace(in.Username) == "":
		return apperrors.NewInvalidInputError("username", "required")
	case !strings.Contains(in.Email, "@"):
		return apperrors.NewInvalidInputError("email", "must be an email address")
	case in.Password == "":
		return apperrors.NewInvalidInputError("password", "required")
	case in.Role == "" || !in.Role.Valid():
		return apperrors.NewInvalidInputError("role", "must be student or driver")
	}
	return nil
}

// Image is a profile picture upload
type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ProfileUpdate is a partial profile edit. Nil fields are not sent.
type ProfileUpdate struct {
	Username    *string             `json:"username,omitempty"`
	Email       *string             `json:"email,omitempty"`
	DisplayName *string             `json:"display_name,omitempty"`
	Preferences *models.Preferences `json:"preferences,omitempty"`
	Image       *Image              `json:"-"`
}

// Empty reports whether the update carries nothing to send
func (u ProfileUpdate) Empty() bool {
	return u.Username == nil && u.Email == nil && u.DisplayName == nil && u.Preferences == nil && u.Image == nil
}

// AttachResult is what the wallet attach endpoint confirms
type AttachResult struct {
	HederaAccountID string `json:"hedera_account_id,omitempty"`
	Message         string `json:"message,omitempty"`
}

// Login exchanges credentials for a token and user record
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	body, err := jsonBody(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode login", err)
	}
	req := request{op: "login", method: http.MethodPost, path: "/login/", body: body, contentType: "application/json"}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.check(req, resp); err != nil {
		return nil, err
	}

	var result LoginResult
	if err := decode(req.op, resp.body, &result); err != nil {
		return nil, err
	}
	if result.Token == "" {
		return nil, apperrors.NewInvalidResponseError(req.op, `missing "access" token`)
	}
	if err := requireUser(req.op, result.User); err != nil {
		return nil, err
	}
	return &result, nil
}

// Register creates an account and returns the created user record
func (c *Client) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	body, err := jsonBody(in)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode registration", err)
	}
	req := request{op: "register", method: http.MethodPost, path: "/register/", body: body, contentType: "application/json"}
	return c.userCall(ctx, req)
}

// FetchProfile returns the authoritative profile for token
func (c *Client) FetchProfile(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, apperrors.NewUnauthenticatedError()
	}
	req := request{op: "fetch profile", method: http.MethodGet, path: "/profile/", token: token}
	return c.userCall(ctx, req)
}

// UpdateProfile applies a partial edit. An image switches the body to multipart.
func (c *Client) UpdateProfile(ctx context.Context, token string, update ProfileUpdate) (*models.User, error) {
	if token == "" {
		return nil, apperrors.NewUnauthenticatedError()
	}
	if update.Empty() {
		return nil, apperrors.NewInvalidInputError("profile", "nothing to update")
	}

	req := request{op: "update profile", method: http.MethodPatch, path: "/profile/", token: token}
	if update.Image != nil {
		body, contentType, err := multipartBody(update)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to encode profile form", err)
		}
		req.body, req.contentType = body, contentType
	} else {
		body, err := jsonBody(update)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to encode profile", err)
		}
		req.body, req.contentType = body, "application/json"
	}
	return c.userCall(ctx, req)
}

// AttachWallet records a ledger account and public key against the profile
func (c *Client) AttachWallet(ctx context.Context, token, accountID, publicKey string) (*AttachResult, error) {
	if token == "" {
		return nil, apperrors.NewUnauthenticatedError()
	}
	body, err := jsonBody(map[string]string{
		"hedera_account_id": accountID,
		"public_key":        publicKey,
	})
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode wallet attach", err)
	}
	req := request{op: "attach wallet", method: http.MethodPost, path: "/profile/wallet/", token: token, body: body, contentType: "application/json"}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.check(req, resp); err != nil {
		return nil, err
	}

	// the confirmation body is informational; an empty 2xx is a success
	result := &AttachResult{}
	if len(bytes.TrimSpace(resp.body)) > 0 {
		if err := decode(req.op, resp.body, result); err != nil {
			return nil, err
		}
	}
	if result.HederaAccountID == "" {
		result.HederaAccountID = accountID
	}
	return result, nil
}

// userCall runs an endpoint whose success body is a user record
func (c *Client) userCall(ctx context.Context, req request) (*models.User, error) {
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.check(req, resp); err != nil {
		return nil, err
	}
	var user models.User
	if err := decode(req.op, resp.body, &user); err != nil {
		return nil, err
	}
	if err := requireUser(req.op, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func requireUser(op string, u *models.User) error {
	if u == nil {
		return apperrors.NewInvalidResponseError(op, `missing "user" record`)
	}
	if u.ID == 0 {
		return apperrors.NewInvalidResponseError(op, `user record has no "id"`)
	}
	return nil
}

func multipartBody(update ProfileUpdate) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	fields := []struct {
		name  string
		value *string
	}{
		{"username", update.Username},
		{"email", update.Email},
		{"display_name", update.DisplayName},
	}
	for _, f := range fields {
		if f.value == nil {
			continue
		}
		if err := w.WriteField(f.name, *f.value); err != nil {
			return nil, "", err
		}
	}
	if update.Preferences != nil {
		prefs, err := json.Marshal(update.Preferences)
		if err != nil {
			return nil, "", err
		}
		if err := w.WriteField("preferences", string(prefs)); err != nil {
			return nil, "", err
		}
	}

	img := update.Image
	filename := img.Filename
	if filename == "" {
		filename = "profile_image"
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(img.Data)
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="profile_image"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", err
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}
