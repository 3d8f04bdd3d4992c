package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	apperrors "github.com/student-mobility/session-agent/internal/errors"
	"github.com/student-mobility/session-agent/internal/identity"
	"github.com/student-mobility/session-agent/internal/models"
)

// maxImageBytes bounds a profile picture upload
const maxImageBytes = 8 << 20

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleGetSession handles GET /api/session
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.session.Snapshot())
}

// handleLogin handles POST /api/session/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondCode(w, http.StatusBadRequest, ErrCodeInvalidBody, "Invalid request body")
		return
	}

	if _, err := s.session.Login(r.Context(), strings.TrimSpace(req.Email), req.Password); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.session.Snapshot())
}

// handleRegister handles POST /api/session/register
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req identity.RegisterInput
	if err := parseJSONBody(r, &req); err != nil {
		respondCode(w, http.StatusBadRequest, ErrCodeInvalidBody, "Invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)

	if _, err := s.session.Register(r.Context(), req); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, s.session.Snapshot())
}

// handleLogout handles POST /api/session/logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Logout(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.session.Snapshot())
}

// handleRefresh handles POST /api/session/refresh
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if _, err := s.session.Refresh(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.session.Snapshot())
}

// handleUpdateUser handles PATCH /api/session/user
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var patch models.UserPatch
	if err := parseJSONBody(r, &patch); err != nil {
		respondCode(w, http.StatusBadRequest, ErrCodeInvalidBody, "Invalid request body")
		return
	}

	if _, err := s.session.UpdateUser(r.Context(), patch); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.session.Snapshot())
}

// handleUpdatePreferences handles PATCH /api/session/preferences
func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var patch models.Preferences
	if err := parseJSONBody(r, &patch); err != nil {
		respondCode(w, http.StatusBadRequest, ErrCodeInvalidBody, "Invalid request body")
		return
	}

	if _, err := s.session.UpdateUserPreferences(r.Context(), patch); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.session.Snapshot())
}

// handleSaveProfile handles PATCH /api/session/profile. It takes either a
// JSON ProfileUpdate or a multipart form carrying a profile_image file.
func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	var (
		update identity.ProfileUpdate
		err    error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		update, err = parseProfileForm(w, r)
	} else {
		err = parseJSONBody(r, &update)
	}
	if err != nil {
		if catErr, ok := err.(*apperrors.CategorizedError); ok {
			respondError(w, catErr)
			return
		}
		respondCode(w, http.StatusBadRequest, ErrCodeInvalidBody, "Invalid request body")
		return
	}

	if _, err := s.session.SaveProfile(r.Context(), update); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.session.Snapshot())
}

func parseProfileForm(w http.ResponseWriter, r *http.Request) (identity.ProfileUpdate, error) {
	var update identity.ProfileUpdate

	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes+1<<20)
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		return update, err
	}

	update.Username = formValue(r, "username")
	update.Email = formValue(r, "email")
	update.DisplayName = formValue(r, "display_name")

	if raw := r.FormValue("preferences"); raw != "" {
		var prefs models.Preferences
		if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
			return update, apperrors.NewInvalidInputError("preferences", "must be a JSON object")
		}
		update.Preferences = &prefs
	}

	file, header, err := r.FormFile("profile_image")
	switch {
	case err == http.ErrMissingFile:
	case err != nil:
		return update, err
	default:
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, maxImageBytes+1))
		if err != nil {
			return update, err
		}
		if len(data) > maxImageBytes {
			return update, apperrors.NewInvalidInputError("profile_image", "image is too large")
		}
		update.Image = &identity.Image{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		}
	}
	return update, nil
}

// formValue returns nil for fields the form did not carry
func formValue(r *http.Request, key string) *string {
	if _, ok := r.MultipartForm.Value[key]; !ok {
		return nil
	}
	v := r.FormValue(key)
	return &v
}
