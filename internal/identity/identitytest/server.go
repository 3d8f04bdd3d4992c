// Package identitytest provides an in-memory identity service for tests.
package identitytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	"github.com/student-mobility/session-agent/internal/models"
	"github.com/student-mobility/session-agent/internal/types"
)

// Call is one request the server received
type Call struct {
	Method string
	Path   string
	Token  string
	Body   []byte
	Header http.Header
}

type account struct {
	password string
	user     *models.User
}

// Server is a fake identity service with accounts, tokens and wallet attach
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	nextID    int64
	nextToken int
	accounts  map[string]*account // by email
	tokens    map[string]int64
	calls     []Call
	overrides map[string]http.HandlerFunc
	gates     map[string]chan struct{}
	offline   bool
}

// NewServer starts a fake identity service. It is closed on test cleanup.
func NewServer(t interface{ Cleanup(func()) }) *Server {
	s := &Server{
		nextID:    1,
		accounts:  make(map[string]*account),
		tokens:    make(map[string]int64),
		overrides: make(map[string]http.HandlerFunc),
		gates:     make(map[string]chan struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/login/", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/register/", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/profile/", s.handleProfile).Methods(http.MethodGet)
	r.HandleFunc("/profile/", s.handleUpdateProfile).Methods(http.MethodPatch)
	r.HandleFunc("/profile/wallet/", s.handleAttach).Methods(http.MethodPost)

	s.Server = httptest.NewServer(s.intercept(r))
	t.Cleanup(s.Close)
	return s
}

// intercept records calls, applies overrides and gates, and simulates outages
func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		s.mu.Lock()
		s.calls = append(s.calls, Call{
			Method: r.Method,
			Path:   r.URL.Path,
			Token:  bearer(r),
			Body:   body,
			Header: r.Header.Clone(),
		})
		offline := s.offline
		gate := s.gates[r.URL.Path]
		override := s.overrides[r.Method+" "+r.URL.Path]
		s.mu.Unlock()

		if offline {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
					return
				}
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if gate != nil {
			<-gate
		}
		if override != nil {
			override(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AddUser registers an account directly and returns its user record
func (s *Server) AddUser(username, email, password string, role types.Role) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(username, email, password, role)
}

func (s *Server) addUserLocked(username, email, password string, role types.Role) *models.User {
	u := &models.User{
		ID:       s.nextID,
		Username: username,
		Email:    email,
		Role:     role,
	}
	s.nextID++
	s.accounts[email] = &account{password: password, user: u}
	return u.Clone()
}

// IssueToken returns a valid bearer token for the account with email
func (s *Server) IssueToken(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.accounts[email]
	if acc == nil {
		return ""
	}
	return s.issueLocked(acc.user.ID)
}

func (s *Server) issueLocked(userID int64) string {
	s.nextToken++
	tok := fmt.Sprintf("tok-%d-%d", userID, s.nextToken)
	s.tokens[tok] = userID
	return tok
}

// RevokeToken makes token answer 401 from now on
func (s *Server) RevokeToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// UpdateUser mutates the server-side record for email
func (s *Server) UpdateUser(email string, fn func(u *models.User)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc := s.accounts[email]; acc != nil {
		fn(acc.user)
	}
}

// User returns a copy of the server-side record for email
func (s *Server) User(email string) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc := s.accounts[email]; acc != nil {
		return acc.user.Clone()
	}
	return nil
}

// Override replaces the handler for "METHOD /path"
func (s *Server) Override(method, path string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == nil {
		delete(s.overrides, method+" "+path)
		return
	}
	s.overrides[method+" "+path] = h
}

// Respond makes "METHOD /path" answer status with a JSON body
func (s *Server) Respond(method, path string, status int, body interface{}) {
	s.Override(method, path, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status, body)
	})
}

// Hold blocks requests to path until the returned release func is called
func (s *Server) Hold(path string) (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gates[path] = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.gates, path)
			s.mu.Unlock()
			close(gate)
		})
	}
}

// SetOffline makes every request fail at the transport level
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// Calls returns the recorded calls to path, or all calls when path is empty
func (s *Server) Calls(path string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if path == "" || c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// CallCount counts calls to path
func (s *Server) CallCount(path string) int {
	return len(s.Calls(path))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.accounts[in.Email]
	if acc == nil || acc.password != in.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid credentials"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access":  s.issueLocked(acc.user.ID),
		"refresh": "refresh-" + acc.user.Username,
		"user":    acc.user,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string     `json:"username"`
		Email    string     `json:"email"`
		Password string     `json:"password"`
		Role     types.Role `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[in.Email]; exists {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "A user with that email already exists."})
		return
	}
	writeJSON(w, http.StatusCreated, s.addUserLocked(in.Username, in.Email, in.Password, in.Role))
}

// authorized resolves the bearer token or writes a 401
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) *account {
	id, ok := s.tokens[bearer(r)]
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Given token not valid for any token type"})
		return nil
	}
	for _, acc := range s.accounts {
		if acc.user.ID == id {
			return acc
		}
	}
	writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "User not found"})
	return nil
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.authorized(w, r)
	if acc == nil {
		return
	}
	writeJSON(w, http.StatusOK, acc.user)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.authorized(w, r)
	if acc == nil {
		return
	}

	var patch models.UserPatch
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed form"})
			return
		}
		if v := r.FormValue("username"); v != "" {
			patch.Username = &v
		}
		if v := r.FormValue("display_name"); v != "" {
			patch.DisplayName = &v
		}
		if v := r.FormValue("email"); v != "" {
			patch.Email = &v
		}
		if file, header, err := r.FormFile("profile_image"); err == nil {
			file.Close()
			url := "/media/profile_images/" + header.Filename
			patch.ProfileImage = &url
		}
	} else if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed body"})
		return
	}

	acc.user = acc.user.Apply(patch)
	writeJSON(w, http.StatusOK, acc.user)
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var in struct {
		HederaAccountID string `json:"hedera_account_id"`
		PublicKey       string `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.HederaAccountID == "" || in.PublicKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "hedera_account_id and public_key are required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.authorized(w, r)
	if acc == nil {
		return
	}
	acc.user.HederaAccountID = in.HederaAccountID
	acc.user.HederaPublicKey = in.PublicKey
	writeJSON(w, http.StatusOK, map[string]string{
		"hedera_account_id": in.HederaAccountID,
		"message":           "Wallet attached",
	})
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}
