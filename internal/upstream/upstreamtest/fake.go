// Package upstreamtest provides an in-process fake of the upstream REST API for tests.
package upstreamtest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"portal-gateway/backend/internal/token"
	"portal-gateway/backend/internal/token/tokentest"
	"portal-gateway/backend/internal/upstream"
)

type account struct {
	password string
	userID   string
}

// Fake serves auth/login, auth/refresh, account/me, whoami and runners. Any other path echoes
// the request back as JSON. Handlers registered with Handle take precedence.
type Fake struct {
	URL string

	mu         sync.Mutex
	accounts   map[string]account
	emails     map[string]string
	accessTTL  time.Duration
	refreshTTL time.Duration
	hits       map[string]int
	overrides  map[string]http.HandlerFunc
}

// New starts a fake and stops it when the test ends.
func New(t testing.TB) *Fake {
	t.Helper()
	f := &Fake{
		accounts:   make(map[string]account),
		emails:     make(map[string]string),
		accessTTL:  5 * time.Minute,
		refreshTTL: time.Hour,
		hits:       make(map[string]int),
		overrides:  make(map[string]http.HandlerFunc),
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	f.URL = srv.URL + "/"
	return f
}

// Client returns an upstream client rooted at the fake.
func (f *Fake) Client(t testing.TB) *upstream.Client {
	t.Helper()
	c, err := upstream.NewClient(upstream.Options{BaseURL: f.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("upstream client: %v", err)
	}
	return c
}

// AddUser registers credentials for login.
func (f *Fake) AddUser(email, password, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[email] = account{password: password, userID: userID}
	f.emails[userID] = email
}

// SetTTL sets the lifetimes of tokens issued from now on.
func (f *Fake) SetTTL(access, refresh time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessTTL, f.refreshTTL = access, refresh
}

// Handle overrides the handler for path (without leading slash).
func (f *Fake) Handle(path string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[path] = h
}

// Hits returns how many requests reached path.
func (f *Fake) Hits(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *Fake) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	f.mu.Lock()
	f.hits[path]++
	h := f.overrides[path]
	f.mu.Unlock()
	if h != nil {
		h(w, r)
		return
	}

	switch path {
	case "auth/login":
		f.login(w, r)
		return
	case "auth/refresh":
		f.refresh(w, r)
		return
	}

	sub, exp, ok := bearer(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch path {
	case "account/me":
		f.mu.Lock()
		email := f.emails[sub]
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"user_id": sub, "email": email})
	case "whoami":
		writeJSON(w, http.StatusOK, map[string]any{"you": map[string]any{"expires": exp.Unix(), "role": "user"}})
	case "runners":
		writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]string{{"id": "r1", "owner": sub}}})
	default:
		body, _ := io.ReadAll(r.Body)
		writeJSON(w, http.StatusOK, map[string]string{
			"method":       r.Method,
			"path":         path,
			"query":        r.URL.RawQuery,
			"content_type": r.Header.Get("Content-Type"),
			"body":         string(body),
			"user_id":      sub,
		})
	}
}

func (f *Fake) login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	acc, ok := f.accounts[in.Email]
	accessTTL, refreshTTL := f.accessTTL, f.refreshTTL
	f.mu.Unlock()
	if !ok || acc.password != in.Password {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	now := time.Now()
	writeJSON(w, http.StatusOK, map[string]string{
		"auth":    tokentest.Mint(acc.userID, now.Add(accessTTL)),
		"refresh": tokentest.Mint(acc.userID, now.Add(refreshTTL)),
	})
}

func (f *Fake) refresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ExpiredToken string `json:"expired_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	sub, err := token.Subject(in.RefreshToken)
	if err != nil {
		http.Error(w, "invalid refresh token", http.StatusUnauthorized)
		return
	}
	if exp, err := token.Expiry(in.RefreshToken); err != nil || !exp.After(time.Now()) {
		http.Error(w, "refresh token expired", http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	accessTTL := f.accessTTL
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"auth": tokentest.Mint(sub, time.Now().Add(accessTTL))})
}

// bearer returns the subject and expiry of a live bearer token.
func bearer(r *http.Request) (string, time.Time, bool) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return "", time.Time{}, false
	}
	exp, err := token.Expiry(raw)
	if err != nil || !exp.After(time.Now()) {
		return "", time.Time{}, false
	}
	sub, err := token.Subject(raw)
	if err != nil {
		return "", time.Time{}, false
	}
	return sub, exp, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
