package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/profilesync/internal/profile"
	"github.com/kalambet/profilesync/internal/resume"
	"github.com/kalambet/profilesync/internal/storage"
)

const (
	testToken  = "test-token-12345"
	testSecret = "jwt-secret-for-tests"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupAppHandler(t *testing.T, token string) (http.Handler, *profile.Manager, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	mgr := profile.NewManager(store, profile.Options{Logger: discardLogger()})
	t.Cleanup(func() {
		mgr.Close()
		store.Close()
	})

	handler := NewAppHandler(AppDeps{
		Profile:   mgr,
		Token:     token,
		JWTSecret: testSecret,
		Logger:    discardLogger(),
	})
	return handler, mgr, store
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decodeEntry(t *testing.T, rr *httptest.ResponseRecorder) profile.Entry {
	t.Helper()
	var e profile.Entry
	if err := json.NewDecoder(rr.Body).Decode(&e); err != nil {
		t.Fatalf("decoding entry: %v", err)
	}
	return e
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error.Type
}

func TestHealth_NoAuth(t *testing.T) {
	h, _, _ := setupAppHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestAuth_MissingToken(t *testing.T) {
	h, _, _ := setupAppHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/profiles/u1", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if got := errorType(t, rr); got != "authentication_error" {
		t.Errorf("error type = %q", got)
	}
}

func TestGetProfile_MissingUser(t *testing.T) {
	h, _, _ := setupAppHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/profiles/ghost", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	e := decodeEntry(t, rr)
	if e.Profile != nil || e.Extended != nil {
		t.Errorf("expected empty entry, got %+v", e)
	}
	if rr.Header().Get("X-Profile-Stale") != "" {
		t.Error("fresh entry must not carry the stale header")
	}
}

func TestPatchProfile_Optimistic(t *testing.T) {
	h, mgr, store := setupAppHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPatch, "/profiles/u1", `{"profile":{"full_name":"Ana"}}`, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	e := decodeEntry(t, rr)
	if e.Profile == nil || e.Profile.FullName != "Ana" {
		t.Fatalf("optimistic entry = %+v", e.Profile)
	}

	mgr.Close()
	row, err := store.ReadOne(context.Background(), storage.CollectionProfiles, "u1")
	if err != nil {
		t.Fatalf("ReadOne: %v", err)
	}
	if row["full_name"] != "Ana" {
		t.Errorf("stored full_name = %v", row["full_name"])
	}
}

func TestPatchProfile_Wait(t *testing.T) {
	h, _, _ := setupAppHandler(t, testToken)

	body := `{"profile":{"full_name":"Ana","country":"PT"},"extended":{"title":"Engineer","skills":["go"," Go ","sql"],"currency":"eur"}}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPatch, "/profiles/u1?wait=1", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	e := decodeEntry(t, rr)
	if e.Profile == nil || e.Profile.Country != "PT" {
		t.Fatalf("profile = %+v", e.Profile)
	}
	if e.Extended == nil || e.Extended.Compensation.Currency != "EUR" {
		t.Fatalf("extended = %+v", e.Extended)
	}
	if e.Completeness == 0 {
		t.Error("authoritative entry should carry a completeness score")
	}
	if e.Profile.Completeness != e.Completeness {
		t.Errorf("record completeness %d != entry completeness %d", e.Profile.Completeness, e.Completeness)
	}
}

func TestPatchProfile_Rejects(t *testing.T) {
	h, _, _ := setupAppHandler(t, testToken)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"profile":`},
		{"unknown field", `{"profile":{"profile_completeness":90}}`},
		{"bad level", `{"extended":{"experience_level":"wizard"}}`},
		{"bad rates", `{"extended":{"hourly_rate_min":50,"hourly_rate_max":10}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(http.MethodPatch, "/profiles/u1", tt.body, testToken))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestPatchProfile_PersistFailureRollsBack(t *testing.T) {
	h, mgr, store := setupAppHandler(t, testToken)
	store.Close()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPatch, "/profiles/u1?wait=true", `{"profile":{"full_name":"Ana"}}`, testToken))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if got := errorType(t, rr); got != "persist_error" {
		t.Errorf("error type = %q, want persist_error", got)
	}
	if _, ok := mgr.Peek("u1"); ok {
		t.Error("optimistic entry should have been rolled back")
	}
}

func TestGetProfile_StaleAndFetchError(t *testing.T) {
	h, mgr, store := setupAppHandler(t, testToken)

	if err := store.WriteOne(context.Background(), storage.CollectionProfiles, "u1", map[string]any{"full_name": "Ana"}); err != nil {
		t.Fatalf("WriteOne: %v", err)
	}
	if _, err := mgr.GetProfile(context.Background(), "u1", false); err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	store.Close()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/profiles/u1?refresh=1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Profile-Stale") != "true" {
		t.Error("expected X-Profile-Stale header")
	}
	if e := decodeEntry(t, rr); !e.Stale || e.Profile.FullName != "Ana" {
		t.Errorf("entry = %+v", e)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/profiles/u2", "", testToken))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
	if got := errorType(t, rr); got != "fetch_error" {
		t.Errorf("error type = %q, want fetch_error", got)
	}
}

func TestPrefetch(t *testing.T) {
	h, mgr, _ := setupAppHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/profiles/prefetch", `{"user_ids":["a","b","a",""]}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var got map[string]int
	json.NewDecoder(rr.Body).Decode(&got)
	if got["fetched"] != 2 {
		t.Errorf("fetched = %d, want 2", got["fetched"])
	}
	if mgr.Stats().Entries != 2 {
		t.Errorf("entries = %d, want 2", mgr.Stats().Entries)
	}
}

func TestInvalidateAndStats(t *testing.T) {
	h, mgr, _ := setupAppHandler(t, testToken)

	if _, err := mgr.GetProfile(context.Background(), "u1", false); err != nil {
		t.Fatalf("GetProfile: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/profiles/u1/cache", "", testToken))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}
	if _, ok := mgr.Peek("u1"); ok {
		t.Error("entry still cached after invalidate")
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/cache/stats", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var stats profile.Stats
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Misses != 1 || stats.Entries != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestImportResume_Rejects(t *testing.T) {
	h, _, _ := setupAppHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/profiles/u1/resume", "plain text, not a pdf", testToken))
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", rr.Code)
	}

	big := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte("x"), resume.MaxUploadBytes)...)
	req := httptest.NewRequest(http.MethodPost, "/profiles/u1/resume", bytes.NewReader(big))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rr.Code)
	}
}

func TestJWT_ScopesToOwnProfile(t *testing.T) {
	h, _, _ := setupAppHandler(t, testToken)

	tok, err := IssueUserToken(testSecret, "u1", time.Hour)
	if err != nil {
		t.Fatalf("IssueUserToken: %v", err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"own profile", http.MethodGet, "/profiles/u1", "", http.StatusOK},
		{"other profile", http.MethodGet, "/profiles/u2", "", http.StatusForbidden},
		{"patch other", http.MethodPatch, "/profiles/u2", `{"profile":{"city":"Porto"}}`, http.StatusForbidden},
		{"prefetch other", http.MethodPost, "/profiles/prefetch", `{"user_ids":["u1","u2"]}`, http.StatusForbidden},
		{"prefetch own", http.MethodPost, "/profiles/prefetch", `{"user_ids":["u1"]}`, http.StatusOK},
		{"stats", http.MethodGet, "/cache/stats", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(tt.method, tt.path, tt.body, tok))
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d; body = %s", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestJWT_Rejected(t *testing.T) {
	h, _, _ := setupAppHandler(t, testToken)

	expired, err := IssueUserToken(testSecret, "u1", -time.Minute)
	if err != nil {
		t.Fatalf("IssueUserToken: %v", err)
	}
	forged, err := IssueUserToken("another-secret", "u1", time.Hour)
	if err != nil {
		t.Fatalf("IssueUserToken: %v", err)
	}

	for name, tok := range map[string]string{"expired": expired, "forged": forged, "garbage": "a.b.c"} {
		t.Run(name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(http.MethodGet, "/profiles/u1", "", tok))
			if rr.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rr.Code)
			}
		})
	}
}

func TestJWT_DisabledWithoutSecret(t *testing.T) {
	tok, err := IssueUserToken(testSecret, "u1", time.Hour)
	if err != nil {
		t.Fatalf("IssueUserToken: %v", err)
	}
	h := BearerAuth(testToken, "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/", "", tok))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestIssueUserToken_Requires(t *testing.T) {
	if _, err := IssueUserToken("", "u1", time.Hour); err == nil {
		t.Error("expected error without secret")
	}
	if _, err := IssueUserToken(testSecret, "", time.Hour); err == nil {
		t.Error("expected error without user id")
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 15},
		{"timeout=5", 5},
		{"timeout=0", 15},
		{"timeout=-3", 15},
		{"timeout=abc", 15},
		{"timeout=999", 120},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
		if got := parseIntParam(r, "timeout", 15, 120); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
