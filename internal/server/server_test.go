package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tallybot/internal/db"
	"tallybot/internal/engine"
	"tallybot/internal/migrate"
	"tallybot/internal/server"
)

func newTestServer(t *testing.T, auth server.AuthConfig) (*httptest.Server, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, nil)
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	handler, err := server.New(server.Config{Engine: e, Auth: auth})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts, e
}

func getJSON(t *testing.T, url, token string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, server.AuthConfig{})
	var body map[string]string
	if code := getJSON(t, ts.URL+"/v0/health", "", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestScoreboardEndpoint(t *testing.T) {
	ts, e := newTestServer(t, server.AuthConfig{})
	if _, err := e.Ledger.UpsertUser(context.Background(), "alice", "alice", "Alice", "2024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var body struct {
		Users    []server.UserResponse `json:"users"`
		Rendered string                `json:"rendered"`
	}
	if code := getJSON(t, ts.URL+"/v0/scoreboard", "", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(body.Users) != 1 || body.Users[0].Nickname != "Alice" {
		t.Fatalf("users = %+v", body.Users)
	}
	if body.Rendered == "" {
		t.Fatalf("rendered scoreboard missing")
	}
}

func TestTaskNotFound(t *testing.T) {
	ts, _ := newTestServer(t, server.AuthConfig{})
	if code := getJSON(t, ts.URL+"/v0/tasks/42", "", nil); code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
}

func TestPendingGroups(t *testing.T) {
	ts, _ := newTestServer(t, server.AuthConfig{})
	var body struct {
		Pending []server.RequestResponse `json:"pending"`
		Ongoing []server.RequestResponse `json:"ongoing"`
		Review  []server.RequestResponse `json:"review"`
	}
	if code := getJSON(t, ts.URL+"/v0/pending", "", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.Pending == nil || body.Ongoing == nil || body.Review == nil {
		t.Fatalf("groups should be present even when empty: %+v", body)
	}
}

func TestBearerAuth(t *testing.T) {
	secret := "test-secret"
	ts, _ := newTestServer(t, server.AuthConfig{JWTSecret: secret})

	// Health stays open.
	if code := getJSON(t, ts.URL+"/v0/health", "", nil); code != http.StatusOK {
		t.Fatalf("health status = %d", code)
	}
	// Everything else needs a token.
	if code := getJSON(t, ts.URL+"/v0/scoreboard", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", code)
	}
	if code := getJSON(t, ts.URL+"/v0/scoreboard", "garbage", nil); code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", code)
	}

	claims := jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if code := getJSON(t, ts.URL+"/v0/scoreboard", token, nil); code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", code)
	}

	// A well-signed token still needs a subject.
	anon := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	anonToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, anon).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if code := getJSON(t, ts.URL+"/v0/scoreboard", anonToken, nil); code != http.StatusUnauthorized {
		t.Fatalf("subjectless token status = %d, want 401", code)
	}
}
