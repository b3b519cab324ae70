package http

import (
	"bytes"
	"encoding/json"
	stdhttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetline/callbridge/internal/auth"
	"github.com/meetline/callbridge/internal/billing"
	"github.com/meetline/callbridge/internal/config"
	"github.com/meetline/callbridge/internal/notify"
	"github.com/meetline/callbridge/internal/presence"
	"github.com/meetline/callbridge/internal/service/calls"
	"github.com/meetline/callbridge/internal/service/wallet"
	"github.com/meetline/callbridge/internal/store/sqlite"
)

// testServer bundles the wired stack for handler tests.
type testServer struct {
	server   *stdhttp.Server
	store    *sqlite.SQLiteStore
	auth     *auth.Service
	registry *presence.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte("test-secret"),
		Issuer:   "test",
		Audience: "test",
		TTL:      24 * time.Hour,
	}
	authService := auth.NewService(st, jwtConfig, 300, 600)

	disabledLogger := zerolog.Nop()
	registry := presence.New(time.Minute, disabledLogger)
	dispatcher := notify.New(registry, notify.NopPusher{}, disabledLogger)
	billingEngine := billing.New(st, disabledLogger)
	callsService := calls.New(st, billingEngine, registry, dispatcher, nil, 30*time.Second, disabledLogger)
	t.Cleanup(callsService.Shutdown)
	walletService := wallet.New(st, disabledLogger)

	cfg := config.Config{
		Addr:              ":0",
		ReadHeaderTimeout: time.Second,
		ShutdownTimeout:   time.Second,
	}

	server := NewServer(Deps{
		Auth:     authService,
		Calls:    callsService,
		Wallet:   walletService,
		Registry: registry,
	}, cfg, &disabledLogger)

	return &testServer{
		server:   server,
		store:    st,
		auth:     authService,
		registry: registry,
	}
}

// do runs one request through the router and returns the recorder.
func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp := httptest.NewRecorder()
	ts.server.Handler.ServeHTTP(resp, req)
	return resp
}

// registerUser creates an account through the API and returns its token.
func (ts *testServer) registerUser(t *testing.T, username string) string {
	t.Helper()

	resp := ts.do(t, stdhttp.MethodPost, "/api/register", "", RegisterRequest{
		Username: username,
		Password: "password123",
	})
	if resp.Code != stdhttp.StatusCreated {
		t.Fatalf("register %s: status %d: %s", username, resp.Code, resp.Body.String())
	}

	var out AuthResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode auth response: %v", err)
	}
	return out.Token
}

func decodeJSON[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", resp.Body.String(), err)
	}
	return out
}
