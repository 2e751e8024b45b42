package adminapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verayang01/chatd/config"
	serverPkg "github.com/verayang01/chatd/server"
	"github.com/verayang01/chatd/store"
)

const testKey = "secret-key"

func newTestServer(t *testing.T, allowed ...string) (*Server, *store.Store) {
	t.Helper()
	st := store.New()
	s, err := New(st, ServerOptions{Name: "test", APIKey: testKey, AllowedHosts: allowed})
	require.NoError(t, err)
	return s, st
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestGetClientIP(t *testing.T) {
	trusted, err := serverPkg.ParseTrustedNetworks([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		expectedIP string
	}{
		{
			name:       "X-Forwarded-For single IP",
			headers:    map[string]string{"X-Forwarded-For": "192.168.1.100"},
			remoteAddr: "10.0.0.1:12345",
			expectedIP: "192.168.1.100",
		},
		{
			name:       "X-Forwarded-For multiple IPs",
			headers:    map[string]string{"X-Forwarded-For": "192.168.1.100, 10.0.0.5, 172.16.0.1"},
			remoteAddr: "10.0.0.1:12345",
			expectedIP: "192.168.1.100",
		},
		{
			name:       "X-Real-IP header",
			headers:    map[string]string{"X-Real-IP": "192.168.1.200"},
			remoteAddr: "10.0.0.1:12345",
			expectedIP: "192.168.1.200",
		},
		{
			name: "X-Forwarded-For takes precedence over X-Real-IP",
			headers: map[string]string{
				"X-Forwarded-For": "192.168.1.100",
				"X-Real-IP":       "192.168.1.200",
			},
			remoteAddr: "10.0.0.1:12345",
			expectedIP: "192.168.1.100",
		},
		{
			name:       "X-Forwarded-For from untrusted peer ignored",
			headers:    map[string]string{"X-Forwarded-For": "10.1.2.3"},
			remoteAddr: "203.0.113.9:12345",
			expectedIP: "203.0.113.9",
		},
		{
			name:       "X-Real-IP from untrusted peer ignored",
			headers:    map[string]string{"X-Real-IP": "10.1.2.3"},
			remoteAddr: "203.0.113.9:12345",
			expectedIP: "203.0.113.9",
		},
		{
			name:       "fallback to RemoteAddr",
			headers:    map[string]string{},
			remoteAddr: "192.168.1.50:12345",
			expectedIP: "192.168.1.50",
		},
		{
			name:       "RemoteAddr without port",
			headers:    map[string]string{},
			remoteAddr: "192.168.1.51",
			expectedIP: "192.168.1.51",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req, trusted); got != tt.expectedIP {
				t.Errorf("getClientIP() = %v, want %v", got, tt.expectedIP)
			}
		})
	}
}

func TestGetClientIPWithoutTrustedProxies(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.9:12345"
	req.Header.Set("X-Forwarded-For", "192.0.2.10")
	req.Header.Set("X-Real-IP", "192.0.2.10")
	assert.Equal(t, "203.0.113.9", getClientIP(req, nil))
}

func TestNewValidation(t *testing.T) {
	_, err := New(store.New(), ServerOptions{})
	assert.ErrorContains(t, err, "API key")

	_, err = New(store.New(), ServerOptions{APIKey: "k", TLS: true})
	assert.ErrorContains(t, err, "TLS")

	_, err = New(store.New(), ServerOptions{APIKey: "k", AllowedHosts: []string{"10.0.0.0/99"}})
	assert.Error(t, err)

	_, err = New(store.New(), ServerOptions{APIKey: "k", TrustedProxies: []string{"proxy.local"}})
	assert.ErrorContains(t, err, "trusted proxy")
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.AdminAPIConfig{
		Addr:           ":8443",
		APIKey:         "k",
		AllowedHosts:   []string{"192.0.2.10"},
		TrustedProxies: []string{"10.0.0.1"},
		TLS:            true,
		TLSCertFile:    "cert.pem",
		TLSKeyFile:     "key.pem",
	})
	assert.Equal(t, ServerOptions{
		Name:           "admin",
		Addr:           ":8443",
		APIKey:         "k",
		AllowedHosts:   []string{"192.0.2.10"},
		TrustedProxies: []string{"10.0.0.1"},
		TLS:            true,
		TLSCertFile:    "cert.pem",
		TLSKeyFile:     "key.pem",
	}, opts)

	_, err := New(store.New(), opts)
	assert.NoError(t, err)
}

func TestTLSServesHTTPS(t *testing.T) {
	certFile, keyFile := writeTestCert(t)
	addr := freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go Start(ctx, store.New(), OptionsFromConfig(config.AdminAPIConfig{
		Addr: addr, APIKey: testKey, TLS: true, TLSCertFile: certFile, TLSKeyFile: keyFile,
	}), errCh)

	client := &http.Client{
		Timeout:   2 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}
	require.Eventually(t, func() bool {
		resp, err := client.Get("https://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK && resp.TLS != nil
	}, 5*time.Second, 50*time.Millisecond)

	select {
	case err := <-errCh:
		t.Fatalf("server failed: %v", err)
	default:
	}
}

func TestAuthMiddleware(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusForbidden},
		{"ok", "Bearer " + testKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/accounts", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestAllowedHostsIgnoresSpoofedHeaders(t *testing.T) {
	s, _ := newTestServer(t, "192.0.2.10")
	h := s.Handler()

	req := httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "203.0.113.9:1000"
	req.Header.Set("X-Forwarded-For", "192.0.2.10")
	req.Header.Set("X-Real-IP", "192.0.2.10")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAllowedHostsBehindTrustedProxy(t *testing.T) {
	s, err := New(store.New(), ServerOptions{
		Name: "test", APIKey: testKey, AllowedHosts: []string{"192.0.2.10"}, TrustedProxies: []string{"10.0.0.1"},
	})
	require.NoError(t, err)
	h := s.Handler()

	req := httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "10.0.0.1:1000"
	req.Header.Set("X-Forwarded-For", "192.0.2.10")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAllowedHosts(t *testing.T) {
	s, _ := newTestServer(t, "192.0.2.10", "10.1.0.0/16")
	h := s.Handler()

	for addr, want := range map[string]int{
		"192.0.2.10:1000": http.StatusOK,
		"10.1.200.3:1000": http.StatusOK,
		"192.0.2.11:1000": http.StatusForbidden,
	} {
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, addr)
	}
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	s, st := newTestServer(t)
	_, err := st.Login("alice", "pw")
	require.NoError(t, err)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Store.Accounts)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chatd_accounts_current")
}

func TestConversation(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, "POST", "/api/v1/login", CredentialsRequest{Username: "alice", Password: "pw"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Account created and login successful.", decode[StatusResponse](t, rec).Message)

	rec = do(t, h, "POST", "/api/v1/login", CredentialsRequest{Username: "alice", Password: "pw"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Login successful.", decode[StatusResponse](t, rec).Message)

	rec = do(t, h, "POST", "/api/v1/login", CredentialsRequest{Username: "alice", Password: "bad"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Incorrect password.", decode[map[string]string](t, rec)["error"])

	rec = do(t, h, "POST", "/api/v1/accounts", CredentialsRequest{Username: "bob", Password: "pw2"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(t, h, "POST", "/api/v1/accounts", CredentialsRequest{Username: "bob", Password: "other"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, "POST", "/api/v1/messages", SendMessageRequest{Sender: "alice", Recipient: "bob", Message: "hi"})
	require.Equal(t, http.StatusCreated, rec.Code)
	sent := decode[MessageResponse](t, rec)
	assert.Equal(t, "hi", sent.Message)
	assert.NotEmpty(t, sent.ID)

	rec = do(t, h, "POST", "/api/v1/messages", SendMessageRequest{Sender: "alice", Recipient: "zed", Message: "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, "GET", "/api/v1/accounts/bob/unread", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	rec = do(t, h, "POST", "/api/v1/accounts/bob/unread/read?per_page=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sender":"alice"`)

	rec = do(t, h, "GET", "/api/v1/accounts/bob/unread", nil)
	assert.Contains(t, rec.Body.String(), `"total":0`)

	rec = do(t, h, "POST", "/api/v1/accounts/bob/unread/read?per_page=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "DELETE", "/api/v1/accounts/bob/messages/0", DeleteMessageRequest{Sender: "alice", Message: "wrong"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, "DELETE", "/api/v1/accounts/bob/messages/0", DeleteMessageRequest{Sender: "alice", Message: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, "GET", "/api/v1/accounts/bob/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":0`)

	rec = do(t, h, "GET", "/api/v1/accounts?query=AL", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"alice"}, decode[map[string]any](t, rec)["accounts"])

	rec = do(t, h, "DELETE", "/api/v1/accounts/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, "DELETE", "/api/v1/accounts/alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, "GET", "/api/v1/accounts?query=nobody", nil)
	assert.Equal(t, `{"accounts":[],"total":0}`, strings.TrimSpace(rec.Body.String()))
}

func TestBadBodies(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	req := httptest.NewRequest("POST", "/api/v1/login", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "POST", "/api/v1/login", map[string]string{"user": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")

	rec = do(t, h, "POST", "/api/v1/accounts", CredentialsRequest{Username: "", Password: "pw"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "DELETE", "/api/v1/accounts/a/messages/-1", DeleteMessageRequest{})
	assert.Equal(t, http.StatusNotFound, rec.Code, "route requires a non-negative index")
}
