package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// MockIdentityServer is a configurable stand-in for the upstream identity
// endpoint.
type MockIdentityServer struct {
	Server *httptest.Server

	mu           sync.Mutex
	Token        string // access token to return
	ExpiresIn    int64  // expires_in seconds; 0 omits the field entirely
	Scope        string // scope to return; empty echoes the requested scope
	StatusCode   int    // HTTP status to return (200 if not set)
	requestCount int
	lastForm     url.Values
}

// SetupMockIdentityServer starts a mock identity endpoint that answers
// client-credentials grants. The server shuts down with the test.
func SetupMockIdentityServer(t *testing.T) *MockIdentityServer {
	t.Helper()

	mock := &MockIdentityServer{
		Token:      "test-access-token",
		ExpiresIn:  3600,
		StatusCode: http.StatusOK,
	}

	router := http.NewServeMux()
	router.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()

		mock.mu.Lock()
		mock.requestCount++
		mock.lastForm = r.PostForm
		token := mock.Token
		expiresIn := mock.ExpiresIn
		scope := mock.Scope
		status := mock.StatusCode
		mock.mu.Unlock()

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}

		if scope == "" {
			scope = r.PostForm.Get("scope")
		}

		body := map[string]any{
			"access_token": token,
			"token_type":   "Bearer",
			"scope":        scope,
		}
		if expiresIn != 0 {
			body["expires_in"] = expiresIn
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})

	mock.Server = httptest.NewServer(router)
	t.Cleanup(mock.Server.Close)
	return mock
}

// TokenURL is the endpoint clients should be configured with.
func (m *MockIdentityServer) TokenURL() string {
	return m.Server.URL + "/oauth/token"
}

// RequestCount reports how many grant requests the server received.
func (m *MockIdentityServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// LastForm returns the form values of the most recent grant request.
func (m *MockIdentityServer) LastForm() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastForm
}

// SetStatusCode changes the response status for subsequent requests.
func (m *MockIdentityServer) SetStatusCode(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusCode = status
}

// SetToken changes the access token returned for subsequent requests.
func (m *MockIdentityServer) SetToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Token = token
}
