package handlers_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	acc "github.com/panyam/accounts"
	"github.com/panyam/accounts/handlers"
	"github.com/panyam/accounts/stores/fs"
)

// fakeProvider accepts the code "good" for uid "u-1".
type fakeProvider struct {
	redirectURI string
}

func (p *fakeProvider) Key() string { return "fake" }

func (p *fakeProvider) AuthorizationURL(state string) string {
	return "https://provider.test/auth?" + url.Values{"state": {state}, "redirect_uri": {p.redirectURI}}.Encode()
}

func (p *fakeProvider) Exchange(ctx context.Context, cb acc.Callback) (*acc.RemoteIdentity, error) {
	if cb.Cancelled {
		return nil, acc.ErrAuthenticationCancelled
	}
	if cb.Code != "good" {
		return nil, acc.ErrInvalidArtifact
	}
	return &acc.RemoteIdentity{UID: "u-1", Email: "remote@example.com"}, nil
}

// recordingMailer keeps the last reset link.
type recordingMailer struct {
	mu   sync.Mutex
	to   string
	link string
}

func (m *recordingMailer) SendPasswordReset(ctx context.Context, to, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.to, m.link = to, link
	return nil
}

type testServer struct {
	*httptest.Server
	handlers *handlers.Handlers
	mailer   *recordingMailer
	client   *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, nil)
}

// newTestServerWith lets a test add application routes next to the account
// routes, under the same session middleware.
func newTestServerWith(t *testing.T, addRoutes func(h *handlers.Handlers, r *mux.Router)) *testServer {
	t.Helper()
	store, err := fs.NewStore(t.TempDir())
	require.NoError(t, err)

	config := &acc.Config{PasswordSalt: "pepper"}
	registry := acc.NewProviderRegistry()
	registry.Register("fake", func(redirectURI string) (acc.ProviderHandle, error) {
		return &fakeProvider{redirectURI: redirectURI}, nil
	})
	engine := acc.NewEngine(store, registry, config)
	mailer := &recordingMailer{}

	h := handlers.New(engine, acc.NewSessionManager(store, config), scs.New(), "")
	h.Mailer = mailer
	router := h.Router()
	if addRoutes != nil {
		addRoutes(h, router)
	}
	srv := httptest.NewServer(h.SCS.LoadAndSave(router))
	t.Cleanup(srv.Close)
	h.BaseURL = srv.URL

	return &testServer{Server: srv, handlers: h, mailer: mailer, client: newClient(t)}
}

func newClient(t *testing.T) *http.Client {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (s *testServer) post(t *testing.T, path string, body map[string]any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := s.client.Post(s.URL+path, "application/json", strings.NewReader(string(data)))
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func (s *testServer) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := s.client.Get(s.URL + path)
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return out
}

func TestPasswordSignupLoginLogout(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.post(t, "/signup", map[string]any{"email": "a@x.com", "password": "p1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Equal(t, "password", body["identity"])

	resp, body = s.get(t, "/me")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a@x.com", body["user"].(map[string]any)["email"])
	assert.Equal(t, "password", body["identity"])

	resp, _ = s.post(t, "/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = s.get(t, "/me")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, acc.ErrCodeNotAuthenticated, body["code"])

	resp, body = s.post(t, "/login", map[string]any{"email": "a@x.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, acc.ErrCodeAccountNotFound, body["code"])

	resp, _ = s.post(t, "/login", map[string]any{"email": "a@x.com", "password": "p1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSignupErrors(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.post(t, "/signup", map[string]any{"email": "not-an-email", "password": "p"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, acc.ErrCodeInvalidEmail, body["code"])
	assert.Equal(t, "email", body["field"])

	resp, _ = s.post(t, "/signup", map[string]any{"email": "dup@x.com", "password": "p"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, body = s.post(t, "/signup", map[string]any{"email": "dup@x.com", "password": "p"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, acc.ErrCodeAlreadyExists, body["code"])
}

func TestFormEncodedLogin(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.post(t, "/signup", map[string]any{"email": "form@x.com", "password": "p"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err := s.client.PostForm(s.URL+"/login", url.Values{"email": {"form@x.com"}, "password": {"p"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRememberMeSurvivesNewSession(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.post(t, "/signup", map[string]any{"email": "r@x.com", "password": "p", "remember": true})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Drop the scs session cookie but keep the auto-login cookie.
	u, _ := url.Parse(s.URL)
	var keep []*http.Cookie
	for _, c := range s.client.Jar.Cookies(u) {
		if c.Name != "session" {
			keep = append(keep, c)
		}
	}
	require.NotEmpty(t, keep)
	fresh := newClient(t)
	fresh.Jar.SetCookies(u, keep)
	s.client = fresh

	resp, body := s.get(t, "/me")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["auto_login"])
}

func TestPasswordReset(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.post(t, "/signup", map[string]any{"email": "reset@x.com", "password": "old"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := s.post(t, "/forgot-password", map[string]any{"email": "nobody@x.com"})
	assert.Equal(t, http.StatusOK, resp.StatusCode, "unknown emails are not revealed")
	assert.Equal(t, true, body["success"])
	assert.Empty(t, s.mailer.link)

	resp, _ = s.post(t, "/forgot-password", map[string]any{"email": "reset@x.com"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, s.mailer.link)
	assert.Equal(t, "reset@x.com", s.mailer.to)

	link, err := url.Parse(s.mailer.link)
	require.NoError(t, err)
	secret := link.Query().Get("secret")
	require.NotEmpty(t, secret)

	// The emailed link itself answers with the POST that finishes the reset.
	resp, err = s.client.Get(s.mailer.link)
	require.NoError(t, err)
	body = decode(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "reset@x.com", body["email"])
	assert.Equal(t, secret, body["secret"])
	assert.Equal(t, http.MethodPost, body["method"])
	assert.Equal(t, s.URL+"/reset-password", body["action"])

	resp, body = s.get(t, "/reset-password?email=reset%40x.com")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, acc.ErrCodeInvalidSecret, body["code"])

	resp, body = s.post(t, "/reset-password", map[string]any{"email": "reset@x.com", "secret": "wrong", "password": "new"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, acc.ErrCodeInvalidSecret, body["code"])

	resp, _ = s.post(t, "/reset-password", map[string]any{"email": "reset@x.com", "secret": secret, "password": "new"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.post(t, "/login", map[string]any{"email": "reset@x.com", "password": "new"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.post(t, "/reset-password", map[string]any{"email": "reset@x.com", "secret": secret, "password": "again"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "secrets are single use")
}

func TestChangeAndLinkPassword(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.post(t, "/change-password", map[string]any{"old_password": "a", "new_password": "b"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.post(t, "/signup", map[string]any{"email": "c@x.com", "password": "a"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := s.post(t, "/change-password", map[string]any{"old_password": "bad", "new_password": "b"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, body)

	resp, _ = s.post(t, "/change-password", map[string]any{"old_password": "a", "new_password": "b"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = s.post(t, "/link/password", map[string]any{"password": "c"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "user already has a password")
	assert.Equal(t, acc.ErrCodeAlreadyExists, body["code"])
}

// startExternal runs the first call of an external flow and returns the state
// embedded in the provider redirect.
func (s *testServer) startExternal(t *testing.T, path string) string {
	t.Helper()
	resp, err := s.client.Get(s.URL + path)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "provider.test", location.Host)
	state := location.Query().Get("state")
	require.NotEmpty(t, state)
	assert.True(t, strings.HasPrefix(location.Query().Get("redirect_uri"), s.URL+"/oauth2/fake/"))
	return state
}

func TestOAuth2TwoPhaseSignupAndLogin(t *testing.T) {
	s := newTestServer(t)

	state := s.startExternal(t, "/oauth2/fake/signup")
	resp, body := s.get(t, "/oauth2/fake/signup?code=good&state="+url.QueryEscape(state))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "fake:u-1", body["identity"])
	assert.Equal(t, "remote@example.com", body["user"].(map[string]any)["email"])

	resp, body = s.get(t, "/me")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["oauth2_identities"], 1)

	s.post(t, "/logout", nil)
	state = s.startExternal(t, "/oauth2/fake/login?return_to=/dashboard")
	resp, err := s.client.Get(s.URL + "/oauth2/fake/login?code=good&state=" + url.QueryEscape(state))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/dashboard", resp.Header.Get("Location"))
}

func TestOAuth2CallbackRejections(t *testing.T) {
	s := newTestServer(t)

	t.Run("callback without pending login", func(t *testing.T) {
		resp, body := s.get(t, "/oauth2/fake/login?code=good&state=x")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, acc.ErrCodeInvalidArtifact, body["code"])
	})

	t.Run("state mismatch", func(t *testing.T) {
		s.startExternal(t, "/oauth2/fake/login")
		resp, body := s.get(t, "/oauth2/fake/login?code=good&state=forged")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, acc.ErrCodeInvalidArtifact, body["code"])
	})

	t.Run("user declined", func(t *testing.T) {
		state := s.startExternal(t, "/oauth2/fake/login")
		resp, body := s.get(t, "/oauth2/fake/login?error=access_denied&state="+url.QueryEscape(state))
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, acc.ErrCodeCancelled, body["code"])
	})

	t.Run("no linked account", func(t *testing.T) {
		state := s.startExternal(t, "/oauth2/fake/login")
		resp, body := s.get(t, "/oauth2/fake/login?code=good&state="+url.QueryEscape(state))
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, acc.ErrCodeAccountNotFound, body["code"])
	})

	t.Run("unknown provider", func(t *testing.T) {
		resp, body := s.get(t, "/oauth2/nope/login")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, acc.ErrCodeUnknownProvider, body["code"])
	})
}

func TestOAuth2LinkRequiresLogin(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.get(t, "/oauth2/fake/link")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.post(t, "/signup", map[string]any{"email": "l@x.com", "password": "p"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	state := s.startExternal(t, "/oauth2/fake/link")
	resp, body := s.get(t, "/oauth2/fake/link?code=good&state="+url.QueryEscape(state))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "l@x.com", body["user"].(map[string]any)["email"])
}

func TestOpenIDWithoutResolver(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.get(t, "/openid/login?openid_identifier=not-a-url")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, acc.ErrCodeInvalidInput, body["code"])

	resp, body = s.get(t, "/openid/login?openid_identifier=https://id.example.com/")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, acc.ErrCodeInvalidConfig, body["code"])
}

func TestProvidersAndMetrics(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.get(t, "/providers")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"fake"}, body["providers"])
	assert.Equal(t, false, body["openid"])

	s.post(t, "/login", map[string]any{"email": "ghost@x.com", "password": "p"})

	resp, err := s.client.Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(data), `accounts_auth_attempts_total{method="password",operation="login",outcome="account_not_found"} 1`)
}

func TestStatusFor(t *testing.T) {
	tests := map[string]int{
		acc.ErrCodeInvalidEmail:    http.StatusBadRequest,
		acc.ErrCodeAccountNotFound: http.StatusUnauthorized,
		acc.ErrCodeCancelled:       http.StatusForbidden,
		acc.ErrCodeMissingAccount:  http.StatusNotFound,
		acc.ErrCodeDuplicateID:     http.StatusConflict,
		acc.ErrCodeExpired:         http.StatusGone,
		acc.ErrCodeInternal:        http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, handlers.StatusFor(code), code)
	}
}

func TestPostedCallback(t *testing.T) {
	s := newTestServer(t)
	state := s.startExternal(t, "/oauth2/fake/signup")

	resp, err := s.client.PostForm(s.URL+"/oauth2/fake/signup", url.Values{
		"SAMLResponse": {"good"},
		"RelayState":   {state},
	})
	require.NoError(t, err)
	body := decode(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "fake:u-1", body["identity"])
}

func TestEnsureUser(t *testing.T) {
	home := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := handlers.UserFromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"email": user.Email})
	})
	s := newTestServerWith(t, func(h *handlers.Handlers, r *mux.Router) {
		r.Handle("/app/home", h.EnsureUser(home))
		r.Handle("/app/optional", h.ExtractUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"user": handlers.UserFromContext(r.Context()) != nil})
		})))
	})

	resp, body := s.get(t, "/app/home")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, acc.ErrCodeNotAuthenticated, body["code"])

	_, body = s.get(t, "/app/optional")
	assert.Equal(t, false, body["user"])

	s.handlers.LoginURL = "/login-page"
	resp, _ = s.get(t, "/app/home?tab=1")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login-page?return_to=%2Fapp%2Fhome%3Ftab%3D1", resp.Header.Get("Location"))

	resp, _ = s.post(t, "/signup", map[string]any{"email": "a@x.com", "password": "p"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = s.get(t, "/app/home")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a@x.com", body["email"])
	_, body = s.get(t, "/app/optional")
	assert.Equal(t, true, body["user"])
}
