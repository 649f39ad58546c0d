// Package handlers exposes the accounts engine and session manager over HTTP.
// Responses are JSON except for the redirects of external logins.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/mux"

	acc "github.com/panyam/accounts"
	"github.com/panyam/accounts/sessions"
)

// Session variables used between the two calls of an external login.
const (
	sessionState       = "auth_state"
	sessionOpenID      = "auth_openid_identity"
	sessionSignupEmail = "auth_signup_email"
	sessionRemember    = "auth_remember"
	sessionReturnTo    = "auth_return_to"
)

// Handlers serves the account routes.
type Handlers struct {
	Engine   *acc.Engine
	Sessions *acc.SessionManager
	SCS      *scs.SessionManager

	// Mailer delivers password reset links. Defaults to a ConsoleMailer.
	Mailer acc.Mailer

	// BaseURL is the externally visible origin, e.g. "https://example.com".
	// Redirect URIs and reset links are built from it.
	BaseURL string

	// Cookie configures the auto-login cookie.
	Cookie sessions.CookieOptions

	// LoginURL is where EnsureUser sends anonymous visitors. Empty means
	// they get a 401 instead.
	LoginURL string

	Metrics *Metrics
	Logger  *slog.Logger
}

func New(engine *acc.Engine, sessionManager *acc.SessionManager, scsManager *scs.SessionManager, baseURL string) *Handlers {
	return (&Handlers{Engine: engine, Sessions: sessionManager, SCS: scsManager, BaseURL: baseURL}).EnsureDefaults()
}

// EnsureDefaults fills in default values for any unset fields.
func (h *Handlers) EnsureDefaults() *Handlers {
	if h.SCS == nil {
		h.SCS = scs.New()
	}
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	if h.Mailer == nil {
		h.Mailer = &acc.ConsoleMailer{Logger: h.Logger}
	}
	if h.Metrics == nil {
		h.Metrics = NewMetrics()
	}
	if h.Cookie.Secret == "" && h.Engine != nil && h.Engine.Config != nil {
		h.Cookie.Secret = h.Engine.Config.CookieSecret
	}
	h.Cookie.EnsureDefaults()
	h.BaseURL = strings.TrimSuffix(h.BaseURL, "/")
	return h
}

// Handler returns the routes wrapped in the session middleware.
func (h *Handlers) Handler() http.Handler {
	return h.SCS.LoadAndSave(h.Router())
}

// Router returns the routes without session middleware, for mounting under
// an application's own LoadAndSave.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/login", h.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/signup", h.handleSignup).Methods(http.MethodPost)
	r.HandleFunc("/logout", h.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/me", h.handleMe).Methods(http.MethodGet)
	r.HandleFunc("/providers", h.handleProviders).Methods(http.MethodGet)

	r.HandleFunc("/link/password", h.handleLinkPassword).Methods(http.MethodPost)
	r.HandleFunc("/change-password", h.handleChangePassword).Methods(http.MethodPost)
	r.HandleFunc("/forgot-password", h.handleForgotPassword).Methods(http.MethodPost)
	r.HandleFunc("/reset-password", h.handleResetLink).Methods(http.MethodGet)
	r.HandleFunc("/reset-password", h.handleResetPassword).Methods(http.MethodPost)

	r.HandleFunc("/oauth2/{provider}/{action:login|signup|link}", h.handleOAuth2).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/openid/remove", h.handleOpenIDRemove).Methods(http.MethodPost)
	r.HandleFunc("/openid/{action:login|signup|link}", h.handleOpenID).Methods(http.MethodGet)

	r.Handle("/metrics", h.Metrics.Handler()).Methods(http.MethodGet)
	return r
}

// sessionContext builds the per-request session context.
func (h *Handlers) sessionContext(w http.ResponseWriter, r *http.Request) *acc.SessionContext {
	return acc.NewSessionContext(sessions.NewSCSStore(h.SCS), sessions.NewCookieCarrier(w, r, h.Cookie))
}

// currentUser returns the logged in user or writes a 401.
func (h *Handlers) currentUser(w http.ResponseWriter, r *http.Request, sc *acc.SessionContext) (*acc.User, bool) {
	user, err := h.Sessions.CurrentUser(r.Context(), sc)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": "Not authenticated",
			"code":  acc.ErrCodeNotAuthenticated,
		})
		return nil, false
	}
	return user, true
}

// completeLogin persists the session for a successful result.
func (h *Handlers) completeLogin(r *http.Request, sc *acc.SessionContext, result *acc.Result, remember bool) error {
	ctx := r.Context()
	if err := h.Sessions.Persist(ctx, sc, result.User, remember); err != nil {
		return err
	}
	h.Metrics.session("persist")
	return h.Sessions.SetIdentity(ctx, sc, result.Identity)
}

// StatusFor maps an AuthError code to an HTTP status.
func StatusFor(code string) int {
	switch code {
	case acc.ErrCodeInvalidInput, acc.ErrCodeInvalidEmail, acc.ErrCodeEmailRequired,
		acc.ErrCodeMissingEmail, acc.ErrCodeUnknownProvider, acc.ErrCodeInvalidArtifact,
		acc.ErrCodeInvalidSecret, acc.ErrCodeNoPassword:
		return http.StatusBadRequest
	case acc.ErrCodeAccountNotFound, acc.ErrCodeNotAuthenticated:
		return http.StatusUnauthorized
	case acc.ErrCodeCancelled:
		return http.StatusForbidden
	case acc.ErrCodeMissingAccount:
		return http.StatusNotFound
	case acc.ErrCodeAlreadyExists, acc.ErrCodeDuplicateID:
		return http.StatusConflict
	case acc.ErrCodeExpired:
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	authErr := acc.ClassifyError(err)
	status := StatusFor(authErr.Code)
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, map[string]any{
		"error": authErr.Message,
		"code":  authErr.Code,
		"field": authErr.Field,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// readFields reads a form or JSON body into string fields. JSON booleans and
// numbers are formatted as strings.
func readFields(r *http.Request) (map[string]string, error) {
	out := map[string]string{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("%w: error parsing form", acc.ErrInvalidInput)
		}
		for k, v := range r.PostForm {
			if len(v) > 0 {
				out[k] = v[0]
			}
		}
		return out, nil
	}

	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: invalid post body", acc.ErrInvalidInput)
	}
	for k, v := range data {
		switch val := v.(type) {
		case string:
			out[k] = val
		case bool, float64:
			out[k] = fmt.Sprint(val)
		}
	}
	return out, nil
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

// safeReturnTo only accepts local absolute paths.
func safeReturnTo(s string) string {
	if strings.HasPrefix(s, "/") && !strings.HasPrefix(s, "//") && !strings.Contains(s, "\\") {
		return s
	}
	return ""
}

func (h *Handlers) handleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sc := h.sessionContext(w, r)
	user, ok := h.currentUser(w, r, sc)
	if !ok {
		return
	}
	identity, err := h.Sessions.Identity(ctx, sc)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	oauthIDs, err := h.Engine.Store.ListOAuth2Identities(ctx, user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	openIDs, err := h.Engine.Store.ListOpenIDIdentities(ctx, user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if sc.IsAutoLoggedIn() {
		h.Metrics.session("autologin")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":              user,
		"identity":          identity,
		"auto_login":        sc.IsAutoLoggedIn(),
		"oauth2_identities": oauthIDs,
		"openid_identities": openIDs,
	})
}

func (h *Handlers) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": h.Engine.Providers.Keys(),
		"openid":    h.Engine.Resolver != nil,
	})
}

func (h *Handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	sc := h.sessionContext(w, r)
	if err := h.Sessions.Logout(r.Context(), sc); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Metrics.session("logout")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
