package handlers

import (
	"context"
	"net/http"
	"net/url"

	acc "github.com/panyam/accounts"
)

type userContextKey struct{}

// ContextWithUser returns a context carrying user.
func ContextWithUser(ctx context.Context, user *acc.User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the user set by ExtractUser or EnsureUser, or nil.
func UserFromContext(ctx context.Context) *acc.User {
	user, _ := ctx.Value(userContextKey{}).(*acc.User)
	return user
}

// ExtractUser resolves the logged in user, auto-login included, and makes it
// available through UserFromContext. Requests without a user pass through.
// The wrapped routes must run inside the same scs LoadAndSave as the account
// routes.
func (h *Handlers) ExtractUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.Sessions.CurrentUser(r.Context(), h.sessionContext(w, r))
		if err != nil {
			h.Logger.Warn("resolving user", "path", r.URL.Path, "err", err)
		}
		if user != nil {
			r = r.WithContext(ContextWithUser(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

// EnsureUser is ExtractUser for routes that need a user. Anonymous requests
// are redirected to LoginURL with a return_to parameter, or get a 401 when
// LoginURL is empty.
func (h *Handlers) EnsureUser(next http.Handler) http.Handler {
	return h.ExtractUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserFromContext(r.Context()) != nil {
			next.ServeHTTP(w, r)
			return
		}
		if h.LoginURL == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error": "Not authenticated",
				"code":  acc.ErrCodeNotAuthenticated,
			})
			return
		}
		target := h.LoginURL + "?" + url.Values{"return_to": {r.URL.RequestURI()}}.Encode()
		http.Redirect(w, r, target, http.StatusFound)
	}))
}
