package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	acc "github.com/panyam/accounts"
	"github.com/panyam/accounts/oauth2"
	"github.com/panyam/accounts/sessions"
)

func (h *Handlers) handleOAuth2(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	h.externalAttempt(w, r, h.Engine.OAuth2(), vars["action"], vars["provider"])
}

func (h *Handlers) handleOpenID(w http.ResponseWriter, r *http.Request) {
	h.externalAttempt(w, r, h.Engine.OpenID(), mux.Vars(r)["action"], "")
}

// pendingLogin is what the first call of an external login leaves in the
// session for the callback.
type pendingLogin struct {
	state    string
	identity string
	email    string
	remember bool
	returnTo string
}

func (h *Handlers) savePending(ctx context.Context, store acc.SessionStore, p pendingLogin) {
	store.Put(ctx, sessionState, p.state)
	store.Put(ctx, sessionOpenID, p.identity)
	store.Put(ctx, sessionSignupEmail, p.email)
	store.Put(ctx, sessionReturnTo, p.returnTo)
	if p.remember {
		store.Put(ctx, sessionRemember, "1")
	} else {
		store.Remove(ctx, sessionRemember)
	}
}

// popPending reads and clears the pending login so a callback can only be
// redeemed once.
func (h *Handlers) popPending(ctx context.Context, store acc.SessionStore) pendingLogin {
	p := pendingLogin{
		state:    store.Get(ctx, sessionState),
		identity: store.Get(ctx, sessionOpenID),
		email:    store.Get(ctx, sessionSignupEmail),
		remember: truthy(store.Get(ctx, sessionRemember)),
		returnTo: store.Get(ctx, sessionReturnTo),
	}
	for _, key := range []string{sessionState, sessionOpenID, sessionSignupEmail, sessionRemember, sessionReturnTo} {
		store.Remove(ctx, key)
	}
	return p
}

func isCallback(r *http.Request) bool {
	if r.Method == http.MethodPost {
		return r.PostFormValue("SAMLResponse") != ""
	}
	q := r.URL.Query()
	return q.Has("code") || q.Has("error")
}

// callbackFrom reads the provider callback. SAML providers post the response
// to the redirect URI; everything else comes back in the query.
func callbackFrom(r *http.Request) acc.Callback {
	if r.Method == http.MethodPost {
		return acc.Callback{Code: r.PostFormValue("SAMLResponse"), State: r.PostFormValue("RelayState")}
	}
	return oauth2.CallbackFromQuery(r.URL.Query())
}

// externalAttempt runs one call of a two-phase login. Without provider
// parameters it redirects to the provider; on the callback it completes the
// login, signup or link.
func (h *Handlers) externalAttempt(w http.ResponseWriter, r *http.Request, auth acc.Authenticator, action, provider string) {
	ctx := r.Context()
	sc := h.sessionContext(w, r)
	store := sessions.NewSCSStore(h.SCS)
	q := r.URL.Query()

	var user *acc.User
	if action == "link" {
		var ok bool
		if user, ok = h.currentUser(w, r, sc); !ok {
			return
		}
	}

	req := &acc.Request{Provider: provider, RedirectURI: h.BaseURL + r.URL.Path}
	var pending pendingLogin
	if !isCallback(r) {
		state, err := acc.GenerateSecureToken()
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		pending = pendingLogin{
			state:    state,
			identity: q.Get("openid_identifier"),
			email:    q.Get("email"),
			remember: truthy(q.Get("remember")),
			returnTo: safeReturnTo(q.Get("return_to")),
		}
		h.savePending(ctx, store, pending)
	} else {
		pending = h.popPending(ctx, store)
		if pending.state == "" {
			h.writeError(w, r, fmt.Errorf("%w: no login in progress", acc.ErrInvalidArtifact))
			return
		}
		cb := callbackFrom(r)
		req.Callback = &cb
	}
	req.State = pending.state
	req.Identity = pending.identity
	req.Email = pending.email

	var result *acc.Result
	var err error
	switch action {
	case "login":
		result, err = auth.Login(ctx, req)
	case "signup":
		result, err = auth.Signup(ctx, req)
	case "link":
		result, err = auth.Link(ctx, user, req)
	}
	if result.Suspended() {
		http.Redirect(w, r, result.RedirectURL, http.StatusFound)
		return
	}
	h.Metrics.attempt(auth.Method().String(), action, outcome(err))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if action != "link" {
		if err := h.completeLogin(r, sc, result, pending.remember); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if pending.returnTo != "" {
		http.Redirect(w, r, pending.returnTo, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": result.User, "identity": result.Identity})
}

func (h *Handlers) handleOpenIDRemove(w http.ResponseWriter, r *http.Request) {
	sc := h.sessionContext(w, r)
	user, ok := h.currentUser(w, r, sc)
	if !ok {
		return
	}
	fields, err := readFields(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Engine.OpenID().RemoveIdentity(r.Context(), user, fields["identity"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
