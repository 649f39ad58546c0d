package handlers

import (
	"errors"
	"net/http"
	"net/url"

	acc "github.com/panyam/accounts"
)

func (h *Handlers) passwordAttempt(w http.ResponseWriter, r *http.Request, operation string) {
	fields, err := readFields(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req := &acc.Request{Email: fields["email"], Password: fields["password"]}
	password := h.Engine.Password()

	var result *acc.Result
	if operation == "login" {
		result, err = password.Login(r.Context(), req)
	} else {
		result, err = password.Signup(r.Context(), req)
	}
	h.Metrics.attempt(acc.MethodPassword.String(), operation, outcome(err))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	sc := h.sessionContext(w, r)
	if err := h.completeLogin(r, sc, result, truthy(fields["remember"])); err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if operation == "signup" {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"user": result.User, "identity": result.Identity})
}

func (h *Handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	h.passwordAttempt(w, r, "login")
}

func (h *Handlers) handleSignup(w http.ResponseWriter, r *http.Request) {
	h.passwordAttempt(w, r, "signup")
}

func (h *Handlers) handleLinkPassword(w http.ResponseWriter, r *http.Request) {
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
	result, err := h.Engine.Password().Link(r.Context(), user, &acc.Request{Email: fields["email"], Password: fields["password"]})
	h.Metrics.attempt(acc.MethodPassword.String(), "link", outcome(err))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": result.User, "identity": result.Identity})
}

func (h *Handlers) handleChangePassword(w http.ResponseWriter, r *http.Request) {
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
	if err := h.Engine.Password().ChangePassword(r.Context(), user, fields["old_password"], fields["new_password"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleForgotPassword always answers with success so the response does not
// reveal which emails have accounts.
func (h *Handlers) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	fields, err := readFields(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	email := fields["email"]
	if email == "" {
		h.writeError(w, r, acc.ErrEmailRequired)
		return
	}

	ctx := r.Context()
	secret, err := h.Engine.Password().ForgottenPassword(ctx, email)
	switch {
	case err == nil:
		link := h.BaseURL + "/reset-password?" + url.Values{"email": {email}, "secret": {secret}}.Encode()
		if err := h.Mailer.SendPasswordReset(ctx, email, link); err != nil {
			h.Logger.Error("sending reset email", "err", err)
		}
	case errors.Is(err, acc.ErrAccountNotFound), errors.Is(err, acc.ErrNoPasswordAccount):
		h.Logger.Info("password reset for unknown account")
	default:
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "If that email exists, a reset link has been sent",
	})
}

// handleResetLink answers the emailed link. It describes the POST that
// completes the reset; the secret is only checked by that POST.
func (h *Handlers) handleResetLink(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email, secret := q.Get("email"), q.Get("secret")
	if email == "" || secret == "" {
		h.writeError(w, r, acc.NewAuthError(acc.ErrCodeInvalidSecret, "Reset link is incomplete", "secret"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"email":  email,
		"secret": secret,
		"method": http.MethodPost,
		"action": h.BaseURL + "/reset-password",
		"fields": []string{"email", "secret", "password"},
	})
}

func (h *Handlers) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	fields, err := readFields(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user, err := h.Engine.Password().CompleteReset(r.Context(), fields["email"], fields["secret"], fields["password"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": user})
}

// outcome is the metrics label for err.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return acc.ClassifyError(err).Code
}
