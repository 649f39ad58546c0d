package client

import (
	"net/http"
	"time"
)

// credentialTransport attaches the stored auto-login cookie to outgoing
// requests and records any replacement the server sends back.
type credentialTransport struct {
	client *AuthClient
	base   http.RoundTripper
}

func (t *credentialTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c := t.client
	if _, err := req.Cookie(c.cookieName); err != nil {
		cred, err := c.currentCredential()
		if err != nil {
			return nil, err
		}
		if cred != nil {
			req = req.Clone(req.Context())
			req.AddCookie(&http.Cookie{Name: c.cookieName, Value: cred.CookieValue})
		}
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name != c.cookieName {
			continue
		}
		if err := c.recordCookie(cookie); err != nil {
			resp.Body.Close()
			return nil, err
		}
	}
	return resp, nil
}

// cookieExpiry returns when a response cookie expires, or the zero time for
// a session cookie.
func cookieExpiry(cookie *http.Cookie, now time.Time) time.Time {
	if cookie.MaxAge > 0 {
		return now.Add(time.Duration(cookie.MaxAge) * time.Second)
	}
	return cookie.Expires
}
