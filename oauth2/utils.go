package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/oauth2"

	acc "github.com/panyam/accounts"
)

// CallbackFromQuery reads the redirect parameters a provider sent back.
// An "access_denied" error means the user declined.
func CallbackFromQuery(q url.Values) acc.Callback {
	return acc.Callback{
		Code:      q.Get("code"),
		State:     q.Get("state"),
		Cancelled: q.Get("error") == "access_denied",
	}
}

func fetchUserInfo(ctx context.Context, client *http.Client, userInfoURL string, token *oauth2.Token) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	token.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", acc.ErrInvalidArtifact, resp.StatusCode)
	}
	var userInfo map[string]any
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return nil, fmt.Errorf("%w: %v", acc.ErrInvalidArtifact, err)
	}
	return userInfo, nil
}

// stringClaim reads a string or numeric claim as a string.
func stringClaim(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	}
	return ""
}

// ParseStandardUser reads "sub" (or "id") and "email" from a userinfo document.
func ParseStandardUser(userInfo map[string]any) (*acc.RemoteIdentity, error) {
	uid := stringClaim(userInfo, "sub")
	if uid == "" {
		uid = stringClaim(userInfo, "id")
	}
	if uid == "" {
		return nil, fmt.Errorf("%w: userinfo has no subject", acc.ErrInvalidArtifact)
	}
	return &acc.RemoteIdentity{
		UID:    uid,
		Email:  stringClaim(userInfo, "email"),
		Claims: userInfo,
	}, nil
}
