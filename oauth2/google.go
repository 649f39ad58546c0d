package oauth2

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	acc "github.com/panyam/accounts"
)

const (
	GoogleKey         = "google"
	GoogleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

	// OpenIDClaim carries the legacy OpenID 2.0 identifier Google returns
	// when the openid.realm parameter is sent.
	OpenIDClaim = "openid_id"
)

var googleScopes = []string{
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

func NewGoogleFactory(cfg acc.ProviderConfig) acc.ProviderFactory {
	return NewFactory(GoogleKey, cfg, google.Endpoint, GoogleUserInfoURL, googleScopes, ParseStandardUser)
}

// NewGoogleOpenIDFactory builds Google handles that also ask for the user's
// OpenID 2.0 identifier under realm. The id_token claims are merged into the
// remote identity's claims, so OpenIDClaim is available to callers migrating
// OpenID accounts.
func NewGoogleOpenIDFactory(cfg acc.ProviderConfig, realm string) acc.ProviderFactory {
	base := NewGoogleFactory(cfg)
	return func(redirectURI string) (acc.ProviderHandle, error) {
		handle, err := base(redirectURI)
		if err != nil {
			return nil, err
		}
		p := handle.(*Provider)
		p.Config.Scopes = append([]string{"openid"}, p.Config.Scopes...)
		if realm != "" {
			p.AuthParams = append(p.AuthParams, oauth2.SetAuthURLParam("openid.realm", realm))
		}
		p.AfterExchange = mergeIDTokenClaims
		return p, nil
	}
}

// mergeIDTokenClaims copies the id_token claims into remote. The token came
// straight from the token endpoint over TLS so its signature is not checked.
func mergeIDTokenClaims(token *oauth2.Token, remote *acc.RemoteIdentity) error {
	raw, _ := token.Extra("id_token").(string)
	if raw == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return fmt.Errorf("%w: id_token: %v", acc.ErrInvalidArtifact, err)
	}
	if remote.Claims == nil {
		remote.Claims = map[string]any{}
	}
	for k, v := range claims {
		if _, ok := remote.Claims[k]; !ok {
			remote.Claims[k] = v
		}
	}
	if remote.Email == "" {
		remote.Email, _ = claims["email"].(string)
	}
	return nil
}
