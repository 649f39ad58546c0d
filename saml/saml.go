// Package saml exposes a SAML 2.0 identity provider as an
// accounts.ProviderHandle, using crewjam/saml for the service provider side.
//
// The callback maps onto accounts.Callback as Code = SAMLResponse and
// State = RelayState. The AuthnRequest ID is derived from the state, so no
// request tracking storage is needed beyond the state the caller already
// keeps.
package saml

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/crewjam/saml"
	"github.com/crewjam/saml/samlsp"

	acc "github.com/panyam/accounts"
)

// Options configures the service provider.
type Options struct {
	// Key is the provider key used in identity labels, e.g. "corp-sso".
	Key string

	// RootURL is where the service provider's metadata is served from.
	RootURL url.URL

	SigningKey        *rsa.PrivateKey
	Certificate       *x509.Certificate
	IDPMetadata       *saml.EntityDescriptor
	SignRequest       bool
	AllowIDPInitiated bool
	Logger            *slog.Logger
}

// LoadOptions reads the service provider key pair from disk and fetches the
// IdP metadata.
func LoadOptions(ctx context.Context, key, certFile, keyFile, metadataURL string, rootURL url.URL) (*Options, error) {
	keyPair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading saml key pair: %w", err)
	}
	keyPair.Leaf, err = x509.ParseCertificate(keyPair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parsing saml certificate: %w", err)
	}
	rsaKey, ok := keyPair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: saml key must be RSA", acc.ErrInvalidConfiguration)
	}
	idpMetadataURL, err := url.Parse(metadataURL)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata url %q", acc.ErrInvalidConfiguration, metadataURL)
	}
	idpMetadata, err := samlsp.FetchMetadata(ctx, http.DefaultClient, *idpMetadataURL)
	if err != nil {
		return nil, fmt.Errorf("fetching saml metadata: %w", err)
	}
	return &Options{
		Key:         key,
		RootURL:     rootURL,
		SigningKey:  rsaKey,
		Certificate: keyPair.Leaf,
		IDPMetadata: idpMetadata,
		SignRequest: true,
	}, nil
}

// NewFactory builds handles whose assertion consumer service is the
// redirect URI.
func NewFactory(opts Options) acc.ProviderFactory {
	return func(redirectURI string) (acc.ProviderHandle, error) {
		if opts.Key == "" || opts.SigningKey == nil || opts.Certificate == nil || opts.IDPMetadata == nil {
			return nil, fmt.Errorf("%w: saml provider is not fully configured", acc.ErrInvalidConfiguration)
		}
		acsURL, err := url.Parse(redirectURI)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", acc.ErrInvalidConfiguration, err)
		}
		sp := samlsp.DefaultServiceProvider(samlsp.Options{
			URL:               opts.RootURL,
			Key:               opts.SigningKey,
			Certificate:       opts.Certificate,
			IDPMetadata:       opts.IDPMetadata,
			SignRequest:       opts.SignRequest,
			AllowIDPInitiated: opts.AllowIDPInitiated,
		})
		sp.AcsURL = *acsURL
		ssoURL := sp.GetSSOBindingLocation(saml.HTTPRedirectBinding)
		if ssoURL == "" {
			return nil, fmt.Errorf("%w: idp has no redirect binding", acc.ErrInvalidConfiguration)
		}
		logger := opts.Logger
		if logger == nil {
			logger = slog.Default()
		}
		return &Handle{key: opts.Key, sp: sp, ssoURL: ssoURL, logger: logger}, nil
	}
}

// Handle is a SAML provider bound to one assertion consumer URL.
type Handle struct {
	key    string
	sp     saml.ServiceProvider
	ssoURL string
	logger *slog.Logger
}

var _ acc.ProviderHandle = (*Handle)(nil)

func (h *Handle) Key() string { return h.key }

// RequestID is the AuthnRequest ID used for a given state.
func RequestID(state string) string {
	sum := sha256.Sum256([]byte(state))
	return "id-" + hex.EncodeToString(sum[:20])
}

// AuthorizationURL returns the IdP redirect URL with state as RelayState.
// It returns "" if the request cannot be built.
func (h *Handle) AuthorizationURL(state string) string {
	authReq, err := h.sp.MakeAuthenticationRequest(h.ssoURL, saml.HTTPRedirectBinding, saml.HTTPPostBinding)
	if err != nil {
		h.logger.Error("building saml request", "provider", h.key, "err", err)
		return ""
	}
	authReq.ID = RequestID(state)
	redirectURL, err := authReq.Redirect(state, &h.sp)
	if err != nil {
		h.logger.Error("building saml redirect", "provider", h.key, "err", err)
		return ""
	}
	return redirectURL.String()
}

// Exchange validates the posted SAMLResponse carried in cb.Code.
func (h *Handle) Exchange(ctx context.Context, cb acc.Callback) (*acc.RemoteIdentity, error) {
	if cb.Cancelled {
		return nil, acc.ErrAuthenticationCancelled
	}
	if cb.Code == "" {
		return nil, fmt.Errorf("%w: no SAMLResponse", acc.ErrInvalidArtifact)
	}

	form := url.Values{"SAMLResponse": {cb.Code}, "RelayState": {cb.State}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.sp.AcsURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := req.ParseForm(); err != nil {
		return nil, fmt.Errorf("%w: %v", acc.ErrInvalidArtifact, err)
	}

	possibleRequestIDs := []string{RequestID(cb.State)}
	if h.sp.AllowIDPInitiated {
		possibleRequestIDs = append(possibleRequestIDs, "")
	}
	assertion, err := h.sp.ParseResponse(req, possibleRequestIDs)
	if err != nil {
		h.logger.Info("rejected saml response", "provider", h.key, "err", err)
		return nil, fmt.Errorf("%w: saml response: %v", acc.ErrInvalidArtifact, err)
	}
	return IdentityFromAssertion(assertion)
}

// IdentityFromAssertion reads the NameID as the uid and the email address
// attribute, if any. All attributes are returned as claims.
func IdentityFromAssertion(assertion *saml.Assertion) (*acc.RemoteIdentity, error) {
	if assertion == nil || assertion.Subject == nil || assertion.Subject.NameID == nil || assertion.Subject.NameID.Value == "" {
		return nil, fmt.Errorf("%w: assertion has no subject", acc.ErrInvalidArtifact)
	}
	remote := &acc.RemoteIdentity{
		UID:    assertion.Subject.NameID.Value,
		Claims: map[string]any{},
	}
	for _, statement := range assertion.AttributeStatements {
		for _, attr := range statement.Attributes {
			if len(attr.Values) == 0 {
				continue
			}
			value := attr.Values[0].Value
			remote.Claims[attr.Name] = value
			if remote.Email == "" && isEmailAttribute(attr.Name) {
				remote.Email = value
			}
		}
	}
	return remote, nil
}

func isEmailAttribute(name string) bool {
	return strings.HasSuffix(name, "/claims/emailaddress") || name == "email" || name == "mail" ||
		name == "urn:oid:0.9.2342.19200300.100.1.3"
}
