package accounts

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ProviderConfig holds the client credentials of one remote login provider.
// RedirectURI is optional here; handlers usually derive it from the request.
type ProviderConfig struct {
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	RedirectURI  string   `env:"REDIRECT_URI"`
	Scopes       []string `env:"SCOPES" envSeparator:","`

	// Only used by generic providers
	AuthURL     string `env:"AUTH_URL"`
	TokenURL    string `env:"TOKEN_URL"`
	UserInfoURL string `env:"USERINFO_URL"`
}

// Enabled reports whether the provider has client credentials.
func (p ProviderConfig) Enabled() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

// Config holds deployment settings for the engine and session manager.
type Config struct {
	// PasswordSalt is mixed into every password hash. Required.
	PasswordSalt string `env:"ACCOUNTS_PASSWORD_SALT"`

	// RequireEmail makes an email address mandatory for every signup method.
	// When false, an email is only validated if one is given.
	RequireEmail bool `env:"ACCOUNTS_REQUIRE_EMAIL" envDefault:"false"`

	// AutoLoginExpireDays is how long an issued session key stays valid.
	AutoLoginExpireDays int `env:"ACCOUNTS_AUTOLOGIN_EXPIRE_DAYS" envDefault:"30"`

	// PasswordResetExpiry is how long a reset secret can be redeemed.
	PasswordResetExpiry time.Duration `env:"ACCOUNTS_PASSWORD_RESET_EXPIRY" envDefault:"1h"`

	// CookieSecret signs auto-login cookies. Unsigned cookies are used when empty.
	CookieSecret string `env:"ACCOUNTS_COOKIE_SECRET"`

	// OpenIDRealm is sent to providers that support the openid.realm parameter.
	OpenIDRealm string `env:"ACCOUNTS_OPENID_REALM"`

	DBDriver string `env:"ACCOUNTS_DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"ACCOUNTS_DB_DSN" envDefault:"accounts.db"`

	Google ProviderConfig `envPrefix:"ACCOUNTS_OAUTH2_GOOGLE_"`
	GitHub ProviderConfig `envPrefix:"ACCOUNTS_OAUTH2_GITHUB_"`
	OIDC   ProviderConfig `envPrefix:"ACCOUNTS_OPENID_"`
}

// LoadConfigFromEnv reads the configuration from environment variables and
// fills in defaults.
func LoadConfigFromEnv() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	c.Google.Scopes = trimCSV(c.Google.Scopes)
	c.GitHub.Scopes = trimCSV(c.GitHub.Scopes)
	c.OIDC.Scopes = trimCSV(c.OIDC.Scopes)
	return c.EnsureDefaults(), nil
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() *Config {
	if c.AutoLoginExpireDays <= 0 {
		c.AutoLoginExpireDays = DefaultAutoLoginExpireDays
	}
	if c.PasswordResetExpiry <= 0 {
		c.PasswordResetExpiry = DefaultPasswordResetExpiry
	}
	if c.DBDriver == "" {
		c.DBDriver = "sqlite"
	}
	return c
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.PasswordSalt == "" {
		return fmt.Errorf("%w: password salt is not set", ErrInvalidConfiguration)
	}
	for name, p := range c.Providers() {
		if p.ClientID == "" || p.ClientSecret == "" {
			return fmt.Errorf("%w: provider %s needs both client id and secret", ErrInvalidConfiguration, name)
		}
	}
	return nil
}

// RetentionWindow is the maximum age of a session key.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.AutoLoginExpireDays) * 24 * time.Hour
}

// Providers returns the OAuth2 providers that have any credentials set.
func (c *Config) Providers() map[string]ProviderConfig {
	out := map[string]ProviderConfig{}
	if c.Google.ClientID != "" || c.Google.ClientSecret != "" {
		out["google"] = c.Google
	}
	if c.GitHub.ClientID != "" || c.GitHub.ClientSecret != "" {
		out["github"] = c.GitHub
	}
	return out
}

func trimCSV(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
