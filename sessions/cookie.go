package sessions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	acc "github.com/panyam/accounts"
)

const DefaultAutoLoginCookie = "autologin"

// CookieOptions configures the auto-login cookie.
type CookieOptions struct {
	Name string
	Path string

	// Secret signs the cookie as an HS256 JWT. Without it the cookie holds
	// the plain "<user_id>:<key>" pair, which is still only as strong as
	// the session key itself.
	Secret string

	Secure   bool
	SameSite http.SameSite
}

func (o *CookieOptions) EnsureDefaults() *CookieOptions {
	if o.Name == "" {
		o.Name = DefaultAutoLoginCookie
	}
	if o.Path == "" {
		o.Path = "/"
	}
	if o.SameSite == 0 {
		o.SameSite = http.SameSiteLaxMode
	}
	return o
}

// CookieCarrier keeps the auto-login credential in a browser cookie. It is
// bound to one request/response pair.
type CookieCarrier struct {
	w    http.ResponseWriter
	r    *http.Request
	opts CookieOptions
}

var _ acc.AutoLoginCarrier = (*CookieCarrier)(nil)

func NewCookieCarrier(w http.ResponseWriter, r *http.Request, opts CookieOptions) *CookieCarrier {
	opts.EnsureDefaults()
	return &CookieCarrier{w: w, r: r, opts: opts}
}

type autoLoginClaims struct {
	Key string `json:"key"`
	jwt.RegisteredClaims
}

func (c *CookieCarrier) Load(ctx context.Context) (acc.AutoLoginCredential, bool) {
	cookie, err := c.r.Cookie(c.opts.Name)
	if err != nil || cookie.Value == "" {
		return acc.AutoLoginCredential{}, false
	}
	cred, err := c.decode(cookie.Value)
	if err != nil {
		return acc.AutoLoginCredential{}, false
	}
	return cred, true
}

func (c *CookieCarrier) Save(ctx context.Context, cred acc.AutoLoginCredential, expires time.Time) error {
	value, err := c.encode(cred, expires)
	if err != nil {
		return err
	}
	http.SetCookie(c.w, &http.Cookie{
		Name:     c.opts.Name,
		Value:    value,
		Path:     c.opts.Path,
		Expires:  expires,
		HttpOnly: true,
		Secure:   c.opts.Secure,
		SameSite: c.opts.SameSite,
	})
	return nil
}

func (c *CookieCarrier) Clear(ctx context.Context) error {
	http.SetCookie(c.w, &http.Cookie{
		Name:     c.opts.Name,
		Value:    "",
		Path:     c.opts.Path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.opts.Secure,
		SameSite: c.opts.SameSite,
	})
	return nil
}

func (c *CookieCarrier) encode(cred acc.AutoLoginCredential, expires time.Time) (string, error) {
	if c.opts.Secret == "" {
		return fmt.Sprintf("%d:%s", cred.UserID, cred.Key), nil
	}
	claims := autoLoginClaims{
		Key: cred.Key,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(cred.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.opts.Secret))
}

func (c *CookieCarrier) decode(value string) (acc.AutoLoginCredential, error) {
	var idStr, key string
	if c.opts.Secret == "" {
		var ok bool
		idStr, key, ok = strings.Cut(value, ":")
		if !ok {
			return acc.AutoLoginCredential{}, errors.New("malformed auto-login cookie")
		}
	} else {
		var claims autoLoginClaims
		_, err := jwt.ParseWithClaims(value, &claims, func(t *jwt.Token) (any, error) {
			return []byte(c.opts.Secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil {
			return acc.AutoLoginCredential{}, err
		}
		idStr, key = claims.Subject, claims.Key
	}
	userID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || userID <= 0 || key == "" {
		return acc.AutoLoginCredential{}, errors.New("malformed auto-login cookie")
	}
	return acc.AutoLoginCredential{UserID: userID, Key: key}, nil
}
