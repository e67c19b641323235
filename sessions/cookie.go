package sessions

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCookie is returned by CookieCodec.Decode for any token that fails
// signature, algorithm or expiry checks.
var ErrInvalidCookie = errors.New("invalid session cookie")

// CookieCodec signs session ids into HS256 tokens so the cookie cannot be
// forged or altered by the client.
type CookieCodec struct {
	Name   string
	Secret []byte
	TTL    time.Duration
	// Secure sets the Secure attribute. Tests over plain HTTP turn it off.
	Secure bool

	now func() time.Time
}

type cookieClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// NewCookieCodec creates a codec issuing tokens that expire after ttl.
func NewCookieCodec(name string, secret []byte, ttl time.Duration) (*CookieCodec, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("cookie secret must be at least 32 bytes")
	}
	if name == "" {
		name = "sid"
	}
	if ttl <= 0 {
		ttl = DefaultConfig().AbsoluteTimeout
	}
	return &CookieCodec{Name: name, Secret: secret, TTL: ttl, Secure: true, now: time.Now}, nil
}

// Encode signs rec's session id and principal.
func (c *CookieCodec) Encode(rec *Record) (string, error) {
	now := c.clock()
	claims := cookieClaims{
		SessionID: rec.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   rec.PrincipalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.TTL)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session cookie: %w", err)
	}
	return tok, nil
}

// Decode verifies token and returns the session id and principal it carries.
func (c *CookieCodec) Decode(token string) (sessionID, principalID string, err error) {
	if token == "" {
		return "", "", ErrInvalidCookie
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.clock),
	)
	var claims cookieClaims
	if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return c.Secret, nil
	}); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidCookie, err)
	}
	if claims.SessionID == "" {
		return "", "", fmt.Errorf("%w: missing sid", ErrInvalidCookie)
	}
	return claims.SessionID, claims.Subject, nil
}

// Cookie wraps token in an HttpOnly cookie.
func (c *CookieCodec) Cookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     c.Name,
		Value:    token,
		Path:     "/",
		MaxAge:   int(c.TTL / time.Second),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (c *CookieCodec) clock() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}
