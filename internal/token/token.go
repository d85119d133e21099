// Package token issues the short-lived credentials peers present when joining
// the messaging and media transports.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Kind string

const (
	KindMessaging Kind = "messaging"
	KindMedia     Kind = "media"
)

const DefaultTTL = 10 * time.Minute

var ErrInvalid = errors.New("token: invalid")

type Claims struct {
	Channel string `json:"chn,omitempty"`
	Kind    Kind   `json:"knd"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	clk    clock.Clock
}

func NewIssuer(secret string, ttl time.Duration, clk clock.Clock) (*Issuer, error) {
	if len(secret) < 16 {
		return nil, errors.New("token: secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, clk: clk}, nil
}

// Issue signs a credential for identity. Channel is empty for messaging logins.
func (i *Issuer) Issue(kind Kind, identity, channel string) (string, time.Time, error) {
	if kind != KindMessaging && kind != KindMedia {
		return "", time.Time{}, fmt.Errorf("token: unknown kind %q", kind)
	}
	if identity == "" {
		return "", time.Time{}, errors.New("token: identity is required")
	}
	now := i.clk.Now()
	exp := now.Add(i.ttl)
	claims := Claims{
		Channel: channel,
		Kind:    kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: sign: %w", err)
	}
	return signed, exp, nil
}

func (i *Issuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.clk.Now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !tok.Valid || claims.Subject == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}
