// Package token mints and verifies room admission credentials. Tokens are
// HS256 JWTs whose claim layout matches LiveKit access tokens, so the same
// credential admits a participant to an external media room and to the
// built-in WebSocket transport.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/zhouzirui/voice-concierge/backend/internal/config"
	"github.com/zhouzirui/voice-concierge/backend/internal/metrics"
)

var (
	ErrInvalidRequest = errors.New("room name and username are required")
	ErrNotConfigured  = errors.New("token issuer is not configured")
	ErrInvalidToken   = errors.New("invalid token")
)

// Grants are the room permissions a credential asserts.
type Grants struct {
	RoomJoin     bool `json:"room_join"`
	RoomAdmin    bool `json:"room_admin"`
	CanPublish   bool `json:"can_publish"`
	CanSubscribe bool `json:"can_subscribe"`
}

// DefaultGrants lets a participant join, publish and subscribe without
// administering the room.
func DefaultGrants() Grants {
	return Grants{
		RoomJoin:     true,
		RoomAdmin:    false,
		CanPublish:   true,
		CanSubscribe: true,
	}
}

// VideoGrant is the "video" claim of a LiveKit access token.
type VideoGrant struct {
	Room         string `json:"room,omitempty"`
	RoomJoin     bool   `json:"roomJoin,omitempty"`
	RoomAdmin    bool   `json:"roomAdmin,omitempty"`
	CanPublish   bool   `json:"canPublish"`
	CanSubscribe bool   `json:"canSubscribe"`
}

// Claims are the decoded contents of a credential.
type Claims struct {
	jwt.RegisteredClaims
	Name  string      `json:"name,omitempty"`
	Video *VideoGrant `json:"video,omitempty"`
}

// Identity returns the participant identity (the subject).
func (c *Claims) Identity() string {
	return c.Subject
}

// Grants converts the video claim back into Grants.
func (c *Claims) Grants() Grants {
	if c.Video == nil {
		return Grants{}
	}
	return Grants{
		RoomJoin:     c.Video.RoomJoin,
		RoomAdmin:    c.Video.RoomAdmin,
		CanPublish:   c.Video.CanPublish,
		CanSubscribe: c.Video.CanSubscribe,
	}
}

// Credential is an issued, signed admission token.
type Credential struct {
	Identity  string    `json:"identity"`
	Name      string    `json:"name"`
	Room      string    `json:"room"`
	Grants    Grants    `json:"grants"`
	ExpiresAt time.Time `json:"expires_at"`
	Token     string    `json:"token"`
}

// Issuer signs credentials with a shared API secret.
type Issuer struct {
	apiKey string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer builds an issuer from configuration. now may be nil.
func NewIssuer(cfg config.TokenConfig, now func() time.Time) (*Issuer, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("token ttl must be positive")
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		apiKey: cfg.APIKey,
		secret: []byte(cfg.APISecret),
		ttl:    cfg.TTL,
		now:    now,
	}, nil
}

// Issue mints a credential for identity in room. Issuing is stateless: every
// call yields an independent token.
func (i *Issuer) Issue(identity, room string, grants Grants) (Credential, error) {
	identity = strings.TrimSpace(identity)
	room = strings.TrimSpace(room)
	if identity == "" || room == "" {
		return Credential{}, ErrInvalidRequest
	}

	now := i.now().UTC()
	expiresAt := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.apiKey,
			Subject:   identity,
			ID:        uuid.NewString(),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Name: identity,
		Video: &VideoGrant{
			Room:         room,
			RoomJoin:     grants.RoomJoin,
			RoomAdmin:    grants.RoomAdmin,
			CanPublish:   grants.CanPublish,
			CanSubscribe: grants.CanSubscribe,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Credential{}, fmt.Errorf("sign token: %w", err)
	}
	metrics.TokensIssued.Inc()

	return Credential{
		Identity:  identity,
		Name:      identity,
		Room:      room,
		Grants:    grants,
		ExpiresAt: expiresAt.Truncate(time.Second),
		Token:     signed,
	}, nil
}

// Verify checks the signature, issuer and validity window of a token.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidToken)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.apiKey),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)

	var claims Claims
	if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &claims, nil
}

// Admits reports whether claims allow joining room.
func (c *Claims) Admits(room string) bool {
	return c.Video != nil && c.Video.RoomJoin && c.Video.Room == room
}
