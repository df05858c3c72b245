// Package auth issues and verifies operator bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const ActorTypeOperator = "operator"

var ErrInvalidToken = errors.New("invalid token")

type contextKey string

const actorContextKey contextKey = "actor"

type Actor struct {
	ID   string
	Type string
}

// HMACKeyset holds every key a token may be verified with; new tokens are
// signed with ActiveKID.
type HMACKeyset struct {
	ActiveKID string
	Keys      map[string][]byte
}

// ParseHMACKeyset builds a keyset from either a single secret or a
// "kid:secret,kid:secret" list.
func ParseHMACKeyset(secret, list, active string) (HMACKeyset, error) {
	keys := make(map[string][]byte)
	for _, pair := range strings.Split(list, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, sec, ok := strings.Cut(pair, ":")
		kid, sec = strings.TrimSpace(kid), strings.TrimSpace(sec)
		if !ok || kid == "" || sec == "" {
			return HMACKeyset{}, fmt.Errorf("malformed jwt key entry %q", pair)
		}
		keys[kid] = []byte(sec)
	}
	if len(keys) == 0 {
		if strings.TrimSpace(secret) == "" {
			return HMACKeyset{}, errors.New("jwt secret or keyset is required")
		}
		keys["default"] = []byte(secret)
	}
	active = strings.TrimSpace(active)
	if active == "" {
		if _, ok := keys["default"]; ok || len(keys) == 1 {
			active = firstKID(keys)
		} else {
			return HMACKeyset{}, errors.New("active kid is required with multiple keys")
		}
	}
	if _, ok := keys[active]; !ok {
		return HMACKeyset{}, fmt.Errorf("active kid %q not in keyset", active)
	}
	return HMACKeyset{ActiveKID: active, Keys: keys}, nil
}

func firstKID(keys map[string][]byte) string {
	if _, ok := keys["default"]; ok {
		return "default"
	}
	kids := make([]string, 0, len(keys))
	for k := range keys {
		kids = append(kids, k)
	}
	sort.Strings(kids)
	return kids[0]
}

type JWTSigner struct {
	keyset HMACKeyset
	issuer string
}

func NewJWTSigner(keyset HMACKeyset, issuer string) *JWTSigner {
	return &JWTSigner{keyset: keyset, issuer: issuer}
}

// SignActor returns a token for a and its expiry.
func (s *JWTSigner) SignActor(a Actor, now time.Time, ttl time.Duration) (string, time.Time, error) {
	if a.ID == "" || a.Type == "" {
		return "", time.Time{}, errors.New("actor id and type are required")
	}
	exp := now.Add(ttl).UTC()
	claims := jwt.MapClaims{
		"sub":        a.ID,
		"actor_type": a.Type,
		"iat":        now.Unix(),
		"exp":        exp.Unix(),
	}
	if s.issuer != "" {
		claims["iss"] = s.issuer
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = s.keyset.ActiveKID
	signed, err := tok.SignedString(s.keyset.Keys[s.keyset.ActiveKID])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

type JWTVerifier struct {
	keyset HMACKeyset
	issuer string
	now    func() time.Time
}

func NewJWTVerifier(keyset HMACKeyset, issuer string) *JWTVerifier {
	return &JWTVerifier{keyset: keyset, issuer: issuer, now: time.Now}
}

func (v *JWTVerifier) ParseActor(tokenString string) (Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5 * time.Second),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			kid = v.keyset.ActiveKID
		}
		key, ok := v.keyset.Keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return key, nil
	}, opts...)
	if err != nil || !tok.Valid {
		return Actor{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	actorType, _ := claims["actor_type"].(string)
	if sub == "" || actorType == "" {
		return Actor{}, fmt.Errorf("%w: missing actor claims", ErrInvalidToken)
	}
	return Actor{ID: sub, Type: actorType}, nil
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	v, ok := ctx.Value(actorContextKey).(Actor)
	return v, ok
}

func bearer(header string) (string, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return tok, tok != ""
}
