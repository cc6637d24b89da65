package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/samerth-ccp/voltvera-portal/pkg/authz"
)

// Actor is the authenticated caller. Token issuance happens in the
// identity service; this package only verifies and decodes.
type Actor struct {
	MemberUUID string
	RoleSlug   string
}

type actorCtxKey struct{}

func withActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, a)
}

func currentActor(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorCtxKey{}).(Actor)
	return a, ok
}

type sessionClaims struct {
	MemberUUID string `json:"member_uuid"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

var errInvalidSessionToken = errors.New("server: invalid session token")

type sessionVerifier struct {
	signingKey []byte
}

func newSessionVerifierFromEnv() (sessionVerifier, error) {
	key := strings.TrimSpace(os.Getenv("SESSION_SIGNING_KEY"))
	if key == "" {
		return sessionVerifier{}, errors.New("server: SESSION_SIGNING_KEY is required")
	}
	return sessionVerifier{signingKey: []byte(key)}, nil
}

func (v sessionVerifier) verify(tokenString string) (Actor, error) {
	token, err := jwt.ParseWithClaims(tokenString, &sessionClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidSessionToken
		}
		return v.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Actor{}, errInvalidSessionToken
	}
	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid {
		return Actor{}, errInvalidSessionToken
	}

	memberUUID := strings.TrimSpace(claims.MemberUUID)
	if memberUUID == "" {
		memberUUID = strings.TrimSpace(claims.Subject)
	}
	if memberUUID == "" {
		return Actor{}, errInvalidSessionToken
	}
	role := strings.ToLower(strings.TrimSpace(claims.Role))
	if role == "" {
		role = authz.RoleDistributor
	}
	return Actor{MemberUUID: memberUUID, RoleSlug: role}, nil
}

// issueSessionToken exists for the dbtool and tests; production tokens
// come from the identity service.
func (v sessionVerifier) issueSessionToken(memberUUID string, roleSlug string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		MemberUUID: memberUUID,
		Role:       roleSlug,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   memberUUID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(v.signingKey)
}

func bearerToken(r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
