package shelf

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the session token is issued by the auth service and carried on every
// subscription and storage call. the engine never verifies the signature,
// that is the server's job. it only needs the identity claims inside.

type SessionToken struct {
	UserId    Id
	UserName  string
	ScopeId   Id
	ExpiresAt time.Time

	raw string
}

// ParseSessionTokenUnverified extracts the identity claims without
// signature verification.
func ParseSessionTokenUnverified(tokenStr string) (*SessionToken, error) {
	if tokenStr == "" {
		return nil, ErrNoSessionToken
	}

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenStr, gojwt.MapClaims{})
	if err != nil {
		return nil, &ValidationError{Message: "malformed session token"}
	}

	claims := token.Claims.(gojwt.MapClaims)

	sessionToken := &SessionToken{
		raw: tokenStr,
	}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			sessionToken.UserId = userId
		}
	}
	if userName, ok := claims["user_name"].(string); ok {
		sessionToken.UserName = userName
	}
	if scopeIdStr, ok := claims["scope_id"].(string); ok {
		if scopeId, err := ParseId(scopeIdStr); err == nil {
			sessionToken.ScopeId = scopeId
		}
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		sessionToken.ExpiresAt = expiresAt.Time
	}

	if sessionToken.UserId.IsZero() {
		return nil, &ValidationError{Message: "session token has no user"}
	}

	return sessionToken, nil
}

func (self *SessionToken) Raw() string {
	return self.raw
}

func (self *SessionToken) Expired(now time.Time) bool {
	if self.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(self.ExpiresAt)
}

// AllowsScope reports whether the token authorizes the scope. A token with
// no scope claim is scope-unbound and allowed everywhere, matching tokens
// issued to service accounts.
func (self *SessionToken) AllowsScope(scopeId Id) bool {
	if self.ScopeId.IsZero() {
		return true
	}
	return self.ScopeId == scopeId
}

// VerifySessionToken checks the signature against the signing key, then
// extracts the identity claims. The server side of the unverified parse.
func VerifySessionToken(signingKey []byte, tokenStr string) (*SessionToken, error) {
	if tokenStr == "" {
		return nil, ErrNoSessionToken
	}
	token, err := gojwt.Parse(
		tokenStr,
		func(token *gojwt.Token) (any, error) {
			if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return signingKey, nil
		},
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: invalid session token", ErrPermissionDenied)
	}
	return ParseSessionTokenUnverified(tokenStr)
}

// MintSessionToken signs a token carrying the identity claims. The engine
// only consumes tokens, but the cli and the tests need to issue them.
func MintSessionToken(signingKey []byte, userId Id, userName string, scopeId Id, expiresAt time.Time) (string, error) {
	claims := gojwt.MapClaims{
		"user_id":   userId.String(),
		"user_name": userName,
		"scope_id":  scopeId.String(),
	}
	if !expiresAt.IsZero() {
		claims["exp"] = expiresAt.Unix()
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(signingKey)
}
