// Package auth verifies bearer tokens and answers capability checks.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// CapabilitySubscriber gates replay uploads.
const CapabilitySubscriber = "subscriber"

const (
	principalKey = "principal"
	tokenType    = "access"
)

// Claims is the token payload issued by the web front end.
type Claims struct {
	UserID string   `json:"userId"`
	Type   string   `json:"type,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Principal is an authenticated caller.
type Principal struct {
	UserID string
	Roles  []string
}

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret          []byte
	subscriberRoles map[string]struct{}
}

func NewVerifier(secret string, subscriberRoleIDs []string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth secret is empty")
	}
	roles := make(map[string]struct{}, len(subscriberRoleIDs))
	for _, id := range subscriberRoleIDs {
		if id = strings.TrimSpace(id); id != "" {
			roles[id] = struct{}{}
		}
	}
	return &Verifier{secret: []byte(secret), subscriberRoles: roles}, nil
}

func (v *Verifier) keyFunc(*jwt.Token) (any, error) {
	return v.secret, nil
}

// Parse validates a token and returns its principal.
func (v *Verifier) Parse(tokenString string) (*Principal, error) {
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if _, err := parser.ParseWithClaims(tokenString, claims, v.keyFunc); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return nil, errors.New("userId claim is empty")
	}
	if claims.Type != "" && claims.Type != tokenType {
		return nil, fmt.Errorf("unexpected token type %q", claims.Type)
	}
	return &Principal{UserID: claims.UserID, Roles: claims.Roles}, nil
}

// Issue signs a token for userID. Used by operator tooling and tests.
func (v *Verifier) Issue(userID string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Type:   tokenType,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// HasCapability reports whether p may use capability.
func (v *Verifier) HasCapability(p *Principal, capability string) bool {
	if p == nil {
		return false
	}
	switch capability {
	case CapabilitySubscriber:
		for _, r := range p.Roles {
			if _, ok := v.subscriberRoles[r]; ok {
				return true
			}
		}
	}
	return false
}

// Middleware rejects requests without a valid bearer token and stores the
// principal on the context.
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		p, err := v.Parse(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// PrincipalFrom returns the principal stored by Middleware.
func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}
