package rpc

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"chainflow/crypto"
)

// ScopeAdmin gates parameter and credit registry mutations.
const ScopeAdmin = "lending:admin"

// Claims is the decoded JWT claim set attached to authenticated requests.
type Claims = jwt.MapClaims

type contextKey string

const contextKeyClaims contextKey = "rpc.claims"

func withClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, contextKeyClaims, claims)
}

func claimsFromContext(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(contextKeyClaims).(Claims)
	return claims, ok
}

// AuthConfig captures the verification settings for bearer tokens.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

// Authenticator validates HMAC-signed bearer tokens. The token subject claim
// carries the caller's bech32 address so handlers can enforce on-ledger
// capabilities against the authenticated identity.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
}

// NewAuthenticator constructs an authenticator from the supplied config.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.HMACSecret))}
}

// Authenticate validates the request's bearer token and checks that the scope
// claim covers every required scope.
func (a *Authenticator) Authenticate(r *http.Request, requiredScopes ...string) (Claims, error) {
	if a == nil || len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	tokenString := extractBearer(r.Header.Get("Authorization"))
	if tokenString == "" {
		return nil, errors.New("missing bearer token")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	if err := a.validateClaims(claims); err != nil {
		return nil, err
	}
	scopes := extractScopes(claims)
	if !hasScopes(scopes, requiredScopes) {
		return nil, errors.New("insufficient scope")
	}
	return claims, nil
}

func (a *Authenticator) validateClaims(claims jwt.MapClaims) error {
	if a.cfg.Issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != a.cfg.Issuer {
			return errors.New("issuer mismatch")
		}
	}
	if a.cfg.Audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != a.cfg.Audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == a.cfg.Audience {
					matched = true
					break
				}
			}
			if !matched {
				return errors.New("audience mismatch")
			}
		default:
			return errors.New("audience missing")
		}
	}
	return nil
}

// SubjectAddress decodes the token subject claim into a ledger address.
func SubjectAddress(claims Claims) (crypto.Address, error) {
	raw, ok := claims["sub"].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return crypto.Address{}, errors.New("subject claim missing")
	}
	return crypto.DecodeAddress(strings.TrimSpace(raw))
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func extractScopes(claims jwt.MapClaims) []string {
	switch val := claims["scope"].(type) {
	case string:
		return strings.Fields(val)
	case []interface{}:
		scopes := make([]string, 0, len(val))
		for _, entry := range val {
			if s, ok := entry.(string); ok {
				scopes = append(scopes, s)
			}
		}
		return scopes
	}
	return nil
}

func hasScopes(granted, required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range granted {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
