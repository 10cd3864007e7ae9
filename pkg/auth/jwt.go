package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/marmos91/meshfile/pkg/meshfile"
)

// Claims is the JWT claim set the provider issues and validates.
type Claims struct {
	jwt.RegisteredClaims

	// Permissions are the capabilities granted to the subject.
	Permissions []string `json:"permissions,omitempty"`
}

// JWTProvider validates HMAC-signed bearer tokens.
type JWTProvider struct {
	secret []byte
	issuer string
}

// NewJWTProvider creates a provider verifying tokens signed with the
// given HMAC secret.
func NewJWTProvider(secret []byte, issuer string) (*JWTProvider, error) {
	if len(secret) == 0 {
		return nil, meshfile.NewError(meshfile.KindInvalidRequest, "jwt provider requires a secret")
	}
	return &JWTProvider{secret: secret, issuer: issuer}, nil
}

// Name implements Provider.
func (p *JWTProvider) Name() string { return "jwt" }

// Authorize implements Provider. The token must be signed with the
// provider's secret, unexpired, and carry a subject.
func (p *JWTProvider) Authorize(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, meshfile.NewError(meshfile.KindAuthDenied, "empty auth token")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, meshfile.Errorf(meshfile.KindAuthDenied, "unexpected signing method %q", t.Method.Alg())
		}
		return p.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, &meshfile.Error{Kind: meshfile.KindAuthDenied, Message: "token validation failed", Err: err}
	}
	if !parsed.Valid {
		return nil, meshfile.NewError(meshfile.KindAuthDenied, "invalid token")
	}
	if p.issuer != "" && claims.Issuer != p.issuer {
		return nil, meshfile.Errorf(meshfile.KindAuthDenied, "unexpected issuer %q", claims.Issuer)
	}
	if claims.Subject == "" {
		return nil, meshfile.NewError(meshfile.KindAuthDenied, "token carries no subject")
	}

	perms := make([]meshfile.Permission, 0, len(claims.Permissions))
	for _, p := range claims.Permissions {
		perms = append(perms, meshfile.Permission(p))
	}
	return &Identity{ID: claims.Subject, Permissions: perms}, nil
}

// IssueToken signs a token for subject with the given permissions and
// lifetime. Used by operators to mint credentials.
func (p *JWTProvider) IssueToken(subject string, perms []meshfile.Permission, lifetime time.Duration) (string, error) {
	now := time.Now()
	strs := make([]string, 0, len(perms))
	for _, perm := range perms {
		strs = append(strs, string(perm))
	}

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
		Permissions: strs,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", &meshfile.Error{Kind: meshfile.KindAuthDenied, Message: "sign token", Err: err}
	}
	return signed, nil
}
