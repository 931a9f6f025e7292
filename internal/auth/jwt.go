package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sectorpulse/internal/domain"
)

const signingMethod = "HS256"

// Resolver turns an opaque credential into a player profile.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (domain.Profile, error)
}

type playerClaims struct {
	jwt.RegisteredClaims
	PlayerID  string         `json:"player_id"`
	Username  string         `json:"username"`
	Location  string         `json:"location,omitempty"`
	Team      string         `json:"team,omitempty"`
	Admin     bool           `json:"admin,omitempty"`
	Resources map[string]int `json:"resources,omitempty"`
}

// JWTResolver validates HS256 player tokens.
type JWTResolver struct {
	secret []byte
	issuer string
	clock  clockwork.Clock
}

func NewJWTResolver(secret, issuer string, clock clockwork.Clock) *JWTResolver {
	return &JWTResolver{secret: []byte(secret), issuer: issuer, clock: clock}
}

func (r *JWTResolver) Resolve(_ context.Context, credential string) (domain.Profile, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return domain.Profile{}, domain.NewAuthError(domain.AuthMissingCredential, nil)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{signingMethod}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.clock.Now),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	var claims playerClaims
	_, err := jwt.ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		return domain.Profile{}, domain.NewAuthError(domain.AuthInvalidCredential, err)
	}

	if claims.Subject == "" || claims.PlayerID == "" {
		return domain.Profile{}, domain.NewAuthError(domain.AuthProfileNotFound, errors.New("token carries no player"))
	}

	return domain.Profile{
		Identity:  domain.UserIdentity(claims.Subject),
		PlayerID:  claims.PlayerID,
		Username:  claims.Username,
		Location:  claims.Location,
		Team:      claims.Team,
		Admin:     claims.Admin,
		Resources: claims.Resources,
	}, nil
}

// Issue mints a token for profile valid for ttl.
func (r *JWTResolver) Issue(profile domain.Profile, ttl time.Duration) (string, error) {
	now := r.clock.Now()
	subject := profile.Identity.UserID()
	if subject == "" {
		subject = profile.PlayerID
	}

	claims := playerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		PlayerID:  profile.PlayerID,
		Username:  profile.Username,
		Location:  profile.Location,
		Team:      profile.Team,
		Admin:     profile.Admin,
		Resources: profile.Resources,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// RequireAdmin returns an admin_required AuthError for non-admin profiles.
func RequireAdmin(profile domain.Profile) error {
	if !profile.Admin {
		return domain.NewAuthError(domain.AuthAdminRequired, nil)
	}
	return nil
}

// CredentialFromRequest reads the bearer token from the Authorization header,
// falling back to the "token" query parameter used by browser WebSocket clients.
func CredentialFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
