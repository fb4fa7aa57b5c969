package auth

import (
	"context"
	"net/url"
	"time"

	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrInvalidToken is returned when the provided token is invalid.
var ErrInvalidToken = errors.New("invalid token")

// JWTVerifier validates RS256 bearer tokens against the identity provider's
// JWKS endpoint. The token subject is the user id.
type JWTVerifier struct {
	validator *validator.Validator
}

// NewJWTVerifier builds a verifier for the given issuer and audience.
func NewJWTVerifier(issuer, audience string) (*JWTVerifier, error) {
	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return nil, errors.Wrap(err, "parsing auth issuer URL")
	}

	provider := jwks.NewCachingProvider(issuerURL, 5*time.Minute)
	jwtValidator, err := validator.New(
		provider.KeyFunc,
		validator.RS256,
		issuerURL.String(),
		[]string{audience},
		validator.WithAllowedClockSkew(time.Minute),
	)
	if err != nil {
		return nil, errors.Wrap(err, "setting up token validator")
	}
	return &JWTVerifier{validator: jwtValidator}, nil
}

// Verify implements TokenVerifier.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (uuid.UUID, error) {
	claims, err := v.validator.ValidateToken(ctx, token)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	validated, ok := claims.(*validator.ValidatedClaims)
	if !ok {
		return uuid.Nil, ErrInvalidToken
	}
	userID, err := uuid.Parse(validated.RegisteredClaims.Subject)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "token subject is not a user id")
	}
	return userID, nil
}
