package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail to parse or verify.
var ErrInvalidToken = errors.New("invalid bearer token")

// Claims is the accepted JWT claim shape. Supabase access tokens carry the
// organisation id under app_metadata; a top-level org_id claim also works.
type Claims struct {
	jwt.RegisteredClaims
	Email       string `json:"email,omitempty"`
	OrgID       string `json:"org_id,omitempty"`
	AppMetadata struct {
		OrganizationID string `json:"organization_id,omitempty"`
	} `json:"app_metadata,omitempty"`
}

// Verifier turns bearer tokens into AuthUsers.
//
// With a secret configured, tokens are verified as HS256. Without one, tokens
// are decoded unverified; that is only acceptable behind a gateway that has
// already verified them, or in development.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier. An empty secret selects unverified decoding.
func NewVerifier(secret string) *Verifier {
	v := &Verifier{}
	if secret != "" {
		v.secret = []byte(secret)
	}
	return v
}

// Verify parses the token and extracts the identity.
func (v *Verifier) Verify(token string) (AuthUser, error) {
	claims := &Claims{}

	var err error
	if v.secret != nil {
		_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return v.secret, nil
		})
	} else {
		_, _, err = jwt.NewParser().ParseUnverified(token, claims)
	}
	if err != nil {
		return AuthUser{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return AuthUser{}, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	orgID := claims.OrgID
	if orgID == "" {
		orgID = claims.AppMetadata.OrganizationID
	}

	return AuthUser{
		Identity: claims.Subject,
		Email:    claims.Email,
		OrgID:    orgID,
	}, nil
}
