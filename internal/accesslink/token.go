package accesslink

import (
	"time"

	"example.com/eduwallet/services/partners/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RegistrationClaims identify a student arriving at a partner site through a
// platform issued link. They are signed with the partner's shared secret so
// the partner can verify them without calling back.
type RegistrationClaims struct {
	CourseID  string `json:"cid"`
	PartnerID string `json:"pid"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies registration tokens
type TokenIssuer struct {
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. A zero ttl produces tokens without expiry.
func NewTokenIssuer(issuer string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue mints a token for the enrollment's student
func (i *TokenIssuer) Issue(partner *models.Partner, enrollment *models.Enrollment) (string, error) {
	if partner == nil || partner.Secret == "" {
		return "", errors.Wrap(models.ErrInvalidArgument, "partner secret is required")
	}

	now := i.now()
	claims := RegistrationClaims{
		CourseID:  enrollment.CourseID.String(),
		PartnerID: partner.ID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   i.issuer,
			Subject:  enrollment.StudentID,
			ID:       enrollment.ID.String(),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(partner.Secret))
	if err != nil {
		return "", errors.Wrap(err, "failed to sign registration token")
	}
	return signed, nil
}

// Verify parses a token minted for partner and returns its claims
func (i *TokenIssuer) Verify(partner *models.Partner, token string) (*RegistrationClaims, error) {
	claims := &RegistrationClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(partner.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !parsed.Valid {
		return nil, errors.Wrap(models.ErrInvalidSignature, "invalid registration token")
	}
	if claims.PartnerID != partner.ID.String() {
		return nil, errors.Wrap(models.ErrInvalidSignature, "registration token issued for another partner")
	}
	if _, err := uuid.Parse(claims.ID); err != nil {
		return nil, errors.Wrap(models.ErrInvalidSignature, "registration token has no enrollment")
	}
	return claims, nil
}
