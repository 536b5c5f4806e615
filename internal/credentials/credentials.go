// Package credentials authenticates partner requests. It owns the API key
// hashing scheme and the single HMAC signing routine used for both inbound
// and outbound webhooks.
package credentials

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"example.com/eduwallet/services/partners/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Header names shared by inbound and outbound webhooks
const (
	HeaderPartnerID = "X-Partner-ID"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"

	signaturePrefix = "sha256="
	apiKeyPrefix    = "pk_"

	DefaultFreshnessWindow = 5 * time.Minute
)

// PartnerLookup is the subset of the store the verifier reads
type PartnerLookup interface {
	FindPartnerByID(ctx context.Context, id uuid.UUID) (*models.Partner, error)
	FindActivePartnerByAPIKeyHash(ctx context.Context, hash string) (*models.Partner, error)
	TouchPartnerLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Verifier authenticates API keys and webhook signatures
type Verifier struct {
	partners PartnerLookup
	window   time.Duration
	now      func() time.Time
}

// Option configures a Verifier
type Option func(*Verifier)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a verifier that rejects webhooks whose timestamp is
// further than window from the current time.
func NewVerifier(partners PartnerLookup, window time.Duration, opts ...Option) *Verifier {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	v := &Verifier{partners: partners, window: window, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// AuthenticateAPIKey resolves an opaque API key to its active partner
func (v *Verifier) AuthenticateAPIKey(ctx context.Context, key string) (*models.Partner, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, models.ErrUnauthenticated
	}

	partner, err := v.partners.FindActivePartnerByAPIKeyHash(ctx, HashAPIKey(key))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrUnauthenticated
		}
		return nil, errors.Wrap(err, "failed to look up api key")
	}
	if !partner.Active() {
		return nil, models.ErrUnauthenticated
	}

	go v.touch(partner.ID)

	return partner, nil
}

// touch records key usage. It runs detached from the request and never fails it.
func (v *Verifier) touch(partnerID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := v.partners.TouchPartnerLastUsed(ctx, partnerID, v.now()); err != nil {
		log.Warn().Err(err).Str("partner_id", partnerID.String()).Msg("Failed to update partner last used time")
	}
}

// VerifyWebhookSignature authenticates a signed webhook. Freshness is checked
// before the signature so a replayed but correctly signed payload reports
// ErrStalePayload.
func (v *Verifier) VerifyWebhookSignature(ctx context.Context, partnerID, timestamp string, body []byte, signature string) (*models.Partner, error) {
	id, err := uuid.Parse(strings.TrimSpace(partnerID))
	if err != nil {
		return nil, models.ErrUnauthenticated
	}

	partner, err := v.partners.FindPartnerByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrUnauthenticated
		}
		return nil, errors.Wrap(err, "failed to look up partner")
	}
	if !partner.Active() {
		return nil, models.ErrUnauthenticated
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return nil, errors.Wrap(models.ErrInvalidSignature, "malformed timestamp")
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window {
		return nil, models.ErrStalePayload
	}

	if !Verify(partner.Secret, strings.TrimSpace(timestamp), body, signature) {
		return nil, models.ErrInvalidSignature
	}

	return partner, nil
}

// Sign returns hex(HMAC-SHA256(secret, timestamp + body))
func Sign(secret, timestamp string, body []byte) string {
	return hex.EncodeToString(mac(secret, timestamp, body))
}

// Verify checks a signature header, with or without the sha256= prefix, in
// constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	signature = strings.TrimPrefix(signature, signaturePrefix)
	given, err := hex.DecodeString(signature)
	if err != nil || len(given) == 0 {
		return false
	}
	return hmac.Equal(given, mac(secret, timestamp, body))
}

func mac(secret, timestamp string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write(body)
	return h.Sum(nil)
}

// FormatTimestamp renders t as the unix seconds string used in X-Timestamp
func FormatTimestamp(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// HashAPIKey returns the stored form of an API key
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey returns a new random API key
func GenerateAPIKey() (string, error) {
	token, err := randomHex(32)
	if err != nil {
		return "", err
	}
	return apiKeyPrefix + token, nil
}

// GenerateSecret returns a new random webhook signing secret
func GenerateSecret() (string, error) {
	return randomHex(32)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "failed to read random bytes")
	}
	return hex.EncodeToString(buf), nil
}
