package credentials

import (
	"context"
	"strconv"
	"testing"
	"time"

	"example.com/eduwallet/services/partners/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockPartnerLookup struct {
	mock.Mock
}

func (m *MockPartnerLookup) FindPartnerByID(ctx context.Context, id uuid.UUID) (*models.Partner, error) {
	args := m.Called(ctx, id)
	if p, ok := args.Get(0).(*models.Partner); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPartnerLookup) FindActivePartnerByAPIKeyHash(ctx context.Context, hash string) (*models.Partner, error) {
	args := m.Called(ctx, hash)
	if p, ok := args.Get(0).(*models.Partner); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPartnerLookup) TouchPartnerLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestPartner() *models.Partner {
	return &models.Partner{
		ID:     uuid.New(),
		Name:   "Partner",
		Domain: "partner.example",
		Secret: "s3cret",
		Status: models.PartnerActive,
	}
}

func TestSignIsDeterministicHex(t *testing.T) {
	sig := Sign("secret", "1700000000", []byte(`{"a":1}`))
	require.Len(t, sig, 64)
	require.Equal(t, sig, Sign("secret", "1700000000", []byte(`{"a":1}`)))
	require.NotEqual(t, sig, Sign("other", "1700000000", []byte(`{"a":1}`)))
	require.NotEqual(t, sig, Sign("secret", "1700000001", []byte(`{"a":1}`)))
}

func TestVerifyAcceptsPrefixedAndBareSignatures(t *testing.T) {
	body := []byte(`{"eventType":"progress_update"}`)
	sig := Sign("secret", "1700000000", body)

	require.True(t, Verify("secret", "1700000000", body, sig))
	require.True(t, Verify("secret", "1700000000", body, "sha256="+sig))
	require.False(t, Verify("secret", "1700000000", body, "not-hex"))
	require.False(t, Verify("secret", "1700000000", body, ""))
	require.False(t, Verify("secret", "1700000000", []byte(`{}`), sig))
}

func TestVerifyWebhookSignature(t *testing.T) {
	partner := newTestPartner()
	body := []byte(`{"eventType":"course_completed","studentId":"S1"}`)
	freshTS := strconv.FormatInt(fixedNow.Add(-30*time.Second).Unix(), 10)
	staleTS := strconv.FormatInt(fixedNow.Add(-10*time.Minute).Unix(), 10)
	futureTS := strconv.FormatInt(fixedNow.Add(10*time.Minute).Unix(), 10)

	tests := []struct {
		name      string
		timestamp string
		signature string
		wantErr   error
	}{
		{name: "valid", timestamp: freshTS, signature: Sign(partner.Secret, freshTS, body)},
		{name: "valid with prefix", timestamp: freshTS, signature: "sha256=" + Sign(partner.Secret, freshTS, body)},
		{name: "wrong secret", timestamp: freshTS, signature: Sign("wrong", freshTS, body), wantErr: models.ErrInvalidSignature},
		{name: "stale but correctly signed", timestamp: staleTS, signature: Sign(partner.Secret, staleTS, body), wantErr: models.ErrStalePayload},
		{name: "future timestamp", timestamp: futureTS, signature: Sign(partner.Secret, futureTS, body), wantErr: models.ErrStalePayload},
		{name: "malformed timestamp", timestamp: "yesterday", signature: Sign(partner.Secret, "yesterday", body), wantErr: models.ErrInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := new(MockPartnerLookup)
			lookup.On("FindPartnerByID", mock.Anything, partner.ID).Return(partner, nil)

			v := NewVerifier(lookup, 5*time.Minute, WithClock(func() time.Time { return fixedNow }))
			got, err := v.VerifyWebhookSignature(context.Background(), partner.ID.String(), tt.timestamp, body, tt.signature)

			if tt.wantErr != nil {
				require.Error(t, err)
				require.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				require.Nil(t, got)
				return
			}
			require.NoError(t, err)
			require.Equal(t, partner.ID, got.ID)
			lookup.AssertExpectations(t)
		})
	}
}

func TestVerifyWebhookSignatureRejectsUnknownAndInactivePartners(t *testing.T) {
	body := []byte(`{}`)
	ts := strconv.FormatInt(fixedNow.Unix(), 10)

	t.Run("malformed partner id", func(t *testing.T) {
		v := NewVerifier(new(MockPartnerLookup), time.Minute, WithClock(func() time.Time { return fixedNow }))
		_, err := v.VerifyWebhookSignature(context.Background(), "nope", ts, body, "")
		require.ErrorIs(t, err, models.ErrUnauthenticated)
	})

	t.Run("unknown partner", func(t *testing.T) {
		id := uuid.New()
		lookup := new(MockPartnerLookup)
		lookup.On("FindPartnerByID", mock.Anything, id).Return(nil, errors.Wrap(models.ErrNotFound, "partner"))

		v := NewVerifier(lookup, time.Minute, WithClock(func() time.Time { return fixedNow }))
		_, err := v.VerifyWebhookSignature(context.Background(), id.String(), ts, body, Sign("x", ts, body))
		require.ErrorIs(t, err, models.ErrUnauthenticated)
	})

	t.Run("inactive partner with valid signature", func(t *testing.T) {
		partner := newTestPartner()
		partner.Status = models.PartnerInactive
		lookup := new(MockPartnerLookup)
		lookup.On("FindPartnerByID", mock.Anything, partner.ID).Return(partner, nil)

		v := NewVerifier(lookup, time.Minute, WithClock(func() time.Time { return fixedNow }))
		_, err := v.VerifyWebhookSignature(context.Background(), partner.ID.String(), ts, body, Sign(partner.Secret, ts, body))
		require.ErrorIs(t, err, models.ErrUnauthenticated)
	})
}

func TestAuthenticateAPIKey(t *testing.T) {
	partner := newTestPartner()
	key := "pk_test_key"

	lookup := new(MockPartnerLookup)
	lookup.On("FindActivePartnerByAPIKeyHash", mock.Anything, HashAPIKey(key)).Return(partner, nil)
	lookup.On("FindActivePartnerByAPIKeyHash", mock.Anything, mock.Anything).Return(nil, models.ErrNotFound)
	touched := make(chan uuid.UUID, 1)
	lookup.On("TouchPartnerLastUsed", mock.Anything, partner.ID, mock.Anything).
		Run(func(args mock.Arguments) { touched <- args.Get(1).(uuid.UUID) }).
		Return(errors.New("database unavailable")).Maybe()

	v := NewVerifier(lookup, time.Minute)

	got, err := v.AuthenticateAPIKey(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, partner.ID, got.ID)

	// A failing usage update must not fail authentication
	select {
	case id := <-touched:
		require.Equal(t, partner.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("last used time was never recorded")
	}

	_, err = v.AuthenticateAPIKey(context.Background(), "pk_unknown")
	require.ErrorIs(t, err, models.ErrUnauthenticated)

	_, err = v.AuthenticateAPIKey(context.Background(), "  ")
	require.ErrorIs(t, err, models.ErrUnauthenticated)
}

func TestGeneratedCredentialsAreUnique(t *testing.T) {
	a, err := GenerateAPIKey()
	require.NoError(t, err)
	b, err := GenerateAPIKey()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Contains(t, a, "pk_")

	secret, err := GenerateSecret()
	require.NoError(t, err)
	require.Len(t, secret, 64)
	require.NotEqual(t, HashAPIKey(a), a)
}
