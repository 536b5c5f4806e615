package services

import (
	"context"
	"testing"

	"example.com/eduwallet/services/partners/internal/credentials"
	"example.com/eduwallet/services/partners/internal/models"
	"example.com/eduwallet/services/partners/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Onboard(t *testing.T) {
	store := testutil.NewMemStore()
	registry := NewRegistry(store)
	ctx := context.Background()

	creds, err := registry.Onboard(ctx, OnboardInput{
		Name:               " Acme Learning ",
		Domain:             "https://learn.acme.example/",
		CompletionURL:      "https://learn.acme.example/hooks/completion",
		RateLimitPerMinute: 120,
	})
	require.NoError(t, err)

	assert.Equal(t, "Acme Learning", creds.Partner.Name)
	assert.Equal(t, "learn.acme.example", creds.Partner.Domain)
	assert.Equal(t, models.PartnerActive, creds.Partner.Status)
	assert.Equal(t, 120, creds.Partner.RateLimitPerMinute)
	assert.NotEmpty(t, creds.APIKey)
	assert.NotEmpty(t, creds.Secret)
	assert.NotEqual(t, creds.APIKey, creds.Partner.APIKeyHash)

	found, err := store.FindActivePartnerByAPIKeyHash(ctx, credentials.HashAPIKey(creds.APIKey))
	require.NoError(t, err)
	assert.Equal(t, creds.Partner.ID, found.ID)
	assert.Equal(t, creds.Secret, found.Secret)
}

func TestRegistry_OnboardValidation(t *testing.T) {
	registry := NewRegistry(testutil.NewMemStore())

	tests := []struct {
		name  string
		input OnboardInput
	}{
		{"missing name", OnboardInput{Domain: "acme.example"}},
		{"missing domain", OnboardInput{Name: "Acme"}},
		{"domain with path", OnboardInput{Name: "Acme", Domain: "acme.example/courses"}},
		{"domain with space", OnboardInput{Name: "Acme", Domain: "acme example"}},
		{"bad endpoint", OnboardInput{Name: "Acme", Domain: "acme.example", ProgressURL: "not a url"}},
		{"negative rate limit", OnboardInput{Name: "Acme", Domain: "acme.example", RateLimitPerMinute: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := registry.Onboard(context.Background(), tt.input)
			assert.ErrorIs(t, err, models.ErrInvalidArgument)
		})
	}
}

func TestRegistry_RotateCredentials(t *testing.T) {
	store := testutil.NewMemStore()
	registry := NewRegistry(store)
	ctx := context.Background()

	creds, err := registry.Onboard(ctx, OnboardInput{Name: "Acme", Domain: "acme.example"})
	require.NoError(t, err)

	rotated, err := registry.RotateSecret(ctx, creds.Partner.ID)
	require.NoError(t, err)
	assert.NotEqual(t, creds.Secret, rotated.Secret)
	assert.Empty(t, rotated.APIKey)
	assert.Equal(t, rotated.Secret, rotated.Partner.Secret)
	assert.NotNil(t, rotated.Partner.SecretRotatedAt)

	rekeyed, err := registry.RotateAPIKey(ctx, creds.Partner.ID)
	require.NoError(t, err)
	assert.NotEqual(t, creds.APIKey, rekeyed.APIKey)
	assert.Empty(t, rekeyed.Secret)

	_, err = store.FindActivePartnerByAPIKeyHash(ctx, credentials.HashAPIKey(creds.APIKey))
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = store.FindActivePartnerByAPIKeyHash(ctx, credentials.HashAPIKey(rekeyed.APIKey))
	assert.NoError(t, err)

	_, err = registry.RotateSecret(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRegistry_Status(t *testing.T) {
	store := testutil.NewMemStore()
	registry := NewRegistry(store)
	ctx := context.Background()

	creds, err := registry.Onboard(ctx, OnboardInput{Name: "Acme", Domain: "acme.example"})
	require.NoError(t, err)
	hash := credentials.HashAPIKey(creds.APIKey)

	partner, err := registry.Deactivate(ctx, creds.Partner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PartnerInactive, partner.Status)
	_, err = store.FindActivePartnerByAPIKeyHash(ctx, hash)
	assert.ErrorIs(t, err, models.ErrNotFound)

	partner, err = registry.Activate(ctx, creds.Partner.ID)
	require.NoError(t, err)
	assert.True(t, partner.Active())
	_, err = store.FindActivePartnerByAPIKeyHash(ctx, hash)
	assert.NoError(t, err)

	partners, err := registry.List(ctx)
	require.NoError(t, err)
	assert.Len(t, partners, 1)

	_, err = registry.Deactivate(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}
