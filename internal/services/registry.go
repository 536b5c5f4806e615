package services

import (
	"context"
	"strings"
	"time"

	"example.com/eduwallet/services/partners/internal/accesslink"
	"example.com/eduwallet/services/partners/internal/credentials"
	"example.com/eduwallet/services/partners/internal/models"
	"example.com/eduwallet/services/partners/internal/repositories"
	"example.com/eduwallet/services/partners/internal/validation"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// OnboardInput describes a new partner integration
type OnboardInput struct {
	Name               string `json:"name" validate:"required,max=200"`
	Domain             string `json:"domain" validate:"required,max=255"`
	CourseAccessURL    string `json:"courseAccessUrl" validate:"omitempty,url"`
	ProgressURL        string `json:"progressUrl" validate:"omitempty,url"`
	CompletionURL      string `json:"completionUrl" validate:"omitempty,url"`
	RateLimitPerMinute int    `json:"rateLimitPerMinute" validate:"gte=0"`
}

// PartnerCredentials is returned once at onboarding or rotation. The
// plaintext API key is never stored.
type PartnerCredentials struct {
	Partner *models.Partner `json:"partner"`
	APIKey  string          `json:"apiKey,omitempty"`
	Secret  string          `json:"secret,omitempty"`
}

// Registry manages partner lifecycle and credentials
type Registry struct {
	store repositories.Store
	now   func() time.Time
}

// NewRegistry creates a partner registry
func NewRegistry(store repositories.Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// Onboard creates an active partner with a fresh API key and signing secret
func (r *Registry) Onboard(ctx context.Context, in OnboardInput) (*PartnerCredentials, error) {
	in.Domain = accesslink.NormalizeDomain(in.Domain)
	if err := validation.ValidateStruct(in); err != nil {
		return nil, err
	}
	if !validation.IsValidDomain(in.Domain) {
		return nil, errors.Wrapf(models.ErrInvalidArgument, "invalid domain %q", in.Domain)
	}

	apiKey, err := credentials.GenerateAPIKey()
	if err != nil {
		return nil, err
	}
	secret, err := credentials.GenerateSecret()
	if err != nil {
		return nil, err
	}

	partner := &models.Partner{
		ID:                 uuid.New(),
		Name:               strings.TrimSpace(in.Name),
		Domain:             in.Domain,
		Secret:             secret,
		APIKeyHash:         credentials.HashAPIKey(apiKey),
		Status:             models.PartnerActive,
		CourseAccessURL:    in.CourseAccessURL,
		ProgressURL:        in.ProgressURL,
		CompletionURL:      in.CompletionURL,
		RateLimitPerMinute: in.RateLimitPerMinute,
	}
	if err := r.store.CreatePartner(ctx, partner); err != nil {
		return nil, errors.Wrap(err, "failed to create partner")
	}

	log.Info().Str("partner_id", partner.ID.String()).Str("domain", partner.Domain).Msg("Partner onboarded")

	return &PartnerCredentials{Partner: partner, APIKey: apiKey, Secret: secret}, nil
}

// Get returns a partner by id
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*models.Partner, error) {
	return r.store.FindPartnerByID(ctx, id)
}

// List returns all partners
func (r *Registry) List(ctx context.Context) ([]*models.Partner, error) {
	return r.store.ListPartners(ctx)
}

// RotateSecret replaces the webhook signing secret. Webhooks signed with the
// old secret fail verification from this point on.
func (r *Registry) RotateSecret(ctx context.Context, id uuid.UUID) (*PartnerCredentials, error) {
	secret, err := credentials.GenerateSecret()
	if err != nil {
		return nil, err
	}
	if err := r.store.RotatePartnerSecret(ctx, id, secret, r.now()); err != nil {
		return nil, err
	}
	partner, err := r.store.FindPartnerByID(ctx, id)
	if err != nil {
		return nil, err
	}

	log.Info().Str("partner_id", id.String()).Msg("Partner secret rotated")
	return &PartnerCredentials{Partner: partner, Secret: secret}, nil
}

// RotateAPIKey replaces the partner's API key
func (r *Registry) RotateAPIKey(ctx context.Context, id uuid.UUID) (*PartnerCredentials, error) {
	apiKey, err := credentials.GenerateAPIKey()
	if err != nil {
		return nil, err
	}
	if err := r.store.RotatePartnerAPIKey(ctx, id, credentials.HashAPIKey(apiKey)); err != nil {
		return nil, err
	}
	partner, err := r.store.FindPartnerByID(ctx, id)
	if err != nil {
		return nil, err
	}

	log.Info().Str("partner_id", id.String()).Msg("Partner API key rotated")
	return &PartnerCredentials{Partner: partner, APIKey: apiKey}, nil
}

// Activate allows the partner to authenticate again
func (r *Registry) Activate(ctx context.Context, id uuid.UUID) (*models.Partner, error) {
	return r.setStatus(ctx, id, models.PartnerActive)
}

// Deactivate blocks authentication and cancels pending outbound deliveries
func (r *Registry) Deactivate(ctx context.Context, id uuid.UUID) (*models.Partner, error) {
	return r.setStatus(ctx, id, models.PartnerInactive)
}

func (r *Registry) setStatus(ctx context.Context, id uuid.UUID, status models.PartnerStatus) (*models.Partner, error) {
	if err := r.store.SetPartnerStatus(ctx, id, status); err != nil {
		return nil, err
	}
	log.Info().Str("partner_id", id.String()).Str("status", string(status)).Msg("Partner status changed")
	return r.store.FindPartnerByID(ctx, id)
}
