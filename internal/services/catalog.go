package services

import (
	"context"
	"strings"
	"time"

	"example.com/eduwallet/services/partners/internal/cache"
	"example.com/eduwallet/services/partners/internal/models"
	"example.com/eduwallet/services/partners/internal/repositories"
	"example.com/eduwallet/services/partners/internal/validation"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CourseInput is a partner's description of one of its courses
type CourseInput struct {
	ExternalID  string `json:"externalId" validate:"required,max=255"`
	Title       string `json:"title" validate:"required,max=500"`
	Slug        string `json:"slug" validate:"max=255"`
	Price       int64  `json:"price" validate:"gte=0"`
	Published   *bool  `json:"published"`
	URLTemplate string `json:"urlTemplate" validate:"max=1000"`
}

// Catalog mirrors partner course catalogs
type Catalog struct {
	store repositories.Store
	cache *cache.RedisCache
	ttl   time.Duration
}

// NewCatalog creates a catalog. A nil cache disables listing caching.
func NewCatalog(store repositories.Store, redisCache *cache.RedisCache, ttl time.Duration) *Catalog {
	if redisCache == nil {
		redisCache = cache.Disabled()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Catalog{store: store, cache: redisCache, ttl: ttl}
}

// UpsertCourse creates or replaces the mirror of a partner course
func (c *Catalog) UpsertCourse(ctx context.Context, partnerID uuid.UUID, in CourseInput) (*models.PartnerCourse, error) {
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	in.Title = strings.TrimSpace(in.Title)
	if err := validation.ValidateStruct(in); err != nil {
		return nil, err
	}

	published := true
	if in.Published != nil {
		published = *in.Published
	}
	course := &models.PartnerCourse{
		PartnerID:   partnerID,
		ExternalID:  in.ExternalID,
		Slug:        in.Slug,
		Title:       in.Title,
		Price:       in.Price,
		Published:   published,
		URLTemplate: in.URLTemplate,
	}
	if err := c.store.UpsertCourse(ctx, course); err != nil {
		return nil, err
	}
	c.invalidate(ctx, partnerID)
	return course, nil
}

// EnsureCourse returns the mirror for externalID, creating it on first
// sight. A non-empty title that differs from the mirror updates it.
func (c *Catalog) EnsureCourse(ctx context.Context, tx repositories.Store, partnerID uuid.UUID, externalID, title string) (*models.PartnerCourse, error) {
	externalID = strings.TrimSpace(externalID)
	title = strings.TrimSpace(title)
	if externalID == "" {
		return nil, errors.Wrap(models.ErrInvalidArgument, "course id is required")
	}
	if tx == nil {
		tx = c.store
	}

	course, err := tx.FindCourseByExternalID(ctx, partnerID, externalID)
	switch {
	case err == nil:
		if title == "" || title == course.Title {
			return course, nil
		}
		course.Title = title
	case errors.Is(err, models.ErrNotFound):
		if title == "" {
			title = externalID
		}
		course = &models.PartnerCourse{
			PartnerID:  partnerID,
			ExternalID: externalID,
			Title:      title,
			Published:  true,
		}
	default:
		return nil, err
	}

	if err := tx.UpsertCourse(ctx, course); err != nil {
		return nil, err
	}
	c.invalidate(ctx, partnerID)
	return course, nil
}

// FindCourse resolves a partner course by its external id
func (c *Catalog) FindCourse(ctx context.Context, partnerID uuid.UUID, externalID string) (*models.PartnerCourse, error) {
	return c.store.FindCourseByExternalID(ctx, partnerID, strings.TrimSpace(externalID))
}

// ListCourses returns the partner's mirrored courses, served from Redis when
// a fresh listing is cached
func (c *Catalog) ListCourses(ctx context.Context, partnerID uuid.UUID) ([]*models.PartnerCourse, error) {
	key := cache.CourseListKey(partnerID)

	var cached []*models.PartnerCourse
	err := c.cache.Get(ctx, key, &cached)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		log.Warn().Err(err).Str("partner_id", partnerID.String()).Msg("Course cache read failed")
	}

	courses, err := c.store.ListCourses(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, key, courses, c.ttl); err != nil {
		log.Warn().Err(err).Str("partner_id", partnerID.String()).Msg("Course cache write failed")
	}
	return courses, nil
}

func (c *Catalog) invalidate(ctx context.Context, partnerID uuid.UUID) {
	if err := c.cache.Delete(ctx, cache.CourseListKey(partnerID)); err != nil {
		log.Warn().Err(err).Str("partner_id", partnerID.String()).Msg("Course cache invalidation failed")
	}
}
