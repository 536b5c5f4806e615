package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"example.com/eduwallet/services/partners/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Clock is a manually advanced time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SeedPartner stores an active partner. apiKeyHash may be empty.
func SeedPartner(t *testing.T, store *MemStore, domain, secret, apiKeyHash string) *models.Partner {
	t.Helper()
	if apiKeyHash == "" {
		apiKeyHash = uuid.NewString()
	}
	partner := &models.Partner{
		ID:         uuid.New(),
		Name:       "Partner " + domain,
		Domain:     domain,
		Secret:     secret,
		APIKeyHash: apiKeyHash,
		Status:     models.PartnerActive,
	}
	require.NoError(t, store.CreatePartner(context.Background(), partner))
	return partner
}

// SeedCourse stores a published course for partner
func SeedCourse(t *testing.T, store *MemStore, partner *models.Partner, externalID, title string) *models.PartnerCourse {
	t.Helper()
	course := &models.PartnerCourse{
		PartnerID:  partner.ID,
		ExternalID: externalID,
		Title:      title,
		Price:      100,
		Published:  true,
	}
	require.NoError(t, store.UpsertCourse(context.Background(), course))
	return course
}

// CompletedPurchase returns an unsaved completed purchase of course by student
func CompletedPurchase(partner *models.Partner, course *models.PartnerCourse, studentID string, at time.Time) *models.Purchase {
	return &models.Purchase{
		ID:          uuid.New(),
		CourseID:    course.ID,
		BuyerID:     studentID,
		SellerID:    partner.ID,
		Price:       course.Price,
		PurchasedAt: at,
		Status:      models.PurchaseCompleted,
	}
}
