package repositories

import (
	"context"
	"time"

	"example.com/eduwallet/services/partners/internal/models"

	"github.com/google/uuid"
)

// Store is the persistent state of the partner integration. All mutations of
// shared state go through it; callers group related writes with WithTransaction.
type Store interface {
	// Transaction support
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
	Ping(ctx context.Context) error

	// Partner operations
	CreatePartner(ctx context.Context, partner *models.Partner) error
	FindPartnerByID(ctx context.Context, id uuid.UUID) (*models.Partner, error)
	FindActivePartnerByAPIKeyHash(ctx context.Context, hash string) (*models.Partner, error)
	ListPartners(ctx context.Context) ([]*models.Partner, error)
	RotatePartnerSecret(ctx context.Context, id uuid.UUID, secret string, at time.Time) error
	RotatePartnerAPIKey(ctx context.Context, id uuid.UUID, hash string) error
	SetPartnerStatus(ctx context.Context, id uuid.UUID, status models.PartnerStatus) error
	TouchPartnerLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error

	// Course catalog operations
	UpsertCourse(ctx context.Context, course *models.PartnerCourse) error
	FindCourseByID(ctx context.Context, id uuid.UUID) (*models.PartnerCourse, error)
	FindCourseByExternalID(ctx context.Context, partnerID uuid.UUID, externalID string) (*models.PartnerCourse, error)
	ListCourses(ctx context.Context, partnerID uuid.UUID) ([]*models.PartnerCourse, error)

	// Purchase operations
	CreatePurchase(ctx context.Context, purchase *models.Purchase) error
	FindPurchaseByID(ctx context.Context, id uuid.UUID) (*models.Purchase, error)
	ListPurchasesByBuyer(ctx context.Context, sellerID uuid.UUID, buyerID string) ([]*models.Purchase, error)

	// Enrollment operations
	CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error
	FindEnrollmentByID(ctx context.Context, id uuid.UUID) (*models.Enrollment, error)
	FindActiveEnrollment(ctx context.Context, studentID string, courseID uuid.UUID) (*models.Enrollment, error)
	ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]*models.Enrollment, int64, error)
	UpdateEnrollmentIfVersion(ctx context.Context, enrollment *models.Enrollment, expectedVersion int64) (bool, error)
	ListDueCertificates(ctx context.Context, now time.Time, limit int) ([]*models.Enrollment, error)
	ReleaseStaleCertificateClaims(ctx context.Context, claimedBefore time.Time) (int64, error)

	// Change event operations
	CreateChangeEvent(ctx context.Context, event *models.PartnerChangeEvent) error
	FindChangeEventByID(ctx context.Context, id uuid.UUID) (*models.PartnerChangeEvent, error)
	ListChangeEvents(ctx context.Context, filter ChangeEventFilter) ([]*models.PartnerChangeEvent, error)
	MarkChangeEventReplayed(ctx context.Context, id uuid.UUID) (bool, error)
	PurgeExpiredChangeEvents(ctx context.Context, now time.Time) (int64, error)

	// Webhook receipt operations
	FindReceipt(ctx context.Context, key string) (*models.WebhookReceipt, error)
	CreateReceipt(ctx context.Context, receipt *models.WebhookReceipt) error
	PurgeReceiptsBefore(ctx context.Context, before time.Time) (int64, error)
}

// EnrollmentFilter narrows ListEnrollments. Zero values mean no constraint.
type EnrollmentFilter struct {
	SellerID  uuid.UUID
	StudentID string
	CourseID  uuid.UUID
	Status    models.EnrollmentStatus
	Limit     int
	Offset    int
}

// ChangeEventFilter narrows ListChangeEvents. Zero values mean no constraint.
type ChangeEventFilter struct {
	PartnerID      uuid.UUID
	EnrollmentID   uuid.UUID
	EventType      string
	DeliveryStatus models.DeliveryStatus
	Limit          int
	Offset         int
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// PageSize clamps a requested limit to the supported range
func PageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
