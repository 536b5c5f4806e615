package repositories

import (
	"context"
	"time"

	"example.com/eduwallet/services/partners/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// gormStore implements Store on top of GORM and PostgreSQL
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a Store backed by the given connection pool
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// WithTransaction executes fn within a database transaction. Nested calls on a
// transactional store reuse the outer transaction.
func (s *gormStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &gormStore{db: tx})
	})
}

func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Partner operations

func (s *gormStore) CreatePartner(ctx context.Context, partner *models.Partner) error {
	if partner.ID == uuid.Nil {
		partner.ID = uuid.New()
	}
	if err := s.conn(ctx).Create(partner).Error; err != nil {
		return errors.Wrap(translateError(err), "failed to create partner")
	}
	return nil
}

func (s *gormStore) FindPartnerByID(ctx context.Context, id uuid.UUID) (*models.Partner, error) {
	var partner models.Partner
	if err := s.conn(ctx).Where("id = ?", id).First(&partner).Error; err != nil {
		return nil, errors.Wrapf(translateError(err), "partner %s", id)
	}
	return &partner, nil
}

func (s *gormStore) FindActivePartnerByAPIKeyHash(ctx context.Context, hash string) (*models.Partner, error) {
	var partner models.Partner
	err := s.conn(ctx).
		Where("api_key_hash = ? AND status = ?", hash, models.PartnerActive).
		First(&partner).Error
	if err != nil {
		return nil, errors.Wrap(translateError(err), "partner by api key")
	}
	return &partner, nil
}

func (s *gormStore) ListPartners(ctx context.Context) ([]*models.Partner, error) {
	var partners []*models.Partner
	if err := s.conn(ctx).Order("created_at ASC").Find(&partners).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list partners")
	}
	return partners, nil
}

func (s *gormStore) updatePartner(ctx context.Context, id uuid.UUID, values map[string]interface{}) error {
	res := s.conn(ctx).Model(&models.Partner{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return errors.Wrapf(translateError(res.Error), "failed to update partner %s", id)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(models.ErrNotFound, "partner %s", id)
	}
	return nil
}

func (s *gormStore) RotatePartnerSecret(ctx context.Context, id uuid.UUID, secret string, at time.Time) error {
	return s.updatePartner(ctx, id, map[string]interface{}{
		"secret":            secret,
		"secret_rotated_at": at,
	})
}

func (s *gormStore) RotatePartnerAPIKey(ctx context.Context, id uuid.UUID, hash string) error {
	return s.updatePartner(ctx, id, map[string]interface{}{"api_key_hash": hash})
}

func (s *gormStore) SetPartnerStatus(ctx context.Context, id uuid.UUID, status models.PartnerStatus) error {
	return s.updatePartner(ctx, id, map[string]interface{}{"status": status})
}

func (s *gormStore) TouchPartnerLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.conn(ctx).Model(&models.Partner{}).Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"last_used_at":  at,
			"request_count": gorm.Expr("request_count + 1"),
		}).Error
}

// Course catalog operations

func (s *gormStore) UpsertCourse(ctx context.Context, course *models.PartnerCourse) error {
	if course.ID == uuid.Nil {
		course.ID = uuid.New()
	}
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "partner_id"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"slug", "title", "price", "published", "url_template", "updated_at"}),
	}).Create(course).Error
	if err != nil {
		return errors.Wrap(translateError(err), "failed to upsert course")
	}

	// The conflicting row keeps its original id
	stored, err := s.FindCourseByExternalID(ctx, course.PartnerID, course.ExternalID)
	if err != nil {
		return err
	}
	*course = *stored
	return nil
}

func (s *gormStore) FindCourseByID(ctx context.Context, id uuid.UUID) (*models.PartnerCourse, error) {
	var course models.PartnerCourse
	if err := s.conn(ctx).Where("id = ?", id).First(&course).Error; err != nil {
		return nil, errors.Wrapf(translateError(err), "course %s", id)
	}
	return &course, nil
}

func (s *gormStore) FindCourseByExternalID(ctx context.Context, partnerID uuid.UUID, externalID string) (*models.PartnerCourse, error) {
	var course models.PartnerCourse
	err := s.conn(ctx).
		Where("partner_id = ? AND external_id = ?", partnerID, externalID).
		First(&course).Error
	if err != nil {
		return nil, errors.Wrapf(translateError(err), "course %s", externalID)
	}
	return &course, nil
}

func (s *gormStore) ListCourses(ctx context.Context, partnerID uuid.UUID) ([]*models.PartnerCourse, error) {
	var courses []*models.PartnerCourse
	err := s.conn(ctx).Where("partner_id = ?", partnerID).Order("title ASC").Find(&courses).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list courses")
	}
	return courses, nil
}

// Purchase operations

func (s *gormStore) CreatePurchase(ctx context.Context, purchase *models.Purchase) error {
	if purchase.ID == uuid.Nil {
		purchase.ID = uuid.New()
	}
	if err := s.conn(ctx).Create(purchase).Error; err != nil {
		return errors.Wrap(translateError(err), "failed to create purchase")
	}
	return nil
}

func (s *gormStore) FindPurchaseByID(ctx context.Context, id uuid.UUID) (*models.Purchase, error) {
	var purchase models.Purchase
	if err := s.conn(ctx).Where("id = ?", id).First(&purchase).Error; err != nil {
		return nil, errors.Wrapf(translateError(err), "purchase %s", id)
	}
	return &purchase, nil
}

func (s *gormStore) ListPurchasesByBuyer(ctx context.Context, sellerID uuid.UUID, buyerID string) ([]*models.Purchase, error) {
	var purchases []*models.Purchase
	err := s.conn(ctx).
		Where("seller_id = ? AND buyer_id = ?", sellerID, buyerID).
		Order("purchased_at DESC").
		Find(&purchases).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list purchases")
	}
	return purchases, nil
}

// Enrollment operations

func (s *gormStore) CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.ID == uuid.Nil {
		enrollment.ID = uuid.New()
	}
	if err := s.conn(ctx).Create(enrollment).Error; err != nil {
		return errors.Wrap(translateError(err), "failed to create enrollment")
	}
	return nil
}

func (s *gormStore) FindEnrollmentByID(ctx context.Context, id uuid.UUID) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	if err := s.conn(ctx).Where("id = ?", id).First(&enrollment).Error; err != nil {
		return nil, errors.Wrapf(translateError(err), "enrollment %s", id)
	}
	return &enrollment, nil
}

func (s *gormStore) FindActiveEnrollment(ctx context.Context, studentID string, courseID uuid.UUID) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	err := s.conn(ctx).
		Where("student_id = ? AND course_id = ? AND status <> ?", studentID, courseID, models.EnrollmentRevoked).
		First(&enrollment).Error
	if err != nil {
		return nil, errors.Wrap(translateError(err), "active enrollment")
	}
	return &enrollment, nil
}

func (s *gormStore) ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]*models.Enrollment, int64, error) {
	query := s.conn(ctx).Model(&models.Enrollment{})
	if filter.SellerID != uuid.Nil {
		query = query.Where("seller_id = ?", filter.SellerID)
	}
	if filter.StudentID != "" {
		query = query.Where("student_id = ?", filter.StudentID)
	}
	if filter.CourseID != uuid.Nil {
		query = query.Where("course_id = ?", filter.CourseID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "failed to count enrollments")
	}

	var enrollments []*models.Enrollment
	err := query.Order("created_at ASC").Order("id ASC").
		Limit(PageSize(filter.Limit)).Offset(filter.Offset).
		Find(&enrollments).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list enrollments")
	}
	return enrollments, total, nil
}

// UpdateEnrollmentIfVersion writes every column of enrollment only if the
// stored version still equals expectedVersion. On success the version is
// advanced in place; false means another writer got there first.
func (s *gormStore) UpdateEnrollmentIfVersion(ctx context.Context, enrollment *models.Enrollment, expectedVersion int64) (bool, error) {
	enrollment.Version = expectedVersion + 1
	res := s.conn(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND version = ?", enrollment.ID, expectedVersion).
		Select("*").Omit("id", "created_at").
		Updates(enrollment)
	if res.Error != nil {
		enrollment.Version = expectedVersion
		return false, errors.Wrap(translateError(res.Error), "failed to update enrollment")
	}
	if res.RowsAffected == 0 {
		enrollment.Version = expectedVersion
		return false, nil
	}
	return true, nil
}

func (s *gormStore) ListDueCertificates(ctx context.Context, now time.Time, limit int) ([]*models.Enrollment, error) {
	var enrollments []*models.Enrollment
	err := s.conn(ctx).
		Where("status = ? AND certificate_status = ?", models.EnrollmentCompleted, models.CertificatePending).
		Where("certificate_next_retry_at IS NULL OR certificate_next_retry_at <= ?", now).
		Order("completed_at ASC").
		Limit(PageSize(limit)).
		Find(&enrollments).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due certificates")
	}
	return enrollments, nil
}

func (s *gormStore) ReleaseStaleCertificateClaims(ctx context.Context, claimedBefore time.Time) (int64, error) {
	res := s.conn(ctx).Model(&models.Enrollment{}).
		Where("certificate_status = ? AND certificate_claimed_at < ?", models.CertificateIssuing, claimedBefore).
		UpdateColumns(map[string]interface{}{
			"certificate_status":     models.CertificatePending,
			"certificate_claimed_at": nil,
			"version":                gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "failed to release stale certificate claims")
	}
	return res.RowsAffected, nil
}

// Change event operations

func (s *gormStore) CreateChangeEvent(ctx context.Context, event *models.PartnerChangeEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if err := s.conn(ctx).Create(event).Error; err != nil {
		return errors.Wrap(translateError(err), "failed to create change event")
	}
	return nil
}

func (s *gormStore) FindChangeEventByID(ctx context.Context, id uuid.UUID) (*models.PartnerChangeEvent, error) {
	var event models.PartnerChangeEvent
	if err := s.conn(ctx).Where("id = ?", id).First(&event).Error; err != nil {
		return nil, errors.Wrapf(translateError(err), "change event %s", id)
	}
	return &event, nil
}

func (s *gormStore) ListChangeEvents(ctx context.Context, filter ChangeEventFilter) ([]*models.PartnerChangeEvent, error) {
	query := s.conn(ctx).Model(&models.PartnerChangeEvent{})
	if filter.PartnerID != uuid.Nil {
		query = query.Where("partner_id = ?", filter.PartnerID)
	}
	if filter.EnrollmentID != uuid.Nil {
		query = query.Where("enrollment_id = ?", filter.EnrollmentID)
	}
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}
	if filter.DeliveryStatus != "" {
		query = query.Where("delivery_status = ?", filter.DeliveryStatus)
	}

	var events []*models.PartnerChangeEvent
	err := query.Order("created_at DESC").
		Limit(PageSize(filter.Limit)).Offset(filter.Offset).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list change events")
	}
	return events, nil
}

// MarkChangeEventReplayed flips a failed record to replayed. It reports false
// when the record was not in the failed state.
func (s *gormStore) MarkChangeEventReplayed(ctx context.Context, id uuid.UUID) (bool, error) {
	res := s.conn(ctx).Model(&models.PartnerChangeEvent{}).
		Where("id = ? AND delivery_status = ?", id, models.DeliveryFailed).
		Update("delivery_status", models.DeliveryReplayed)
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "failed to mark change event replayed")
	}
	return res.RowsAffected > 0, nil
}

func (s *gormStore) PurgeExpiredChangeEvents(ctx context.Context, now time.Time) (int64, error) {
	res := s.conn(ctx).Where("expires_at < ?", now).Delete(&models.PartnerChangeEvent{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "failed to purge change events")
	}
	return res.RowsAffected, nil
}

// Webhook receipt operations

func (s *gormStore) FindReceipt(ctx context.Context, key string) (*models.WebhookReceipt, error) {
	var receipt models.WebhookReceipt
	if err := s.conn(ctx).Where("key = ?", key).First(&receipt).Error; err != nil {
		return nil, errors.Wrap(translateError(err), "webhook receipt")
	}
	return &receipt, nil
}

func (s *gormStore) CreateReceipt(ctx context.Context, receipt *models.WebhookReceipt) error {
	if err := s.conn(ctx).Create(receipt).Error; err != nil {
		return errors.Wrap(translateError(err), "failed to create webhook receipt")
	}
	return nil
}

func (s *gormStore) PurgeReceiptsBefore(ctx context.Context, before time.Time) (int64, error) {
	res := s.conn(ctx).Where("created_at < ?", before).Delete(&models.WebhookReceipt{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "failed to purge webhook receipts")
	}
	return res.RowsAffected, nil
}
