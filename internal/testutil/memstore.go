// Package testutil provides an in-memory repositories.Store and fixtures for
// unit tests that do not need PostgreSQL.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"example.com/eduwallet/services/partners/internal/models"
	"example.com/eduwallet/services/partners/internal/repositories"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type memData struct {
	partners     map[uuid.UUID]models.Partner
	courses      map[uuid.UUID]models.PartnerCourse
	purchases    map[uuid.UUID]models.Purchase
	enrollments  map[uuid.UUID]models.Enrollment
	changeEvents map[uuid.UUID]models.PartnerChangeEvent
	receipts     map[string]models.WebhookReceipt
}

func newMemData() *memData {
	return &memData{
		partners:     map[uuid.UUID]models.Partner{},
		courses:      map[uuid.UUID]models.PartnerCourse{},
		purchases:    map[uuid.UUID]models.Purchase{},
		enrollments:  map[uuid.UUID]models.Enrollment{},
		changeEvents: map[uuid.UUID]models.PartnerChangeEvent{},
		receipts:     map[string]models.WebhookReceipt{},
	}
}

func (d *memData) clone() *memData {
	out := newMemData()
	for k, v := range d.partners {
		out.partners[k] = v
	}
	for k, v := range d.courses {
		out.courses[k] = v
	}
	for k, v := range d.purchases {
		out.purchases[k] = v
	}
	for k, v := range d.enrollments {
		out.enrollments[k] = cloneEnrollment(v)
	}
	for k, v := range d.changeEvents {
		out.changeEvents[k] = v
	}
	for k, v := range d.receipts {
		out.receipts[k] = v
	}
	return out
}

func cloneEnrollment(e models.Enrollment) models.Enrollment {
	e.Metadata = e.Metadata.Clone()
	return e
}

// MemStore is a goroutine-safe in-memory repositories.Store. Transactions are
// serialized and rolled back by restoring a snapshot.
type MemStore struct {
	txMu sync.Mutex
	mu   sync.Mutex
	data *memData

	// BeforeEnrollmentUpdate, when set, runs before each versioned update and
	// may mutate the stored row to simulate a concurrent writer.
	BeforeEnrollmentUpdate func(stored *models.Enrollment)

	now func() time.Time
}

// NewMemStore creates an empty store
func NewMemStore() *MemStore {
	return &MemStore{data: newMemData(), now: time.Now}
}

var _ repositories.Store = (*MemStore)(nil)

// WithTransaction serializes fn against other transactions and restores the
// previous state if fn fails.
func (s *MemStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := fn(ctx, &memTx{s}); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// memTx is the store handed to transaction callbacks; nested transactions
// join the outer one.
type memTx struct {
	*MemStore
}

func (t *memTx) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Store) error) error {
	return fn(ctx, t)
}

func (s *MemStore) Ping(ctx context.Context) error {
	return nil
}

// Partner operations

func (s *MemStore) CreatePartner(ctx context.Context, partner *models.Partner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if partner.ID == uuid.Nil {
		partner.ID = uuid.New()
	}
	for _, p := range s.data.partners {
		if p.ID == partner.ID || p.APIKeyHash == partner.APIKeyHash {
			return repositories.ErrDuplicateKey
		}
	}
	now := s.now()
	partner.CreatedAt, partner.UpdatedAt = now, now
	if partner.Status == "" {
		partner.Status = models.PartnerActive
	}
	s.data.partners[partner.ID] = *partner
	return nil
}

func (s *MemStore) FindPartnerByID(ctx context.Context, id uuid.UUID) (*models.Partner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.data.partners[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "partner %s", id)
	}
	return &p, nil
}

func (s *MemStore) FindActivePartnerByAPIKeyHash(ctx context.Context, hash string) (*models.Partner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.data.partners {
		if p.APIKeyHash == hash && p.Status == models.PartnerActive {
			p := p
			return &p, nil
		}
	}
	return nil, errors.Wrap(models.ErrNotFound, "partner by api key")
}

func (s *MemStore) ListPartners(ctx context.Context) ([]*models.Partner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Partner, 0, len(s.data.partners))
	for _, p := range s.data.partners {
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) updatePartner(id uuid.UUID, fn func(p *models.Partner)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.data.partners[id]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "partner %s", id)
	}
	fn(&p)
	p.UpdatedAt = s.now()
	s.data.partners[id] = p
	return nil
}

func (s *MemStore) RotatePartnerSecret(ctx context.Context, id uuid.UUID, secret string, at time.Time) error {
	return s.updatePartner(id, func(p *models.Partner) {
		p.Secret = secret
		p.SecretRotatedAt = &at
	})
}

func (s *MemStore) RotatePartnerAPIKey(ctx context.Context, id uuid.UUID, hash string) error {
	return s.updatePartner(id, func(p *models.Partner) { p.APIKeyHash = hash })
}

func (s *MemStore) SetPartnerStatus(ctx context.Context, id uuid.UUID, status models.PartnerStatus) error {
	return s.updatePartner(id, func(p *models.Partner) { p.Status = status })
}

func (s *MemStore) TouchPartnerLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.updatePartner(id, func(p *models.Partner) {
		p.LastUsedAt = &at
		p.RequestCount++
	})
}

// Course catalog operations

func (s *MemStore) UpsertCourse(ctx context.Context, course *models.PartnerCourse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, c := range s.data.courses {
		if c.PartnerID == course.PartnerID && c.ExternalID == course.ExternalID {
			c.Slug = course.Slug
			c.Title = course.Title
			c.Price = course.Price
			c.Published = course.Published
			c.URLTemplate = course.URLTemplate
			c.UpdatedAt = now
			s.data.courses[id] = c
			*course = c
			return nil
		}
	}
	if course.ID == uuid.Nil {
		course.ID = uuid.New()
	}
	course.CreatedAt, course.UpdatedAt = now, now
	s.data.courses[course.ID] = *course
	return nil
}

func (s *MemStore) FindCourseByID(ctx context.Context, id uuid.UUID) (*models.PartnerCourse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.data.courses[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "course %s", id)
	}
	return &c, nil
}

func (s *MemStore) FindCourseByExternalID(ctx context.Context, partnerID uuid.UUID, externalID string) (*models.PartnerCourse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.data.courses {
		if c.PartnerID == partnerID && c.ExternalID == externalID {
			c := c
			return &c, nil
		}
	}
	return nil, errors.Wrapf(models.ErrNotFound, "course %s", externalID)
}

func (s *MemStore) ListCourses(ctx context.Context, partnerID uuid.UUID) ([]*models.PartnerCourse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.PartnerCourse
	for _, c := range s.data.courses {
		if c.PartnerID == partnerID {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

// Purchase operations

func (s *MemStore) CreatePurchase(ctx context.Context, purchase *models.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if purchase.ID == uuid.Nil {
		purchase.ID = uuid.New()
	}
	if _, exists := s.data.purchases[purchase.ID]; exists {
		return repositories.ErrDuplicateKey
	}
	now := s.now()
	purchase.CreatedAt, purchase.UpdatedAt = now, now
	s.data.purchases[purchase.ID] = *purchase
	return nil
}

func (s *MemStore) FindPurchaseByID(ctx context.Context, id uuid.UUID) (*models.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.data.purchases[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "purchase %s", id)
	}
	return &p, nil
}

func (s *MemStore) ListPurchasesByBuyer(ctx context.Context, sellerID uuid.UUID, buyerID string) ([]*models.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Purchase
	for _, p := range s.data.purchases {
		if p.SellerID == sellerID && p.BuyerID == buyerID {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PurchasedAt.After(out[j].PurchasedAt) })
	return out, nil
}

// Enrollment operations

func (s *MemStore) CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if enrollment.ID == uuid.Nil {
		enrollment.ID = uuid.New()
	}
	for _, e := range s.data.enrollments {
		if e.ID == enrollment.ID {
			return repositories.ErrDuplicateKey
		}
		if e.StudentID == enrollment.StudentID && e.CourseID == enrollment.CourseID &&
			e.Status != models.EnrollmentRevoked && enrollment.Status != models.EnrollmentRevoked {
			return repositories.ErrDuplicateKey
		}
	}
	now := s.now()
	enrollment.CreatedAt, enrollment.UpdatedAt = now, now
	if enrollment.CertificateStatus == "" {
		enrollment.CertificateStatus = models.CertificateNone
	}
	s.data.enrollments[enrollment.ID] = cloneEnrollment(*enrollment)
	return nil
}

func (s *MemStore) FindEnrollmentByID(ctx context.Context, id uuid.UUID) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data.enrollments[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "enrollment %s", id)
	}
	e = cloneEnrollment(e)
	return &e, nil
}

func (s *MemStore) FindActiveEnrollment(ctx context.Context, studentID string, courseID uuid.UUID) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.data.enrollments {
		if e.StudentID == studentID && e.CourseID == courseID && e.Status != models.EnrollmentRevoked {
			e = cloneEnrollment(e)
			return &e, nil
		}
	}
	return nil, errors.Wrap(models.ErrNotFound, "active enrollment")
}

func (s *MemStore) ListEnrollments(ctx context.Context, filter repositories.EnrollmentFilter) ([]*models.Enrollment, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Enrollment
	for _, e := range s.data.enrollments {
		if filter.SellerID != uuid.Nil && e.SellerID != filter.SellerID {
			continue
		}
		if filter.StudentID != "" && e.StudentID != filter.StudentID {
			continue
		}
		if filter.CourseID != uuid.Nil && e.CourseID != filter.CourseID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		e = cloneEnrollment(e)
		matched = append(matched, &e)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	return page(matched, filter.Offset, filter.Limit), total, nil
}

func (s *MemStore) UpdateEnrollmentIfVersion(ctx context.Context, enrollment *models.Enrollment, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.data.enrollments[enrollment.ID]
	if !ok {
		return false, nil
	}
	if s.BeforeEnrollmentUpdate != nil {
		s.BeforeEnrollmentUpdate(&stored)
		s.data.enrollments[enrollment.ID] = stored
	}
	if stored.Version != expectedVersion {
		return false, nil
	}

	enrollment.Version = expectedVersion + 1
	enrollment.CreatedAt = stored.CreatedAt
	enrollment.UpdatedAt = s.now()
	s.data.enrollments[enrollment.ID] = cloneEnrollment(*enrollment)
	return true, nil
}

func (s *MemStore) ListDueCertificates(ctx context.Context, now time.Time, limit int) ([]*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Enrollment
	for _, e := range s.data.enrollments {
		if e.Status != models.EnrollmentCompleted || e.CertificateStatus != models.CertificatePending {
			continue
		}
		if e.CertificateNextRetryAt != nil && e.CertificateNextRetryAt.After(now) {
			continue
		}
		e = cloneEnrollment(e)
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return page(out, 0, limit), nil
}

func (s *MemStore) ReleaseStaleCertificateClaims(ctx context.Context, claimedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released int64
	for id, e := range s.data.enrollments {
		if e.CertificateStatus == models.CertificateIssuing && e.CertificateClaimedAt != nil && e.CertificateClaimedAt.Before(claimedBefore) {
			e.CertificateStatus = models.CertificatePending
			e.CertificateClaimedAt = nil
			e.Version++
			s.data.enrollments[id] = e
			released++
		}
	}
	return released, nil
}

// Change event operations

func (s *MemStore) CreateChangeEvent(ctx context.Context, event *models.PartnerChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if _, exists := s.data.changeEvents[event.ID]; exists {
		return repositories.ErrDuplicateKey
	}
	now := s.now()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now
	s.data.changeEvents[event.ID] = *event
	return nil
}

func (s *MemStore) FindChangeEventByID(ctx context.Context, id uuid.UUID) (*models.PartnerChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data.changeEvents[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "change event %s", id)
	}
	return &e, nil
}

func (s *MemStore) ListChangeEvents(ctx context.Context, filter repositories.ChangeEventFilter) ([]*models.PartnerChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.PartnerChangeEvent
	for _, e := range s.data.changeEvents {
		if filter.PartnerID != uuid.Nil && e.PartnerID != filter.PartnerID {
			continue
		}
		if filter.EnrollmentID != uuid.Nil && (e.EnrollmentID == nil || *e.EnrollmentID != filter.EnrollmentID) {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if filter.DeliveryStatus != "" && e.DeliveryStatus != filter.DeliveryStatus {
			continue
		}
		e := e
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter.Offset, filter.Limit), nil
}

func (s *MemStore) MarkChangeEventReplayed(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data.changeEvents[id]
	if !ok || e.DeliveryStatus != models.DeliveryFailed {
		return false, nil
	}
	e.DeliveryStatus = models.DeliveryReplayed
	e.UpdatedAt = s.now()
	s.data.changeEvents[id] = e
	return true, nil
}

func (s *MemStore) PurgeExpiredChangeEvents(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for id, e := range s.data.changeEvents {
		if e.ExpiresAt.Before(now) {
			delete(s.data.changeEvents, id)
			purged++
		}
	}
	return purged, nil
}

// Webhook receipt operations

func (s *MemStore) FindReceipt(ctx context.Context, key string) (*models.WebhookReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data.receipts[key]
	if !ok {
		return nil, errors.Wrap(models.ErrNotFound, "webhook receipt")
	}
	return &r, nil
}

func (s *MemStore) CreateReceipt(ctx context.Context, receipt *models.WebhookReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.receipts[receipt.Key]; exists {
		return repositories.ErrDuplicateKey
	}
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = s.now()
	}
	s.data.receipts[receipt.Key] = *receipt
	return nil
}

func (s *MemStore) PurgeReceiptsBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for key, r := range s.data.receipts {
		if r.CreatedAt.Before(before) {
			delete(s.data.receipts, key)
			purged++
		}
	}
	return purged, nil
}

// Counts returns the number of stored rows per table, for assertions
func (s *MemStore) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]int{
		"partners":      len(s.data.partners),
		"courses":       len(s.data.courses),
		"purchases":     len(s.data.purchases),
		"enrollments":   len(s.data.enrollments),
		"change_events": len(s.data.changeEvents),
		"receipts":      len(s.data.receipts),
	}
}

func page[T any](items []T, offset, limit int) []T {
	limit = repositories.PageSize(limit)
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
