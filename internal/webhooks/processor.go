// Package webhooks turns authenticated partner callbacks into ledger
// transitions. Every applied callback leaves a receipt keyed by its
// idempotency key so a redelivery gets the original answer back.
package webhooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/eduwallet/services/partners/internal/ledger"
	"example.com/eduwallet/services/partners/internal/metrics"
	"example.com/eduwallet/services/partners/internal/models"
	"example.com/eduwallet/services/partners/internal/repositories"
	"example.com/eduwallet/services/partners/internal/services"
	"example.com/eduwallet/services/partners/internal/validation"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Inbound intents
const (
	EventEnrollmentRequest = "enrollment_request"
	EventProgressUpdate    = "progress_update"
	EventCourseCompleted   = "course_completed"
)

const (
	defaultScore = 100.0
	defaultGrade = "A"
)

// Event is the inbound webhook body
type Event struct {
	EventType         string                 `json:"eventType" validate:"required,oneof=enrollment_request progress_update course_completed"`
	StudentID         string                 `json:"studentId" validate:"required,max=255"`
	CourseID          string                 `json:"courseId" validate:"required,max=255"`
	EnrollmentID      string                 `json:"enrollmentId,omitempty" validate:"omitempty,uuid"`
	ProgressPercent   *int                   `json:"progressPercent,omitempty"`
	WatchedSeconds    *int64                 `json:"watchedSeconds,omitempty"`
	Score             *float64               `json:"score,omitempty"`
	Grade             string                 `json:"grade,omitempty" validate:"max=16"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	EventID           string                 `json:"eventId,omitempty" validate:"max=255"`
	CourseTitle       string                 `json:"courseTitle,omitempty" validate:"max=500"`
	RegistrationToken string                 `json:"registrationToken,omitempty" validate:"max=2048"`
}

// Result is the outcome returned to the partner
type Result struct {
	Status   int                    `json:"-"`
	Replayed bool                   `json:"-"`
	Noop     bool                   `json:"-"`
	Message  string                 `json:"message,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// Processor applies inbound partner webhooks to the ledger
type Processor struct {
	ledger  *ledger.Ledger
	store   repositories.Store
	catalog *services.Catalog
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Processor
type Option func(*Processor)

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a webhook processor
func NewProcessor(l *ledger.Ledger, catalog *services.Catalog, opts ...Option) *Processor {
	p := &Processor{
		ledger:  l,
		store:   l.Store(),
		catalog: catalog,
		metrics: metrics.NewMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var errReceiptExists = errors.New("webhook receipt already recorded")

// Handle processes one authenticated webhook from partner
func (p *Processor) Handle(ctx context.Context, partner *models.Partner, ev Event) (*Result, error) {
	start := p.now()
	defer p.metrics.Since(metrics.TimerWebhookProcessing, start)
	p.metrics.IncrementCounter(metrics.WebhooksReceived)

	ev.StudentID = strings.TrimSpace(ev.StudentID)
	ev.CourseID = strings.TrimSpace(ev.CourseID)
	if err := p.validate(ev); err != nil {
		p.metrics.IncrementCounter(metrics.WebhooksRejected)
		return nil, err
	}

	key := IdempotencyKey(partner.ID, ev)
	if res, ok, err := p.replay(ctx, key); err != nil || ok {
		return res, err
	}

	var (
		res *Result
		err error
	)
	switch ev.EventType {
	case EventEnrollmentRequest:
		res, err = p.enroll(ctx, partner, ev, key)
	case EventProgressUpdate:
		res, err = p.progress(ctx, partner, ev, key)
	case EventCourseCompleted:
		res, err = p.complete(ctx, partner, ev, key)
	}

	if errors.Is(err, errReceiptExists) || errors.Is(err, models.ErrDuplicateEnrollment) {
		// A concurrent delivery of the same payload won the race
		if replayed, ok, rerr := p.replay(ctx, key); rerr == nil && ok {
			return replayed, nil
		}
		if errors.Is(err, errReceiptExists) {
			return nil, errors.Wrap(models.ErrConcurrentUpdate, "duplicate webhook in flight")
		}
	}
	if err != nil {
		if !errors.Is(err, models.ErrInvalidTransition) {
			p.metrics.IncrementCounter(metrics.WebhooksRejected)
		}
		return nil, err
	}

	log.Info().
		Str("partner_id", partner.ID.String()).
		Str("event_type", ev.EventType).
		Str("student_id", ev.StudentID).
		Str("course_id", ev.CourseID).
		Bool("noop", res.Noop).
		Msg("Partner webhook processed")

	return res, nil
}

func (p *Processor) validate(ev Event) error {
	if err := validation.ValidateStruct(ev); err != nil {
		return err
	}
	if ev.EventType == EventProgressUpdate && ev.ProgressPercent == nil {
		return errors.Wrap(models.ErrInvalidArgument, "progressPercent is required")
	}
	if ev.ProgressPercent != nil && (*ev.ProgressPercent < 0 || *ev.ProgressPercent > 100) {
		return errors.Wrap(models.ErrInvalidArgument, "progressPercent must be between 0 and 100")
	}
	if ev.WatchedSeconds != nil && *ev.WatchedSeconds < 0 {
		return errors.Wrap(models.ErrInvalidArgument, "watchedSeconds must not be negative")
	}
	if ev.Score != nil && (*ev.Score < 0 || *ev.Score > 100) {
		return errors.Wrap(models.ErrInvalidArgument, "score must be between 0 and 100")
	}
	return nil
}

func (p *Processor) replay(ctx context.Context, key string) (*Result, bool, error) {
	receipt, err := p.store.FindReceipt(ctx, key)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	p.metrics.IncrementCounter(metrics.WebhooksReplayed)
	log.Debug().Str("partner_id", receipt.PartnerID.String()).Str("event_type", receipt.EventType).Msg("Replaying webhook receipt")

	res := &Result{Status: receipt.ResponseStatus, Replayed: true, Data: map[string]interface{}(receipt.Response.Clone())}
	if msg, ok := receipt.Response["message"].(string); ok {
		res.Message = msg
		delete(res.Data, "message")
	}
	return res, true, nil
}

// receiptHook builds the response from the committed enrollment and records
// it as a receipt in the same transaction
func (p *Processor) receiptHook(partner *models.Partner, ev Event, key string, status int, message string, out **Result) ledger.TxHook {
	return func(ctx context.Context, tx repositories.Store, e *models.Enrollment) error {
		res := &Result{Status: status, Message: message, Data: responseData(e)}

		stored := models.JSONMap(res.Data).Clone()
		if stored == nil {
			stored = models.JSONMap{}
		}
		stored["message"] = message
		id := e.ID
		err := tx.CreateReceipt(ctx, &models.WebhookReceipt{
			Key:            key,
			CreatedAt:      p.now(),
			PartnerID:      partner.ID,
			EventType:      ev.EventType,
			EnrollmentID:   &id,
			ResponseStatus: status,
			Response:       stored,
		})
		if repositories.IsDuplicateKey(err) {
			return errReceiptExists
		}
		if err != nil {
			return err
		}
		*out = res
		return nil
	}
}

func (p *Processor) enroll(ctx context.Context, partner *models.Partner, ev Event, key string) (*Result, error) {
	course, err := p.catalog.EnsureCourse(ctx, nil, partner.ID, ev.CourseID, ev.CourseTitle)
	if err != nil {
		return nil, err
	}

	purchase := &models.Purchase{
		ID:          uuid.New(),
		CourseID:    course.ID,
		BuyerID:     ev.StudentID,
		SellerID:    partner.ID,
		Price:       course.Price,
		PurchasedAt: p.now(),
		Status:      models.PurchaseCompleted,
	}

	var res *Result
	_, err = p.ledger.CreateFromPurchase(ctx, ledger.CreateInput{
		Partner:           partner,
		Course:            course,
		Purchase:          purchase,
		RegistrationToken: ev.RegistrationToken,
		Metadata:          ev.Metadata,
		Direction:         models.DirectionInbound,
		Hook:              p.receiptHook(partner, ev, key, http.StatusCreated, "Enrollment created", &res),
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Processor) progress(ctx context.Context, partner *models.Partner, ev Event, key string) (*Result, error) {
	enrollment, err := p.resolveEnrollment(ctx, partner, ev)
	if err != nil {
		return nil, err
	}

	var delta int64
	if ev.WatchedSeconds != nil {
		delta = *ev.WatchedSeconds
	}

	var res *Result
	_, err = p.ledger.ApplyProgress(ctx, ledger.ProgressInput{
		EnrollmentID:    enrollment.ID,
		ProgressPercent: *ev.ProgressPercent,
		DeltaSeconds:    delta,
		Metadata:        ev.Metadata,
		Direction:       models.DirectionInbound,
		Hook:            p.receiptHook(partner, ev, key, http.StatusOK, "Progress recorded", &res),
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Processor) complete(ctx context.Context, partner *models.Partner, ev Event, key string) (*Result, error) {
	enrollment, err := p.resolveEnrollment(ctx, partner, ev)
	if err != nil {
		return nil, err
	}

	score, grade := ev.Score, ev.Grade
	if score == nil && grade == "" {
		full := defaultScore
		score, grade = &full, defaultGrade
	}

	var res *Result
	updated, err := p.ledger.ApplyCompletion(ctx, ledger.CompletionInput{
		EnrollmentID: enrollment.ID,
		Score:        score,
		Grade:        grade,
		Metadata:     ev.Metadata,
		Direction:    models.DirectionInbound,
		Hook:         p.receiptHook(partner, ev, key, http.StatusOK, "Completion recorded", &res),
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &Result{Status: http.StatusOK, Noop: true, Message: "Enrollment already completed", Data: responseData(updated)}, nil
	}
	// Certificate issuance runs after the receipt commits
	res.Data = responseData(updated)
	return res, nil
}

// resolveEnrollment finds the target of a progress or completion callback,
// by explicit id when supplied or by the active (student, course) pair
func (p *Processor) resolveEnrollment(ctx context.Context, partner *models.Partner, ev Event) (*models.Enrollment, error) {
	if ev.EnrollmentID != "" {
		id, err := uuid.Parse(ev.EnrollmentID)
		if err != nil {
			return nil, errors.Wrap(models.ErrInvalidArgument, "enrollmentId is not a valid id")
		}
		enrollment, err := p.store.FindEnrollmentByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if enrollment.SellerID != partner.ID {
			return nil, errors.Wrapf(models.ErrNotFound, "enrollment %s", id)
		}
		if enrollment.StudentID != ev.StudentID {
			return nil, errors.Wrap(models.ErrInvalidArgument, "enrollment belongs to a different student")
		}
		return enrollment, nil
	}

	course, err := p.store.FindCourseByExternalID(ctx, partner.ID, ev.CourseID)
	if err != nil {
		return nil, err
	}
	return p.store.FindActiveEnrollment(ctx, ev.StudentID, course.ID)
}

func responseData(e *models.Enrollment) map[string]interface{} {
	if e == nil {
		return nil
	}
	data := map[string]interface{}{
		"enrollmentId":      e.ID.String(),
		"status":            string(e.Status),
		"progressPercent":   e.ProgressPercent,
		"accessLink":        e.AccessLink,
		"certificateStatus": string(e.CertificateStatus),
	}
	if e.CertificateID != "" {
		data["certificateId"] = e.CertificateID
	}
	return data
}

// IdempotencyKey derives the dedup key of a webhook: a sha256 over the
// partner, intent, student, course and enrollment plus a discriminator. The
// discriminator is the partner's eventId when present; progress updates
// without one use the reported progress and watched seconds.
func IdempotencyKey(partnerID uuid.UUID, ev Event) string {
	discriminator := strings.TrimSpace(ev.EventID)
	if discriminator == "" && ev.EventType == EventProgressUpdate {
		var pct int
		var watched int64
		if ev.ProgressPercent != nil {
			pct = *ev.ProgressPercent
		}
		if ev.WatchedSeconds != nil {
			watched = *ev.WatchedSeconds
		}
		discriminator = strconv.Itoa(pct) + ":" + strconv.FormatInt(watched, 10)
	}

	parts := []string{
		partnerID.String(),
		ev.EventType,
		strings.TrimSpace(ev.StudentID),
		strings.TrimSpace(ev.CourseID),
		strings.TrimSpace(ev.EnrollmentID),
		discriminator,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
