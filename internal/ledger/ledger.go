// Package ledger is the single authority over enrollment state. Every
// mutation is a versioned compare-and-swap on the enrollment row, recorded as
// a change event in the same transaction.
package ledger

import (
	"context"
	"time"

	"example.com/eduwallet/services/partners/config"
	"example.com/eduwallet/services/partners/internal/certificates"
	"example.com/eduwallet/services/partners/internal/metrics"
	"example.com/eduwallet/services/partners/internal/models"
	"example.com/eduwallet/services/partners/internal/repositories"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Notifier delivers a change to the owning partner. Implementations must not
// block the caller.
type Notifier interface {
	Enqueue(ctx context.Context, partnerID uuid.UUID, eventType string, payload map[string]interface{})
}

// Indexer mirrors change events into the audit search index
type Indexer interface {
	IndexChangeEvent(ctx context.Context, event *models.PartnerChangeEvent) error
}

// TxHook runs inside the mutation's transaction after the enrollment row has
// been written. Returning an error rolls the whole mutation back.
type TxHook func(ctx context.Context, tx repositories.Store, enrollment *models.Enrollment) error

// Config tunes the ledger
type Config struct {
	MaxCASRetries      int
	ChangeEventTTL     time.Duration
	CertRetryBaseDelay time.Duration
	CertMaxAttempts    int
}

// ConfigFrom derives ledger settings from application config
func ConfigFrom(cfg config.Config) Config {
	return Config{
		MaxCASRetries:      cfg.Ledger.MaxCASRetries,
		ChangeEventTTL:     cfg.Ledger.ChangeEventTTL,
		CertRetryBaseDelay: cfg.Certificates.RetryBaseDelay,
		CertMaxAttempts:    cfg.Certificates.MaxAttempts,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxCASRetries <= 0 {
		c.MaxCASRetries = 5
	}
	if c.ChangeEventTTL <= 0 {
		c.ChangeEventTTL = 90 * 24 * time.Hour
	}
	if c.CertRetryBaseDelay <= 0 {
		c.CertRetryBaseDelay = time.Minute
	}
	if c.CertMaxAttempts <= 0 {
		c.CertMaxAttempts = 8
	}
	return c
}

// Ledger applies enrollment transitions
type Ledger struct {
	store    repositories.Store
	gateway  certificates.Gateway
	notifier Notifier
	indexer  Indexer
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithGateway enables certificate issuance on completion
func WithGateway(g certificates.Gateway) Option {
	return func(l *Ledger) { l.gateway = g }
}

// WithNotifier sets the outbound notifier
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithIndexer sets the audit indexer
func WithIndexer(i Indexer) Option {
	return func(l *Ledger) { l.indexer = i }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithConfig overrides tuning parameters
func WithConfig(cfg Config) Option {
	return func(l *Ledger) { l.cfg = cfg.withDefaults() }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger over store
func New(store repositories.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		metrics: metrics.NewMetrics(),
		cfg:     Config{}.withDefaults(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store exposes the underlying store for read paths
func (l *Ledger) Store() repositories.Store {
	return l.store
}

// Get loads an enrollment
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*models.Enrollment, error) {
	return l.store.FindEnrollmentByID(ctx, id)
}

var errVersionConflict = errors.New("enrollment version conflict")

// decision is what a transition function concluded about the current row
type decision int

const (
	apply decision = iota
	noop
)

// mutation describes one attempt to move an enrollment forward
type mutation struct {
	enrollmentID uuid.UUID
	eventType    string
	direction    models.ChangeDirection
	metadata     map[string]interface{}
	notify       bool
	silent       bool
	hook         TxHook
	// decide edits next in place. It is re-run against a fresh row after a
	// version conflict.
	decide func(next *models.Enrollment) (decision, error)
}

// mutate runs m as a compare-and-swap loop. On success the returned bool
// reports whether the row changed.
func (l *Ledger) mutate(ctx context.Context, m mutation) (*models.Enrollment, bool, error) {
	for attempt := 0; attempt < l.cfg.MaxCASRetries; attempt++ {
		var (
			result  *models.Enrollment
			event   *models.PartnerChangeEvent
			changed bool
		)

		err := l.store.WithTransaction(ctx, func(ctx context.Context, tx repositories.Store) error {
			current, err := tx.FindEnrollmentByID(ctx, m.enrollmentID)
			if err != nil {
				return err
			}

			next := *current
			next.Metadata = current.Metadata.Clone()

			d, err := m.decide(&next)
			if err != nil {
				return err
			}
			if d == noop {
				result = current
				return nil
			}

			ok, err := tx.UpdateEnrollmentIfVersion(ctx, &next, current.Version)
			if err != nil {
				return err
			}
			if !ok {
				return errVersionConflict
			}

			if !m.silent {
				event = l.newChangeEvent(&next, m.eventType, m.direction, diffEnrollment(current, &next), m.metadata)
				if err := tx.CreateChangeEvent(ctx, event); err != nil {
					return err
				}
			}
			if m.hook != nil {
				if err := m.hook(ctx, tx, &next); err != nil {
					return err
				}
			}

			result = &next
			changed = true
			return nil
		})

		if errors.Is(err, errVersionConflict) {
			l.metrics.IncrementCounter(metrics.LedgerCASRetries)
			log.Debug().Str("enrollment_id", m.enrollmentID.String()).Int("attempt", attempt+1).Msg("Enrollment version conflict, retrying")
			continue
		}
		if err != nil {
			if errors.Is(err, models.ErrInvalidTransition) {
				l.metrics.IncrementCounter(metrics.LedgerNoops)
				log.Info().Err(err).Str("enrollment_id", m.enrollmentID.String()).Str("event_type", m.eventType).Msg("Ignoring invalid enrollment transition")
			}
			return nil, false, err
		}

		if changed {
			l.metrics.IncrementCounter(metrics.LedgerMutations)
			l.afterCommit(ctx, event, result, m.notify)
		}
		return result, changed, nil
	}

	return nil, false, errors.Wrapf(models.ErrConcurrentUpdate, "enrollment %s", m.enrollmentID)
}

// afterCommit publishes the committed change. Failures are logged only; the
// change event row is the durable record.
func (l *Ledger) afterCommit(ctx context.Context, event *models.PartnerChangeEvent, enrollment *models.Enrollment, notify bool) {
	if l.indexer != nil && event != nil {
		if err := l.indexer.IndexChangeEvent(ctx, event); err != nil {
			log.Warn().Err(err).Str("change_event_id", event.ID.String()).Msg("Failed to index change event")
		}
	}
	if notify && l.notifier != nil && event != nil {
		l.notifier.Enqueue(ctx, enrollment.SellerID, event.EventType, NotificationPayload(enrollment))
	}
}

func (l *Ledger) newChangeEvent(e *models.Enrollment, eventType string, direction models.ChangeDirection, diff, metadata map[string]interface{}) *models.PartnerChangeEvent {
	now := l.now()
	id := e.ID
	return &models.PartnerChangeEvent{
		ID:             uuid.New(),
		CreatedAt:      now,
		PartnerID:      e.SellerID,
		EnrollmentID:   &id,
		EventType:      eventType,
		Direction:      direction,
		Diff:           diff,
		Metadata:       models.JSONMap(metadata),
		DeliveryStatus: models.DeliveryRecorded,
		ExpiresAt:      now.Add(l.cfg.ChangeEventTTL),
	}
}

// NotificationPayload is the data section of outbound enrollment notifications
func NotificationPayload(e *models.Enrollment) map[string]interface{} {
	payload := map[string]interface{}{
		"enrollmentId":      e.ID.String(),
		"studentId":         e.StudentID,
		"courseId":          e.CourseID.String(),
		"status":            string(e.Status),
		"progressPercent":   e.ProgressPercent,
		"timeSpentSeconds":  e.TimeSpentSeconds,
		"accessLink":        e.AccessLink,
		"certificateStatus": string(e.CertificateStatus),
	}
	if e.Score != nil {
		payload["score"] = *e.Score
	}
	if e.Grade != "" {
		payload["grade"] = e.Grade
	}
	if e.CompletedAt != nil {
		payload["completedAt"] = e.CompletedAt.UTC().Format(time.RFC3339)
	}
	if e.CertificateID != "" {
		payload["certificateId"] = e.CertificateID
	}
	if e.StatusReason != "" {
		payload["reason"] = e.StatusReason
	}
	return payload
}

// PurgeExpired removes change events past their expiry and webhook receipts
// older than the change event lifetime.
func (l *Ledger) PurgeExpired(ctx context.Context) (events int64, receipts int64, err error) {
	now := l.now()
	events, err = l.store.PurgeExpiredChangeEvents(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	receipts, err = l.store.PurgeReceiptsBefore(ctx, now.Add(-l.cfg.ChangeEventTTL))
	if err != nil {
		return events, 0, err
	}
	return events, receipts, nil
}
