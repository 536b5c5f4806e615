package ledger

import (
	"context"

	"example.com/eduwallet/services/partners/internal/accesslink"
	"example.com/eduwallet/services/partners/internal/metrics"
	"example.com/eduwallet/services/partners/internal/models"
	"example.com/eduwallet/services/partners/internal/repositories"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CreateInput creates an enrollment for a completed purchase
type CreateInput struct {
	Partner           *models.Partner
	Course            *models.PartnerCourse
	Purchase          *models.Purchase
	RegistrationToken string
	Metadata          map[string]interface{}
	Direction         models.ChangeDirection
	Hook              TxHook
}

// ProgressInput advances an in-progress enrollment
type ProgressInput struct {
	EnrollmentID    uuid.UUID
	ProgressPercent int
	DeltaSeconds    int64
	Metadata        map[string]interface{}
	Direction       models.ChangeDirection
	Hook            TxHook
}

// CompletionInput completes an enrollment
type CompletionInput struct {
	EnrollmentID uuid.UUID
	Score        *float64
	Grade        string
	Metadata     map[string]interface{}
	Direction    models.ChangeDirection
	Hook         TxHook
}

func directionOr(d, fallback models.ChangeDirection) models.ChangeDirection {
	if d == "" {
		return fallback
	}
	return d
}

// CreateFromPurchase persists the purchase if it is new and opens an
// in-progress enrollment with a freshly built access link.
func (l *Ledger) CreateFromPurchase(ctx context.Context, in CreateInput) (*models.Enrollment, error) {
	if in.Partner == nil || in.Course == nil || in.Purchase == nil {
		return nil, errors.Wrap(models.ErrInvalidArgument, "partner, course and purchase are required")
	}
	purchase := in.Purchase
	if purchase.Status != models.PurchaseCompleted {
		return nil, errors.Wrapf(models.ErrInvalidArgument, "purchase is %s, not completed", purchase.Status)
	}
	if purchase.BuyerID == "" {
		return nil, errors.Wrap(models.ErrInvalidArgument, "purchase has no buyer")
	}
	if purchase.CourseID != in.Course.ID || purchase.SellerID != in.Partner.ID {
		return nil, errors.Wrap(models.ErrInvalidArgument, "purchase does not match course and partner")
	}

	link, err := accesslink.Build(in.Partner, in.Course, purchase.BuyerID, in.RegistrationToken)
	if err != nil {
		return nil, err
	}

	enrollment := &models.Enrollment{
		ID:                uuid.New(),
		StudentID:         purchase.BuyerID,
		CourseID:          in.Course.ID,
		PurchaseID:        purchase.ID,
		SellerID:          in.Partner.ID,
		CourseTitle:       in.Course.Title,
		AccessLink:        link,
		RegistrationToken: in.RegistrationToken,
		Status:            models.EnrollmentInProgress,
		Metadata:          models.JSONMap(in.Metadata).Clone(),
		CertificateStatus: models.CertificateNone,
	}

	var event *models.PartnerChangeEvent
	err = l.store.WithTransaction(ctx, func(ctx context.Context, tx repositories.Store) error {
		existing, err := tx.FindActiveEnrollment(ctx, enrollment.StudentID, enrollment.CourseID)
		if err == nil {
			return errors.Wrapf(models.ErrDuplicateEnrollment, "enrollment %s already active", existing.ID)
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}

		if err := l.ensurePurchase(ctx, tx, purchase); err != nil {
			return err
		}
		enrollment.PurchaseID = purchase.ID

		if err := tx.CreateEnrollment(ctx, enrollment); err != nil {
			if repositories.IsDuplicateKey(err) {
				return errors.Wrap(models.ErrDuplicateEnrollment, "enrollment already active")
			}
			return err
		}

		event = l.newChangeEvent(enrollment, EventEnrollmentCreated, directionOr(in.Direction, models.DirectionInbound), creationDiff(enrollment), in.Metadata)
		if err := tx.CreateChangeEvent(ctx, event); err != nil {
			return err
		}
		if in.Hook != nil {
			return in.Hook(ctx, tx, enrollment)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.metrics.IncrementCounter(metrics.LedgerMutations)
	log.Info().
		Str("enrollment_id", enrollment.ID.String()).
		Str("partner_id", enrollment.SellerID.String()).
		Str("student_id", enrollment.StudentID).
		Msg("Enrollment created")

	l.afterCommit(ctx, event, enrollment, true)
	return enrollment, nil
}

// ensurePurchase inserts purchase unless a row with its id already exists.
// An existing row must itself be completed.
func (l *Ledger) ensurePurchase(ctx context.Context, tx repositories.Store, purchase *models.Purchase) error {
	if purchase.ID != uuid.Nil {
		stored, err := tx.FindPurchaseByID(ctx, purchase.ID)
		if err == nil {
			if stored.Status != models.PurchaseCompleted {
				return errors.Wrapf(models.ErrInvalidArgument, "purchase is %s, not completed", stored.Status)
			}
			return nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}
	}
	if purchase.PurchasedAt.IsZero() {
		purchase.PurchasedAt = l.now()
	}
	return tx.CreatePurchase(ctx, purchase)
}

// ApplyProgress records learner progress. Progress never decreases; an equal
// value is accepted so time spent and metadata still accumulate.
func (l *Ledger) ApplyProgress(ctx context.Context, in ProgressInput) (*models.Enrollment, error) {
	if in.ProgressPercent < 0 || in.ProgressPercent > 100 {
		return nil, errors.Wrapf(models.ErrInvalidArgument, "progress %d outside 0-100", in.ProgressPercent)
	}
	if in.DeltaSeconds < 0 {
		return nil, errors.Wrap(models.ErrInvalidArgument, "time spent delta is negative")
	}

	enrollment, _, err := l.mutate(ctx, mutation{
		enrollmentID: in.EnrollmentID,
		eventType:    EventProgressUpdated,
		direction:    directionOr(in.Direction, models.DirectionInbound),
		metadata:     in.Metadata,
		notify:       true,
		hook:         in.Hook,
		decide: func(next *models.Enrollment) (decision, error) {
			if next.Status != models.EnrollmentInProgress {
				return noop, errors.Wrapf(models.ErrInvalidTransition, "progress on %s enrollment", next.Status)
			}
			if in.ProgressPercent < next.ProgressPercent {
				return noop, errors.Wrapf(models.ErrInvalidTransition, "progress %d below current %d", in.ProgressPercent, next.ProgressPercent)
			}
			next.ProgressPercent = in.ProgressPercent
			next.TimeSpentSeconds += in.DeltaSeconds
			next.Metadata = next.Metadata.Merge(in.Metadata)
			return apply, nil
		},
	})
	return enrollment, err
}

// ApplyCompletion marks an enrollment completed and, when a certificate
// gateway is configured, issues the certificate once the completion has
// committed. A repeated completion returns the stored record unchanged.
func (l *Ledger) ApplyCompletion(ctx context.Context, in CompletionInput) (*models.Enrollment, error) {
	if in.Score != nil && (*in.Score < 0 || *in.Score > 100) {
		return nil, errors.Wrapf(models.ErrInvalidArgument, "score %v outside 0-100", *in.Score)
	}

	enrollment, changed, err := l.mutate(ctx, mutation{
		enrollmentID: in.EnrollmentID,
		eventType:    EventEnrollmentCompleted,
		direction:    directionOr(in.Direction, models.DirectionInbound),
		metadata:     in.Metadata,
		notify:       true,
		hook:         in.Hook,
		decide: func(next *models.Enrollment) (decision, error) {
			switch next.Status {
			case models.EnrollmentCompleted:
				return noop, nil
			case models.EnrollmentRevoked, models.EnrollmentSuspended:
				return noop, errors.Wrapf(models.ErrInvalidTransition, "completion on %s enrollment", next.Status)
			}

			now := l.now()
			next.Status = models.EnrollmentCompleted
			next.ProgressPercent = 100
			next.CompletedAt = &now
			next.Score = in.Score
			next.Grade = in.Grade
			next.Metadata = next.Metadata.Merge(in.Metadata)
			if l.gateway != nil {
				// The sweeper only picks this up if the inline issuance below
				// never gets to run.
				retryAt := now.Add(l.cfg.CertRetryBaseDelay)
				next.CertificateStatus = models.CertificatePending
				next.CertificateNextRetryAt = &retryAt
			}
			return apply, nil
		},
	})
	if err != nil || !changed || l.gateway == nil {
		return enrollment, err
	}

	issued, err := l.issueCertificate(context.WithoutCancel(ctx), enrollment.ID)
	if err != nil {
		log.Warn().Err(err).Str("enrollment_id", enrollment.ID.String()).Msg("Certificate issuance failed, retry scheduled")
	}
	if issued != nil {
		return issued, nil
	}
	return enrollment, nil
}

// Suspend pauses an in-progress enrollment
func (l *Ledger) Suspend(ctx context.Context, id uuid.UUID, reason string) (*models.Enrollment, error) {
	enrollment, _, err := l.mutate(ctx, mutation{
		enrollmentID: id,
		eventType:    EventEnrollmentSuspended,
		direction:    models.DirectionInternal,
		metadata:     reasonMetadata(reason),
		notify:       true,
		decide: func(next *models.Enrollment) (decision, error) {
			switch next.Status {
			case models.EnrollmentSuspended:
				return noop, nil
			case models.EnrollmentInProgress:
				next.Status = models.EnrollmentSuspended
				next.StatusReason = reason
				return apply, nil
			default:
				return noop, errors.Wrapf(models.ErrInvalidTransition, "suspend on %s enrollment", next.Status)
			}
		},
	})
	return enrollment, err
}

// Resume returns a suspended enrollment to in progress
func (l *Ledger) Resume(ctx context.Context, id uuid.UUID) (*models.Enrollment, error) {
	enrollment, _, err := l.mutate(ctx, mutation{
		enrollmentID: id,
		eventType:    EventEnrollmentResumed,
		direction:    models.DirectionInternal,
		notify:       true,
		decide: func(next *models.Enrollment) (decision, error) {
			switch next.Status {
			case models.EnrollmentInProgress:
				return noop, nil
			case models.EnrollmentSuspended:
				next.Status = models.EnrollmentInProgress
				next.StatusReason = ""
				return apply, nil
			default:
				return noop, errors.Wrapf(models.ErrInvalidTransition, "resume on %s enrollment", next.Status)
			}
		},
	})
	return enrollment, err
}

// Revoke is the administrative override; it applies from any state
func (l *Ledger) Revoke(ctx context.Context, id uuid.UUID, reason string) (*models.Enrollment, error) {
	enrollment, _, err := l.mutate(ctx, mutation{
		enrollmentID: id,
		eventType:    EventEnrollmentRevoked,
		direction:    models.DirectionInternal,
		metadata:     reasonMetadata(reason),
		notify:       true,
		decide: func(next *models.Enrollment) (decision, error) {
			if next.Status == models.EnrollmentRevoked {
				return noop, nil
			}
			next.Status = models.EnrollmentRevoked
			next.StatusReason = reason
			return apply, nil
		},
	})
	return enrollment, err
}

// RefreshAccessLink re-derives the access link from the stored partner,
// course and registration token. A non-nil token replaces the stored one.
// The bool reports whether the stored link changed.
func (l *Ledger) RefreshAccessLink(ctx context.Context, id uuid.UUID, token *string) (*models.Enrollment, bool, error) {
	current, err := l.store.FindEnrollmentByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	partner, err := l.store.FindPartnerByID(ctx, current.SellerID)
	if err != nil {
		return nil, false, err
	}
	course, err := l.store.FindCourseByID(ctx, current.CourseID)
	if err != nil {
		return nil, false, err
	}

	return l.mutate(ctx, mutation{
		enrollmentID: id,
		eventType:    EventAccessLinkUpdated,
		direction:    models.DirectionInternal,
		notify:       true,
		decide: func(next *models.Enrollment) (decision, error) {
			regToken := next.RegistrationToken
			if token != nil {
				regToken = *token
			}
			link, err := accesslink.Build(partner, course, next.StudentID, regToken)
			if err != nil {
				return noop, err
			}
			if link == next.AccessLink && regToken == next.RegistrationToken {
				return noop, nil
			}
			next.AccessLink = link
			next.RegistrationToken = regToken
			return apply, nil
		},
	})
}

// PreviewAccessLink returns the link Build would produce for the stored
// enrollment without writing anything.
func (l *Ledger) PreviewAccessLink(ctx context.Context, e *models.Enrollment) (string, error) {
	partner, err := l.store.FindPartnerByID(ctx, e.SellerID)
	if err != nil {
		return "", err
	}
	course, err := l.store.FindCourseByID(ctx, e.CourseID)
	if err != nil {
		return "", err
	}
	return accesslink.Build(partner, course, e.StudentID, e.RegistrationToken)
}

func reasonMetadata(reason string) map[string]interface{} {
	if reason == "" {
		return nil
	}
	return map[string]interface{}{"reason": reason}
}
