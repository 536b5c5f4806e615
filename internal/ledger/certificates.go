package ledger

import (
	"context"
	"time"

	"example.com/eduwallet/services/partners/internal/certificates"
	"example.com/eduwallet/services/partners/internal/metrics"
	"example.com/eduwallet/services/partners/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const maxCertificateBackoff = 24 * time.Hour

// issueCertificate claims the pending certificate of a completed enrollment
// and calls the gateway exactly once for that claim. Only the caller whose
// pending→issuing swap succeeds talks to the gateway.
func (l *Ledger) issueCertificate(ctx context.Context, id uuid.UUID) (*models.Enrollment, error) {
	claimed, won, err := l.mutate(ctx, mutation{
		enrollmentID: id,
		silent:       true,
		decide: func(next *models.Enrollment) (decision, error) {
			if next.Status != models.EnrollmentCompleted || next.CertificateStatus != models.CertificatePending {
				return noop, nil
			}
			now := l.now()
			next.CertificateStatus = models.CertificateIssuing
			next.CertificateClaimedAt = &now
			return apply, nil
		},
	})
	if err != nil || !won {
		return claimed, err
	}

	start := l.now()
	result, issueErr := l.gateway.Issue(ctx, certificates.RequestFromEnrollment(claimed))
	l.metrics.Since(metrics.TimerCertificateIssue, start)
	l.metrics.RecordResult(metrics.ErrorRateGateway, issueErr)

	if issueErr == nil {
		return l.recordIssued(ctx, id, result.CertificateID)
	}
	recorded, err := l.recordIssueFailure(ctx, id, issueErr)
	if err != nil {
		return recorded, err
	}
	return recorded, errors.Wrap(issueErr, "certificate issuance")
}

func (l *Ledger) recordIssued(ctx context.Context, id uuid.UUID, certificateID string) (*models.Enrollment, error) {
	enrollment, changed, err := l.mutate(ctx, mutation{
		enrollmentID: id,
		eventType:    EventCertificateIssued,
		direction:    models.DirectionInternal,
		metadata:     map[string]interface{}{"certificateId": certificateID},
		notify:       true,
		decide: func(next *models.Enrollment) (decision, error) {
			if next.CertificateStatus != models.CertificateIssuing {
				return noop, nil
			}
			next.CertificateStatus = models.CertificateIssued
			next.CertificateID = certificateID
			next.CertificateAttempts++
			next.CertificateLastError = ""
			next.CertificateNextRetryAt = nil
			next.CertificateClaimedAt = nil
			return apply, nil
		},
	})
	if err == nil && changed {
		l.metrics.IncrementCounter(metrics.CertificatesIssued)
		log.Info().Str("enrollment_id", id.String()).Str("certificate_id", certificateID).Msg("Certificate issued")
	}
	return enrollment, err
}

func (l *Ledger) recordIssueFailure(ctx context.Context, id uuid.UUID, issueErr error) (*models.Enrollment, error) {
	var final bool
	enrollment, _, err := l.mutate(ctx, mutation{
		enrollmentID: id,
		eventType:    EventCertificateFailed,
		direction:    models.DirectionInternal,
		metadata:     map[string]interface{}{"error": issueErr.Error()},
		notify:       true,
		decide: func(next *models.Enrollment) (decision, error) {
			if next.CertificateStatus != models.CertificateIssuing {
				return noop, nil
			}
			next.CertificateAttempts++
			next.CertificateLastError = issueErr.Error()
			next.CertificateClaimedAt = nil
			if next.CertificateAttempts >= l.cfg.CertMaxAttempts {
				next.CertificateStatus = models.CertificateFailed
				next.CertificateNextRetryAt = nil
				final = true
				return apply, nil
			}
			retryAt := l.now().Add(l.certificateBackoff(next.CertificateAttempts))
			next.CertificateStatus = models.CertificatePending
			next.CertificateNextRetryAt = &retryAt
			return apply, nil
		},
	})
	if final {
		l.metrics.IncrementCounter(metrics.CertificatesFailed)
		log.Error().Err(issueErr).Str("enrollment_id", id.String()).Msg("Certificate issuance gave up after max attempts")
	}
	return enrollment, err
}

// certificateBackoff doubles the base delay per failed attempt
func (l *Ledger) certificateBackoff(attempts int) time.Duration {
	delay := l.cfg.CertRetryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxCertificateBackoff {
			return maxCertificateBackoff
		}
	}
	return delay
}

// RetryCertificates issues certificates whose retry time has come. It returns
// how many were issued and how many failed again.
func (l *Ledger) RetryCertificates(ctx context.Context, limit int) (issued int, failed int, err error) {
	if l.gateway == nil {
		return 0, 0, nil
	}

	due, err := l.store.ListDueCertificates(ctx, l.now(), limit)
	if err != nil {
		return 0, 0, err
	}

	for _, e := range due {
		if ctx.Err() != nil {
			return issued, failed, ctx.Err()
		}
		result, err := l.issueCertificate(ctx, e.ID)
		switch {
		case err != nil:
			failed++
			log.Warn().Err(err).Str("enrollment_id", e.ID.String()).Msg("Certificate retry failed")
		case result != nil && result.CertificateStatus == models.CertificateIssued:
			issued++
		}
	}
	return issued, failed, nil
}

// ReleaseStaleClaims returns certificates stuck in issuing for longer than
// olderThan to pending, so a crashed issuer does not strand them.
func (l *Ledger) ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error) {
	released, err := l.store.ReleaseStaleCertificateClaims(ctx, l.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if released > 0 {
		log.Warn().Int64("released", released).Msg("Released stale certificate claims")
	}
	return released, nil
}

// RequeueCertificate makes a permanently failed certificate eligible for
// issuance again.
func (l *Ledger) RequeueCertificate(ctx context.Context, id uuid.UUID) (*models.Enrollment, error) {
	enrollment, _, err := l.mutate(ctx, mutation{
		enrollmentID: id,
		silent:       true,
		decide: func(next *models.Enrollment) (decision, error) {
			if next.Status != models.EnrollmentCompleted || next.CertificateStatus != models.CertificateFailed {
				return noop, errors.Wrapf(models.ErrInvalidTransition, "certificate is %s", next.CertificateStatus)
			}
			next.CertificateStatus = models.CertificatePending
			next.CertificateAttempts = 0
			next.CertificateNextRetryAt = nil
			return apply, nil
		},
	})
	return enrollment, err
}
