package ledger

import (
	"example.com/eduwallet/services/partners/internal/models"
)

// Change event types. Outbound notifications reuse them as eventType.
const (
	EventEnrollmentCreated   = "enrollment.created"
	EventProgressUpdated     = "enrollment.progress_updated"
	EventEnrollmentCompleted = "enrollment.completed"
	EventEnrollmentSuspended = "enrollment.suspended"
	EventEnrollmentResumed   = "enrollment.resumed"
	EventEnrollmentRevoked   = "enrollment.revoked"
	EventAccessLinkUpdated   = "enrollment.access_link_updated"
	EventCertificateIssued   = "certificate.issued"
	EventCertificateFailed   = "certificate.failed"
	EventDeliveryFailed      = "delivery.failed"
)

// diffEnrollment lists the partner-visible fields that differ between two
// versions of an enrollment.
func diffEnrollment(before, after *models.Enrollment) models.JSONMap {
	diff := models.JSONMap{}
	add := func(field string, from, to interface{}, differs bool) {
		if differs {
			diff[field] = map[string]interface{}{"from": from, "to": to}
		}
	}

	add("status", string(before.Status), string(after.Status), before.Status != after.Status)
	add("progressPercent", before.ProgressPercent, after.ProgressPercent, before.ProgressPercent != after.ProgressPercent)
	add("timeSpentSeconds", before.TimeSpentSeconds, after.TimeSpentSeconds, before.TimeSpentSeconds != after.TimeSpentSeconds)
	add("grade", before.Grade, after.Grade, before.Grade != after.Grade)
	add("score", floatOrNil(before.Score), floatOrNil(after.Score), !sameFloat(before.Score, after.Score))
	add("accessLink", before.AccessLink, after.AccessLink, before.AccessLink != after.AccessLink)
	add("certificateStatus", string(before.CertificateStatus), string(after.CertificateStatus), before.CertificateStatus != after.CertificateStatus)
	add("certificateId", before.CertificateID, after.CertificateID, before.CertificateID != after.CertificateID)
	add("statusReason", before.StatusReason, after.StatusReason, before.StatusReason != after.StatusReason)

	if len(diff) == 0 {
		return nil
	}
	return diff
}

// creationDiff describes a newly created enrollment
func creationDiff(e *models.Enrollment) models.JSONMap {
	return models.JSONMap{
		"status":          map[string]interface{}{"from": nil, "to": string(e.Status)},
		"progressPercent": map[string]interface{}{"from": nil, "to": e.ProgressPercent},
		"accessLink":      map[string]interface{}{"from": nil, "to": e.AccessLink},
		"purchaseId":      map[string]interface{}{"from": nil, "to": e.PurchaseID.String()},
	}
}

func floatOrNil(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
