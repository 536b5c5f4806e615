package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// PartnerStatus gates whether a partner's credentials authenticate
type PartnerStatus string

const (
	PartnerActive   PartnerStatus = "active"
	PartnerInactive PartnerStatus = "inactive"
)

// PurchaseStatus is the lifecycle of a purchase record
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseRefunded  PurchaseStatus = "refunded"
)

// EnrollmentStatus is the state of an enrollment in the ledger
type EnrollmentStatus string

const (
	EnrollmentInProgress EnrollmentStatus = "in_progress"
	EnrollmentCompleted  EnrollmentStatus = "completed"
	EnrollmentSuspended  EnrollmentStatus = "suspended"
	EnrollmentRevoked    EnrollmentStatus = "revoked"
)

// Terminal reports whether no further partner-driven transition is possible
func (s EnrollmentStatus) Terminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentRevoked
}

// CertificateStatus tracks issuance through the certificate gateway
type CertificateStatus string

const (
	CertificateNone    CertificateStatus = "none"
	CertificatePending CertificateStatus = "pending"
	CertificateIssuing CertificateStatus = "issuing"
	CertificateIssued  CertificateStatus = "issued"
	CertificateFailed  CertificateStatus = "failed"
)

// ChangeDirection says where a change event originated
type ChangeDirection string

const (
	DirectionInbound  ChangeDirection = "inbound"
	DirectionInternal ChangeDirection = "internal"
	DirectionOutbound ChangeDirection = "outbound"
)

// DeliveryStatus of a change event
type DeliveryStatus string

const (
	DeliveryRecorded  DeliveryStatus = "recorded"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryReplayed  DeliveryStatus = "replayed"
)

// Partner is an external learning site integrated via API key and webhooks
type Partner struct {
	ID                 uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt          time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
	Name               string        `gorm:"not null" json:"name"`
	Domain             string        `gorm:"not null" json:"domain"`
	Secret             string        `gorm:"not null" json:"-"`
	APIKeyHash         string        `gorm:"column:api_key_hash;not null;uniqueIndex" json:"-"`
	Status             PartnerStatus `gorm:"type:varchar(16);not null;default:'active';index" json:"status"`
	CourseAccessURL    string        `json:"course_access_url"`
	ProgressURL        string        `json:"progress_url"`
	CompletionURL      string        `json:"completion_url"`
	RateLimitPerMinute int           `gorm:"not null;default:0" json:"rate_limit_per_minute"`
	RequestCount       int64         `gorm:"not null;default:0" json:"request_count"`
	LastUsedAt         *time.Time    `json:"last_used_at"`
	SecretRotatedAt    *time.Time    `json:"secret_rotated_at"`
}

// Active reports whether the partner may authenticate
func (p *Partner) Active() bool {
	return p != nil && p.Status == PartnerActive
}

// PartnerCourse mirrors a course hosted on a partner site
type PartnerCourse struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	PartnerID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_partner_courses_external,priority:1" json:"partner_id"`
	ExternalID  string    `gorm:"not null;uniqueIndex:idx_partner_courses_external,priority:2" json:"external_id"`
	Slug        string    `json:"slug"`
	Title       string    `gorm:"not null" json:"title"`
	Price       int64     `gorm:"not null;default:0" json:"price"`
	Published   bool      `gorm:"not null" json:"published"`
	URLTemplate string    `json:"url_template"`
}

// Purchase records a student acquiring access to a course
type Purchase struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	CourseID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"course_id"`
	BuyerID     string         `gorm:"not null;index" json:"buyer_id"`
	SellerID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"seller_id"`
	Price       int64          `gorm:"not null;default:0" json:"price"`
	PurchasedAt time.Time      `gorm:"not null" json:"purchased_at"`
	Status      PurchaseStatus `gorm:"type:varchar(16);not null" json:"status"`
}

// Enrollment is the mutable state of one student's progress in one course
type Enrollment struct {
	ID                     uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt              time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
	StudentID              string            `gorm:"not null;index:idx_enrollments_active_pair,unique,where:status <> 'revoked';index:idx_enrollments_seller_student" json:"student_id"`
	CourseID               uuid.UUID         `gorm:"type:uuid;not null;index:idx_enrollments_active_pair,unique,where:status <> 'revoked'" json:"course_id"`
	PurchaseID             uuid.UUID         `gorm:"type:uuid;not null;index" json:"purchase_id"`
	SellerID               uuid.UUID         `gorm:"type:uuid;not null;index:idx_enrollments_seller_student" json:"seller_id"`
	CourseTitle            string            `json:"course_title"`
	AccessLink             string            `json:"access_link"`
	RegistrationToken      string            `json:"-"`
	ProgressPercent        int               `gorm:"not null;default:0" json:"progress_percent"`
	TimeSpentSeconds       int64             `gorm:"not null;default:0" json:"time_spent_seconds"`
	TotalPoints            int               `gorm:"not null;default:0" json:"total_points"`
	Score                  *float64          `json:"score,omitempty"`
	Grade                  string            `json:"grade,omitempty"`
	Status                 EnrollmentStatus  `gorm:"type:varchar(16);not null;index" json:"status"`
	StatusReason           string            `json:"status_reason,omitempty"`
	CompletedAt            *time.Time        `json:"completed_at,omitempty"`
	Metadata               JSONMap           `gorm:"type:jsonb" json:"metadata,omitempty"`
	Version                int64             `gorm:"not null;default:0" json:"version"`
	CertificateStatus      CertificateStatus `gorm:"type:varchar(16);not null;default:'none';index" json:"certificate_status"`
	CertificateID          string            `json:"certificate_id,omitempty"`
	CertificateAttempts    int               `gorm:"not null;default:0" json:"-"`
	CertificateNextRetryAt *time.Time        `gorm:"index" json:"-"`
	CertificateClaimedAt   *time.Time        `json:"-"`
	CertificateLastError   string            `json:"-"`
}

// PartnerChangeEvent is the audit trail of every state change destined for or
// originating from a partner
type PartnerChangeEvent struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	PartnerID      uuid.UUID       `gorm:"type:uuid;not null;index" json:"partner_id"`
	EnrollmentID   *uuid.UUID      `gorm:"type:uuid;index" json:"enrollment_id,omitempty"`
	EventType      string          `gorm:"not null;index" json:"event_type"`
	Direction      ChangeDirection `gorm:"type:varchar(16);not null" json:"direction"`
	Diff           JSONMap         `gorm:"type:jsonb" json:"diff,omitempty"`
	Metadata       JSONMap         `gorm:"type:jsonb" json:"metadata,omitempty"`
	DeliveryStatus DeliveryStatus  `gorm:"type:varchar(16);not null;index" json:"delivery_status"`
	Attempts       int             `gorm:"not null;default:0" json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
	ExpiresAt      time.Time       `gorm:"not null;index" json:"expires_at"`
}

// WebhookReceipt remembers the response given to an inbound webhook so that a
// redelivery with the same idempotency key gets the same answer
type WebhookReceipt struct {
	Key            string     `gorm:"primaryKey;size:64" json:"key"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	PartnerID      uuid.UUID  `gorm:"type:uuid;not null;index" json:"partner_id"`
	EventType      string     `gorm:"not null" json:"event_type"`
	EnrollmentID   *uuid.UUID `gorm:"type:uuid" json:"enrollment_id,omitempty"`
	ResponseStatus int        `gorm:"not null" json:"response_status"`
	Response       JSONMap    `gorm:"type:jsonb" json:"response"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Partner{},
		&PartnerCourse{},
		&Purchase{},
		&Enrollment{},
		&PartnerChangeEvent{},
		&WebhookReceipt{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
