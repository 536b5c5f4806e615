// Package certificates is the boundary to the external certificate issuance
// service. Issuance is an opaque call with a pass or fail result.
package certificates

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"example.com/eduwallet/services/partners/config"
	"example.com/eduwallet/services/partners/internal/models"

	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
)

// IssueRequest describes a completed enrollment to certify
type IssueRequest struct {
	EnrollmentID uuid.UUID  `json:"enrollmentId"`
	StudentID    string     `json:"studentId"`
	CourseID     uuid.UUID  `json:"courseId"`
	CourseTitle  string     `json:"courseTitle"`
	PartnerID    uuid.UUID  `json:"partnerId"`
	Score        *float64   `json:"score,omitempty"`
	Grade        string     `json:"grade,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// IssueResult is the gateway's answer on success
type IssueResult struct {
	CertificateID string `json:"certificateId"`
}

// Gateway issues certificates
type Gateway interface {
	Issue(ctx context.Context, req IssueRequest) (*IssueResult, error)
}

// RequestFromEnrollment builds the issuance request for e
func RequestFromEnrollment(e *models.Enrollment) IssueRequest {
	return IssueRequest{
		EnrollmentID: e.ID,
		StudentID:    e.StudentID,
		CourseID:     e.CourseID,
		CourseTitle:  e.CourseTitle,
		PartnerID:    e.SellerID,
		Score:        e.Score,
		Grade:        e.Grade,
		CompletedAt:  e.CompletedAt,
	}
}

// HTTPGateway calls the issuance service over HTTP
type HTTPGateway struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPGateway returns nil when issuance is disabled so callers can skip
// certificate tracking entirely.
func NewHTTPGateway(cfg config.CertificateConfig) Gateway {
	if !cfg.Enabled || cfg.GatewayURL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPGateway{
		url:    strings.TrimRight(cfg.GatewayURL, "/"),
		apiKey: cfg.APIKey,
		client: &http.Client{
			Timeout:   timeout,
			Transport: newrelic.NewRoundTripper(http.DefaultTransport),
		},
	}
}

// Issue posts the request. The enrollment id doubles as the idempotency key so
// a retried call after a lost response cannot mint twice on the gateway side.
func (g *HTTPGateway) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal issuance request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url+"/certificates", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build issuance request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.EnrollmentID.String())
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(models.ErrGatewayFailure, err.Error())
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Wrap(models.ErrGatewayFailure, fmt.Sprintf("gateway returned %d", resp.StatusCode))
	}

	var result IssueResult
	if err := json.Unmarshal(payload, &result); err != nil || result.CertificateID == "" {
		return nil, errors.Wrap(models.ErrGatewayFailure, "gateway response has no certificate id")
	}
	return &result, nil
}
