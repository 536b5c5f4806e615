// Package accesslink builds the URL a student follows to resume a partner
// hosted course. Creation and repair both go through Build so a link can
// always be re-derived byte for byte from stored state.
package accesslink

import (
	"net/url"
	"strings"

	"example.com/eduwallet/services/partners/internal/models"

	"github.com/pkg/errors"
)

// Build returns scheme://domain/course/{segment}?student={id}[&reg={token}].
// The path segment is the course slug, falling back to the partner's external
// id and then the internal id.
func Build(partner *models.Partner, course *models.PartnerCourse, studentID, resumeToken string) (string, error) {
	if partner == nil || course == nil {
		return "", errors.Wrap(models.ErrInvalidArgument, "partner and course are required")
	}
	domain := NormalizeDomain(partner.Domain)
	if domain == "" {
		return "", errors.Wrap(models.ErrInvalidArgument, "partner domain is empty")
	}
	if studentID == "" {
		return "", errors.Wrap(models.ErrInvalidArgument, "student id is empty")
	}

	var b strings.Builder
	b.WriteString(Scheme(domain))
	b.WriteString("://")
	b.WriteString(domain)
	b.WriteString("/course/")
	b.WriteString(url.PathEscape(segment(course)))
	b.WriteString("?student=")
	b.WriteString(url.QueryEscape(studentID))
	if resumeToken != "" {
		b.WriteString("&reg=")
		b.WriteString(url.QueryEscape(resumeToken))
	}
	return b.String(), nil
}

func segment(course *models.PartnerCourse) string {
	switch {
	case course.Slug != "":
		return course.Slug
	case course.ExternalID != "":
		return course.ExternalID
	default:
		return course.ID.String()
	}
}

// Scheme is http for local development domains and https otherwise
func Scheme(domain string) string {
	if strings.HasPrefix(domain, "localhost") {
		return "http"
	}
	return "https"
}

// NormalizeDomain strips any scheme prefix, surrounding whitespace and
// trailing slashes from a registered partner domain.
func NormalizeDomain(domain string) string {
	domain = strings.TrimSpace(domain)
	if i := strings.Index(domain, "://"); i >= 0 {
		domain = domain[i+3:]
	}
	return strings.TrimRight(domain, "/")
}
