package accesslink

import (
	"testing"
	"time"

	"example.com/eduwallet/services/partners/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	courseID := uuid.MustParse("6f1c2a7e-3b9d-4a51-9d7e-2f3c4b5a6d7e")

	tests := []struct {
		name    string
		domain  string
		course  models.PartnerCourse
		student string
		token   string
		want    string
	}{
		{
			name:    "external id segment",
			domain:  "partner.example",
			course:  models.PartnerCourse{ID: courseID, ExternalID: "partner-course-7"},
			student: "S1",
			want:    "https://partner.example/course/partner-course-7?student=S1",
		},
		{
			name:    "slug preferred over external id",
			domain:  "partner.example",
			course:  models.PartnerCourse{ID: courseID, ExternalID: "7", Slug: "intro-go"},
			student: "S1",
			want:    "https://partner.example/course/intro-go?student=S1",
		},
		{
			name:    "internal id fallback",
			domain:  "partner.example",
			course:  models.PartnerCourse{ID: courseID},
			student: "S1",
			want:    "https://partner.example/course/" + courseID.String() + "?student=S1",
		},
		{
			name:    "localhost uses http",
			domain:  "localhost:3000",
			course:  models.PartnerCourse{ID: courseID, ExternalID: "c1"},
			student: "S1",
			want:    "http://localhost:3000/course/c1?student=S1",
		},
		{
			name:    "scheme and trailing slash stripped",
			domain:  "https://partner.example/",
			course:  models.PartnerCourse{ID: courseID, ExternalID: "c1"},
			student: "S1",
			want:    "https://partner.example/course/c1?student=S1",
		},
		{
			name:    "reserved characters escaped",
			domain:  "partner.example",
			course:  models.PartnerCourse{ID: courseID, Slug: "go basics/1"},
			student: "a b&c=d",
			token:   "t+k/=",
			want:    "https://partner.example/course/go%20basics%2F1?student=a+b%26c%3Dd&reg=t%2Bk%2F%3D",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			partner := &models.Partner{Domain: tt.domain}
			course := tt.course

			got, err := Build(partner, &course, tt.student, tt.token)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)

			again, err := Build(partner, &course, tt.student, tt.token)
			require.NoError(t, err)
			require.Equal(t, got, again)
		})
	}
}

func TestBuildIgnoresTitle(t *testing.T) {
	partner := &models.Partner{Domain: "partner.example"}
	course := &models.PartnerCourse{ID: uuid.New(), ExternalID: "c1", Title: "Old title"}

	before, err := Build(partner, course, "S1", "")
	require.NoError(t, err)

	course.Title = "New title"
	after, err := Build(partner, course, "S1", "")
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestBuildRejectsMissingInputs(t *testing.T) {
	course := &models.PartnerCourse{ID: uuid.New()}

	_, err := Build(&models.Partner{Domain: ""}, course, "S1", "")
	require.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = Build(&models.Partner{Domain: "partner.example"}, course, "", "")
	require.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = Build(nil, course, "S1", "")
	require.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestRegistrationTokenRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer("eduwallet", time.Hour)
	issuer.now = func() time.Time { return now }

	partner := &models.Partner{ID: uuid.New(), Secret: "shared"}
	enrollment := &models.Enrollment{ID: uuid.New(), CourseID: uuid.New(), StudentID: "S1"}

	token, err := issuer.Issue(partner, enrollment)
	require.NoError(t, err)

	claims, err := issuer.Verify(partner, token)
	require.NoError(t, err)
	require.Equal(t, "S1", claims.Subject)
	require.Equal(t, enrollment.ID.String(), claims.ID)
	require.Equal(t, enrollment.CourseID.String(), claims.CourseID)

	other := &models.Partner{ID: partner.ID, Secret: "different"}
	_, err = issuer.Verify(other, token)
	require.ErrorIs(t, err, models.ErrInvalidSignature)

	issuer.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, err = issuer.Verify(partner, token)
	require.ErrorIs(t, err, models.ErrInvalidSignature)
}
