package certificates

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"example.com/eduwallet/services/partners/config"
	"example.com/eduwallet/services/partners/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPGatewayDisabled(t *testing.T) {
	require.Nil(t, NewHTTPGateway(config.CertificateConfig{Enabled: false, GatewayURL: "http://x"}))
	require.Nil(t, NewHTTPGateway(config.CertificateConfig{Enabled: true}))
}

func TestHTTPGatewayIssue(t *testing.T) {
	enrollmentID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/certificates", r.URL.Path)
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.Equal(t, enrollmentID.String(), r.Header.Get("Idempotency-Key"))

		var req IssueRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "S1", req.StudentID)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"certificateId":"cert-1"}`))
	}))
	defer srv.Close()

	gw := NewHTTPGateway(config.CertificateConfig{Enabled: true, GatewayURL: srv.URL + "/", APIKey: "key"})
	res, err := gw.Issue(context.Background(), IssueRequest{EnrollmentID: enrollmentID, StudentID: "S1"})
	require.NoError(t, err)
	require.Equal(t, "cert-1", res.CertificateID)
}

func TestHTTPGatewayFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(config.CertificateConfig{Enabled: true, GatewayURL: srv.URL})
	_, err := gw.Issue(context.Background(), IssueRequest{EnrollmentID: uuid.New()})
	require.ErrorIs(t, err, models.ErrGatewayFailure)
}
