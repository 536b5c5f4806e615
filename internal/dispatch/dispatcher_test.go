package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"example.com/eduwallet/services/partners/internal/credentials"
	"example.com/eduwallet/services/partners/internal/models"
	"example.com/eduwallet/services/partners/internal/repositories"
	"example.com/eduwallet/services/partners/internal/testutil"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	path      string
	partnerID string
	timestamp string
	signature string
	body      []byte
}

type partnerServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []received
	status   atomic.Int32
	hits     atomic.Int32
}

func newPartnerServer(t *testing.T, status int) *partnerServer {
	t.Helper()
	s := &partnerServer{}
	s.status.Store(int32(status))
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.requests = append(s.requests, received{
			path:      r.URL.Path,
			partnerID: r.Header.Get(credentials.HeaderPartnerID),
			timestamp: r.Header.Get(credentials.HeaderTimestamp),
			signature: r.Header.Get(credentials.HeaderSignature),
			body:      body,
		})
		s.mu.Unlock()
		s.hits.Add(1)
		w.WriteHeader(int(s.status.Load()))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *partnerServer) last() received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func seedPartner(t *testing.T, store *testutil.MemStore, baseURL string) *models.Partner {
	t.Helper()
	partner := &models.Partner{
		ID:              uuid.New(),
		Name:            "Partner",
		Domain:          "partner.example",
		Secret:          "s3cret",
		APIKeyHash:      uuid.NewString(),
		Status:          models.PartnerActive,
		CourseAccessURL: baseURL + "/access",
		ProgressURL:     baseURL + "/progress",
		CompletionURL:   baseURL + "/completion",
	}
	require.NoError(t, store.CreatePartner(context.Background(), partner))
	return partner
}

func newDispatcher(store repositories.Store, opts ...Option) *Dispatcher {
	return New(store, Config{
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, opts...)
}

func notification(partnerID uuid.UUID, eventType string, enrollmentID uuid.UUID) Notification {
	return Notification{
		ID:        uuid.New(),
		PartnerID: partnerID,
		EventType: eventType,
		Payload:   map[string]interface{}{"enrollmentId": enrollmentID.String(), "progressPercent": float64(40)},
		CreatedAt: time.Now(),
	}
}

func failedEvents(t *testing.T, store repositories.Store, partnerID uuid.UUID) []*models.PartnerChangeEvent {
	t.Helper()
	events, err := store.ListChangeEvents(context.Background(), repositories.ChangeEventFilter{
		PartnerID:      partnerID,
		DeliveryStatus: models.DeliveryFailed,
	})
	require.NoError(t, err)
	return events
}

func TestNotifyPartnerDeliversSignedEnvelope(t *testing.T) {
	server := newPartnerServer(t, http.StatusOK)
	store := testutil.NewMemStore()
	partner := seedPartner(t, store, server.URL)
	d := newDispatcher(store)

	res := d.NotifyPartner(context.Background(), notification(partner.ID, "enrollment.progress_updated", uuid.New()))
	require.True(t, res.Delivered)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, http.StatusOK, res.StatusCode)

	got := server.last()
	assert.Equal(t, "/progress", got.path)
	assert.Equal(t, partner.ID.String(), got.partnerID)
	assert.True(t, credentials.Verify(partner.Secret, got.timestamp, got.body, got.signature))

	var envelope Envelope
	require.NoError(t, json.Unmarshal(got.body, &envelope))
	assert.Equal(t, "enrollment.progress_updated", envelope.EventType)
	assert.Equal(t, float64(40), envelope.Data["progressPercent"])
	assert.NotEmpty(t, envelope.SentAt)
}

func TestNotifyPartnerRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	store := testutil.NewMemStore()
	partner := seedPartner(t, store, server.URL)
	d := newDispatcher(store)

	res := d.NotifyPartner(context.Background(), notification(partner.ID, "enrollment.completed", uuid.New()))
	require.True(t, res.Delivered)
	require.Equal(t, 3, res.Attempts)
	require.Empty(t, failedEvents(t, store, partner.ID))
}

func TestNotifyPartnerTreatsClientErrorsAsPermanent(t *testing.T) {
	server := newPartnerServer(t, http.StatusBadRequest)
	store := testutil.NewMemStore()
	partner := seedPartner(t, store, server.URL)
	d := newDispatcher(store)

	res := d.NotifyPartner(context.Background(), notification(partner.ID, "enrollment.completed", uuid.New()))
	require.False(t, res.Delivered)
	require.Equal(t, 1, res.Attempts)
	require.True(t, errors.Is(res.Err, models.ErrUpstreamDeliveryFailure))
	require.Len(t, failedEvents(t, store, partner.ID), 1)
}

func TestNotifyPartnerRetriesRateLimitResponses(t *testing.T) {
	server := newPartnerServer(t, http.StatusTooManyRequests)
	store := testutil.NewMemStore()
	partner := seedPartner(t, store, server.URL)
	d := newDispatcher(store)

	res := d.NotifyPartner(context.Background(), notification(partner.ID, "enrollment.created", uuid.New()))
	require.False(t, res.Delivered)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, int32(3), server.hits.Load())
}

func TestExhaustedDeliveryIsRecordedAndReplayable(t *testing.T) {
	server := newPartnerServer(t, http.StatusInternalServerError)
	store := testutil.NewMemStore()
	partner := seedPartner(t, store, server.URL)
	d := newDispatcher(store)
	enrollmentID := uuid.New()

	res := d.NotifyPartner(context.Background(), notification(partner.ID, "enrollment.suspended", enrollmentID))
	require.False(t, res.Delivered)
	require.Equal(t, 3, res.Attempts)

	failed := failedEvents(t, store, partner.ID)
	require.Len(t, failed, 1)
	event := failed[0]
	assert.Equal(t, models.DirectionOutbound, event.Direction)
	assert.Equal(t, "enrollment.suspended", event.EventType)
	assert.Equal(t, 3, event.Attempts)
	assert.Contains(t, event.LastError, "500")
	require.NotNil(t, event.EnrollmentID)
	assert.Equal(t, enrollmentID, *event.EnrollmentID)

	server.status.Store(http.StatusOK)
	replayed, err := d.Replay(context.Background(), event.ID)
	require.NoError(t, err)
	require.True(t, replayed.Delivered)

	stored, err := store.FindChangeEventByID(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryReplayed, stored.DeliveryStatus)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(server.last().body, &envelope))
	assert.Equal(t, enrollmentID.String(), envelope.Data["enrollmentId"])

	_, err = d.Replay(context.Background(), event.ID)
	require.True(t, errors.Is(err, models.ErrInvalidTransition))
}

func TestInactivePartnerCancelsDelivery(t *testing.T) {
	server := newPartnerServer(t, http.StatusOK)
	store := testutil.NewMemStore()
	partner := seedPartner(t, store, server.URL)
	require.NoError(t, store.SetPartnerStatus(context.Background(), partner.ID, models.PartnerInactive))
	d := newDispatcher(store)

	res := d.NotifyPartner(context.Background(), notification(partner.ID, "enrollment.completed", uuid.New()))
	require.True(t, res.Cancelled)
	require.False(t, res.Delivered)
	require.Zero(t, server.hits.Load())
	require.Empty(t, failedEvents(t, store, partner.ID))
}

func TestMissingEndpointSkipsDelivery(t *testing.T) {
	store := testutil.NewMemStore()
	bare := &models.Partner{ID: uuid.New(), Secret: "x", APIKeyHash: uuid.NewString(), Status: models.PartnerActive}
	require.NoError(t, store.CreatePartner(context.Background(), bare))
	d := newDispatcher(store)

	res := d.NotifyPartner(context.Background(), Notification{PartnerID: bare.ID, EventType: "enrollment.completed"})
	require.True(t, res.Skipped)
	require.False(t, res.Delivered)
	require.Equal(t, 1, res.Attempts)
	require.Empty(t, failedEvents(t, store, bare.ID))
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (p *fakePublisher) SendMessage(ctx context.Context, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, body.(Notification))
	return nil
}

func TestEnqueuePublishesAndWorkerDelivers(t *testing.T) {
	server := newPartnerServer(t, http.StatusOK)
	store := testutil.NewMemStore()
	partner := seedPartner(t, store, server.URL)
	publisher := &fakePublisher{}
	d := newDispatcher(store, WithPublisher(publisher))

	d.Enqueue(context.Background(), partner.ID, "certificate.issued", map[string]interface{}{"certificateId": "cert-1"})
	d.Wait()
	require.Len(t, publisher.sent, 1)
	require.Zero(t, server.hits.Load())

	body, err := json.Marshal(publisher.sent[0])
	require.NoError(t, err)
	require.NoError(t, d.HandleMessage(context.Background(), body))
	require.Equal(t, int32(1), server.hits.Load())
	assert.Equal(t, "/completion", server.last().path)

	require.NoError(t, d.HandleMessage(context.Background(), []byte("{not json")))
}

func TestEnqueueFallsBackToInProcessDelivery(t *testing.T) {
	server := newPartnerServer(t, http.StatusOK)
	store := testutil.NewMemStore()
	partner := seedPartner(t, store, server.URL)
	d := newDispatcher(store, WithPublisher(&fakePublisher{err: errors.New("queue down")}))

	d.Enqueue(context.Background(), partner.ID, "enrollment.access_link_updated", map[string]interface{}{"accessLink": "https://x"})
	d.Wait()
	require.Equal(t, int32(1), server.hits.Load())
	assert.Equal(t, "/access", server.last().path)
}

func TestEndpointFor(t *testing.T) {
	partner := &models.Partner{CourseAccessURL: "a", ProgressURL: "p", CompletionURL: "c"}
	tests := []struct {
		eventType string
		want      string
	}{
		{"enrollment.created", "a"},
		{"enrollment.access_link_updated", "a"},
		{"enrollment.progress_updated", "p"},
		{"enrollment.suspended", "p"},
		{"enrollment.resumed", "p"},
		{"enrollment.revoked", "p"},
		{"enrollment.completed", "c"},
		{"certificate.issued", "c"},
		{"certificate.failed", "c"},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, EndpointFor(partner, tt.eventType))
		})
	}
}
