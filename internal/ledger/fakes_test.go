package ledger

import (
	"context"
	"sync"
	"sync/atomic"

	"example.com/eduwallet/services/partners/internal/certificates"
	"example.com/eduwallet/services/partners/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type fakeGateway struct {
	calls   int32
	failFor int32
	mu      sync.Mutex
	byID    map[uuid.UUID]int
}

func (g *fakeGateway) Issue(ctx context.Context, req certificates.IssueRequest) (*certificates.IssueResult, error) {
	n := atomic.AddInt32(&g.calls, 1)
	g.mu.Lock()
	if g.byID == nil {
		g.byID = map[uuid.UUID]int{}
	}
	g.byID[req.EnrollmentID]++
	g.mu.Unlock()

	if n <= atomic.LoadInt32(&g.failFor) {
		return nil, errors.Wrap(models.ErrGatewayFailure, "gateway unavailable")
	}
	return &certificates.IssueResult{CertificateID: "cert-" + req.EnrollmentID.String()}, nil
}

func (g *fakeGateway) Calls() int {
	return int(atomic.LoadInt32(&g.calls))
}

type notification struct {
	partnerID uuid.UUID
	eventType string
	payload   map[string]interface{}
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *fakeNotifier) Enqueue(ctx context.Context, partnerID uuid.UUID, eventType string, payload map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{partnerID: partnerID, eventType: eventType, payload: payload})
}

func (n *fakeNotifier) EventTypes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.eventType)
	}
	return out
}

type fakeIndexer struct {
	mu      sync.Mutex
	indexed []*models.PartnerChangeEvent
	err     error
}

func (i *fakeIndexer) IndexChangeEvent(ctx context.Context, event *models.PartnerChangeEvent) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.indexed = append(i.indexed, event)
	return i.err
}
