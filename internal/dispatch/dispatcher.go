// Package dispatch delivers signed notifications to partner webhook
// endpoints with bounded exponential backoff. Deliveries that exhaust their
// attempts are recorded as failed change events for operator replay.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"example.com/eduwallet/services/partners/config"
	"example.com/eduwallet/services/partners/internal/credentials"
	"example.com/eduwallet/services/partners/internal/metrics"
	"example.com/eduwallet/services/partners/internal/models"
	"example.com/eduwallet/services/partners/internal/repositories"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Notification is one pending outbound delivery. It is the Service Bus
// message body when a queue is configured.
type Notification struct {
	ID        uuid.UUID              `json:"id"`
	PartnerID uuid.UUID              `json:"partnerId"`
	EventType string                 `json:"eventType"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Envelope is the signed request body partners receive
type Envelope struct {
	EventType string                 `json:"eventType"`
	Data      map[string]interface{} `json:"data"`
	SentAt    string                 `json:"sentAt"`
}

// DeliveryResult reports the outcome of NotifyPartner
type DeliveryResult struct {
	Delivered  bool
	Cancelled  bool
	Skipped    bool
	Attempts   int
	StatusCode int
	Err        error
}

// Publisher hands a notification to a queue for a worker to deliver
type Publisher interface {
	SendMessage(ctx context.Context, body interface{}) error
}

// Indexer mirrors change events into the audit search index
type Indexer interface {
	IndexChangeEvent(ctx context.Context, event *models.PartnerChangeEvent) error
}

// Config tunes delivery
type Config struct {
	Timeout        time.Duration
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	ChangeEventTTL time.Duration
}

// ConfigFrom derives dispatcher settings from application config
func ConfigFrom(cfg config.Config) Config {
	return Config{
		Timeout:        cfg.Dispatch.Timeout,
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		BaseDelay:      cfg.Dispatch.BaseDelay,
		MaxDelay:       cfg.Dispatch.MaxDelay,
		ChangeEventTTL: cfg.Ledger.ChangeEventTTL,
	}
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.ChangeEventTTL <= 0 {
		c.ChangeEventTTL = 90 * 24 * time.Hour
	}
	return c
}

var (
	errPartnerInactive = errors.New("partner is inactive")
	errNoEndpoint      = errors.New("partner has no endpoint for event")
)

// Dispatcher delivers notifications
type Dispatcher struct {
	store     repositories.Store
	client    *http.Client
	publisher Publisher
	indexer   Indexer
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
	inflight  sync.WaitGroup
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithPublisher routes Enqueue through a queue instead of a goroutine
func WithPublisher(p Publisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

// WithIndexer sets the audit indexer for failed deliveries
func WithIndexer(i Indexer) Option {
	return func(d *Dispatcher) { d.indexer = i }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithHTTPClient overrides the HTTP client; its Timeout is replaced by the
// configured per-attempt timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a dispatcher
func New(store repositories.Store, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		metrics: metrics.NewMetrics(),
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = &http.Client{Transport: newrelic.NewRoundTripper(http.DefaultTransport)}
	}
	d.client.Timeout = d.cfg.Timeout
	return d
}

// Enqueue schedules a notification without blocking the caller
func (d *Dispatcher) Enqueue(ctx context.Context, partnerID uuid.UUID, eventType string, payload map[string]interface{}) {
	n := Notification{
		ID:        uuid.New(),
		PartnerID: partnerID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: d.now(),
	}

	if d.publisher != nil {
		err := d.publisher.SendMessage(ctx, n)
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("notification_id", n.ID.String()).Msg("Failed to queue notification, delivering in process")
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.NotifyPartner(context.Background(), n)
	}()
}

// Wait blocks until in-process deliveries have finished
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// HandleMessage delivers a queued notification. Delivery failures are
// recorded durably, so the message is always acknowledged.
func (d *Dispatcher) HandleMessage(ctx context.Context, body []byte) error {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		log.Error().Err(err).Msg("Dropping malformed notification message")
		return nil
	}
	d.NotifyPartner(ctx, n)
	return nil
}

// NotifyPartner delivers n, retrying transient failures. The partner is
// re-read before every attempt so deactivation cancels pending retries.
func (d *Dispatcher) NotifyPartner(ctx context.Context, n Notification) DeliveryResult {
	start := d.now()
	var result DeliveryResult

	operation := func() error {
		result.Attempts++
		d.metrics.IncrementCounter(metrics.DeliveryAttempts)

		partner, err := d.store.FindPartnerByID(ctx, n.PartnerID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return backoff.Permanent(errPartnerInactive)
			}
			return err
		}
		if !partner.Active() {
			return backoff.Permanent(errPartnerInactive)
		}

		endpoint := EndpointFor(partner, n.EventType)
		if endpoint == "" {
			return backoff.Permanent(errNoEndpoint)
		}

		status, err := d.post(ctx, partner, endpoint, n)
		result.StatusCode = status
		if err != nil {
			return err
		}
		switch {
		case status >= 200 && status < 300:
			return nil
		case status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests:
			return backoff.Permanent(errors.Wrapf(models.ErrUpstreamDeliveryFailure, "partner responded %d", status))
		default:
			return errors.Wrapf(models.ErrUpstreamDeliveryFailure, "partner responded %d", status)
		}
	}

	err := backoff.Retry(operation, d.policy(ctx))
	d.metrics.Since(metrics.TimerDelivery, start)

	logger := log.With().
		Str("notification_id", n.ID.String()).
		Str("partner_id", n.PartnerID.String()).
		Str("event_type", n.EventType).
		Int("attempts", result.Attempts).
		Logger()

	switch {
	case err == nil:
		result.Delivered = true
		d.metrics.IncrementCounter(metrics.DeliveriesSucceeded)
		d.metrics.RecordSuccess(metrics.ErrorRateDelivery)
		logger.Info().Msg("Partner notified")
	case errors.Is(err, errPartnerInactive):
		result.Cancelled = true
		logger.Info().Msg("Partner inactive, delivery cancelled")
	case errors.Is(err, errNoEndpoint):
		result.Skipped = true
		logger.Debug().Msg("Partner has no endpoint for event, skipping")
	default:
		result.Err = errors.Wrap(models.ErrUpstreamDeliveryFailure, err.Error())
		d.metrics.IncrementCounter(metrics.DeliveriesFailed)
		d.metrics.RecordError(metrics.ErrorRateDelivery)
		logger.Warn().Err(err).Msg("Partner delivery failed")
		d.recordFailure(ctx, n, result.Attempts, err)
	}
	return result
}

func (d *Dispatcher) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = d.cfg.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.cfg.MaxAttempts-1)), ctx)
}

func (d *Dispatcher) post(ctx context.Context, partner *models.Partner, endpoint string, n Notification) (int, error) {
	now := d.now()
	body, err := json.Marshal(Envelope{
		EventType: n.EventType,
		Data:      n.Payload,
		SentAt:    now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return 0, backoff.Permanent(errors.Wrap(err, "failed to marshal envelope"))
	}
	timestamp := credentials.FormatTimestamp(now)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(errors.Wrap(err, "failed to build delivery request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(credentials.HeaderPartnerID, partner.ID.String())
	req.Header.Set(credentials.HeaderTimestamp, timestamp)
	req.Header.Set(credentials.HeaderSignature, credentials.Sign(partner.Secret, timestamp, body))
	req.Header.Set("X-Event-Type", n.EventType)
	req.Header.Set("X-Notification-ID", n.ID.String())

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "delivery request failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, nil
}

// recordFailure persists an exhausted delivery as a failed change event
func (d *Dispatcher) recordFailure(ctx context.Context, n Notification, attempts int, cause error) {
	now := d.now()
	event := &models.PartnerChangeEvent{
		ID:             uuid.New(),
		CreatedAt:      now,
		PartnerID:      n.PartnerID,
		EnrollmentID:   enrollmentID(n.Payload),
		EventType:      n.EventType,
		Direction:      models.DirectionOutbound,
		Metadata:       models.JSONMap{"notificationId": n.ID.String(), "payload": n.Payload},
		DeliveryStatus: models.DeliveryFailed,
		Attempts:       attempts,
		LastError:      cause.Error(),
		ExpiresAt:      now.Add(d.cfg.ChangeEventTTL),
	}

	// The caller's context may already be done; the record must still land
	ctx = context.WithoutCancel(ctx)
	if err := d.store.CreateChangeEvent(ctx, event); err != nil {
		log.Error().Err(err).Str("notification_id", n.ID.String()).Msg("Failed to record failed delivery")
		return
	}
	if d.indexer != nil {
		if err := d.indexer.IndexChangeEvent(ctx, event); err != nil {
			log.Warn().Err(err).Str("change_event_id", event.ID.String()).Msg("Failed to index failed delivery")
		}
	}
}

// Replay re-sends the notification captured by a failed change event and
// marks the record replayed. A renewed failure produces a new failed record.
func (d *Dispatcher) Replay(ctx context.Context, changeEventID uuid.UUID) (DeliveryResult, error) {
	event, err := d.store.FindChangeEventByID(ctx, changeEventID)
	if err != nil {
		return DeliveryResult{}, err
	}
	if event.DeliveryStatus != models.DeliveryFailed {
		return DeliveryResult{}, errors.Wrapf(models.ErrInvalidTransition, "change event is %s", event.DeliveryStatus)
	}

	payload, _ := event.Metadata["payload"].(map[string]interface{})
	n := Notification{
		ID:        uuid.New(),
		PartnerID: event.PartnerID,
		EventType: event.EventType,
		Payload:   payload,
		CreatedAt: d.now(),
	}

	result := d.NotifyPartner(ctx, n)
	if _, err := d.store.MarkChangeEventReplayed(ctx, event.ID); err != nil {
		return result, err
	}
	return result, nil
}

// EndpointFor picks the partner endpoint registered for an event type
func EndpointFor(partner *models.Partner, eventType string) string {
	switch eventType {
	case "enrollment.completed", "certificate.issued", "certificate.failed":
		return partner.CompletionURL
	case "enrollment.created", "enrollment.access_link_updated":
		return partner.CourseAccessURL
	default:
		return partner.ProgressURL
	}
}

func enrollmentID(payload map[string]interface{}) *uuid.UUID {
	raw, ok := payload["enrollmentId"]
	if !ok {
		return nil
	}
	id, err := uuid.Parse(fmt.Sprint(raw))
	if err != nil {
		return nil
	}
	return &id
}
