package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"example.com/eduwallet/services/partners/internal/credentials"
	"example.com/eduwallet/services/partners/internal/metrics"
	"example.com/eduwallet/services/partners/internal/models"
	"example.com/eduwallet/services/partners/internal/tracing"
	"example.com/eduwallet/services/partners/internal/webhooks"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultMaxBodyBytes = 1 << 20

// WebhookHandler terminates signed partner callbacks
type WebhookHandler struct {
	verifier     *credentials.Verifier
	processor    *webhooks.Processor
	metrics      *metrics.Metrics
	maxBodyBytes int64
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(verifier *credentials.Verifier, processor *webhooks.Processor, m *metrics.Metrics, maxBodyBytes int64) *WebhookHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &WebhookHandler{
		verifier:     verifier,
		processor:    processor,
		metrics:      m,
		maxBodyBytes: maxBodyBytes,
	}
}

// HandlePartnerWebhook verifies and applies one partner webhook. The raw body
// is read before decoding because the signature covers its exact bytes.
func (h *WebhookHandler) HandlePartnerWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
	if err != nil {
		h.metrics.IncrementCounter(metrics.WebhooksRejected)
		RespondError(c, errors.Wrap(models.ErrInvalidArgument, "request body too large or unreadable"))
		return
	}

	partner, err := h.verifier.VerifyWebhookSignature(ctx,
		c.GetHeader(credentials.HeaderPartnerID),
		c.GetHeader(credentials.HeaderTimestamp),
		body,
		c.GetHeader(credentials.HeaderSignature),
	)
	if err != nil {
		h.metrics.IncrementCounter(metrics.WebhooksRejected)
		log.Warn().Err(err).Str("partner_id", c.GetHeader(credentials.HeaderPartnerID)).Msg("Webhook authentication failed")
		RespondError(c, err)
		return
	}

	var ev webhooks.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		h.metrics.IncrementCounter(metrics.WebhooksRejected)
		RespondError(c, errors.Wrap(models.ErrInvalidArgument, "body is not a valid webhook event"))
		return
	}

	segment := tracing.StartSegment(ctx, "webhook-"+ev.EventType)
	res, err := h.processor.Handle(ctx, partner, ev)
	segment.End()
	if err != nil {
		RespondError(c, err)
		return
	}

	status := res.Status
	if res.Replayed {
		c.Header("Idempotent-Replayed", "true")
		status = http.StatusOK
	}
	if status == 0 {
		status = http.StatusOK
	}
	RespondOK(c, status, res.Data, res.Message)
}

// RegisterRoutes registers the handler's routes
func (h *WebhookHandler) RegisterRoutes(router gin.IRouter) {
	router.POST("/webhooks/partner", h.HandlePartnerWebhook)
}
