package handlers

import (
	"net/http"
	"time"

	"example.com/eduwallet/services/partners/internal/dispatch"
	"example.com/eduwallet/services/partners/internal/ledger"
	"example.com/eduwallet/services/partners/internal/models"
	"example.com/eduwallet/services/partners/internal/repositories"
	"example.com/eduwallet/services/partners/internal/search"
	"example.com/eduwallet/services/partners/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// AdminHandler serves operator endpoints: partner lifecycle, enrollment
// overrides and change event inspection
type AdminHandler struct {
	registry   *services.Registry
	ledger     *ledger.Ledger
	store      repositories.Store
	dispatcher *dispatch.Dispatcher
	elastic    *search.ElasticClient
}

// NewAdminHandler creates a new admin handler. elastic may be nil when
// search is disabled.
func NewAdminHandler(registry *services.Registry, l *ledger.Ledger, dispatcher *dispatch.Dispatcher, elastic *search.ElasticClient) *AdminHandler {
	return &AdminHandler{
		registry:   registry,
		ledger:     l,
		store:      l.Store(),
		dispatcher: dispatcher,
		elastic:    elastic,
	}
}

// ReasonRequest carries an operator supplied reason
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// ReplayResponse reports the outcome of a delivery replay
type ReplayResponse struct {
	Delivered  bool   `json:"delivered"`
	Cancelled  bool   `json:"cancelled"`
	Attempts   int    `json:"attempts"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

// HandleOnboardPartner creates a partner and returns its credentials once
func (h *AdminHandler) HandleOnboardPartner(c *gin.Context) {
	var req services.OnboardInput
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, errors.Wrap(models.ErrInvalidArgument, "invalid request body"))
		return
	}
	creds, err := h.registry.Onboard(c.Request.Context(), req)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, http.StatusCreated, creds, "Partner onboarded")
}

// HandleListPartners lists all partners
func (h *AdminHandler) HandleListPartners(c *gin.Context) {
	partners, err := h.registry.List(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	if partners == nil {
		partners = []*models.Partner{}
	}
	RespondOK(c, http.StatusOK, partners, "")
}

// HandleGetPartner returns one partner
func (h *AdminHandler) HandleGetPartner(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		RespondError(c, err)
		return
	}
	partner, err := h.registry.Get(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, http.StatusOK, partner, "")
}

func (h *AdminHandler) partnerAction(action func(*gin.Context, uuid.UUID) (interface{}, error), message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c, "id")
		if err != nil {
			RespondError(c, err)
			return
		}
		out, err := action(c, id)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, http.StatusOK, out, message)
	}
}

func (h *AdminHandler) enrollmentAction(action func(c *gin.Context, id uuid.UUID, reason string) (*models.Enrollment, error), message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c, "id")
		if err != nil {
			RespondError(c, err)
			return
		}
		var req ReasonRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				RespondError(c, errors.Wrap(models.ErrInvalidArgument, "invalid request body"))
				return
			}
		}
		enrollment, err := action(c, id, req.Reason)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondOK(c, http.StatusOK, enrollment, message)
	}
}

// HandleListChangeEvents pages through change events in the database
func (h *AdminHandler) HandleListChangeEvents(c *gin.Context) {
	partnerID, err := queryID(c, "partnerId")
	if err != nil {
		RespondError(c, err)
		return
	}
	enrollmentID, err := queryID(c, "enrollmentId")
	if err != nil {
		RespondError(c, err)
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		RespondError(c, err)
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		RespondError(c, err)
		return
	}

	events, err := h.store.ListChangeEvents(c.Request.Context(), repositories.ChangeEventFilter{
		PartnerID:      partnerID,
		EnrollmentID:   enrollmentID,
		EventType:      c.Query("eventType"),
		DeliveryStatus: models.DeliveryStatus(c.Query("deliveryStatus")),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	if events == nil {
		events = []*models.PartnerChangeEvent{}
	}
	RespondOK(c, http.StatusOK, events, "")
}

// HandleSearchChangeEvents queries the audit index
func (h *AdminHandler) HandleSearchChangeEvents(c *gin.Context) {
	if h.elastic == nil {
		c.JSON(http.StatusServiceUnavailable, Response{Success: false, Message: "Change event search is disabled", Code: CodeUnavailable})
		return
	}

	partnerID, err := queryID(c, "partnerId")
	if err != nil {
		RespondError(c, err)
		return
	}
	enrollmentID, err := queryID(c, "enrollmentId")
	if err != nil {
		RespondError(c, err)
		return
	}
	size, err := queryInt(c, "size")
	if err != nil {
		RespondError(c, err)
		return
	}
	q := search.Query{
		PartnerID:      partnerID,
		EnrollmentID:   enrollmentID,
		EventType:      c.Query("eventType"),
		DeliveryStatus: c.Query("deliveryStatus"),
		Size:           size,
	}
	for name, dst := range map[string]*time.Time{"since": &q.Since, "until": &q.Until} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			RespondError(c, errors.Wrapf(models.ErrInvalidArgument, "%s must be an RFC3339 time", name))
			return
		}
		*dst = t
	}

	docs, err := h.elastic.SearchChangeEvents(c.Request.Context(), q)
	if err != nil {
		RespondError(c, err)
		return
	}
	if docs == nil {
		docs = []map[string]interface{}{}
	}
	RespondOK(c, http.StatusOK, docs, "")
}

// HandleReplayChangeEvent re-sends a failed outbound delivery
func (h *AdminHandler) HandleReplayChangeEvent(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		RespondError(c, err)
		return
	}
	result, err := h.dispatcher.Replay(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return
	}

	resp := ReplayResponse{
		Delivered:  result.Delivered,
		Cancelled:  result.Cancelled,
		Attempts:   result.Attempts,
		StatusCode: result.StatusCode,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	RespondOK(c, http.StatusOK, resp, "Replay attempted")
}

// RegisterRoutes registers the handler's routes
func (h *AdminHandler) RegisterRoutes(router gin.IRouter) {
	router.POST("/partners", h.HandleOnboardPartner)
	router.GET("/partners", h.HandleListPartners)
	router.GET("/partners/:id", h.HandleGetPartner)
	router.POST("/partners/:id/rotate-secret", h.partnerAction(func(c *gin.Context, id uuid.UUID) (interface{}, error) {
		return h.registry.RotateSecret(c.Request.Context(), id)
	}, "Secret rotated"))
	router.POST("/partners/:id/rotate-key", h.partnerAction(func(c *gin.Context, id uuid.UUID) (interface{}, error) {
		return h.registry.RotateAPIKey(c.Request.Context(), id)
	}, "API key rotated"))
	router.POST("/partners/:id/activate", h.partnerAction(func(c *gin.Context, id uuid.UUID) (interface{}, error) {
		return h.registry.Activate(c.Request.Context(), id)
	}, "Partner activated"))
	router.POST("/partners/:id/deactivate", h.partnerAction(func(c *gin.Context, id uuid.UUID) (interface{}, error) {
		return h.registry.Deactivate(c.Request.Context(), id)
	}, "Partner deactivated"))

	router.POST("/enrollments/:id/suspend", h.enrollmentAction(func(c *gin.Context, id uuid.UUID, reason string) (*models.Enrollment, error) {
		return h.ledger.Suspend(c.Request.Context(), id, reason)
	}, "Enrollment suspended"))
	router.POST("/enrollments/:id/resume", h.enrollmentAction(func(c *gin.Context, id uuid.UUID, _ string) (*models.Enrollment, error) {
		return h.ledger.Resume(c.Request.Context(), id)
	}, "Enrollment resumed"))
	router.POST("/enrollments/:id/revoke", h.enrollmentAction(func(c *gin.Context, id uuid.UUID, reason string) (*models.Enrollment, error) {
		return h.ledger.Revoke(c.Request.Context(), id, reason)
	}, "Enrollment revoked"))
	router.POST("/enrollments/:id/requeue-certificate", h.enrollmentAction(func(c *gin.Context, id uuid.UUID, _ string) (*models.Enrollment, error) {
		return h.ledger.RequeueCertificate(c.Request.Context(), id)
	}, "Certificate issuance requeued"))
	router.POST("/enrollments/:id/refresh-link", h.enrollmentAction(func(c *gin.Context, id uuid.UUID, _ string) (*models.Enrollment, error) {
		e, _, err := h.ledger.RefreshAccessLink(c.Request.Context(), id, nil)
		return e, err
	}, "Access link refreshed"))

	router.GET("/change-events", h.HandleListChangeEvents)
	router.GET("/change-events/search", h.HandleSearchChangeEvents)
	router.POST("/change-events/:id/replay", h.HandleReplayChangeEvent)
}
