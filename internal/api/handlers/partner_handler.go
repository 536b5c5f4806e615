package handlers

import (
	"net/http"

	"example.com/eduwallet/services/partners/internal/accesslink"
	"example.com/eduwallet/services/partners/internal/ledger"
	"example.com/eduwallet/services/partners/internal/models"
	"example.com/eduwallet/services/partners/internal/repositories"
	"example.com/eduwallet/services/partners/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// PartnerHandler serves the API-key authenticated partner REST surface.
// Every route is scoped to the partner resolved by the auth middleware.
type PartnerHandler struct {
	ledger  *ledger.Ledger
	store   repositories.Store
	catalog *services.Catalog
	tokens  *accesslink.TokenIssuer
}

// NewPartnerHandler creates a new partner handler
func NewPartnerHandler(l *ledger.Ledger, catalog *services.Catalog, tokens *accesslink.TokenIssuer) *PartnerHandler {
	return &PartnerHandler{
		ledger:  l,
		store:   l.Store(),
		catalog: catalog,
		tokens:  tokens,
	}
}

// EnrollmentPage is a page of enrollments
type EnrollmentPage struct {
	Items  []*models.Enrollment `json:"items"`
	Total  int64                `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// UpdateEnrollmentRequest reports progress on an enrollment
type UpdateEnrollmentRequest struct {
	ProgressPercent *int                   `json:"progressPercent"`
	WatchedSeconds  int64                  `json:"watchedSeconds"`
	Metadata        map[string]interface{} `json:"metadata"`
}

// ResumeTokenResponse carries a freshly minted registration token
type ResumeTokenResponse struct {
	Token      string `json:"token"`
	AccessLink string `json:"accessLink"`
}

func (h *PartnerHandler) partner(c *gin.Context) *models.Partner {
	partner, ok := CurrentPartner(c)
	if !ok {
		RespondError(c, models.ErrUnauthenticated)
		return nil
	}
	return partner
}

// ownedEnrollment loads the :id enrollment, hiding other partners' records
func (h *PartnerHandler) ownedEnrollment(c *gin.Context, partner *models.Partner) *models.Enrollment {
	id, err := pathID(c, "id")
	if err != nil {
		RespondError(c, err)
		return nil
	}
	enrollment, err := h.ledger.Get(c.Request.Context(), id)
	if err == nil && enrollment.SellerID != partner.ID {
		err = errors.Wrapf(models.ErrNotFound, "enrollment %s", id)
	}
	if err != nil {
		RespondError(c, err)
		return nil
	}
	return enrollment
}

// HandleListEnrollments lists the partner's enrollments
func (h *PartnerHandler) HandleListEnrollments(c *gin.Context) {
	partner := h.partner(c)
	if partner == nil {
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

	filter := repositories.EnrollmentFilter{
		SellerID:  partner.ID,
		StudentID: c.Query("studentId"),
		Status:    models.EnrollmentStatus(c.Query("status")),
		Limit:     repositories.PageSize(limit),
		Offset:    offset,
	}
	if courseID := c.Query("courseId"); courseID != "" {
		course, err := h.catalog.FindCourse(c.Request.Context(), partner.ID, courseID)
		if err != nil {
			RespondError(c, err)
			return
		}
		filter.CourseID = course.ID
	}

	items, total, err := h.store.ListEnrollments(c.Request.Context(), filter)
	if err != nil {
		RespondError(c, err)
		return
	}
	if items == nil {
		items = []*models.Enrollment{}
	}
	RespondOK(c, http.StatusOK, EnrollmentPage{Items: items, Total: total, Limit: filter.Limit, Offset: offset}, "")
}

// HandleGetEnrollment returns one enrollment
func (h *PartnerHandler) HandleGetEnrollment(c *gin.Context) {
	partner := h.partner(c)
	if partner == nil {
		return
	}
	enrollment := h.ownedEnrollment(c, partner)
	if enrollment == nil {
		return
	}
	RespondOK(c, http.StatusOK, enrollment, "")
}

// HandleUpdateEnrollment applies progress and metadata through the ledger.
// Omitting progressPercent keeps the current value.
func (h *PartnerHandler) HandleUpdateEnrollment(c *gin.Context) {
	partner := h.partner(c)
	if partner == nil {
		return
	}
	enrollment := h.ownedEnrollment(c, partner)
	if enrollment == nil {
		return
	}

	var req UpdateEnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, errors.Wrap(models.ErrInvalidArgument, "invalid request body"))
		return
	}

	progress := enrollment.ProgressPercent
	if req.ProgressPercent != nil {
		progress = *req.ProgressPercent
	}

	updated, err := h.ledger.ApplyProgress(c.Request.Context(), ledger.ProgressInput{
		EnrollmentID:    enrollment.ID,
		ProgressPercent: progress,
		DeltaSeconds:    req.WatchedSeconds,
		Metadata:        req.Metadata,
		Direction:       models.DirectionInbound,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, http.StatusOK, updated, "Enrollment updated")
}

// HandleIssueResumeToken mints a registration token for the enrollment and
// rebuilds its access link around it
func (h *PartnerHandler) HandleIssueResumeToken(c *gin.Context) {
	partner := h.partner(c)
	if partner == nil {
		return
	}
	enrollment := h.ownedEnrollment(c, partner)
	if enrollment == nil {
		return
	}

	token, err := h.tokens.Issue(partner, enrollment)
	if err != nil {
		RespondError(c, err)
		return
	}
	updated, _, err := h.ledger.RefreshAccessLink(c.Request.Context(), enrollment.ID, &token)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, http.StatusCreated, ResumeTokenResponse{Token: token, AccessLink: updated.AccessLink}, "")
}

// HandleListCourses returns the partner's mirrored catalog
func (h *PartnerHandler) HandleListCourses(c *gin.Context) {
	partner := h.partner(c)
	if partner == nil {
		return
	}
	courses, err := h.catalog.ListCourses(c.Request.Context(), partner.ID)
	if err != nil {
		RespondError(c, err)
		return
	}
	if courses == nil {
		courses = []*models.PartnerCourse{}
	}
	RespondOK(c, http.StatusOK, courses, "")
}

// HandleUpsertCourse creates or replaces a course mirror
func (h *PartnerHandler) HandleUpsertCourse(c *gin.Context) {
	partner := h.partner(c)
	if partner == nil {
		return
	}

	var req services.CourseInput
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, errors.Wrap(models.ErrInvalidArgument, "invalid request body"))
		return
	}
	req.ExternalID = c.Param("externalId")

	course, err := h.catalog.UpsertCourse(c.Request.Context(), partner.ID, req)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, http.StatusOK, course, "Course saved")
}

// HandleListPurchases returns a student's purchases from this partner
func (h *PartnerHandler) HandleListPurchases(c *gin.Context) {
	partner := h.partner(c)
	if partner == nil {
		return
	}
	purchases, err := h.store.ListPurchasesByBuyer(c.Request.Context(), partner.ID, c.Param("studentId"))
	if err != nil {
		RespondError(c, err)
		return
	}
	if purchases == nil {
		purchases = []*models.Purchase{}
	}
	RespondOK(c, http.StatusOK, purchases, "")
}

// RegisterRoutes registers the handler's routes
func (h *PartnerHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/enrollments", h.HandleListEnrollments)
	router.GET("/enrollments/:id", h.HandleGetEnrollment)
	router.PATCH("/enrollments/:id", h.HandleUpdateEnrollment)
	router.POST("/enrollments/:id/resume-token", h.HandleIssueResumeToken)
	router.GET("/courses", h.HandleListCourses)
	router.PUT("/courses/:externalId", h.HandleUpsertCourse)
	router.GET("/purchasers/:studentId", h.HandleListPurchases)
}
