package corridor

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/peermint/settlement/internal/httpapi"
)

// Handler provides HTTP endpoints for the corridor engine.
type Handler struct {
	service *Service
}

// NewHandler creates a new corridor handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the corridor routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/corridor/match", h.Match)
	r.PATCH("/corridor/fulfillments/:id", h.UpdateFulfillment)
	r.GET("/corridor/fulfillments", h.ListFulfillments)
	r.GET("/corridor/providers", h.ListProviders)
	r.POST("/corridor/providers", h.UpsertProvider)
	r.GET("/corridor/availability", h.Availability)
}

// Match handles POST /v1/corridor/match
func (h *Handler) Match(c *gin.Context) {
	var req MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	fulfillment, err := h.service.Match(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpapi.Created(c, fulfillment)
}

// fulfillmentPatch is the body of PATCH /v1/corridor/fulfillments/:id.
type fulfillmentPatch struct {
	ProviderStatus string `json:"providerStatus" binding:"required"`
}

// UpdateFulfillment handles PATCH /v1/corridor/fulfillments/:id. The only
// transition an LP drives directly is pending → payment_sent; completion and
// failure belong to the order bridge and the timeout worker.
func (h *Handler) UpdateFulfillment(c *gin.Context) {
	actorID := c.GetHeader("x-actor-id")
	if c.GetHeader("x-actor-type") != "merchant" || actorID == "" {
		httpapi.Fail(c, http.StatusUnauthorized, "MISSING_ACTOR", "a merchant actor is required")
		return
	}
	var req fulfillmentPatch
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if req.ProviderStatus != FulfillmentPaymentSent {
		httpapi.Fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "providerStatus must be payment_sent")
		return
	}

	fulfillment, err := h.service.MarkPaymentSent(c.Request.Context(), c.Param("id"), actorID)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpapi.OK(c, fulfillment)
}

// ListFulfillments handles GET /v1/corridor/fulfillments
func (h *Handler) ListFulfillments(c *gin.Context) {
	list, err := h.service.ListFulfillments(c.Request.Context(), ListFilter{
		ProviderMerchantID: c.Query("provider_merchant_id"),
		Status:             c.Query("status"),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	if list == nil {
		list = []*Fulfillment{}
	}
	httpapi.OK(c, list)
}

// ListProviders handles GET /v1/corridor/providers. A merchant_id query
// returns that merchant's enrollment alone.
func (h *Handler) ListProviders(c *gin.Context) {
	if merchantID := c.Query("merchant_id"); merchantID != "" {
		p, err := h.service.GetProvider(c.Request.Context(), merchantID)
		if err != nil {
			h.fail(c, err)
			return
		}
		httpapi.OK(c, p)
		return
	}
	list, err := h.service.ListProviders(c.Request.Context(), c.Query("active") == "true")
	if err != nil {
		h.fail(c, err)
		return
	}
	if list == nil {
		list = []*Provider{}
	}
	httpapi.OK(c, list)
}

// UpsertProvider handles POST /v1/corridor/providers
func (h *Handler) UpsertProvider(c *gin.Context) {
	var p Provider
	if err := c.ShouldBindJSON(&p); err != nil {
		httpapi.Fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	saved, err := h.service.UpsertProvider(c.Request.Context(), &p)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpapi.OK(c, saved)
}

// Availability handles GET /v1/corridor/availability?fiat_amount=&exclude=
func (h *Handler) Availability(c *gin.Context) {
	fiatAmount := c.Query("fiat_amount")
	if fiatAmount == "" {
		httpapi.Fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "fiat_amount is required")
		return
	}
	var exclude []string
	if raw := c.Query("exclude"); raw != "" {
		exclude = strings.Split(raw, ",")
	}
	availability, err := h.service.CheckAvailability(c.Request.Context(), fiatAmount, exclude)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpapi.OK(c, availability)
}

// fail maps service errors to the envelope.
func (h *Handler) fail(c *gin.Context, err error) {
	status, code := classifyError(err)
	httpapi.Fail(c, status, code, err.Error())
}

// classifyError maps sentinel errors to HTTP status and stable codes.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrFulfillmentNotFound):
		return http.StatusNotFound, "FULFILLMENT_NOT_FOUND"
	case errors.Is(err, ErrProviderNotFound):
		return http.StatusNotFound, "PROVIDER_NOT_FOUND"
	case errors.Is(err, ErrNoLPAvailable):
		return http.StatusConflict, "NO_LP_AVAILABLE"
	case errors.Is(err, ErrInsufficientSAED):
		return http.StatusConflict, "INSUFFICIENT_SAED"
	case errors.Is(err, ErrBuyerNotFound):
		return http.StatusBadRequest, "BUYER_NOT_FOUND"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, "UNAUTHORIZED"
	case errors.Is(err, ErrInvalidStatus):
		return http.StatusBadRequest, "INVALID_FULFILLMENT_STATUS"
	case errors.Is(err, ErrOrderNotLinkable):
		return http.StatusConflict, "ORDER_NOT_LINKABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
