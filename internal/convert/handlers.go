package convert

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peermint/settlement/internal/httpapi"
)

// Handler provides HTTP endpoints for the conversion engine.
type Handler struct {
	service *Service
}

// NewHandler creates a new conversion handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the conversion routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/convert/usdt-to-sinr", h.convert(DirectionUSDTToSAED))
	r.POST("/convert/sinr-to-usdt", h.convert(DirectionSAEDToUSDT))
	r.GET("/convert/conversions", h.ListConversions)
	r.GET("/convert/conversions/:id", h.GetConversion)
}

// actor pulls the acting entity from headers; both conversion directions
// mutate the actor's own balances only.
func actor(c *gin.Context) (entityType, entityID string, ok bool) {
	entityType = c.GetHeader("x-actor-type")
	entityID = c.GetHeader("x-actor-id")
	if (entityType != "user" && entityType != "merchant") || entityID == "" {
		return "", "", false
	}
	return entityType, entityID, true
}

// convert handles POST /v1/convert/usdt-to-sinr and
// POST /v1/convert/sinr-to-usdt.
func (h *Handler) convert(direction string) gin.HandlerFunc {
	return func(c *gin.Context) {
		entityType, entityID, ok := actor(c)
		if !ok {
			httpapi.Fail(c, http.StatusUnauthorized, "MISSING_ACTOR", "x-actor-type and x-actor-id headers are required")
			return
		}
		var req Request
		if err := c.ShouldBindJSON(&req); err != nil {
			httpapi.Fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		req.EntityType = entityType
		req.EntityID = entityID

		conversion, err := h.service.Convert(c.Request.Context(), direction, req)
		if err != nil {
			h.fail(c, err)
			return
		}
		httpapi.Created(c, conversion)
	}
}

// ListConversions handles GET /v1/convert/conversions
func (h *Handler) ListConversions(c *gin.Context) {
	entityType, entityID, ok := actor(c)
	if !ok {
		httpapi.Fail(c, http.StatusUnauthorized, "MISSING_ACTOR", "x-actor-type and x-actor-id headers are required")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.service.List(c.Request.Context(), entityType, entityID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if list == nil {
		list = []*Conversion{}
	}
	httpapi.OK(c, list)
}

// GetConversion handles GET /v1/convert/conversions/:id
func (h *Handler) GetConversion(c *gin.Context) {
	conversion, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	httpapi.OK(c, conversion)
}

// fail maps service errors to the envelope.
func (h *Handler) fail(c *gin.Context, err error) {
	status, code := classifyError(err)
	httpapi.Fail(c, status, code, err.Error())
}

// classifyError maps sentinel errors to HTTP status and stable codes.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrConversionNotFound):
		return http.StatusNotFound, "CONVERSION_NOT_FOUND"
	case errors.Is(err, ErrAccountNotFound):
		return http.StatusNotFound, "ACCOUNT_NOT_FOUND"
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest, "INVALID_AMOUNT"
	case errors.Is(err, ErrInsufficientUSDT):
		return http.StatusConflict, "INSUFFICIENT_USDT"
	case errors.Is(err, ErrInsufficientSAED):
		return http.StatusConflict, "INSUFFICIENT_SAED"
	case errors.Is(err, ErrExposureLimit):
		return http.StatusConflict, "EXPOSURE_LIMIT_EXCEEDED"
	case errors.Is(err, ErrIdempotencyConflict):
		return http.StatusConflict, "IDEMPOTENCY_CONFLICT"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
