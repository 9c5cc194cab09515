package orders

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peermint/settlement/internal/httpapi"
)

// Handler provides HTTP endpoints for the order engine.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders", h.CreateOrder)
	r.POST("/merchant/orders", h.CreateMerchantOrder)
	r.PATCH("/orders/:id", h.TransitionOrder)
	r.DELETE("/orders/:id", h.CancelOrder)
	r.POST("/orders/:id/events", h.FinalizationEvent)
	r.POST("/orders/:id/escrow", h.LockEscrow)
	r.POST("/orders/:id/dispute", h.OpenDispute)
	r.POST("/orders/:id/dispute/confirm", h.ConfirmResolution)
	r.POST("/orders/:id/extension", h.RequestExtension)
	r.POST("/orders/:id/extension/respond", h.RespondExtension)
	r.POST("/orders/expire", h.ExpireBatch)
	r.GET("/offers/:id", h.GetOffer)
	r.GET("/merchants/:id/transactions", h.MerchantTransactions)
}

// actorFromHeaders reads the x-actor-type / x-actor-id identity headers.
func actorFromHeaders(c *gin.Context) (Actor, bool) {
	actor := Actor{
		Type: c.GetHeader("x-actor-type"),
		ID:   c.GetHeader("x-actor-id"),
	}
	return actor, actor.Type != "" && actor.ID != ""
}

// orderResponse decorates the order with the coarse status subscribers use.
type orderResponse struct {
	*Order
	MinimalStatus string `json:"minimalStatus"`
}

func respondOrder(o *Order) orderResponse {
	return orderResponse{Order: o, MinimalStatus: MinimalStatus(o.Status)}
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	httpapi.OK(c, respondOrder(order))
}

// ListOrders handles GET /v1/orders
func (h *Handler) ListOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.service.List(c.Request.Context(), ListFilter{
		UserID:     c.Query("user_id"),
		MerchantID: c.Query("merchant_id"),
		Status:     Status(c.Query("status")),
		Limit:      limit,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]orderResponse, 0, len(list))
	for _, o := range list {
		out = append(out, respondOrder(o))
	}
	httpapi.OK(c, out)
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	h.create(c, false)
}

// CreateMerchantOrder handles POST /v1/merchant/orders, including M2M
// orders carrying no end user.
func (h *Handler) CreateMerchantOrder(c *gin.Context) {
	h.create(c, true)
}

func (h *Handler) create(c *gin.Context, merchantInitiated bool) {
	actor, ok := actorFromHeaders(c)
	if !ok {
		httpapi.Fail(c, http.StatusUnauthorized, "MISSING_ACTOR", "x-actor-type and x-actor-id headers are required")
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if merchantInitiated && actor.Type != ActorMerchant {
		httpapi.Fail(c, http.StatusForbidden, "UNAUTHORIZED", "merchant order creation requires a merchant actor")
		return
	}
	req.Actor = actor

	order, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpapi.Created(c, respondOrder(order))
}

// TransitionOrder handles PATCH /v1/orders/:id
func (h *Handler) TransitionOrder(c *gin.Context) {
	actor, ok := actorFromHeaders(c)
	if !ok {
		httpapi.Fail(c, http.StatusUnauthorized, "MISSING_ACTOR", "x-actor-type and x-actor-id headers are required")
		return
	}
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	req.OrderID = c.Param("id")
	req.Actor = actor

	if req.To == StatusCancelled {
		order, err := h.service.Cancel(c.Request.Context(), CancelRequest{
			OrderID: req.OrderID,
			Actor:   actor,
			Reason:  req.Reason,
		})
		if err != nil {
			h.fail(c, err)
			return
		}
		httpapi.OK(c, respondOrder(order))
		return
	}

	order, err := h.service.Transition(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpapi.OK(c, respondOrder(order))
}

// CancelOrder handles DELETE /v1/orders/:id?actor_type&actor_id&reason.
// Escrow-locked orders take the atomic refund path.
func (h *Handler) CancelOrder(c *gin.Context) {
	actor := Actor{Type: c.Query("actor_type"), ID: c.Query("actor_id")}
	if actor.Type == "" || actor.ID == "" {
		httpapi.Fail(c, http.StatusUnauthorized, "MISSING_ACTOR", "actor_type and actor_id query params are required")
		return
	}
	order, err := h.service.Cancel(c.Request.Context(), CancelRequest{
		OrderID: c.Param("id"),
		Actor:   actor,
		Reason:  c.Query("reason"),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	httpapi.OK(c, respondOrder(order))
}

// finalizationRequest is the body of POST /v1/orders/:id/events.
type finalizationRequest struct {
	EventType string `json:"event_type" binding:"required"` // "release" | "refund"
	TxHash    string `json:"tx_hash"`
	Reason    string `json:"reason"`
}

// FinalizationEvent handles POST /v1/orders/:id/events
func (h *Handler) FinalizationEvent(c *gin.Context) {
	actor, ok := actorFromHeaders(c)
	if !ok {
		httpapi.Fail(c, http.StatusUnauthorized, "MISSING_ACTOR", "x-actor-type and x-actor-id headers are required")
		return
	}
	var req finalizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	orderID := c.Param("id")
	var (
		order *Order
		err   error
	)
	switch req.EventType {
	case "release":
		order, err = h.service.Release(c.Request.Context(), orderID, req.TxHash, actor)
	case "refund":
		order, err = h.service.CancelWithRefund(c.Request.Context(), CancelRequest{
			OrderID:      orderID,
			Actor:        actor,
			Reason:       req.Reason,
			RefundTxHash: req.TxHash,
		})
	default:
		httpapi.Fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "event_type must be release or refund")
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	httpapi.OK(c, respondOrder(order))
}

// LockEscrow handles POST /v1/orders/:id/escrow
func (h *Handler) LockEscrow(c *gin.Context) {
	actor, ok := actorFromHeaders(c)
	if !ok {
		httpapi.Fail(c, http.StatusUnauthorized, "MISSING_ACTOR", "x-actor-type and x-actor-id headers are required")
		return
	}
	var req LockEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	req.OrderID = c.Param("id")
	req.Actor = actor

	order, err := h.service.LockEscrow(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpapi.OK(c, respondOrder(order))
}

// disputeRequest is the body of POST /v1/orders/:id/dispute.
type disputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// OpenDispute handles POST /v1/orders/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	actor, ok := actorFromHeaders(c)
	if !ok {
		httpapi.Fail(c, http.StatusUnauthorized, "MISSING_ACTOR", "x-actor-type and x-actor-id headers are required")
		return
	}
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	dispute, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), actor, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpapi.Created(c, dispute)
}

// ConfirmResolution handles POST /v1/orders/:id/dispute/confirm
func (h *Handler) ConfirmResolution(c *gin.Context) {
	actor, ok := actorFromHeaders(c)
	if !ok {
		httpapi.Fail(c, http.StatusUnauthorized, "MISSING_ACTOR", "x-actor-type and x-actor-id headers are required")
		return
	}
	var req ConfirmResolutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	req.OrderID = c.Param("id")
	req.Actor = actor

	dispute, err := h.service.ConfirmResolution(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpapi.OK(c, dispute)
}

// RequestExtension handles POST /v1/orders/:id/extension
func (h *Handler) RequestExtension(c *gin.Context) {
	actor, ok := actorFromHeaders(c)
	if !ok {
		httpapi.Fail(c, http.StatusUnauthorized, "MISSING_ACTOR", "x-actor-type and x-actor-id headers are required")
		return
	}
	order, err := h.service.RequestExtension(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpapi.OK(c, respondOrder(order))
}

// extensionResponse is the body of POST /v1/orders/:id/extension/respond.
type extensionResponse struct {
	Accept bool `json:"accept"`
}

// RespondExtension handles POST /v1/orders/:id/extension/respond
func (h *Handler) RespondExtension(c *gin.Context) {
	actor, ok := actorFromHeaders(c)
	if !ok {
		httpapi.Fail(c, http.StatusUnauthorized, "MISSING_ACTOR", "x-actor-type and x-actor-id headers are required")
		return
	}
	var req extensionResponse
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	order, err := h.service.RespondExtension(c.Request.Context(), c.Param("id"), actor, req.Accept)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpapi.OK(c, respondOrder(order))
}

// ExpireBatch handles POST /v1/orders/expire, the on-demand sweep.
func (h *Handler) ExpireBatch(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	n, err := h.service.SweepExpired(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"expired": n})
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	offer, err := h.service.GetOffer(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	httpapi.OK(c, offer)
}

// MerchantTransactions handles GET /v1/merchants/:id/transactions
func (h *Handler) MerchantTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	feed, err := h.service.MerchantFeed(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	httpapi.OK(c, feed)
}

// fail maps service errors to the envelope.
func (h *Handler) fail(c *gin.Context, err error) {
	status, code := classifyError(err)
	httpapi.Fail(c, status, code, err.Error())
}

// classifyError maps sentinel errors to HTTP status and stable codes.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		return http.StatusNotFound, "ORDER_NOT_FOUND"
	case errors.Is(err, ErrOfferNotFound):
		return http.StatusNotFound, "OFFER_NOT_FOUND"
	case errors.Is(err, ErrDisputeNotFound):
		return http.StatusNotFound, "DISPUTE_NOT_FOUND"
	case errors.Is(err, ErrInsufficientLiquidity):
		return http.StatusConflict, "INSUFFICIENT_LIQUIDITY"
	case errors.Is(err, ErrAlreadyEscrowed):
		return http.StatusConflict, "ALREADY_ESCROWED"
	case errors.Is(err, ErrOrderStatusChanged):
		return http.StatusConflict, "ORDER_STATUS_CHANGED"
	case errors.Is(err, ErrDisputeAlreadyOpen):
		return http.StatusConflict, "DISPUTE_ALREADY_OPEN"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, "UNAUTHORIZED"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusBadRequest, "INVALID_TRANSITION"
	case errors.Is(err, ErrTransientStatus):
		return http.StatusBadRequest, "TRANSIENT_STATUS"
	case errors.Is(err, ErrCannotComplete):
		return http.StatusBadRequest, "CANNOT_COMPLETE_WITHOUT_RELEASE"
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusBadRequest, "INSUFFICIENT_BALANCE"
	case errors.Is(err, ErrNoDebitRecord):
		return http.StatusBadRequest, "NO_DEBIT_RECORD"
	case errors.Is(err, ErrMaxExtensions):
		return http.StatusBadRequest, "MAX_EXTENSIONS_REACHED"
	case errors.Is(err, ErrNoExtensionRequest):
		return http.StatusBadRequest, "NO_EXTENSION_REQUEST"
	case errors.Is(err, ErrNoResolutionProposed):
		return http.StatusBadRequest, "NO_RESOLUTION_PROPOSED"
	case errors.Is(err, ErrRefundInvariantFailed):
		return http.StatusInternalServerError, "ORDER_REFUND_INVARIANT_FAILED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
