package payment

import (
	"errors"
	"io"
	"net/http"

	"nyumbani/internal/pkg/response"
	"nyumbani/internal/pkg/validator"
	"nyumbani/internal/repository"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	service *Service
	loggerf func(format string, args ...interface{})
}

func NewHandler(service *Service, loggerf func(format string, args ...interface{})) *Handler {
	if loggerf == nil {
		loggerf = func(string, ...interface{}) {}
	}
	return &Handler{service: service, loggerf: loggerf}
}

// Initiate godoc
// @Summary      Initiate an M-Pesa payment
// @Description  Creates the payment record and pushes the STK prompt to the payer's phone
// @Tags         Payments
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        body body InitiateRequest true "Payment init payload"
// @Success      201 {object} StatusProjection
// @Failure      400 {object} ErrorResponse
// @Failure      409 {object} ErrorResponse
// @Router       /payments [post]
func (h *Handler) Initiate(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if fails := validator.Validate(req); fails != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid payment request", fails)
		return
	}
	req.UserID = c.GetInt64("user_id")

	p, err := h.service.Initiate(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrValidation):
			response.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		case errors.Is(err, repository.ErrDuplicateIdempotencyKey):
			response.Error(c, http.StatusConflict, "DUPLICATE_REQUEST", "payment already initiated for this idempotency key")
		default:
			h.loggerf("level=error msg=payment initiation failed err=%v", err)
			response.Error(c, http.StatusInternalServerError, "INTERNAL", "could not initiate payment")
		}
		return
	}
	response.Success(c, http.StatusCreated, projectionOf(p))
}

// Callback godoc
// @Summary      M-Pesa STK result callback
// @Description  Ingests the asynchronous charge result; idempotent and always acknowledged when parseable
// @Tags         Payments
// @Accept       json
// @Produce      json
// @Success      200 {object} map[string]interface{}
// @Failure      400 {object} ErrorResponse
// @Router       /payments/mpesa/callback [post]
func (h *Handler) Callback(c *gin.Context) {
	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "unreadable body"})
		return
	}
	h.loggerf("level=info msg=mpesa callback received raw_body=%s", string(rawBody))

	if err := h.service.HandleCallback(c.Request.Context(), rawBody); err != nil {
		if errors.Is(err, ErrMalformedCallback) {
			c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "malformed payload"})
			return
		}
		// storage trouble: let the provider retry this delivery
		h.loggerf("level=error msg=mpesa callback handling failed err=%v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ResultCode": 1, "ResultDesc": "internal error"})
		return
	}
	// duplicates and unknown correlation ids land here too, so the
	// provider stops redelivering
	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}

// Status godoc
// @Summary      Payment status projection
// @Description  Returns current status; actively reconciles with the provider when the callback is overdue
// @Tags         Payments
// @Security     BearerAuth
// @Produce      json
// @Param        id path string true "Payment ID"
// @Success      200 {object} StatusProjection
// @Failure      404 {object} ErrorResponse
// @Router       /payments/{id} [get]
func (h *Handler) Status(c *gin.Context) {
	proj, err := h.service.Status(c.Request.Context(), c.Param("id"), c.GetInt64("user_id"))
	if err != nil {
		h.respondLookupError(c, err)
		return
	}
	response.Success(c, http.StatusOK, proj)
}

// Cancel godoc
// @Summary      Cancel a pending payment
// @Description  Moves a non-terminal payment to CANCELLED; settled payments are left untouched
// @Tags         Payments
// @Security     BearerAuth
// @Produce      json
// @Param        id path string true "Payment ID"
// @Success      200 {object} StatusProjection
// @Failure      404 {object} ErrorResponse
// @Failure      409 {object} ErrorResponse
// @Router       /payments/{id}/cancel [post]
func (h *Handler) Cancel(c *gin.Context) {
	p, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetInt64("user_id"))
	if err != nil {
		if errors.Is(err, ErrAlreadyTerminal) {
			response.Error(c, http.StatusConflict, "ALREADY_TERMINAL", err.Error())
			return
		}
		h.respondLookupError(c, err)
		return
	}
	response.Success(c, http.StatusOK, projectionOf(p))
}

// List godoc
// @Summary      List the caller's payments
// @Tags         Payments
// @Security     BearerAuth
// @Produce      json
// @Success      200 {array} StatusProjection
// @Router       /payments [get]
func (h *Handler) List(c *gin.Context) {
	payments, err := h.service.List(c.Request.Context(), c.GetInt64("user_id"))
	if err != nil {
		h.loggerf("level=error msg=payment list failed err=%v", err)
		response.Error(c, http.StatusInternalServerError, "INTERNAL", "could not list payments")
		return
	}
	out := make([]*StatusProjection, 0, len(payments))
	for i := range payments {
		out = append(out, projectionOf(&payments[i]))
	}
	response.Success(c, http.StatusOK, out)
}

// Conflicts godoc
// @Summary      Conflicting terminal signals recorded for a payment
// @Tags         Payments
// @Security     BearerAuth
// @Produce      json
// @Param        id path string true "Payment ID"
// @Success      200 {array} domain.PaymentConflict
// @Failure      404 {object} ErrorResponse
// @Router       /payments/{id}/conflicts [get]
func (h *Handler) Conflicts(c *gin.Context) {
	conflicts, err := h.service.Conflicts(c.Request.Context(), c.Param("id"), c.GetInt64("user_id"))
	if err != nil {
		h.respondLookupError(c, err)
		return
	}
	response.Success(c, http.StatusOK, conflicts)
}

func (h *Handler) respondLookupError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.Error(c, http.StatusNotFound, "NOT_FOUND", "Payment not found")
	case errors.Is(err, ErrForbidden):
		response.Error(c, http.StatusForbidden, "FORBIDDEN", "You don't own this payment")
	default:
		h.loggerf("level=error msg=payment lookup failed err=%v", err)
		response.Error(c, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
