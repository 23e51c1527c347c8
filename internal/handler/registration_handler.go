package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/komuji/ticketing/internal/dto"
	"github.com/komuji/ticketing/internal/service"
	"github.com/komuji/ticketing/pkg/response"
	"github.com/komuji/ticketing/pkg/telemetry"
)

// RegistrationHandler handles ticket issuance HTTP requests
type RegistrationHandler struct {
	registrations service.RegistrationService
	ledger        service.InventoryLedger
	tokens        service.TokenService
}

// NewRegistrationHandler creates a new registration handler
func NewRegistrationHandler(registrations service.RegistrationService, ledger service.InventoryLedger, tokens service.TokenService) *RegistrationHandler {
	return &RegistrationHandler{
		registrations: registrations,
		ledger:        ledger,
		tokens:        tokens,
	}
}

// Issue handles POST /categories/:id/reservations
// Free categories answer 201 with the token; priced ones answer 202 pending payment
func (h *RegistrationHandler) Issue(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.registration.issue")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	categoryID := c.Param("id")
	span.SetAttributes(telemetry.CategoryIDKey.String(categoryID))

	var req dto.IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		response.BadRequest(c, "invalid request body")
		return
	}

	result, err := h.registrations.Issue(ctx, categoryID, req.Participant())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}

	span.SetAttributes(
		telemetry.RegistrationIDKey.String(result.Registration.ID),
		attribute.String("status", string(result.Registration.Status)),
	)
	span.SetStatus(codes.Ok, "")

	status := http.StatusCreated
	if !result.Registration.IsConfirmed() {
		status = http.StatusAccepted
	}
	c.JSON(status, response.Response{Success: true, Data: dto.FromIssueResult(result)})
}

// Availability handles GET /categories/:id/availability
func (h *RegistrationHandler) Availability(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.registration.availability")
	defer span.End()

	categoryID := c.Param("id")
	span.SetAttributes(telemetry.CategoryIDKey.String(categoryID))

	avail, err := h.ledger.Availability(ctx, categoryID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Success(c, dto.FromAvailability(avail))
}

// GetRegistration handles GET /registrations/:id
func (h *RegistrationHandler) GetRegistration(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.registration.get")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(telemetry.RegistrationIDKey.String(id))

	reg, err := h.registrations.GetRegistration(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Success(c, dto.FromRegistration(reg))
}

// ConfirmPayment handles POST /registrations/:id/confirm-payment
// The payment provider may deliver the same outcome more than once
func (h *RegistrationHandler) ConfirmPayment(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.registration.confirm_payment")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	id := c.Param("id")
	span.SetAttributes(telemetry.RegistrationIDKey.String(id))

	var req dto.ConfirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		response.BadRequest(c, "status is required")
		return
	}
	span.SetAttributes(attribute.String("payment_status", req.Status))

	result, err := h.registrations.ConfirmPayment(ctx, id, req.PaymentResult())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Success(c, dto.FromIssueResult(result))
}

// ReissueToken handles POST /registrations/:id/token/reissue
func (h *RegistrationHandler) ReissueToken(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.registration.reissue_token")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(telemetry.RegistrationIDKey.String(id))

	tok, err := h.tokens.ReissueToken(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Success(c, dto.FromToken(tok))
}

// QRCode handles GET /registrations/:id/qr?size=N
func (h *RegistrationHandler) QRCode(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.registration.qr")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(telemetry.RegistrationIDKey.String(id))

	size := 0
	if raw := c.Query("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			span.SetStatus(codes.Error, "invalid size")
			response.BadRequest(c, "size must be a positive integer")
			return
		}
		size = n
	}

	png, err := h.tokens.RenderQR(ctx, id, size)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}
