package handler

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/komuji/ticketing/internal/dto"
	"github.com/komuji/ticketing/internal/service"
	"github.com/komuji/ticketing/pkg/response"
	"github.com/komuji/ticketing/pkg/telemetry"
)

// CheckInHandler handles door scans
type CheckInHandler struct {
	checkIns service.CheckInService
}

// NewCheckInHandler creates a new check-in handler
func NewCheckInHandler(checkIns service.CheckInService) *CheckInHandler {
	return &CheckInHandler{checkIns: checkIns}
}

// CheckIn handles POST /check-in
func (h *CheckInHandler) CheckIn(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.checkin.check_in")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var req dto.CheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		response.BadRequest(c, "invalid request body")
		return
	}
	span.SetAttributes(
		attribute.String("staff_id", req.StaffID),
		attribute.String("event_id", req.EventID),
	)

	ci, err := h.checkIns.VerifyAndCheckIn(ctx, req.Token, req.StaffID, req.EventID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Success(c, dto.FromCheckIn(ci))
}
