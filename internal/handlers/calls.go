package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/call-signaling/internal/calls"
	"github.com/mossy-p/call-signaling/internal/controller"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/rs/zerolog"
)

// CallController is what the HTTP surface needs from controller.Controller
type CallController interface {
	StartCall(ctx context.Context, calleeID string, kind models.MediaKind) (string, error)
	AnswerCall(ctx context.Context) error
	RejectCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	State() controller.State
	Subscribe() (<-chan models.Event, func())
}

// CallHandler serves the call REST API and the event stream
type CallHandler struct {
	calls CallController
	log   zerolog.Logger
}

// NewCallHandler creates the handler set for c
func NewCallHandler(c CallController, log zerolog.Logger) *CallHandler {
	return &CallHandler{calls: c, log: log.With().Str("module", "http").Logger()}
}

// StartCallRequest represents the body of POST /api/calls
type StartCallRequest struct {
	CalleeID string           `json:"calleeId" binding:"required"`
	Kind     models.MediaKind `json:"kind" binding:"required,oneof=audio video"`
}

// StartCall places a call to the requested callee
func (h *CallHandler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	id, err := h.calls.StartCall(c.Request.Context(), req.CalleeID, req.Kind)
	if err != nil {
		h.fail(c, "start call", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": id})
}

// AnswerCall answers the ringing incoming call
func (h *CallHandler) AnswerCall(c *gin.Context) {
	h.intent(c, "answer call", h.calls.AnswerCall)
}

// RejectCall declines the ringing incoming call
func (h *CallHandler) RejectCall(c *gin.Context) {
	h.intent(c, "reject call", h.calls.RejectCall)
}

// EndCall hangs up the current call
func (h *CallHandler) EndCall(c *gin.Context) {
	h.intent(c, "end call", h.calls.EndCall)
}

// CurrentCall reports the active call and any ringing incoming call
func (h *CallHandler) CurrentCall(c *gin.Context) {
	c.JSON(http.StatusOK, h.calls.State())
}

func (h *CallHandler) intent(c *gin.Context, op string, fn func(context.Context) error) {
	if err := fn(c.Request.Context()); err != nil {
		h.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *CallHandler) fail(c *gin.Context, op string, err error) {
	code := errorStatus(err)
	if code >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("op", op).Msg("request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// errorStatus maps call errors onto HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, calls.ErrInvalidPeer), errors.Is(err, models.ErrUnknownMediaKind):
		return http.StatusBadRequest
	case errors.Is(err, calls.ErrNotParty):
		return http.StatusForbidden
	case errors.Is(err, controller.ErrNoIncomingCall),
		errors.Is(err, controller.ErrNoActiveCall),
		errors.Is(err, calls.ErrStaleSession):
		return http.StatusNotFound
	case errors.Is(err, calls.ErrBusy),
		errors.Is(err, calls.ErrCalleeBusy),
		errors.Is(err, calls.ErrSessionNotPending):
		return http.StatusConflict
	case errors.Is(err, calls.ErrSignaling):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
