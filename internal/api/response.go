package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/matheus3301/wpparchive/internal/command"
	"github.com/matheus3301/wpparchive/internal/email"
	"github.com/matheus3301/wpparchive/internal/export"
	"github.com/matheus3301/wpparchive/internal/wa"
)

// Response is the envelope returned by every JSON endpoint.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HTTPError carries an explicit status code for a request-level failure.
type HTTPError struct {
	Status int
	Msg    string
}

func (e *HTTPError) Error() string { return e.Msg }

func badRequest(msg string) error {
	return &HTTPError{Status: http.StatusBadRequest, Msg: msg}
}

// HandleSuccess writes a 200 response with data.
func HandleSuccess(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

// statusFor maps an error to its HTTP status and client-facing message.
func statusFor(err error) (int, string) {
	var httpErr *HTTPError
	var validationErrs validator.ValidationErrors
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Status, httpErr.Msg
	case errors.As(err, &validationErrs):
		return http.StatusBadRequest, validationMessage(validationErrs)
	case errors.Is(err, export.ErrInvalidSort):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, email.ErrNotConfigured):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, command.ErrUnknownConversation):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, wa.ErrNotInitialized), errors.Is(err, wa.ErrNotConnected):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request timed out"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// handleError writes the failure envelope. Server errors are logged with the
// underlying cause, which is never sent to the client.
func (h *Handler) handleError(c *gin.Context, err error) {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.Error(err),
		)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(code, Response{Success: false, Error: msg})
}

// bindError reports a malformed query. Unparseable values arrive as plain
// errors from gin, not as validation errors.
func (h *Handler) bindError(c *gin.Context, err error) {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		h.handleError(c, err)
		return
	}
	h.handleError(c, badRequest(err.Error()))
}

func validationMessage(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		field := strings.ToLower(fe.Field())
		if fe.Param() != "" {
			parts = append(parts, field+" must satisfy "+fe.Tag()+"="+fe.Param())
		} else {
			parts = append(parts, field+" is invalid")
		}
	}
	return strings.Join(parts, "; ")
}
