package server

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-civic/auth"
)

const textCodeInternal = "INTERNAL_ERROR"

// ErrorResponse is the body written for every failed request
type ErrorResponse struct {
	Success   bool                      `json:"success"`
	Message   string                    `json:"message"`
	TextCode  string                    `json:"text_code,omitempty"`
	Metadata  map[string]any            `json:"metadata,omitempty"`
	Errors    goerrors.ValidationErrors `json:"errors,omitempty"`
	RequestID string                    `json:"request_id,omitempty"`
}

// NewErrorHandler returns the fiber error handler that turns any error
// returned by a handler or middleware into an ErrorResponse.
func NewErrorHandler(logger auth.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		richErr := goerrors.MapToError(err, []goerrors.ErrorMapper{mapFiberError})

		status := statusFor(richErr)
		res := ErrorResponse{
			Message:   richErr.Message,
			TextCode:  richErr.TextCode,
			Metadata:  richErr.Metadata,
			Errors:    richErr.ValidationErrors,
			RequestID: requestID(c),
		}

		if status >= http.StatusInternalServerError {
			logger.Error("request failed",
				"method", c.Method(),
				"path", c.Path(),
				"request_id", res.RequestID,
				"error", err,
			)
			res.Message = "internal server error"
			res.TextCode = textCodeInternal
			res.Metadata = nil
		} else {
			logger.Debug("request rejected",
				"method", c.Method(),
				"path", c.Path(),
				"status", status,
				"text_code", res.TextCode,
			)
		}

		return c.Status(status).JSON(res)
	}
}

func mapFiberError(err error) *goerrors.Error {
	var fe *fiber.Error
	if !errors.As(err, &fe) {
		return nil
	}
	return goerrors.New(fe.Message, goerrors.HTTPStatusToCategory(fe.Code)).
		WithCode(fe.Code).
		WithTextCode(goerrors.HTTPStatusToTextCode(fe.Code))
}

func statusFor(err *goerrors.Error) int {
	if err.Code >= http.StatusBadRequest {
		return err.Code
	}

	switch err.Category {
	case goerrors.CategoryValidation, goerrors.CategoryBadInput:
		return http.StatusBadRequest
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals(requestid.ConfigDefault.ContextKey).(string); ok {
		return id
	}
	return ""
}
