package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/consultq/internal/app"
	"github.com/pscheid92/consultq/internal/domain"
	"github.com/pscheid92/consultq/internal/platform/correlation"
	apperrors "github.com/pscheid92/consultq/internal/platform/errors"
)

const (
	headerCallerID   = "X-Caller-Id"
	headerCallerRole = "X-Caller-Role"
	contextKeyCaller = "caller"
)

// correlationMiddleware honours a caller-supplied correlation ID and echoes it back.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := correlation.FromHeader(c.Request().Header.Get(correlation.Header))
		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(correlation.Header, id)
		return next(c)
	}
}

// requireCaller authenticates X-Caller-Id, X-Caller-Role and the bearer credential.
func (s *Server) requireCaller(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Request().Header
		credential, ok := strings.CutPrefix(h.Get(echo.HeaderAuthorization), "Bearer ")
		if !ok {
			return apperrors.UnauthorizedError("missing bearer credential").WithCode("unauthenticated")
		}

		caller, err := s.auth.Authenticate(h.Get(headerCallerID), h.Get(headerCallerRole), credential)
		if err != nil {
			return fmt.Errorf("authenticate caller: %w", err)
		}

		c.Set(contextKeyCaller, caller)
		return next(c)
	}
}

func callerFrom(c echo.Context) (domain.Caller, error) {
	caller, ok := c.Get(contextKeyCaller).(domain.Caller)
	if !ok {
		return domain.Caller{}, apperrors.InternalError("caller missing from request context", nil)
	}
	return caller, nil
}

// ErrorHandlingMiddleware maps application errors onto structured JSON responses.
// Retryable errors carry Retry-After so clients back off instead of failing.
func ErrorHandlingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				return err
			}

			return HandleError(c, err)
		}
	}
}

func HandleError(c echo.Context, err error) error {
	if err == nil {
		return nil
	}

	structuredErr := app.PublicError(err)
	logError(c, structuredErr)

	if structuredErr.Retryable() {
		c.Response().Header().Set("Retry-After", "1")
	}
	if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
		return fmt.Errorf("failed to write error response: %w", err)
	}
	return nil
}

func logError(c echo.Context, err *apperrors.Error) {
	attrs := []any{
		"error_type", err.Type,
		"code", err.Code,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}

	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	if caller, ok := c.Get(contextKeyCaller).(domain.Caller); ok {
		attrs = append(attrs, "caller_id", caller.ID, "role", caller.Role)
	}

	ctx := c.Request().Context()
	switch err.Type {
	case apperrors.TypeValidation, apperrors.TypeNotFound, apperrors.TypeUnauthorized, apperrors.TypeForbidden:
		slog.InfoContext(ctx, "Request rejected", attrs...)
	case apperrors.TypeConflict, apperrors.TypeRetryable:
		slog.WarnContext(ctx, "Conflict", attrs...)
	case apperrors.TypeInternal:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Internal error", attrs...)
	case apperrors.TypeExternal:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "External service error", attrs...)
	default:
		slog.ErrorContext(ctx, "Unknown error type", attrs...)
	}
}

func validationError(message, field, value string) error {
	return apperrors.ValidationError(message).WithCode("invalid_request").WithField(field, value)
}

func writeJSON(c echo.Context, status int, body any) error {
	if err := c.JSON(status, body); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
