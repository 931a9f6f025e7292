package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/sectorpulse/internal/admission"
	"github.com/pscheid92/sectorpulse/internal/auth"
	"github.com/pscheid92/sectorpulse/internal/domain"
	"github.com/pscheid92/sectorpulse/internal/metrics"
	apperrors "github.com/pscheid92/sectorpulse/internal/platform/errors"
)

const profileContextKey = "profile"

func ErrorHandlingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				metrics.HTTPErrorsTotal.WithLabelValues(string(WrapHTTPError(httpErr).Type)).Inc()
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

	structuredErr := apperrors.AsStructuredError(err)
	metrics.HTTPErrorsTotal.WithLabelValues(string(structuredErr.Type)).Inc()
	logError(c, structuredErr)

	if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
		return fmt.Errorf("failed to write error response: %w", err)
	}
	return nil
}

func logError(c echo.Context, err *apperrors.Error) {
	ctx := c.Request().Context()
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}

	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	if identity, ok := c.Get(admission.IdentityContextKey).(domain.Identity); ok {
		attrs = append(attrs, "identity", identity)
	}

	switch err.Type {
	case apperrors.TypeValidation, apperrors.TypeNotFound:
		slog.InfoContext(ctx, "Request rejected", attrs...)
	case apperrors.TypeRateLimited:
		slog.DebugContext(ctx, "Rate limited", attrs...)
	case apperrors.TypeUnauthorized, apperrors.TypeForbidden:
		slog.WarnContext(ctx, "Authentication failed", attrs...)
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

func WrapHTTPError(httpErr *echo.HTTPError) *apperrors.Error {
	message := "internal server error"
	if msg, ok := httpErr.Message.(string); ok {
		message = msg
	}

	var errType apperrors.ErrorType
	switch httpErr.Code {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
		errType = apperrors.TypeValidation
	case http.StatusUnauthorized:
		errType = apperrors.TypeUnauthorized
	case http.StatusForbidden:
		errType = apperrors.TypeForbidden
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		errType = apperrors.TypeNotFound
	case http.StatusTooManyRequests:
		errType = apperrors.TypeRateLimited
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		errType = apperrors.TypeExternal
	default:
		errType = apperrors.TypeInternal
	}

	err := &apperrors.Error{
		Type:    errType,
		Message: message,
		Context: make(map[string]any),
	}
	if httpErr.Internal != nil {
		err.Cause = httpErr.Internal
	}
	return err
}

// requireAdmin authenticates the bearer credential and demands the admin flag.
func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		credential := auth.CredentialFromRequest(c.Request())
		profile, err := s.deps.Resolver.Resolve(c.Request().Context(), credential)
		if err != nil {
			return apperrors.UnauthorizedError("authentication required", err)
		}
		if err := auth.RequireAdmin(profile); err != nil {
			return apperrors.ForbiddenError("admin access required").WithContext("identity", string(profile.Identity))
		}

		c.Set(admission.IdentityContextKey, profile.Identity)
		c.Set(profileContextKey, profile)
		return next(c)
	}
}
