package auth

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

type contextKey string

// ParticipantKey carries the authenticated participant identity. Roles are
// not carried: they live in the participant registry and are resolved by
// each operation.
const ParticipantKey contextKey = "participant_id"

// WithParticipant returns ctx carrying the participant identity id.
func WithParticipant(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ParticipantKey, id)
}

// ParticipantFromContext returns the authenticated identity, or "" when the
// request is anonymous.
func ParticipantFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ParticipantKey).(string)
	return id
}

// RequireIdentity rejects anonymous requests with 401.
func RequireIdentity() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if ParticipantFromContext(c.Request().Context()) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			return next(c)
		}
	}
}

func setParticipant(c echo.Context, id string) {
	c.Set(string(ParticipantKey), id)
	c.SetRequest(c.Request().WithContext(WithParticipant(c.Request().Context(), id)))
}
