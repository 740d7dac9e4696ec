package access

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medichain/medichain/internal/platform/apierror"
	"github.com/medichain/medichain/internal/platform/auth"
	"github.com/medichain/medichain/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireIdentity())
	g.POST("/grants", h.Grant)
	g.DELETE("/grants/:doctor", h.Revoke)
	g.GET("/grants", h.ListGrantedDoctors)
	g.GET("/patients", h.ListAccessiblePatients)
	g.GET("/enrollments", h.ListEnrolledPatients)
}

type grantRequest struct {
	DoctorEmail string `json:"doctor_email"`
}

func (h *Handler) Grant(c echo.Context) error {
	var req grantRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	g, err := h.svc.Grant(ctx, auth.ParticipantFromContext(ctx), req.DoctorEmail)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, g)
}

func (h *Handler) Revoke(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.svc.Revoke(ctx, auth.ParticipantFromContext(ctx), c.Param("doctor")); err != nil {
		return apierror.From(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListGrantedDoctors(c echo.Context) error {
	ctx := c.Request().Context()
	doctors, err := h.svc.ListGrantedDoctors(ctx, auth.ParticipantFromContext(ctx))
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(doctors, pagination.FromContext(c)))
}

func (h *Handler) ListAccessiblePatients(c echo.Context) error {
	ctx := c.Request().Context()
	patients, err := h.svc.ListAccessiblePatients(ctx, auth.ParticipantFromContext(ctx))
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(patients, pagination.FromContext(c)))
}

func (h *Handler) ListEnrolledPatients(c echo.Context) error {
	ctx := c.Request().Context()
	patients, err := h.svc.ListEnrolledPatients(ctx, auth.ParticipantFromContext(ctx))
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(patients, pagination.FromContext(c)))
}
