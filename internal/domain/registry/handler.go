package registry

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
	g.POST("/participants", h.Register)
	g.GET("/participants", h.LookupByEmail)
	g.GET("/participants/:id", h.Lookup)
	g.PUT("/participants/:id/active", h.SetActive)
	g.GET("/insurers", h.ListInsurers)
}

func (h *Handler) Register(c echo.Context) error {
	var in RegisterInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	p, err := h.svc.Register(ctx, auth.ParticipantFromContext(ctx), in)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Lookup(c echo.Context) error {
	p, err := h.svc.Lookup(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) LookupByEmail(c echo.Context) error {
	email := c.QueryParam("email")
	if email == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email query parameter is required")
	}
	p, err := h.svc.LookupByEmail(c.Request().Context(), email)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, p)
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

func (h *Handler) SetActive(c echo.Context) error {
	var req setActiveRequest
	if err := c.Bind(&req); err != nil || req.Active == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "active is required")
	}
	ctx := c.Request().Context()
	p, err := h.svc.SetActive(ctx, auth.ParticipantFromContext(ctx), c.Param("id"), *req.Active)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListInsurers(c echo.Context) error {
	insurers, err := h.svc.ListInsurers(c.Request().Context())
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(insurers, pagination.FromContext(c)))
}
