package insurance

import (
	"net/http"
	"strconv"

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
	g.POST("/policies", h.CreatePolicy)
	g.GET("/insurers/:insurer/policies", h.ListPolicies)
	g.POST("/policies/:id/purchase", h.BuyPolicy)
	g.GET("/patients/:patient/enrollment", h.Enrollment)

	g.POST("/patients/:patient/claims", h.FileClaim)
	g.GET("/claims", h.ListClaims)
	g.GET("/claims/:id", h.GetClaim)
	g.POST("/claims/:id/approve", h.ApproveClaim)
	g.POST("/claims/:id/reject", h.RejectClaim)
}

func (h *Handler) CreatePolicy(c echo.Context) error {
	var in PolicyInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	p, err := h.svc.CreatePolicy(ctx, auth.ParticipantFromContext(ctx), in)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) ListPolicies(c echo.Context) error {
	ctx := c.Request().Context()
	policies, err := h.svc.ListPolicies(ctx, auth.ParticipantFromContext(ctx), c.Param("insurer"))
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(policies, pagination.FromContext(c)))
}

func (h *Handler) BuyPolicy(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	purchase, err := h.svc.BuyPolicy(ctx, auth.ParticipantFromContext(ctx), id)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusCreated, purchase)
}

func (h *Handler) Enrollment(c echo.Context) error {
	ctx := c.Request().Context()
	e, err := h.svc.Enrollment(ctx, auth.ParticipantFromContext(ctx), c.Param("patient"))
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) FileClaim(c echo.Context) error {
	var in ClaimInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	claim, err := h.svc.FileClaim(ctx, auth.ParticipantFromContext(ctx), c.Param("patient"), in)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusCreated, claim)
}

type approveRequest struct {
	NativeValue string `json:"native_value"`
}

func (h *Handler) ApproveClaim(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req approveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	payout, err := h.svc.ApproveClaim(ctx, auth.ParticipantFromContext(ctx), id, req.NativeValue)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, payout)
}

func (h *Handler) RejectClaim(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	claim, err := h.svc.RejectClaim(ctx, auth.ParticipantFromContext(ctx), id)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) ListClaims(c echo.Context) error {
	ctx := c.Request().Context()
	claims, err := h.svc.ListClaims(ctx, auth.ParticipantFromContext(ctx))
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(claims, pagination.FromContext(c)))
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	claim, err := h.svc.GetClaim(ctx, auth.ParticipantFromContext(ctx), id)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func parseID(c echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}
