package settlement

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/medichain/medichain/internal/platform/apierror"
	"github.com/medichain/medichain/internal/platform/auth"
	"github.com/medichain/medichain/internal/platform/reporting"
	"github.com/medichain/medichain/pkg/pagination"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/transactions", auth.RequireIdentity())
	g.POST("/charges", h.IssueCharge)
	g.GET("", h.List)
	g.GET("/statement", h.Statement)
	g.GET("/:id", h.Get)
	g.POST("/:id/settle", h.Settle)
}

type chargeRequest struct {
	PatientID string `json:"patient_id"`
	Value     int64  `json:"value"`
}

func (h *Handler) IssueCharge(c echo.Context) error {
	var req chargeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	t, err := h.svc.IssueCharge(ctx, auth.ParticipantFromContext(ctx), req.PatientID, req.Value)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusCreated, t)
}

type settleRequest struct {
	NativeValue string `json:"native_value"`
}

func (h *Handler) Settle(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req settleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	t, err := h.svc.Settle(ctx, auth.ParticipantFromContext(ctx), id, req.NativeValue)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	t, err := h.svc.Get(ctx, auth.ParticipantFromContext(ctx), id)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	txs, err := h.svc.ListFor(ctx, auth.ParticipantFromContext(ctx), c.QueryParam("participant"))
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(txs, pagination.FromContext(c)))
}

func (h *Handler) Statement(c echo.Context) error {
	ctx := c.Request().Context()
	owner, txs, err := h.svc.Statement(ctx, auth.ParticipantFromContext(ctx), c.QueryParam("participant"))
	if err != nil {
		return apierror.From(err)
	}
	data, err := reporting.Statement(owner, txs, h.svc.now())
	if err != nil {
		return apierror.From(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", "statement-"+owner.ID+".xlsx"))
	return c.Blob(http.StatusOK, xlsxContentType, data)
}

func parseID(c echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}
