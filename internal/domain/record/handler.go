package record

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/medichain/medichain/internal/ledger"
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
	g.POST("/records", h.Create)
	g.GET("/records/:id", h.View)
	g.GET("/records/:id/images", h.GetImages)
	g.POST("/records/:id/images", h.AddImage)
	g.POST("/records/:id/approvals/doctor", h.approval((*Service).ApproveByDoctor))
	g.POST("/records/:id/approvals/director", h.approval((*Service).ApproveByDirector))
	g.POST("/records/:id/approvals/health-authority", h.approval((*Service).ApproveByHealthAuthority))

	g.GET("/patients/:patient/records", h.ListForPatient)
	g.POST("/patients/:patient/diagnoses", h.SubmitDiagnosis)
	g.GET("/patients/:patient/treatments", h.History)
}

func (h *Handler) Create(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	rec, err := h.svc.Create(ctx, auth.ParticipantFromContext(ctx), in)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

type approveFunc func(s *Service, ctx context.Context, callerID string, id uint64) (*ledger.MedicalRecord, error)

func (h *Handler) approval(fn approveFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := parseID(c)
		if err != nil {
			return err
		}
		ctx := c.Request().Context()
		rec, err := fn(h.svc, ctx, auth.ParticipantFromContext(ctx), id)
		if err != nil {
			return apierror.From(err)
		}
		return c.JSON(http.StatusOK, rec)
	}
}

func (h *Handler) View(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	rec, err := h.svc.View(ctx, auth.ParticipantFromContext(ctx), id)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetImages(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	images, err := h.svc.GetImages(ctx, auth.ParticipantFromContext(ctx), id)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(images, pagination.FromContext(c)))
}

func (h *Handler) AddImage(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in ImageInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	img, err := h.svc.AddImage(ctx, auth.ParticipantFromContext(ctx), id, in)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusCreated, img)
}

func (h *Handler) ListForPatient(c echo.Context) error {
	ctx := c.Request().Context()
	recs, err := h.svc.ListForPatient(ctx, auth.ParticipantFromContext(ctx), c.Param("patient"))
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(recs, pagination.FromContext(c)))
}

func (h *Handler) SubmitDiagnosis(c echo.Context) error {
	var in DiagnosisInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	d, err := h.svc.SubmitDiagnosis(ctx, auth.ParticipantFromContext(ctx), c.Param("patient"), in)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) History(c echo.Context) error {
	ctx := c.Request().Context()
	history, err := h.svc.History(ctx, auth.ParticipantFromContext(ctx), c.Param("patient"))
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(history, pagination.FromContext(c)))
}

func parseID(c echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}
