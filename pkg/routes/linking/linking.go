// Package linking serves the linking feedback, status and cluster routes.
package linking

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/linking"
	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/routes/validation"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// FeedbackService is the part of *feedback.Service the routes use.
type FeedbackService interface {
	AddLinkingFeedback(ctx context.Context, fb models.EntityLinkingFeedback) (bool, error)
	GetLinkingFeedbacks(ctx context.Context) ([]models.EntityLinkingFeedback, error)
	GetLinkingFeedbacksWithFeatures(ctx context.Context) ([]models.EntityLinkingFeatures, error)
	GetLinkingFeedback(ctx context.Context, a, b models.EntityDataKey) (*models.EntityLinkingFeedback, error)
	DeleteLinkingFeedback(ctx context.Context, a, b models.EntityDataKey) (bool, error)
}

// StatusSource reports the linking state of a set. *realtime.Linker overlays
// the keys it is clustering onto the stored counts.
type StatusSource interface {
	Status(ctx context.Context, entitySetID uuid.UUID) (models.EntitySetLinkingStatus, error)
}

// PairRequest names the two entities of a feedback.
type PairRequest struct {
	Src models.EntityDataKey `json:"src" validate:"required"`
	Dst models.EntityDataKey `json:"dst" validate:"required"`
}

// SearchRequest selects the sets whose clusters are returned.
type SearchRequest struct {
	EntitySetIDs []uuid.UUID `json:"entitySetIds" validate:"required,min=1"`
}

type Handler struct {
	feedback  FeedbackService
	linking   linking.Service
	status    StatusSource
	adminRole string
	logger    ectologger.Logger
}

func NewHandler(feedback FeedbackService, linkingService linking.Service, status StatusSource, adminRole string, logger ectologger.Logger) *Handler {
	return &Handler{
		feedback:  feedback,
		linking:   linkingService,
		status:    status,
		adminRole: adminRole,
		logger:    logger,
	}
}

func (h *Handler) Register(g *echo.Group) {
	g.PUT("/linking/feedback", h.AddFeedback)
	g.GET("/linking/feedback", h.GetFeedback)
	g.DELETE("/linking/feedback", h.DeleteFeedback)
	g.GET("/linking/feedback/all", h.GetAllFeedback)
	g.GET("/linking/feedback/all/features", h.GetAllFeedbackWithFeatures)
	g.GET("/linking/finished/set", h.GetFinishedSets, middleware.RequireRole(h.adminRole))
	g.GET("/linking/status/:entitySetId", h.GetStatus)
	g.GET("/linking/clusters/:clusterId", h.GetCluster)
	g.POST("/linking/search", h.Search)
}

// AddFeedback records a linked or not-linked decision. A self pair is
// answered with false.
func (h *Handler) AddFeedback(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "linking_handler.AddFeedback")
	defer span.End()

	req, err := validation.Bind[models.EntityLinkingFeedback](c)
	if err != nil {
		return err
	}

	ok, err := h.feedback.AddLinkingFeedback(ctx, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ok)
}

func (h *Handler) GetFeedback(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "linking_handler.GetFeedback")
	defer span.End()

	src, err := queryKey(c, "src")
	if err != nil {
		return err
	}
	dst, err := queryKey(c, "dst")
	if err != nil {
		return err
	}

	fb, err := h.feedback.GetLinkingFeedback(ctx, src, dst)
	if err != nil {
		return err
	}
	if fb == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "no feedback for pair")
	}
	return c.JSON(http.StatusOK, fb)
}

func (h *Handler) DeleteFeedback(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "linking_handler.DeleteFeedback")
	defer span.End()

	req, err := validation.Bind[PairRequest](c)
	if err != nil {
		return err
	}

	deleted, err := h.feedback.DeleteLinkingFeedback(ctx, req.Src, req.Dst)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, deleted)
}

func (h *Handler) GetAllFeedback(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "linking_handler.GetAllFeedback")
	defer span.End()

	all, err := h.feedback.GetLinkingFeedbacks(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, all)
}

func (h *Handler) GetAllFeedbackWithFeatures(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "linking_handler.GetAllFeedbackWithFeatures")
	defer span.End()

	all, err := h.feedback.GetLinkingFeedbacksWithFeatures(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, all)
}

// GetFinishedSets returns the sets with nothing left to link. Repeated
// entitySetId query parameters narrow the check, none means every set.
func (h *Handler) GetFinishedSets(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "linking_handler.GetFinishedSets")
	defer span.End()

	ids := make([]uuid.UUID, 0)
	for _, raw := range c.QueryParams()["entitySetId"] {
		id, err := uuid.Parse(raw)
		if err != nil {
			return httperror.NewHTTPError(http.StatusBadRequest, "entitySetId must be a uuid")
		}
		ids = append(ids, id)
	}

	finished, err := h.linking.GetLinkingFinishedEntitySets(ctx, ids)
	if err != nil {
		return err
	}
	h.logger.WithContext(ctx).WithField("finished", len(finished)).Debug("Listed finished entity sets")
	return c.JSON(http.StatusOK, finished)
}

func (h *Handler) GetStatus(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "linking_handler.GetStatus")
	defer span.End()

	id, err := validation.UUIDParam(c, "entitySetId")
	if err != nil {
		return err
	}

	st, err := h.status.Status(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) GetCluster(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "linking_handler.GetCluster")
	defer span.End()

	id, err := validation.UUIDParam(c, "clusterId")
	if err != nil {
		return err
	}

	kc, err := h.linking.GetCluster(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, kc)
}

func (h *Handler) Search(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "linking_handler.Search")
	defer span.End()

	req, err := validation.Bind[SearchRequest](c)
	if err != nil {
		return err
	}

	clusters, err := h.linking.SearchLinkedEntities(ctx, req.EntitySetIDs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, clusters)
}

func queryKey(c echo.Context, prefix string) (models.EntityDataKey, error) {
	setID, err := validation.UUIDQuery(c, prefix+"EntitySetId")
	if err != nil {
		return models.EntityDataKey{}, err
	}
	keyID, err := validation.UUIDQuery(c, prefix+"EntityKeyId")
	if err != nil {
		return models.EntityDataKey{}, err
	}
	return models.NewEntityDataKey(setID, keyID), nil
}
