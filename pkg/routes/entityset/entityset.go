// Package entityset serves entity set registration and entity import.
package entityset

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/linking"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/processor"
	"github.com/Ramsey-B/clover/pkg/routes/validation"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Ingester writes raw entities into a set. *processor.Processor implements it.
type Ingester interface {
	Ingest(ctx context.Context, entitySetID uuid.UUID, entities map[uuid.UUID]map[string][]any) (processor.Result, error)
}

// RegisterRequest is the body of an entity set registration.
type RegisterRequest struct {
	Name       string `json:"name" validate:"required"`
	EntityType string `json:"entityType" validate:"required"`
}

type Handler struct {
	linking  linking.Service
	ingester Ingester
	logger   ectologger.Logger
}

func NewHandler(linkingService linking.Service, ingester Ingester, logger ectologger.Logger) *Handler {
	return &Handler{
		linking:  linkingService,
		ingester: ingester,
		logger:   logger,
	}
}

func (h *Handler) Register(g *echo.Group) {
	g.PUT("/entity-sets/:entitySetId", h.RegisterSet)
	g.GET("/entity-sets/:entitySetId", h.GetSet)
	g.PUT("/entity-sets/:entitySetId/entities", h.UpsertEntities)
}

// RegisterSet creates or renames an entity set.
func (h *Handler) RegisterSet(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "entityset_handler.RegisterSet")
	defer span.End()

	id, err := validation.UUIDParam(c, "entitySetId")
	if err != nil {
		return err
	}
	req, err := validation.Bind[RegisterRequest](c)
	if err != nil {
		return err
	}

	set := models.EntitySet{ID: id, Name: req.Name, EntityType: req.EntityType}
	if err := h.linking.RegisterEntitySet(ctx, set); err != nil {
		return err
	}

	stored, err := h.linking.GetEntitySet(ctx, id)
	if err != nil {
		return err
	}
	h.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_set_id": id.String(),
		"entity_type":   req.EntityType,
	}).Info("Registered entity set")
	return c.JSON(http.StatusOK, stored)
}

func (h *Handler) GetSet(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "entityset_handler.GetSet")
	defer span.End()

	id, err := validation.UUIDParam(c, "entitySetId")
	if err != nil {
		return err
	}
	set, err := h.linking.GetEntitySet(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, set)
}

// UpsertEntities imports raw entities. Changed entities are queued for linking.
func (h *Handler) UpsertEntities(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "entityset_handler.UpsertEntities")
	defer span.End()

	id, err := validation.UUIDParam(c, "entitySetId")
	if err != nil {
		return err
	}
	req, err := validation.Bind[models.UpsertEntitiesRequest](c)
	if err != nil {
		return err
	}

	res, err := h.ingester.Ingest(ctx, id, req.Entities)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
