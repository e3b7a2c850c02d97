// Package processor is the ingestion layer. It writes entities to the entity
// store, indexes their block keys and marks changed entities as needing
// linking. Linking itself is left to the realtime loop.
package processor

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/dataloader"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/linkerr"
	"github.com/Ramsey-B/clover/pkg/linking"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Indexer stores the block keys of an entity. *blocking.Blocker implements it.
type Indexer interface {
	Index(ctx context.Context, entity models.Entity) error
}

// EntityValidator checks raw properties against the schema of their entity
// type. *schema.Registry implements it.
type EntityValidator interface {
	ValidateEntities(entityType string, entities map[uuid.UUID]map[string][]any) error
}

// Result summarises one ingested batch.
type Result struct {
	EntitySetID uuid.UUID `json:"entity_set_id"`
	Received    int       `json:"received"`
	Changed     int       `json:"changed"`
}

// Processor handles entity writes for the linking pipeline
type Processor struct {
	logger    ectologger.Logger
	store     dataloader.EntityStore
	indexer   Indexer
	linking   linking.Service
	validator EntityValidator
}

// NewProcessor creates a new ingestion processor.
func NewProcessor(logger ectologger.Logger, store dataloader.EntityStore, indexer Indexer, linkingService linking.Service) *Processor {
	return &Processor{
		logger:  logger,
		store:   store,
		indexer: indexer,
		linking: linkingService,
	}
}

// WithValidator rejects batches that fail v before anything is written.
func (p *Processor) WithValidator(v EntityValidator) *Processor {
	p.validator = v
	return p
}

// Ingest writes entities into a registered set. Entities whose properties did
// not change keep their version and stay linked.
func (p *Processor) Ingest(ctx context.Context, entitySetID uuid.UUID, entities map[uuid.UUID]map[string][]any) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.Ingest")
	defer span.End()

	result := Result{EntitySetID: entitySetID, Received: len(entities)}
	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_set_id": entitySetID.String(),
		"received":      len(entities),
	})

	if len(entities) == 0 {
		return result, linkerr.Validation("no entities to ingest")
	}
	for id := range entities {
		if id == uuid.Nil {
			return result, linkerr.Validation("entity key id is required")
		}
	}
	set, err := p.linking.GetEntitySet(ctx, entitySetID)
	if err != nil {
		return result, err
	}
	if p.validator != nil {
		if err := p.validator.ValidateEntities(set.EntityType, entities); err != nil {
			log.WithError(err).Warn("Rejected entity batch")
			return result, err
		}
	}

	changed, err := p.store.Upsert(ctx, entitySetID, entities)
	if err != nil {
		log.WithError(err).Error("Failed to write entities")
		return result, err
	}
	result.Changed = len(changed)
	metrics.RecordIngest(len(changed), len(entities)-len(changed))

	if len(changed) == 0 {
		log.Debug("No entity changed")
		return result, nil
	}

	keys := make([]models.EntityDataKey, 0, len(changed))
	for _, e := range changed {
		if err := p.indexer.Index(ctx, e); err != nil {
			log.WithError(err).WithField("key", e.Key.String()).Error("Failed to index entity")
			return result, err
		}
		keys = append(keys, e.Key)
	}
	if err := p.linking.MarkNeedsLinking(ctx, keys...); err != nil {
		return result, err
	}

	log.WithField("changed", len(changed)).Info("Ingested entities")
	return result, nil
}

// ProcessMessage handles an incoming Kafka entity write.
func (p *Processor) ProcessMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.ProcessMessage")
	defer span.End()

	if msg.EntityWrite == nil {
		if err := msg.ParseEntityWrite(); err != nil {
			return linkerr.Validation("%s", err.Error())
		}
	}

	_, err := p.Ingest(ctx, msg.EntityWrite.EntitySetID, msg.EntityWrite.Entities)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"key":    msg.Key,
			"topic":  msg.Topic,
			"offset": msg.Offset,
		}).Warn("Failed to ingest entity write")
	}
	return err
}
