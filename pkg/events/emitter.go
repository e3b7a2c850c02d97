// Package events publishes cluster and feedback changes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/realtime"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// Publisher writes events to the bus. *kafka.Producer implements it.
type Publisher interface {
	Publish(ctx context.Context, events ...kafka.Event) error
}

var (
	_ realtime.CommitObserver = (*Emitter)(nil)
	_ Publisher               = (*kafka.Producer)(nil)
)

// Emitter handles event emission for clover
type Emitter struct {
	publisher Publisher
	logger    ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(publisher Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
	}
}

// ClusterChanged emits cluster.updated, or cluster.dissolved when the commit
// emptied the cluster. Events are keyed by cluster id.
func (e *Emitter) ClusterChanged(ctx context.Context, change realtime.ClusterChange) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.ClusterChanged")
	defer span.End()

	event := ClusterEvent{
		BaseEvent: NewBaseEvent(EventTypeClusterDissolved),
		ClusterID: change.ClusterID,
		Members:   []ClusterMember{},
		Trigger:   member(change.Trigger),
	}
	if !change.Dissolved() {
		kc := change.Cluster
		event.EventType = EventTypeClusterUpdated
		event.Version = kc.Version
		event.Score = kc.Score
		for _, k := range kc.Cluster.Members().Sorted() {
			event.Members = append(event.Members, member(k))
		}
		for _, edge := range kc.Cluster.Edges() {
			event.Edges = append(event.Edges, ClusterEdge{
				Src:   member(edge.Pair.First()),
				Dst:   member(edge.Pair.Second()),
				Score: edge.Score,
			})
		}
	}

	return e.emit(ctx, change.ClusterID.String(), event.EventType, event, map[string]string{
		"cluster_version": strconv.FormatInt(event.Version, 10),
	})
}

// FeedbackChanged emits feedback.recorded or feedback.deleted keyed by the
// canonical pair.
func (e *Emitter) FeedbackChanged(ctx context.Context, fb models.EntityLinkingFeedback, deleted bool) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.FeedbackChanged")
	defer span.End()

	eventType := EventTypeFeedbackRecorded
	if deleted {
		eventType = EventTypeFeedbackDeleted
	}
	fb = fb.Canonical()
	event := FeedbackEvent{
		BaseEvent: NewBaseEvent(eventType),
		Src:       member(fb.Src),
		Dst:       member(fb.Dst),
		Linked:    fb.Linked,
	}
	return e.emit(ctx, fb.Pair().String(), eventType, event, nil)
}

func (e *Emitter) emit(ctx context.Context, key string, eventType EventType, payload any, headers map[string]string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}

	all := map[string]string{kafka.HeaderSchemaVersion: SchemaVersion}
	for k, v := range headers {
		all[k] = v
	}

	if err := e.publisher.Publish(ctx, kafka.Event{Key: key, Type: string(eventType), Payload: data, Headers: all}); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("event_type", string(eventType)).Error("Failed to emit event")
		return err
	}
	return nil
}
