package realtime

import (
	"context"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/models"
)

// ClusterChange describes one cluster touched by a commit.
type ClusterChange struct {
	ClusterID uuid.UUID
	// Cluster is nil when the commit emptied the cluster
	Cluster *models.KeyedCluster
	// Trigger is the key whose linking caused the change
	Trigger models.EntityDataKey
}

// Dissolved reports whether the cluster no longer exists.
func (c ClusterChange) Dissolved() bool {
	return c.Cluster == nil
}

// CommitObserver is notified after every successful commit. Errors are logged
// and never undo the commit.
type CommitObserver interface {
	ClusterChanged(ctx context.Context, change ClusterChange) error
}

// ObserverFunc adapts a function to CommitObserver.
type ObserverFunc func(ctx context.Context, change ClusterChange) error

func (f ObserverFunc) ClusterChanged(ctx context.Context, change ClusterChange) error {
	return f(ctx, change)
}
