package harvest

import (
	"context"

	"github.com/penwyp/go-pod-accounting/internal/core/lifecycle"
	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/core/registry"
	"github.com/penwyp/go-pod-accounting/internal/presentation/formatter"
)

// Reconstructor rebuilds the sessions visible in the metrics backend.
type Reconstructor interface {
	Run(ctx context.Context) (*registry.Registry, lifecycle.Stats, error)
}

// EntitlementResolver stamps reporting identities and returns the sessions it could not resolve.
type EntitlementResolver interface {
	Apply(sessions []*model.Session) []*model.Session
}

// SessionStore persists sessions between runs. MergeAll and MarkProcessed are each one
// transaction, so concurrent writers (the lifecycle watch) are never overwritten.
type SessionStore interface {
	Load(ctx context.Context, id string) (*model.Session, error)
	MergeAll(ctx context.Context, sessions []*model.Session) ([]*model.Session, error)
	MarkProcessed(ctx context.Context, ids []string) error
}

// Spool accepts one message batch for store-and-forward delivery.
type Spool interface {
	Add(data string) (string, error)
}

// BatchFormatter renders a message batch and reports how many records it holds.
type BatchFormatter interface {
	Record(s *model.Session) (formatter.Record, bool)
	Batch(sessions []*model.Session) (string, int)
}
