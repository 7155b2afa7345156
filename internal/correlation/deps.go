package correlation

import (
	"context"

	"github.com/tacos8me/calldoc/internal/models"
)

// Store persists call facts. Calls are synchronous and never retried.
type Store interface {
	// UpsertCall creates or updates the call keyed by ExternalCallID and
	// returns its row id. Zero-valued fields leave stored values alone.
	UpsertCall(ctx context.Context, fields models.CallFields) (int64, error)
	InsertCallEvent(ctx context.Context, row models.CallEventRow) error
	UpdateAgentState(ctx context.Context, state models.AgentState) error
	UpdateGroupStats(ctx context.Context, stats models.GroupStats) error
}

// Publisher announces call changes downstream. Failures are counted, not retried.
type Publisher interface {
	PublishCall(ctx context.Context, a models.CallAnnouncement) error
}

// Directory resolves an extension to an agent. It returns nil, nil when the
// extension is unknown.
type Directory interface {
	ResolveAgent(ctx context.Context, extension string) (*models.Agent, error)
}

// NopPublisher discards announcements.
type NopPublisher struct{}

func (NopPublisher) PublishCall(context.Context, models.CallAnnouncement) error { return nil }
