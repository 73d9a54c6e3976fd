// Package api is the thin HTTP façade over core.Core (spec.md §6): it
// translates JSON requests into core calls and maps core results back
// onto the wire shapes the HTTP surface promises. It carries no business
// logic of its own.
package api

import (
	"context"
	"log/slog"

	"github.com/ignite/bulkmail/internal/domain"
	"github.com/ignite/bulkmail/internal/scheduler"
	"github.com/ignite/bulkmail/internal/store"
)

// coreFacade is the subset of *core.Core the HTTP handlers depend on.
// Defined here (rather than imported directly) so handler tests can
// substitute a fake without constructing a full Core.
type coreFacade interface {
	Submit(ctx context.Context, in scheduler.CampaignInput) (string, error)
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	GetCampaignDetail(ctx context.Context, id string) (*domain.Campaign, []domain.Job, error)
	ListCampaigns(ctx context.Context, owner string) ([]domain.Campaign, error)
	ListTerminalJobs(ctx context.Context, owner string) ([]domain.Job, error)
	QueueStats(ctx context.Context) (store.Stats, error)
}

// Handlers holds the dependencies every HTTP handler needs.
type Handlers struct {
	core coreFacade
	log  *slog.Logger
}

// NewHandlers builds a Handlers bound to core.
func NewHandlers(c coreFacade, log *slog.Logger) *Handlers {
	return &Handlers{core: c, log: log}
}
