package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/bulkmail/internal/domain"
	"github.com/ignite/bulkmail/internal/store"
)

// campaignTTL bounds how long a cached campaign row is trusted before
// being re-read. Campaign subject/body/attachments are immutable after
// creation (spec.md §3), so this only guards against staleness of the
// mutable hourlyLimit/status fields across a long-running campaign.
const campaignTTL = 30 * time.Second

type cachedCampaign struct {
	campaign *domain.Campaign
	loadedAt time.Time
}

// campaignCache resolves a leased jobID into its Job and parent
// Campaign rows, caching campaigns since a single campaign backs many
// jobs and its immutable fields never need re-fetching per job.
type campaignCache struct {
	store store.Store

	mu   sync.Mutex
	byID map[string]cachedCampaign
}

func newCampaignCache(st store.Store) *campaignCache {
	return &campaignCache{store: st, byID: map[string]cachedCampaign{}}
}

func (c *campaignCache) jobAndCampaign(ctx context.Context, jobID string) (*domain.Job, *domain.Campaign, error) {
	job, err := c.store.ReadJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read job %s: %w", jobID, err)
	}

	campaign, err := c.campaign(ctx, job.CampaignID)
	if err != nil {
		return nil, nil, err
	}
	return job, campaign, nil
}

func (c *campaignCache) campaign(ctx context.Context, campaignID string) (*domain.Campaign, error) {
	c.mu.Lock()
	entry, ok := c.byID[campaignID]
	c.mu.Unlock()
	if ok && time.Since(entry.loadedAt) < campaignTTL {
		return entry.campaign, nil
	}

	campaign, err := c.store.ReadCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("read campaign %s: %w", campaignID, err)
	}

	c.mu.Lock()
	c.byID[campaignID] = cachedCampaign{campaign: campaign, loadedAt: time.Now().UTC()}
	c.mu.Unlock()
	return campaign, nil
}
