package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// DefaultUsageTTL is the freshness window for cached snapshots.
const DefaultUsageTTL = 5 * time.Minute

// UsageAPI fetches live rate-limit windows for one account. Fetch failures
// must never abort account selection.
type UsageAPI interface {
	Fetch(ctx context.Context, account Account) (UsageSnapshot, error)
}

// UsageCache caches snapshots per account with a TTL. A failed fetch keeps
// the prior valid snapshot; a missing snapshot reads as neutral.
type UsageCache struct {
	api    UsageAPI
	ttl    time.Duration
	clock  clock.Clock
	logger zerolog.Logger

	mu        sync.Mutex
	snapshots map[string]UsageSnapshot
}

// NewUsageCache creates a cache over the given API. A non-positive ttl
// selects DefaultUsageTTL.
func NewUsageCache(api UsageAPI, ttl time.Duration, clk clock.Clock, logger zerolog.Logger) *UsageCache {
	if ttl <= 0 {
		ttl = DefaultUsageTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &UsageCache{
		api:       api,
		ttl:       ttl,
		clock:     clk,
		logger:    logger,
		snapshots: make(map[string]UsageSnapshot),
	}
}

// Get returns the account's snapshot, fetching when the cache is stale. The
// second return reports whether a live fetch happened.
func (c *UsageCache) Get(ctx context.Context, account Account) (UsageSnapshot, bool) {
	c.mu.Lock()
	cached, ok := c.snapshots[account.ID]
	c.mu.Unlock()

	now := c.clock.Now()
	if ok && cached.Valid() && now.Sub(cached.FetchedAt) < c.ttl {
		return cached, false
	}

	snap, err := c.api.Fetch(ctx, account)
	if err != nil {
		c.logger.Warn().
			Str("account", account.ID).
			Err(err).
			Msg("Usage fetch failed")
		if ok && cached.Valid() {
			// Keep serving the stale-but-real snapshot.
			return cached, true
		}
		return UsageSnapshot{FetchedAt: now, FetchErr: err.Error()}, true
	}

	snap.FetchedAt = now
	snap.FetchErr = ""
	c.mu.Lock()
	c.snapshots[account.ID] = snap
	c.mu.Unlock()
	return snap, true
}

// Peek returns the cached snapshot without fetching.
func (c *UsageCache) Peek(accountID string) (UsageSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snapshots[accountID]
	return snap, ok
}

// Invalidate drops one account's snapshot, or all of them for an empty id.
func (c *UsageCache) Invalidate(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if accountID == "" {
		c.snapshots = make(map[string]UsageSnapshot)
		return
	}
	delete(c.snapshots, accountID)
}

// FileUsageAPI reads usage windows the agent binary drops next to its
// credentials, at <config_dir>/usage.json.
type FileUsageAPI struct{}

type fileUsagePayload struct {
	Short struct {
		Utilization float64   `json:"utilization"`
		ResetsAt    time.Time `json:"resets_at"`
	} `json:"short_window"`
	Long struct {
		Utilization float64   `json:"utilization"`
		ResetsAt    time.Time `json:"resets_at"`
	} `json:"long_window"`
}

// Fetch implements UsageAPI.
func (FileUsageAPI) Fetch(ctx context.Context, account Account) (UsageSnapshot, error) {
	if account.ConfigDir == "" {
		return UsageSnapshot{}, fmt.Errorf("account %s has no config dir", account.ID)
	}
	data, err := os.ReadFile(filepath.Join(account.ConfigDir, "usage.json"))
	if err != nil {
		return UsageSnapshot{}, fmt.Errorf("read usage file: %w", err)
	}
	var payload fileUsagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return UsageSnapshot{}, fmt.Errorf("parse usage file: %w", err)
	}
	return UsageSnapshot{
		Short: Window{Utilization: payload.Short.Utilization, ResetsAt: payload.Short.ResetsAt},
		Long:  Window{Utilization: payload.Long.Utilization, ResetsAt: payload.Long.ResetsAt},
	}, nil
}
