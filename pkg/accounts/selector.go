package accounts

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/lonelyclick/agentkeeper/pkg/session"
)

// ErrNoAccount signals that no account is available at all.
var ErrNoAccount = errors.New("no account available")

// Epsilon is the weighted-capacity gap under which the short window cannot
// decide between the top two candidates.
const Epsilon = 0.25

// Reason explains which rule picked the account.
type Reason string

const (
	ReasonOnlyCandidate Reason = "only_candidate"
	ReasonShortWindow   Reason = "short_window"
	ReasonLongWindow    Reason = "long_window"
	ReasonFallback      Reason = "fallback"
)

// Selection is the outcome of SelectBest.
type Selection struct {
	Account       Account
	Usage         UsageSnapshot
	Reason        Reason
	AlreadyActive bool
}

// Selector picks the next account to rotate to.
type Selector struct {
	store  *Store
	cache  *UsageCache
	logger zerolog.Logger

	// sleep and jitter are swappable for tests.
	sleep  func(time.Duration)
	jitter func() time.Duration
}

// NewSelector creates a selector over the store and usage cache.
func NewSelector(store *Store, cache *UsageCache, logger zerolog.Logger) *Selector {
	return &Selector{
		store:  store,
		cache:  cache,
		logger: logger,
		sleep:  time.Sleep,
		jitter: func() time.Duration {
			return time.Duration(50+rand.Intn(100)) * time.Millisecond
		},
	}
}

type scored struct {
	account Account
	usage   UsageSnapshot
}

func (s scored) shortCapacity() float64 {
	return (1 - s.usage.ShortUtilization()) * s.account.EffectiveWeight()
}

func (s scored) longCapacity() float64 {
	return (1 - s.usage.LongUtilization()) * s.account.EffectiveWeight()
}

// overThreshold reports whether the account's short window meets or exceeds
// its individual rotation threshold.
func (s scored) overThreshold() bool {
	if s.account.Threshold <= 0 {
		return false
	}
	return s.usage.ShortUtilization()*100 >= float64(s.account.Threshold)
}

// SelectBest returns the best eligible account with its usage snapshot and
// the rule that decided, or ErrNoAccount.
func (s *Selector) SelectBest(ctx context.Context) (*Selection, error) {
	activeID := ""
	if active, ok := s.store.Active(); ok {
		activeID = active.ID
	}

	candidates := lo.Filter(s.store.List(), func(a Account, _ int) bool {
		return a.AutoRotate
	})

	if len(candidates) == 0 {
		active, ok := s.store.Active()
		if !ok {
			return nil, ErrNoAccount
		}
		usage, _ := s.cache.Get(ctx, active)
		return &Selection{Account: active, Usage: usage, Reason: ReasonFallback, AlreadyActive: true}, nil
	}

	if len(candidates) == 1 {
		usage, _ := s.cache.Get(ctx, candidates[0])
		return &Selection{
			Account:       candidates[0],
			Usage:         usage,
			Reason:        ReasonOnlyCandidate,
			AlreadyActive: candidates[0].ID == activeID,
		}, nil
	}

	// Serialized fetches with jitter between live calls, to keep the
	// upstream from seeing a burst.
	pool := make([]scored, 0, len(candidates))
	fetched := false
	for _, a := range candidates {
		if fetched {
			s.sleep(s.jitter())
		}
		usage, live := s.cache.Get(ctx, a)
		fetched = live
		pool = append(pool, scored{account: a, usage: usage})
	}

	eligible := lo.Filter(pool, func(c scored, _ int) bool {
		return !c.overThreshold()
	})
	if len(eligible) == 0 {
		// Thresholds alone never fail selection.
		eligible = pool
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].shortCapacity() > eligible[j].shortCapacity()
	})

	best := eligible[0]
	reason := ReasonShortWindow
	if len(eligible) > 1 {
		second := eligible[1]
		if best.shortCapacity()-second.shortCapacity() < Epsilon {
			reason = ReasonLongWindow
			if second.longCapacity() > best.longCapacity() {
				best = second
			}
		}
	}

	s.logger.Info().
		Str("account", best.account.ID).
		Str("reason", string(reason)).
		Float64("short_capacity", best.shortCapacity()).
		Float64("long_capacity", best.longCapacity()).
		Msg("Account selected")

	return &Selection{
		Account:       best.account,
		Usage:         best.usage,
		Reason:        reason,
		AlreadyActive: best.account.ID == activeID,
	}, nil
}

// Rotate switches the active account to the best candidate and, when a
// session id is known, links its transcript under the new account's
// credential directory so the session can resume there.
func (s *Selector) Rotate(ctx context.Context, sessionID, workingDir string) (*Selection, error) {
	sel, err := s.SelectBest(ctx)
	if err != nil {
		return nil, err
	}
	if sel.AlreadyActive {
		// Distinct no-op outcome, not an error.
		return sel, nil
	}

	if err := s.store.SetActive(sel.Account.ID); err != nil {
		return nil, err
	}

	if sessionID != "" && sel.Account.ConfigDir != "" {
		if _, err := session.LinkTranscript(sessionID, workingDir, s.store.ConfigDirs(), sel.Account.ConfigDir); err != nil {
			s.logger.Warn().
				Str("session_id", sessionID).
				Str("account", sel.Account.ID).
				Err(err).
				Msg("Could not link transcript for new account")
		}
	}

	s.logger.Info().
		Str("account", sel.Account.ID).
		Str("reason", string(sel.Reason)).
		Msg("Rotated active account")

	return sel, nil
}
