// Package plan computes a User's subscription state, decides whether their
// syncs should be paused, and tracks their monthly usage against plan caps
// (spec §4.9).
package plan

import (
	"context"
	"fmt"
	"time"

	"github.com/reoxt/basesync/internal/domain"
)

// SubscriptionState is the coarse billing state PlanGuard derives from a
// User's trial/subscription fields.
type SubscriptionState string

const (
	StateTrialActive         SubscriptionState = "trial_active"
	StateTrialExpired        SubscriptionState = "trial_expired"
	StateSubscribed          SubscriptionState = "subscribed"
	StateSubscriptionInactive SubscriptionState = "subscription_inactive"
)

// ApproachingLimitThreshold is the fraction of a plan's maxRecordsPerSync at
// which a run's report carries a warning instead of failing outright.
const ApproachingLimitThreshold = 0.8

// Limits is a plan tier's caps; looked up by User.Plan.
type Limits struct {
	MaxRecordsPerSync int
}

// DefaultLimits is the built-in plan table; a deployment can override it by
// constructing a Guard with its own map.
var DefaultLimits = map[string]Limits{
	"free":       {MaxRecordsPerSync: 500},
	"pro":        {MaxRecordsPerSync: 10000},
	"enterprise": {MaxRecordsPerSync: 100000},
}

// UsageStore is the persistence seam Tracker writes through; satisfied by
// internal/repository.UsageRepository.
type UsageStore interface {
	Get(ctx context.Context, userID string, month time.Time) (*domain.UsageStats, error)
	IncrementRecordsSynced(ctx context.Context, userID string, when time.Time, delta int) error
	IncrementSyncConfigsCreated(ctx context.Context, userID string, when time.Time) error
}

// Guard is the PlanGuard of spec §4.9.
type Guard struct {
	limits map[string]Limits
}

func NewGuard(limits map[string]Limits) *Guard {
	if limits == nil {
		limits = DefaultLimits
	}
	return &Guard{limits: limits}
}

// SubscriptionStateOf derives a User's billing state at `now`.
func SubscriptionStateOf(u domain.User, now time.Time) SubscriptionState {
	switch u.SubscriptionStatus {
	case domain.SubscriptionActive, domain.SubscriptionCancelAtPeriodEnd:
		return StateSubscribed
	case domain.SubscriptionPastDue, domain.SubscriptionDeleted:
		return StateSubscriptionInactive
	}

	if u.TrialEndsAt == nil {
		return StateSubscriptionInactive
	}
	if now.Before(*u.TrialEndsAt) {
		return StateTrialActive
	}
	return StateTrialExpired
}

// ShouldPauseSyncs reports whether a run should be skipped outright (spec
// §4.9: true iff trial_expired or subscription_inactive).
func ShouldPauseSyncs(state SubscriptionState) bool {
	return state == StateTrialExpired || state == StateSubscriptionInactive
}

func (g *Guard) limitsFor(plan string) Limits {
	if l, ok := g.limits[plan]; ok {
		return l
	}
	return g.limits["free"]
}

// Decision is PlanGuard's verdict for a single run attempt.
type Decision struct {
	State             SubscriptionState
	Paused            bool
	MaxRecordsPerSync int
}

// Evaluate is PlanGuard's entry point, called by Scheduler/ManualTrigger
// before a run starts.
func (g *Guard) Evaluate(u domain.User, now time.Time) Decision {
	state := SubscriptionStateOf(u, now)
	limits := g.limitsFor(u.Plan)
	return Decision{State: state, Paused: ShouldPauseSyncs(state), MaxRecordsPerSync: limits.MaxRecordsPerSync}
}

// CheckRecordCount reports whether recordCount exceeds the plan's cap, and
// whether it's within ApproachingLimitThreshold of it (spec §4.9
// "approaching_limit warning").
func (d Decision) CheckRecordCount(recordCount int) (exceeded bool, approachingLimit bool) {
	if d.MaxRecordsPerSync <= 0 {
		return false, false
	}
	if recordCount > d.MaxRecordsPerSync {
		return true, false
	}
	threshold := float64(d.MaxRecordsPerSync) * ApproachingLimitThreshold
	return false, float64(recordCount) >= threshold
}

// Tracker is the UsageTracker of spec §4.9.
type Tracker struct {
	store UsageStore
}

func NewTracker(store UsageStore) *Tracker {
	return &Tracker{store: store}
}

// RecordSyncedRecords upserts the current month's records_synced counter
// for userID (spec §4.9 "UsageTracker upserts (userId, month) rows").
func (t *Tracker) RecordSyncedRecords(ctx context.Context, userID string, when time.Time, count int) error {
	if count <= 0 {
		return nil
	}
	if err := t.store.IncrementRecordsSynced(ctx, userID, when, count); err != nil {
		return fmt.Errorf("record synced records: %w", err)
	}
	return nil
}

// RecordSyncConfigCreated increments the month's sync_configs_created
// counter. Nothing in this module reads the counter back to limit config
// creation.
func (t *Tracker) RecordSyncConfigCreated(ctx context.Context, userID string, when time.Time) error {
	if err := t.store.IncrementSyncConfigsCreated(ctx, userID, when); err != nil {
		return fmt.Errorf("record sync config created: %w", err)
	}
	return nil
}

// CurrentUsage returns the current month's counters for userID.
func (t *Tracker) CurrentUsage(ctx context.Context, userID string, now time.Time) (*domain.UsageStats, error) {
	stats, err := t.store.Get(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("load usage stats: %w", err)
	}
	return stats, nil
}
