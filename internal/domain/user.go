// Package domain holds the plain entity types persisted by the engine:
// users, their SOR/grid connections, sync configurations, run logs, hash
// snapshots and usage statistics. Types here carry no behavior beyond small
// invariant helpers; persistence lives in internal/repository.
package domain

import "time"

// SubscriptionStatus mirrors the billing state of a User's subscription.
type SubscriptionStatus string

const (
	SubscriptionActive              SubscriptionStatus = "active"
	SubscriptionPastDue             SubscriptionStatus = "past_due"
	SubscriptionCancelAtPeriodEnd   SubscriptionStatus = "cancel_at_period_end"
	SubscriptionDeleted             SubscriptionStatus = "deleted"
)

// TrialDuration is the fixed length of a trial period (spec §3 invariant:
// trialEndsAt = trialStartedAt + 14 days).
const TrialDuration = 14 * 24 * time.Hour

// User is the owner of connections and sync configurations.
type User struct {
	ID                 string
	Email              string
	Plan               string
	SubscriptionStatus SubscriptionStatus
	TrialStartedAt     *time.Time
	TrialEndsAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NormalizedEmail returns the case-folded email used for uniqueness checks.
func (u User) NormalizedEmail() string {
	return normalizeEmail(u.Email)
}

func normalizeEmail(email string) string {
	out := make([]byte, len(email))
	for i := 0; i < len(email); i++ {
		c := email[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// Provider identifies which external API a connection or token belongs to.
type Provider string

const (
	ProviderSor  Provider = "sor"
	ProviderGrid Provider = "grid"
)

// Connection is the shared shape of SorConnection and GridConnection: an
// encrypted OAuth credential pair plus refresh bookkeeping (spec §3).
type Connection struct {
	UserID              string
	Provider            Provider
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	TokenExpiry         time.Time
	NeedsReauth         bool
	LastRefreshError    string
	LastRefreshAttempt  *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
