package domain

import "time"

type SubscriptionStatus string

const (
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
)

type Subscription struct {
	Status         SubscriptionStatus `json:"status"`
	TrialEnds      *time.Time         `json:"trial_ends,omitempty"`
	EffectiveUntil *time.Time         `json:"effective_until,omitempty"`
}

type Workspace struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

// SubscriptionExpired reports whether the workspace subscription had lapsed
// as of at. Workspaces without a subscription never expire.
func (w *Workspace) SubscriptionExpired(at time.Time) bool {
	if w == nil || w.Subscription == nil {
		return false
	}

	sub := w.Subscription
	switch sub.Status {
	case SubscriptionTrialing:
		return sub.TrialEnds != nil && sub.TrialEnds.Before(at)
	case SubscriptionCanceled, SubscriptionIncompleteExpired:
		if sub.EffectiveUntil == nil {
			return true
		}
		return sub.EffectiveUntil.Before(at)
	default:
		return false
	}
}
