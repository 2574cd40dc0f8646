package rules

import (
	"time"

	"github.com/sparkmeet/backend/internal/domain/model"
)

const (
	MessagesPerPeer = 3
	NewPeersPerDay  = 2
)

const (
	DenyPerPeerLimit      = "PER_PEER_LIMIT_REACHED"
	DenyDailyNewPeerLimit = "DAILY_NEW_PEER_LIMIT_REACHED"
)

type Limits struct {
	MessagesPerPeer int
	NewPeersPerDay  int
}

func DefaultLimits() Limits {
	return Limits{
		MessagesPerPeer: MessagesPerPeer,
		NewPeersPerDay:  NewPeersPerDay,
	}
}

type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Decide evaluates a single send attempt against the user's counters.
// It never mutates the quota; a day rollover is treated as an empty
// daily set for this decision and applied for real in Advance.
func Decide(quota model.QuotaState, entitlement model.EntitlementSnapshot, peerID int64, conversationPremium bool, limits Limits, now time.Time) Decision {
	if entitlement.Unlimited(now) {
		return allow()
	}
	if conversationPremium {
		return allow()
	}

	if limits.MessagesPerPeer <= 0 {
		limits.MessagesPerPeer = MessagesPerPeer
	}
	if limits.NewPeersPerDay <= 0 {
		limits.NewPeersPerDay = NewPeersPerDay
	}

	if quota.KnowsPeer(peerID) {
		// Lifetime cap, never reset by rollover.
		if quota.MessagesTo(peerID) >= limits.MessagesPerPeer {
			return deny(DenyPerPeerLimit)
		}
		return allow()
	}

	newPeersToday := 0
	if SameUTCDay(quota.LastResetAt, now) {
		newPeersToday = len(quota.DailyPeers)
	}
	if newPeersToday >= limits.NewPeersPerDay {
		return deny(DenyDailyNewPeerLimit)
	}
	return allow()
}

// Advance applies one accepted send to the quota state. The day reset
// happens first so the message counts against the fresh day. Must be
// called exactly once per allowed send and never for a denied one.
func Advance(quota model.QuotaState, peerID int64, now time.Time) model.QuotaState {
	if !SameUTCDay(quota.LastResetAt, now) {
		quota.DailyPeers = nil
		quota.LastResetAt = utcDay(now)
	}

	if quota.PeerCounts == nil {
		quota.PeerCounts = make(map[int64]int)
	}
	if !containsPeer(quota.DailyPeers, peerID) {
		quota.DailyPeers = append(quota.DailyPeers, peerID)
	}
	quota.PeerCounts[peerID]++
	quota.UpdatedAt = now.UTC()

	return quota
}

func SameUTCDay(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	au, bu := a.UTC(), b.UTC()
	return au.Year() == bu.Year() && au.YearDay() == bu.YearDay()
}

func DayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

func NextResetAt(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

func utcDay(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func containsPeer(peers []int64, peerID int64) bool {
	for _, p := range peers {
		if p == peerID {
			return true
		}
	}
	return false
}
