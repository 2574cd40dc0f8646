package model

import "time"

type QuotaState struct {
	UserID      int64         `json:"user_id"`
	DailyPeers  []int64       `json:"daily_peers"`
	PeerCounts  map[int64]int `json:"peer_counts"`
	LastResetAt time.Time     `json:"last_reset_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func (q QuotaState) MessagesTo(peerID int64) int {
	if q.PeerCounts == nil {
		return 0
	}
	return q.PeerCounts[peerID]
}

func (q QuotaState) KnowsPeer(peerID int64) bool {
	if q.PeerCounts == nil {
		return false
	}
	_, ok := q.PeerCounts[peerID]
	return ok
}
