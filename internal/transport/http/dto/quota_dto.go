package dto

import "time"

type QuotaResponse struct {
	NewPeersLeft     int       `json:"new_peers_left"`
	PeerMessagesLeft int       `json:"peer_messages_left"`
	ResetAt          time.Time `json:"reset_at"`
	Unlimited        bool      `json:"unlimited"`
}
