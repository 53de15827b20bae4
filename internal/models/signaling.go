package models

import (
	"encoding/json"
	"time"
)

// Media signaling message types
const (
	SignalJoin          = "join"
	SignalOffer         = "offer"
	SignalAnswer        = "answer"
	SignalICECandidate  = "ice-candidate"
	SignalStreamRemoved = "stream-removed"
	SignalLeave         = "leave"
)

// SignalingMessage represents WebRTC signaling messages exchanged with the media server
type SignalingMessage struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	RoomID    string          `json:"roomId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// JoinData is sent once the signaling socket is open
type JoinData struct {
	ParticipantID string `json:"participantId"`
	Token         string `json:"token"`
}

// SDPData carries an offer or an answer
type SDPData struct {
	SDP string `json:"sdp"`
}

// ICECandidateData contains ICE candidate information
type ICECandidateData struct {
	Candidate     string  `json:"candidate"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
}

// StreamRemovedData names a remote stream that left the session
type StreamRemovedData struct {
	StreamID string `json:"streamId"`
}
