package models

import "encoding/json"

// Queue ticket states
const (
	QueueDisconnected = "disconnected"
	QueueConnecting   = "connecting"
	QueueQueued       = "queued"
	QueueMatched      = "matched"
	QueueCancelled    = "cancelled"
)

// Queue transport frame types
const (
	FrameAnnounce          = "announce"
	FrameMatched           = "matched"
	FrameQueueLengthUpdate = "queueLengthUpdate"
)

// Participant is the local user as known to the matching queue.
// Nickname is display-only and may collide between users.
type Participant struct {
	ID             string   `json:"id"`
	Nickname       string   `json:"nickname"`
	Interests      []string `json:"interests"`
	AIInterests    []string `json:"aiInterests"`
	MBTI           string   `json:"mbti"`
	ProfileImage   string   `json:"profileImage,omitempty"`
	UtteranceScore float64  `json:"utteranceScore"`
}

type QueueTicket struct {
	State       string `json:"state"`
	QueueLength int    `json:"queueLength"`
	SessionID   string `json:"sessionId,omitempty"`
}

// Envelope wraps every frame on the queue websocket.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Announce struct {
	ID          string   `json:"id"`
	Interests   []string `json:"interests"`
	AIInterests []string `json:"aiInterests"`
	Nickname    string   `json:"nickname"`
	MBTI        string   `json:"mbti"`
	Question    string   `json:"question,omitempty"`
	Answer      string   `json:"answer,omitempty"`
}

type Matched struct {
	SessionID string `json:"sessionId"`
}

type QueueLengthUpdate struct {
	Count int `json:"count"`
}

// NewEnvelope marshals data into a typed frame.
func NewEnvelope(frameType string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Type: frameType}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: frameType, Data: raw}, nil
}

// AnnounceFor builds the announce payload for a participant.
func AnnounceFor(p Participant, question, answer string) Announce {
	return Announce{
		ID:          p.ID,
		Interests:   p.Interests,
		AIInterests: p.AIInterests,
		Nickname:    p.Nickname,
		MBTI:        p.MBTI,
		Question:    question,
		Answer:      answer,
	}
}

type TranscriptEvent struct {
	SpeakerID string `json:"speakerId"`
	Text      string `json:"text"`
	Finalized bool   `json:"finalized"`
}

// RankingEntry is one row of the end-of-call talk ranking, index 0 = top talker.
type RankingEntry struct {
	ParticipantID string `json:"participantId"`
	Nickname      string `json:"nickname"`
	Rank          int    `json:"rank"`
}

// HandoffRecord is the only state carried from the call to the review step.
type HandoffRecord struct {
	SessionID       string         `json:"sessionId"`
	Ranking         []RankingEntry `json:"ranking"`
	Feedback        string         `json:"feedback,omitempty"`
	ArrivedFromCall bool           `json:"arrivedFromCall"`
}

// ReviewEntry is a ranked, identity-correlated row shown on the review step.
type ReviewEntry struct {
	ParticipantID string  `json:"participantId"`
	Nickname      string  `json:"nickname"`
	ProfileImage  string  `json:"profileImage,omitempty"`
	Utterance     float64 `json:"utterance"`
	Rank          int     `json:"rank"`
}
