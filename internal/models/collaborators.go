package models

// Request and response shapes of the REST collaborators.

type TopInterestsResp struct {
	TopInterests []string `json:"topInterests"`
}

type EndCallReq struct {
	ParticipantID string `json:"participantId"`
}

// EndCallResp carries the final interest/utterance data and the talk ranking
// computed by the collaborator for the whole session.
type EndCallResp struct {
	ParticipantID string         `json:"participantId"`
	Interests     []string       `json:"interests"`
	Utterance     float64        `json:"utterance"`
	Ranking       []RankingEntry `json:"ranking"`
	Feedback      string         `json:"feedback,omitempty"`
}

type TranscriptReq struct {
	ParticipantID string `json:"participantId"`
	Text          string `json:"text"`
}

type TopicsResp struct {
	Topics []string `json:"topics"`
}

type RosterEntry struct {
	ParticipantID string `json:"participantId"`
	Nickname      string `json:"nickname"`
}

type CallUserInfoReq struct {
	ParticipantIDs []string `json:"participantIds"`
}

type CallUserInfo struct {
	ParticipantID string  `json:"participantId"`
	Nickname      string  `json:"nickname"`
	ProfileImage  string  `json:"profileImage"`
	Utterance     float64 `json:"utterance"`
}

type ReviewRating struct {
	ParticipantID string `json:"participantId"`
	Rating        int    `json:"rating"`
}

type SubmitReviewReq struct {
	SessionID string         `json:"sessionId"`
	Reviews   []ReviewRating `json:"reviews"`
}

type ReportReq struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	Reason        string `json:"reason"`
}

type TokenReq struct {
	ParticipantID string `json:"participantId"`
}

type TokenResp struct {
	Token string `json:"token"`
}

type Ack struct {
	OK bool `json:"ok"`
}

// Resp is the generic envelope used by the matching server's JSON handlers.
type Resp struct {
	OK   bool        `json:"ok"`
	Info interface{} `json:"info"`
}
