package media

import (
	"context"

	"barkingtalk/internal/models"
	"barkingtalk/internal/transcription"
)

// Session is one publish/subscribe media session. Observers must be
// registered before Connect; callbacks from one session arrive in order.
type Session interface {
	OnStreamCreated(func(RemoteStream))
	OnStreamDestroyed(func(RemoteStream))
	Connect(ctx context.Context, token string) error
	Publish(ctx context.Context) (LocalStream, error)
	Disconnect() error
}

type Provider interface {
	NewSession(ctx context.Context, sessionID string) (Session, error)
}

// RemoteStream is a subscribed stream of another participant.
type RemoteStream interface {
	StreamID() string
	ParticipantID() string
}

// LocalStream is the published microphone/camera of this participant.
type LocalStream interface {
	transcription.AudioSource
	Stop() error
}

type TokenIssuer interface {
	IssueToken(ctx context.Context, sessionID, participantID string) (string, error)
}

type CallEnder interface {
	EndCall(ctx context.Context, participantID string) (*models.EndCallResp, error)
}

type HandoffWriter interface {
	WriteRecord(ctx context.Context, rec models.HandoffRecord) error
}

type TopicRecommender interface {
	RecommendTopics(ctx context.Context) ([]string, error)
}

type Transcriber interface {
	Start(ctx context.Context) error
	Stop()
}

// TranscriberFactory builds the recognizer for the published local stream.
type TranscriberFactory func(local LocalStream) Transcriber
