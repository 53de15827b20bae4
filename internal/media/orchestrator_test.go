package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barkingtalk/internal/metrics"
	"barkingtalk/internal/models"
)

type fakeStream struct{ id, participant string }

func (s fakeStream) StreamID() string      { return s.id }
func (s fakeStream) ParticipantID() string { return s.participant }

type fakeLocal struct{ stops atomic.Int32 }

func (l *fakeLocal) ReadFrame(ctx context.Context) ([]byte, error) { return nil, io.EOF }
func (l *fakeLocal) Stop() error {
	l.stops.Add(1)
	return nil
}

type fakeSession struct {
	connectErr error
	publishErr error
	local      *fakeLocal
	// when set, Publish waits for it and Disconnect closes it
	closed    chan struct{}
	closeOnce sync.Once

	created     func(RemoteStream)
	destroyed   func(RemoteStream)
	token       string
	disconnects atomic.Int32
}

func (s *fakeSession) OnStreamCreated(fn func(RemoteStream))   { s.created = fn }
func (s *fakeSession) OnStreamDestroyed(fn func(RemoteStream)) { s.destroyed = fn }
func (s *fakeSession) Connect(_ context.Context, token string) error {
	s.token = token
	return s.connectErr
}
func (s *fakeSession) Publish(context.Context) (LocalStream, error) {
	if s.closed != nil {
		<-s.closed
		return nil, errSessionClosed
	}
	if s.publishErr != nil {
		return nil, s.publishErr
	}
	return s.local, nil
}
func (s *fakeSession) Disconnect() error {
	s.disconnects.Add(1)
	if s.closed != nil {
		s.closeOnce.Do(func() { close(s.closed) })
	}
	return nil
}

var errSessionClosed = errors.New("session closed")

type fakeProvider struct{ session *fakeSession }

func (p *fakeProvider) NewSession(context.Context, string) (Session, error) { return p.session, nil }

type fakeTokens struct{ err error }

func (t fakeTokens) IssueToken(_ context.Context, sessionID, participantID string) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	return "tok-" + sessionID + "-" + participantID, nil
}

type fakeEnder struct {
	err   error
	calls atomic.Int32
}

func (e *fakeEnder) EndCall(_ context.Context, participantID string) (*models.EndCallResp, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	return &models.EndCallResp{
		ParticipantID: participantID,
		Ranking: []models.RankingEntry{
			{ParticipantID: "u2", Nickname: "mungmung", Rank: 1},
			{ParticipantID: participantID, Nickname: "bori", Rank: 2},
		},
		Feedback: "Great energy. Try asking more questions.",
	}, nil
}

type fakeHandoff struct {
	mu      sync.Mutex
	records []models.HandoffRecord
}

func (h *fakeHandoff) WriteRecord(_ context.Context, rec models.HandoffRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

type fakeTranscriber struct {
	starts, stops atomic.Int32
}

func (t *fakeTranscriber) Start(context.Context) error {
	t.starts.Add(1)
	return nil
}
func (t *fakeTranscriber) Stop() { t.stops.Add(1) }

type navigation struct{ screen, sessionID string }

type fakeNavigator struct {
	mu   sync.Mutex
	seen []navigation
}

func (n *fakeNavigator) Navigate(screen, sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, navigation{screen, sessionID})
}

type fixture struct {
	o           *Orchestrator
	session     *fakeSession
	ender       *fakeEnder
	handoff     *fakeHandoff
	transcriber *fakeTranscriber
	nav         *fakeNavigator
}

func newFixture() *fixture {
	f := &fixture{
		session:     &fakeSession{local: &fakeLocal{}},
		ender:       &fakeEnder{},
		handoff:     &fakeHandoff{},
		transcriber: &fakeTranscriber{},
		nav:         &fakeNavigator{},
	}
	f.o = NewOrchestrator("u1", Deps{
		Tokens:       fakeTokens{},
		Provider:     &fakeProvider{session: f.session},
		Ender:        f.ender,
		Handoff:      f.handoff,
		Transcribers: func(LocalStream) Transcriber { return f.transcriber },
		Navigator:    f.nav,
	}, nil)
	return f
}

func TestJoin_Publishes(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.o.Join(context.Background(), "s1"))

	assert.Equal(t, StatePublishing, f.o.State())
	assert.Equal(t, "tok-s1-u1", f.session.token)
	assert.Equal(t, int32(1), f.transcriber.starts.Load())
	assert.ErrorIs(t, f.o.Join(context.Background(), "s1"), ErrNotIdle)
}

func TestJoin_AdmissionFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		stage string
	}{
		{
			name: "token",
			setup: func(f *fixture) {
				f.o.deps.Tokens = fakeTokens{err: errors.New("403")}
			},
			stage: StageToken,
		},
		{
			name:  "connect",
			setup: func(f *fixture) { f.session.connectErr = errors.New("refused") },
			stage: StageConnect,
		},
		{
			name:  "publish",
			setup: func(f *fixture) { f.session.publishErr = errors.New("no microphone") },
			stage: StagePublish,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.setup(f)

			err := f.o.Join(context.Background(), "s1")

			var admission *AdmissionError
			require.True(t, errors.As(err, &admission))
			assert.Equal(t, tt.stage, admission.Stage)
			assert.Equal(t, StateFailed, f.o.State())
			assert.Zero(t, f.transcriber.starts.Load())
		})
	}
}

func TestJoin_LeaveWhilePublishing(t *testing.T) {
	f := newFixture()
	f.session.closed = make(chan struct{})
	failures := testutil.ToFloat64(metrics.AdmissionFailures.WithLabelValues(StagePublish))

	joined := make(chan error, 1)
	go func() { joined <- f.o.Join(context.Background(), "s1") }()
	require.Eventually(t, func() bool { return f.o.State() == StateConnected }, time.Second, time.Millisecond)

	require.NoError(t, f.o.Leave(context.Background()))

	err := <-joined
	assert.ErrorIs(t, err, ErrLeft)
	var admission *AdmissionError
	assert.False(t, errors.As(err, &admission))
	assert.Equal(t, failures, testutil.ToFloat64(metrics.AdmissionFailures.WithLabelValues(StagePublish)))
	assert.Equal(t, StateLeft, f.o.State())
	assert.Equal(t, int32(1), f.session.disconnects.Load())
	assert.Zero(t, f.transcriber.starts.Load())
	assert.Equal(t, []navigation{{models.ScreenReview, "s1"}}, f.nav.seen)
}

func TestSubscriberSet(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.o.Join(context.Background(), "s1"))

	const n, m = 5, 2
	for i := 0; i < n; i++ {
		f.session.created(fakeStream{id: fmt.Sprintf("st%d", i), participant: fmt.Sprintf("p%d", i)})
	}
	// duplicates do not grow the set
	f.session.created(fakeStream{id: "st0", participant: "p0"})

	before := f.o.Subscribers()
	for i := 0; i < m; i++ {
		f.session.destroyed(fakeStream{id: fmt.Sprintf("st%d", i)})
	}
	// unknown keys are ignored
	f.session.destroyed(fakeStream{id: "ghost"})

	assert.Len(t, f.o.Subscribers(), n-m)
	// earlier snapshots are never mutated
	assert.Len(t, before, n)
}

func TestLeave_HandsOffToReview(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.o.Join(context.Background(), "s1"))
	f.session.created(fakeStream{id: "st1", participant: "u2"})

	require.NoError(t, f.o.Leave(context.Background()))

	assert.Equal(t, StateLeft, f.o.State())
	assert.Empty(t, f.o.Subscribers())
	assert.Equal(t, int32(1), f.transcriber.stops.Load())
	assert.Equal(t, int32(1), f.session.local.stops.Load())
	assert.Equal(t, int32(1), f.session.disconnects.Load())

	require.Len(t, f.handoff.records, 1)
	rec := f.handoff.records[0]
	assert.Equal(t, "s1", rec.SessionID)
	assert.True(t, rec.ArrivedFromCall)
	assert.Equal(t, "u2", rec.Ranking[0].ParticipantID)

	assert.Equal(t, []navigation{{models.ScreenReview, "s1"}}, f.nav.seen)
}

func TestLeave_Twice(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.o.Join(context.Background(), "s1"))

	require.NoError(t, f.o.Leave(context.Background()))
	assert.NotPanics(t, func() {
		assert.NoError(t, f.o.Leave(context.Background()))
	})

	assert.Equal(t, int32(1), f.session.local.stops.Load())
	assert.Equal(t, int32(1), f.transcriber.stops.Load())
	assert.Equal(t, int32(1), f.ender.calls.Load())
	assert.Len(t, f.handoff.records, 1)
}

func TestLeave_EndCallFailureGoesToMain(t *testing.T) {
	f := newFixture()
	f.ender.err = errors.New("500")
	require.NoError(t, f.o.Join(context.Background(), "s1"))

	err := f.o.Leave(context.Background())

	assert.Error(t, err)
	assert.Empty(t, f.handoff.records)
	assert.Equal(t, []navigation{{models.ScreenMain, ""}}, f.nav.seen)
	// tracks are released regardless
	assert.Equal(t, int32(1), f.session.local.stops.Load())
	assert.Equal(t, StateLeft, f.o.State())
}

func TestLeave_AfterFailedJoin(t *testing.T) {
	f := newFixture()
	f.session.connectErr = errors.New("refused")
	require.Error(t, f.o.Join(context.Background(), "s1"))

	require.NoError(t, f.o.Leave(context.Background()))
	assert.Zero(t, f.ender.calls.Load())
	assert.Equal(t, []navigation{{models.ScreenMain, ""}}, f.nav.seen)
}

func TestStreamCallbacksAfterLeaveAreDropped(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.o.Join(context.Background(), "s1"))
	require.NoError(t, f.o.Leave(context.Background()))

	f.session.created(fakeStream{id: "late"})
	assert.Empty(t, f.o.Subscribers())
}

type fakeTopics struct{}

func (fakeTopics) RecommendTopics(context.Context) ([]string, error) {
	return []string{"travel"}, nil
}

func TestRecommendTopics(t *testing.T) {
	f := newFixture()
	f.o.deps.Topics = fakeTopics{}

	topics, err := f.o.RecommendTopics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"travel"}, topics)
}
