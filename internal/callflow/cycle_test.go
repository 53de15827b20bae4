package callflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barkingtalk/internal/handoff"
	"barkingtalk/internal/media"
	"barkingtalk/internal/models"
	"barkingtalk/internal/queue"
	"barkingtalk/internal/review"
	"barkingtalk/internal/transcription"
)

// matchingConn answers the announce with a queue update and a match.
type matchingConn struct {
	sessionID string
	in        chan models.Envelope
	closed    chan struct{}
	once      sync.Once

	mu        sync.Mutex
	announced *models.Announce
}

func newMatchingConn(sessionID string) *matchingConn {
	return &matchingConn{sessionID: sessionID, in: make(chan models.Envelope, 4), closed: make(chan struct{})}
}

func (c *matchingConn) WriteJSON(v interface{}) error {
	env := v.(models.Envelope)
	if env.Type != models.FrameAnnounce {
		return nil
	}
	var a models.Announce
	if err := json.Unmarshal(env.Data, &a); err != nil {
		return err
	}
	c.mu.Lock()
	c.announced = &a
	c.mu.Unlock()

	update, _ := models.NewEnvelope(models.FrameQueueLengthUpdate, models.QueueLengthUpdate{Count: 2})
	c.in <- update
	if c.sessionID != "" {
		matched, _ := models.NewEnvelope(models.FrameMatched, models.Matched{SessionID: c.sessionID})
		c.in <- matched
	}
	return nil
}

func (c *matchingConn) ReadJSON(v interface{}) error {
	select {
	case env := <-c.in:
		*v.(*models.Envelope) = env
		return nil
	case <-c.closed:
		return io.EOF
	}
}

func (c *matchingConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *matchingConn) dial(context.Context, string, http.Header) (queue.Conn, error) {
	return c, nil
}

type collab struct {
	mu          sync.Mutex
	tokenErr    error
	transcripts []string
	submitted   []models.SubmitReviewReq
	segments    chan struct{}
}

func newCollab() *collab { return &collab{segments: make(chan struct{}, 8)} }

func (c *collab) IssueToken(_ context.Context, sessionID, participantID string) (string, error) {
	if c.tokenErr != nil {
		return "", c.tokenErr
	}
	return "tok-" + sessionID, nil
}

func (c *collab) EndCall(_ context.Context, participantID string) (*models.EndCallResp, error) {
	return &models.EndCallResp{
		ParticipantID: participantID,
		Ranking: []models.RankingEntry{
			{ParticipantID: "u2", Nickname: "mungmung", Rank: 1},
			{ParticipantID: participantID, Nickname: "bori", Rank: 2},
		},
		Feedback: "Great energy. Try asking more questions.",
	}, nil
}

func (c *collab) ReceiveTranscript(_ context.Context, _ string, text string) error {
	c.mu.Lock()
	c.transcripts = append(c.transcripts, text)
	c.mu.Unlock()
	c.segments <- struct{}{}
	return nil
}

func (c *collab) GetSessionData(context.Context, string) ([]models.RosterEntry, error) {
	return []models.RosterEntry{
		{ParticipantID: "me", Nickname: "bori"},
		{ParticipantID: "u2", Nickname: "mungmung"},
	}, nil
}

func (c *collab) GetCallUserInfo(_ context.Context, ids []string) ([]models.CallUserInfo, error) {
	infos := make([]models.CallUserInfo, len(ids))
	for i, id := range ids {
		infos[i] = models.CallUserInfo{ParticipantID: id, ProfileImage: id + ".png"}
	}
	return infos, nil
}

func (c *collab) SubmitReview(_ context.Context, req models.SubmitReviewReq) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = append(c.submitted, req)
	return nil
}

func (c *collab) Report(context.Context, models.ReportReq) error { return nil }

type local struct {
	stop chan struct{}
	once sync.Once
}

func (l *local) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.stop:
		return nil, io.EOF
	}
}

func (l *local) Stop() error {
	l.once.Do(func() { close(l.stop) })
	return nil
}

type session struct {
	created func(media.RemoteStream)
}

type remote string

func (r remote) StreamID() string      { return string(r) }
func (r remote) ParticipantID() string { return string(r) }

func (s *session) OnStreamCreated(fn func(media.RemoteStream)) { s.created = fn }
func (s *session) OnStreamDestroyed(func(media.RemoteStream))  {}
func (s *session) Connect(context.Context, string) error {
	s.created(remote("u2"))
	return nil
}
func (s *session) Publish(context.Context) (media.LocalStream, error) {
	return &local{stop: make(chan struct{})}, nil
}
func (s *session) Disconnect() error { return nil }

type provider struct{}

func (provider) NewSession(context.Context, string) (media.Session, error) { return &session{}, nil }

// twoSegments speaks twice, then listens until stopped.
type twoSegments struct {
	mu   sync.Mutex
	runs int
}

func (e *twoSegments) Run(ctx context.Context, onResult func(transcription.Result)) error {
	e.mu.Lock()
	e.runs++
	first := e.runs == 1
	e.mu.Unlock()

	if first {
		onResult(transcription.Result{Text: "hello", Final: false})
		onResult(transcription.Result{Text: "hello there", Final: true})
		onResult(transcription.Result{Text: "", Final: true})
		onResult(transcription.Result{Text: "how are you", Final: true})
		return transcription.ErrNoSpeech
	}
	<-ctx.Done()
	return nil
}

type raterFunc func(ctx context.Context, entries []models.ReviewEntry) (map[string]int, error)

func (f raterFunc) Rate(ctx context.Context, entries []models.ReviewEntry) (map[string]int, error) {
	return f(ctx, entries)
}

type harness struct {
	store  *handoff.Store
	mr     *miniredis.Miniredis
	conn   *matchingConn
	collab *collab
	nav    *Navigator
	deps   Deps
}

func newHarness(t *testing.T, sessionID string) *harness {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := &harness{
		store:  handoff.NewStore(rdb, "me", time.Hour),
		mr:     mr,
		conn:   newMatchingConn(sessionID),
		collab: newCollab(),
		nav:    NewNavigator(16, nil),
	}
	h.deps = Deps{
		Handoff: h.store,
		NewQueue: func() Queue {
			return queue.NewClient("ws://queue.test/ws", h.store, nil, queue.WithDialer(h.conn.dial))
		},
		NewCall: func() Call {
			return media.NewOrchestrator("me", media.Deps{
				Tokens:   h.collab,
				Provider: provider{},
				Ender:    h.collab,
				Handoff:  h.store,
				Transcribers: func(media.LocalStream) media.Transcriber {
					return transcription.NewPipeline(&twoSegments{}, h.collab, "me", nil)
				},
				Navigator: h.nav,
			}, nil)
		},
		Review: review.NewCorrelator("me", h.store, h.collab, nil, h.nav, nil),
		InCall: func(ctx context.Context, _ Call) error {
			for i := 0; i < 2; i++ {
				select {
				case <-h.collab.segments:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		},
	}
	return h
}

func (h *harness) screens() []Transition {
	var out []Transition
	for {
		select {
		case t := <-h.nav.Transitions():
			out = append(out, t)
		default:
			return out
		}
	}
}

func TestCycle_EndToEnd(t *testing.T) {
	h := newHarness(t, "s1")

	var seen *models.HandoffRecord
	var rated []models.ReviewEntry
	var shown []Summary
	h.deps.ShowReview = func(s Summary) { shown = append(shown, s) }
	h.deps.Rater = raterFunc(func(ctx context.Context, entries []models.ReviewEntry) (map[string]int, error) {
		rec, err := h.store.ReadRecord(ctx)
		require.NoError(t, err)
		seen = rec
		rated = entries
		return map[string]int{"u2": 5}, nil
	})

	c := NewCycle(models.Participant{ID: "me", Nickname: "bori"}, h.deps, h.nav, time.Minute, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Run(ctx, "Favourite walk?", "The beach"))

	// announce carried the pending question, cleared on match
	require.NotNil(t, h.conn.announced)
	assert.Equal(t, "Favourite walk?", h.conn.announced.Question)
	assert.Equal(t, "The beach", h.conn.announced.Answer)

	assert.Equal(t, []string{"hello there", "how are you"}, h.collab.transcripts)

	require.NotNil(t, seen)
	assert.Equal(t, "s1", seen.SessionID)
	assert.True(t, seen.ArrivedFromCall)
	assert.Equal(t, "u2", seen.Ranking[0].ParticipantID)

	require.Len(t, rated, 2)
	assert.Equal(t, "u2", rated[0].ParticipantID)
	assert.Equal(t, "me", rated[1].ParticipantID)

	// the summary is shown once, before rating, with the top talker and full feedback
	require.Len(t, shown, 1)
	require.NotNil(t, shown[0].TopTalker)
	assert.Equal(t, "mungmung", shown[0].TopTalker.Nickname)
	assert.Equal(t, "Great energy. Try asking more questions.", shown[0].Feedback)
	assert.Equal(t, rated, shown[0].Entries)

	require.Len(t, h.collab.submitted, 1)
	assert.Equal(t, models.SubmitReviewReq{
		SessionID: "s1",
		Reviews:   []models.ReviewRating{{ParticipantID: "u2", Rating: 5}},
	}, h.collab.submitted[0])

	assert.False(t, h.mr.Exists(h.store.Key()))

	assert.Equal(t, []Transition{
		{Screen: models.ScreenMatching},
		{Screen: models.ScreenVideoChat, SessionID: "s1"},
		{Screen: models.ScreenReview, SessionID: "s1"},
		{Screen: models.ScreenMain},
	}, h.screens())
}

func TestCycle_CancelWhileQueued(t *testing.T) {
	h := newHarness(t, "")
	h.deps.Rater = raterFunc(func(context.Context, []models.ReviewEntry) (map[string]int, error) {
		t.Fatal("review must not run")
		return nil, nil
	})
	c := NewCycle(models.Participant{ID: "me"}, h.deps, h.nav, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := c.Run(ctx, "", "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.ScreenMain, h.nav.Current().Screen)
	assert.Empty(t, h.collab.submitted)
}

func TestCycle_JoinFailureReturnsToMain(t *testing.T) {
	h := newHarness(t, "s1")
	h.collab.tokenErr = errors.New("token service down")
	h.deps.Rater = raterFunc(func(context.Context, []models.ReviewEntry) (map[string]int, error) {
		t.Fatal("review must not run")
		return nil, nil
	})
	c := NewCycle(models.Participant{ID: "me"}, h.deps, h.nav, time.Minute, nil)

	err := c.Run(context.Background(), "", "")
	var admission *media.AdmissionError
	require.ErrorAs(t, err, &admission)
	assert.Equal(t, media.StageToken, admission.Stage)
	assert.Equal(t, models.ScreenMain, h.nav.Current().Screen)

	_, err = h.store.ReadRecord(context.Background())
	assert.ErrorIs(t, err, handoff.ErrNotFromCall)
}

func TestCycle_ReviewPromptExpires(t *testing.T) {
	h := newHarness(t, "s1")
	h.deps.Rater = raterFunc(func(ctx context.Context, _ []models.ReviewEntry) (map[string]int, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := NewCycle(models.Participant{ID: "me"}, h.deps, h.nav, 30*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Run(ctx, "", "")
	assert.ErrorIs(t, err, ErrReviewExpired)
	assert.Equal(t, models.ScreenMain, h.nav.Current().Screen)
	assert.Empty(t, h.collab.submitted)
	assert.False(t, h.mr.Exists(h.store.Key()))
}

func TestNavigator(t *testing.T) {
	n := NewNavigator(1, nil)
	assert.Equal(t, models.ScreenMain, n.Current().Screen)

	n.Navigate(models.ScreenMatching, "")
	n.Navigate(models.ScreenVideoChat, "s9")

	assert.Equal(t, Transition{Screen: models.ScreenVideoChat, SessionID: "s9"}, n.Current())
	assert.Equal(t, Transition{Screen: models.ScreenMatching}, <-n.Transitions())
}
