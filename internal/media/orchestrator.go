// Package media runs the live call: admission, publishing, the subscriber
// set, and the ordered teardown that hands off to review.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"barkingtalk/internal/metrics"
	"barkingtalk/internal/models"
	"barkingtalk/internal/utils"
)

type State string

const (
	StateIdle           State = "idle"
	StateTokenRequested State = "tokenRequested"
	StateConnected      State = "connected"
	StatePublishing     State = "publishing"
	StateLeaving        State = "leaving"
	StateLeft           State = "left"
	StateFailed         State = "failed"
)

// Admission stages
const (
	StageToken   = "token"
	StageConnect = "connect"
	StagePublish = "publish"
)

var (
	ErrNotIdle = errors.New("media session already joined")
	ErrLeft    = errors.New("media session left during join")
)

// AdmissionError is a terminal failure to enter the session.
type AdmissionError struct {
	Stage string
	Err   error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission failed at %s: %v", e.Stage, e.Err)
}

func (e *AdmissionError) Unwrap() error { return e.Err }

type Deps struct {
	Tokens       TokenIssuer
	Provider     Provider
	Ender        CallEnder
	Handoff      HandoffWriter
	Topics       TopicRecommender
	Transcribers TranscriberFactory
	Navigator    models.Navigator
}

type Orchestrator struct {
	participantID string
	deps          Deps
	logger        *zap.Logger

	mu          sync.Mutex
	state       State
	sessionID   string
	session     Session
	local       LocalStream
	transcriber Transcriber
	// replaced on every change, never mutated in place
	subscribers map[string]RemoteStream

	leaving bool
}

func NewOrchestrator(participantID string, deps Deps, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		participantID: participantID,
		deps:          deps,
		logger:        utils.OrNop(logger).Named("media").With(zap.String("participantId", participantID)),
		state:         StateIdle,
		subscribers:   map[string]RemoteStream{},
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// Subscribers returns the current subscriber set keyed by stream id. The
// returned map must not be modified.
func (o *Orchestrator) Subscribers() map[string]RemoteStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.subscribers
}

// Join enters the session: admission token, connect, publish, then starts
// transcription of the local stream. Any admission failure is terminal.
func (o *Orchestrator) Join(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return ErrNotIdle
	}
	o.state = StateTokenRequested
	o.sessionID = sessionID
	o.mu.Unlock()

	token, err := o.deps.Tokens.IssueToken(ctx, sessionID, o.participantID)
	if err != nil {
		return o.fail(StageToken, err)
	}

	session, err := o.deps.Provider.NewSession(ctx, sessionID)
	if err != nil {
		return o.fail(StageConnect, err)
	}
	session.OnStreamCreated(o.streamCreated)
	session.OnStreamDestroyed(o.streamDestroyed)

	if err := session.Connect(ctx, token); err != nil {
		session.Disconnect()
		return o.fail(StageConnect, err)
	}
	if !o.advance(StateTokenRequested, StateConnected, session) {
		session.Disconnect()
		return ErrLeft
	}
	o.logger.Info("Connected to media session", zap.String("sessionId", sessionID))

	local, err := session.Publish(ctx)
	if err != nil {
		return o.fail(StagePublish, err)
	}

	var transcriber Transcriber
	if o.deps.Transcribers != nil {
		transcriber = o.deps.Transcribers(local)
	}

	o.mu.Lock()
	if o.state != StateConnected {
		o.mu.Unlock()
		// Leave already ran; it could not see these
		local.Stop()
		return ErrLeft
	}
	o.state = StatePublishing
	o.local = local
	o.transcriber = transcriber
	o.mu.Unlock()

	if transcriber != nil {
		// recognition outlives the join request
		if err := transcriber.Start(context.WithoutCancel(ctx)); err != nil {
			o.logger.Error("Error starting speech recognition", zap.Error(err))
		}
	}
	o.logger.Info("Publishing local stream")
	return nil
}

// advance moves from -> to and records the session, unless Leave intervened.
func (o *Orchestrator) advance(from, to State, session Session) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != from {
		return false
	}
	o.state = to
	o.session = session
	return true
}

// fail records an admission failure. A step that failed because Leave tore
// the session down is not one; Leave owns the teardown then.
func (o *Orchestrator) fail(stage string, err error) error {
	o.mu.Lock()
	if o.state == StateLeaving || o.state == StateLeft {
		o.mu.Unlock()
		o.logger.Debug("Join interrupted by leave", zap.String("stage", stage), zap.Error(err))
		return ErrLeft
	}
	session := o.session
	o.session = nil
	o.state = StateFailed
	o.mu.Unlock()

	if session != nil {
		session.Disconnect()
	}
	metrics.AdmissionFailures.WithLabelValues(stage).Inc()
	o.logger.Error("There was an error connecting to the session", zap.String("stage", stage), zap.Error(err))
	return &AdmissionError{Stage: stage, Err: err}
}

func (o *Orchestrator) streamCreated(rs RemoteStream) {
	o.mu.Lock()
	if o.state == StateLeaving || o.state == StateLeft || o.state == StateFailed {
		o.mu.Unlock()
		return
	}
	key := rs.StreamID()
	if _, ok := o.subscribers[key]; ok {
		o.mu.Unlock()
		return
	}
	next := make(map[string]RemoteStream, len(o.subscribers)+1)
	for k, v := range o.subscribers {
		next[k] = v
	}
	next[key] = rs
	o.subscribers = next
	n := len(next)
	o.mu.Unlock()

	metrics.LiveSubscribers.Set(float64(n))
	o.logger.Info("Subscribed to stream", zap.String("streamId", key), zap.String("from", rs.ParticipantID()))
}

func (o *Orchestrator) streamDestroyed(rs RemoteStream) {
	o.mu.Lock()
	key := rs.StreamID()
	if _, ok := o.subscribers[key]; !ok {
		o.mu.Unlock()
		return
	}
	next := make(map[string]RemoteStream, len(o.subscribers))
	for k, v := range o.subscribers {
		if k != key {
			next[k] = v
		}
	}
	o.subscribers = next
	n := len(next)
	o.mu.Unlock()

	metrics.LiveSubscribers.Set(float64(n))
	o.logger.Info("Stream removed", zap.String("streamId", key))
}

// RecommendTopics asks the topic collaborator for conversation starters.
func (o *Orchestrator) RecommendTopics(ctx context.Context) ([]string, error) {
	if o.deps.Topics == nil {
		return nil, nil
	}
	topics, err := o.deps.Topics.RecommendTopics(ctx)
	if err != nil {
		o.logger.Warn("Error fetching topic recommendations", zap.Error(err))
		return nil, err
	}
	return topics, nil
}

// Leave tears the call down and hands off to review. Only the first call
// does anything; later calls return nil.
//
// Steps run in order and each runs even when an earlier one failed: stop
// transcription, stop local tracks, disconnect, end the call, write the
// handoff record, navigate. A failed EndCall navigates to the main screen
// and writes no record.
func (o *Orchestrator) Leave(ctx context.Context) error {
	o.mu.Lock()
	if o.leaving {
		o.mu.Unlock()
		return nil
	}
	o.leaving = true
	prev := o.state
	o.state = StateLeaving
	sessionID := o.sessionID
	session, local, transcriber := o.session, o.local, o.transcriber
	o.session, o.local, o.transcriber = nil, nil, nil
	o.subscribers = map[string]RemoteStream{}
	o.mu.Unlock()

	metrics.LiveSubscribers.Set(0)

	var errs error
	if transcriber != nil {
		transcriber.Stop()
	}
	if local != nil {
		errs = multierr.Append(errs, wrap("stop local tracks", local.Stop()))
	}
	if session != nil {
		errs = multierr.Append(errs, wrap("disconnect", session.Disconnect()))
	}

	if prev != StateConnected && prev != StatePublishing {
		// never admitted: nothing to end or review
		o.finish()
		o.navigate(models.ScreenMain, "")
		return errs
	}

	resp, err := o.deps.Ender.EndCall(ctx, o.participantID)
	if err != nil {
		o.logger.Error("Error ending call", zap.Error(err))
		o.finish()
		o.navigate(models.ScreenMain, "")
		return multierr.Append(errs, wrap("end call", err))
	}

	rec := models.HandoffRecord{
		SessionID:       sessionID,
		Ranking:         resp.Ranking,
		Feedback:        resp.Feedback,
		ArrivedFromCall: true,
	}
	if err := o.deps.Handoff.WriteRecord(ctx, rec); err != nil {
		o.logger.Error("Error writing handoff record", zap.Error(err))
		o.finish()
		o.navigate(models.ScreenMain, "")
		return multierr.Append(errs, wrap("write handoff", err))
	}

	o.finish()
	o.logger.Info("Left media session", zap.String("sessionId", sessionID), zap.Int("ranked", len(rec.Ranking)))
	o.navigate(models.ScreenReview, sessionID)
	return errs
}

func (o *Orchestrator) finish() {
	o.mu.Lock()
	o.state = StateLeft
	o.mu.Unlock()
}

func (o *Orchestrator) navigate(screen, sessionID string) {
	if o.deps.Navigator != nil {
		o.deps.Navigator.Navigate(screen, sessionID)
	}
}

func wrap(step string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", step, err)
}
