// Package callflow runs one call cycle end to end: queue, call, review.
package callflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"barkingtalk/internal/models"
	"barkingtalk/internal/review"
	"barkingtalk/internal/utils"
)

// ErrReviewExpired is returned when the review prompt timed out unanswered.
var ErrReviewExpired = errors.New("review prompt expired")

type Handoff interface {
	BeginCycle(ctx context.Context, question, answer string) error
	Clear(ctx context.Context) error
}

type Queue interface {
	Connect(ctx context.Context, p models.Participant) error
	Wait(ctx context.Context) (string, error)
	Cancel()
	Disconnect()
}

type Call interface {
	Join(ctx context.Context, sessionID string) error
	RecommendTopics(ctx context.Context) ([]string, error)
	Leave(ctx context.Context) error
}

type Review interface {
	Load(ctx context.Context) ([]models.ReviewEntry, error)
	TopTalker() (models.ReviewEntry, bool)
	Feedback() string
	PlayFeedback(ctx context.Context) error
	Submit(ctx context.Context, ratings map[string]int) error
}

// Rater collects one rating per reviewed participant. ctx ends when the
// review prompt expires.
type Rater interface {
	Rate(ctx context.Context, entries []models.ReviewEntry) (map[string]int, error)
}

// Summary is what the review screen shows before asking for ratings.
type Summary struct {
	TopTalker *models.ReviewEntry
	Feedback  string
	Entries   []models.ReviewEntry
}

// Deps builds the per-cycle components. Queue tickets and calls are single use.
type Deps struct {
	Handoff  Handoff
	NewQueue func() Queue
	NewCall  func() Call
	Review   Review
	Rater    Rater
	// InCall blocks for the duration of the call and returns when the
	// participant hangs up.
	InCall func(ctx context.Context, call Call) error
	// ShowReview, when set, receives the loaded review before rating starts.
	ShowReview func(Summary)
}

type Cycle struct {
	participant   models.Participant
	deps          Deps
	nav           *Navigator
	promptTimeout time.Duration
	leaveTimeout  time.Duration
	logger        *zap.Logger
}

func NewCycle(p models.Participant, deps Deps, nav *Navigator, promptTimeout time.Duration, logger *zap.Logger) *Cycle {
	return &Cycle{
		participant:   p,
		deps:          deps,
		nav:           nav,
		promptTimeout: promptTimeout,
		leaveTimeout:  10 * time.Second,
		logger:        utils.OrNop(logger).Named("callflow").With(zap.String("participantId", p.ID)),
	}
}

// Run drives one cycle. Cancelling ctx while queued cancels the ticket;
// cancelling it during the call hangs up and still hands off to review.
func (c *Cycle) Run(ctx context.Context, question, answer string) error {
	if err := c.deps.Handoff.BeginCycle(ctx, question, answer); err != nil {
		return fmt.Errorf("begin cycle: %w", err)
	}

	sessionID, err := c.queue(ctx)
	if err != nil {
		c.nav.Navigate(models.ScreenMain, "")
		return err
	}

	c.nav.Navigate(models.ScreenVideoChat, sessionID)
	if err := c.call(ctx, sessionID); err != nil {
		return err
	}

	if c.nav.Current().Screen != models.ScreenReview {
		// the call ended without a record to review
		return nil
	}
	return c.review(context.WithoutCancel(ctx))
}

func (c *Cycle) queue(ctx context.Context) (string, error) {
	c.nav.Navigate(models.ScreenMatching, "")

	q := c.deps.NewQueue()
	defer q.Disconnect()

	if err := q.Connect(ctx, c.participant); err != nil {
		return "", fmt.Errorf("join queue: %w", err)
	}
	sessionID, err := q.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			q.Cancel()
		}
		return "", fmt.Errorf("wait for match: %w", err)
	}
	c.logger.Info("Matched", zap.String("sessionId", sessionID))
	return sessionID, nil
}

func (c *Cycle) call(ctx context.Context, sessionID string) error {
	call := c.deps.NewCall()

	leave := func() error {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.leaveTimeout)
		defer cancel()
		return call.Leave(lctx)
	}

	if err := call.Join(ctx, sessionID); err != nil {
		if lerr := leave(); lerr != nil {
			c.logger.Warn("Error leaving after failed join", zap.Error(lerr))
		}
		return fmt.Errorf("join call: %w", err)
	}

	if c.deps.InCall != nil {
		if err := c.deps.InCall(ctx, call); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("Call ended abnormally", zap.Error(err))
		}
	}

	if err := leave(); err != nil {
		c.logger.Warn("Error during call teardown", zap.Error(err))
	}
	return nil
}

func (c *Cycle) review(ctx context.Context) error {
	entries, err := c.deps.Review.Load(ctx)
	if err != nil {
		return fmt.Errorf("load review: %w", err)
	}

	if c.deps.ShowReview != nil {
		summary := Summary{Feedback: c.deps.Review.Feedback(), Entries: entries}
		if top, ok := c.deps.Review.TopTalker(); ok {
			summary.TopTalker = &top
		}
		c.deps.ShowReview(summary)
	}

	go func() {
		if err := c.deps.Review.PlayFeedback(ctx); err != nil && !errors.Is(err, review.ErrSpeaking) {
			c.logger.Debug("Feedback not played", zap.Error(err))
		}
	}()

	prompt := review.NewPrompt(ctx, c.promptTimeout)
	defer prompt.Close()

	ratings, err := c.deps.Rater.Rate(prompt.Context(), entries)
	if prompt.Expired() {
		c.logger.Info("Review prompt expired")
		c.abandon(ctx)
		return ErrReviewExpired
	}
	prompt.Dismiss()
	if err != nil {
		c.abandon(ctx)
		return fmt.Errorf("collect ratings: %w", err)
	}

	return c.deps.Review.Submit(ctx, ratings)
}

// abandon ends the cycle without submitting.
func (c *Cycle) abandon(ctx context.Context) {
	if err := c.deps.Handoff.Clear(ctx); err != nil {
		c.logger.Warn("Error clearing handoff record", zap.Error(err))
	}
	c.nav.Navigate(models.ScreenMain, "")
}
