// Package review drives the post-call step: it reads the handoff record,
// correlates the ranking with the session roster, plays back feedback and
// submits ratings.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"barkingtalk/internal/handoff"
	"barkingtalk/internal/metrics"
	"barkingtalk/internal/models"
	"barkingtalk/internal/utils"
)

var (
	ErrNotLoaded          = errors.New("review not loaded")
	ErrSpeaking           = errors.New("feedback playback already in progress")
	ErrInvalidRating      = errors.New("rating must be between 1 and 5")
	ErrMissingRating      = errors.New("missing rating")
	ErrUnknownParticipant = errors.New("participant not in this review")
)

const (
	MinRating = 1
	MaxRating = 5
)

// RecordStore is the handoff storage the review step consumes.
type RecordStore interface {
	ReadRecord(ctx context.Context) (*models.HandoffRecord, error)
	ClearFeedback(ctx context.Context) error
	Clear(ctx context.Context) error
}

type Collaborator interface {
	GetSessionData(ctx context.Context, sessionID string) ([]models.RosterEntry, error)
	GetCallUserInfo(ctx context.Context, participantIDs []string) ([]models.CallUserInfo, error)
	SubmitReview(ctx context.Context, req models.SubmitReviewReq) error
	Report(ctx context.Context, req models.ReportReq) error
}

// Speaker plays text aloud and returns when playback completes.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

type Correlator struct {
	participantID string
	store         RecordStore
	collab        Collaborator
	speaker       Speaker
	nav           models.Navigator
	logger        *zap.Logger

	mu       sync.Mutex
	record   *models.HandoffRecord
	entries  []models.ReviewEntry
	speaking bool
}

func NewCorrelator(participantID string, store RecordStore, collab Collaborator, speaker Speaker, nav models.Navigator, logger *zap.Logger) *Correlator {
	return &Correlator{
		participantID: participantID,
		store:         store,
		collab:        collab,
		speaker:       speaker,
		nav:           nav,
		logger:        utils.OrNop(logger).Named("review").With(zap.String("participantId", participantID)),
	}
}

// Load reads the handoff record and builds the review list in ranking order.
// Without a finished call it navigates to the main screen and returns
// handoff.ErrNotFromCall.
func (c *Correlator) Load(ctx context.Context) ([]models.ReviewEntry, error) {
	rec, err := c.store.ReadRecord(ctx)
	if errors.Is(err, handoff.ErrNotFromCall) {
		c.logger.Warn("Review reached without a finished call")
		c.navigate(models.ScreenMain)
		return nil, err
	}
	if err != nil {
		c.logger.Error("Error reading handoff record", zap.Error(err))
		c.navigate(models.ScreenMain)
		return nil, err
	}

	roster, err := c.collab.GetSessionData(ctx, rec.SessionID)
	if err != nil {
		c.logger.Error("Error fetching session data", zap.String("sessionId", rec.SessionID), zap.Error(err))
		c.navigate(models.ScreenMain)
		return nil, err
	}

	entries := correlate(rec.Ranking, roster)
	if len(entries) < len(rec.Ranking) {
		c.logger.Warn("Some ranking entries could not be matched to the roster",
			zap.Int("ranked", len(rec.Ranking)), zap.Int("matched", len(entries)))
	}

	if len(entries) > 0 {
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.ParticipantID
		}
		infos, err := c.collab.GetCallUserInfo(ctx, ids)
		if err != nil {
			// nicknames from the roster are enough to review
			c.logger.Warn("Error fetching call user info", zap.Error(err))
		}
		enrich(entries, infos)
	}

	c.mu.Lock()
	c.record = rec
	c.entries = entries
	c.mu.Unlock()

	c.logger.Info("Review loaded", zap.String("sessionId", rec.SessionID), zap.Int("entries", len(entries)))
	return copyEntries(entries), nil
}

// correlate matches ranking rows to roster rows by participant id. A row
// without an id falls back to its nickname, but only when exactly one roster
// entry carries it.
func correlate(ranking []models.RankingEntry, roster []models.RosterEntry) []models.ReviewEntry {
	byID := make(map[string]models.RosterEntry, len(roster))
	nickCount := make(map[string]int, len(roster))
	byNick := make(map[string]models.RosterEntry, len(roster))
	for _, r := range roster {
		byID[r.ParticipantID] = r
		nickCount[r.Nickname]++
		byNick[r.Nickname] = r
	}

	seen := make(map[string]bool, len(ranking))
	entries := make([]models.ReviewEntry, 0, len(ranking))
	for i, rank := range ranking {
		row, ok := byID[rank.ParticipantID]
		if !ok && rank.ParticipantID == "" && nickCount[rank.Nickname] == 1 {
			row, ok = byNick[rank.Nickname], true
		}
		if !ok || seen[row.ParticipantID] {
			continue
		}
		seen[row.ParticipantID] = true

		position := rank.Rank
		if position == 0 {
			position = i + 1
		}
		entries = append(entries, models.ReviewEntry{
			ParticipantID: row.ParticipantID,
			Nickname:      row.Nickname,
			Rank:          position,
		})
	}
	return entries
}

func enrich(entries []models.ReviewEntry, infos []models.CallUserInfo) {
	byID := make(map[string]models.CallUserInfo, len(infos))
	for _, info := range infos {
		byID[info.ParticipantID] = info
	}
	for i := range entries {
		info, ok := byID[entries[i].ParticipantID]
		if !ok {
			continue
		}
		entries[i].ProfileImage = info.ProfileImage
		entries[i].Utterance = info.Utterance
	}
}

// TopTalker returns the first ranked entry.
func (c *Correlator) TopTalker() (models.ReviewEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return models.ReviewEntry{}, false
	}
	return c.entries[0], true
}

// Feedback returns the feedback carried by the handoff record.
func (c *Correlator) Feedback() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.record == nil {
		return ""
	}
	return c.record.Feedback
}

// PlayFeedback speaks the first sentence of the feedback. A request while
// playback is active is dropped with ErrSpeaking.
func (c *Correlator) PlayFeedback(ctx context.Context) error {
	c.mu.Lock()
	if c.record == nil {
		c.mu.Unlock()
		return ErrNotLoaded
	}
	if c.speaking {
		c.mu.Unlock()
		return ErrSpeaking
	}
	text := FirstSentence(c.record.Feedback)
	if text == "" || c.speaker == nil {
		c.mu.Unlock()
		return nil
	}
	c.speaking = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.speaking = false
		c.mu.Unlock()
	}()

	if err := c.speaker.Speak(ctx, text); err != nil {
		c.logger.Warn("Feedback playback failed", zap.Error(err))
		return err
	}
	return nil
}

// FirstSentence returns feedback up to its first ". ", ending in a period.
func FirstSentence(feedback string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(feedback), ". ")
	first = strings.TrimSpace(first)
	if first == "" {
		return ""
	}
	if !strings.HasSuffix(first, ".") {
		first += "."
	}
	return first
}

// Submit sends one rating per reviewed participant, keyed by participant id.
// The local participant is not rated. On success the feedback and then the
// whole record are cleared and the cycle returns to the main screen.
func (c *Correlator) Submit(ctx context.Context, ratings map[string]int) error {
	c.mu.Lock()
	rec, entries := c.record, c.entries
	c.mu.Unlock()
	if rec == nil {
		return ErrNotLoaded
	}

	reviews, err := c.ratingsFor(entries, ratings)
	if err != nil {
		return err
	}

	if err := c.collab.SubmitReview(ctx, models.SubmitReviewReq{SessionID: rec.SessionID, Reviews: reviews}); err != nil {
		c.logger.Error("Error submitting review", zap.String("sessionId", rec.SessionID), zap.Error(err))
		return err
	}
	metrics.ReviewsSubmitted.Inc()

	if err := c.store.ClearFeedback(ctx); err != nil {
		c.logger.Warn("Error clearing feedback", zap.Error(err))
	}
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Warn("Error clearing handoff record", zap.Error(err))
	}

	c.mu.Lock()
	c.record = nil
	c.entries = nil
	c.mu.Unlock()

	c.logger.Info("Review submitted", zap.String("sessionId", rec.SessionID), zap.Int("ratings", len(reviews)))
	c.navigate(models.ScreenMain)
	return nil
}

func (c *Correlator) ratingsFor(entries []models.ReviewEntry, ratings map[string]int) ([]models.ReviewRating, error) {
	known := make(map[string]bool, len(entries))
	reviews := make([]models.ReviewRating, 0, len(entries))
	for _, e := range entries {
		if e.ParticipantID == c.participantID {
			continue
		}
		known[e.ParticipantID] = true
		r, ok := ratings[e.ParticipantID]
		if !ok {
			return nil, fmt.Errorf("%w for %s", ErrMissingRating, e.ParticipantID)
		}
		if r < MinRating || r > MaxRating {
			return nil, fmt.Errorf("%w: %s rated %d", ErrInvalidRating, e.ParticipantID, r)
		}
		reviews = append(reviews, models.ReviewRating{ParticipantID: e.ParticipantID, Rating: r})
	}
	for id := range ratings {
		if !known[id] {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
		}
	}
	return reviews, nil
}

// Report flags a participant of the reviewed session.
func (c *Correlator) Report(ctx context.Context, participantID, reason string) error {
	c.mu.Lock()
	rec, entries := c.record, c.entries
	c.mu.Unlock()
	if rec == nil {
		return ErrNotLoaded
	}

	found := false
	for _, e := range entries {
		if e.ParticipantID == participantID && participantID != c.participantID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}

	err := c.collab.Report(ctx, models.ReportReq{
		SessionID:     rec.SessionID,
		ParticipantID: participantID,
		Reason:        strings.TrimSpace(reason),
	})
	if err != nil {
		c.logger.Error("Error reporting participant", zap.String("reported", participantID), zap.Error(err))
		return err
	}
	c.logger.Info("Participant reported", zap.String("reported", participantID))
	return nil
}

func (c *Correlator) navigate(screen string) {
	if c.nav != nil {
		c.nav.Navigate(screen, "")
	}
}

func copyEntries(entries []models.ReviewEntry) []models.ReviewEntry {
	if entries == nil {
		return nil
	}
	return append([]models.ReviewEntry(nil), entries...)
}
