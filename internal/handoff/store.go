// Package handoff keeps the short-lived state that crosses the call boundary:
// the pending question/answer announced to the queue, and the record the
// call writes for the review step. One Redis hash per participant holds it,
// with a TTL so it survives a client restart but not a stale cycle.
package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"barkingtalk/internal/models"
)

const keyPrefix = "handoff:"

// Hash fields
const (
	FieldSessionID       = "sessionId"
	FieldRanking         = "ranking"
	FieldFeedback        = "feedback"
	FieldArrivedFromCall = "arrivedFromCall"
	FieldQuestion        = "question"
	FieldAnswer          = "answer"
)

var (
	// ErrAlreadyWritten is returned by WriteRecord when this cycle already has a record.
	ErrAlreadyWritten = errors.New("handoff record already written for this cycle")
	// ErrNotFromCall is returned by ReadRecord when the guard is absent.
	ErrNotFromCall = errors.New("review reached without a finished call")
)

// writeRecord sets the record only when the guard is absent, in one step.
var writeRecord = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], 'arrivedFromCall') == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'sessionId', ARGV[1], 'ranking', ARGV[2], 'feedback', ARGV[3], 'arrivedFromCall', '1')
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

type Store struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func NewStore(rdb *redis.Client, participantID string, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		key: keyPrefix + participantID,
		ttl: ttl,
	}
}

// Key returns the Redis key backing this store.
func (s *Store) Key() string { return s.key }

// BeginCycle drops whatever a previous cycle left behind and stores the
// question/answer to announce with the next queue ticket.
func (s *Store) BeginCycle(ctx context.Context, question, answer string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if question != "" || answer != "" {
			pipe.HSet(ctx, s.key, FieldQuestion, question, FieldAnswer, answer)
			pipe.Expire(ctx, s.key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("begin cycle: %w", err)
	}
	return nil
}

// PendingQuestion returns the question/answer pair waiting to be announced.
func (s *Store) PendingQuestion(ctx context.Context) (question, answer string, err error) {
	vals, err := s.rdb.HMGet(ctx, s.key, FieldQuestion, FieldAnswer).Result()
	if err != nil {
		return "", "", fmt.Errorf("read pending question: %w", err)
	}
	question, _ = vals[0].(string)
	answer, _ = vals[1].(string)
	return question, answer, nil
}

// ClearPending removes the question/answer so a later announce cannot reuse them.
func (s *Store) ClearPending(ctx context.Context) error {
	if err := s.rdb.HDel(ctx, s.key, FieldQuestion, FieldAnswer).Err(); err != nil {
		return fmt.Errorf("clear pending question: %w", err)
	}
	return nil
}

// WriteRecord stores the end-of-call record and sets the arrivedFromCall
// guard. It succeeds once per cycle.
func (s *Store) WriteRecord(ctx context.Context, rec models.HandoffRecord) error {
	ranking := rec.Ranking
	if ranking == nil {
		ranking = []models.RankingEntry{}
	}
	raw, err := json.Marshal(ranking)
	if err != nil {
		return fmt.Errorf("encode ranking: %w", err)
	}

	ok, err := writeRecord.Run(ctx, s.rdb, []string{s.key},
		rec.SessionID, string(raw), rec.Feedback, s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("write handoff record: %w", err)
	}
	if ok == 0 {
		return ErrAlreadyWritten
	}
	return nil
}

// ReadRecord returns the record of the finished call, or ErrNotFromCall when
// the review step was reached without one.
func (s *Store) ReadRecord(ctx context.Context) (*models.HandoffRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read handoff record: %w", err)
	}
	if fields[FieldArrivedFromCall] != "1" {
		return nil, ErrNotFromCall
	}

	rec := &models.HandoffRecord{
		SessionID:       fields[FieldSessionID],
		Feedback:        fields[FieldFeedback],
		ArrivedFromCall: true,
	}
	if raw := fields[FieldRanking]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Ranking); err != nil {
			return nil, fmt.Errorf("decode ranking: %w", err)
		}
	}
	return rec, nil
}

func (s *Store) ClearFeedback(ctx context.Context) error {
	if err := s.rdb.HDel(ctx, s.key, FieldFeedback).Err(); err != nil {
		return fmt.Errorf("clear feedback: %w", err)
	}
	return nil
}

// Clear ends the cycle; every key is absent afterwards.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clear handoff: %w", err)
	}
	return nil
}
