package match_management

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"barkingtalk/internal/metrics"
	"barkingtalk/internal/models"
	"barkingtalk/internal/utils"
)

const (
	queueKey      = "queue:all"
	userPrefix    = "user:"
	sessionPrefix = "session:"

	// SessionsChannel receives a JSON SessionFormed for every new session.
	SessionsChannel = "sessions"

	AnnounceTimeout = 15 * time.Second
)

// Settings tune matching and token issuance.
type Settings struct {
	GroupSize  int
	TokenTTL   time.Duration
	SessionTTL time.Duration
}

// SessionFormed is published on SessionsChannel.
type SessionFormed struct {
	SessionID string               `json:"sessionId"`
	Roster    []models.RosterEntry `json:"roster"`
	CreatedAt string               `json:"createdAt"`
}

// peer serialises writes to one websocket.
type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) send(v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteJSON(v)
}

type MatchManager struct {
	ctx       context.Context
	rdb       *redis.Client
	upgrader  websocket.Upgrader
	jwtSecret []byte
	settings  Settings
	logger    *zap.Logger

	// queued participants by id
	connections map[string]*peer
	mu          sync.Mutex

	// serialises queue reads and removals when forming a session
	matchMu sync.Mutex
}

func NewMatchManager(secret []byte, rdb *redis.Client, settings Settings, logger *zap.Logger) *MatchManager {
	if settings.GroupSize < 2 {
		settings.GroupSize = 2
	}
	return &MatchManager{
		ctx: context.Background(),
		rdb: rdb,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		jwtSecret:   secret,
		settings:    settings,
		logger:      utils.OrNop(logger).Named("match"),
		connections: make(map[string]*peer),
	}
}

// enqueue records the announced participant and adds them to the queue.
func (matchManager *MatchManager) enqueue(a models.Announce) error {
	now := float64(time.Now().UnixNano()) / 1e9
	userKey := userPrefix + a.ID

	_, err := matchManager.rdb.TxPipelined(matchManager.ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(matchManager.ctx, userKey, map[string]interface{}{
			"nickname":    a.Nickname,
			"mbti":        a.MBTI,
			"interests":   strings.Join(a.Interests, ","),
			"aiInterests": strings.Join(a.AIInterests, ","),
			"question":    a.Question,
			"answer":      a.Answer,
			"joined_at":   now,
		})
		pipe.ZAdd(matchManager.ctx, queueKey, redis.Z{Score: now, Member: a.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", a.ID, err)
	}
	matchManager.logger.Info("Participant joined queue", zap.String("participantId", a.ID))
	return nil
}

// removeUser drops a participant from the queue without forming a session.
func (matchManager *MatchManager) removeUser(participantID string) {
	matchManager.matchMu.Lock()
	defer matchManager.matchMu.Unlock()

	matchManager.rdb.Del(matchManager.ctx, userPrefix+participantID)
	matchManager.rdb.ZRem(matchManager.ctx, queueKey, participantID)
	matchManager.logger.Info("Removed participant from queue", zap.String("participantId", participantID))
}

// tryMatch forms as many sessions as the queue allows, oldest participants first.
func (matchManager *MatchManager) tryMatch() {
	for {
		formed, err := matchManager.formSession()
		if err != nil {
			matchManager.logger.Error("Failed to form session", zap.Error(err))
			return
		}
		if formed == nil {
			return
		}
		matchManager.notifyMatched(formed)
	}
}

func (matchManager *MatchManager) formSession() (*SessionFormed, error) {
	matchManager.matchMu.Lock()
	defer matchManager.matchMu.Unlock()

	n := int64(matchManager.settings.GroupSize)
	ids, err := matchManager.rdb.ZRange(matchManager.ctx, queueKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	if int64(len(ids)) < n {
		return nil, nil
	}

	sessionID := uuid.New().String()
	roster := make([]models.RosterEntry, 0, len(ids))
	for _, id := range ids {
		user, _ := matchManager.rdb.HGetAll(matchManager.ctx, userPrefix+id).Result()
		roster = append(roster, models.RosterEntry{ParticipantID: id, Nickname: user["nickname"]})
	}

	raw, err := json.Marshal(roster)
	if err != nil {
		return nil, fmt.Errorf("encode roster: %w", err)
	}

	members := make([]interface{}, len(ids))
	userKeys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		userKeys[i] = userPrefix + id
	}

	sessionKey := sessionPrefix + sessionID
	_, err = matchManager.rdb.TxPipelined(matchManager.ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(matchManager.ctx, queueKey, members...)
		pipe.Del(matchManager.ctx, userKeys...)
		pipe.Set(matchManager.ctx, sessionKey, raw, matchManager.settings.SessionTTL)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store session %s: %w", sessionID, err)
	}

	formed := &SessionFormed{
		SessionID: sessionID,
		Roster:    roster,
		CreatedAt: time.Now().Format(time.RFC3339),
	}
	if data, err := json.Marshal(formed); err == nil {
		matchManager.rdb.Publish(matchManager.ctx, SessionsChannel, data)
	}

	metrics.Matches.WithLabelValues("server").Inc()
	matchManager.logger.Info("Session formed",
		zap.String("sessionId", sessionID),
		zap.Strings("participants", ids))
	return formed, nil
}

func (matchManager *MatchManager) notifyMatched(formed *SessionFormed) {
	env, err := models.NewEnvelope(models.FrameMatched, models.Matched{SessionID: formed.SessionID})
	if err != nil {
		matchManager.logger.Error("Failed to encode matched frame", zap.Error(err))
		return
	}
	for _, entry := range formed.Roster {
		matchManager.sendToUser(entry.ParticipantID, env)
		matchManager.mu.Lock()
		delete(matchManager.connections, entry.ParticipantID)
		matchManager.mu.Unlock()
	}
}

// SubscribeToRedis delivers sessions formed by any server instance to the
// participants queued on this one. Participants already notified locally are
// no longer in connections, so they are skipped. Blocks until ctx ends.
func (matchManager *MatchManager) SubscribeToRedis(ctx context.Context) error {
	subscriber := matchManager.rdb.Subscribe(ctx, SessionsChannel)
	defer subscriber.Close()

	if _, err := subscriber.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", SessionsChannel, err)
	}
	matchManager.logger.Info("Subscribed to session events", zap.String("channel", SessionsChannel))

	ch := subscriber.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var formed SessionFormed
			if err := json.Unmarshal([]byte(msg.Payload), &formed); err != nil {
				matchManager.logger.Warn("Invalid session event", zap.Error(err))
				continue
			}
			matchManager.notifyMatched(&formed)
		}
	}
}

// broadcastQueueLength pushes the current queue depth to every waiting participant.
func (matchManager *MatchManager) broadcastQueueLength() {
	count, err := matchManager.rdb.ZCard(matchManager.ctx, queueKey).Result()
	if err != nil {
		matchManager.logger.Warn("Failed to read queue length", zap.Error(err))
		return
	}
	metrics.WaitingParticipants.Set(float64(count))

	env, err := models.NewEnvelope(models.FrameQueueLengthUpdate, models.QueueLengthUpdate{Count: int(count)})
	if err != nil {
		return
	}

	matchManager.mu.Lock()
	ids := make([]string, 0, len(matchManager.connections))
	for id := range matchManager.connections {
		ids = append(ids, id)
	}
	matchManager.mu.Unlock()

	for _, id := range ids {
		matchManager.sendToUser(id, env)
	}
}

// Roster returns the participants of a formed session.
func (matchManager *MatchManager) Roster(ctx context.Context, sessionID string) ([]models.RosterEntry, error) {
	raw, err := matchManager.rdb.Get(ctx, sessionPrefix+sessionID).Bytes()
	if err != nil {
		return nil, err
	}
	var roster []models.RosterEntry
	if err := json.Unmarshal(raw, &roster); err != nil {
		return nil, fmt.Errorf("decode roster: %w", err)
	}
	return roster, nil
}

// QueueLength returns the number of waiting participants.
func (matchManager *MatchManager) QueueLength(ctx context.Context) (int64, error) {
	return matchManager.rdb.ZCard(ctx, queueKey).Result()
}

func (matchManager *MatchManager) sendToUser(participantID string, data interface{}) {
	matchManager.mu.Lock()
	p, ok := matchManager.connections[participantID]
	matchManager.mu.Unlock()

	if !ok {
		return
	}
	if err := p.send(data); err != nil {
		matchManager.logger.Warn("Error sending to participant",
			zap.String("participantId", participantID), zap.Error(err))
		matchManager.mu.Lock()
		if matchManager.connections[participantID] == p {
			delete(matchManager.connections, participantID)
		}
		matchManager.mu.Unlock()
		p.conn.Close()
	}
}
