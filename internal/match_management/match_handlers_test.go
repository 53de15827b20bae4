package match_management

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barkingtalk/internal/models"
	"barkingtalk/internal/queue"
	"barkingtalk/internal/utils"
)

// Note: setupTestRedis is defined in match_manager_test.go and can be used here

func withSessionID(req *http.Request, sessionID string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("sessionId", sessionID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func newServer(t *testing.T, groupSize int) (*MatchManager, string) {
	_, rdb := setupTestRedis(t)
	mm := NewMatchManager([]byte("test-secret"), rdb, testSettings(groupSize), nil)
	return mm, serveWs(t, mm)
}

func serveWs(t *testing.T, mm *MatchManager) string {
	r := chi.NewRouter()
	r.HandleFunc("/ws", mm.WsHandler)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialAndAnnounce(t *testing.T, url string, a models.Announce) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	env, err := models.NewEnvelope(models.FrameAnnounce, a)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
	return conn
}

// readUntil returns the first frame of the given type.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) models.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env models.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == frameType {
			return env
		}
	}
}

func TestWsHandler_QueueLengthUpdate(t *testing.T) {
	_, url := newServer(t, 3)

	conn := dialAndAnnounce(t, url, announce("u1", "bori"))
	env := readUntil(t, conn, models.FrameQueueLengthUpdate)

	var upd models.QueueLengthUpdate
	require.NoError(t, json.Unmarshal(env.Data, &upd))
	assert.Equal(t, 1, upd.Count)
}

func TestWsHandler_MatchesGroup(t *testing.T) {
	mm, url := newServer(t, 2)

	c1 := dialAndAnnounce(t, url, announce("u1", "bori"))
	readUntil(t, c1, models.FrameQueueLengthUpdate)
	c2 := dialAndAnnounce(t, url, announce("u2", "mungmung"))

	var m1, m2 models.Matched
	require.NoError(t, json.Unmarshal(readUntil(t, c1, models.FrameMatched).Data, &m1))
	require.NoError(t, json.Unmarshal(readUntil(t, c2, models.FrameMatched).Data, &m2))

	assert.NotEmpty(t, m1.SessionID)
	assert.Equal(t, m1.SessionID, m2.SessionID)

	roster, err := mm.Roster(context.Background(), m1.SessionID)
	require.NoError(t, err)
	assert.Len(t, roster, 2)

	count, _ := mm.QueueLength(context.Background())
	assert.Equal(t, int64(0), count)
}

func TestWsHandler_MatchesAcrossInstances(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { other.Close() })

	mm1 := NewMatchManager([]byte("test-secret"), rdb, testSettings(2), nil)
	mm2 := NewMatchManager([]byte("test-secret"), other, testSettings(2), nil)
	url1, url2 := serveWs(t, mm1), serveWs(t, mm2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mm2.SubscribeToRedis(ctx)
	assert.Eventually(t, func() bool {
		return mr.PubSubNumSub(SessionsChannel)[SessionsChannel] == 1
	}, time.Second, 5*time.Millisecond)

	// u1 waits on the second instance, u2 completes the group on the first
	c1 := dialAndAnnounce(t, url2, announce("u1", "bori"))
	readUntil(t, c1, models.FrameQueueLengthUpdate)
	c2 := dialAndAnnounce(t, url1, announce("u2", "mungmung"))

	var m1, m2 models.Matched
	require.NoError(t, json.Unmarshal(readUntil(t, c1, models.FrameMatched).Data, &m1))
	require.NoError(t, json.Unmarshal(readUntil(t, c2, models.FrameMatched).Data, &m2))
	assert.NotEmpty(t, m1.SessionID)
	assert.Equal(t, m1.SessionID, m2.SessionID)
}

func TestWsHandler_DisconnectLeavesQueue(t *testing.T) {
	mm, url := newServer(t, 2)

	conn := dialAndAnnounce(t, url, announce("u1", "bori"))
	readUntil(t, conn, models.FrameQueueLengthUpdate)
	conn.Close()

	assert.Eventually(t, func() bool {
		count, _ := mm.QueueLength(context.Background())
		return count == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWsHandler_RejectsMissingAnnounce(t *testing.T) {
	mm, url := newServer(t, 2)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	env, _ := models.NewEnvelope(models.FrameAnnounce, models.Announce{Nickname: "no id"})
	require.NoError(t, conn.WriteJSON(env))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)

	count, _ := mm.QueueLength(context.Background())
	assert.Equal(t, int64(0), count)
}

type noPending struct{}

func (noPending) PendingQuestion(context.Context) (string, string, error) { return "", "", nil }
func (noPending) ClearPending(context.Context) error                     { return nil }

// TestQueueClientsAgainstServer drives two queue clients through a match.
func TestQueueClientsAgainstServer(t *testing.T) {
	_, url := newServer(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	a := queue.NewClient(url, noPending{}, nil)
	b := queue.NewClient(url, noPending{}, nil)
	require.NoError(t, a.Connect(ctx, models.Participant{ID: "u1", Nickname: "bori"}))
	require.NoError(t, b.Connect(ctx, models.Participant{ID: "u2", Nickname: "mungmung"}))

	s1, err := a.Wait(ctx)
	require.NoError(t, err)
	s2, err := b.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
	assert.Equal(t, models.QueueMatched, a.Ticket().State)
}

func TestCancelHandler(t *testing.T) {
	_, rdb := setupTestRedis(t)
	mm := NewMatchManager([]byte("test-secret"), rdb, testSettings(2), nil)
	require.NoError(t, mm.enqueue(announce("u1", "bori")))

	body, _ := json.Marshal(map[string]string{"participantId": "u1"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/match/cancel", bytes.NewBuffer(body))
	w := httptest.NewRecorder()

	mm.CancelHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp models.Resp
	json.Unmarshal(w.Body.Bytes(), &resp)
	assert.True(t, resp.OK)
	assert.Equal(t, "cancelled", resp.Info)

	count, _ := mm.QueueLength(context.Background())
	assert.Equal(t, int64(0), count)
}

func TestCancelHandler_InvalidJSON(t *testing.T) {
	_, rdb := setupTestRedis(t)
	mm := NewMatchManager([]byte("test-secret"), rdb, testSettings(2), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/match/cancel", bytes.NewBufferString("invalid json"))
	w := httptest.NewRecorder()

	mm.CancelHandler(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCountHandler(t *testing.T) {
	_, rdb := setupTestRedis(t)
	mm := NewMatchManager([]byte("test-secret"), rdb, testSettings(3), nil)
	require.NoError(t, mm.enqueue(announce("u1", "bori")))
	require.NoError(t, mm.enqueue(announce("u2", "mungmung")))

	w := httptest.NewRecorder()
	mm.CountHandler(w, httptest.NewRequest(http.MethodGet, "/api/v1/match/count", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp models.QueueLengthUpdate
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func formTestSession(t *testing.T, mm *MatchManager) string {
	t.Helper()
	require.NoError(t, mm.enqueue(announce("u1", "bori")))
	require.NoError(t, mm.enqueue(announce("u2", "mungmung")))
	formed, err := mm.formSession()
	require.NoError(t, err)
	require.NotNil(t, formed)
	return formed.SessionID
}

func TestSessionParticipantsHandler(t *testing.T) {
	_, rdb := setupTestRedis(t)
	mm := NewMatchManager([]byte("test-secret"), rdb, testSettings(2), nil)
	sessionID := formTestSession(t, mm)

	req := withSessionID(httptest.NewRequest(http.MethodGet, "/api/sessions/"+sessionID+"/participants", nil), sessionID)
	w := httptest.NewRecorder()
	mm.SessionParticipantsHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var roster []models.RosterEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &roster))
	require.Len(t, roster, 2)
	assert.Equal(t, "u1", roster[0].ParticipantID)
	assert.Equal(t, "mungmung", roster[1].Nickname)
}

func TestTokenHandler(t *testing.T) {
	_, rdb := setupTestRedis(t)
	secret := []byte("test-secret")
	mm := NewMatchManager(secret, rdb, testSettings(2), nil)
	sessionID := formTestSession(t, mm)

	t.Run("member gets a token", func(t *testing.T) {
		body, _ := json.Marshal(models.TokenReq{ParticipantID: "u2"})
		req := withSessionID(httptest.NewRequest(http.MethodPost, "/token", bytes.NewBuffer(body)), sessionID)
		w := httptest.NewRecorder()
		mm.TokenHandler(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var resp models.TokenResp
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

		claims, err := utils.ValidateAdmissionToken(resp.Token, secret)
		require.NoError(t, err)
		assert.Equal(t, sessionID, claims.SessionID)
		assert.Equal(t, "u2", claims.ParticipantID)
	})

	t.Run("outsider is refused", func(t *testing.T) {
		body, _ := json.Marshal(models.TokenReq{ParticipantID: "u9"})
		req := withSessionID(httptest.NewRequest(http.MethodPost, "/token", bytes.NewBuffer(body)), sessionID)
		w := httptest.NewRecorder()
		mm.TokenHandler(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestVerifyHandler(t *testing.T) {
	_, rdb := setupTestRedis(t)
	secret := []byte("test-secret")
	mm := NewMatchManager(secret, rdb, testSettings(2), nil)

	valid, err := utils.GenerateAdmissionToken("s1", "u2", secret, time.Minute)
	require.NoError(t, err)
	forged, err := utils.GenerateAdmissionToken("s1", "u2", []byte("other"), time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name    string
		session string
		header  string
		status  int
	}{
		{"valid token", "s1", "Bearer " + valid, http.StatusOK},
		{"missing header", "s1", "", http.StatusUnauthorized},
		{"forged token", "s1", "Bearer " + forged, http.StatusUnauthorized},
		{"other session", "s2", "Bearer " + valid, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := withSessionID(httptest.NewRequest(http.MethodGet, "/verify", nil), tt.session)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			mm.VerifyHandler(w, req)

			require.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				var resp models.TokenReq
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, "u2", resp.ParticipantID)
			}
		})
	}
}
