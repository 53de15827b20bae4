package match_management

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"barkingtalk/internal/metrics"
	"barkingtalk/internal/models"
	"barkingtalk/internal/utils"
)

// --- WebSocket Handler ---
// The first frame must be an announce; afterwards the socket only carries
// server pushes until the participant is matched or leaves.
func (matchManager *MatchManager) WsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := matchManager.upgrader.Upgrade(w, r, nil)
	if err != nil {
		matchManager.logger.Warn("Upgrade error", zap.Error(err))
		return
	}

	conn.SetReadDeadline(time.Now().Add(AnnounceTimeout))
	var env models.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		matchManager.logger.Info("No announce before disconnect", zap.Error(err))
		conn.Close()
		return
	}
	var announce models.Announce
	if env.Type != models.FrameAnnounce || json.Unmarshal(env.Data, &announce) != nil || announce.ID == "" {
		metrics.ProtocolViolations.WithLabelValues(models.FrameAnnounce).Inc()
		matchManager.logger.Warn("Rejected connection without a valid announce", zap.String("type", env.Type))
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	p := &peer{conn: conn}
	matchManager.mu.Lock()
	if old, ok := matchManager.connections[announce.ID]; ok {
		old.conn.Close()
	}
	matchManager.connections[announce.ID] = p
	matchManager.mu.Unlock()

	if err := matchManager.enqueue(announce); err != nil {
		matchManager.logger.Error("Failed to join queue", zap.Error(err))
		matchManager.mu.Lock()
		delete(matchManager.connections, announce.ID)
		matchManager.mu.Unlock()
		conn.Close()
		return
	}

	matchManager.tryMatch()
	matchManager.broadcastQueueLength()

	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}
	conn.Close()

	matchManager.mu.Lock()
	stillQueued := matchManager.connections[announce.ID] == p
	if stillQueued {
		delete(matchManager.connections, announce.ID)
	}
	matchManager.mu.Unlock()

	if stillQueued {
		matchManager.removeUser(announce.ID)
		matchManager.broadcastQueueLength()
	}
	matchManager.logger.Info("Participant disconnected", zap.String("participantId", announce.ID))
}

// --- Cancel Handler ---
func (matchManager *MatchManager) CancelHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParticipantID string `json:"participantId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParticipantID == "" {
		utils.JSON(w, http.StatusBadRequest, models.Resp{OK: false, Info: "invalid json"})
		return
	}

	score := matchManager.rdb.ZScore(r.Context(), queueKey, req.ParticipantID)
	if errors.Is(score.Err(), redis.Nil) {
		utils.JSON(w, http.StatusNotFound, models.Resp{OK: false, Info: "not in queue"})
		return
	}

	matchManager.removeUser(req.ParticipantID)

	matchManager.mu.Lock()
	p, ok := matchManager.connections[req.ParticipantID]
	delete(matchManager.connections, req.ParticipantID)
	matchManager.mu.Unlock()
	if ok {
		p.conn.Close()
	}
	matchManager.broadcastQueueLength()

	utils.JSON(w, http.StatusOK, models.Resp{OK: true, Info: "cancelled"})
}

// --- Count Handler ---
func (matchManager *MatchManager) CountHandler(w http.ResponseWriter, r *http.Request) {
	count, err := matchManager.QueueLength(r.Context())
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	utils.JSON(w, http.StatusOK, models.QueueLengthUpdate{Count: int(count)})
}

// --- Session Participants Handler ---
func (matchManager *MatchManager) SessionParticipantsHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	roster, err := matchManager.Roster(r.Context(), sessionID)
	if errors.Is(err, redis.Nil) {
		utils.JSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		matchManager.logger.Error("Failed to read roster", zap.String("sessionId", sessionID), zap.Error(err))
		utils.JSONError(w, http.StatusInternalServerError, "failed to read session")
		return
	}
	utils.JSON(w, http.StatusOK, roster)
}

// --- Token Handler ---
// Admission tokens are issued only to members of the session roster.
func (matchManager *MatchManager) TokenHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	var req models.TokenReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParticipantID == "" {
		utils.JSONError(w, http.StatusBadRequest, "participantId required")
		return
	}

	roster, err := matchManager.Roster(r.Context(), sessionID)
	if errors.Is(err, redis.Nil) {
		utils.JSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "failed to read session")
		return
	}

	member := false
	for _, entry := range roster {
		if entry.ParticipantID == req.ParticipantID {
			member = true
			break
		}
	}
	if !member {
		utils.JSONError(w, http.StatusForbidden, "not part of this session")
		return
	}

	token, err := utils.GenerateAdmissionToken(sessionID, req.ParticipantID, matchManager.jwtSecret, matchManager.settings.TokenTTL)
	if err != nil {
		matchManager.logger.Error("Failed to sign admission token", zap.Error(err))
		utils.JSONError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	utils.JSON(w, http.StatusOK, models.TokenResp{Token: token})
}

// --- Verify Handler ---
// The media server presents a participant's admission token here before
// letting them into the session.
func (matchManager *MatchManager) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	tokenString, err := utils.ExtractTokenFromHeader(r.Header.Get("Authorization"))
	if err != nil {
		utils.JSONError(w, http.StatusUnauthorized, err.Error())
		return
	}
	claims, err := utils.ValidateAdmissionToken(tokenString, matchManager.jwtSecret)
	if err != nil {
		utils.JSONError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if claims.SessionID != sessionID {
		utils.JSONError(w, http.StatusForbidden, "token is for another session")
		return
	}
	utils.JSON(w, http.StatusOK, models.TokenReq{ParticipantID: claims.ParticipantID})
}
