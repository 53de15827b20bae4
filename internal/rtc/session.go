// Package rtc is the pion/webrtc media provider: one peer connection per
// session, negotiated over a websocket signaling channel.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"barkingtalk/internal/config"
	"barkingtalk/internal/media"
	"barkingtalk/internal/models"
	"barkingtalk/internal/utils"
)

var (
	ErrNotConnected = errors.New("media session not connected")
	ErrClosed       = errors.New("media session closed")
)

// Provider opens pion sessions against a signaling endpoint.
type Provider struct {
	signalURL     string
	participantID string
	webrtcConfig  webrtc.Configuration
	sources       SourceFactory
	logger        *zap.Logger
}

func NewProvider(cfg *config.Config, participantID string, logger *zap.Logger) *Provider {
	return &Provider{
		signalURL:     strings.TrimRight(cfg.SignalURL, "/"),
		participantID: participantID,
		webrtcConfig:  WebRTCConfig(cfg),
		sources:       FileOrSilence(cfg.AudioFile),
		logger:        utils.OrNop(logger).Named("rtc"),
	}
}

func (p *Provider) NewSession(_ context.Context, sessionID string) (media.Session, error) {
	pc, err := webrtc.NewPeerConnection(p.webrtcConfig)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	s := &Session{
		id:            sessionID,
		participantID: p.participantID,
		url:           p.signalURL + "/" + sessionID,
		pc:            pc,
		sources:       p.sources,
		logger:        p.logger.With(zap.String("sessionId", sessionID)),
		remotes:       make(map[string]*remoteStream),
		answers:       make(chan webrtc.SessionDescription, 1),
		closed:        make(chan struct{}),
	}
	s.watchPeer()
	return s, nil
}

type remoteStream struct {
	streamID string
}

func (r *remoteStream) StreamID() string { return r.streamID }

// Published stream ids are participant ids.
func (r *remoteStream) ParticipantID() string { return r.streamID }

// Session implements media.Session over one peer connection.
type Session struct {
	id            string
	participantID string
	url           string
	pc            *webrtc.PeerConnection
	sources       SourceFactory
	logger        *zap.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu          sync.Mutex
	onCreated   func(media.RemoteStream)
	onDestroyed func(media.RemoteStream)
	remotes     map[string]*remoteStream
	pending     []webrtc.ICECandidateInit

	answers   chan webrtc.SessionDescription
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *Session) OnStreamCreated(fn func(media.RemoteStream)) {
	s.mu.Lock()
	s.onCreated = fn
	s.mu.Unlock()
}

func (s *Session) OnStreamDestroyed(fn func(media.RemoteStream)) {
	s.mu.Lock()
	s.onDestroyed = fn
	s.mu.Unlock()
}

func (s *Session) watchPeer() {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := c.ToJSON()
		s.send(models.SignalICECandidate, models.ICECandidateData{
			Candidate:     cand.Candidate,
			SDPMLineIndex: cand.SDPMLineIndex,
			SDPMid:        cand.SDPMid,
		})
	})

	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		streamID := track.StreamID()
		s.addRemote(streamID)

		// drain until the remote side stops sending
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				break
			}
		}
		s.removeRemote(streamID)
	})

	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Info("Peer connection state changed", zap.String("state", state.String()))
	})
}

// Connect opens the signaling channel and joins with the admission token.
func (s *Session) Connect(ctx context.Context, token string) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("dial signaling: %w", err)
	}

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	if err := s.send(models.SignalJoin, models.JoinData{ParticipantID: s.participantID, Token: token}); err != nil {
		conn.Close()
		return fmt.Errorf("join: %w", err)
	}

	go s.readLoop(conn)
	s.logger.Info("Joined signaling channel")
	return nil
}

// Publish adds the local audio track, negotiates it and starts streaming.
func (s *Session) Publish(ctx context.Context) (media.LocalStream, error) {
	s.writeMu.Lock()
	connected := s.conn != nil
	s.writeMu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio-"+uuid.New().String(), s.participantID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add audio track: %w", err)
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := s.send(models.SignalOffer, models.SDPData{SDP: offer.SDP}); err != nil {
		return nil, fmt.Errorf("send offer: %w", err)
	}

	select {
	case answer := <-s.answers:
		if err := s.pc.SetRemoteDescription(answer); err != nil {
			return nil, fmt.Errorf("set remote description: %w", err)
		}
		s.flushCandidates()
	case <-s.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	source, err := s.sources()
	if err != nil {
		return nil, err
	}
	local := newLocalStream(s.pc, track, sender, source, s.logger)
	local.start()
	s.logger.Info("Publishing local audio")
	return local, nil
}

// Disconnect leaves the session and closes the peer connection. Safe to call repeatedly.
func (s *Session) Disconnect() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.send(models.SignalLeave, nil)

		s.writeMu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.writeMu.Unlock()

		err = s.pc.Close()
	})
	return err
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		var msg models.SignalingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-s.closed:
			default:
				s.logger.Warn("Signaling read error", zap.Error(err))
			}
			return
		}
		s.handleSignal(msg)
	}
}

func (s *Session) handleSignal(msg models.SignalingMessage) {
	switch msg.Type {
	case models.SignalAnswer:
		var d models.SDPData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			s.logger.Warn("Invalid answer", zap.Error(err))
			return
		}
		select {
		case s.answers <- webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: d.SDP}:
		default:
			s.logger.Warn("Unexpected answer")
		}

	case models.SignalOffer:
		// server-initiated renegotiation when streams come and go
		var d models.SDPData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			s.logger.Warn("Invalid offer", zap.Error(err))
			return
		}
		if err := s.answer(d.SDP); err != nil {
			s.logger.Warn("Renegotiation failed", zap.Error(err))
		}

	case models.SignalICECandidate:
		var d models.ICECandidateData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return
		}
		s.addCandidate(webrtc.ICECandidateInit{Candidate: d.Candidate, SDPMid: d.SDPMid, SDPMLineIndex: d.SDPMLineIndex})

	case models.SignalStreamRemoved:
		var d models.StreamRemovedData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return
		}
		s.removeRemote(d.StreamID)

	default:
		s.logger.Debug("Unknown signaling message", zap.String("type", msg.Type))
	}
}

func (s *Session) answer(sdp string) error {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return err
	}
	s.flushCandidates()
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return s.send(models.SignalAnswer, models.SDPData{SDP: answer.SDP})
}

// addCandidate applies c, or holds it until a remote description exists.
func (s *Session) addCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.pc.RemoteDescription() == nil {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := s.pc.AddICECandidate(c); err != nil {
		s.logger.Debug("Add ICE candidate", zap.Error(err))
	}
}

func (s *Session) flushCandidates() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.logger.Debug("Add ICE candidate", zap.Error(err))
		}
	}
}

func (s *Session) addRemote(streamID string) {
	s.mu.Lock()
	if _, ok := s.remotes[streamID]; ok {
		s.mu.Unlock()
		return
	}
	rs := &remoteStream{streamID: streamID}
	s.remotes[streamID] = rs
	fn := s.onCreated
	s.mu.Unlock()

	if fn != nil {
		fn(rs)
	}
}

func (s *Session) removeRemote(streamID string) {
	s.mu.Lock()
	rs, ok := s.remotes[streamID]
	if ok {
		delete(s.remotes, streamID)
	}
	fn := s.onDestroyed
	s.mu.Unlock()

	if ok && fn != nil {
		fn(rs)
	}
}

func (s *Session) send(msgType string, data interface{}) error {
	msg := models.SignalingMessage{
		Type:      msgType,
		From:      s.participantID,
		RoomID:    s.id,
		Timestamp: time.Now(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		msg.Data = raw
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(msg)
}
