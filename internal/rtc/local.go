package rtc

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// LocalStream publishes samples from a source to the local audio track and
// exposes the same frames to the recognizer.
type LocalStream struct {
	track  *webrtc.TrackLocalStaticSample
	sender *webrtc.RTPSender
	pc     *webrtc.PeerConnection
	source SampleSource
	logger *zap.Logger

	frames chan []byte
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newLocalStream(pc *webrtc.PeerConnection, track *webrtc.TrackLocalStaticSample, sender *webrtc.RTPSender, source SampleSource, logger *zap.Logger) *LocalStream {
	return &LocalStream{
		track:  track,
		sender: sender,
		pc:     pc,
		source: source,
		logger: logger,
		frames: make(chan []byte, 256),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (l *LocalStream) start() {
	go l.pump()
	go l.drainRTCP()
}

// pump paces samples onto the track until the source ends or Stop.
func (l *LocalStream) pump() {
	defer close(l.done)
	defer close(l.frames)

	ticker := time.NewTicker(pageDuration)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}

		sample, err := l.source.NextSample()
		if errors.Is(err, io.EOF) {
			l.logger.Info("Local audio source finished")
			return
		}
		if err != nil {
			l.logger.Warn("Local audio source failed", zap.Error(err))
			return
		}
		if err := l.track.WriteSample(sample); err != nil {
			l.logger.Debug("Write sample", zap.Error(err))
		}

		select {
		case l.frames <- sample.Data:
		default:
			// recognizer is behind; drop rather than stall the track
		}
	}
}

// drainRTCP reads RTCP so interceptors keep working.
func (l *LocalStream) drainRTCP() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := l.sender.Read(buf); err != nil {
			return
		}
	}
}

// ReadFrame returns the next published Opus frame.
func (l *LocalStream) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f, ok := <-l.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	}
}

// Stop ends publishing and releases the track. Safe to call repeatedly.
func (l *LocalStream) Stop() error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		if l.pc != nil && l.pc.ConnectionState() != webrtc.PeerConnectionStateClosed {
			err = l.pc.RemoveTrack(l.sender)
		}
		if cerr := l.source.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
