package transcription

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"barkingtalk/internal/metrics"
	"barkingtalk/internal/models"
	"barkingtalk/internal/utils"
)

var ErrAlreadyStarted = errors.New("transcription pipeline already started")

type Pipeline struct {
	engine    Engine
	sink      Sink
	speakerID string
	logger    *zap.Logger

	backoffBase time.Duration
	backoffMax  time.Duration
	onSegment   func(models.TranscriptEvent)

	mu         sync.Mutex
	started    bool
	stopped    bool
	cancel     context.CancelFunc
	done       chan struct{}
	transcript []string
}

type Option func(*Pipeline)

// WithBackoff sets the restart delay after recognizer failures.
func WithBackoff(base, max time.Duration) Option {
	return func(p *Pipeline) {
		p.backoffBase = base
		p.backoffMax = max
	}
}

// WithSegmentHook observes every forwarded segment.
func WithSegmentHook(fn func(models.TranscriptEvent)) Option {
	return func(p *Pipeline) { p.onSegment = fn }
}

func NewPipeline(engine Engine, sink Sink, speakerID string, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		engine:      engine,
		sink:        sink,
		speakerID:   speakerID,
		logger:      utils.OrNop(logger).Named("transcription").With(zap.String("speakerId", speakerID)),
		backoffBase: 100 * time.Millisecond,
		backoffMax:  5 * time.Second,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches recognition. The engine is restarted after every run until
// Stop is called, ctx ends or the audio source is exhausted.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return ErrAlreadyStarted
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
	p.logger.Info("Speech recognition started")
	return nil
}

// Stop ends recognition for good. Results that arrive afterwards are dropped.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	started := p.started
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !started {
		close(p.done)
	}
	p.logger.Info("Speech recognition stopped")
}

// Done is closed once the recognition loop has exited.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Transcript returns the local segments forwarded so far.
func (p *Pipeline) Transcript() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transcript
}

func (p *Pipeline) active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.stopped
}

func (p *Pipeline) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(p.backoffMax, retry.NewExponential(p.backoffBase))
}

func (p *Pipeline) loop(ctx context.Context) {
	defer close(p.done)

	backoff := p.newBackoff()
	for {
		err := p.engine.Run(ctx, func(r Result) { p.handleResult(ctx, r) })
		if ctx.Err() != nil || !p.active() {
			return
		}

		switch {
		case errors.Is(err, ErrSourceClosed):
			p.logger.Info("Audio source ended, speech recognition finished")
			return
		case err == nil:
			metrics.RecognizerRestarts.WithLabelValues("end").Inc()
			backoff = p.newBackoff()
		case errors.Is(err, ErrNoSpeech):
			metrics.RecognizerRestarts.WithLabelValues("no_speech").Inc()
			backoff = p.newBackoff()
		default:
			metrics.RecognizerRestarts.WithLabelValues("error").Inc()
			delay, _ := backoff.Next()
			p.logger.Error("Speech recognition error", zap.Error(err), zap.Duration("restartIn", delay))

			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

func (p *Pipeline) handleResult(ctx context.Context, r Result) {
	if !r.Final {
		metrics.TranscriptSegments.WithLabelValues("partial").Inc()
		return
	}
	text := strings.TrimSpace(r.Text)
	if text == "" {
		metrics.TranscriptSegments.WithLabelValues("empty").Inc()
		return
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		metrics.TranscriptSegments.WithLabelValues("late").Inc()
		return
	}
	next := make([]string, len(p.transcript), len(p.transcript)+1)
	copy(next, p.transcript)
	p.transcript = append(next, text)
	p.mu.Unlock()

	ev := models.TranscriptEvent{SpeakerID: p.speakerID, Text: text, Finalized: true}
	if p.onSegment != nil {
		p.onSegment(ev)
	}

	if err := p.sink.ReceiveTranscript(ctx, ev.SpeakerID, ev.Text); err != nil {
		metrics.TranscriptSegments.WithLabelValues("sink_error").Inc()
		p.logger.Warn("Error sending transcript", zap.Error(err))
		return
	}
	metrics.TranscriptSegments.WithLabelValues("forwarded").Inc()
}
