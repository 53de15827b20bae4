package review

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Prompt is the review-question modal: it expires after a fixed duration
// unless dismissed first. Its context is cancelled on expiry or Close.
type Prompt struct {
	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer

	mu        sync.Mutex
	expired   bool
	dismissed bool
}

func NewPrompt(parent context.Context, d time.Duration) *Prompt {
	ctx, cancel := context.WithCancel(parent)
	p := &Prompt{ctx: ctx, cancel: cancel}
	p.timer = time.AfterFunc(d, p.expire)
	return p
}

func (p *Prompt) expire() {
	p.mu.Lock()
	if p.dismissed {
		p.mu.Unlock()
		return
	}
	p.expired = true
	p.mu.Unlock()
	p.cancel()
}

func (p *Prompt) Context() context.Context { return p.ctx }

// Dismiss answers the prompt early; the expiry timer no longer fires.
// It reports false when the prompt had already expired.
func (p *Prompt) Dismiss() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.expired {
		return false
	}
	p.dismissed = true
	p.timer.Stop()
	return true
}

func (p *Prompt) Expired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expired
}

// Close stops the timer and releases the context.
func (p *Prompt) Close() {
	p.mu.Lock()
	p.dismissed = true
	p.mu.Unlock()
	p.timer.Stop()
	p.cancel()
}

// WriterSpeaker "speaks" by writing text to w, taking about as long as
// reading it aloud would.
type WriterSpeaker struct {
	W       io.Writer
	PerWord time.Duration
}

func (s WriterSpeaker) Speak(ctx context.Context, text string) error {
	if _, err := fmt.Fprintf(s.W, "[feedback] %s\n", text); err != nil {
		return err
	}
	if s.PerWord <= 0 {
		return nil
	}
	words := 1
	for _, r := range text {
		if r == ' ' {
			words++
		}
	}
	t := time.NewTimer(time.Duration(words) * s.PerWord)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
