// Package transcription turns the local participant's audio into finalized
// transcript segments and forwards them to a sink.
package transcription

import (
	"context"
	"errors"
)

// ErrNoSpeech ends a recognition run that heard nothing. It is not a failure.
var ErrNoSpeech = errors.New("no speech detected")

// ErrSourceClosed means the audio source is exhausted. Recognition cannot
// resume after it.
var ErrSourceClosed = errors.New("audio source closed")

// Result is one recognizer hypothesis.
type Result struct {
	Text  string
	Final bool
}

// Engine runs continuous recognition.
//
// Run blocks for one recognition run, calling onResult from a single
// goroutine in arrival order, and returns when the run ends: nil for a normal
// end, ErrNoSpeech for silence, ErrSourceClosed when there is no more audio
// to recognize, ctx.Err() after cancellation, anything else for a device or
// recognizer failure.
type Engine interface {
	Run(ctx context.Context, onResult func(Result)) error
}

// Sink receives finalized segments.
type Sink interface {
	ReceiveTranscript(ctx context.Context, participantID, text string) error
}

// AudioSource yields encoded audio frames of the local participant. It
// returns io.EOF when the source is exhausted.
type AudioSource interface {
	ReadFrame(ctx context.Context) ([]byte, error)
}
