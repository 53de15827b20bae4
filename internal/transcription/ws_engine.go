package transcription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Recognizer frame types exchanged with the streaming STT endpoint. Audio
// travels as binary messages between start and stop.
const (
	FrameStart  = "start"
	FrameStop   = "stop"
	FrameResult = "result"
	FrameEnd    = "end"
	FrameError  = "error"
)

// Error code the recognizer sends when a run heard nothing.
const CodeNoSpeech = "no-speech"

// SttFrame is the JSON control message of the STT stream.
type SttFrame struct {
	Type     string `json:"type"`
	Language string `json:"language,omitempty"`
	Text     string `json:"text,omitempty"`
	Final    bool   `json:"final,omitempty"`
	Error    string `json:"error,omitempty"`
}

// WSEngine streams audio to a websocket recognizer. Each Run opens a fresh
// connection once the source has a frame to send.
type WSEngine struct {
	url      string
	header   http.Header
	language string
	source   AudioSource
	dialer   *websocket.Dialer
}

func NewWSEngine(url string, header http.Header, language string, source AudioSource) *WSEngine {
	return &WSEngine{
		url:      url,
		header:   header,
		language: language,
		source:   source,
		dialer:   websocket.DefaultDialer,
	}
}

func (e *WSEngine) Run(ctx context.Context, onResult func(Result)) error {
	first, err := e.source.ReadFrame(ctx)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return ErrSourceClosed
		case ctx.Err() != nil:
			return ctx.Err()
		}
		return fmt.Errorf("read audio: %w", err)
	}

	conn, _, err := e.dialer.DialContext(ctx, e.url, e.header)
	if err != nil {
		return fmt.Errorf("dial recognizer: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(SttFrame{Type: FrameStart, Language: e.language}); err != nil {
		return fmt.Errorf("start recognizer: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.pump(runCtx, conn, first)
	}()
	defer wg.Wait()
	defer cancel()

	// unblock ReadJSON when the caller cancels
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		var f SttFrame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("recognizer stream: %w", err)
		}

		switch f.Type {
		case FrameResult:
			onResult(Result{Text: f.Text, Final: f.Final})
		case FrameEnd:
			return nil
		case FrameError:
			if f.Error == CodeNoSpeech {
				return ErrNoSpeech
			}
			return fmt.Errorf("recognizer: %s", f.Error)
		}
	}
}

// pump forwards audio frames, starting with first, until the source ends or
// ctx is cancelled.
func (e *WSEngine) pump(ctx context.Context, conn *websocket.Conn, first []byte) {
	frame := first
	for {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}

		var err error
		if frame, err = e.source.ReadFrame(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				conn.WriteJSON(SttFrame{Type: FrameStop})
			}
			return
		}
	}
}
