package rtc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
)

// Opus pages are paced at this interval.
const pageDuration = 20 * time.Millisecond

// SampleSource yields encoded Opus samples for the local track. It returns
// io.EOF when exhausted.
type SampleSource interface {
	NextSample() (media.Sample, error)
	Close() error
}

// OggSource replays an Ogg/Opus file.
type OggSource struct {
	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
}

func OpenOgg(path string) (*OggSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read ogg header: %w", err)
	}
	return &OggSource{file: f, reader: reader}, nil
}

// opusTags starts the comment header page that follows the ID header.
var opusTags = []byte("OpusTags")

func (s *OggSource) NextSample() (media.Sample, error) {
	page, header, err := s.reader.ParseNextPage()
	for err == nil && bytes.HasPrefix(page, opusTags) {
		page, header, err = s.reader.ParseNextPage()
	}
	if errors.Is(err, io.EOF) {
		return media.Sample{}, io.EOF
	}
	if err != nil {
		return media.Sample{}, fmt.Errorf("parse ogg page: %w", err)
	}

	// granule positions count 48 kHz samples
	count := header.GranulePosition - s.lastGranule
	s.lastGranule = header.GranulePosition
	duration := time.Duration(float64(count)/48000*1000) * time.Millisecond
	if duration <= 0 {
		duration = pageDuration
	}
	return media.Sample{Data: page, Duration: duration}, nil
}

func (s *OggSource) Close() error { return s.file.Close() }

// silenceFrame is a 20 ms Opus frame of silence.
var silenceFrame = []byte{0xf8, 0xff, 0xfe}

// SilenceSource produces Opus silence forever, for participants without an
// audio file.
type SilenceSource struct{}

func (SilenceSource) NextSample() (media.Sample, error) {
	return media.Sample{Data: append([]byte(nil), silenceFrame...), Duration: pageDuration}, nil
}

func (SilenceSource) Close() error { return nil }

// SourceFactory opens a fresh sample source for each publish.
type SourceFactory func() (SampleSource, error)

// FileOrSilence replays path, or silence when path is empty.
func FileOrSilence(path string) SourceFactory {
	return func() (SampleSource, error) {
		if path == "" {
			return SilenceSource{}, nil
		}
		return OpenOgg(path)
	}
}
