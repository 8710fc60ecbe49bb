// Package media provides the local media a participant sends and records
// what the other participant sends back.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	streamID      = "aivent"
	opusFrame     = 20 * time.Millisecond
	opusClockRate = 48000
	loopBackoff   = 100 * time.Millisecond
)

// Opus TOC + payload for one 20 ms frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Source is the local media attached to a peer connection.
type Source interface {
	// Tracks returns the tracks to add to a new peer connection. An empty
	// result means there is no local media.
	Tracks() []webrtc.TrackLocal

	// Start begins producing samples in the background.
	Start(ctx context.Context) error

	// Done is closed when the source stops producing media.
	Done() <-chan struct{}

	Close() error
}

func newOpusTrack() (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio", streamID,
	)
}

// base carries the lifecycle shared by the sources.
type base struct {
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func (b *base) Done() <-chan struct{} { return b.done }

// run starts fn once in its own goroutine and closes done when it returns.
func (b *base) run(ctx context.Context, fn func(context.Context)) {
	b.startOnce.Do(func() {
		ctx, b.cancel = context.WithCancel(ctx)
		go func() {
			defer b.stop()
			fn(ctx)
		}()
	})
}

func (b *base) stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		close(b.done)
	})
}

// SilenceSource sends Opus silence. It stands in for a microphone.
type SilenceSource struct {
	base
	track *webrtc.TrackLocalStaticSample
}

func NewSilenceSource() (*SilenceSource, error) {
	track, err := newOpusTrack()
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	return &SilenceSource{base: base{done: make(chan struct{})}, track: track}, nil
}

func (s *SilenceSource) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

func (s *SilenceSource) Start(ctx context.Context) error {
	s.run(ctx, func(ctx context.Context) {
		ticker := time.NewTicker(opusFrame)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: opusFrame}); err != nil &&
					!errors.Is(err, io.ErrClosedPipe) {
					slog.Debug("silence write failed", "error", err)
				}
			}
		}
	})
	return nil
}

func (s *SilenceSource) Close() error {
	s.stop()
	return nil
}

// OggSource plays an Ogg/Opus file, looping at the end.
type OggSource struct {
	base
	path  string
	loop  bool
	track *webrtc.TrackLocalStaticSample
}

// NewOggSource checks that path is readable Ogg/Opus and prepares a track
// for it. With loop set the file restarts when it ends; otherwise the
// source is done after one pass.
func NewOggSource(path string, loop bool) (*OggSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, classify(err)
	}
	_, _, err = oggreader.NewWith(f)
	f.Close()
	if err != nil {
		return nil, errors.Join(ErrNotOgg, err)
	}

	track, err := newOpusTrack()
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	return &OggSource{base: base{done: make(chan struct{})}, path: path, loop: loop, track: track}, nil
}

func (s *OggSource) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

func (s *OggSource) Start(ctx context.Context) error {
	s.run(ctx, func(ctx context.Context) {
		if !s.loop {
			if err := s.playOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("ogg playback stopped", "path", s.path, "error", err)
			}
			return
		}
		Supervise(ctx, "ogg:"+s.path, loopBackoff, s.playOnce)
	})
	return nil
}

func (s *OggSource) playOnce(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return classify(err)
	}
	defer f.Close()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return errors.Join(ErrNotOgg, err)
	}

	// Pace pages by granule position so playback runs in real time.
	var lastGranule uint64
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()

	for {
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		duration := opusFrame
		if header.GranulePosition > lastGranule && lastGranule != 0 {
			samples := header.GranulePosition - lastGranule
			duration = time.Duration(samples) * time.Second / opusClockRate
		}
		lastGranule = header.GranulePosition

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		ticker.Reset(duration)

		if err := s.track.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil &&
			!errors.Is(err, io.ErrClosedPipe) {
			return err
		}
	}
}

func (s *OggSource) Close() error {
	s.stop()
	return nil
}

// NoSource has no tracks. A participant without local media can answer but
// never originates an offer.
type NoSource struct {
	base
}

func NewNoSource() *NoSource {
	return &NoSource{base: base{done: make(chan struct{})}}
}

func (*NoSource) Tracks() []webrtc.TrackLocal { return nil }

func (*NoSource) Start(context.Context) error { return nil }

func (s *NoSource) Close() error {
	s.stop()
	return nil
}
