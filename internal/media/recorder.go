package media

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/KR7-gen/ai-vent-app/internal/utils"
)

// DefaultMaxDuration stops a recording that nobody stopped by hand.
const DefaultMaxDuration = 60 * time.Minute

// ErrUnsupportedCodec is returned by Record for codecs without a container.
var ErrUnsupportedCodec = errors.New("codec not supported for recording")

var errRecorderStopped = errors.New("recorder stopped")

type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// Summary describes a finished recording.
type Summary struct {
	Files    []string
	Duration time.Duration
	Packets  int
}

// Recorder writes the remote participant's tracks to local files: Opus to
// .ogg and VP8 to .ivf. All files of one recording share a
// recording_<timestamp> prefix.
type Recorder struct {
	dir         string
	maxDuration time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	prefix  string
	started time.Time
	writers []rtpWriter
	files   []string
	packets int
	timer   *time.Timer
	stopped bool
	summary Summary

	done chan struct{}
}

func NewRecorder(dir string, maxDuration time.Duration, logger *slog.Logger) *Recorder {
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		dir:         dir,
		maxDuration: maxDuration,
		logger:      logger.With("component", "recorder"),
		done:        make(chan struct{}),
	}
}

// Start creates the output directory and arms the automatic stop.
func (r *Recorder) Start() error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create recording dir: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started.IsZero() {
		return nil
	}
	r.started = time.Now()
	r.prefix = "recording_" + strings.NewReplacer(":", "-", ".", "-").Replace(r.started.UTC().Format("2006-01-02T15:04:05.000Z"))
	r.timer = time.AfterFunc(r.maxDuration, func() {
		r.logger.Info("recording reached maximum duration", "max", r.maxDuration)
		r.Stop()
	})
	r.logger.Info("recording started", "dir", r.dir, "prefix", r.prefix)
	return nil
}

// HandleTrack records track until it ends or the recorder stops. It is
// meant for PeerConnection.OnTrack.
func (r *Recorder) HandleTrack(track *webrtc.TrackRemote) {
	codec := track.Codec()
	go func() {
		err := r.Record(codec.MimeType, codec.Channels, func() (*rtp.Packet, error) {
			pkt, _, err := track.ReadRTP()
			return pkt, err
		})
		if err != nil && !errors.Is(err, errRecorderStopped) {
			r.logger.Debug("track recording ended", "mime", codec.MimeType, "error", err)
		}
	}()
}

// Record pulls packets from read and writes them into a new file until read
// fails or the recorder is stopped.
func (r *Recorder) Record(mimeType string, channels uint16, read func() (*rtp.Packet, error)) error {
	w, err := r.open(mimeType, channels)
	if err != nil {
		return err
	}

	for {
		pkt, err := read()
		if err != nil {
			return err
		}

		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return errRecorderStopped
		}
		err = w.WriteRTP(pkt)
		r.packets++
		r.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

func (r *Recorder) open(mimeType string, channels uint16) (rtpWriter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return nil, errRecorderStopped
	}
	if r.started.IsZero() {
		return nil, errors.New("recorder not started")
	}

	var (
		w    rtpWriter
		path string
		err  error
	)
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeOpus):
		if channels == 0 {
			channels = 2
		}
		path = utils.UniquePath(filepath.Join(r.dir, r.prefix+".ogg"))
		w, err = oggwriter.New(path, opusClockRate, channels)
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		path = utils.UniquePath(filepath.Join(r.dir, r.prefix+".ivf"))
		w, err = ivfwriter.New(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, mimeType)
	}
	if err != nil {
		return nil, classify(err)
	}

	r.writers = append(r.writers, w)
	r.files = append(r.files, path)
	r.logger.Info("recording track", "mime", mimeType, "file", path)
	return w, nil
}

// Stop closes every file. Later calls return the same summary.
func (r *Recorder) Stop() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return r.summary
	}
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
	for _, w := range r.writers {
		if err := w.Close(); err != nil {
			r.logger.Warn("closing recording file", "error", err)
		}
	}

	r.summary = Summary{
		Files:   append([]string(nil), r.files...),
		Packets: r.packets,
	}
	if !r.started.IsZero() {
		r.summary.Duration = time.Since(r.started)
	}
	close(r.done)
	r.logger.Info("recording stopped", "files", len(r.files), "duration", r.summary.Duration)
	return r.summary
}

// Done is closed once the recording has stopped.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}
