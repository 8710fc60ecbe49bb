package overlay

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrChannelNotOpen is returned by Send while no open data channel is bound.
var ErrChannelNotOpen = errors.New("comments channel not open")

// Channel carries comments between the two participants over a WebRTC data
// channel. Incoming comments are added to the feed. The bound data channel
// is replaced whenever the peer connection is rebuilt.
type Channel struct {
	feed   *Feed
	logger *slog.Logger

	mu sync.Mutex
	dc *webrtc.DataChannel
}

func NewChannel(feed *Feed, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{feed: feed, logger: logger.With("component", "overlay")}
}

// Bind makes dc the current comments channel. Channels with another label
// are ignored.
func (c *Channel) Bind(dc *webrtc.DataChannel) {
	if dc.Label() != ChannelLabel {
		return
	}

	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.logger.Debug("comments channel open")
	})
	dc.OnClose(func() {
		c.mu.Lock()
		if c.dc == dc {
			c.dc = nil
		}
		c.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		comment, err := DecodeComment(msg.Data)
		if err != nil {
			c.logger.Debug("bad overlay message", "error", err)
			return
		}
		comment.IsUserComment = false
		c.feed.Add(comment)
	})
}

// Send implements Sink.
func (c *Channel) Send(comment Comment) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}

	data, err := EncodeComment(comment)
	if err != nil {
		return err
	}
	return dc.Send(data)
}
