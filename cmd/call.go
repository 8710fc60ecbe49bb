package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/KR7-gen/ai-vent-app/internal/aireply"
	"github.com/KR7-gen/ai-vent-app/internal/config"
	"github.com/KR7-gen/ai-vent-app/internal/hubclient"
	"github.com/KR7-gen/ai-vent-app/internal/media"
	"github.com/KR7-gen/ai-vent-app/internal/overlay"
	"github.com/KR7-gen/ai-vent-app/internal/protocol"
	"github.com/KR7-gen/ai-vent-app/internal/session"
	"github.com/KR7-gen/ai-vent-app/internal/ui"
	"github.com/KR7-gen/ai-vent-app/internal/utils"
)

const (
	roleHost   = "host"
	roleJoiner = "joiner"

	// mediaNone on --media sends no local media.
	mediaNone = "none"
)

// CallOptions are the participant flags shared by host and join.
type CallOptions struct {
	Media  string
	Record bool
	NoAI   bool
}

// CallContext is one participant's call: its hub connection, the session
// machine and, for the host, the join request prompt.
type CallContext struct {
	Config  *config.Config
	Role    string
	Conn    *hubclient.Client
	Machine *session.Machine
	Host    bool
	Options CallOptions
}

// NewCallContext dials the hub for a new call.
func NewCallContext(ctx context.Context, cfg *config.Config, role string, m *session.Machine, opts CallOptions) (*CallContext, error) {
	sp := ui.NewConnectionSpinner("Connecting to " + cfg.ServerURL + "...")
	sp.Start()
	conn, err := hubclient.Dial(ctx, cfg.WebSocketURL)
	if err != nil {
		sp.Error("Could not reach the signaling server")
		return nil, session.NewError("connect to server", err)
	}
	sp.Success("Connected to signaling server")

	return &CallContext{
		Config:  cfg,
		Role:    role,
		Conn:    conn,
		Machine: m,
		Host:    role == roleHost,
		Options: opts,
	}, nil
}

func (c *CallContext) Close() {
	if c.Conn != nil {
		c.Conn.Close()
	}
}

// LoadConfig loads configuration and rejects combinations that cannot work.
func LoadConfig(opts config.Options) (*config.Config, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, session.NewError("load config", err)
	}

	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}

	return cfg, nil
}

// openMedia maps --media to a source: empty sends silence, "none" sends
// nothing and anything else is an Ogg/Opus file played in a loop.
func openMedia(spec string) (media.Source, error) {
	switch spec {
	case "":
		return media.NewSilenceSource()
	case mediaNone:
		return media.NewNoSource(), nil
	}
	return media.NewOggSource(spec, true)
}

// RunCall runs the call view and the negotiator until either side hangs up
// or the session fails, then prints the session summary.
func RunCall(ctx context.Context, c *CallContext) error {
	logger := slog.Default()
	cfg := c.Config
	room := c.Machine.Room()

	src, err := openMedia(c.Options.Media)
	if err != nil {
		return errors.New(media.UserMessage(err))
	}
	defer src.Close()

	feed := overlay.NewFeed()
	channel := overlay.NewChannel(feed, logger)

	aiChance := 0.0
	if c.Options.NoAI {
		aiChance = -1
	}
	reactor := overlay.NewReactor(overlay.ReactorOptions{
		RoomID:   room,
		Replier:  aireply.NewClient(cfg.ServerURL, cfg.AIReplyTimeout),
		Feed:     feed,
		Sink:     channel,
		AIChance: aiChance,
		Logger:   logger,
	})

	var rec *media.Recorder
	if c.Options.Record {
		rec = media.NewRecorder(cfg.RecordDir, media.DefaultMaxDuration, logger)
		if err := rec.Start(); err != nil {
			return errors.New(media.UserMessage(err))
		}
	}

	var neg *session.Negotiator
	view := ui.NewCallView(ui.CallOptions{
		Title: fmt.Sprintf("%s %s  %s", ui.IconRoom, room, c.Role),
		OnSubmit: func(text string) {
			comment := overlay.NewUserComment(text)
			feed.Add(comment)
			if err := channel.Send(comment); err != nil {
				logger.Debug("comment not sent to peer", "error", err)
			}
			reactor.React(ctx, text)
		},
		OnHangUp: func() {
			neg.HangUp()
		},
	})

	opts := session.Options{
		Signaler:         c.Conn,
		Machine:          c.Machine,
		Factory:          session.NewPeerFactory(cfg),
		Media:            src,
		DataChannelLabel: overlay.ChannelLabel,
		OnDataChannel:    channel.Bind,
		OnPeerLeft: func(string) {
			view.SetPeer("")
			view.Notice("The other participant left. Waiting for them to come back...")
		},
		Logger: logger,
	}
	if c.Host {
		opts.Decider = session.DeciderFunc(func(ctx context.Context, req protocol.JoinRequestPayload) (bool, error) {
			return view.Ask(ctx, fmt.Sprintf("%s %s wants to join. Let them in?", ui.IconPeer, shortID(req.Requester)))
		})
	}
	if rec != nil {
		opts.OnTrack = func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			go rec.HandleTrack(track)
		}
	}

	neg, err = session.NewNegotiator(opts)
	if err != nil {
		return err
	}
	defer neg.Close()

	view.Start()

	comments, unsubscribe := feed.Subscribe(32)
	defer unsubscribe()
	go func() {
		for cm := range comments {
			view.AddComment(ui.CommentLine{
				Author:  cm.UserName,
				Text:    cm.Text,
				Special: cm.Special,
				Own:     cm.IsUserComment,
			})
		}
	}()

	// the remote id is cleared on teardown, so keep the last one seen
	var lastPeer atomic.Value
	lastPeer.Store("")
	c.Machine.OnPhaseChange(func(_, to session.Phase) {
		view.SetPhase(to.String())
		if to == session.Connected {
			peer := neg.Summary().Remote
			lastPeer.Store(peer)
			view.SetPeer(shortID(peer))
		}
	})
	view.SetPhase(c.Machine.Phase().String())

	go func() {
		<-view.Done()
		neg.HangUp()
	}()

	if err := src.Start(ctx); err != nil {
		view.Stop()
		return errors.New(media.UserMessage(err))
	}

	runErr := neg.Run(ctx)
	view.Stop()

	summary := neg.Summary()
	var recording string
	if rec != nil {
		rs := rec.Stop()
		if len(rs.Files) > 0 {
			recording = strings.Join(rs.Files, ", ")
		}
	}
	ui.RenderSessionSummary("Session Summary", ui.SessionSummary{
		Room:       room,
		Role:       c.Role,
		Peer:       shortID(lastPeer.Load().(string)),
		Outcome:    summary.Outcome.String(),
		Duration:   connectedFor(summary.ConnectedAt),
		Offers:     summary.OffersSent,
		Answers:    summary.AnswersSent,
		Candidates: fmt.Sprintf("%d sent, %d added, %d dropped", summary.CandidatesSent, summary.CandidatesAdded, summary.CandidatesDropped),
		Comments:   feed.Len(),
		Recording:  recording,
	})

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func connectedFor(since time.Time) string {
	if since.IsZero() {
		return "-"
	}
	return utils.FormatDuration(time.Since(since))
}

// shortID keeps connection ids readable in the terminal.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
