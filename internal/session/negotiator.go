package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/KR7-gen/ai-vent-app/internal/media"
	"github.com/KR7-gen/ai-vent-app/internal/protocol"
)

const eventBufferSize = 128

// Signaler is a participant's connection to the hub.
type Signaler interface {
	Send(msg *protocol.Message) error
	Incoming() <-chan *protocol.Message
	Await(ctx context.Context, types ...string) (*protocol.Message, error)
	Close() error
}

// Options configure a Negotiator.
type Options struct {
	Signaler Signaler
	Machine  *Machine

	// Factory builds peer connections. The zero factory uses host
	// candidates only.
	Factory *PeerFactory

	// Media supplies local tracks. Without tracks no offer is ever sent.
	Media media.Source

	// DataChannelLabel, when set, is created by the offering side before
	// the offer is made.
	DataChannelLabel string

	// Decider answers join requests. Only the room host sets it.
	Decider Decider

	OnTrack       func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	OnDataChannel func(*webrtc.DataChannel)

	// OnPeerLeft is called when a peer whose media link had come up leaves.
	OnPeerLeft func(peerID string)

	Logger *slog.Logger
}

// Summary describes a negotiator's session so far. Outcome is the phase
// the session was in when it was torn down.
type Summary struct {
	Room              string
	Self              string
	Remote            string
	Phase             Phase
	Outcome           Phase
	OffersSent        int
	AnswersSent       int
	CandidatesSent    int
	CandidatesAdded   int
	CandidatesDropped int
	PeersLeft         int
	ConnectedAt       time.Time
}

type eventKind int

const (
	evCandidate eventKind = iota
	evState
	evDecision
	evHangUp
)

type event struct {
	kind      eventKind
	gen       uint64
	candidate webrtc.ICECandidateInit
	state     webrtc.PeerConnectionState
	request   protocol.JoinRequestPayload
	approve   bool
}

// Negotiator runs the offer/answer/candidate exchange for one room
// attempt. Hub messages, peer connection callbacks and local actions are
// all handled on the Run goroutine.
type Negotiator struct {
	opts    Options
	sig     Signaler
	machine *Machine
	factory *PeerFactory
	tracks  []webrtc.TrackLocal
	logger  *slog.Logger

	events       chan event
	quit         chan struct{}
	done         chan struct{}
	started      atomic.Bool
	quitOnce     sync.Once
	teardownOnce sync.Once

	// owned by the Run goroutine
	pc        *webrtc.PeerConnection
	gen       uint64
	hasDC     bool
	remote    string
	linked    bool
	err       error
	hubClosed bool

	mu      sync.Mutex
	summary Summary
}

func NewNegotiator(opts Options) (*Negotiator, error) {
	if opts.Signaler == nil {
		return nil, errors.New("session: signaler is required")
	}
	if opts.Machine == nil {
		opts.Machine = NewMachine()
	}
	if opts.Factory == nil {
		opts.Factory = &PeerFactory{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var tracks []webrtc.TrackLocal
	if opts.Media != nil {
		tracks = opts.Media.Tracks()
	}

	return &Negotiator{
		opts:    opts,
		sig:     opts.Signaler,
		machine: opts.Machine,
		factory: opts.Factory,
		tracks:  tracks,
		logger:  logger.With("component", "session"),
		events:  make(chan event, eventBufferSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

func (n *Negotiator) Machine() *Machine {
	return n.machine
}

// Summary returns a snapshot of the session counters.
func (n *Negotiator) Summary() Summary {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.summary
	s.Room = n.machine.Room()
	s.Phase = n.machine.Phase()
	return s
}

// HangUp ends the session from the local side.
func (n *Negotiator) HangUp() {
	n.post(event{kind: evHangUp})
}

// Close stops Run and tears the session down to Idle. It is safe to call
// more than once and before Run.
func (n *Negotiator) Close() error {
	n.quitOnce.Do(func() { close(n.quit) })
	if !n.started.Load() {
		n.teardown()
	}
	return nil
}

// Run sends join and handles events until the session ends, fails, ctx is
// cancelled or Close is called. The session is torn down to Idle on return.
func (n *Negotiator) Run(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return errors.New("session: negotiator already running")
	}
	// pending join prompts and other work started by the loop end with it
	ctx, cancel := context.WithCancel(ctx)
	defer n.teardown()
	defer cancel()

	if n.machine.Phase() == Idle {
		if err := n.machine.Transition(Connecting); err != nil {
			return err
		}
	}
	if p := n.machine.Phase(); p != Connecting {
		return WrapError("negotiate", ErrInvalidTransition, "cannot start from "+p.String())
	}

	if err := n.sig.Send(protocol.MustNew(protocol.TypeJoin, nil)); err != nil {
		n.fail(WrapError("join", ErrConnectionLost, err.Error()))
		return n.err
	}

	incoming := n.sig.Incoming()
	var mediaDone <-chan struct{}
	if n.opts.Media != nil {
		mediaDone = n.opts.Media.Done()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-n.quit:
			return nil

		case msg, ok := <-incoming:
			if !ok {
				incoming = nil
				n.hubLost()
				break
			}
			n.handle(ctx, msg)

		case ev := <-n.events:
			n.handleEvent(ev)

		case <-mediaDone:
			mediaDone = nil
			n.logger.Info("local media stopped")
			n.end()
		}

		if n.machine.Phase().Terminal() {
			return n.err
		}
	}
}

func (n *Negotiator) handle(ctx context.Context, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeWelcome:
		var p protocol.PeerPayload
		if n.decode(msg, &p) {
			n.update(func(s *Summary) { s.Self = p.From })
			n.logger.Debug("connected to hub", "conn", p.From)
		}

	case protocol.TypeUserJoined:
		var p protocol.PeerPayload
		if n.decode(msg, &p) {
			n.logger.Debug("user joined", "peer", p.From)
		}

	case protocol.TypeExistingUsers:
		var p protocol.UsersPayload
		if n.decode(msg, &p) {
			n.logger.Debug("existing users", "peers", p.Users)
		}

	case protocol.TypeCreateOffer:
		var p protocol.CreateOfferPayload
		if n.decode(msg, &p) {
			n.createOffer(p.Target)
		}

	case protocol.TypeOffer:
		var p protocol.SignalPayload
		if n.decode(msg, &p) {
			n.acceptOffer(p)
		}

	case protocol.TypeAnswer:
		var p protocol.SignalPayload
		if n.decode(msg, &p) {
			n.acceptAnswer(p)
		}

	case protocol.TypeICECandidate:
		var p protocol.SignalPayload
		if n.decode(msg, &p) {
			n.addCandidate(p)
		}

	case protocol.TypeUserLeft:
		var p protocol.PeerPayload
		if n.decode(msg, &p) {
			n.peerLeft(p.From)
		}

	case protocol.TypeJoinRequest:
		var p protocol.JoinRequestPayload
		if n.decode(msg, &p) {
			n.joinRequest(ctx, p)
		}

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if n.decode(msg, &p) {
			n.logger.Warn("hub reported an error", "error", p.Error)
		}

	default:
		n.logger.Debug("message ignored", "type", msg.Type)
	}
}

func (n *Negotiator) decode(msg *protocol.Message, v any) bool {
	if err := msg.Decode(v); err != nil {
		n.logger.Debug("malformed message", "type", msg.Type, "error", err)
		return false
	}
	return true
}

// createOffer is the only place an offer originates.
func (n *Negotiator) createOffer(target string) {
	if target == "" {
		return
	}
	n.setRemote(target)

	if len(n.tracks) == 0 {
		n.logger.Warn("offer aborted", "target", target, "error", ErrNoLocalMedia)
		return
	}

	pc, err := n.ensurePeer()
	if err != nil {
		n.negotiationFailed(err)
		return
	}

	if n.opts.DataChannelLabel != "" && !n.hasDC {
		dc, err := pc.CreateDataChannel(n.opts.DataChannelLabel, nil)
		if err != nil {
			n.logger.Warn("data channel not created", "label", n.opts.DataChannelLabel, "error", err)
		} else {
			n.hasDC = true
			if n.opts.OnDataChannel != nil {
				n.opts.OnDataChannel(dc)
			}
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		n.negotiationFailed(NewError("create offer", err))
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		n.negotiationFailed(NewError("set local description", err))
		return
	}

	raw, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		n.negotiationFailed(NewError("encode offer", err))
		return
	}
	n.logger.Info("sending offer", "target", target)
	if n.send(protocol.TypeOffer, protocol.SignalPayload{Offer: raw, Target: target}) {
		n.update(func(s *Summary) { s.OffersSent++ })
	}
}

func (n *Negotiator) acceptOffer(p protocol.SignalPayload) {
	if p.From == "" || len(p.Offer) == 0 {
		n.logger.Debug("offer without sender or description dropped")
		return
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(p.Offer, &offer); err != nil {
		n.logger.Debug("malformed offer", "from", p.From, "error", err)
		return
	}
	n.setRemote(p.From)

	pc, err := n.ensurePeer()
	if err != nil {
		n.negotiationFailed(err)
		return
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		n.negotiationFailed(NewError("set remote description", err))
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		n.negotiationFailed(NewError("create answer", err))
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		n.negotiationFailed(NewError("set local description", err))
		return
	}

	raw, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		n.negotiationFailed(NewError("encode answer", err))
		return
	}
	n.logger.Info("sending answer", "target", p.From)
	if n.send(protocol.TypeAnswer, protocol.SignalPayload{Answer: raw, Target: p.From}) {
		n.update(func(s *Summary) { s.AnswersSent++ })
	}
}

func (n *Negotiator) acceptAnswer(p protocol.SignalPayload) {
	if n.pc == nil {
		n.logger.Debug("answer without peer connection dropped", "from", p.From)
		return
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(p.Answer, &answer); err != nil {
		n.logger.Debug("malformed answer", "from", p.From, "error", err)
		return
	}
	if err := n.pc.SetRemoteDescription(answer); err != nil {
		n.negotiationFailed(NewError("set remote description", err))
		return
	}
	n.markConnected("answer")
}

// addCandidate never buffers: a candidate that arrives before the peer
// connection exists is lost.
func (n *Negotiator) addCandidate(p protocol.SignalPayload) {
	if n.pc == nil {
		n.update(func(s *Summary) { s.CandidatesDropped++ })
		n.logger.Debug("candidate before peer connection dropped", "from", p.From)
		return
	}

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(p.Candidate, &init); err != nil {
		n.update(func(s *Summary) { s.CandidatesDropped++ })
		n.logger.Debug("malformed candidate dropped", "from", p.From, "error", err)
		return
	}
	if err := n.pc.AddICECandidate(init); err != nil {
		n.update(func(s *Summary) { s.CandidatesDropped++ })
		n.logger.Debug("candidate rejected", "from", p.From, "error", err)
		return
	}
	n.update(func(s *Summary) { s.CandidatesAdded++ })
}

func (n *Negotiator) peerLeft(from string) {
	if from == "" || from != n.remote {
		return
	}

	wasLinked := n.linked
	n.closePeer()
	n.linked = false
	n.setRemote("")
	n.update(func(s *Summary) { s.PeersLeft++ })

	if n.machine.Phase() == Connected {
		if err := n.machine.Transition(Connecting); err != nil {
			n.logger.Debug("reset after peer left", "error", err)
		}
	}

	n.logger.Info("peer left", "peer", from, "linked", wasLinked)
	if wasLinked && n.opts.OnPeerLeft != nil {
		n.opts.OnPeerLeft(from)
	}
}

func (n *Negotiator) handleEvent(ev event) {
	switch ev.kind {
	case evCandidate:
		if n.stale(ev.gen) {
			return
		}
		if n.remote == "" {
			n.logger.Debug("local candidate without remote party dropped")
			return
		}
		raw, err := json.Marshal(ev.candidate)
		if err != nil {
			return
		}
		if n.send(protocol.TypeICECandidate, protocol.SignalPayload{Candidate: raw, Target: n.remote}) {
			n.update(func(s *Summary) { s.CandidatesSent++ })
		}

	case evState:
		if n.stale(ev.gen) {
			return
		}
		n.logger.Debug("peer connection state", "state", ev.state.String())
		switch ev.state {
		case webrtc.PeerConnectionStateConnected:
			n.linked = true
			n.markConnected("connection state")
		case webrtc.PeerConnectionStateFailed:
			if n.machine.Phase() == Connecting {
				n.fail(NewError("connect", ErrConnectionFailed))
			} else {
				n.logger.Warn("peer connection failed", "peer", n.remote)
			}
		}

	case evDecision:
		n.resolveJoin(ev.request, ev.approve)

	case evHangUp:
		n.logger.Info("hang up")
		n.end()
	}
}

// ensurePeer returns the current peer connection, replacing it when it has
// been closed.
func (n *Negotiator) ensurePeer() (*webrtc.PeerConnection, error) {
	if n.pc != nil {
		if n.pc.ConnectionState() != webrtc.PeerConnectionStateClosed {
			return n.pc, nil
		}
		n.logger.Debug("discarding closed peer connection")
		n.pc = nil
	}

	pc, err := n.factory.New()
	if err != nil {
		return nil, err
	}
	for _, track := range n.tracks {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, NewError("add track", err)
		}
	}

	n.gen++
	gen := n.gen

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		n.post(event{kind: evCandidate, gen: gen, candidate: c.ToJSON()})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.post(event{kind: evState, gen: gen, state: state})
	})
	if n.opts.OnTrack != nil {
		pc.OnTrack(n.opts.OnTrack)
	}
	if n.opts.OnDataChannel != nil {
		pc.OnDataChannel(n.opts.OnDataChannel)
	}

	n.pc = pc
	n.hasDC = false
	return pc, nil
}

func (n *Negotiator) stale(gen uint64) bool {
	return n.pc == nil || gen != n.gen
}

func (n *Negotiator) closePeer() {
	if n.pc == nil {
		return
	}
	if err := n.pc.Close(); err != nil {
		n.logger.Debug("close peer connection", "error", err)
	}
	n.pc = nil
}

func (n *Negotiator) markConnected(source string) {
	if err := n.machine.Transition(Connected); err != nil {
		n.logger.Debug("connected ignored", "source", source, "error", err)
		return
	}
	n.update(func(s *Summary) {
		if s.ConnectedAt.IsZero() {
			s.ConnectedAt = time.Now()
			n.logger.Info("connected", "peer", s.Remote, "source", source)
		}
	})
}

// negotiationFailed fails a session that has not connected yet. Once
// connected, a failed renegotiation leaves the existing link alone.
func (n *Negotiator) negotiationFailed(err error) {
	if n.machine.Phase() == Connecting {
		n.fail(err)
		return
	}
	n.logger.Warn("negotiation error", "error", err)
}

func (n *Negotiator) fail(err error) {
	n.logger.Error("session failed", "error", err)
	n.err = err
	if terr := n.machine.Transition(Failed); terr != nil {
		n.logger.Debug("fail ignored", "error", terr)
	}
}

func (n *Negotiator) end() {
	if err := n.machine.Transition(Ended); err != nil {
		n.logger.Debug("end ignored", "error", err)
	}
}

func (n *Negotiator) hubLost() {
	n.hubClosed = true
	if n.machine.Phase() == Connected {
		n.logger.Warn("hub connection lost, media link kept")
		return
	}
	n.fail(NewError("signaling", ErrConnectionLost))
}

func (n *Negotiator) setRemote(id string) {
	n.remote = id
	n.update(func(s *Summary) { s.Remote = id })
}

func (n *Negotiator) send(msgType string, payload any) bool {
	if n.hubClosed {
		return false
	}
	msg, err := protocol.New(msgType, payload)
	if err != nil {
		n.logger.Warn("encode message", "type", msgType, "error", err)
		return false
	}
	if err := n.sig.Send(msg); err != nil {
		n.logger.Warn("send failed", "type", msgType, "error", err)
		return false
	}
	return true
}

func (n *Negotiator) update(fn func(*Summary)) {
	n.mu.Lock()
	fn(&n.summary)
	n.mu.Unlock()
}

// post hands an event to the Run goroutine. Events posted after teardown
// are discarded.
func (n *Negotiator) post(ev event) {
	select {
	case n.events <- ev:
	case <-n.done:
	}
}

func (n *Negotiator) teardown() {
	n.teardownOnce.Do(func() {
		close(n.done)
		n.update(func(s *Summary) { s.Outcome = n.machine.Phase() })
		n.closePeer()
		n.setRemote("")
		n.linked = false
		if err := n.sig.Close(); err != nil {
			n.logger.Debug("close hub connection", "error", err)
		}
		if err := n.machine.Transition(Idle); err != nil {
			n.logger.Debug("teardown", "error", err)
		}
	})
}
