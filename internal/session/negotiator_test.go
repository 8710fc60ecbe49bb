package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/KR7-gen/ai-vent-app/internal/media"
	"github.com/KR7-gen/ai-vent-app/internal/protocol"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeSignaler records what a negotiator sends and lets the test feed it
// hub messages.
type fakeSignaler struct {
	in chan *protocol.Message

	mu     sync.Mutex
	sent   []*protocol.Message
	closed bool
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{in: make(chan *protocol.Message, 16)}
}

func (f *fakeSignaler) Send(msg *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSignaler) Incoming() <-chan *protocol.Message { return f.in }

func (f *fakeSignaler) Await(ctx context.Context, types ...string) (*protocol.Message, error) {
	for {
		select {
		case msg, ok := <-f.in:
			if !ok {
				return nil, errors.New("closed")
			}
			if slices.Contains(types, msg.Type) {
				return msg, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (f *fakeSignaler) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSignaler) sentOf(msgType string) []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Message
	for _, m := range f.sent {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func signal(t *testing.T, msg *protocol.Message) protocol.SignalPayload {
	t.Helper()
	var p protocol.SignalPayload
	if err := msg.Decode(&p); err != nil {
		t.Fatalf("decode %s: %v", msg.Type, err)
	}
	return p
}

// newTestNegotiator returns a negotiator in Connecting, driven directly by
// the test instead of Run.
func newTestNegotiator(t *testing.T, withMedia bool) (*Negotiator, *fakeSignaler) {
	t.Helper()
	sig := newFakeSignaler()
	m := NewMachine()
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	opts := Options{Signaler: sig, Machine: m, Logger: discard}
	if withMedia {
		src, err := media.NewSilenceSource()
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { src.Close() })
		opts.Media = src
	}

	n, err := NewNegotiator(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { n.Close() })
	return n, sig
}

func TestCreateOffer(t *testing.T) {
	ctx := context.Background()

	t.Run("sends an offer to the target", func(t *testing.T) {
		n, sig := newTestNegotiator(t, true)
		n.handle(ctx, protocol.MustNew(protocol.TypeCreateOffer, protocol.CreateOfferPayload{Target: "B"}))

		offers := sig.sentOf(protocol.TypeOffer)
		if len(offers) != 1 {
			t.Fatalf("sent %d offers, want 1", len(offers))
		}
		p := signal(t, offers[0])
		if p.Target != "B" {
			t.Errorf("target = %q", p.Target)
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(p.Offer, &desc); err != nil {
			t.Fatal(err)
		}
		if desc.Type != webrtc.SDPTypeOffer || desc.SDP == "" {
			t.Errorf("offer = %+v", desc)
		}
		if n.Summary().Remote != "B" {
			t.Errorf("remote = %q", n.Summary().Remote)
		}
	})

	t.Run("without local media nothing is sent", func(t *testing.T) {
		n, sig := newTestNegotiator(t, false)
		n.handle(ctx, protocol.MustNew(protocol.TypeCreateOffer, protocol.CreateOfferPayload{Target: "B"}))

		if len(sig.sentOf(protocol.TypeOffer)) != 0 {
			t.Fatal("offer sent without local media")
		}
		if n.pc != nil {
			t.Error("peer connection created without local media")
		}
		if n.Machine().Phase() != Connecting {
			t.Errorf("phase = %s", n.Machine().Phase())
		}
	})

	t.Run("closed peer connection is replaced", func(t *testing.T) {
		n, sig := newTestNegotiator(t, true)
		n.handle(ctx, protocol.MustNew(protocol.TypeCreateOffer, protocol.CreateOfferPayload{Target: "B"}))
		first := n.pc
		if first == nil {
			t.Fatal("no peer connection")
		}
		if err := first.Close(); err != nil {
			t.Fatal(err)
		}

		n.handle(ctx, protocol.MustNew(protocol.TypeCreateOffer, protocol.CreateOfferPayload{Target: "B"}))

		if n.pc == nil || n.pc == first {
			t.Fatal("closed peer connection was reused")
		}
		if got := len(sig.sentOf(protocol.TypeOffer)); got != 2 {
			t.Fatalf("sent %d offers, want 2", got)
		}
	})

	t.Run("open peer connection is reused", func(t *testing.T) {
		n, _ := newTestNegotiator(t, true)
		n.handle(ctx, protocol.MustNew(protocol.TypeCreateOffer, protocol.CreateOfferPayload{Target: "B"}))
		first := n.pc
		n.handle(ctx, protocol.MustNew(protocol.TypeCreateOffer, protocol.CreateOfferPayload{Target: "B"}))
		if n.pc != first {
			t.Fatal("open peer connection was replaced")
		}
	})
}

func TestOfferAnswerExchange(t *testing.T) {
	ctx := context.Background()
	a, sigA := newTestNegotiator(t, true)
	b, sigB := newTestNegotiator(t, false)

	a.handle(ctx, protocol.MustNew(protocol.TypeCreateOffer, protocol.CreateOfferPayload{Target: "B"}))
	offer := signal(t, sigA.sentOf(protocol.TypeOffer)[0])

	b.handle(ctx, protocol.MustNew(protocol.TypeOffer, protocol.SignalPayload{Offer: offer.Offer, From: "A"}))

	answers := sigB.sentOf(protocol.TypeAnswer)
	if len(answers) != 1 {
		t.Fatalf("sent %d answers, want 1", len(answers))
	}
	answer := signal(t, answers[0])
	if answer.Target != "A" {
		t.Errorf("answer target = %q", answer.Target)
	}
	if b.Summary().Remote != "A" {
		t.Errorf("answerer remote = %q", b.Summary().Remote)
	}
	if b.Machine().Phase() != Connecting {
		t.Errorf("answerer phase = %s before the link is up", b.Machine().Phase())
	}

	a.handle(ctx, protocol.MustNew(protocol.TypeAnswer, protocol.SignalPayload{Answer: answer.Answer, From: "B"}))
	if a.Machine().Phase() != Connected {
		t.Fatalf("offerer phase = %s, want connected", a.Machine().Phase())
	}
	if a.Summary().ConnectedAt.IsZero() {
		t.Error("ConnectedAt not recorded")
	}
}

func TestCandidates(t *testing.T) {
	ctx := context.Background()
	candidate, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host"})

	t.Run("dropped before a peer connection exists", func(t *testing.T) {
		n, _ := newTestNegotiator(t, true)
		n.handle(ctx, protocol.MustNew(protocol.TypeICECandidate, protocol.SignalPayload{Candidate: candidate, From: "B"}))

		if n.pc != nil {
			t.Fatal("candidate created a peer connection")
		}
		if got := n.Summary().CandidatesDropped; got != 1 {
			t.Fatalf("dropped = %d, want 1", got)
		}
	})

	t.Run("local candidate without remote is not sent", func(t *testing.T) {
		n, sig := newTestNegotiator(t, true)
		if _, err := n.ensurePeer(); err != nil {
			t.Fatal(err)
		}
		n.handleEvent(event{kind: evCandidate, gen: n.gen, candidate: webrtc.ICECandidateInit{Candidate: "x"}})
		if len(sig.sentOf(protocol.TypeICECandidate)) != 0 {
			t.Fatal("candidate sent without a remote party")
		}
	})

	t.Run("local candidate goes to the remote", func(t *testing.T) {
		n, sig := newTestNegotiator(t, true)
		n.handle(ctx, protocol.MustNew(protocol.TypeCreateOffer, protocol.CreateOfferPayload{Target: "B"}))
		n.handleEvent(event{kind: evCandidate, gen: n.gen, candidate: webrtc.ICECandidateInit{Candidate: "x"}})

		sent := sig.sentOf(protocol.TypeICECandidate)
		if len(sent) != 1 {
			t.Fatalf("sent %d candidates, want 1", len(sent))
		}
		if p := signal(t, sent[0]); p.Target != "B" {
			t.Errorf("target = %q", p.Target)
		}
	})

	t.Run("stale callbacks are ignored", func(t *testing.T) {
		n, sig := newTestNegotiator(t, true)
		n.handle(ctx, protocol.MustNew(protocol.TypeCreateOffer, protocol.CreateOfferPayload{Target: "B"}))
		old := n.gen
		n.pc.Close()
		n.handle(ctx, protocol.MustNew(protocol.TypeCreateOffer, protocol.CreateOfferPayload{Target: "B"}))

		n.handleEvent(event{kind: evCandidate, gen: old, candidate: webrtc.ICECandidateInit{Candidate: "x"}})
		n.handleEvent(event{kind: evState, gen: old, state: webrtc.PeerConnectionStateConnected})

		if len(sig.sentOf(protocol.TypeICECandidate)) != 0 {
			t.Error("candidate from a discarded peer connection was sent")
		}
		if n.Machine().Phase() != Connecting {
			t.Errorf("phase = %s after a stale state change", n.Machine().Phase())
		}
	})
}

func TestConnectedFromEitherSignal(t *testing.T) {
	n, _ := newTestNegotiator(t, true)
	var changes int
	n.Machine().OnPhaseChange(func(from, to Phase) {
		if to == Connected {
			changes++
		}
	})

	if _, err := n.ensurePeer(); err != nil {
		t.Fatal(err)
	}
	n.handleEvent(event{kind: evState, gen: n.gen, state: webrtc.PeerConnectionStateConnected})
	n.markConnected("answer")

	if changes != 1 {
		t.Fatalf("entered connected %d times, want 1", changes)
	}
	if !n.linked {
		t.Error("link not recorded")
	}
}

func TestPeerLeft(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Negotiator, *[]string) {
		n, _ := newTestNegotiator(t, true)
		var left []string
		n.opts.OnPeerLeft = func(id string) { left = append(left, id) }
		n.handle(ctx, protocol.MustNew(protocol.TypeCreateOffer, protocol.CreateOfferPayload{Target: "B"}))
		return n, &left
	}

	t.Run("other peers are ignored", func(t *testing.T) {
		n, left := setup(t)
		pc := n.pc
		n.handle(ctx, protocol.MustNew(protocol.TypeUserLeft, protocol.PeerPayload{From: "C"}))
		if n.pc != pc || n.remote != "B" || len(*left) != 0 {
			t.Fatal("user-left for an unrelated peer changed the session")
		}
	})

	t.Run("linked peer resets and notifies", func(t *testing.T) {
		n, left := setup(t)
		pc := n.pc
		n.handleEvent(event{kind: evState, gen: n.gen, state: webrtc.PeerConnectionStateConnected})

		n.handle(ctx, protocol.MustNew(protocol.TypeUserLeft, protocol.PeerPayload{From: "B"}))

		if n.pc != nil || n.remote != "" {
			t.Fatal("peer connection or remote kept")
		}
		if pc.ConnectionState() != webrtc.PeerConnectionStateClosed {
			t.Error("peer connection not closed")
		}
		if n.Machine().Phase() != Connecting {
			t.Errorf("phase = %s, want connecting", n.Machine().Phase())
		}
		if len(*left) != 1 || (*left)[0] != "B" {
			t.Errorf("notified %v", *left)
		}
	})

	t.Run("no notice before the link came up", func(t *testing.T) {
		n, left := setup(t)
		n.handle(ctx, protocol.MustNew(protocol.TypeUserLeft, protocol.PeerPayload{From: "B"}))
		if len(*left) != 0 {
			t.Errorf("notified %v", *left)
		}
		if n.Summary().PeersLeft != 1 {
			t.Errorf("PeersLeft = %d", n.Summary().PeersLeft)
		}
	})
}

func TestJoinRequestDecision(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		decide  DeciderFunc
		want    string
		roomID  string
		ignored bool
	}{
		{
			name:   "approve",
			decide: func(context.Context, protocol.JoinRequestPayload) (bool, error) { return true, nil },
			want:   protocol.TypeApproveJoinRequest,
			roomID: "R",
		},
		{
			name:   "deny",
			decide: func(context.Context, protocol.JoinRequestPayload) (bool, error) { return false, nil },
			want:   protocol.TypeDenyJoinRequest,
			roomID: "R",
		},
		{
			name: "decider error denies",
			decide: func(context.Context, protocol.JoinRequestPayload) (bool, error) {
				return true, errors.New("prompt closed")
			},
			want:   protocol.TypeDenyJoinRequest,
			roomID: "R",
		},
		{
			name:    "another room",
			decide:  func(context.Context, protocol.JoinRequestPayload) (bool, error) { return true, nil },
			roomID:  "OTHER",
			ignored: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, sig := newTestNegotiator(t, true)
			n.opts.Decider = tt.decide
			n.Machine().SetRoom("R")

			n.handle(ctx, protocol.MustNew(protocol.TypeJoinRequest, protocol.JoinRequestPayload{RoomID: tt.roomID, Requester: "Q"}))

			if tt.ignored {
				select {
				case ev := <-n.events:
					t.Fatalf("unexpected event %+v", ev)
				case <-time.After(50 * time.Millisecond):
				}
				return
			}

			select {
			case ev := <-n.events:
				n.handleEvent(ev)
			case <-time.After(2 * time.Second):
				t.Fatal("no decision")
			}

			sent := sig.sentOf(tt.want)
			if len(sent) != 1 {
				t.Fatalf("sent %d %s, want 1", len(sent), tt.want)
			}
			var p protocol.JoinRequestPayload
			if err := sent[0].Decode(&p); err != nil {
				t.Fatal(err)
			}
			if p.RoomID != "R" || p.Requester != "Q" {
				t.Errorf("payload = %+v", p)
			}
		})
	}
}

func TestRun(t *testing.T) {
	t.Run("sends join and ends on hang up", func(t *testing.T) {
		n, sig := newTestNegotiator(t, true)
		errc := make(chan error, 1)
		go func() { errc <- n.Run(context.Background()) }()

		n.HangUp()
		select {
		case err := <-errc:
			if err != nil {
				t.Fatalf("Run = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return")
		}

		if len(sig.sentOf(protocol.TypeJoin)) != 1 {
			t.Error("join not sent")
		}
		s := n.Summary()
		if s.Outcome != Ended || s.Phase != Idle {
			t.Errorf("outcome %s phase %s, want ended/idle", s.Outcome, s.Phase)
		}
		if !sig.isClosed() {
			t.Error("hub connection not closed")
		}
	})

	t.Run("hub loss before connecting fails", func(t *testing.T) {
		n, sig := newTestNegotiator(t, true)
		close(sig.in)

		err := n.Run(context.Background())
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("Run = %v, want ErrConnectionLost", err)
		}
		if n.Summary().Outcome != Failed {
			t.Errorf("outcome = %s", n.Summary().Outcome)
		}
	})

	t.Run("local media stopping ends the session", func(t *testing.T) {
		n, _ := newTestNegotiator(t, true)
		errc := make(chan error, 1)
		go func() { errc <- n.Run(context.Background()) }()

		n.opts.Media.Close()
		select {
		case err := <-errc:
			if err != nil {
				t.Fatalf("Run = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return")
		}
		if n.Summary().Outcome != Ended {
			t.Errorf("outcome = %s", n.Summary().Outcome)
		}
	})

	t.Run("cannot start from a terminal phase", func(t *testing.T) {
		n, _ := newTestNegotiator(t, true)
		n.Machine().Transition(Failed)
		if err := n.Run(context.Background()); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("Run = %v", err)
		}
	})

	t.Run("hang up cancels a pending join prompt", func(t *testing.T) {
		n, sig := newTestNegotiator(t, true)
		n.Machine().SetRoom("R")
		asked := make(chan struct{})
		released := make(chan error, 1)
		n.opts.Decider = DeciderFunc(func(ctx context.Context, _ protocol.JoinRequestPayload) (bool, error) {
			close(asked)
			<-ctx.Done()
			released <- ctx.Err()
			return false, ctx.Err()
		})

		errc := make(chan error, 1)
		go func() { errc <- n.Run(context.Background()) }()
		sig.in <- protocol.MustNew(protocol.TypeJoinRequest, protocol.JoinRequestPayload{RoomID: "R", Requester: "Q"})

		select {
		case <-asked:
		case <-time.After(2 * time.Second):
			t.Fatal("decider never asked")
		}
		n.HangUp()

		select {
		case err := <-released:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("decider ctx err = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("decider still waiting after hang up")
		}
		if err := <-errc; err != nil {
			t.Fatalf("Run = %v", err)
		}
		if len(sig.sentOf(protocol.TypeDenyJoinRequest))+len(sig.sentOf(protocol.TypeApproveJoinRequest)) != 0 {
			t.Error("decision sent after the session ended")
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		n, _ := newTestNegotiator(t, true)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := n.Run(ctx); !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v", err)
		}
		if n.Machine().Phase() != Idle {
			t.Errorf("phase = %s", n.Machine().Phase())
		}
	})
}
