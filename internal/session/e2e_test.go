package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/KR7-gen/ai-vent-app/internal/hubclient"
	"github.com/KR7-gen/ai-vent-app/internal/media"
	"github.com/KR7-gen/ai-vent-app/internal/protocol"
	"github.com/KR7-gen/ai-vent-app/internal/registry"
	"github.com/KR7-gen/ai-vent-app/internal/server"
	"github.com/KR7-gen/ai-vent-app/internal/signaling"
)

type testEnv struct {
	hub   *signaling.Hub
	rooms *registry.Client
	wsURL string
}

func startEnv(t *testing.T) *testEnv {
	t.Helper()
	hub := signaling.NewHub(signaling.Options{Logger: discard})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(server.NewRouter(server.Deps{
		Hub:      hub,
		Registry: registry.New(discard),
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.Done()
	})

	return &testEnv{
		hub:   hub,
		rooms: registry.NewClient(srv.URL, srv.Client()),
		wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (e *testEnv) dial(ctx context.Context) (Signaler, error) {
	c, err := hubclient.Dial(ctx, e.wsURL)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// waitForHost blocks until the hub has bound roomID.
func (e *testEnv) waitForHost(t *testing.T, roomID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if slices.Contains(e.hub.Stats(context.Background()).Rooms, roomID) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("room %s never bound", roomID)
}

// wireLog records, in order, the signaling messages every tapped
// participant sends.
type wireLog struct {
	mu      sync.Mutex
	entries []wireEntry
}

type wireEntry struct {
	who     string
	msgType string
}

func (l *wireLog) tap(who string, sig Signaler) Signaler {
	return &tappedSignaler{Signaler: sig, who: who, log: l}
}

// indexes returns the positions of msgType sent by who.
func (l *wireLog) indexes(who, msgType string) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int
	for i, e := range l.entries {
		if e.who == who && e.msgType == msgType {
			out = append(out, i)
		}
	}
	return out
}

type tappedSignaler struct {
	Signaler
	who string
	log *wireLog
}

func (s *tappedSignaler) Send(msg *protocol.Message) error {
	s.log.mu.Lock()
	s.log.entries = append(s.log.entries, wireEntry{who: s.who, msgType: msg.Type})
	s.log.mu.Unlock()
	return s.Signaler.Send(msg)
}

func waitPhase(t *testing.T, ch <-chan Phase, want Phase) {
	t.Helper()
	timeout := time.After(15 * time.Second)
	for {
		select {
		case p := <-ch:
			if p == want {
				return
			}
		case <-timeout:
			t.Fatalf("phase %s not reached", want)
		}
	}
}

func phases(m *Machine) <-chan Phase {
	ch := make(chan Phase, 32)
	m.OnPhaseChange(func(_, to Phase) {
		select {
		case ch <- to:
		default:
		}
	})
	return ch
}

func TestAdmission(t *testing.T) {
	env := startEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("room not in registry", func(t *testing.T) {
		m := NewMachine()
		a := &Admission{Rooms: env.rooms, Dial: env.dial, Machine: m, Logger: discard}
		err := a.Join(ctx, "ROOM-NONE-0000")
		if !errors.Is(err, ErrRoomNotFound) {
			t.Fatalf("Join = %v, want ErrRoomNotFound", err)
		}
		if m.Phase() != Idle {
			t.Errorf("phase = %s, want idle", m.Phase())
		}
	})

	t.Run("registered room without a host", func(t *testing.T) {
		if err := env.rooms.Register(ctx, "ROOM-LOST-0000"); err != nil {
			t.Fatal(err)
		}
		m := NewMachine()
		a := &Admission{Rooms: env.rooms, Dial: env.dial, Machine: m, Logger: discard}
		err := a.Join(ctx, "ROOM-LOST-0000")
		if !errors.Is(err, ErrHostNotFound) {
			t.Fatalf("Join = %v, want ErrHostNotFound", err)
		}
		if m.Phase() != Failed {
			t.Errorf("phase = %s, want failed", m.Phase())
		}
	})

	t.Run("host denies", func(t *testing.T) {
		const room = "ROOM-DENY-0000"
		conn, err := env.dial(ctx)
		if err != nil {
			t.Fatal(err)
		}
		hostMachine := NewMachine()
		if err := OpenRoom(ctx, env.rooms, conn, hostMachine, room); err != nil {
			t.Fatal(err)
		}
		host, err := NewNegotiator(Options{
			Signaler: conn,
			Machine:  hostMachine,
			Decider: DeciderFunc(func(context.Context, protocol.JoinRequestPayload) (bool, error) {
				return false, nil
			}),
			Logger: discard,
		})
		if err != nil {
			t.Fatal(err)
		}
		go host.Run(ctx)
		defer host.Close()
		env.waitForHost(t, room)

		m := NewMachine()
		a := &Admission{Rooms: env.rooms, Dial: env.dial, Machine: m, Logger: discard}
		err = a.Join(ctx, room)
		if !errors.Is(err, ErrJoinDenied) {
			t.Fatalf("Join = %v, want ErrJoinDenied", err)
		}
		if !IsAdmissionError(err) {
			t.Error("denial is not an admission error")
		}
		if m.Phase() != Failed {
			t.Errorf("phase = %s", m.Phase())
		}
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		const room = "ROOM-WAIT-0000"
		conn, err := env.dial(ctx)
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		if err := OpenRoom(ctx, env.rooms, conn, NewMachine(), room); err != nil {
			t.Fatal(err)
		}
		env.waitForHost(t, room)

		m := NewMachine()
		waiting := phases(m)
		joinCtx, joinCancel := context.WithCancel(ctx)
		errc := make(chan error, 1)
		a := &Admission{Rooms: env.rooms, Dial: env.dial, Machine: m, Logger: discard}
		go func() { errc <- a.Join(joinCtx, room) }()

		waitPhase(t, waiting, AwaitingApproval)
		joinCancel()
		if err := <-errc; !errors.Is(err, context.Canceled) {
			t.Fatalf("Join = %v", err)
		}
		if m.Phase() != Idle {
			t.Errorf("phase = %s", m.Phase())
		}
	})
}

func TestHostAndJoinerConnect(t *testing.T) {
	env := startEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	const room = "ROOM-E2E0-0001"
	factory := &PeerFactory{Loopback: true}
	wire := &wireLog{}

	// host
	hostConn, err := env.dial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	hostMachine := NewMachine()
	if err := OpenRoom(ctx, env.rooms, hostConn, hostMachine, room); err != nil {
		t.Fatal(err)
	}
	hostMedia, err := media.NewSilenceSource()
	if err != nil {
		t.Fatal(err)
	}
	defer hostMedia.Close()

	left := make(chan string, 1)
	requests := make(chan protocol.JoinRequestPayload, 1)
	host, err := NewNegotiator(Options{
		Signaler:         wire.tap("host", hostConn),
		Machine:          hostMachine,
		Factory:          factory,
		Media:            hostMedia,
		DataChannelLabel: "comments",
		Decider: DeciderFunc(func(_ context.Context, req protocol.JoinRequestPayload) (bool, error) {
			requests <- req
			return true, nil
		}),
		OnPeerLeft: func(id string) { left <- id },
		Logger:     discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	hostPhases := phases(hostMachine)
	hostDone := make(chan error, 1)
	go func() { hostDone <- host.Run(ctx) }()
	env.waitForHost(t, room)

	// joiner admission
	joinMachine := NewMachine()
	a := &Admission{Rooms: env.rooms, Dial: env.dial, Machine: joinMachine, Logger: discard}
	if err := a.Join(ctx, room); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if joinMachine.Phase() != Connecting || joinMachine.Room() != room {
		t.Fatalf("after admission: phase %s room %q", joinMachine.Phase(), joinMachine.Room())
	}
	req := <-requests
	if req.RoomID != room || req.Requester == "" {
		t.Fatalf("join request = %+v", req)
	}

	// joiner negotiation on a fresh connection
	joinConn, err := env.dial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	channels := make(chan string, 2)
	joiner, err := NewNegotiator(Options{
		Signaler:      wire.tap("joiner", joinConn),
		Machine:       joinMachine,
		Factory:       factory,
		Media:         media.NewNoSource(),
		OnDataChannel: func(dc *webrtc.DataChannel) { channels <- dc.Label() },
		Logger:        discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	joinPhases := phases(joinMachine)
	joinDone := make(chan error, 1)
	go func() { joinDone <- joiner.Run(ctx) }()

	waitPhase(t, hostPhases, Connected)
	waitPhase(t, joinPhases, Connected)

	select {
	case label := <-channels:
		if label != "comments" {
			t.Errorf("data channel %q", label)
		}
	case <-time.After(10 * time.Second):
		t.Error("joiner never saw the comments channel")
	}

	hs, js := host.Summary(), joiner.Summary()
	if hs.OffersSent != 1 || hs.AnswersSent != 0 {
		t.Errorf("host sent %d offers, %d answers", hs.OffersSent, hs.AnswersSent)
	}
	if js.OffersSent != 0 || js.AnswersSent != 1 {
		t.Errorf("joiner sent %d offers, %d answers", js.OffersSent, js.AnswersSent)
	}
	if hs.Remote != js.Self || js.Remote != hs.Self {
		t.Errorf("host %s<->%s, joiner %s<->%s", hs.Self, hs.Remote, js.Self, js.Remote)
	}

	// both sides trickle candidates and each one lands on a live peer
	// connection
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		hs, js = host.Summary(), joiner.Summary()
		if hs.CandidatesAdded > 0 && js.CandidatesAdded > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	for _, side := range []struct {
		name string
		s    Summary
	}{{"host", hs}, {"joiner", js}} {
		if side.s.CandidatesAdded == 0 {
			t.Errorf("%s added no remote candidates", side.name)
		}
		if side.s.CandidatesDropped != 0 {
			t.Errorf("%s dropped %d candidates", side.name, side.s.CandidatesDropped)
		}
		if side.s.CandidatesSent == 0 {
			t.Errorf("%s sent no candidates", side.name)
		}
	}

	// offer, then answer, then candidates behind each description
	offers := wire.indexes("host", protocol.TypeOffer)
	answers := wire.indexes("joiner", protocol.TypeAnswer)
	if len(offers) != 1 || len(answers) != 1 {
		t.Fatalf("wire carried %d offers and %d answers, want 1 each", len(offers), len(answers))
	}
	if offers[0] > answers[0] {
		t.Errorf("answer sent at %d before offer at %d", answers[0], offers[0])
	}
	if n := len(wire.indexes("joiner", protocol.TypeOffer)) + len(wire.indexes("host", protocol.TypeAnswer)); n != 0 {
		t.Errorf("roles crossed: %d descriptions from the wrong side", n)
	}
	for _, i := range wire.indexes("host", protocol.TypeICECandidate) {
		if i < offers[0] {
			t.Errorf("host candidate at %d precedes its offer at %d", i, offers[0])
		}
	}
	for _, i := range wire.indexes("joiner", protocol.TypeICECandidate) {
		if i < answers[0] {
			t.Errorf("joiner candidate at %d precedes its answer at %d", i, answers[0])
		}
	}

	// joiner hangs up; the host returns to waiting
	joiner.HangUp()
	if err := <-joinDone; err != nil {
		t.Fatalf("joiner Run = %v", err)
	}
	if joiner.Summary().Outcome != Ended {
		t.Errorf("joiner outcome = %s", joiner.Summary().Outcome)
	}

	select {
	case id := <-left:
		if id != js.Self {
			t.Errorf("peer left %q, want %q", id, js.Self)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("host not told the peer left")
	}
	if hostMachine.Phase() != Connecting {
		t.Errorf("host phase = %s, want connecting", hostMachine.Phase())
	}

	host.Close()
	if err := <-hostDone; err != nil {
		t.Fatalf("host Run = %v", err)
	}
	if err := CloseRoom(ctx, env.rooms, room); err != nil {
		t.Fatal(err)
	}
}
