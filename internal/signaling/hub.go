package signaling

import (
	"context"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/KR7-gen/ai-vent-app/internal/protocol"
)

// Options tune how strictly the hub treats legacy client behaviour.
type Options struct {
	// LegacyBroadcast relays offers, answers and candidates that carry no
	// target to every other connection instead of rejecting them.
	LegacyBroadcast bool

	// TrustApprovals honours approve/deny messages from any connection, not
	// only from the host bound to the room.
	TrustApprovals bool

	Logger *slog.Logger
}

// Envelope pairs an inbound message with the client that sent it.
type Envelope struct {
	Client  *Client
	Message *protocol.Message
}

// Stats is a point-in-time view of the hub, served by /metrics.
type Stats struct {
	Connections int      `json:"connections"`
	Rooms       []string `json:"rooms"`
	Relayed     int64    `json:"relayed"`
	Dropped     int64    `json:"dropped"`
}

// Hub is the central brain of the signaling server.
// It tracks connections and room hosts and relays negotiation messages.
type Hub struct {
	// Register is a channel for registering new clients.
	Register chan *Client

	// Unregister is a channel for unregistering clients.
	Unregister chan *Client

	// Inbound carries every message read from a client, in read order.
	Inbound chan *Envelope

	stats chan chan Stats
	done  chan struct{}

	opts   Options
	logger *slog.Logger

	// order holds connected clients in connect order; "first other
	// connection" is resolved against it.
	order   []*Client
	clients map[string]*Client
	rooms   *roomTable

	relayed int64
	dropped int64
}

// NewHub creates a new Hub instance.
func NewHub(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Inbound:    make(chan *Envelope),
		stats:      make(chan chan Stats),
		done:       make(chan struct{}),
		opts:       opts,
		logger:     logger.With("component", "hub"),
		clients:    make(map[string]*Client),
		rooms:      newRoomTable(),
	}
}

// NewClient allocates a client with a fresh connection id. Ids are random
// UUIDs and are never handed out twice.
func (h *Hub) NewClient() *Client {
	return &Client{
		ID:   uuid.NewString(),
		Send: make(chan *protocol.Message, sendBufferSize),
		hub:  h,
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Stats asks the hub loop for a snapshot. It returns the zero value if the
// hub has stopped or ctx ends first.
func (h *Hub) Stats(ctx context.Context) Stats {
	reply := make(chan Stats, 1)
	select {
	case h.stats <- reply:
	case <-h.done:
		return Stats{}
	case <-ctx.Done():
		return Stats{}
	}
	select {
	case s := <-reply:
		return s
	case <-ctx.Done():
		return Stats{}
	}
}

// Run starts the hub's main processing loop.
// This is the single goroutine that safely manages all state (connections, rooms).
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for _, c := range h.order {
				close(c.Send)
			}
			h.order = nil
			clear(h.clients)
			return

		case client := <-h.Register:
			h.connect(client)

		case client := <-h.Unregister:
			h.disconnect(client)

		case env := <-h.Inbound:
			h.handle(env.Client, env.Message)

		case reply := <-h.stats:
			reply <- Stats{
				Connections: len(h.order),
				Rooms:       h.rooms.ids(),
				Relayed:     h.relayed,
				Dropped:     h.dropped,
			}
		}
	}
}

func (h *Hub) connect(c *Client) {
	if _, ok := h.clients[c.ID]; ok {
		return
	}
	h.order = append(h.order, c)
	h.clients[c.ID] = c
	h.logger.Info("client connected", "conn", c.ID, "connections", len(h.order))

	h.deliver(c, protocol.MustNew(protocol.TypeWelcome, protocol.PeerPayload{From: c.ID}))
}

func (h *Hub) disconnect(c *Client) {
	if h.clients[c.ID] != c {
		return
	}
	delete(h.clients, c.ID)
	h.order = slices.DeleteFunc(h.order, func(o *Client) bool { return o == c })

	for _, roomID := range h.rooms.unbindHost(c.ID) {
		h.logger.Info("room host removed", "room", roomID, "conn", c.ID)
	}

	h.logger.Info("client disconnected", "conn", c.ID, "connections", len(h.order))
	h.broadcastFrom(c, protocol.MustNew(protocol.TypeUserLeft, protocol.PeerPayload{From: c.ID}))

	// Close the client's send channel to stop its writePump
	close(c.Send)
}

// This is the core signaling logic
func (h *Hub) handle(c *Client, msg *protocol.Message) {
	if h.clients[c.ID] != c {
		return
	}
	h.logger.Debug("message received", "type", msg.Type, "conn", c.ID)

	switch msg.Type {
	case protocol.TypeJoin:
		h.handleJoin(c)

	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		h.handleSignal(c, msg)

	case protocol.TypeRegisterRoomHost:
		var p protocol.RoomPayload
		if err := msg.Decode(&p); err != nil || p.RoomID == "" {
			h.reject(c, msg.Type, "invalid payload")
			return
		}
		if prev, ok := h.rooms.hostOf(p.RoomID); ok && prev != c.ID {
			h.logger.Info("room host replaced", "room", p.RoomID, "previous", prev, "conn", c.ID)
		}
		h.rooms.bind(p.RoomID, c.ID)
		h.logger.Info("room host registered", "room", p.RoomID, "conn", c.ID)

	case protocol.TypeRequestJoinRoom:
		var p protocol.RoomPayload
		if err := msg.Decode(&p); err != nil || p.RoomID == "" {
			h.reject(c, msg.Type, "invalid payload")
			return
		}
		host, ok := h.rooms.hostOf(p.RoomID)
		if !ok {
			h.logger.Info("join request without host", "room", p.RoomID, "conn", c.ID)
			h.deliver(c, protocol.MustNew(protocol.TypeJoinRequestDenied, protocol.DeniedPayload{
				RoomID: p.RoomID,
				Reason: protocol.ReasonHostNotFound,
			}))
			return
		}
		h.logger.Info("join request forwarded", "room", p.RoomID, "conn", c.ID, "host", host)
		h.sendTo(host, protocol.MustNew(protocol.TypeJoinRequest, protocol.JoinRequestPayload{
			RoomID:    p.RoomID,
			Requester: c.ID,
		}))

	case protocol.TypeApproveJoinRequest, protocol.TypeDenyJoinRequest:
		h.handleResolution(c, msg)

	default:
		h.logger.Warn("unknown message type", "type", msg.Type, "conn", c.ID)
	}
}

// handleJoin announces c to everyone else, tells c who is already here and
// nudges exactly one existing connection, the earliest connected, to
// originate the offer.
func (h *Hub) handleJoin(c *Client) {
	h.broadcastFrom(c, protocol.MustNew(protocol.TypeUserJoined, protocol.PeerPayload{From: c.ID}))

	if len(h.order) <= 1 {
		return
	}

	others := make([]string, 0, len(h.order)-1)
	for _, o := range h.order {
		if o != c {
			others = append(others, o.ID)
		}
	}
	if len(others) == 0 {
		return
	}

	first := h.clients[others[0]]
	h.logger.Info("offer requested", "offerer", first.ID, "target", c.ID)
	h.deliver(c, protocol.MustNew(protocol.TypeExistingUsers, protocol.UsersPayload{Users: others}))
	h.deliver(first, protocol.MustNew(protocol.TypeCreateOffer, protocol.CreateOfferPayload{Target: c.ID}))
}

func (h *Hub) handleSignal(c *Client, msg *protocol.Message) {
	var p protocol.SignalPayload
	if err := msg.Decode(&p); err != nil {
		h.reject(c, msg.Type, "invalid payload")
		return
	}

	target := p.Target
	p.Target = ""
	p.From = c.ID
	out, err := protocol.New(msg.Type, p)
	if err != nil {
		h.reject(c, msg.Type, "invalid payload")
		return
	}

	if target == "" {
		if h.opts.LegacyBroadcast {
			h.broadcastFrom(c, out)
			return
		}
		h.reject(c, msg.Type, "target required")
		return
	}

	h.sendTo(target, out)
}

func (h *Hub) handleResolution(c *Client, msg *protocol.Message) {
	var p protocol.JoinRequestPayload
	if err := msg.Decode(&p); err != nil || p.RoomID == "" || p.Requester == "" {
		h.reject(c, msg.Type, "invalid payload")
		return
	}

	if !h.opts.TrustApprovals {
		if host, ok := h.rooms.hostOf(p.RoomID); !ok || host != c.ID {
			h.logger.Warn("join resolution from non-host ignored", "type", msg.Type, "room", p.RoomID, "conn", c.ID)
			h.reject(c, msg.Type, "not the room host")
			return
		}
	}

	var out *protocol.Message
	if msg.Type == protocol.TypeApproveJoinRequest {
		out = protocol.MustNew(protocol.TypeJoinRequestApproved, protocol.RoomPayload{RoomID: p.RoomID})
	} else {
		out = protocol.MustNew(protocol.TypeJoinRequestDenied, protocol.DeniedPayload{
			RoomID: p.RoomID,
			Reason: protocol.ReasonDeniedByHost,
		})
	}
	h.logger.Info("join request resolved", "type", msg.Type, "room", p.RoomID, "requester", p.Requester)
	h.sendTo(p.Requester, out)
}

func (h *Hub) reject(c *Client, msgType, reason string) {
	h.logger.Debug("message rejected", "type", msgType, "conn", c.ID, "reason", reason)
	h.deliver(c, protocol.MustNew(protocol.TypeError, protocol.ErrorPayload{Error: msgType + ": " + reason}))
}

// sendTo delivers msg to the connection with the given id. A target that has
// gone away is not an error: the message is dropped.
func (h *Hub) sendTo(id string, msg *protocol.Message) {
	target, ok := h.clients[id]
	if !ok {
		h.dropped++
		h.logger.Debug("relay target gone", "type", msg.Type, "target", id)
		return
	}
	h.deliver(target, msg)
}

func (h *Hub) broadcastFrom(sender *Client, msg *protocol.Message) {
	for _, c := range h.order {
		if c != sender {
			h.deliver(c, msg)
		}
	}
}

// deliver never blocks the hub loop; a client whose buffer is full loses
// the message.
func (h *Hub) deliver(c *Client, msg *protocol.Message) {
	select {
	case c.Send <- msg:
		h.relayed++
	default:
		h.dropped++
		h.logger.Warn("send buffer full, message dropped", "type", msg.Type, "conn", c.ID)
	}
}
