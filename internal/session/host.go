package session

import (
	"context"
	"errors"

	"github.com/KR7-gen/ai-vent-app/internal/protocol"
)

// Decider answers a join request for a hosted room. Decide may block, for
// example on a prompt; it runs outside the negotiation loop.
type Decider interface {
	Decide(ctx context.Context, req protocol.JoinRequestPayload) (bool, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, req protocol.JoinRequestPayload) (bool, error)

func (f DeciderFunc) Decide(ctx context.Context, req protocol.JoinRequestPayload) (bool, error) {
	return f(ctx, req)
}

// RoomRegistrar publishes rooms in the room registry.
type RoomRegistrar interface {
	Register(ctx context.Context, roomID string) error
	Unregister(ctx context.Context, roomID string) error
}

// OpenRoom publishes roomID in the registry and binds sig's connection as
// the room's host on the hub. The room is recorded on m.
func OpenRoom(ctx context.Context, rooms RoomRegistrar, sig Signaler, m *Machine, roomID string) error {
	if err := rooms.Register(ctx, roomID); err != nil {
		return WrapError("register room", err, roomID)
	}

	msg := protocol.MustNew(protocol.TypeRegisterRoomHost, protocol.RoomPayload{RoomID: roomID})
	if err := sig.Send(msg); err != nil {
		return errors.Join(
			WrapError("register room host", ErrConnectionLost, err.Error()),
			rooms.Unregister(ctx, roomID),
		)
	}

	m.SetRoom(roomID)
	return nil
}

// CloseRoom removes roomID from the registry. The hub binding goes away
// with the host connection.
func CloseRoom(ctx context.Context, rooms RoomRegistrar, roomID string) error {
	if err := rooms.Unregister(ctx, roomID); err != nil {
		return WrapError("unregister room", err, roomID)
	}
	return nil
}

// joinRequest asks the decider in the background; the answer comes back
// to the loop as an event.
func (n *Negotiator) joinRequest(ctx context.Context, req protocol.JoinRequestPayload) {
	if n.opts.Decider == nil {
		n.logger.Warn("join request ignored, not hosting", "room", req.RoomID, "requester", req.Requester)
		return
	}
	if room := n.machine.Room(); room != "" && req.RoomID != room {
		n.logger.Warn("join request for another room ignored", "room", req.RoomID, "requester", req.Requester)
		return
	}

	n.logger.Info("join request", "room", req.RoomID, "requester", req.Requester)
	go func() {
		approve, err := n.opts.Decider.Decide(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.logger.Warn("join decision failed, denying", "requester", req.Requester, "error", err)
			approve = false
		}
		n.post(event{kind: evDecision, request: req, approve: approve})
	}()
}

func (n *Negotiator) resolveJoin(req protocol.JoinRequestPayload, approve bool) {
	msgType := protocol.TypeDenyJoinRequest
	if approve {
		msgType = protocol.TypeApproveJoinRequest
	}
	n.logger.Info("join request resolved", "type", msgType, "requester", req.Requester)
	n.send(msgType, req)
}
