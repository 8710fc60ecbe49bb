package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/KR7-gen/ai-vent-app/internal/protocol"
)

// RoomChecker looks rooms up in the room registry.
type RoomChecker interface {
	Check(ctx context.Context, roomID string) (bool, error)
}

// DialFunc opens a new hub connection.
type DialFunc func(ctx context.Context) (Signaler, error)

// Admission asks a room's host for permission to join.
type Admission struct {
	Rooms   RoomChecker
	Dial    DialFunc
	Machine *Machine
	Logger  *slog.Logger
}

// Join checks that roomID exists, then requests to join it over a
// dedicated hub connection and waits for the host's answer. There is no
// timeout: the wait ends with the answer, a lost connection or ctx.
//
// On approval the machine is Connecting with the room recorded, and the
// admission connection has been closed. A room missing from the registry
// returns ErrRoomNotFound with the machine untouched.
func (a *Admission) Join(ctx context.Context, roomID string) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "admission", "room", roomID)

	exists, err := a.Rooms.Check(ctx, roomID)
	if err != nil {
		return WrapError("check room", err, roomID)
	}
	if !exists {
		return WrapError("check room", ErrRoomNotFound, roomID)
	}

	conn, err := a.Dial(ctx)
	if err != nil {
		return NewError("connect", err)
	}
	defer conn.Close()

	if _, err := conn.Await(ctx, protocol.TypeWelcome); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return WrapError("connect", ErrConnectionLost, err.Error())
	}

	req := protocol.MustNew(protocol.TypeRequestJoinRoom, protocol.RoomPayload{RoomID: roomID})
	if err := conn.Send(req); err != nil {
		return WrapError("request join", ErrConnectionLost, err.Error())
	}
	if err := a.Machine.Transition(AwaitingApproval); err != nil {
		return err
	}
	logger.Info("waiting for host approval")

	for {
		msg, err := conn.Await(ctx, protocol.TypeJoinRequestApproved, protocol.TypeJoinRequestDenied)
		if err != nil {
			if ctx.Err() != nil {
				a.Machine.Transition(Idle)
				return ctx.Err()
			}
			a.Machine.Transition(Failed)
			return WrapError("await approval", ErrConnectionLost, err.Error())
		}

		switch msg.Type {
		case protocol.TypeJoinRequestApproved:
			var p protocol.RoomPayload
			if err := msg.Decode(&p); err != nil || p.RoomID != roomID {
				logger.Debug("approval for another room ignored", "got", p.RoomID)
				continue
			}
			a.Machine.SetRoom(roomID)
			if err := a.Machine.Transition(Connecting); err != nil {
				return err
			}
			logger.Info("join approved")
			return nil

		case protocol.TypeJoinRequestDenied:
			var p protocol.DeniedPayload
			if err := msg.Decode(&p); err != nil || p.RoomID != roomID {
				logger.Debug("denial for another room ignored", "got", p.RoomID)
				continue
			}
			a.Machine.Transition(Failed)
			logger.Info("join denied", "reason", p.Reason)
			return WrapError("join room", denialError(p.Reason), p.Reason)
		}
	}
}

func denialError(reason string) error {
	if reason == protocol.ReasonHostNotFound {
		return ErrHostNotFound
	}
	return ErrJoinDenied
}

// IsAdmissionError reports whether err ended an admission attempt in a way
// the user should be told about plainly.
func IsAdmissionError(err error) bool {
	return errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrHostNotFound) || errors.Is(err, ErrJoinDenied)
}
