package protocol

import (
	"encoding/json"
	"errors"
)

// Message defines the structure for all C2S (Client to Server)
// and S2C (Server to Client) websocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message type constants.
const (
	TypeJoin               = "join"
	TypeOffer              = "webrtc-offer"
	TypeAnswer             = "webrtc-answer"
	TypeICECandidate       = "ice-candidate"
	TypeRegisterRoomHost   = "register-room-host"
	TypeRequestJoinRoom    = "request-join-room"
	TypeApproveJoinRequest = "approve-join-request"
	TypeDenyJoinRequest    = "deny-join-request"

	TypeWelcome             = "welcome"
	TypeUserJoined          = "user-joined"
	TypeExistingUsers       = "existing-users"
	TypeCreateOffer         = "create-offer"
	TypeJoinRequest         = "join-request"
	TypeJoinRequestApproved = "join-request-approved"
	TypeJoinRequestDenied   = "join-request-denied"
	TypeUserLeft            = "user-left"
	TypeError               = "error"
)

// Reasons carried by join-request-denied.
const (
	ReasonHostNotFound = "host not found"
	ReasonDeniedByHost = "denied by host"
)

// ErrEmptyPayload is returned by Decode when the message has no payload.
var ErrEmptyPayload = errors.New("empty payload")

// PeerPayload names a single connection (welcome, user-joined, user-left).
type PeerPayload struct {
	From string `json:"from"`
}

// UsersPayload lists connections already present when a peer joins.
type UsersPayload struct {
	Users []string `json:"users"`
}

// CreateOfferPayload designates the receiver as the offerer for Target.
type CreateOfferPayload struct {
	Target string `json:"target"`
}

// SignalPayload carries one of offer, answer or candidate. The hub relays the
// description/candidate bytes untouched; From is set by the hub on delivery and
// Target is set by the sender.
type SignalPayload struct {
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	From      string          `json:"from,omitempty"`
	Target    string          `json:"target,omitempty"`
}

// RoomPayload is used by register-room-host, request-join-room and
// join-request-approved.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// JoinRequestPayload correlates a requesting connection with a room. The hub
// keeps no join-request state; the requester id travels with every message.
type JoinRequestPayload struct {
	RoomID    string `json:"roomId"`
	Requester string `json:"requester"`
}

// DeniedPayload explains why a join request was refused.
type DeniedPayload struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

// ErrorPayload represents error messages from server.
type ErrorPayload struct {
	Error string `json:"error"`
}

// New creates a Message with the given type and payload. A nil payload
// produces a message without a payload field.
func New(t string, payload any) (*Message, error) {
	if payload == nil {
		return &Message{Type: t}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: t, Payload: b}, nil
}

// MustNew is New for payloads that are known to marshal.
func MustNew(t string, payload any) *Message {
	msg, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Decode unmarshals the message payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(m.Payload, v)
}
