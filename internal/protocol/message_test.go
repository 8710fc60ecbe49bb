package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewWithoutPayload(t *testing.T) {
	msg, err := New(TypeJoin, nil)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"join"}` {
		t.Errorf("wire form = %s", data)
	}
	if err := msg.Decode(&PeerPayload{}); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("Decode = %v, want ErrEmptyPayload", err)
	}
}

func TestWireFieldNames(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
		payload any
		want    string
	}{
		{
			name:    "join request",
			msgType: TypeJoinRequest,
			payload: JoinRequestPayload{RoomID: "ROOM-ABCD-1234", Requester: "c1"},
			want:    `{"type":"join-request","payload":{"roomId":"ROOM-ABCD-1234","requester":"c1"}}`,
		},
		{
			name:    "denied",
			msgType: TypeJoinRequestDenied,
			payload: DeniedPayload{RoomID: "ROOM-ABCD-1234", Reason: ReasonHostNotFound},
			want:    `{"type":"join-request-denied","payload":{"roomId":"ROOM-ABCD-1234","reason":"host not found"}}`,
		},
		{
			name:    "offer to target",
			msgType: TypeOffer,
			payload: SignalPayload{Offer: json.RawMessage(`{"type":"offer","sdp":"v=0"}`), Target: "c2"},
			want:    `{"type":"webrtc-offer","payload":{"offer":{"type":"offer","sdp":"v=0"},"target":"c2"}}`,
		},
		{
			name:    "existing users",
			msgType: TypeExistingUsers,
			payload: UsersPayload{Users: []string{"a", "b"}},
			want:    `{"type":"existing-users","payload":{"users":["a","b"]}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(MustNew(tt.msgType, tt.payload))
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != tt.want {
				t.Errorf("got  %s\nwant %s", data, tt.want)
			}
		})
	}
}

func TestSignalPayloadKeepsDescriptionBytes(t *testing.T) {
	raw := `{"type":"ice-candidate","payload":{"candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0"},"from":"c9"}}`
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatal(err)
	}
	var p SignalPayload
	if err := msg.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.From != "c9" || len(p.Offer) != 0 {
		t.Errorf("payload = %+v", p)
	}
	if string(p.Candidate) != `{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0"}` {
		t.Errorf("candidate bytes changed: %s", p.Candidate)
	}
}

func TestMustNewPanicsOnBadPayload(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustNew did not panic")
		}
	}()
	MustNew(TypeError, make(chan int))
}
