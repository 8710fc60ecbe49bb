package overlay

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Label of the data channel that carries overlay messages.
const ChannelLabel = "comments"

// Data channel message types.
const (
	TypeComment = "comment"
)

// ErrUnknownType is returned by DecodeComment for non-comment messages.
var ErrUnknownType = errors.New("unknown overlay message type")

// Comment is a single line in the chat-reaction overlay.
type Comment struct {
	ID            string `msgpack:"id"`
	Text          string `msgpack:"text"`
	Special       bool   `msgpack:"special"`
	Timestamp     int64  `msgpack:"timestamp"` // unix milliseconds
	UserName      string `msgpack:"userName,omitempty"`
	IsUserComment bool   `msgpack:"isUserComment,omitempty"`
}

const (
	botName    = "Bot"
	viewerName = "視聴者"
)

// NewBotComment builds a reaction comment. AI replies are marked special.
func NewBotComment(text string, special bool) Comment {
	return Comment{
		ID:        uuid.NewString(),
		Text:      text,
		Special:   special,
		Timestamp: time.Now().UnixMilli(),
		UserName:  botName,
	}
}

// NewUserComment builds a comment typed by the local participant.
func NewUserComment(text string) Comment {
	return Comment{
		ID:            uuid.NewString(),
		Text:          text,
		Timestamp:     time.Now().UnixMilli(),
		UserName:      viewerName,
		IsUserComment: true,
	}
}

// Time returns the comment timestamp.
func (c Comment) Time() time.Time {
	return time.UnixMilli(c.Timestamp)
}

// Message represents all overlay data channel messages
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// DecodePayload decodes the message payload into the provided struct
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// NewMessage creates a new Message with the given type and payload
func NewMessage(t string, payload any) (Message, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Type:    t,
		Payload: b,
	}, nil
}

// EncodeComment produces the wire form of c.
func EncodeComment(c Comment) ([]byte, error) {
	msg, err := NewMessage(TypeComment, c)
	if err != nil {
		return nil, err
	}
	return encodeMessage(msg)
}

func encodeMessage(m Message) ([]byte, error) {
	return msgpack.Marshal(m)
}

// DecodeComment parses a wire message produced by EncodeComment.
func DecodeComment(data []byte) (Comment, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return Comment{}, err
	}
	if msg.Type != TypeComment {
		return Comment{}, ErrUnknownType
	}
	var c Comment
	if err := msg.DecodePayload(&c); err != nil {
		return Comment{}, err
	}
	return c, nil
}
