package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrParse marks input that is not a well-formed message. It is discarded,
	// never treated as fatal.
	ErrParse = errors.New("protocol parse error")
	// ErrUnknownType marks a well-formed envelope for a message kind this core
	// does not handle. Callers let it pass through silently.
	ErrUnknownType = errors.New("unknown message type")
)

// PeekType returns the discriminator of raw without decoding the body.
func PeekType(raw []byte) (MessageType, error) {
	var head struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(head.Type) == 0 {
		return "", ErrUnknownType
	}
	var t string
	if err := json.Unmarshal(head.Type, &t); err != nil {
		return "", ErrUnknownType
	}
	return MessageType(t), nil
}

// Decode parses one wire message into its concrete type.
func Decode(raw []byte) (Message, error) {
	t, err := PeekType(raw)
	if err != nil {
		return nil, err
	}
	var msg Message
	switch t {
	case TypeAnnouncement:
		msg, err = decodeAs[Announcement](raw)
	case TypePairingRequest:
		msg, err = decodeAs[PairingRequest](raw)
	case TypePairingResponse:
		msg, err = decodeAs[PairingResponse](raw)
	case TypeKeyExchange:
		msg, err = decodeAs[KeyExchange](raw)
	case TypeJournalSnapshot:
		msg, err = decodeAs[JournalSnapshot](raw)
	case TypeFileChunk:
		msg, err = decodeAs[FileChunk](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeAs[T Message](raw []byte) (Message, error) {
	var msg T
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, msg.MessageType(), err)
	}
	if err := msg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, msg.MessageType(), err)
	}
	return msg, nil
}

// Encode serializes msg with its "type" discriminator as the first field.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	tag, err := json.Marshal(string(msg.MessageType()))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(tag)+10)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if inner := strings.TrimSpace(string(body[1 : len(body)-1])); inner != "" {
		out = append(out, ',')
		out = append(out, inner...)
	}
	out = append(out, '}')
	return out, nil
}
