package commsutil

import (
	"encoding/json"
	"errors"
	"fmt"

	comms "github.com/nats-io/nats.go"
)

const codecLogPrefix = "commsutil:codec"

// Header keys carried on event messages.
const (
	HeaderMessageID   = "Commandbus-Msg-Id"
	HeaderMessageType = "Commandbus-Msg-Type"
	HeaderActor       = "Commandbus-Actor"
	HeaderPublishedAt = "Commandbus-Published-At"
	HeaderNode        = "Commandbus-Node"
)

// ErrEmptyPayload is returned when decoding an empty message body.
var ErrEmptyPayload = errors.New("commsutil: empty payload")

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s - encode: %w", codecLogPrefix, err)
	}
	return data, nil
}

// DecodePayload deserializes JSON bytes into v.
func DecodePayload(data []byte, v any) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s - decode: %w", codecLogPrefix, err)
	}
	return nil
}

// Respond encodes v and replies to msg. Encoding and reply failures are returned.
func Respond(msg *comms.Msg, v any) error {
	data, err := EncodePayload(v)
	if err != nil {
		return err
	}
	if err := msg.Respond(data); err != nil {
		return fmt.Errorf("%s - respond on %s: %w", codecLogPrefix, msg.Reply, err)
	}
	return nil
}
