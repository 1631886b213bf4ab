package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/park285/cheese-sync/internal/domain"
)

var (
	ErrUnknownKind = errors.New("unknown message kind")
	ErrMalformed   = errors.New("malformed message")
)

type envelope struct {
	Type Kind `json:"type"`
}

// Decode parses one inbound frame. Unknown tags yield a validation error with
// code unknown_message; undecodable frames yield malformed_message.
func Decode(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, malformed(err)
	}
	var msg Inbound
	var err error
	switch Kind(strings.TrimSpace(string(env.Type))) {
	case KindJoin:
		var m Join
		err = json.Unmarshal(raw, &m)
		msg = m
	case KindSubmitMove:
		var m SubmitMove
		err = json.Unmarshal(raw, &m)
		msg = m
	case KindReset:
		var m Reset
		err = json.Unmarshal(raw, &m)
		msg = m
	case KindEndGame:
		var m EndGame
		err = json.Unmarshal(raw, &m)
		msg = m
	case KindPing:
		msg = Ping{}
	case "":
		return nil, malformed(errors.New("missing type"))
	default:
		return nil, &domain.Error{
			Kind:    domain.KindValidation,
			Code:    domain.CodeUnknownMessage,
			Message: fmt.Sprintf("unknown message type %q", env.Type),
			Err:     ErrUnknownKind,
		}
	}
	if err != nil {
		return nil, malformed(err)
	}
	return msg, nil
}

// Encode marshals an inbound message with its type tag. Used by clients and tests.
func Encode(msg Inbound) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(msg.Kind())
	fields["type"] = tag
	return json.Marshal(fields)
}

// DecodeOutbound parses a server message. Used by clients and tests.
func DecodeOutbound(raw []byte) (Outbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, malformed(err)
	}
	var (
		msg Outbound
		err error
	)
	switch env.Type {
	case KindStateSnapshot:
		var m StateSnapshot
		err = json.Unmarshal(raw, &m)
		msg = m
	case KindRoster:
		var m Roster
		err = json.Unmarshal(raw, &m)
		msg = m
	case KindMoveApplied:
		var m MoveApplied
		err = json.Unmarshal(raw, &m)
		msg = m
	case KindRejected:
		var m Rejected
		err = json.Unmarshal(raw, &m)
		msg = m
	case KindGameReset:
		var m GameReset
		err = json.Unmarshal(raw, &m)
		msg = m
	case KindGameEnded:
		var m GameEnded
		err = json.Unmarshal(raw, &m)
		msg = m
	case KindParticipantJoined, KindParticipantLeft:
		var m Participant
		err = json.Unmarshal(raw, &m)
		msg = m
	case KindPong:
		msg = NewPong()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	if err != nil {
		return nil, malformed(err)
	}
	return msg, nil
}

func malformed(err error) error {
	return &domain.Error{
		Kind:    domain.KindValidation,
		Code:    domain.CodeMalformedMessage,
		Message: "malformed message",
		Err:     fmt.Errorf("%w: %v", ErrMalformed, err),
	}
}
