package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how it is surfaced.
type Kind string

const (
	// KindValidation is returned to the single caller; state is unchanged.
	KindValidation Kind = "validation"
	// KindNotFound reports an unknown game or connection.
	KindNotFound Kind = "not_found"
	// KindTransport means a connection write failed; the connection is evicted.
	KindTransport Kind = "transport"
	// KindPersistence is logged and retried; repeated failure is fatal for the process.
	KindPersistence Kind = "persistence"
)

// Reason codes carried in rejected messages.
const (
	CodeIllegalMove       = "illegal_move"
	CodeEmptyMove         = "empty_move"
	CodeGameOver          = "game_over"
	CodeEngineTurn        = "engine_turn"
	CodeInvalidWinner     = "invalid_winner"
	CodeNotJoined         = "not_joined"
	CodeUnknownGame       = "unknown_game"
	CodeGameClosed        = "game_closed"
	CodeUnknownConnection = "unknown_connection"
	CodeUnknownMessage    = "unknown_message"
	CodeMalformedMessage  = "malformed_message"
	CodeBadConfiguration  = "bad_configuration"
	CodeRulesEngineFault  = "rules_engine_fault"
	CodeSnapshotFailed    = "snapshot_failed"
	CodeWriteFailed       = "write_failed"
)

// Error is the typed failure used across packages.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports failures that may succeed on a later attempt.
func (e *Error) Retryable() bool {
	return e.Kind == KindPersistence || e.Kind == KindTransport
}

func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

func Transport(err error) *Error {
	return &Error{Kind: KindTransport, Code: CodeWriteFailed, Message: "connection write failed", Err: err}
}

func Persistence(err error) *Error {
	return &Error{Kind: KindPersistence, Code: CodeSnapshotFailed, Message: "snapshot write failed", Err: err}
}

// KindOf returns the Kind of err, or "" when err is not a *Error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// CodeOf returns the reason code of err, or "" when err is not a *Error.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }

func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }
