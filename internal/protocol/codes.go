package protocol

import "fmt"

// ErrorCode is a stable numeric error code carried on the wire in Error and
// Kicked frames. Codes are part of the protocol contract and must not be
// renumbered.
type ErrorCode uint16

const (
	CodeUnauthorized       ErrorCode = 1
	CodeAuthTimeout        ErrorCode = 2
	CodeBanned             ErrorCode = 3
	CodeRoomNotFound       ErrorCode = 10
	CodeRoomLocked         ErrorCode = 11
	CodeRoomFull           ErrorCode = 12
	CodeRoomBlacklisted    ErrorCode = 13
	CodeRoomWrongState     ErrorCode = 14
	CodeNotHost            ErrorCode = 20
	CodeNotInRoom          ErrorCode = 21
	CodeAlreadyInRoom      ErrorCode = 22
	CodeProtocolViolation  ErrorCode = 30
	CodeUnsupportedVersion ErrorCode = 31
	CodeInternal           ErrorCode = 99
)

func (c ErrorCode) String() string {
	switch c {
	case CodeUnauthorized:
		return "UNAUTHORIZED"
	case CodeAuthTimeout:
		return "AUTH_TIMEOUT"
	case CodeBanned:
		return "BANNED"
	case CodeRoomNotFound:
		return "ROOM_NOT_FOUND"
	case CodeRoomLocked:
		return "ROOM_LOCKED"
	case CodeRoomFull:
		return "ROOM_FULL"
	case CodeRoomBlacklisted:
		return "ROOM_BLACKLISTED"
	case CodeRoomWrongState:
		return "ROOM_WRONG_STATE"
	case CodeNotHost:
		return "NOT_HOST"
	case CodeNotInRoom:
		return "NOT_IN_ROOM"
	case CodeAlreadyInRoom:
		return "ALREADY_IN_ROOM"
	case CodeProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case CodeUnsupportedVersion:
		return "UNSUPPORTED_VERSION"
	case CodeInternal:
		return "INTERNAL"
	default:
		return fmt.Sprintf("ERROR(%d)", uint16(c))
	}
}

// Fatal reports whether a session must be terminated after flushing an Error
// frame with this code.
func (c ErrorCode) Fatal() bool {
	switch c {
	case CodeProtocolViolation, CodeInternal, CodeBanned, CodeUnsupportedVersion:
		return true
	}
	return false
}

// DomainError is the typed error value returned by domain operations. The
// dispatcher translates it into an Error frame with the same code.
type DomainError struct {
	Code    ErrorCode
	Message string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds a DomainError with a formatted message.
func Errf(code ErrorCode, format string, args ...any) *DomainError {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...)}
}
