package common

import (
	"fmt"
	"io/fs"

	"github.com/pkg/errors"
)

var (
	ErrConnect         = errors.New("connect failed")
	ErrFraming         = errors.New("malformed packet")
	ErrProtocol        = errors.New("protocol violation")
	ErrTimeout         = errors.New("timed out")
	ErrFileNotFound    = errors.New(ErrCodeFileNotFound.String())
	ErrAccessViolation = errors.New(ErrCodeAccessViolation.String())
)

// PeerError is an ERROR packet received from the other side of a transfer.
type PeerError struct {
	Code    ErrorCode
	Message string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer error %d (%v): %s", uint16(e.Code), e.Code, e.Message)
}

func (e *PeerError) Is(target error) bool {
	switch target {
	case ErrFileNotFound:
		return e.Code == ErrCodeFileNotFound
	case ErrAccessViolation:
		return e.Code == ErrCodeAccessViolation
	}
	return false
}

// ErrorCodeFor maps a local failure onto the wire code reported to the peer.
func ErrorCodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrFileNotFound), errors.Is(err, fs.ErrNotExist):
		return ErrCodeFileNotFound
	case errors.Is(err, ErrAccessViolation), errors.Is(err, fs.ErrPermission):
		return ErrCodeAccessViolation
	case errors.Is(err, ErrProtocol):
		return ErrCodeIllegalOperation
	default:
		return ErrCodeUndefined
	}
}
