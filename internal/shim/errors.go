package shim

import (
	"errors"
	"fmt"

	"github.com/danmuck/portbroker/internal/protocol/bootmsg"
)

var (
	ErrNotPrivileged  = errors.New("shim: caller not privileged")
	ErrNameInUse      = errors.New("shim: name already in use")
	ErrUnknownService = errors.New("shim: unknown service")
	ErrServiceActive  = errors.New("shim: service already active")
	ErrBadCount       = errors.New("shim: bad descriptor count")
	ErrNoMemory       = errors.New("shim: broker out of memory")
	ErrInvalidRight   = errors.New("shim: invalid right for operation")
	ErrNotSupported   = errors.New("shim: operation not supported")
	ErrBadMessageID   = errors.New("shim: broker rejected message id")

	ErrReplyTimeout = errors.New("shim: no reply before deadline")
	ErrBareReply    = errors.New("shim: reply names a capability but carried none")
)

// resultError maps a wire result code onto a sentinel. Success maps to nil.
func resultError(code int32) error {
	switch code {
	case bootmsg.ResultSuccess:
		return nil
	case bootmsg.ResultNotPrivileged:
		return ErrNotPrivileged
	case bootmsg.ResultNameInUse:
		return ErrNameInUse
	case bootmsg.ResultUnknownService:
		return ErrUnknownService
	case bootmsg.ResultServiceActive:
		return ErrServiceActive
	case bootmsg.ResultBadCount:
		return ErrBadCount
	case bootmsg.ResultNoMemory:
		return ErrNoMemory
	case bootmsg.ResultInvalidRight:
		return ErrInvalidRight
	case bootmsg.ResultNotSupported:
		return ErrNotSupported
	case bootmsg.ResultBadID:
		return ErrBadMessageID
	default:
		return fmt.Errorf("shim: result code %d", code)
	}
}
