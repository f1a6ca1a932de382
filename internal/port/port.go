package port

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Right is the kind of capability a Port confers on its holder.
type Right uint8

const (
	// RightReceive is exclusive. Exactly one holder may drain the queue.
	RightReceive Right = iota + 1
	// RightSend may be duplicated freely.
	RightSend
)

var (
	ErrClosed             = errors.New("port: capability already closed")
	ErrNotReceive         = errors.New("port: operation requires a receive right")
	ErrNotSend            = errors.New("port: operation requires a send right")
	ErrDestinationInvalid = errors.New("port: destination invalid")
)

// Port is one capability: a file descriptor plus the right it confers.
// The descriptor number doubles as the sender-local handle quoted in
// message descriptors; it is meaningless outside this process.
type Port struct {
	fd    int
	right Right
}

// FromFD wraps a descriptor received from a peer. The right kind is
// whatever the sender moved or copied; the wire disposition says which.
func FromFD(fd int, right Right) *Port {
	return &Port{fd: fd, right: right}
}

// AllocatePair mints a fresh capability: a receive right and the first
// send right that targets it. Rights are the two ends of a seqpacket
// socketpair, so queue semantics come from the kernel for free.
func AllocatePair() (recv, send *Port, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("port: allocate pair: %w", err)
	}
	return &Port{fd: fds[0], right: RightReceive}, &Port{fd: fds[1], right: RightSend}, nil
}

// FD exposes the raw descriptor for out-of-band transfer.
func (p *Port) FD() int { return p.fd }

// Right reports the kind of capability held.
func (p *Port) Right() Right { return p.right }

// Handle is the sender-local name quoted in wire descriptors.
func (p *Port) Handle() uint32 {
	if p == nil || p.fd < 0 {
		return 0
	}
	return uint32(p.fd)
}

// DupSend mints an additional send right targeting the same queue.
// Duplicating a receive right is refused; receive stays exclusive.
func (p *Port) DupSend() (*Port, error) {
	if p == nil || p.fd < 0 {
		return nil, ErrClosed
	}
	if p.right != RightSend {
		return nil, ErrNotSend
	}
	fd, err := unix.Dup(p.fd)
	if err != nil {
		return nil, fmt.Errorf("port: dup send right: %w", err)
	}
	unix.CloseOnExec(fd)
	return &Port{fd: fd, right: RightSend}, nil
}

// Close releases the underlying descriptor. Closing the last send right
// wakes the receive holder with end-of-file; closing the receive right
// makes every send right report a dead destination.
func (p *Port) Close() error {
	if p == nil || p.fd < 0 {
		return nil
	}
	fd := p.fd
	p.fd = -1
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("port: close: %w", err)
	}
	return nil
}
