package port

import (
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTruncated reports a datagram larger than the receive buffer. The
// kernel drops the tail of a seqpacket record, so the message is lost.
var ErrTruncated = errors.New("port: datagram truncated")

// maxInlineRights bounds the capabilities accepted in one datagram's
// ancillary payload. The wire protocol never carries more than one.
const maxInlineRights = 8

// Send writes one datagram on fd, attaching each capability out of band.
// The in-band descriptor block names handles; the rights themselves ride
// in ancillary data and surface at the peer as fresh descriptors.
func Send(fd int, payload []byte, caps ...*Port) error {
	var oob []byte
	if len(caps) > 0 {
		fds := make([]int, len(caps))
		for i, c := range caps {
			if c == nil || c.fd < 0 {
				return ErrClosed
			}
			fds[i] = c.fd
		}
		oob = unix.UnixRights(fds...)
	}
	err := unix.Sendmsg(fd, payload, oob, nil, unix.MSG_NOSIGNAL)
	if err != nil {
		if isDeadPeer(err) {
			return fmt.Errorf("%w: %v", ErrDestinationInvalid, err)
		}
		return fmt.Errorf("port: send: %w", err)
	}
	return nil
}

// Receive reads one datagram of at most maxBytes from fd. Any
// capabilities attached by the peer are returned as raw descriptors;
// the caller assigns right kinds from the wire dispositions. A closed
// peer surfaces as io.EOF.
func Receive(fd int, maxBytes int) (payload []byte, rights []int, err error) {
	buf := make([]byte, maxBytes)
	oob := make([]byte, unix.CmsgSpace(4*maxInlineRights))
	n, oobn, flags, _, err := unix.Recvmsg(fd, buf, oob, unix.MSG_CMSG_CLOEXEC)
	if err != nil {
		return nil, nil, fmt.Errorf("port: receive: %w", err)
	}
	if n == 0 && oobn == 0 {
		return nil, nil, io.EOF
	}
	if flags&unix.MSG_TRUNC != 0 {
		closeAncillary(oob[:oobn])
		return nil, nil, ErrTruncated
	}
	rights, err = parseRights(oob[:oobn])
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], rights, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("port: parse ancillary: %w", err)
	}
	var rights []int
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		rights = append(rights, fds...)
	}
	return rights, nil
}

// closeAncillary releases rights attached to a datagram we are about to
// drop. Leaking them would pin the peer's queues open forever.
func closeAncillary(oob []byte) {
	fds, err := parseRights(oob)
	if err != nil {
		return
	}
	CloseAll(fds)
}

// CloseAll releases raw descriptors the caller is not going to keep.
func CloseAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// PollIn waits until fd is readable or the timeout elapses. A negative
// fd reports an error rather than poll's silent never-ready treatment.
func PollIn(fd int, timeout time.Duration) (bool, error) {
	if fd < 0 {
		return false, ErrClosed
	}
	deadline := time.Now().Add(timeout)
	for {
		ms := int(time.Until(deadline).Milliseconds())
		if ms < 0 {
			ms = 0
		}
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, ms)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return false, fmt.Errorf("port: poll: %w", err)
		}
		return n > 0, nil
	}
}

// PollHup waits until fd reports peer shutdown or the timeout elapses.
// Plain readability does not count; only hangup and error conditions do.
func PollHup(fd int, timeout time.Duration) (bool, error) {
	if fd < 0 {
		return false, ErrClosed
	}
	deadline := time.Now().Add(timeout)
	for {
		ms := int(time.Until(deadline).Milliseconds())
		if ms < 0 {
			ms = 0
		}
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLRDHUP}}
		n, err := unix.Poll(pfd, ms)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return false, fmt.Errorf("port: poll: %w", err)
		}
		if n == 0 {
			return false, nil
		}
		dead := unix.POLLRDHUP | unix.POLLHUP | unix.POLLERR | unix.POLLNVAL
		return pfd[0].Revents&int16(dead) != 0, nil
	}
}

func isDeadPeer(err error) bool {
	return errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.ECONNREFUSED) ||
		errors.Is(err, unix.ENOTCONN)
}

// Send writes one datagram on the port's descriptor.
func (p *Port) Send(payload []byte, caps ...*Port) error {
	if p == nil || p.fd < 0 {
		return ErrClosed
	}
	return Send(p.fd, payload, caps...)
}

// Receive reads one datagram from the port's descriptor.
func (p *Port) Receive(maxBytes int) ([]byte, []int, error) {
	if p == nil || p.fd < 0 {
		return nil, nil, ErrClosed
	}
	return Receive(p.fd, maxBytes)
}
