package port

import (
	"errors"
	"fmt"

	"github.com/xyproto/env/v2"
	"golang.org/x/sys/unix"
)

// SlotEnv names the broker endpoint for every process in the tree.
// It is consulted again on each call, never cached, so a supervisor
// can re-point children that start before the broker settles.
const SlotEnv = "PORTBROKER_SOCKET"

// ErrSlotUnset reports a process launched outside any broker tree.
var ErrSlotUnset = errors.New("port: broker slot not set")

// Slot reads the current broker endpoint from the environment.
func Slot() string {
	return env.Str(SlotEnv, "")
}

// SlotAssignment renders the environment entry a supervisor hands to
// children so their slot resolves to path.
func SlotAssignment(path string) string {
	return SlotEnv + "=" + path
}

// DialSlot connects to whatever the slot names at this instant.
func DialSlot() (*Port, error) {
	path := Slot()
	if path == "" {
		return nil, ErrSlotUnset
	}
	return Dial(path)
}

// Dial opens a connection to the broker at path. Connection sockets are
// bidirectional; the right kind records the holder's use as a send right
// targeting the broker's queue.
func Dial(path string) (*Port, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("port: dial %s: %w", path, err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("port: dial %s: %w", path, err)
	}
	return &Port{fd: fd, right: RightSend}, nil
}

// Listen binds the broker's well-known endpoint, replacing any stale
// socket left by a previous run.
func Listen(path string) (*Port, error) {
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return nil, fmt.Errorf("port: unlink stale socket %s: %w", path, err)
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("port: listen %s: %w", path, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("port: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("port: listen %s: %w", path, err)
	}
	return &Port{fd: fd, right: RightReceive}, nil
}

// Accept takes the next client connection off a listening endpoint.
func (p *Port) Accept() (*Port, error) {
	if p == nil || p.fd < 0 {
		return nil, ErrClosed
	}
	if p.right != RightReceive {
		return nil, ErrNotReceive
	}
	fd, _, err := unix.Accept4(p.fd, unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("port: accept: %w", err)
	}
	return &Port{fd: fd, right: RightSend}, nil
}
