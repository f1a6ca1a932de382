package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/portbroker/internal/port"
	"github.com/danmuck/portbroker/internal/protocol/bootmsg"
)

var (
	ErrWrongMode     = errors.New("session: operation not valid for mode")
	ErrBadTransition = errors.New("session: invalid state transition")
	ErrNoChannel     = errors.New("session: channel missing")
)

// Mode is the handshake role. It never changes after construction.
type Mode uint8

const (
	ModeOriginator Mode = iota + 1
	ModeAcceptor
)

func (m Mode) String() string {
	switch m {
	case ModeOriginator:
		return "originator"
	case ModeAcceptor:
		return "acceptor"
	default:
		return "unknown"
	}
}

// State tracks handshake progress. Transitions only move forward; a
// session that takes an error lands in StateFailed and stays there.
type State uint8

const (
	StateUninitialized State = iota
	StateNotificationsConfigured
	StateRegistered
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateNotificationsConfigured:
		return "notifications-configured"
	case StateRegistered:
		return "registered"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is one handshake attempt. The originator binds directly to
// capabilities obtained via look-up. The acceptor must configure its
// destroy-notification, then register with the directory service, then
// bind; the state machine refuses any other order.
//
// The session owns the channels handed to New and releases them on Close.
type Session struct {
	mode Mode
	name string

	mu        sync.Mutex
	state     State
	primary   *port.Port
	secondary *port.Port
	peer      *port.Port

	onPeerDeath func()
	watch       *deathWatch
}

// New builds a session around its channels. Acceptors hand in their
// receive right as primary and a send right as secondary; originators
// hand in the send right a look-up produced.
func New(mode Mode, name string, primary, secondary *port.Port) *Session {
	return &Session{
		mode:      mode,
		name:      name,
		primary:   primary,
		secondary: secondary,
	}
}

func (s *Session) Mode() Mode { return s.mode }

func (s *Session) Name() string { return s.name }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConfigureNotifications ties the secondary channel's lifetime to the
// primary channel: when the primary's peer goes away, the secondary is
// closed and the callback fires. Acceptors must do this before
// registering; the directory cannot watch a session it already recorded.
func (s *Session) ConfigureNotifications(onPeerDeath func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeAcceptor {
		return s.failLocked(fmt.Errorf("%w: configure notifications as %s", ErrWrongMode, s.mode))
	}
	if s.state != StateUninitialized {
		return s.failLocked(fmt.Errorf("%w: configure notifications in state %s", ErrBadTransition, s.state))
	}
	if s.primary == nil || s.primary.FD() < 0 {
		return s.failLocked(fmt.Errorf("%w: primary", ErrNoChannel))
	}
	if s.secondary == nil || s.secondary.FD() < 0 {
		return s.failLocked(fmt.Errorf("%w: secondary", ErrNoChannel))
	}
	s.onPeerDeath = onPeerDeath
	s.watch = &deathWatch{stop: make(chan struct{}), done: make(chan struct{})}
	go s.runWatch(s.watch, s.primary.FD())
	s.state = StateNotificationsConfigured
	return nil
}

// Register sends the fixed-shape registration image to the directory
// service. A fresh receive right moves with the message and its send
// side becomes the peer channel; the secondary channel contributes a
// duplicated send right.
func (s *Session) Register(dir *port.Port) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeAcceptor {
		return s.failLocked(fmt.Errorf("%w: register as %s", ErrWrongMode, s.mode))
	}
	if s.state != StateNotificationsConfigured {
		return s.failLocked(fmt.Errorf("%w: register in state %s", ErrBadTransition, s.state))
	}
	if dir == nil || dir.FD() < 0 {
		return s.failLocked(fmt.Errorf("%w: directory", ErrNoChannel))
	}

	freshRecv, freshSend, err := port.AllocatePair()
	if err != nil {
		return s.failLocked(err)
	}
	dup, err := s.secondary.DupSend()
	if err != nil {
		freshRecv.Close()
		freshSend.Close()
		return s.failLocked(err)
	}

	reg := Registration{
		Name: s.name,
		Receive: bootmsg.Descriptor{
			Handle:      freshRecv.Handle(),
			Disposition: bootmsg.DispositionMoveReceive,
			Type:        bootmsg.DescriptorTypeCapability,
		},
		Send: bootmsg.Descriptor{
			Handle:      dup.Handle(),
			Disposition: bootmsg.DispositionCopySend,
			Type:        bootmsg.DescriptorTypeCapability,
		},
	}
	if err := reg.Validate(); err != nil {
		freshRecv.Close()
		freshSend.Close()
		dup.Close()
		return s.failLocked(err)
	}
	if err := dir.Send(EncodeRegistration(reg), freshRecv, dup); err != nil {
		freshRecv.Close()
		freshSend.Close()
		dup.Close()
		return s.failLocked(err)
	}
	// Both attached rights now live at the directory; the local copies go.
	freshRecv.Close()
	dup.Close()

	s.peer = freshSend
	s.state = StateRegistered
	return nil
}

// Bind completes the handshake. Originators bind straight from
// uninitialized; acceptors only after registration.
func (s *Session) Bind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.mode {
	case ModeOriginator:
		if s.state != StateUninitialized {
			return s.failLocked(fmt.Errorf("%w: bind in state %s", ErrBadTransition, s.state))
		}
	case ModeAcceptor:
		if s.state != StateRegistered {
			return s.failLocked(fmt.Errorf("%w: bind in state %s", ErrBadTransition, s.state))
		}
	default:
		return s.failLocked(fmt.Errorf("%w: bind without a mode", ErrWrongMode))
	}
	if s.primary == nil || s.primary.FD() < 0 {
		return s.failLocked(fmt.Errorf("%w: primary", ErrNoChannel))
	}
	s.state = StateConnected
	return nil
}

// Close stops the death watch and releases every channel the session
// holds. Safe on a failed or partially built session.
func (s *Session) Close() error {
	s.mu.Lock()
	w := s.watch
	s.watch = nil
	s.mu.Unlock()
	if w != nil {
		close(w.stop)
		<-w.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.primary.Close()
	if e := s.secondary.Close(); err == nil {
		err = e
	}
	if e := s.peer.Close(); err == nil {
		err = e
	}
	return err
}

func (s *Session) failLocked(err error) error {
	s.state = StateFailed
	return err
}

type deathWatch struct {
	stop chan struct{}
	done chan struct{}
}

// runWatch polls the primary channel for peer shutdown. The tick keeps
// the goroutine responsive to Close without a wakeup pipe.
func (s *Session) runWatch(w *deathWatch, fd int) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		default:
		}
		hup, err := port.PollHup(fd, 500*time.Millisecond)
		if err != nil {
			return
		}
		if !hup {
			continue
		}
		select {
		case <-w.stop:
			return
		default:
		}
		s.peerDied()
		return
	}
}

// peerDied enforces the lifetime tie: primary's peer is gone, so the
// secondary and peer channels close now.
func (s *Session) peerDied() {
	s.mu.Lock()
	s.secondary.Close()
	s.peer.Close()
	cb := s.onPeerDeath
	s.mu.Unlock()
	log.Warn().Str("name", s.name).Msg("session primary peer died")
	if cb != nil {
		cb()
	}
}
