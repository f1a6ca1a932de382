package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/portbroker/internal/port"
	"github.com/danmuck/portbroker/internal/protocol/bootmsg"
	"github.com/danmuck/portbroker/internal/timedcall"
)

// StatusRequestLen is header plus encoding marker.
const StatusRequestLen = bootmsg.HeaderLen + bootmsg.NDRLen

var ErrStatusSilent = errors.New("session: status exchange got no reply")

// StatusRequest asks the directory whether the session is open. The
// reply is the plain result shape; success means open.
type StatusRequest struct {
	LocalPort uint32
}

func EncodeStatusRequest(r StatusRequest) []byte {
	buf := make([]byte, 0, StatusRequestLen)
	buf = append(buf, bootmsg.EncodeHeader(bootmsg.Header{
		Bits:      bootmsg.NameRequestBits,
		Size:      StatusRequestLen,
		LocalPort: r.LocalPort,
		MsgID:     MsgSessionStatus,
	})...)
	buf = append(buf, bootmsg.NDR[:]...)
	return buf
}

func DecodeStatusRequest(b []byte) (StatusRequest, error) {
	if len(b) < StatusRequestLen {
		return StatusRequest{}, fmt.Errorf("%w: %d bytes", bootmsg.ErrShortMessage, len(b))
	}
	h, err := bootmsg.DecodeHeader(b)
	if err != nil {
		return StatusRequest{}, err
	}
	if h.MsgID != MsgSessionStatus {
		return StatusRequest{}, fmt.Errorf("%w: message id %d", ErrInvalidRegistration, h.MsgID)
	}
	return StatusRequest{LocalPort: h.LocalPort}, nil
}

// OpenStatus performs the session-open status exchange on the connected
// session. The wait rides the bounded wrapper: a wedged directory yields
// the neutral reply instead of stalling the caller.
func (s *Session) OpenStatus(cfg timedcall.Config) (bootmsg.Reply, bool, error) {
	s.mu.Lock()
	if s.state != StateConnected {
		err := s.failLocked(fmt.Errorf("%w: status in state %s", ErrBadTransition, s.state))
		s.mu.Unlock()
		return bootmsg.Reply{}, false, err
	}
	ch := s.peer
	if s.mode == ModeOriginator {
		ch = s.primary
	}
	s.mu.Unlock()

	if err := ch.Send(EncodeStatusRequest(StatusRequest{LocalPort: ch.Handle()})); err != nil {
		s.mu.Lock()
		_ = s.failLocked(err)
		s.mu.Unlock()
		return bootmsg.Reply{}, false, err
	}

	reply, timedOut, err := timedcall.Do(cfg, MsgSessionStatus, func() (bootmsg.Reply, error) {
		return awaitStatusReply(ch, cfg.Timeout)
	})
	if err != nil {
		s.mu.Lock()
		_ = s.failLocked(err)
		s.mu.Unlock()
	}
	return reply, timedOut, err
}

// awaitStatusReply blocks slightly past the wrapper's deadline so an
// abandoned wait still drains the socket instead of pinning the goroutine.
func awaitStatusReply(ch *port.Port, timeout time.Duration) (bootmsg.Reply, error) {
	if timeout <= 0 {
		timeout = timedcall.DefaultConfig().Timeout
	}
	ok, err := port.PollIn(ch.FD(), timeout+2*time.Second)
	if err != nil {
		return bootmsg.Reply{}, err
	}
	if !ok {
		return bootmsg.Reply{}, ErrStatusSilent
	}
	payload, rights, err := ch.Receive(bootmsg.DefaultLimits().MaxMessageBytes)
	port.CloseAll(rights)
	if err != nil {
		return bootmsg.Reply{}, err
	}
	return bootmsg.DecodeReply(payload)
}
