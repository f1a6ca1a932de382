package broker

import (
	"github.com/danmuck/portbroker/internal/port"
	"github.com/danmuck/portbroker/internal/protocol/bootmsg"
	"github.com/danmuck/portbroker/internal/protocol/catalog"
	"github.com/rs/zerolog/log"
)

// outcome is one dispatched request's reply and bookkeeping. Rights in
// attach ride the reply; rights in release are closed after the send
// attempt because ownership moved to the peer.
type outcome struct {
	op      string
	result  int32
	image   []byte
	attach  []*port.Port
	release []*port.Port
}

func (s *Server) dispatch(payload []byte, rights []int) outcome {
	h, err := bootmsg.DecodeHeader(payload)
	if err != nil {
		port.CloseAll(rights)
		log.Warn().Err(err).Msg("undecodable datagram dropped")
		return outcome{op: "malformed"}
	}
	op := catalog.Name(h.MsgID)
	if _, known := catalog.Lookup(h.MsgID); !known {
		port.CloseAll(rights)
		log.Warn().Int32("msg_id", h.MsgID).Msg("unknown message id")
		return resultOutcome(op, h, bootmsg.ResultBadID)
	}
	if err := catalog.Validate(h.MsgID, payload); err != nil {
		port.CloseAll(rights)
		log.Warn().Err(err).Str("op", op).Msg("request rejected")
		return resultOutcome(op, h, bootmsg.ResultBadCount)
	}

	switch h.MsgID {
	case bootmsg.MsgCheckIn:
		port.CloseAll(rights)
		r, err := bootmsg.DecodeNameRequest(payload)
		if err != nil {
			return resultOutcome(op, h, bootmsg.ResultBadCount)
		}
		return s.checkIn(op, h, r.Name)
	case bootmsg.MsgRegister:
		r, err := bootmsg.DecodeRegisterRequest(payload)
		if err != nil {
			port.CloseAll(rights)
			return resultOutcome(op, h, bootmsg.ResultBadCount)
		}
		return s.bind(op, h, r.Name, rights)
	case bootmsg.MsgLookUp:
		port.CloseAll(rights)
		r, err := bootmsg.DecodeNameRequest(payload)
		if err != nil {
			return resultOutcome(op, h, bootmsg.ResultBadCount)
		}
		return s.resolve(op, h, r.Name)
	case bootmsg.MsgParent, bootmsg.MsgSubset:
		// One flat context; there is nothing above or below to hand out.
		port.CloseAll(rights)
		return resultOutcome(op, h, bootmsg.ResultInvalidRight)
	case bootmsg.MsgLegacyRegister:
		r, err := bootmsg.DecodeLegacyRegisterRequest(payload)
		if err != nil {
			port.CloseAll(rights)
			return resultOutcome(op, h, bootmsg.ResultBadCount)
		}
		return s.bind(op, h, r.Name, rights)
	case bootmsg.MsgLegacyLookUp:
		port.CloseAll(rights)
		r, err := bootmsg.DecodeLegacyNameRequest(payload)
		if err != nil {
			return resultOutcome(op, h, bootmsg.ResultBadCount)
		}
		return s.resolve(op, h, r.Name)
	case bootmsg.MsgLegacySpawn:
		port.CloseAll(rights)
		return resultOutcome(op, h, bootmsg.ResultNotSupported)
	}
	port.CloseAll(rights)
	return resultOutcome(op, h, bootmsg.ResultBadID)
}

// checkIn claims a name for the calling service and hands back the
// receive side. Pre-provisioned names hand out the broker's retained
// receive side every time, so repeat claimants converge on one queue.
func (s *Server) checkIn(op string, h bootmsg.Header, name string) outcome {
	if !isValidName(name) {
		log.Warn().Str("service", name).Msg("check-in with malformed name")
		return resultOutcome(op, h, bootmsg.ResultNotPrivileged)
	}
	if e, ok := s.reg.Get(name); ok {
		switch {
		case e.PreProvisioned:
			e.CheckedIn = true
			log.Info().Str("service", name).Msg("pre-provisioned check-in")
			return portOutcome(op, h, e.recv, bootmsg.DispositionMoveReceive, false)
		case e.CheckedIn:
			return resultOutcome(op, h, bootmsg.ResultServiceActive)
		default:
			return resultOutcome(op, h, bootmsg.ResultNameInUse)
		}
	}
	recv, err := s.reg.CheckInFresh(name)
	if err != nil {
		log.Error().Err(err).Str("service", name).Msg("capability allocation failed")
		return resultOutcome(op, h, bootmsg.ResultNoMemory)
	}
	log.Info().Str("service", name).Msg("checked in")
	return portOutcome(op, h, recv, bootmsg.DispositionMoveReceive, true)
}

// bind stores a send right under a name. Last writer wins; a displaced
// binding is released by the registry.
func (s *Server) bind(op string, h bootmsg.Header, name string, rights []int) outcome {
	if len(rights) == 0 {
		log.Warn().Str("service", name).Msg("register without attached right")
		return resultOutcome(op, h, bootmsg.ResultBadCount)
	}
	send := port.FromFD(rights[0], port.RightSend)
	port.CloseAll(rights[1:])
	if !isValidName(name) {
		send.Close()
		log.Warn().Str("service", name).Msg("register with malformed name")
		return resultOutcome(op, h, bootmsg.ResultNotPrivileged)
	}
	s.reg.Register(name, send)
	log.Info().Str("service", name).Uint32("handle", send.Handle()).Msg("registered")
	return resultOutcome(op, h, bootmsg.ResultSuccess)
}

// resolve answers a look-up from the retained send rights.
func (s *Server) resolve(op string, h bootmsg.Header, name string) outcome {
	send, ok := s.reg.Resolve(name)
	if !ok {
		log.Debug().Str("service", name).Msg("look-up miss")
		return resultOutcome(op, h, bootmsg.ResultUnknownService)
	}
	log.Debug().Str("service", name).Msg("look-up hit")
	return portOutcome(op, h, send, bootmsg.DispositionCopySend, false)
}

func portOutcome(op string, h bootmsg.Header, p *port.Port, disposition uint8, release bool) outcome {
	rep := bootmsg.NewPortReply(h.LocalPort, h.MsgID, bootmsg.Descriptor{
		Handle:      p.Handle(),
		Disposition: disposition,
		Type:        bootmsg.DescriptorTypeCapability,
	})
	out := outcome{
		op:     op,
		result: bootmsg.ResultSuccess,
		image:  bootmsg.EncodeReply(rep),
		attach: []*port.Port{p},
	}
	if release {
		out.release = []*port.Port{p}
	}
	return out
}

func resultOutcome(op string, h bootmsg.Header, code int32) outcome {
	rep := bootmsg.NewErrorReply(h.LocalPort, h.MsgID, code)
	return outcome{
		op:     op,
		result: code,
		image:  bootmsg.EncodeReply(rep),
	}
}
