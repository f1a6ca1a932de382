// Package catalog maps supervisor message identifiers to their wire shapes.
//
// The broker loop validates inbound images against this table before
// dispatch; log events and metrics label operations through it.
package catalog

import (
	"fmt"

	"github.com/danmuck/portbroker/internal/protocol/bootmsg"
)

// Shape is the static contract for one request identifier.
type Shape struct {
	Name       string
	RequestLen int
	// Complex requests carry a capability descriptor and must announce it
	// in the header bits.
	Complex bool
	// PortReply marks operations whose success reply carries a capability.
	PortReply bool
}

// ValidationError reports one request image that violates its shape.
type ValidationError struct {
	MsgID  int32
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("catalog: msg_id=%d: %s", e.MsgID, e.Reason)
}

var shapes = map[int32]Shape{
	bootmsg.MsgCheckIn: {
		Name:       "check_in",
		RequestLen: bootmsg.NameRequestLen,
		PortReply:  true,
	},
	bootmsg.MsgRegister: {
		Name:       "register",
		RequestLen: bootmsg.RegisterRequestLen,
		Complex:    true,
	},
	bootmsg.MsgLookUp: {
		Name:       "look_up",
		RequestLen: bootmsg.NameRequestLen,
		PortReply:  true,
	},
	bootmsg.MsgParent: {
		Name:       "parent",
		RequestLen: bootmsg.HeaderLen,
	},
	bootmsg.MsgSubset: {
		Name:       "subset",
		RequestLen: bootmsg.HeaderLen,
	},
	bootmsg.MsgLegacyRegister: {
		Name:       "register_port",
		RequestLen: bootmsg.LegacyRegisterLen,
		Complex:    true,
	},
	bootmsg.MsgLegacyLookUp: {
		Name:       "lookup_port",
		RequestLen: bootmsg.LegacyNameLen,
		PortReply:  true,
	},
	bootmsg.MsgLegacySpawn: {
		Name:       "spawn_app",
		RequestLen: bootmsg.HeaderLen,
	},
}

// Lookup returns the shape registered for a request identifier.
func Lookup(msgID int32) (Shape, bool) {
	s, ok := shapes[msgID]
	return s, ok
}

// Name labels a message identifier for logs and metrics. Reply identifiers
// resolve through their request. Unknown identifiers stay numeric.
func Name(msgID int32) string {
	if s, ok := shapes[msgID]; ok {
		return s.Name
	}
	if s, ok := shapes[msgID-bootmsg.ReplyOffset]; ok {
		return s.Name + "_reply"
	}
	return fmt.Sprintf("unknown(%d)", msgID)
}

// Validate checks a raw request image against the shape for its identifier.
// Unknown identifiers are reported, not fatal; the broker answers them with
// a bad-id reply.
func Validate(msgID int32, image []byte) error {
	s, ok := shapes[msgID]
	if !ok {
		return ValidationError{MsgID: msgID, Reason: "unknown message id"}
	}
	if len(image) < s.RequestLen {
		return ValidationError{
			MsgID:  msgID,
			Reason: fmt.Sprintf("image shorter than shape: %d < %d", len(image), s.RequestLen),
		}
	}
	if s.Complex {
		h, err := bootmsg.DecodeHeader(image)
		if err != nil {
			return ValidationError{MsgID: msgID, Reason: err.Error()}
		}
		if !h.Complex() {
			return ValidationError{MsgID: msgID, Reason: "capability request without complex bit"}
		}
	}
	return nil
}
