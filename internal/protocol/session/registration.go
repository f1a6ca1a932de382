package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/portbroker/internal/protocol/bootmsg"
)

// Message identifiers for the directory-service subsystem. Distinct from
// the supervisor's 400 range; the directory speaks the same header dialect.
const (
	MsgSessionRegister int32 = 7000
	MsgSessionStatus   int32 = 7001
)

// RegistrationLen is the fixed size of the registration image: header,
// descriptor count, two descriptors, encoding marker, name field.
const RegistrationLen = bootmsg.HeaderLen + bootmsg.BodyLen +
	2*bootmsg.DescriptorLen + bootmsg.NDRLen + bootmsg.NameLen

var ErrInvalidRegistration = errors.New("session: invalid registration")

// Registration is the fixed-shape message an acceptor sends to the
// directory service before binding. It describes both session channels:
// a freshly granted receive right that moves with the message, and a
// duplicated send right for the secondary channel.
type Registration struct {
	Name    string
	Receive bootmsg.Descriptor
	Send    bootmsg.Descriptor
}

func (r Registration) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidRegistration)
	}
	if len(r.Name) >= bootmsg.NameLen {
		return fmt.Errorf("%w: name exceeds field width", ErrInvalidRegistration)
	}
	if r.Receive.Handle == 0 {
		return fmt.Errorf("%w: missing receive handle", ErrInvalidRegistration)
	}
	if r.Receive.Disposition != bootmsg.DispositionMoveReceive {
		return fmt.Errorf("%w: receive channel must move", ErrInvalidRegistration)
	}
	if r.Send.Handle == 0 {
		return fmt.Errorf("%w: missing send handle", ErrInvalidRegistration)
	}
	if r.Send.Disposition != bootmsg.DispositionCopySend {
		return fmt.Errorf("%w: send channel must copy", ErrInvalidRegistration)
	}
	return nil
}

// EncodeRegistration renders the fixed image. The receive descriptor
// always precedes the send descriptor.
func EncodeRegistration(r Registration) []byte {
	buf := make([]byte, 0, RegistrationLen)
	buf = append(buf, bootmsg.EncodeHeader(bootmsg.Header{
		Bits:  bootmsg.BitsComplex | bootmsg.NameRequestBits,
		Size:  RegistrationLen,
		MsgID: MsgSessionRegister,
	})...)
	var count [4]byte
	count[0] = 2
	buf = append(buf, count[:]...)
	buf = append(buf, bootmsg.EncodeDescriptor(r.Receive)...)
	buf = append(buf, bootmsg.EncodeDescriptor(r.Send)...)
	buf = append(buf, bootmsg.NDR[:]...)
	buf = append(buf, bootmsg.EncodeNameField(r.Name)...)
	return buf
}

// DecodeRegistration parses the fixed image and validates it.
func DecodeRegistration(b []byte) (Registration, error) {
	if len(b) < RegistrationLen {
		return Registration{}, fmt.Errorf("%w: %d bytes", bootmsg.ErrShortMessage, len(b))
	}
	h, err := bootmsg.DecodeHeader(b)
	if err != nil {
		return Registration{}, err
	}
	if h.MsgID != MsgSessionRegister {
		return Registration{}, fmt.Errorf("%w: message id %d", ErrInvalidRegistration, h.MsgID)
	}
	if !h.Complex() {
		return Registration{}, fmt.Errorf("%w: missing capability bit", ErrInvalidRegistration)
	}
	off := bootmsg.HeaderLen
	if count := b[off]; count != 2 {
		return Registration{}, fmt.Errorf("%w: descriptor count %d", ErrInvalidRegistration, count)
	}
	off += bootmsg.BodyLen
	recv, err := bootmsg.DecodeDescriptor(b[off:])
	if err != nil {
		return Registration{}, err
	}
	off += bootmsg.DescriptorLen
	send, err := bootmsg.DecodeDescriptor(b[off:])
	if err != nil {
		return Registration{}, err
	}
	off += bootmsg.DescriptorLen + bootmsg.NDRLen
	name, err := bootmsg.DecodeNameField(b[off:])
	if err != nil {
		return Registration{}, err
	}
	r := Registration{Name: name, Receive: recv, Send: send}
	if err := r.Validate(); err != nil {
		return Registration{}, err
	}
	return r, nil
}
