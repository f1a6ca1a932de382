package bootmsg

import "fmt"

// Reply is either reply shape. The complex bit of the header is the
// discriminant: complex replies carry a capability, plain replies a result
// code.
type Reply struct {
	Header     Header
	Capability Descriptor
	Result     int32
}

// Complex reports whether the reply carries a capability.
func (r Reply) Complex() bool {
	return r.Header.Complex()
}

// NewPortReply builds a capability-bearing success reply for a request id.
func NewPortReply(remotePort uint32, requestID int32, cap Descriptor) Reply {
	return Reply{
		Header: Header{
			Bits:       PortReplyBits,
			Size:       PortReplyLen,
			RemotePort: remotePort,
			MsgID:      requestID + ReplyOffset,
		},
		Capability: cap,
	}
}

// NewErrorReply builds a result-code reply for a request id.
func NewErrorReply(remotePort uint32, requestID int32, result int32) Reply {
	return Reply{
		Header: Header{
			Bits:       ErrorReplyBits,
			Size:       ErrorReplyLen,
			RemotePort: remotePort,
			MsgID:      requestID + ReplyOffset,
		},
		Result: result,
	}
}

func EncodeReply(r Reply) []byte {
	if r.Complex() {
		buf := make([]byte, PortReplyLen)
		h := r.Header
		h.Size = PortReplyLen
		putHeader(buf[0:HeaderLen], h)
		putUint32(buf[HeaderLen:], 1)
		putDescriptor(buf[HeaderLen+BodyLen:], r.Capability)
		return buf
	}
	buf := make([]byte, ErrorReplyLen)
	h := r.Header
	h.Size = ErrorReplyLen
	putHeader(buf[0:HeaderLen], h)
	copy(buf[HeaderLen:], NDR[:])
	putUint32(buf[HeaderLen+NDRLen:], uint32(r.Result))
	return buf
}

func DecodeReply(b []byte) (Reply, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Reply{}, err
	}
	if h.Complex() {
		if len(b) < PortReplyLen {
			return Reply{}, fmt.Errorf("%w: port reply needs %d bytes, got %d", ErrShortMessage, PortReplyLen, len(b))
		}
		if count := parseUint32(b[HeaderLen:]); count != 1 {
			return Reply{}, fmt.Errorf("%w: got %d", ErrBadDescriptorCount, count)
		}
		return Reply{
			Header:     h,
			Capability: parseDescriptor(b[HeaderLen+BodyLen:]),
		}, nil
	}
	if len(b) < ErrorReplyLen {
		return Reply{}, fmt.Errorf("%w: error reply needs %d bytes, got %d", ErrShortMessage, ErrorReplyLen, len(b))
	}
	return Reply{
		Header: h,
		Result: int32(parseUint32(b[HeaderLen+NDRLen:])),
	}, nil
}
