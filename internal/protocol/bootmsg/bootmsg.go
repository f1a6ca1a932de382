package bootmsg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderLen     = 24
	NDRLen        = 8
	NameLen       = 128
	BodyLen       = 4
	DescriptorLen = 12

	NameRequestLen     = HeaderLen + NDRLen + NameLen                                  // 160
	RegisterRequestLen = HeaderLen + BodyLen + DescriptorLen + NDRLen + NameLen        // 176
	PortReplyLen       = HeaderLen + BodyLen + DescriptorLen                           // 40
	ErrorReplyLen      = HeaderLen + NDRLen + 4                                        // 36
	LegacyNameLen      = HeaderLen + NDRLen + 4 + NameLen                              // 164
	LegacyRegisterLen  = HeaderLen + BodyLen + DescriptorLen + NDRLen + 4 + NameLen    // 180
)

// Message identifiers: supervisor subsystem 400 plus the legacy 700 range.
const (
	MsgCheckIn  int32 = 402
	MsgRegister int32 = 403
	MsgLookUp   int32 = 404
	MsgParent   int32 = 406
	MsgSubset   int32 = 409

	MsgLegacyRegister int32 = 700
	MsgLegacyLookUp   int32 = 701
	MsgLegacySpawn    int32 = 702

	// ReplyOffset pairs a reply with its request: reply id = request id + 100.
	// Used for log correlation only, never for protocol correctness.
	ReplyOffset int32 = 100
)

// Result codes carried by error replies.
const (
	ResultSuccess        int32 = 0
	ResultNotPrivileged  int32 = 1100
	ResultNameInUse      int32 = 1101
	ResultUnknownService int32 = 1102
	ResultServiceActive  int32 = 1103
	ResultBadCount       int32 = 1104
	ResultNoMemory       int32 = 1105

	ResultInvalidRight int32 = 17
	ResultNotSupported int32 = 46
	ResultBadID        int32 = -303
)

// Capability dispositions and the descriptor type tag.
const (
	DispositionMoveReceive  uint8 = 16
	DispositionMoveSend     uint8 = 17
	DispositionMoveSendOnce uint8 = 18
	DispositionCopySend     uint8 = 19
	DispositionMakeSend     uint8 = 20
	DispositionMakeSendOnce uint8 = 21

	DescriptorTypeCapability uint8 = 0
)

// BitsComplex marks a message that carries capability descriptors. It is the
// discriminant between the two reply shapes.
const BitsComplex uint32 = 0x80000000

// Canonical header bits emitted by the legacy peers.
const (
	NameRequestBits     = uint32(DispositionCopySend) | uint32(DispositionMakeSendOnce)<<8
	RegisterRequestBits = BitsComplex | NameRequestBits
	PortReplyBits       = BitsComplex | uint32(DispositionMoveSendOnce)
	ErrorReplyBits      = uint32(DispositionMoveSendOnce)
)

var (
	ErrShortMessage       = errors.New("bootmsg: message shorter than its shape")
	ErrMessageTooLarge    = errors.New("bootmsg: message exceeds receive limit")
	ErrBadDescriptorCount = errors.New("bootmsg: descriptor count must be 1")
	ErrNameTooLong        = errors.New("bootmsg: name exceeds field width")
)

// NDR is the 8-byte opaque encoding marker every name-bearing image carries.
// Byte 4 flags little-endian integer representation.
var NDR = [NDRLen]byte{0, 0, 0, 0, 1, 0, 0, 0}

// Bits packs remote and local disposition bits the way the legacy header does.
func Bits(remote, local uint8) uint32 {
	return uint32(remote) | uint32(local)<<8
}

// Header is the fixed 24-byte preamble shared by every image.
type Header struct {
	Bits        uint32
	Size        uint32
	RemotePort  uint32
	LocalPort   uint32
	VoucherPort uint32
	MsgID       int32
}

// Complex reports whether the header announces attached capabilities.
func (h Header) Complex() bool {
	return h.Bits&BitsComplex != 0
}

// Descriptor is the 12-byte in-payload capability descriptor. Handle is the
// sender-local number; the transferred capability itself rides out of band.
type Descriptor struct {
	Handle      uint32
	Disposition uint8
	Type        uint8
}

// Limits constrains decode memory use. The legacy broker receives into a
// fixed 4 KiB buffer; the default mirrors that.
type Limits struct {
	MaxMessageBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxMessageBytes: 4096}
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	putHeader(buf, h)
	return buf
}

func putHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Bits)
	binary.LittleEndian.PutUint32(buf[4:8], h.Size)
	binary.LittleEndian.PutUint32(buf[8:12], h.RemotePort)
	binary.LittleEndian.PutUint32(buf[12:16], h.LocalPort)
	binary.LittleEndian.PutUint32(buf[16:20], h.VoucherPort)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.MsgID))
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(b))
	}
	return Header{
		Bits:        binary.LittleEndian.Uint32(b[0:4]),
		Size:        binary.LittleEndian.Uint32(b[4:8]),
		RemotePort:  binary.LittleEndian.Uint32(b[8:12]),
		LocalPort:   binary.LittleEndian.Uint32(b[12:16]),
		VoucherPort: binary.LittleEndian.Uint32(b[16:20]),
		MsgID:       int32(binary.LittleEndian.Uint32(b[20:24])),
	}, nil
}

// EncodeDescriptor renders the 12-byte descriptor shape on its own, for
// messages outside this subsystem that carry the same capability block.
func EncodeDescriptor(d Descriptor) []byte {
	buf := make([]byte, DescriptorLen)
	putDescriptor(buf, d)
	return buf
}

// DecodeDescriptor parses a single 12-byte descriptor.
func DecodeDescriptor(b []byte) (Descriptor, error) {
	if len(b) < DescriptorLen {
		return Descriptor{}, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(b))
	}
	return parseDescriptor(b), nil
}

// EncodeNameField renders a name into a fresh NameLen field, NUL-padded
// with silent truncation.
func EncodeNameField(name string) []byte {
	buf := make([]byte, NameLen)
	putName(buf, name)
	return buf
}

// DecodeNameField reads a NameLen field.
func DecodeNameField(b []byte) (string, error) {
	if len(b) < NameLen {
		return "", fmt.Errorf("%w: %d bytes", ErrShortMessage, len(b))
	}
	return parseName(b), nil
}

func putUint32(buf []byte, v uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], v)
}

func parseUint32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b[0:4])
}

func putDescriptor(buf []byte, d Descriptor) {
	binary.LittleEndian.PutUint32(buf[0:4], d.Handle)
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	buf[8] = 0
	buf[9] = 0
	buf[10] = d.Disposition
	buf[11] = d.Type
}

func parseDescriptor(b []byte) Descriptor {
	return Descriptor{
		Handle:      binary.LittleEndian.Uint32(b[0:4]),
		Disposition: b[10],
		Type:        b[11],
	}
}

// putName writes name into a NameLen field, NUL-padded. Longer names are
// truncated silently, matching the legacy writer.
func putName(buf []byte, name string) {
	n := copy(buf[:NameLen], name)
	for i := n; i < NameLen; i++ {
		buf[i] = 0
	}
}

// parseName reads a NameLen field. The final byte is always treated as NUL,
// matching the legacy reader.
func parseName(b []byte) string {
	field := b[:NameLen]
	for i := 0; i < NameLen-1; i++ {
		if field[i] == 0 {
			return string(field[:i])
		}
	}
	return string(field[:NameLen-1])
}
