package bootmsg

import "fmt"

// NameRequest is the name-only request image (check-in, look-up): header +
// NDR + 128-byte name, 160 bytes.
type NameRequest struct {
	Header Header
	Name   string
}

// RegisterRequest is the name+capability request image: header + descriptor
// body + descriptor + NDR + name, 176 bytes.
type RegisterRequest struct {
	Header     Header
	Capability Descriptor
	Name       string
}

// LegacyNameRequest is the length-prefixed look-up form (id 701) used by the
// older in-tree peers: header + NDR + name_len + name, 164 bytes.
type LegacyNameRequest struct {
	Header Header
	Name   string
}

// LegacyRegisterRequest is the length-prefixed register form (id 700):
// header + body + descriptor + NDR + name_len + name, 180 bytes.
type LegacyRegisterRequest struct {
	Header     Header
	Capability Descriptor
	Name       string
}

func EncodeNameRequest(r NameRequest) []byte {
	buf := make([]byte, NameRequestLen)
	h := r.Header
	h.Size = NameRequestLen
	putHeader(buf[0:HeaderLen], h)
	copy(buf[HeaderLen:HeaderLen+NDRLen], NDR[:])
	putName(buf[HeaderLen+NDRLen:], r.Name)
	return buf
}

func DecodeNameRequest(b []byte) (NameRequest, error) {
	if len(b) < NameRequestLen {
		return NameRequest{}, fmt.Errorf("%w: name request needs %d bytes, got %d", ErrShortMessage, NameRequestLen, len(b))
	}
	h, err := DecodeHeader(b)
	if err != nil {
		return NameRequest{}, err
	}
	return NameRequest{
		Header: h,
		Name:   parseName(b[HeaderLen+NDRLen:]),
	}, nil
}

func EncodeRegisterRequest(r RegisterRequest) []byte {
	buf := make([]byte, RegisterRequestLen)
	h := r.Header
	h.Size = RegisterRequestLen
	h.Bits |= BitsComplex
	putHeader(buf[0:HeaderLen], h)
	putUint32(buf[HeaderLen:], 1)
	putDescriptor(buf[HeaderLen+BodyLen:], r.Capability)
	copy(buf[HeaderLen+BodyLen+DescriptorLen:], NDR[:])
	putName(buf[HeaderLen+BodyLen+DescriptorLen+NDRLen:], r.Name)
	return buf
}

func DecodeRegisterRequest(b []byte) (RegisterRequest, error) {
	if len(b) < RegisterRequestLen {
		return RegisterRequest{}, fmt.Errorf("%w: register request needs %d bytes, got %d", ErrShortMessage, RegisterRequestLen, len(b))
	}
	h, err := DecodeHeader(b)
	if err != nil {
		return RegisterRequest{}, err
	}
	if count := parseUint32(b[HeaderLen:]); count != 1 {
		return RegisterRequest{}, fmt.Errorf("%w: got %d", ErrBadDescriptorCount, count)
	}
	return RegisterRequest{
		Header:     h,
		Capability: parseDescriptor(b[HeaderLen+BodyLen:]),
		Name:       parseName(b[HeaderLen+BodyLen+DescriptorLen+NDRLen:]),
	}, nil
}

func EncodeLegacyNameRequest(r LegacyNameRequest) []byte {
	buf := make([]byte, LegacyNameLen)
	h := r.Header
	h.Size = LegacyNameLen
	putHeader(buf[0:HeaderLen], h)
	copy(buf[HeaderLen:], NDR[:])
	putUint32(buf[HeaderLen+NDRLen:], legacyNameLen(r.Name))
	putName(buf[HeaderLen+NDRLen+4:], r.Name)
	return buf
}

func DecodeLegacyNameRequest(b []byte) (LegacyNameRequest, error) {
	if len(b) < LegacyNameLen {
		return LegacyNameRequest{}, fmt.Errorf("%w: legacy look-up needs %d bytes, got %d", ErrShortMessage, LegacyNameLen, len(b))
	}
	h, err := DecodeHeader(b)
	if err != nil {
		return LegacyNameRequest{}, err
	}
	return LegacyNameRequest{
		Header: h,
		Name:   parsePrefixedName(b[HeaderLen+NDRLen:]),
	}, nil
}

func EncodeLegacyRegisterRequest(r LegacyRegisterRequest) []byte {
	buf := make([]byte, LegacyRegisterLen)
	h := r.Header
	h.Size = LegacyRegisterLen
	h.Bits |= BitsComplex
	putHeader(buf[0:HeaderLen], h)
	putUint32(buf[HeaderLen:], 1)
	putDescriptor(buf[HeaderLen+BodyLen:], r.Capability)
	copy(buf[HeaderLen+BodyLen+DescriptorLen:], NDR[:])
	putUint32(buf[HeaderLen+BodyLen+DescriptorLen+NDRLen:], legacyNameLen(r.Name))
	putName(buf[HeaderLen+BodyLen+DescriptorLen+NDRLen+4:], r.Name)
	return buf
}

func DecodeLegacyRegisterRequest(b []byte) (LegacyRegisterRequest, error) {
	if len(b) < LegacyRegisterLen {
		return LegacyRegisterRequest{}, fmt.Errorf("%w: legacy register needs %d bytes, got %d", ErrShortMessage, LegacyRegisterLen, len(b))
	}
	h, err := DecodeHeader(b)
	if err != nil {
		return LegacyRegisterRequest{}, err
	}
	if count := parseUint32(b[HeaderLen:]); count != 1 {
		return LegacyRegisterRequest{}, fmt.Errorf("%w: got %d", ErrBadDescriptorCount, count)
	}
	return LegacyRegisterRequest{
		Header:     h,
		Capability: parseDescriptor(b[HeaderLen+BodyLen:]),
		Name:       parsePrefixedName(b[HeaderLen+BodyLen+DescriptorLen+NDRLen:]),
	}, nil
}

// parsePrefixedName reads a name_len prefix followed by a NameLen field.
// Oversized prefixes are clamped, matching the legacy reader.
func parsePrefixedName(b []byte) string {
	n := parseUint32(b)
	if n >= NameLen {
		n = NameLen - 1
	}
	field := b[4 : 4+NameLen]
	for i := uint32(0); i < n; i++ {
		if field[i] == 0 {
			return string(field[:i])
		}
	}
	return string(field[:n])
}

func legacyNameLen(name string) uint32 {
	if len(name) >= NameLen {
		return NameLen - 1
	}
	return uint32(len(name))
}
