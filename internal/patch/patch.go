// Package patch redirects entry points inside loaded code modules by
// writing absolute-jump sequences over them.
//
// Ownership boundary:
//   - owns jump encodings and the applied-record bookkeeping
//   - owns page protection changes around each write
//   - never resolves symbols; callers hand in resolved addresses
package patch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"
)

var (
	ErrProtectionDenied = errors.New("patch: protection change denied")
	ErrBadArch          = errors.New("patch: unsupported architecture")
	ErrZeroTarget       = errors.New("patch: zero target address")
)

// Arch selects the jump encoding.
type Arch string

const (
	ArchAMD64 Arch = "amd64"
	ArchARM64 Arch = "arm64"
)

// HostArch is the running process's architecture.
func HostArch() Arch {
	return Arch(runtime.GOARCH)
}

// JumpLen is the byte length of the jump sequence for arch.
func JumpLen(arch Arch) (int, error) {
	switch arch {
	case ArchAMD64:
		return 12, nil
	case ArchARM64:
		return 16, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrBadArch, arch)
}

// EncodeJump emits the unconditional jump-to-address sequence for arch.
// amd64: movabs rax, to; jmp rax. arm64: ldr x16, #8; br x16; .quad to.
func EncodeJump(arch Arch, to uint64) ([]byte, error) {
	switch arch {
	case ArchAMD64:
		buf := make([]byte, 12)
		buf[0] = 0x48
		buf[1] = 0xB8
		binary.LittleEndian.PutUint64(buf[2:10], to)
		buf[10] = 0xFF
		buf[11] = 0xE0
		return buf, nil
	case ArchARM64:
		buf := make([]byte, 16)
		binary.LittleEndian.PutUint32(buf[0:4], 0x58000050)
		binary.LittleEndian.PutUint32(buf[4:8], 0xD61F0200)
		binary.LittleEndian.PutUint64(buf[8:16], to)
		return buf, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrBadArch, arch)
}

// Memory is the mutable code-memory surface a patch applies through.
type Memory interface {
	Read(addr uint64, n int) ([]byte, error)
	Protect(addr uint64, n int, prot int) error
	Write(addr uint64, b []byte) error
	Flush(addr uint64, n int) error
}

// Record is one trampoline: a target entry point redirected to a
// replacement address. One record per symbol per process lifetime.
type Record struct {
	Symbol      string
	Target      uint64
	Replacement uint64
	Saved       []byte

	applied bool
}

func NewRecord(symbol string, target, replacement uint64) *Record {
	return &Record{Symbol: symbol, Target: target, Replacement: replacement}
}

func (r *Record) Applied() bool {
	return r.applied
}

// Apply writes the jump over the target. Idempotent: an applied record is a
// no-op. A failed apply leaves the original entry point intact.
func (r *Record) Apply(arch Arch, mem Memory) error {
	if r.applied {
		return nil
	}
	if r.Target == 0 {
		return fmt.Errorf("%w: %s", ErrZeroTarget, r.Symbol)
	}
	jump, err := EncodeJump(arch, r.Replacement)
	if err != nil {
		return err
	}
	saved, err := mem.Read(r.Target, len(jump))
	if err != nil {
		return err
	}
	if err := mem.Protect(r.Target, len(jump), ProtRWX); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProtectionDenied, r.Symbol, err)
	}
	if err := mem.Write(r.Target, jump); err != nil {
		if perr := mem.Protect(r.Target, len(jump), ProtRX); perr != nil {
			log.Warn().Err(perr).Str("symbol", r.Symbol).Msg("protection restore failed")
		}
		return err
	}
	if err := mem.Protect(r.Target, len(jump), ProtRX); err != nil {
		log.Warn().Err(err).Str("symbol", r.Symbol).Msg("protection restore failed")
	}
	if err := mem.Flush(r.Target, len(jump)); err != nil {
		log.Warn().Err(err).Str("symbol", r.Symbol).Msg("icache flush failed")
	}
	r.Saved = saved
	r.applied = true
	log.Debug().
		Str("symbol", r.Symbol).
		Uint64("target", r.Target).
		Uint64("replacement", r.Replacement).
		Msg("trampoline applied")
	return nil
}
