package interpose

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/portbroker/internal/symtab"
)

var ErrUnsupportedMachine = errors.New("interpose: unsupported machine")

// relaEntrySize is the size of one Elf64_Rela record.
const relaEntrySize = 24

// jumpSlotType maps an ELF machine to its jump-slot relocation type.
func jumpSlotType(machine elf.Machine) (uint32, error) {
	switch machine {
	case elf.EM_X86_64:
		return uint32(elf.R_X86_64_JMP_SLOT), nil
	case elf.EM_AARCH64:
		return uint32(elf.R_AARCH64_JUMP_SLOT), nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedMachine, machine)
	}
}

// findJumpSlot scans raw Elf64_Rela records for a jump-slot relocation whose
// dynamic symbol matches the name. The symbol index in r_info is one-based
// relative to dyns because the null entry is not part of the slice.
func findJumpSlot(data []byte, dyns []elf.Symbol, want uint32, symbol string) (uint64, bool) {
	for off := 0; off+relaEntrySize <= len(data); off += relaEntrySize {
		info := binary.LittleEndian.Uint64(data[off+8:])
		if uint32(info) != want {
			continue
		}
		idx := uint32(info >> 32)
		if idx == 0 || int(idx) > len(dyns) {
			continue
		}
		name := dyns[idx-1].Name
		if name == symbol || name == "_"+symbol {
			return binary.LittleEndian.Uint64(data[off:]), true
		}
	}
	return 0, false
}

// GOTSlot returns the absolute address of the module's jump slot for the
// symbol. Binaries linked with full relro keep jump slots in .rela.dyn, so
// that section is scanned when .rela.plt has no match.
func GOTSlot(m symtab.Module, symbol string) (uint64, bool, error) {
	f, err := elf.Open(m.Path)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	want, err := jumpSlotType(f.Machine)
	if err != nil {
		return 0, false, err
	}
	dyns, err := f.DynamicSymbols()
	if err != nil {
		return 0, false, err
	}
	for _, name := range []string{".rela.plt", ".rela.dyn"} {
		sec := f.Section(name)
		if sec == nil {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return 0, false, err
		}
		if off, ok := findJumpSlot(data, dyns, want, symbol); ok {
			return m.Bias() + off, true, nil
		}
	}
	return 0, false, nil
}
