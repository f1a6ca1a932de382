// Package symtab locates exported symbols in the code modules mapped into
// the running process.
//
// Ownership boundary:
//   - owns /proc/self/maps parsing and ELF symbol table scans
//   - never writes memory; address math only
package symtab

import (
	"bufio"
	"debug/elf"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Module is one executable file-backed mapping of the process image.
type Module struct {
	Path   string
	Base   uint64
	Offset uint64
	Perms  string
}

// Bias is the delta between the mapping and the module's link-time
// addresses: mapping start minus the file offset it maps.
func (m Module) Bias() uint64 {
	return m.Base - m.Offset
}

// Modules parses /proc/self/maps into the executable file-backed mappings,
// excluding the running binary's own image.
func Modules() ([]Module, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	self, _ := os.Executable()
	return parseMaps(f, self)
}

func parseMaps(r io.Reader, self string) ([]Module, error) {
	var mods []Module
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		m, ok := parseMapsLine(sc.Text())
		if !ok || m.Path == self {
			continue
		}
		mods = append(mods, m)
	}
	return mods, sc.Err()
}

// parseMapsLine reads one maps row, e.g.
// "7f2b4c000000-7f2b4c021000 r-xp 00000000 08:01 1234 /usr/lib/frame.so".
// Only executable file-backed rows survive.
func parseMapsLine(line string) (Module, bool) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return Module{}, false
	}
	perms := fields[1]
	if !strings.Contains(perms, "x") {
		return Module{}, false
	}
	path := fields[5]
	if !strings.HasPrefix(path, "/") {
		return Module{}, false
	}
	span := strings.SplitN(fields[0], "-", 2)
	if len(span) != 2 {
		return Module{}, false
	}
	base, err := strconv.ParseUint(span[0], 16, 64)
	if err != nil {
		return Module{}, false
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Module{}, false
	}
	return Module{Path: path, Base: base, Offset: offset, Perms: perms}, true
}

// Locate finds a symbol across the modules, first match wins. The returned
// address accounts for the module's load bias. Not finding the symbol is a
// normal outcome.
func Locate(modules []Module, symbol string) (uint64, bool) {
	for _, m := range modules {
		if addr, ok := LocateIn(m, symbol); ok {
			return addr, true
		}
	}
	return 0, false
}

// LocateIn scans one module's .symtab, then .dynsym, for the symbol or its
// leading-underscore variant.
func LocateIn(m Module, symbol string) (uint64, bool) {
	f, err := elf.Open(m.Path)
	if err != nil {
		log.Debug().Err(err).Str("module", m.Path).Msg("module not readable as ELF")
		return 0, false
	}
	defer f.Close()

	if syms, err := f.Symbols(); err == nil {
		if value, ok := match(syms, symbol); ok {
			return value + m.Bias(), true
		}
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		if value, ok := match(syms, symbol); ok {
			return value + m.Bias(), true
		}
	}
	return 0, false
}

func match(syms []elf.Symbol, symbol string) (uint64, bool) {
	underscored := "_" + symbol
	for _, sym := range syms {
		if sym.Section == elf.SHN_UNDEF {
			continue
		}
		if sym.Name == symbol || sym.Name == underscored {
			return sym.Value, true
		}
	}
	return 0, false
}
