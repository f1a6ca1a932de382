package interpose

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/danmuck/portbroker/internal/patch"
	"github.com/danmuck/portbroker/internal/symtab"
	"github.com/danmuck/portbroker/internal/testutil/testlog"
)

// fakeMemory backs a fixed address range with a slice and records the
// protection transitions it sees.
type fakeMemory struct {
	base  uint64
	buf   []byte
	prots []int
}

func newFakeMemory(base uint64, size int) *fakeMemory {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i)
	}
	return &fakeMemory{base: base, buf: buf}
}

func (f *fakeMemory) span(addr uint64, n int) ([]byte, error) {
	if addr < f.base || addr+uint64(n) > f.base+uint64(len(f.buf)) {
		return nil, errors.New("fault")
	}
	off := addr - f.base
	return f.buf[off : off+uint64(n)], nil
}

func (f *fakeMemory) Read(addr uint64, n int) ([]byte, error) {
	s, err := f.span(addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), s...), nil
}

func (f *fakeMemory) Protect(addr uint64, n int, prot int) error {
	f.prots = append(f.prots, prot)
	return nil
}

func (f *fakeMemory) Write(addr uint64, b []byte) error {
	s, err := f.span(addr, len(b))
	if err != nil {
		return err
	}
	copy(s, b)
	return nil
}

func (f *fakeMemory) Flush(addr uint64, n int) error {
	return nil
}

func TestHandlerRegistry(t *testing.T) {
	testlog.Start(t)

	RegisterHandler("cgs_main_connection", 0x1000)
	RegisterHandler("cgs_main_connection", 0x2000)

	addr, ok := HandlerAddr("cgs_main_connection")
	if !ok || addr != 0x2000 {
		t.Fatalf("HandlerAddr = %#x, %v; want 0x2000, true", addr, ok)
	}
	if _, ok := HandlerAddr("nobody-home"); ok {
		t.Fatal("unregistered handler resolved")
	}
	if got := Handlers()["cgs_main_connection"]; got != 0x2000 {
		t.Fatalf("Handlers snapshot = %#x; want 0x2000", got)
	}
}

func TestParseRules(t *testing.T) {
	testlog.Start(t)

	src := []byte(`
rule "CGSMainConnectionID" {
  handler = "cgs_main_connection"
  scope   = "same-module"
}

rule "SLSWindowCreate" {
  handler = "window_create"
}
`)
	rules, err := ParseRules(src, "interpose.hcl")
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
	if rules[0].Scope != ScopeSameModule {
		t.Fatalf("rules[0].Scope = %q", rules[0].Scope)
	}
	if rules[1].Scope != ScopeCrossModule {
		t.Fatalf("default scope = %q, want %q", rules[1].Scope, ScopeCrossModule)
	}
	if rules[1].Handler != "window_create" {
		t.Fatalf("rules[1].Handler = %q", rules[1].Handler)
	}
}

func TestParseRulesRejectsBadBlocks(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name string
		src  string
	}{
		{"missing handler", `rule "Sym" {}`},
		{"bad scope", `rule "Sym" {
  handler = "h"
  scope   = "sideways"
}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseRules([]byte(tc.src), "interpose.hcl"); !errors.Is(err, ErrRuleInvalid) {
				t.Fatalf("err = %v, want ErrRuleInvalid", err)
			}
		})
	}
}

// relaEntry builds one raw Elf64_Rela record.
func relaEntry(offset uint64, symIdx uint32, typ uint32) []byte {
	b := make([]byte, relaEntrySize)
	binary.LittleEndian.PutUint64(b[0:], offset)
	binary.LittleEndian.PutUint64(b[8:], uint64(symIdx)<<32|uint64(typ))
	return b
}

func TestFindJumpSlot(t *testing.T) {
	testlog.Start(t)

	dyns := []elf.Symbol{
		{Name: "malloc"},
		{Name: "_bootstrap_look_up"},
		{Name: "CGSMainConnectionID"},
	}
	want := uint32(elf.R_X86_64_JMP_SLOT)
	var data []byte
	data = append(data, relaEntry(0x4018, 1, want)...)
	data = append(data, relaEntry(0x4020, 3, uint32(elf.R_X86_64_GLOB_DAT))...)
	data = append(data, relaEntry(0x4028, 2, want)...)
	data = append(data, relaEntry(0x4030, 3, want)...)

	off, ok := findJumpSlot(data, dyns, want, "CGSMainConnectionID")
	if !ok || off != 0x4030 {
		t.Fatalf("slot = %#x, %v; want 0x4030, true", off, ok)
	}

	// The leading-underscore alias matches the plain query.
	off, ok = findJumpSlot(data, dyns, want, "bootstrap_look_up")
	if !ok || off != 0x4028 {
		t.Fatalf("underscore slot = %#x, %v; want 0x4028, true", off, ok)
	}

	// GLOB_DAT entries never count as jump slots.
	if _, ok := findJumpSlot(data[relaEntrySize:relaEntrySize*2], dyns, want, "CGSMainConnectionID"); ok {
		t.Fatal("GLOB_DAT relocation matched")
	}
	if _, ok := findJumpSlot(data, dyns, want, "free"); ok {
		t.Fatal("absent symbol matched")
	}
}

func TestJumpSlotType(t *testing.T) {
	testlog.Start(t)

	if typ, err := jumpSlotType(elf.EM_X86_64); err != nil || typ != uint32(elf.R_X86_64_JMP_SLOT) {
		t.Fatalf("amd64 = %d, %v", typ, err)
	}
	if typ, err := jumpSlotType(elf.EM_AARCH64); err != nil || typ != uint32(elf.R_AARCH64_JUMP_SLOT) {
		t.Fatalf("arm64 = %d, %v", typ, err)
	}
	if _, err := jumpSlotType(elf.EM_RISCV); !errors.Is(err, ErrUnsupportedMachine) {
		t.Fatalf("riscv err = %v", err)
	}
}

func testModules() []symtab.Module {
	return []symtab.Module{
		{Path: "/usr/lib/frame.so", Base: 0x10000, Offset: 0},
		{Path: "/usr/lib/render.so", Base: 0x20000, Offset: 0},
	}
}

func TestInstallSameModule(t *testing.T) {
	testlog.Start(t)

	mem := newFakeMemory(0x10000, 0x100)
	in := NewInstaller(testModules(), patch.ArchAMD64, mem)
	in.locate = func(_ []symtab.Module, symbol string) (uint64, bool) {
		if symbol == "CGSMainConnectionID" {
			return 0x10040, true
		}
		return 0, false
	}

	RegisterHandler("cgs_main_connection", 0x7f00aa000000)
	rules := []Rule{{Symbol: "CGSMainConnectionID", Handler: "cgs_main_connection", Scope: ScopeSameModule}}

	sum := in.Install(rules)
	if sum.Applied != 1 || sum.Skipped != 0 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	jump, err := patch.EncodeJump(patch.ArchAMD64, 0x7f00aa000000)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := mem.Read(0x10040, len(jump))
	if !bytes.Equal(got, jump) {
		t.Fatalf("entry bytes = %x, want %x", got, jump)
	}

	// A second pass sees the record and skips.
	sum = in.Install(rules)
	if sum.Applied != 0 || sum.Skipped != 1 {
		t.Fatalf("second pass summary = %+v", sum)
	}
}

func TestInstallCrossModule(t *testing.T) {
	testlog.Start(t)

	mem := newFakeMemory(0x10000, 0x20000)
	in := NewInstaller(testModules(), patch.ArchAMD64, mem)
	in.gotSlot = func(m symtab.Module, symbol string) (uint64, bool, error) {
		if m.Path == "/usr/lib/render.so" && symbol == "SLSWindowCreate" {
			return 0x18010, true, nil
		}
		return 0, false, nil
	}

	RegisterHandler("window_create", 0x7f00bb000000)
	sum := in.Install([]Rule{{Symbol: "SLSWindowCreate", Handler: "window_create", Scope: ScopeCrossModule}})
	if sum.Applied != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	got, _ := mem.Read(0x18010, 8)
	if binary.LittleEndian.Uint64(got) != 0x7f00bb000000 {
		t.Fatalf("slot = %#x, want 0x7f00bb000000", binary.LittleEndian.Uint64(got))
	}
	if len(mem.prots) != 2 || mem.prots[0] != patch.ProtRW || mem.prots[1] != patch.ProtRO {
		t.Fatalf("prots = %v, want [RW RO]", mem.prots)
	}
}

func TestInstallKeepsGoingPastFailures(t *testing.T) {
	testlog.Start(t)

	mem := newFakeMemory(0x10000, 0x100)
	in := NewInstaller(testModules(), patch.ArchAMD64, mem)
	in.locate = func(_ []symtab.Module, symbol string) (uint64, bool) {
		if symbol == "present" {
			return 0x10080, true
		}
		return 0, false
	}
	in.gotSlot = func(symtab.Module, string) (uint64, bool, error) {
		return 0, false, nil
	}

	RegisterHandler("h", 0x7000)
	rules := []Rule{
		{Symbol: "a", Handler: "never-registered", Scope: ScopeSameModule},
		{Symbol: "missing", Handler: "h", Scope: ScopeSameModule},
		{Symbol: "orphan", Handler: "h", Scope: ScopeCrossModule},
		{Symbol: "present", Handler: "h", Scope: ScopeSameModule},
	}
	sum := in.Install(rules)
	if sum.Failed != 1 || sum.Skipped != 2 || sum.Applied != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Results[0].Detail != "unknown handler" {
		t.Fatalf("Results[0].Detail = %q", sum.Results[0].Detail)
	}
	if sum.Results[3].Outcome != OutcomeApplied {
		t.Fatalf("Results[3] = %+v", sum.Results[3])
	}
}
