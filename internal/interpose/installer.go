package interpose

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/portbroker/internal/observability"
	"github.com/danmuck/portbroker/internal/patch"
	"github.com/danmuck/portbroker/internal/symtab"
)

// Outcome classifies what happened to one rule.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// RuleResult reports how a single rule fared.
type RuleResult struct {
	Rule    Rule
	Outcome Outcome
	Detail  string
}

// Summary aggregates one Install pass.
type Summary struct {
	Applied int
	Skipped int
	Failed  int
	Results []RuleResult
}

// Installer applies rules against a snapshot of the loaded code modules.
// A symbol gets at most one trampoline record per installer lifetime;
// reapplying is a skip, not an error.
type Installer struct {
	arch    patch.Arch
	mem     patch.Memory
	modules []symtab.Module
	records map[string]*patch.Record

	locate  func([]symtab.Module, string) (uint64, bool)
	gotSlot func(symtab.Module, string) (uint64, bool, error)
}

func NewInstaller(modules []symtab.Module, arch patch.Arch, mem patch.Memory) *Installer {
	return &Installer{
		arch:    arch,
		mem:     mem,
		modules: modules,
		records: map[string]*patch.Record{},
		locate:  symtab.Locate,
		gotSlot: GOTSlot,
	}
}

// Install applies every rule in order. One rule failing never aborts the
// pass; the summary carries the per-rule outcomes.
func (in *Installer) Install(rules []Rule) Summary {
	var sum Summary
	for _, rule := range rules {
		res := in.apply(rule)
		sum.Results = append(sum.Results, res)
		switch res.Outcome {
		case OutcomeApplied:
			sum.Applied++
		case OutcomeSkipped:
			sum.Skipped++
		default:
			sum.Failed++
		}
		observability.RecordPatch(mechanismFor(rule.Scope), string(res.Outcome))

		evt := log.Debug()
		if res.Outcome == OutcomeFailed {
			evt = log.Warn()
		}
		evt.Str("symbol", rule.Symbol).
			Str("handler", rule.Handler).
			Str("scope", string(rule.Scope)).
			Str("outcome", string(res.Outcome)).
			Str("detail", res.Detail).
			Msg("interpose rule")
	}
	log.Info().
		Int("applied", sum.Applied).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Msg("interpose pass complete")
	return sum
}

func (in *Installer) apply(rule Rule) RuleResult {
	addr, ok := HandlerAddr(rule.Handler)
	if !ok {
		return RuleResult{Rule: rule, Outcome: OutcomeFailed, Detail: "unknown handler"}
	}
	switch rule.Scope {
	case ScopeSameModule:
		return in.applyTrampoline(rule, addr)
	case ScopeCrossModule, "":
		return in.applySlots(rule, addr)
	default:
		return RuleResult{Rule: rule, Outcome: OutcomeFailed, Detail: "unknown scope"}
	}
}

func (in *Installer) applyTrampoline(rule Rule, addr uint64) RuleResult {
	target, ok := in.locate(in.modules, rule.Symbol)
	if !ok {
		return RuleResult{Rule: rule, Outcome: OutcomeSkipped, Detail: "symbol not found"}
	}
	rec, ok := in.records[rule.Symbol]
	if !ok {
		rec = patch.NewRecord(rule.Symbol, target, addr)
		in.records[rule.Symbol] = rec
	}
	if rec.Applied() {
		return RuleResult{Rule: rule, Outcome: OutcomeSkipped, Detail: "already applied"}
	}
	if err := rec.Apply(in.arch, in.mem); err != nil {
		return RuleResult{Rule: rule, Outcome: OutcomeFailed, Detail: err.Error()}
	}
	return RuleResult{Rule: rule, Outcome: OutcomeApplied, Detail: fmt.Sprintf("entry 0x%x", target)}
}

func (in *Installer) applySlots(rule Rule, addr uint64) RuleResult {
	var ptr [8]byte
	binary.LittleEndian.PutUint64(ptr[:], addr)

	rewritten := 0
	for _, m := range in.modules {
		slot, ok, err := in.gotSlot(m, rule.Symbol)
		if err != nil {
			log.Debug().Err(err).
				Str("module", m.Path).
				Str("symbol", rule.Symbol).
				Msg("jump slot scan failed")
			continue
		}
		if !ok {
			continue
		}
		if err := in.writeSlot(slot, ptr[:]); err != nil {
			return RuleResult{Rule: rule, Outcome: OutcomeFailed, Detail: err.Error()}
		}
		rewritten++
	}
	if rewritten == 0 {
		return RuleResult{Rule: rule, Outcome: OutcomeSkipped, Detail: "no importing module"}
	}
	return RuleResult{Rule: rule, Outcome: OutcomeApplied, Detail: fmt.Sprintf("%d slots", rewritten)}
}

// writeSlot stores the replacement pointer through a brief writable window.
// Relro binaries map resolved slots read-only, so the page goes RW for the
// store and back to RO after.
func (in *Installer) writeSlot(slot uint64, ptr []byte) error {
	if err := in.mem.Protect(slot, len(ptr), patch.ProtRW); err != nil {
		return err
	}
	if err := in.mem.Write(slot, ptr); err != nil {
		return err
	}
	if err := in.mem.Protect(slot, len(ptr), patch.ProtRO); err != nil {
		log.Warn().Err(err).Msg("slot reprotect failed")
	}
	return nil
}

func mechanismFor(scope Scope) string {
	if scope == ScopeSameModule {
		return "trampoline"
	}
	return "got-slot"
}
