// Package interpose rewires calls to chosen symbols so they land on
// in-process replacement functions.
//
// Ownership:
//   - owns the rule model, the named handler registry, and the installer
//     that applies rules against the loaded modules
//   - cross-module rules rewrite the importing module's jump slot; the
//     original entry point is untouched
//   - same-module rules overwrite the entry point with a trampoline via
//     internal/patch
//   - never decides what the replacement does; handlers are registered by
//     the embedding program
package interpose

import (
	"errors"
	"sync"
)

var (
	ErrRuleInvalid    = errors.New("interpose: rule invalid")
	ErrUnknownHandler = errors.New("interpose: unknown handler")
)

// Scope selects the interposition mechanism for a rule.
type Scope string

const (
	// ScopeCrossModule rewrites the jump slot of every module that imports
	// the symbol. Calls from inside the defining module are not affected.
	ScopeCrossModule Scope = "cross-module"

	// ScopeSameModule overwrites the symbol's entry point with a trampoline,
	// catching callers inside the defining module as well.
	ScopeSameModule Scope = "same-module"
)

// Rule binds one exported symbol to a named replacement handler.
type Rule struct {
	Symbol  string
	Handler string
	Scope   Scope
}

var (
	mu       sync.RWMutex
	handlers = map[string]uint64{}
)

// RegisterHandler publishes a replacement entry address under a name that
// rules can reference. Registering a name twice keeps the latest address.
func RegisterHandler(name string, addr uint64) {
	mu.Lock()
	defer mu.Unlock()
	handlers[name] = addr
}

// HandlerAddr looks up a registered handler by name.
func HandlerAddr(name string) (uint64, bool) {
	mu.RLock()
	defer mu.RUnlock()
	addr, ok := handlers[name]
	return addr, ok
}

// Handlers returns the registered handler names and addresses.
func Handlers() map[string]uint64 {
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[string]uint64, len(handlers))
	for name, addr := range handlers {
		out[name] = addr
	}
	return out
}
