package interpose

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

type ruleManifest struct {
	Rules []ruleBlock `hcl:"rule,block"`
}

type ruleBlock struct {
	Symbol  string `hcl:"symbol,label"`
	Handler string `hcl:"handler,optional"`
	Scope   string `hcl:"scope,optional"`
}

// LoadRules reads interposition rules from an HCL file. A rule block names
// the symbol as its label and defaults to cross-module scope:
//
//	rule "CGSMainConnectionID" {
//	  handler = "cgs_main_connection"
//	  scope   = "same-module"
//	}
func LoadRules(path string) ([]Rule, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}
	var m ruleManifest
	if diags := gohcl.DecodeBody(file.Body, nil, &m); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}
	return m.rules()
}

// ParseRules decodes rules from source bytes.
func ParseRules(src []byte, filename string) ([]Rule, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL %s: %w", filename, diags)
	}
	var m ruleManifest
	if diags := gohcl.DecodeBody(file.Body, nil, &m); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL %s: %w", filename, diags)
	}
	return m.rules()
}

func (m ruleManifest) rules() ([]Rule, error) {
	out := make([]Rule, 0, len(m.Rules))
	for _, b := range m.Rules {
		if b.Symbol == "" {
			return nil, fmt.Errorf("%w: empty symbol", ErrRuleInvalid)
		}
		if b.Handler == "" {
			return nil, fmt.Errorf("%w: rule %q has no handler", ErrRuleInvalid, b.Symbol)
		}
		scope := Scope(b.Scope)
		switch scope {
		case "":
			scope = ScopeCrossModule
		case ScopeCrossModule, ScopeSameModule:
		default:
			return nil, fmt.Errorf("%w: rule %q scope %q", ErrRuleInvalid, b.Symbol, b.Scope)
		}
		out = append(out, Rule{Symbol: b.Symbol, Handler: b.Handler, Scope: scope})
	}
	return out, nil
}
