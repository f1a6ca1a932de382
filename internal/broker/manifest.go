package broker

import (
	"errors"
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

var (
	ErrManifestService = errors.New("broker: manifest service name invalid")
	ErrManifestStage   = errors.New("broker: manifest stage invalid")
)

// Manifest is the declarative startup description: names to pre-provision
// before any client connects, and helper programs to launch in order.
type Manifest struct {
	Services []ServiceBlock `hcl:"service,block"`
	Stages   []StageBlock   `hcl:"stage,block"`
}

// ServiceBlock declares one well-known name.
type ServiceBlock struct {
	Name         string `hcl:"name,label"`
	PreProvision bool   `hcl:"pre_provision,optional"`
}

// StageBlock declares one helper program. WaitFor names the service whose
// registration gates the next stage; Optional stages may fail without
// aborting the launch sequence.
type StageBlock struct {
	Name     string   `hcl:"name,label"`
	Program  string   `hcl:"program"`
	Args     []string `hcl:"args,optional"`
	WaitFor  string   `hcl:"wait_for,optional"`
	Optional bool     `hcl:"optional,optional"`
}

// LoadManifest reads and validates an HCL manifest file.
func LoadManifest(path string) (Manifest, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return Manifest{}, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}
	var m Manifest
	if diags := gohcl.DecodeBody(file.Body, nil, &m); diags.HasErrors() {
		return Manifest{}, fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ParseManifest decodes a manifest from source bytes.
func ParseManifest(src []byte, filename string) (Manifest, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return Manifest{}, fmt.Errorf("failed to parse HCL source %s: %w", filename, diags)
	}
	var m Manifest
	if diags := gohcl.DecodeBody(file.Body, nil, &m); diags.HasErrors() {
		return Manifest{}, fmt.Errorf("failed to decode HCL source %s: %w", filename, diags)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (m Manifest) Validate() error {
	for _, svc := range m.Services {
		if !isValidName(svc.Name) {
			return fmt.Errorf("%w: %q", ErrManifestService, svc.Name)
		}
	}
	for _, stage := range m.Stages {
		if stage.Name == "" {
			return fmt.Errorf("%w: stage with empty label", ErrManifestStage)
		}
		if stage.Program == "" {
			return fmt.Errorf("%w: stage %q has no program", ErrManifestStage, stage.Name)
		}
		if stage.WaitFor != "" && !isValidName(stage.WaitFor) {
			return fmt.Errorf("%w: stage %q waits for malformed name %q", ErrManifestStage, stage.Name, stage.WaitFor)
		}
	}
	return nil
}

// PreProvisionNames lists the names the broker must provision at startup,
// in declaration order.
func (m Manifest) PreProvisionNames() []string {
	var names []string
	for _, svc := range m.Services {
		if svc.PreProvision {
			names = append(names, svc.Name)
		}
	}
	return names
}
