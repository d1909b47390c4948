package playbook

import (
	"fmt"
	"io"

	yaml "go.yaml.in/yaml/v2"
)

// Parse decodes a single YAML document into a Playbook. It performs only
// lexical/structural decoding; Normalize must run afterward to expand
// task shorthand and workbook `uses` references, and Validate to
// enforce the document invariants.
func Parse(r io.Reader) (*Playbook, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("playbook: read: %w", err)
	}

	var pb Playbook
	if err := yaml.Unmarshal(raw, &pb); err != nil {
		return nil, fmt.Errorf("playbook: decode: %w", err)
	}
	if pb.Kind == "" {
		return nil, fmt.Errorf("playbook: missing required field %q", "kind")
	}

	var generic map[string]interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("playbook: decode: %w", err)
	}
	pb.rawDoc = generic

	return &pb, nil
}
