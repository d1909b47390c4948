package api

import (
	"fmt"
	"os"

	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/tool"
)

// FileResolver resolves a PlaybookRef's `path` field against a local
// directory, parsing, validating, and normalizing the YAML document —
// the minimal playbook store; concrete storage backends (a database, a
// git checkout) are external collaborators.
type FileResolver struct {
	Root     string
	Registry *tool.Registry
}

// Resolve implements PlaybookResolver.
func (f FileResolver) Resolve(ref PlaybookRef) (*playbook.Playbook, error) {
	if ref.Path == "" {
		return nil, fmt.Errorf("api: playbook_ref.path is required")
	}
	file, err := os.Open(f.Root + "/" + ref.Path)
	if err != nil {
		return nil, fmt.Errorf("api: open playbook %q: %w", ref.Path, err)
	}
	defer file.Close()

	pb, err := playbook.Parse(file)
	if err != nil {
		return nil, fmt.Errorf("api: parse playbook %q: %w", ref.Path, err)
	}
	pb, err = playbook.Normalize(pb)
	if err != nil {
		return nil, fmt.Errorf("api: normalize playbook %q: %w", ref.Path, err)
	}

	kinds := map[string]bool{}
	if f.Registry != nil {
		kinds = f.Registry.Kinds()
	}
	if errs := playbook.Validate(pb, kinds); len(errs) > 0 {
		return nil, fmt.Errorf("api: playbook %q failed validation: %v", ref.Path, errs[0])
	}
	return pb, nil
}
