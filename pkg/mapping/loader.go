package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	daederrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// MappingsFilename is the per-workflow mapping document name.
const MappingsFilename = "mappings.json"

// Loader reads mapping specifications from a workspace directory laid out as
// <root>/workflows/<name>/mappings.json. Every Load re-reads the file:
// deployments update mapping documents out of process, so caching here would
// serve stale rules.
type Loader struct {
	root string
}

// NewLoader creates a loader rooted at the given workspace directory.
func NewLoader(root string) *Loader {
	return &Loader{root: root}
}

// Path returns the mapping document location for a workflow name.
func (l *Loader) Path(workflow string) string {
	return filepath.Join(l.root, "workflows", workflow, MappingsFilename)
}

// Load reads and parses the mapping specification for the named workflow.
// Returns ErrWorkflowNotFound when no specification exists and ErrConfig
// when the document is malformed.
func (l *Loader) Load(workflow string) (Spec, error) {
	path := l.Path(workflow)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no mapping specification for %q at %s", daederrors.ErrWorkflowNotFound, workflow, path)
		}
		return nil, fmt.Errorf("failed to read mapping specification %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a mapping specification document.
func Parse(data []byte) (Spec, error) {
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: mapping specification: %v", daederrors.ErrConfig, err)
	}
	return spec, nil
}
