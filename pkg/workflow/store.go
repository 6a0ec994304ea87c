// Package workflow loads stored workflow graph documents from the workspace
// directory that deployment bakes into the container image.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"

	daederrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
)

// DocumentFilename is the stored graph document name per workflow.
const DocumentFilename = "workflow_api.json"

// Store resolves workflow names to graph documents under a workspace root:
// <root>/workflows/<name>/workflow_api.json, falling back to
// <root>/workflow_api.json for the default workflow. Documents are re-read
// per call; deployment replaces them out of process.
type Store struct {
	root string
}

// NewStore creates a store rooted at the given workspace directory.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Path returns the location of the named workflow's graph document,
// preferring the per-workflow path and falling back to the workspace
// default when it does not exist.
func (s *Store) Path(name string) string {
	path := filepath.Join(s.root, "workflows", name, DocumentFilename)
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return filepath.Join(s.root, DocumentFilename)
}

// Load reads and parses the named workflow's graph document. Returns
// ErrWorkflowNotFound when neither the workflow path nor the workspace
// default exists, and ErrConfig when the document is malformed.
func (s *Store) Load(name string) (graph.Document, error) {
	path := s.Path(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no graph document for %q", daederrors.ErrWorkflowNotFound, name)
		}
		return nil, fmt.Errorf("failed to read graph document %s: %w", path, err)
	}

	doc, err := graph.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("workflow %q: %w", name, err)
	}
	return doc, nil
}
