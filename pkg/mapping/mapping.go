// Package mapping loads the declarative parameter-to-graph routing tables
// that drive workflow injection. A specification maps a logical parameter
// name to the node/field it lands on, plus optional remap rules that
// redirect related nodes based on a value lookup table.
package mapping

import (
	"encoding/json"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/graph"
)

// PreprocessFolder marks list-valued asset parameters that require
// folder-shaping before injection. The transform is currently a declared
// pass-through; see inject.applyFolderPreprocess.
const PreprocessFolder = "folder"

// NodeRef is a node identifier as written in a mapping document. Authors
// write both "6" and 6; either form decodes to the string id used by the
// graph document.
type NodeRef string

// UnmarshalJSON accepts a JSON string or number as a node reference.
func (n *NodeRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*n = NodeRef(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		*n = NodeRef(num.String())
		return nil
	}
	return fmt.Errorf("node_id must be a string or number, got %s", data)
}

// String returns the node id in graph-document form.
func (n NodeRef) String() string {
	return string(n)
}

// RemapRule is a secondary write that fires only when the raw argument
// value appears as a key in its lookup table.
type RemapRule struct {
	NodeID NodeRef                `json:"node_id"`
	Group  string                 `json:"group,omitempty"`
	Field  string                 `json:"subfield"`
	Lookup map[string]interface{} `json:"map"`
}

// GroupName returns the target field group, defaulting to "inputs" when
// the rule leaves it unset.
func (r RemapRule) GroupName() string {
	if r.Group == "" {
		return graph.InputsGroup
	}
	return r.Group
}

// ParameterRule routes one logical parameter into the graph.
type ParameterRule struct {
	NodeID     NodeRef     `json:"node_id"`
	Group      string      `json:"group,omitempty"`
	Field      string      `json:"subfield"`
	Preprocess string      `json:"preprocess,omitempty"`
	Remaps     []RemapRule `json:"remap,omitempty"`
}

// GroupName returns the target field group, defaulting to "inputs".
func (r ParameterRule) GroupName() string {
	if r.Group == "" {
		return graph.InputsGroup
	}
	return r.Group
}

// Spec maps logical parameter names to their routing rules.
type Spec map[string]ParameterRule
