// Package graph models the serialized node-graph documents consumed by the
// render engine: a flat mapping from node id to a node carrying a class-type
// tag and named groups of input fields. Documents round-trip losslessly
// (numbers decode as json.Number) and are mutated by copy, never in place.
package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	daederrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// InputsGroup is the conventional field group holding a node's inputs.
const InputsGroup = "inputs"

// FieldGroup is a named collection of input fields on a node.
type FieldGroup map[string]interface{}

// Node is a single addressable unit in a graph document.
type Node struct {
	// ClassType is the node-kind tag (e.g. "CLIPTextEncode", "SaveImage")
	ClassType string

	// Groups holds the node's field groups keyed by group name ("inputs", "_meta", ...)
	Groups map[string]FieldGroup

	// Extra preserves any non-object keys so documents re-encode losslessly
	Extra map[string]interface{}
}

// Document maps node id to its node record.
type Document map[string]*Node

// UnmarshalJSON decodes a node record, folding every object-valued key other
// than class_type into Groups and anything else into Extra.
func (n *Node) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	n.Groups = make(map[string]FieldGroup)
	n.Extra = nil

	for key, value := range raw {
		if key == "class_type" {
			if s, ok := value.(string); ok {
				n.ClassType = s
				continue
			}
		}
		if m, ok := value.(map[string]interface{}); ok {
			n.Groups[key] = FieldGroup(m)
			continue
		}
		if n.Extra == nil {
			n.Extra = make(map[string]interface{})
		}
		n.Extra[key] = value
	}

	return nil
}

// MarshalJSON re-assembles the node record from its parts.
func (n *Node) MarshalJSON() ([]byte, error) {
	raw := make(map[string]interface{}, len(n.Groups)+len(n.Extra)+1)
	if n.ClassType != "" {
		raw["class_type"] = n.ClassType
	}
	for name, group := range n.Groups {
		raw[name] = map[string]interface{}(group)
	}
	for key, value := range n.Extra {
		raw[key] = value
	}
	return json.Marshal(raw)
}

// Parse decodes a graph document from its serialized form.
// Numbers are preserved as json.Number so re-encoding does not alter them.
func Parse(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: graph document: %v", daederrors.ErrConfig, err)
	}
	return doc, nil
}

// Encode serializes the document back to JSON.
func (d Document) Encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode graph document: %w", err)
	}
	return data, nil
}

// Clone returns a deep copy of the document. Mutating the copy never
// affects the original.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for id, node := range d {
		out[id] = node.clone()
	}
	return out
}

func (n *Node) clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{ClassType: n.ClassType}
	if n.Groups != nil {
		out.Groups = make(map[string]FieldGroup, len(n.Groups))
		for name, group := range n.Groups {
			cloned := copyValue(map[string]interface{}(group))
			out.Groups[name] = FieldGroup(cloned.(map[string]interface{}))
		}
	}
	if n.Extra != nil {
		out.Extra = copyValue(n.Extra).(map[string]interface{})
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = copyValue(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = copyValue(vv)
		}
		return out
	default:
		// scalars (string, bool, json.Number, nil) are immutable
		return v
	}
}

// Group returns the named field group on the node.
func (n *Node) Group(name string) (FieldGroup, bool) {
	g, ok := n.Groups[name]
	return g, ok
}

// EnsureGroup returns the named field group, creating an empty one if absent.
func (n *Node) EnsureGroup(name string) FieldGroup {
	if n.Groups == nil {
		n.Groups = make(map[string]FieldGroup)
	}
	g, ok := n.Groups[name]
	if !ok {
		g = make(FieldGroup)
		n.Groups[name] = g
	}
	return g
}

// SetField writes a value into node[group][field], creating the group if
// missing. Returns false when the node id does not exist in the document.
func (d Document) SetField(nodeID, group, field string, value interface{}) bool {
	node, ok := d[nodeID]
	if !ok || node == nil {
		return false
	}
	node.EnsureGroup(group)[field] = value
	return true
}

// SetFieldByClass writes a value on the first node of the given class type.
// Returns false when no such node exists.
func (d Document) SetFieldByClass(classType, group, field string, value interface{}) bool {
	id, _, ok := d.FindByClass(classType)
	if !ok {
		return false
	}
	return d.SetField(id, group, field, value)
}

// FindByClass returns the first node with the given class type, scanning
// node ids in sorted order so lookups are deterministic.
func (d Document) FindByClass(classType string) (string, *Node, bool) {
	ids := make([]string, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if node := d[id]; node != nil && node.ClassType == classType {
			return id, node, true
		}
	}
	return "", nil, false
}
