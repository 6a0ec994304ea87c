// Package inject applies a mapping specification to a caller-supplied
// argument set and a graph document, producing the mutated copy that is
// handed to the render engine. Per-parameter problems degrade to warnings so
// a partially-specified request still yields a best-effort graph; only
// structural failures (unparseable inputs, failed asset resolution) abort.
package inject

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/assets"
	daederrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/mapping"
)

// AssetsParameter is the reserved logical parameter name whose list value
// holds remote asset references. It is the only argument the engine
// resolves to local paths before mapping is applied.
const AssetsParameter = "files"

// Arguments is the flat parameter set supplied by the request layer.
type Arguments map[string]interface{}

// Warning reason codes.
const (
	WarnUnknownParameter = "unknown_parameter"
	WarnMissingNode      = "missing_node"
	WarnMissingRemapNode = "missing_remap_node"
)

// Warning records a non-fatal problem encountered during an injection pass.
type Warning struct {
	Parameter string `json:"parameter"`
	Reason    string `json:"reason"`
	NodeID    string `json:"node_id,omitempty"`
}

func (w Warning) String() string {
	if w.NodeID != "" {
		return fmt.Sprintf("%s: %s (node %s)", w.Parameter, w.Reason, w.NodeID)
	}
	return fmt.Sprintf("%s: %s", w.Parameter, w.Reason)
}

// Engine performs parameter-to-graph injection.
type Engine struct {
	resolver *assets.Resolver
	assetDir string
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewEngine creates an injection engine. resolver may be nil when asset
// resolution is not needed (the reserved asset parameter then passes
// through untouched).
func NewEngine(resolver *assets.Resolver, assetDir string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		resolver: resolver,
		assetDir: assetDir,
		logger:   logger,
		tracer:   otel.Tracer("daedalus/inject"),
	}
}

// Inject applies spec to a deep copy of doc using args and returns the
// mutated copy. The input document is never modified. Parameters are
// applied in sorted name order; every write is an unconditional overwrite
// of its own target, so ordering between distinct parameters cannot change
// the outcome. Sorting pins the pass and its warning order to a single
// deterministic result.
func (e *Engine) Inject(ctx context.Context, doc graph.Document, args Arguments, spec mapping.Spec) (graph.Document, []Warning, error) {
	ctx, span := e.tracer.Start(ctx, "inject.Inject")
	defer span.End()

	if doc == nil {
		return nil, nil, fmt.Errorf("%w: graph document is required", daederrors.ErrConfig)
	}
	if spec == nil {
		return nil, nil, fmt.Errorf("%w: mapping specification is required", daederrors.ErrConfig)
	}

	work, err := e.resolveAssetArguments(ctx, args)
	if err != nil {
		return nil, nil, err
	}

	out := doc.Clone()
	var warnings []Warning

	names := make([]string, 0, len(work))
	for name := range work {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := work[name]

		rule, ok := spec[name]
		if !ok {
			warnings = append(warnings, e.warn(Warning{Parameter: name, Reason: WarnUnknownParameter}))
			continue
		}

		target := rule.NodeID.String()
		if _, exists := out[target]; !exists {
			warnings = append(warnings, e.warn(Warning{Parameter: name, Reason: WarnMissingNode, NodeID: target}))
			continue
		}

		injected := value
		if rule.Preprocess == mapping.PreprocessFolder {
			if list, ok := value.([]interface{}); ok {
				injected = applyFolderPreprocess(list)
			}
		}

		out.SetField(target, rule.GroupName(), rule.Field, injected)

		for _, remap := range rule.Remaps {
			key, ok := lookupKey(value)
			if !ok {
				continue
			}
			mapped, ok := remap.Lookup[key]
			if !ok {
				// raw value not in this rule's table: skip this remap only
				continue
			}
			remapTarget := remap.NodeID.String()
			if _, exists := out[remapTarget]; !exists {
				warnings = append(warnings, e.warn(Warning{Parameter: name, Reason: WarnMissingRemapNode, NodeID: remapTarget}))
				continue
			}
			out.SetField(remapTarget, remap.GroupName(), remap.Field, mapped)
		}
	}

	span.SetAttributes(
		attribute.Int("inject.parameters", len(work)),
		attribute.Int("inject.warnings", len(warnings)),
	)
	return out, warnings, nil
}

// resolveAssetArguments returns a shallow copy of args with the reserved
// asset parameter's reference list replaced by local resolved paths. All
// other values pass through unresolved.
func (e *Engine) resolveAssetArguments(ctx context.Context, args Arguments) (Arguments, error) {
	work := make(Arguments, len(args))
	for k, v := range args {
		work[k] = v
	}

	if e.resolver == nil {
		return work, nil
	}
	refs, ok := referenceList(work[AssetsParameter])
	if !ok {
		return work, nil
	}

	paths, err := e.resolver.ResolveAll(ctx, refs, e.assetDir)
	if err != nil {
		return nil, err
	}

	resolved := make([]interface{}, len(paths))
	for i, p := range paths {
		resolved[i] = p
	}
	work[AssetsParameter] = resolved
	return work, nil
}

// applyFolderPreprocess is the declared folder-shaping transform for
// list-valued asset parameters. The observed behavior in the source
// deployment is a pass-through; this stays a named no-op until the intended
// transform is pinned down.
func applyFolderPreprocess(list []interface{}) []interface{} {
	return list
}

// referenceList extracts a list of string references from an argument value.
func referenceList(v interface{}) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, len(t) > 0
	case []interface{}:
		refs := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			refs = append(refs, s)
		}
		return refs, len(refs) > 0
	default:
		return nil, false
	}
}

// lookupKey converts a raw scalar argument value into its remap table key.
// List and object values are never matchable.
func lookupKey(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return "", false
	}
}

func (e *Engine) warn(w Warning) Warning {
	e.logger.Warn("Injection warning",
		zap.String("parameter", w.Parameter),
		zap.String("reason", w.Reason),
		zap.String("node_id", w.NodeID))
	return w
}
