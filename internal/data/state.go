package data

import (
	"fmt"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/redpepper-go/fleet/internal/cluster"
)

// StateDefinitionForAgent loads state/<group>.yml (or
// state/<group>/<state_id>.yml when stateID is given) for every group the
// agent belongs to, in forward order, and deep-merges them by key: a list
// value is appended, a mapping value recurses, a scalar value is
// overridden by the later group — a REDESIGN over the source's plain
// dict.update() per spec.md §4.6. The merge tracks each top-level key's
// first-seen position, and the result is returned as an ordered list of
// single-key mappings — one {taskName: spec} entry per key, in that
// order — the exact shape internal/statewalker.Flatten walks (spec.md
// §4.4), so task order survives the Manager→Agent RPC hop instead of
// being re-derived from a Go map on the other end. The tree is
// interpolated via ${name} substitution resolved through DataForAgent
// before the ordered conversion, since interpolation itself does not
// depend on key order.
func (m *Manager) StateDefinitionForAgent(agentID, stateID string) ([]any, error) {
	if stateID != "" && !cluster.ValidAgentID(stateID) {
		return nil, fmt.Errorf("invalid state name: %q", stateID)
	}
	groups, err := m.GroupsForAgent(agentID)
	if err != nil {
		return nil, err
	}

	merged := newOrderedMerge()
	for _, group := range groups {
		var relPath string
		if stateID != "" {
			relPath = filepath.Join("state", group, stateID+".yml")
		} else {
			relPath = filepath.Join("state", group+".yml")
		}
		node, err := m.loadYAMLNode(relPath)
		if err != nil {
			return nil, err
		}
		if node == nil {
			continue
		}
		if err := merged.mergeNode(node); err != nil {
			return nil, fmt.Errorf("state definition %q: %w", relPath, err)
		}
	}

	interpolated, err := m.interpolateValue(agentID, any(merged.values))
	if err != nil {
		return nil, fmt.Errorf("interpolation failed for state definition: %w", err)
	}
	values, _ := asMapping(interpolated)

	tree := make([]any, 0, len(merged.order))
	for _, k := range merged.order {
		tree = append(tree, map[string]any{k: values[k]})
	}
	return tree, nil
}

// orderedMerge accumulates state-definition mappings across groups,
// remembering each key's first-seen position so the merged result can be
// emitted as an ordered tree instead of a Go map. Values merge with the
// same rules as a plain deep-merge: list values append, mapping values
// recurse, anything else is overwritten by the later group.
type orderedMerge struct {
	order  []string
	values map[string]any
}

func newOrderedMerge() *orderedMerge {
	return &orderedMerge{values: map[string]any{}}
}

// mergeNode merges one YAML mapping document's top-level keys into o, in
// the node's own declaration order.
func (o *orderedMerge) mergeNode(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("state definition root must be a mapping, got kind %v", node.Kind)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		var v any
		if err := node.Content[i+1].Decode(&v); err != nil {
			return err
		}
		o.merge(key, normalizeYAML(v))
	}
	return nil
}

func (o *orderedMerge) merge(key string, v any) {
	existing, exists := o.values[key]
	if !exists {
		o.order = append(o.order, key)
		o.values[key] = v
		return
	}
	switch vt := v.(type) {
	case map[string]any:
		if dvt, ok := existing.(map[string]any); ok {
			deepMerge(dvt, vt)
			return
		}
	case []any:
		if dvt, ok := existing.([]any); ok {
			o.values[key] = append(append([]any{}, dvt...), vt...)
			return
		}
	}
	o.values[key] = v
}

// deepMerge merges src into dst in place: list values are appended,
// mapping values recurse, anything else is overwritten (later wins).
func deepMerge(dst, src map[string]any) {
	for k, sv := range src {
		dv, exists := dst[k]
		if !exists {
			dst[k] = sv
			continue
		}
		switch svt := sv.(type) {
		case map[string]any:
			if dvt, ok := dv.(map[string]any); ok {
				deepMerge(dvt, svt)
				continue
			}
			dst[k] = sv
		case []any:
			if dvt, ok := dv.([]any); ok {
				dst[k] = append(append([]any{}, dvt...), svt...)
				continue
			}
			dst[k] = sv
		default:
			dst[k] = sv
		}
	}
}

var (
	interpRegex     = regexp.MustCompile(`\$\{([^{]+)\}|\$\{\{`)
	fullInterpRegex = regexp.MustCompile(`^\$\{([^{]+)\}$`)
)

// interpolateValue recursively scans value for ${name} substitutions
// resolved via DataForAgent. A string that is *entirely* "${name}" is
// replaced by the raw resolved value, preserving structured types;
// partial matches are stringified. "${{" is an escape for a literal "${".
func (m *Manager) interpolateValue(agentID string, value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, vv := range v {
			iv, err := m.interpolateValue(agentID, vv)
			if err != nil {
				return nil, err
			}
			out[k] = iv
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, vv := range v {
			iv, err := m.interpolateValue(agentID, vv)
			if err != nil {
				return nil, err
			}
			out[i] = iv
		}
		return out, nil
	case string:
		if full := fullInterpRegex.FindStringSubmatch(v); full != nil {
			resolved, err := m.DataForAgent(agentID, full[1])
			if err != nil {
				return nil, err
			}
			return resolved, nil
		}
		var replaceErr error
		result := interpRegex.ReplaceAllStringFunc(v, func(match string) string {
			sub := interpRegex.FindStringSubmatch(match)
			if sub[1] == "" {
				// "${{" escape for a literal "${"
				return "${"
			}
			resolved, err := m.DataForAgent(agentID, sub[1])
			if err != nil {
				replaceErr = err
				return match
			}
			return fmt.Sprintf("%v", resolved)
		})
		if replaceErr != nil {
			return nil, replaceErr
		}
		return result, nil
	default:
		return value, nil
	}
}
