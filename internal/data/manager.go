// Package data implements the data-resolution engine of §4.6: a
// mtime-invalidated YAML read-through cache, agent→groups resolution with
// wildcard matching, per-agent data merging, ${...} interpolation, and
// state-definition deep-merging.
package data

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/redpepper-go/fleet/internal/cluster"
	"github.com/redpepper-go/fleet/internal/metrics"
)

// ErrNotFound is returned by lookups (data keys, files, state) that find
// nothing, analogous to the source's KeyError/FileNotFoundError.
type ErrNotFound struct {
	What string
}

func (e *ErrNotFound) Error() string { return e.What + " not found" }

type cacheEntry struct {
	mtime int64
	value any
}

type nodeCacheEntry struct {
	mtime int64
	node  *yaml.Node
}

// Manager is a per-instance (never global, per §9) YAML-backed data store
// rooted at a base directory matching §6's filesystem layout.
type Manager struct {
	baseDir string
	logger  *slog.Logger

	mu        sync.Mutex
	cache     map[string]cacheEntry
	nodeCache map[string]nodeCacheEntry
}

// New creates a Manager rooted at baseDir.
func New(baseDir string, logger *slog.Logger) *Manager {
	return &Manager{
		baseDir:   baseDir,
		logger:    logger,
		cache:     make(map[string]cacheEntry),
		nodeCache: make(map[string]nodeCacheEntry),
	}
}

// loadYAML loads a YAML file at a path relative to baseDir, using a
// mtime-validated cache entry: valid iff the cached mtime equals the
// file's current mtime (§3 invariant). Returns nil, nil if the file does
// not exist.
func (m *Manager) loadYAML(relPath string) (any, error) {
	full := filepath.Join(m.baseDir, relPath)
	stat, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			m.mu.Lock()
			delete(m.cache, relPath)
			m.mu.Unlock()
			return nil, nil
		}
		return nil, err
	}
	mtime := stat.ModTime().UnixNano()

	m.mu.Lock()
	entry, ok := m.cache[relPath]
	m.mu.Unlock()
	if ok && entry.mtime == mtime {
		metrics.DataCacheHits.Inc()
		return entry.value, nil
	}
	metrics.DataCacheMisses.Inc()

	raw, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}
	var value any
	if err := yaml.Unmarshal(raw, &value); err != nil {
		if m.logger != nil {
			m.logger.Warn("failed to parse YAML file", slog.String("path", relPath), slog.Any("error", err))
		}
		value = nil
	}
	value = normalizeYAML(value)

	m.mu.Lock()
	m.cache[relPath] = cacheEntry{mtime: mtime, value: value}
	m.mu.Unlock()
	return value, nil
}

// loadYAMLNode loads a YAML file the same way loadYAML does, mtime-cache
// validated, but returns the raw document root *yaml.Node instead of a
// decoded value. Mapping-node key order survives on a yaml.Node (it is
// lost the instant yaml.Unmarshal lands on a Go map), so callers that
// must preserve a mapping's declaration order — GroupsForAgent's pattern
// precedence, StateDefinitionForAgent's task order — walk the node
// directly instead of going through loadYAML.
func (m *Manager) loadYAMLNode(relPath string) (*yaml.Node, error) {
	full := filepath.Join(m.baseDir, relPath)
	stat, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			m.mu.Lock()
			delete(m.nodeCache, relPath)
			m.mu.Unlock()
			return nil, nil
		}
		return nil, err
	}
	mtime := stat.ModTime().UnixNano()

	m.mu.Lock()
	entry, ok := m.nodeCache[relPath]
	m.mu.Unlock()
	if ok && entry.mtime == mtime {
		metrics.DataCacheHits.Inc()
		return entry.node, nil
	}
	metrics.DataCacheMisses.Inc()

	raw, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}
	var doc yaml.Node
	var root *yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		if m.logger != nil {
			m.logger.Warn("failed to parse YAML file", slog.String("path", relPath), slog.Any("error", err))
		}
	} else if len(doc.Content) > 0 {
		root = doc.Content[0]
	}

	m.mu.Lock()
	m.nodeCache[relPath] = nodeCacheEntry{mtime: mtime, node: root}
	m.mu.Unlock()
	return root, nil
}

// normalizeYAML converts yaml.v3's map[string]interface{} default decode
// (it actually yields map[string]interface{} for mapping nodes already in
// v3, but nested values may arrive as map[string]interface{} too) into a
// consistent tree of map[string]any/[]any/scalars so downstream dot-path
// and merge logic need not special-case decoder-specific map types.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalizeYAML(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalizeYAML(vv)
		}
		return out
	default:
		return v
	}
}

func asMapping(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// AgentEntry loads the agent's record from agents.yml. A malformed or
// missing agent_id yields ErrNotFound without touching disk, per §8's
// boundary test.
func (m *Manager) AgentEntry(agentID string) (*cluster.AgentEntry, error) {
	if !cluster.ValidAgentID(agentID) {
		return nil, &ErrNotFound{What: fmt.Sprintf("agent %q", agentID)}
	}
	raw, err := m.loadYAML("agents.yml")
	if err != nil {
		return nil, err
	}
	top, ok := asMapping(raw)
	if !ok {
		return nil, &ErrNotFound{What: "agents.yml mapping"}
	}
	entryRaw, ok := top[agentID]
	if !ok {
		return nil, &ErrNotFound{What: fmt.Sprintf("agent %q", agentID)}
	}
	entryMap, ok := asMapping(entryRaw)
	if !ok {
		return nil, &ErrNotFound{What: fmt.Sprintf("agent %q entry", agentID)}
	}
	entry := &cluster.AgentEntry{}
	if sh, ok := entryMap["secret_hash"].(string); ok {
		entry.SecretHash = sh
	}
	if ips, ok := entryMap["allowed_ips"].([]any); ok {
		for _, ip := range ips {
			if s, ok := ip.(string); ok {
				entry.AllowedIPs = append(entry.AllowedIPs, s)
			}
		}
	}
	if d, ok := asMapping(entryMap["data"]); ok {
		entry.Data = d
	}
	return entry, nil
}

var wildcardSpecial = regexp.MustCompile(`[*?]`)

// translatePattern compiles a groups.yml key into a regexp per spec.md
// §3's three-rule translation: "*"→".*", "?"→".", "."→literal ".".
// Escape "." first so later "*"/"?" substitutions only touch the
// original wildcard characters, matching the source's ordering exactly.
func translatePattern(pattern string) (*regexp.Regexp, error) {
	escaped := strings.ReplaceAll(pattern, ".", `\.`)
	escaped = strings.ReplaceAll(escaped, "*", ".*")
	escaped = strings.ReplaceAll(escaped, "?", ".")
	return regexp.Compile("^" + escaped + "$")
}

// GroupsForAgent returns the agent's effective groups: the concatenation
// of every groups.yml entry whose key matches agentID (literal or glob),
// in the file's own declaration order — not sorted — deduplicated
// preserving first-seen order. Declaration order is read off the raw
// yaml.Node rather than a decoded map, since a Go map has none.
func (m *Manager) GroupsForAgent(agentID string) ([]string, error) {
	top, err := m.loadYAMLNode("groups.yml")
	if err != nil {
		return nil, err
	}
	if top == nil || top.Kind != yaml.MappingNode {
		return nil, nil
	}

	var ordered []string
	seen := map[string]bool{}
	for i := 0; i+1 < len(top.Content); i += 2 {
		pattern := top.Content[i].Value
		var matched bool
		if strings.ContainsAny(pattern, "*?") {
			re, err := translatePattern(pattern)
			if err != nil {
				continue
			}
			matched = re.MatchString(agentID)
		} else {
			matched = pattern == agentID
		}
		if !matched {
			continue
		}
		var list []any
		if err := top.Content[i+1].Decode(&list); err != nil {
			continue
		}
		for _, g := range list {
			gs, ok := g.(string)
			if !ok || !cluster.ValidAgentID(gs) || seen[gs] {
				continue
			}
			seen[gs] = true
			ordered = append(ordered, gs)
		}
	}
	return ordered, nil
}

// DataForAgent resolves a dot-segmented key per §4.6: the special names
// "<agent_id>"/"<groups>", then the agent entry's own data, then groups in
// reverse insertion order (last group wins).
func (m *Manager) DataForAgent(agentID, name string) (any, error) {
	if name == "<agent_id>" {
		return agentID, nil
	}
	if name == "<groups>" {
		groups, err := m.GroupsForAgent(agentID)
		if err != nil {
			return nil, err
		}
		return groups, nil
	}

	entry, err := m.AgentEntry(agentID)
	if err == nil {
		if v, ok := lookupDotPath(entry.Data, name); ok {
			return v, nil
		}
	}

	groups, err := m.GroupsForAgent(agentID)
	if err != nil {
		return nil, err
	}
	for i := len(groups) - 1; i >= 0; i-- {
		groupData, err := m.loadYAML(filepath.Join("data", groups[i]+".yml"))
		if err != nil {
			return nil, err
		}
		mapping, ok := asMapping(groupData)
		if !ok {
			continue
		}
		if v, ok := lookupDotPath(mapping, name); ok {
			return v, nil
		}
	}
	return nil, &ErrNotFound{What: fmt.Sprintf("data %q for agent %q", name, agentID)}
}

// identifierPattern mirrors Python's str.isidentifier() closely enough for
// module-name validation: ASCII letters/digits/underscore, not starting
// with a digit.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// OperationModulePath resolves the on-disk path of a remote operation
// module, validating moduleName the way get_operation_module_path does.
func (m *Manager) OperationModulePath(moduleName string) (string, error) {
	if !identifierPattern.MatchString(moduleName) {
		return "", fmt.Errorf("invalid module name: %q", moduleName)
	}
	return filepath.Join(m.baseDir, "operations", moduleName+".py"), nil
}

// RequestModulePath resolves the on-disk path of a remote custom-request
// module for agentID: the first group (searched in reverse insertion
// order) that defines requests/<group>/<name>.py wins.
func (m *Manager) RequestModulePath(agentID, name string) (string, error) {
	if !identifierPattern.MatchString(name) {
		return "", fmt.Errorf("invalid request module name: %q", name)
	}
	groups, err := m.GroupsForAgent(agentID)
	if err != nil {
		return "", err
	}
	for i := len(groups) - 1; i >= 0; i-- {
		path := filepath.Join(m.baseDir, "requests", groups[i], name+".py")
		if st, err := os.Stat(path); err == nil && !st.IsDir() {
			return path, nil
		}
	}
	return "", &ErrNotFound{What: fmt.Sprintf("request module %q for agent %q", name, agentID)}
}

// lookupDotPath descends mapping along name's dot-separated segments; any
// non-mapping intermediate is a lookup miss, per §3.
func lookupDotPath(mapping map[string]any, name string) (any, bool) {
	var cur any = mapping
	for _, seg := range strings.Split(name, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// DataFilePath resolves a data-file request: no path segment may start
// with "." or contain a backslash; the first group (searched in reverse
// insertion order) that has the file wins.
func (m *Manager) DataFilePath(agentID, relative string) (string, error) {
	var parts []string
	for _, part := range strings.Split(relative, "/") {
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, ".") || strings.Contains(part, `\`) {
			return "", fmt.Errorf("unacceptable file name: %q", relative)
		}
		parts = append(parts, part)
	}
	groups, err := m.GroupsForAgent(agentID)
	if err != nil {
		return "", err
	}
	for i := len(groups) - 1; i >= 0; i-- {
		segs := append([]string{m.baseDir, "data", groups[i]}, parts...)
		path := filepath.Join(segs...)
		if st, err := os.Stat(path); err == nil && !st.IsDir() {
			return path, nil
		}
	}
	return "", &ErrNotFound{What: fmt.Sprintf("file %q for agent %q", relative, agentID)}
}
