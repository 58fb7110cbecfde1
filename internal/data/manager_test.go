package data

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeYAML(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestAgentEntryRejectsInvalidIDWithoutDiskAccess(t *testing.T) {
	m := New(t.TempDir(), nil)
	_, err := m.AgentEntry("not a valid id!")
	if err == nil {
		t.Fatal("expected error for malformed agent id")
	}
	var nf *ErrNotFound
	if _, ok := err.(*ErrNotFound); !ok {
		t.Fatalf("expected *ErrNotFound, got %T: %v", err, nf)
	}
}

func TestAgentEntryLoadsFields(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "agents.yml", `
web01:
  secret_hash: "abc123"
  allowed_ips: ["10.0.0.0/8"]
  data:
    role: frontend
`)
	m := New(dir, nil)
	entry, err := m.AgentEntry("web01")
	if err != nil {
		t.Fatal(err)
	}
	if entry.SecretHash != "abc123" {
		t.Errorf("secret_hash = %q", entry.SecretHash)
	}
	if len(entry.AllowedIPs) != 1 || entry.AllowedIPs[0] != "10.0.0.0/8" {
		t.Errorf("allowed_ips = %v", entry.AllowedIPs)
	}
	if entry.Data["role"] != "frontend" {
		t.Errorf("data.role = %v", entry.Data["role"])
	}
}

func TestGroupsForAgentLiteralAndWildcard(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "groups.yml", `
web01: ["webservers", "all"]
"web*": ["wildcard-match"]
"db??": ["databases"]
`)
	m := New(dir, nil)
	groups, err := m.GroupsForAgent("web01")
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, g := range groups {
		seen[g] = true
	}
	for _, want := range []string{"webservers", "all", "wildcard-match"} {
		if !seen[want] {
			t.Errorf("expected group %q in %v", want, groups)
		}
	}

	dbGroups, err := m.GroupsForAgent("db01")
	if err != nil {
		t.Fatal(err)
	}
	if len(dbGroups) != 1 || dbGroups[0] != "databases" {
		t.Errorf("db01 groups = %v", dbGroups)
	}
}

func TestGroupsForAgentDedupsPreservingFirstSeen(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "groups.yml", `
"*": ["all", "common"]
web01: ["common", "web"]
`)
	m := New(dir, nil)
	groups, err := m.GroupsForAgent("web01")
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, g := range groups {
		if g == "common" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected \"common\" exactly once, got %v", groups)
	}
}

// TestGroupsForAgentPrecedenceFollowsDeclarationOrderNotAlphabetical pins
// the ordering guarantee spec.md §3 requires directly: when two patterns
// match the same agent, precedence follows groups.yml's own declaration
// order. "web01" sorts before "zzz-everyone" alphabetically but is
// declared second, so a sort-based implementation would reverse which
// group's groups come first (and which wins a later "last group wins"
// data lookup); this must follow file order instead.
func TestGroupsForAgentPrecedenceFollowsDeclarationOrderNotAlphabetical(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "groups.yml", `
zzz-everyone: ["common"]
web01: ["specific"]
`)
	m := New(dir, nil)
	groups, err := m.GroupsForAgent("web01")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"common", "specific"}
	if len(groups) != len(want) {
		t.Fatalf("groups = %v, want %v", groups, want)
	}
	for i, g := range want {
		if groups[i] != g {
			t.Errorf("groups[%d] = %q, want %q (groups=%v)", i, groups[i], g, groups)
		}
	}
}

func TestDataForAgentSpecialNames(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "groups.yml", `web01: ["webservers"]`)
	m := New(dir, nil)

	agentID, err := m.DataForAgent("web01", "<agent_id>")
	if err != nil || agentID != "web01" {
		t.Fatalf("agent_id = %v, %v", agentID, err)
	}
	groups, err := m.DataForAgent("web01", "<groups>")
	if err != nil {
		t.Fatal(err)
	}
	gs, ok := groups.([]string)
	if !ok || len(gs) != 1 || gs[0] != "webservers" {
		t.Fatalf("groups = %v", groups)
	}
}

func TestDataForAgentAgentEntryOverridesGroup(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "groups.yml", `web01: ["webservers"]`)
	writeYAML(t, dir, "data/webservers.yml", `
role: generic
nested:
  key: group-value
`)
	writeYAML(t, dir, "agents.yml", `
web01:
  secret_hash: x
  data:
    role: specific
`)
	m := New(dir, nil)

	role, err := m.DataForAgent("web01", "role")
	if err != nil || role != "specific" {
		t.Fatalf("role = %v, %v", role, err)
	}
	nested, err := m.DataForAgent("web01", "nested.key")
	if err != nil || nested != "group-value" {
		t.Fatalf("nested.key = %v, %v", nested, err)
	}
}

func TestDataForAgentReverseGroupOrderLaterWins(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "groups.yml", `web01: ["base", "override"]`)
	writeYAML(t, dir, "data/base.yml", "tier: base\n")
	writeYAML(t, dir, "data/override.yml", "tier: override\n")
	m := New(dir, nil)

	tier, err := m.DataForAgent("web01", "tier")
	if err != nil || tier != "override" {
		t.Fatalf("tier = %v, %v", tier, err)
	}
}

func TestDataForAgentNotFound(t *testing.T) {
	m := New(t.TempDir(), nil)
	_, err := m.DataForAgent("web01", "missing.key")
	if err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestLoadYAMLCacheInvalidatesOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "groups.yml", `web01: ["first"]`)
	m := New(dir, nil)

	groups, err := m.GroupsForAgent("web01")
	if err != nil || len(groups) != 1 || groups[0] != "first" {
		t.Fatalf("groups = %v, %v", groups, err)
	}

	// Force a distinct mtime, then rewrite the file with new content.
	future := time.Unix(4102444800, 0) // 2100-01-01, safely after file creation
	if err := os.Chtimes(filepath.Join(dir, "groups.yml"), future, future); err != nil {
		t.Fatal(err)
	}
	writeYAML(t, dir, "groups.yml", `web01: ["second"]`)

	groups, err = m.GroupsForAgent("web01")
	if err != nil || len(groups) != 1 || groups[0] != "second" {
		t.Fatalf("expected refreshed groups, got %v, %v", groups, err)
	}
}

func TestDataFilePathRejectsDotSegments(t *testing.T) {
	m := New(t.TempDir(), nil)
	_, err := m.DataFilePath("web01", "../secrets")
	if err == nil {
		t.Fatal("expected rejection of a path segment starting with \".\"")
	}
}

func TestDataFilePathFindsFileInReverseGroupOrder(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "groups.yml", `web01: ["base", "override"]`)
	if err := os.MkdirAll(filepath.Join(dir, "data", "override", "conf.d"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data", "override", "conf.d", "app.conf"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := New(dir, nil)
	path, err := m.DataFilePath("web01", "conf.d/app.conf")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "app.conf" {
		t.Errorf("path = %q", path)
	}
}

// stateDefMap flattens the ordered-tree shape StateDefinitionForAgent
// returns back into a plain map for assertions that only care about
// values, not declaration order.
func stateDefMap(t *testing.T, tree []any) map[string]any {
	t.Helper()
	out := make(map[string]any, len(tree))
	for _, node := range tree {
		entry, ok := node.(map[string]any)
		if !ok || len(entry) != 1 {
			t.Fatalf("state tree node must be a single-key mapping, got %v", node)
		}
		for k, v := range entry {
			out[k] = v
		}
	}
	return out
}

func TestStateDefinitionDeepMergeListsAndMaps(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "groups.yml", `web01: ["base", "override"]`)
	writeYAML(t, dir, "state/base.yml", `
packages: ["curl", "git"]
settings:
  timeout: 30
  retries: 3
`)
	writeYAML(t, dir, "state/override.yml", `
packages: ["nginx"]
settings:
  timeout: 60
`)
	m := New(dir, nil)
	tree, err := m.StateDefinitionForAgent("web01", "")
	if err != nil {
		t.Fatal(err)
	}
	def := stateDefMap(t, tree)
	packages, ok := def["packages"].([]any)
	if !ok || len(packages) != 3 {
		t.Fatalf("packages = %v", def["packages"])
	}
	settings, ok := def["settings"].(map[string]any)
	if !ok {
		t.Fatalf("settings = %v", def["settings"])
	}
	if settings["timeout"] != 60 {
		t.Errorf("settings.timeout = %v, want overridden 60", settings["timeout"])
	}
	if settings["retries"] != 3 {
		t.Errorf("settings.retries = %v, want preserved 3", settings["retries"])
	}
}

// TestStateDefinitionForAgentPreservesDeclarationOrder pins down the
// walker-facing ordering guarantee directly: task order in the returned
// tree must equal the state file's declaration order, not map iteration
// order. A deliberately non-alphabetical key order ("b" before "a")
// would pass under map ranging by luck about half the time; run enough
// keys that a flaky pass is not plausible.
func TestStateDefinitionForAgentPreservesDeclarationOrder(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "groups.yml", `web01: ["base"]`)
	writeYAML(t, dir, "state/base.yml", `
zeta: {type: "echo.Echo", message: "z"}
mike: {type: "echo.Echo", message: "m"}
alpha: {type: "echo.Echo", message: "a"}
delta: {type: "echo.Echo", message: "d"}
`)
	m := New(dir, nil)
	tree, err := m.StateDefinitionForAgent("web01", "")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"zeta", "mike", "alpha", "delta"}
	if len(tree) != len(want) {
		t.Fatalf("tree = %v, want %d entries", tree, len(want))
	}
	for i, name := range want {
		entry, ok := tree[i].(map[string]any)
		if !ok {
			t.Fatalf("tree[%d] = %v, not a single-key mapping", i, tree[i])
		}
		if _, ok := entry[name]; !ok {
			t.Errorf("tree[%d] = %v, want key %q in declaration position", i, entry, name)
		}
	}
}

// TestStateDefinitionForAgentMergePreservesFirstSeenOrder exercises the
// cross-group merge path: a key repeated in a later group keeps its
// first-seen position even though its value is overridden.
func TestStateDefinitionForAgentMergePreservesFirstSeenOrder(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "groups.yml", `web01: ["base", "override"]`)
	writeYAML(t, dir, "state/base.yml", `
zeta: {type: "echo.Echo", message: "base-z"}
alpha: {type: "echo.Echo", message: "base-a"}
`)
	writeYAML(t, dir, "state/override.yml", `
alpha: {type: "echo.Echo", message: "override-a"}
beta: {type: "echo.Echo", message: "override-b"}
`)
	m := New(dir, nil)
	tree, err := m.StateDefinitionForAgent("web01", "")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"zeta", "alpha", "beta"}
	for i, name := range want {
		entry := tree[i].(map[string]any)
		if _, ok := entry[name]; !ok {
			t.Fatalf("tree[%d] = %v, want key %q", i, entry, name)
		}
	}
	alpha := tree[1].(map[string]any)["alpha"].(map[string]any)
	if alpha["message"] != "override-a" {
		t.Errorf("alpha.message = %v, want override-a", alpha["message"])
	}
}

func TestStateDefinitionWithStateID(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "groups.yml", `web01: ["webservers"]`)
	writeYAML(t, dir, "state/webservers/deploy.yml", `steps: ["build", "push"]`)
	m := New(dir, nil)
	def, err := m.StateDefinitionForAgent("web01", "deploy")
	if err != nil {
		t.Fatal(err)
	}
	steps, ok := def["steps"].([]any)
	if !ok || len(steps) != 2 {
		t.Fatalf("steps = %v", def["steps"])
	}
}

func TestStateDefinitionInterpolation(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "groups.yml", `web01: ["webservers"]`)
	writeYAML(t, dir, "data/webservers.yml", `port: 8080`)
	writeYAML(t, dir, "state/webservers.yml", `
full_value: "${port}"
partial: "listening on port ${port}"
escaped: "literal dollar: $${{not-interpolated"
agent_ref: "${<agent_id>}"
`)
	m := New(dir, nil)
	def, err := m.StateDefinitionForAgent("web01", "")
	if err != nil {
		t.Fatal(err)
	}
	if def["full_value"] != 8080 {
		t.Errorf("full_value = %v (%T), want raw int 8080", def["full_value"], def["full_value"])
	}
	if def["partial"] != "listening on port 8080" {
		t.Errorf("partial = %q", def["partial"])
	}
	if def["escaped"] != "literal dollar: $${not-interpolated" {
		t.Errorf("escaped = %q", def["escaped"])
	}
	if def["agent_ref"] != "web01" {
		t.Errorf("agent_ref = %v", def["agent_ref"])
	}
}
