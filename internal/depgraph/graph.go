// Package depgraph maintains the bundle dependency DAG used for readiness
// checks, cycle rejection and memoized lookups.
package depgraph

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/seantiz/cinder/internal/model"
)

// CycleError is returned when adding a bundle would close a dependency cycle.
// Path lists bundle UUIDs in "depends on" order and starts and ends with the
// same UUID.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

func (e *CycleError) Unwrap() error {
	return model.ErrValidation
}

// DuplicateChildPathError is returned when two dependencies of one bundle
// claim the same child path.
type DuplicateChildPathError struct {
	BundleUUID string
	ChildPath  string
}

func (e *DuplicateChildPathError) Error() string {
	return fmt.Sprintf("bundle %s: duplicate child path %q", e.BundleUUID, e.ChildPath)
}

func (e *DuplicateChildPathError) Unwrap() error {
	return model.ErrValidation
}

type node struct {
	uuid    string
	defined bool
	state   string
	command string
	memoKey string

	// Indices into Graph.nodes.
	parents  []int
	children []int
}

// Graph is an arena of bundle nodes with parent/child adjacency lists.
// A node referenced as a parent before it is added is kept as an undefined
// placeholder; placeholders are never ready.
// It is safe for concurrent use.
type Graph struct {
	mu    sync.RWMutex
	index map[string]int
	nodes []*node
	memo  map[string][]int
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		index: make(map[string]int),
		memo:  make(map[string][]int),
	}
}

// Len returns the number of defined bundles in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, nd := range g.nodes {
		if nd.defined {
			n++
		}
	}
	return n
}

// AddBundle inserts a bundle with its dependencies. On any error the graph
// is left unchanged.
func (g *Graph) AddBundle(uuid, command, state string, deps []model.Dependency) error {
	if uuid == "" {
		return model.Validationf("bundle uuid is required")
	}

	seen := make(map[string]bool, len(deps))
	var parentUUIDs []string
	for _, d := range deps {
		if d.ChildPath == "" {
			return model.Validationf("bundle %s: dependency on %s has empty child path", uuid, d.ParentUUID)
		}
		if d.ParentUUID == "" {
			return model.Validationf("bundle %s: dependency %q has no parent", uuid, d.ChildPath)
		}
		if seen[d.ChildPath] {
			return &DuplicateChildPathError{BundleUUID: uuid, ChildPath: d.ChildPath}
		}
		seen[d.ChildPath] = true
		if !slices.Contains(parentUUIDs, d.ParentUUID) {
			parentUUIDs = append(parentUUIDs, d.ParentUUID)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	self, exists := g.index[uuid]
	if exists && g.nodes[self].defined {
		return model.Conflictf("bundle %s already exists", uuid)
	}

	for _, p := range parentUUIDs {
		if p == uuid {
			return &CycleError{Path: []string{uuid, uuid}}
		}
	}
	// Only a placeholder can already have children, so only then can the new
	// edges close a cycle.
	if exists {
		if path := g.findPathToLocked(self, parentUUIDs); path != nil {
			return &CycleError{Path: path}
		}
	}

	if !exists {
		self = g.allocLocked(uuid)
	}
	nd := g.nodes[self]
	nd.defined = true
	nd.state = state
	nd.command = command
	nd.memoKey = memoKey(command, deps)

	for _, p := range parentUUIDs {
		pi, ok := g.index[p]
		if !ok {
			pi = g.allocLocked(p)
		}
		nd.parents = append(nd.parents, pi)
		g.nodes[pi].children = append(g.nodes[pi].children, self)
	}
	g.memo[nd.memoKey] = append(g.memo[nd.memoKey], self)
	return nil
}

func (g *Graph) allocLocked(uuid string) int {
	idx := len(g.nodes)
	g.nodes = append(g.nodes, &node{uuid: uuid})
	g.index[uuid] = idx
	return idx
}

// findPathToLocked walks the ancestor closure of the proposed parents looking
// for target. It returns the cycle that the new edges would close, or nil.
func (g *Graph) findPathToLocked(target int, parentUUIDs []string) []string {
	for _, p := range parentUUIDs {
		start, ok := g.index[p]
		if !ok {
			continue
		}
		via := map[int]int{start: -1}
		queue := []int{start}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, anc := range g.nodes[cur].parents {
				if anc == target {
					chain := []string{g.nodes[target].uuid}
					var rev []string
					for n := cur; n != -1; n = via[n] {
						rev = append(rev, g.nodes[n].uuid)
					}
					slices.Reverse(rev)
					chain = append(chain, rev...)
					return append(chain, g.nodes[target].uuid)
				}
				if _, seen := via[anc]; seen {
					continue
				}
				via[anc] = cur
				queue = append(queue, anc)
			}
		}
	}
	return nil
}

// Remove undoes AddBundle for uuid. If other bundles still depend on it the
// node stays behind as a placeholder.
func (g *Graph) Remove(uuid string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, ok := g.index[uuid]
	if !ok || !g.nodes[idx].defined {
		return
	}
	nd := g.nodes[idx]
	for _, p := range nd.parents {
		pn := g.nodes[p]
		pn.children = slices.DeleteFunc(pn.children, func(c int) bool { return c == idx })
	}
	g.memo[nd.memoKey] = slices.DeleteFunc(g.memo[nd.memoKey], func(c int) bool { return c == idx })
	if len(g.memo[nd.memoKey]) == 0 {
		delete(g.memo, nd.memoKey)
	}
	nd.parents = nil
	nd.defined = false
	nd.state = ""
	nd.command = ""
	nd.memoKey = ""
}

// SetState records the cached state for uuid. It reports false if uuid is not a defined bundle.
func (g *Graph) SetState(uuid, state string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, ok := g.index[uuid]
	if !ok || !g.nodes[idx].defined {
		return false
	}
	g.nodes[idx].state = state
	return true
}

// State returns the cached state for uuid.
func (g *Graph) State(uuid string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.index[uuid]
	if !ok || !g.nodes[idx].defined {
		return "", false
	}
	return g.nodes[idx].state, true
}

// IsReady reports whether every parent of uuid is ready. Unknown bundles are never ready.
func (g *Graph) IsReady(uuid string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.index[uuid]
	if !ok || !g.nodes[idx].defined {
		return false
	}
	for _, p := range g.nodes[idx].parents {
		pn := g.nodes[p]
		if !pn.defined || pn.state != model.StateReady {
			return false
		}
	}
	return true
}

// FailedParent returns the first parent of uuid that is in the failed state.
func (g *Graph) FailedParent(uuid string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.index[uuid]
	if !ok {
		return "", false
	}
	for _, p := range g.nodes[idx].parents {
		if pn := g.nodes[p]; pn.defined && pn.state == model.StateFailed {
			return pn.uuid, true
		}
	}
	return "", false
}

// Parents returns the distinct parent UUIDs of uuid in dependency order.
func (g *Graph) Parents(uuid string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.index[uuid]
	if !ok {
		return nil
	}
	return g.uuidsLocked(g.nodes[idx].parents)
}

// Children returns the UUIDs of bundles that directly depend on uuid, in insertion order.
func (g *Graph) Children(uuid string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.index[uuid]
	if !ok {
		return nil
	}
	return g.uuidsLocked(g.nodes[idx].children)
}

// Descendants returns every bundle that transitively depends on uuid, in
// breadth-first order.
func (g *Graph) Descendants(uuid string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.index[uuid]
	if !ok {
		return nil
	}

	visited := map[int]bool{idx: true}
	queue := slices.Clone(g.nodes[idx].children)
	var out []int
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		out = append(out, cur)
		queue = append(queue, g.nodes[cur].children...)
	}
	return g.uuidsLocked(out)
}

func (g *Graph) uuidsLocked(idxs []int) []string {
	out := make([]string, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, g.nodes[i].uuid)
	}
	return out
}

// FindMemoized returns the most recently added bundle with the same command
// and the same set of (parent_uuid, child_path) pairs. Failed bundles are skipped.
func (g *Graph) FindMemoized(command string, deps []model.Dependency) (string, bool) {
	key := memoKey(command, deps)

	g.mu.RLock()
	defer g.mu.RUnlock()
	candidates := g.memo[key]
	for i := len(candidates) - 1; i >= 0; i-- {
		nd := g.nodes[candidates[i]]
		if nd.state == model.StateFailed {
			continue
		}
		return nd.uuid, true
	}
	return "", false
}

// memoKey is independent of dependency order.
func memoKey(command string, deps []model.Dependency) string {
	pairs := make([]string, len(deps))
	for i, d := range deps {
		pairs[i] = d.ParentUUID + "\x00" + d.ChildPath
	}
	slices.Sort(pairs)
	return command + "\x01" + strings.Join(pairs, "\x01")
}
