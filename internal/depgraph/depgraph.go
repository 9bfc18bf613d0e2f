// Package depgraph answers structural questions about the work-item
// dependency graph: would a proposed edge set create a cycle, is an
// item ready to start, and do two unrelated items declare the same
// output artifact. All functions are pure; callers pass the persisted
// edge set on every check so the view can never go stale.
package depgraph

import (
	"sort"

	"conveyor/internal/domain"
	"conveyor/internal/stage"
)

// Validation is the outcome of a proposed edge insertion.
type Validation struct {
	Valid bool
	// Cycle is the offending path when Valid is false. It starts and
	// ends at the revisited node, e.g. [A C B A].
	Cycle []string
}

// ValidateNewEdges simulates adding itemID -> dep edges for every dep
// in proposed on top of existing, and reports the first cycle found.
// This runs before commit; a cycle must never land in storage.
func ValidateNewEdges(itemID string, proposed []string, existing []domain.DependencyEdge) Validation {
	// Self-reference needs no graph walk.
	for _, dep := range proposed {
		if dep == itemID {
			return Validation{Valid: false, Cycle: []string{itemID, itemID}}
		}
	}

	adj := adjacency(existing)
	for _, dep := range proposed {
		adj[itemID] = append(adj[itemID], dep)
	}

	var stack []string
	onStack := map[string]bool{}
	visited := map[string]bool{}

	var walk func(node string) []string
	walk = func(node string) []string {
		stack = append(stack, node)
		onStack[node] = true
		for _, next := range adj[node] {
			if onStack[next] {
				return cycleFrom(stack, next)
			}
			if visited[next] {
				continue
			}
			if cycle := walk(next); cycle != nil {
				return cycle
			}
		}
		stack = stack[:len(stack)-1]
		onStack[node] = false
		visited[node] = true
		return nil
	}

	if cycle := walk(itemID); cycle != nil {
		return Validation{Valid: false, Cycle: cycle}
	}
	return Validation{Valid: true}
}

// cycleFrom slices the recursion stack from the revisited node forward
// and closes the loop by repeating it.
func cycleFrom(stack []string, node string) []string {
	for i, s := range stack {
		if s == node {
			cycle := make([]string, 0, len(stack)-i+1)
			cycle = append(cycle, stack[i:]...)
			return append(cycle, node)
		}
	}
	return nil
}

// StageLookup resolves an item id to its current stage. The second
// return is false when the id is unknown.
type StageLookup func(id string) (stage.Stage, bool)

// Ready reports whether every dependency of itemID has reached done.
// An item with no dependencies is trivially ready. Unknown dependency
// targets count as not done.
func Ready(itemID string, edges []domain.DependencyEdge, stageOf StageLookup) bool {
	return len(BlockedBy(itemID, edges, stageOf)) == 0
}

// BlockedBy returns the dependency ids of itemID that are not yet done,
// sorted for stable diagnostics.
func BlockedBy(itemID string, edges []domain.DependencyEdge, stageOf StageLookup) []string {
	var blocking []string
	for _, e := range edges {
		if e.ItemID != itemID {
			continue
		}
		s, ok := stageOf(e.DependsOn)
		if !ok || s != stage.Done {
			blocking = append(blocking, e.DependsOn)
		}
	}
	sort.Strings(blocking)
	return blocking
}

// Collision reports two items that declare the same output path while
// neither depends (transitively) on the other, so concurrent execution
// could race on the artifact.
type Collision struct {
	Path  string   `json:"path"`
	Items []string `json:"items"`
}

// OutputOwner pairs an item with its declared output paths.
type OutputOwner struct {
	ID      string
	Outputs []string
}

// DetectOutputCollisions finds output paths shared by items with no
// dependency ordering between the writers. Items are grouped by path
// first so the pairwise reachability check is quadratic only in the
// writers of one path.
func DetectOutputCollisions(items []OutputOwner, edges []domain.DependencyEdge) []Collision {
	byPath := map[string][]string{}
	for _, it := range items {
		seen := map[string]bool{}
		for _, p := range it.Outputs {
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			byPath[p] = append(byPath[p], it.ID)
		}
	}

	adj := adjacency(edges)
	var collisions []Collision
	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		owners := byPath[p]
		if len(owners) < 2 {
			continue
		}
		sort.Strings(owners)
		for i := 0; i < len(owners); i++ {
			for j := i + 1; j < len(owners); j++ {
				a, b := owners[i], owners[j]
				if reaches(adj, a, b) || reaches(adj, b, a) {
					continue
				}
				collisions = append(collisions, Collision{Path: p, Items: []string{a, b}})
			}
		}
	}
	return collisions
}

func adjacency(edges []domain.DependencyEdge) map[string][]string {
	adj := map[string][]string{}
	for _, e := range edges {
		adj[e.ItemID] = append(adj[e.ItemID], e.DependsOn)
	}
	return adj
}

// reaches walks dependency edges from src looking for dst.
func reaches(adj map[string][]string, src, dst string) bool {
	visited := map[string]bool{}
	frontier := []string{src}
	for len(frontier) > 0 {
		node := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if node == dst {
			return true
		}
		if visited[node] {
			continue
		}
		visited[node] = true
		frontier = append(frontier, adj[node]...)
	}
	return false
}
