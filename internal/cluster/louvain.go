// Package cluster detects communities over the trial-term graph using
// Louvain modularity optimization from gonum.
package cluster

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	gonumgraph "gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/graphmed/trialgraph/internal/graph"
)

// Defaults for community detection.
const (
	DefaultResolution = 1.0
	DefaultSeed       = uint64(1)
)

// Options configures a detection run. The zero value is replaced with the
// defaults, which give deterministic partitions for a fixed graph.
type Options struct {
	Resolution float64
	Seed       uint64
}

// DefaultOptions returns the default detection options.
func DefaultOptions() Options {
	return Options{Resolution: DefaultResolution, Seed: DefaultSeed}
}

// Result holds the community assignments of a detection run. Communities are
// numbered 0..Count-1 in order of their first member (node keys sorted
// ascending). Count covers every partition class, including classes holding
// only terms or a single isolated trial.
type Result struct {
	TrialCommunities map[string]int64
	TermCommunities  map[string]int64
	Count            int
	Modularity       float64
}

// Detect runs Louvain community detection over the staged graph. Trials and
// terms share one undirected projection; isolated trials participate as
// singleton nodes. An empty graph yields a zero Result without error.
func Detect(g *graph.TrialGraph, opts Options) (*Result, error) {
	if opts.Resolution <= 0 {
		opts.Resolution = DefaultResolution
	}
	if opts.Seed == 0 {
		opts.Seed = DefaultSeed
	}

	result := &Result{
		TrialCommunities: make(map[string]int64),
		TermCommunities:  make(map[string]int64),
	}

	// Stable int64 node IDs: kind-prefixed keys sorted ascending.
	trialIDs := g.SortedTrialIDs()
	termIDs := g.SortedTermIDs()
	keys := make([]string, 0, len(trialIDs)+len(termIDs))
	for _, id := range trialIDs {
		keys = append(keys, nodeKey(graph.KindTrial, id))
	}
	for _, id := range termIDs {
		keys = append(keys, nodeKey(graph.KindTerm, id))
	}
	if len(keys) == 0 {
		return result, nil
	}
	sort.Strings(keys)

	idOf := make(map[string]int64, len(keys))
	keyOf := make([]string, len(keys))
	for i, key := range keys {
		idOf[key] = int64(i)
		keyOf[i] = key
	}

	ug := simple.NewUndirectedGraph()
	for i := range keys {
		ug.AddNode(simple.Node(int64(i)))
	}

	edgeCount := 0
	for _, trialID := range trialIDs {
		from := idOf[nodeKey(graph.KindTrial, trialID)]
		for termID := range g.Neighbors(trialID) {
			to := idOf[nodeKey(graph.KindTerm, termID)]
			ug.SetEdge(simple.Edge{F: simple.Node(from), T: simple.Node(to)})
			edgeCount++
		}
	}

	src := rand.NewPCG(opts.Seed, opts.Seed)
	reduced := community.Modularize(ug, opts.Resolution, src)
	communities := reduced.Communities()

	if edgeCount > 0 {
		q := community.Q(ug, communities, opts.Resolution)
		if !math.IsNaN(q) {
			result.Modularity = q
		}
	}

	assignCommunities(result, communities, keyOf)
	return result, nil
}

// assignCommunities numbers the partition classes by their first member and
// fills the per-kind assignment maps.
func assignCommunities(result *Result, communities [][]gonumgraph.Node, keyOf []string) {
	classes := make([][]string, 0, len(communities))
	for _, members := range communities {
		class := make([]string, 0, len(members))
		for _, node := range members {
			class = append(class, keyOf[node.ID()])
		}
		sort.Strings(class)
		classes = append(classes, class)
	}
	sort.Slice(classes, func(i, j int) bool {
		return classes[i][0] < classes[j][0]
	})

	for number, class := range classes {
		for _, key := range class {
			kind, id := splitNodeKey(key)
			switch kind {
			case graph.KindTrial:
				result.TrialCommunities[id] = int64(number)
			case graph.KindTerm:
				result.TermCommunities[id] = int64(number)
			}
		}
	}
	result.Count = len(classes)
}

// nodeKey builds the kind-prefixed projection key for a node. The switch is
// exhaustive over the closed NodeKind enum.
func nodeKey(kind graph.NodeKind, id string) string {
	switch kind {
	case graph.KindTrial:
		return "t:" + id
	case graph.KindTerm:
		return "m:" + id
	default:
		panic(fmt.Sprintf("unknown node kind %q", kind))
	}
}

// splitNodeKey reverses nodeKey.
func splitNodeKey(key string) (graph.NodeKind, string) {
	switch {
	case len(key) > 2 && key[:2] == "t:":
		return graph.KindTrial, key[2:]
	case len(key) > 2 && key[:2] == "m:":
		return graph.KindTerm, key[2:]
	default:
		panic(fmt.Sprintf("malformed node key %q", key))
	}
}
