// Package powersdag implements the PowersDag: a directed acyclic graph
// describing how a small set of source ciphertext powers (the ones a
// Receiver actually sends) combine, two at a time, into every power up to
// max_items_per_bin that the Sender's polynomial evaluation needs.
package powersdag

import (
	"sort"

	"github.com/luxfi/apsi/internal/apsierr"
)

// Node is one vertex of the DAG: either a source (ParentA == ParentB == 0,
// IsSource true) or an internal node whose two parents sum to Power.
type Node struct {
	Power   uint32
	IsSource bool
	ParentA  uint32
	ParentB  uint32
	Depth    int
}

// Dag is a configured PowersDag: a map from power to the node that produces
// it, built once by Configure and then read-only.
type Dag struct {
	nodes map[uint32]Node
	depth int
}

// Configure builds the shallowest DAG such that every power in
// sourcePowers ∪ targetPowers is present, every source power has in-degree
// 0, and every non-source node has exactly two parents summing to its
// power. Construction is greedy-layered: each round, every sum of two
// already-present powers that lands in targetPowers and is not yet present
// is added; ties on depth are broken by iterating parents in ascending
// numeric order. Configure fails if some target power is unreachable.
func Configure(sourcePowers, targetPowers []uint32) (*Dag, error) {
	if len(sourcePowers) == 0 {
		return nil, apsierr.Wrap(apsierr.ErrInvalidParams, "powersdag: source_powers must be non-empty")
	}

	nodes := make(map[uint32]Node, len(targetPowers))
	present := make([]uint32, 0, len(sourcePowers))

	for _, p := range sourcePowers {
		if p == 0 {
			return nil, apsierr.Wrap(apsierr.ErrInvalidParams, "powersdag: source power 0 is not allowed")
		}
		if _, ok := nodes[p]; ok {
			continue
		}
		nodes[p] = Node{Power: p, IsSource: true, Depth: 0}
		present = append(present, p)
	}

	remaining := make(map[uint32]bool, len(targetPowers))
	for _, t := range targetPowers {
		if _, ok := nodes[t]; !ok {
			remaining[t] = true
		}
	}

	maxDepth := 0
	for len(remaining) > 0 {
		sort.Slice(present, func(i, j int) bool { return present[i] < present[j] })

		type candidate struct {
			sum         uint32
			a, b, depth int
		}
		var found []candidate
		for i := 0; i < len(present); i++ {
			for j := i; j < len(present); j++ {
				sum := present[i] + present[j]
				if !remaining[sum] {
					continue
				}
				na := nodes[present[i]]
				nb := nodes[present[j]]
				d := na.Depth
				if nb.Depth > d {
					d = nb.Depth
				}
				d++
				found = append(found, candidate{sum: sum, a: int(present[i]), b: int(present[j]), depth: d})
			}
		}
		if len(found) == 0 {
			missing := make([]uint32, 0, len(remaining))
			for t := range remaining {
				missing = append(missing, t)
			}
			sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
			return nil, apsierr.Wrapf(apsierr.ErrInvalidParams,
				"powersdag: target powers %v unreachable from source powers %v", missing, sourcePowers)
		}

		// Dedup candidates landing on the same sum, keeping the shallowest
		// (ties broken by smallest parent pair, since `found` is generated
		// in ascending (i, j) order over sorted `present`).
		bestForSum := make(map[uint32]candidate)
		for _, c := range found {
			cur, ok := bestForSum[c.sum]
			if !ok || c.depth < cur.depth {
				bestForSum[c.sum] = c
			}
		}

		newlyPresent := make([]uint32, 0, len(bestForSum))
		for sum, c := range bestForSum {
			nodes[sum] = Node{
				Power:   sum,
				ParentA: uint32(c.a),
				ParentB: uint32(c.b),
				Depth:   c.depth,
			}
			delete(remaining, sum)
			newlyPresent = append(newlyPresent, sum)
			if c.depth > maxDepth {
				maxDepth = c.depth
			}
		}
		present = append(present, newlyPresent...)
	}

	return &Dag{nodes: nodes, depth: maxDepth}, nil
}

// Node returns the DAG node for power p, if present.
func (d *Dag) Node(p uint32) (Node, bool) {
	n, ok := d.nodes[p]
	return n, ok
}

// Depth is the longest root-to-leaf path length in the configured DAG.
func (d *Dag) Depth() int { return d.depth }

// TopoOrder returns every non-source node in an order where a node always
// follows both of its parents — the order internal/sender walks to compute
// ciphertext powers.
func (d *Dag) TopoOrder() []Node {
	out := make([]Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		if !n.IsSource {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].Power < out[j].Power
	})
	return out
}

// AllPowers returns every power present in the DAG (sources and derived),
// in ascending order.
func (d *Dag) AllPowers() []uint32 {
	out := make([]uint32, 0, len(d.nodes))
	for p := range d.nodes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultTargetPowers builds the default target set: {1, ...,
// maxItemsPerBin} when psLowDegree is 0, otherwise
// {1, ..., psLowDegree} ∪ {psLowDegree*k : 1 <= k <= maxItemsPerBin/psLowDegree}.
func DefaultTargetPowers(maxItemsPerBin, psLowDegree uint32) []uint32 {
	if psLowDegree == 0 {
		out := make([]uint32, maxItemsPerBin)
		for i := range out {
			out[i] = uint32(i + 1)
		}
		return out
	}

	seen := make(map[uint32]bool)
	var out []uint32
	add := func(p uint32) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for i := uint32(1); i <= psLowDegree; i++ {
		add(i)
	}
	for k := uint32(1); k*psLowDegree <= maxItemsPerBin; k++ {
		add(k * psLowDegree)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
