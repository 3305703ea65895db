// Package metrics scores how differently two splitter configurations carve
// the same transaction group into clusters. The shadow evaluator runs the
// production and the candidate configuration side by side and persists these
// scores for review before a parameter change ships.
package metrics

import (
	"bytes"
	"math"
	"sort"

	"github.com/google/uuid"
)

// Partition assigns each member of a fixed-order set to a cluster, as
// integer labels. Label values carry no meaning beyond identity.
type Partition []int

// AlignPartitions converts two cluster assignments over the same transaction
// set into label slices sharing one member order. Members present on only
// one side are dropped, so a configuration that discards more small clusters
// still compares cleanly on the overlap.
func AlignPartitions(a, b map[uuid.UUID]int) (Partition, Partition) {
	ids := make([]uuid.UUID, 0, len(a))
	for id := range a {
		if _, ok := b[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	pa := make(Partition, len(ids))
	pb := make(Partition, len(ids))
	for i, id := range ids {
		pa[i], pb[i] = a[id], b[id]
	}
	return pa, pb
}

// AdjustedRandIndex measures pairwise agreement between two partitions,
// corrected for chance:
//
//	ARI = (RI - E[RI]) / (max RI - E[RI])
//
// 1 means identical clusterings, 0 means what random assignment would score,
// negative values are worse than random. Degenerate inputs score 0.
func AdjustedRandIndex(a, b Partition) float64 {
	t := tabulate(a, b)
	if t == nil {
		return 0
	}

	var pairsBoth float64
	for i := range t.cells {
		for _, c := range t.cells[i] {
			pairsBoth += choose2(c)
		}
	}
	var pairsA, pairsB float64
	for _, r := range t.rowSums {
		pairsA += choose2(r)
	}
	for _, c := range t.colSums {
		pairsB += choose2(c)
	}

	total := choose2(t.n)
	if total == 0 {
		return 0
	}
	expected := pairsA * pairsB / total
	maxIndex := (pairsA + pairsB) / 2

	den := maxIndex - expected
	if math.Abs(den) < 1e-12 {
		// both sides put everything in one cluster, or everything apart
		return 1
	}
	return (pairsBoth - expected) / den
}

// VariationOfInformation is the information-theoretic distance between two
// partitions:
//
//	VI(A, B) = H(A|B) + H(B|A)
//
// 0 means identical partitions; the value grows with the information one
// clustering holds that the other does not. Degenerate inputs score 0.
func VariationOfInformation(a, b Partition) float64 {
	t := tabulate(a, b)
	if t == nil {
		return 0
	}

	nf := float64(t.n)
	var vi float64
	for i := range t.cells {
		for j, c := range t.cells[i] {
			if c == 0 {
				continue
			}
			pij := float64(c) / nf
			vi -= pij * math.Log2(float64(c)/float64(t.colSums[j]))
			vi -= pij * math.Log2(float64(c)/float64(t.rowSums[i]))
		}
	}
	return vi
}

// contingency is the joint label count table both metrics read from.
type contingency struct {
	cells   [][]int
	rowSums []int
	colSums []int
	n       int
}

func tabulate(a, b Partition) *contingency {
	if len(a) != len(b) || len(a) < 2 {
		return nil
	}
	la, ka := relabel(a)
	lb, kb := relabel(b)

	t := &contingency{
		cells:   make([][]int, ka),
		rowSums: make([]int, ka),
		colSums: make([]int, kb),
		n:       len(a),
	}
	for i := range t.cells {
		t.cells[i] = make([]int, kb)
	}
	for k := range la {
		t.cells[la[k]][lb[k]]++
		t.rowSums[la[k]]++
		t.colSums[lb[k]]++
	}
	return t
}

// relabel compresses arbitrary labels into 0..k-1 in first-seen order.
func relabel(p Partition) ([]int, int) {
	seen := make(map[int]int, len(p))
	out := make([]int, len(p))
	for i, l := range p {
		id, ok := seen[l]
		if !ok {
			id = len(seen)
			seen[l] = id
		}
		out[i] = id
	}
	return out, len(seen)
}

func choose2(n int) float64 {
	if n < 2 {
		return 0
	}
	return float64(n) * float64(n-1) / 2
}
