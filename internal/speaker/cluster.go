package speaker

import (
	"fmt"
	"sort"
)

// mergeBelow is the cosine-distance ceiling for continuing merges past the
// cluster cap: same-voice groups sit well under it, distinct voices well
// over. Matches the fast-clustering threshold used by the diarization
// models.
const mergeBelow = 0.5

// agglomerate groups n embeddings into at most k clusters by average-linkage
// agglomerative clustering over cosine distance. Merging continues past k
// while the closest pair stays within mergeBelow, so two-voice recordings
// resolve to two clusters even when the cap allows more. Each returned
// cluster is a sorted list of input indices.
//
// Linkage distances update by the Lance-Williams recurrence for average
// linkage, so merges cost O(n) each instead of re-scanning member pairs.
func agglomerate(embeddings [][]float64, k int) ([][]int, error) {
	n := len(embeddings)
	if k < 1 || k > n {
		return nil, fmt.Errorf("speaker: cannot form %d clusters from %d embeddings", k, n)
	}
	dim := len(embeddings[0])
	for i, e := range embeddings {
		if len(e) != dim {
			return nil, fmt.Errorf("speaker: embedding %d has dim %d, want %d", i, len(e), dim)
		}
	}

	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := 1 - cosine(embeddings[i], embeddings[j])
			dist[i][j], dist[j][i] = d, d
		}
	}

	active := make([]bool, n)
	size := make([]int, n)
	members := make([][]int, n)
	for i := 0; i < n; i++ {
		active[i] = true
		size[i] = 1
		members[i] = []int{i}
	}

	for remaining := n; remaining > 1; remaining-- {
		// Closest active pair; ties resolve to the lowest index pair so
		// the result does not depend on iteration order.
		bi, bj, bd := -1, -1, 0.0
		for i := 0; i < n; i++ {
			if !active[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if !active[j] {
					continue
				}
				if bi < 0 || dist[i][j] < bd {
					bi, bj, bd = i, j, dist[i][j]
				}
			}
		}
		if remaining <= k && bd >= mergeBelow {
			break
		}

		// Merge bj into bi.
		wi := float64(size[bi]) / float64(size[bi]+size[bj])
		wj := float64(size[bj]) / float64(size[bi]+size[bj])
		for t := 0; t < n; t++ {
			if !active[t] || t == bi || t == bj {
				continue
			}
			d := wi*dist[bi][t] + wj*dist[bj][t]
			dist[bi][t], dist[t][bi] = d, d
		}
		members[bi] = append(members[bi], members[bj]...)
		size[bi] += size[bj]
		active[bj] = false
		members[bj] = nil
	}

	clusters := make([][]int, 0, k)
	for i := 0; i < n; i++ {
		if active[i] {
			sort.Ints(members[i])
			clusters = append(clusters, members[i])
		}
	}
	return clusters, nil
}
