package service

import "sort"

// Clusterer groups n items by pairwise similarity. The crystallizer
// only needs mutual cliques today; the interface leaves room for a real
// clustering algorithm if crystal counts ever outgrow O(n^2) scans.
type Clusterer interface {
	Groups(n int, sim func(i, j int) float64, threshold float64) [][]int
}

// CliqueClusterer seeds a candidate group from each item and its
// above-threshold partners, keeps the group only when every pair inside
// it is mutually above threshold, and discards groups subsumed by a
// larger one.
type CliqueClusterer struct{}

func (CliqueClusterer) Groups(n int, sim func(i, j int) float64, threshold float64) [][]int {
	var groups [][]int
	for seed := 0; seed < n; seed++ {
		candidate := []int{seed}
		for j := 0; j < n; j++ {
			if j != seed && sim(seed, j) >= threshold {
				candidate = append(candidate, j)
			}
		}
		if len(candidate) < 2 {
			continue
		}
		sort.Ints(candidate)
		if !isClique(candidate, sim, threshold) {
			continue
		}
		groups = append(groups, candidate)
	}
	return dropSubsets(groups)
}

func isClique(group []int, sim func(i, j int) float64, threshold float64) bool {
	for i := 0; i < len(group); i++ {
		for j := i + 1; j < len(group); j++ {
			if sim(group[i], group[j]) < threshold {
				return false
			}
		}
	}
	return true
}

// dropSubsets removes groups fully contained in another group,
// including exact duplicates.
func dropSubsets(groups [][]int) [][]int {
	var out [][]int
	for i, g := range groups {
		subsumed := false
		for j, other := range groups {
			if i == j || len(g) > len(other) {
				continue
			}
			if len(g) == len(other) && i < j {
				continue
			}
			if containsAll(other, g) {
				subsumed = true
				break
			}
		}
		if !subsumed {
			out = append(out, g)
		}
	}
	return out
}

func containsAll(set, subset []int) bool {
	members := make(map[int]struct{}, len(set))
	for _, v := range set {
		members[v] = struct{}{}
	}
	for _, v := range subset {
		if _, ok := members[v]; !ok {
			return false
		}
	}
	return true
}
