package allocator

import (
	"sort"

	"bloodbridge/internal/ledger"
)

// Candidate is one inventory cell the allocator may draw from, with the
// snapshot it was ranked on. The walk re-reads the cell before reserving, so
// Available and Version here are hints, not commitments.
type Candidate struct {
	Cell        ledger.CellKey
	Available   int
	Version     uint64
	Exact       bool
	Substituted bool
	Weight      float64
}

// SiteWeigher scores how well a bank suits a hospital; higher is better.
// Deployments plug in distance or contract tiers here.
type SiteWeigher interface {
	Weight(hospital, bank string) float64
}

// UniformWeigher treats every bank the same, leaving ranking to exactness and
// stock depth.
type UniformWeigher struct{}

func (UniformWeigher) Weight(_, _ string) float64 { return 0 }

// rank orders candidates for the reservation walk: exact-type cells first,
// policy substitutions last, and within a tier the heavier site and then the
// deeper stock wins. Cell key breaks remaining ties so the order is stable
// across runs.
func rank(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Exact != b.Exact {
			return a.Exact
		}
		if a.Substituted != b.Substituted {
			return b.Substituted
		}
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		if a.Available != b.Available {
			return a.Available > b.Available
		}
		return a.Cell.String() < b.Cell.String()
	})
}
