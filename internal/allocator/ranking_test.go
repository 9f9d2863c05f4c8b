package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"bloodbridge/internal/ledger"
	"bloodbridge/pkg/domain"
)

func cell(bank string, bt domain.BloodType) ledger.CellKey {
	return ledger.CellKey{Bank: bank, Type: bt, Component: domain.ComponentWhole}
}

func TestRankOrdersByExactnessWeightAndDepth(t *testing.T) {
	cands := []Candidate{
		{Cell: cell("central", domain.OPos), Available: 9, Substituted: true},
		{Cell: cell("mercy", domain.ONeg), Available: 2},
		{Cell: cell("central", domain.ABNeg), Available: 7, Exact: true},
		{Cell: cell("mercy", domain.ABNeg), Available: 1, Exact: true, Weight: 1},
		{Cell: cell("central", domain.BNeg), Available: 4},
	}
	rank(cands)

	assert.Equal(t, cell("mercy", domain.ABNeg), cands[0].Cell)
	assert.Equal(t, cell("central", domain.ABNeg), cands[1].Cell)
	assert.Equal(t, cell("central", domain.BNeg), cands[2].Cell)
	assert.Equal(t, cell("mercy", domain.ONeg), cands[3].Cell)
	assert.Equal(t, cell("central", domain.OPos), cands[4].Cell)
}

func TestRankBreaksTiesByCellKey(t *testing.T) {
	cands := []Candidate{
		{Cell: cell("mercy", domain.ONeg), Available: 3},
		{Cell: cell("central", domain.ONeg), Available: 3},
	}
	rank(cands)
	assert.Equal(t, cell("central", domain.ONeg), cands[0].Cell)
	assert.Equal(t, cell("mercy", domain.ONeg), cands[1].Cell)
}
