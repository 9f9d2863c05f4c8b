package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"bloodbridge/pkg/domain"
	pkgerrors "bloodbridge/pkg/errors"
)

type LedgerSuite struct {
	suite.Suite
	store  *InMemoryStore
	ledger *Ledger
	clock  time.Time
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func (s *LedgerSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.clock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.ledger = New(s.store, WithClock(func() time.Time { return s.clock }))
}

func (s *LedgerSuite) key() CellKey {
	return CellKey{Bank: "bank-001", Type: domain.ONeg, Component: domain.ComponentWhole}
}

func (s *LedgerSuite) TestEmptyCellReadsZero() {
	snap, err := s.ledger.CurrentSnapshot(context.Background(), s.key())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 0, snap.Units)
	assert.Equal(s.T(), uint64(0), snap.Version)
}

func (s *LedgerSuite) TestAppendAdvancesVersionChain() {
	ctx := context.Background()

	v1, err := s.ledger.Append(ctx, s.key(), +5, "bank-001")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), uint64(1), v1.Version)
	assert.Equal(s.T(), 5, v1.Units)

	v2, err := s.ledger.Append(ctx, s.key(), -2, "hops-0001")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), uint64(2), v2.Version)
	assert.Equal(s.T(), 3, v2.Units)

	snap, err := s.ledger.CurrentSnapshot(ctx, s.key())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 3, snap.Units)
	assert.Equal(s.T(), uint64(2), snap.Version)
}

func (s *LedgerSuite) TestNegativeInventoryRejectedWithoutEffect() {
	ctx := context.Background()

	_, err := s.ledger.Append(ctx, s.key(), +2, "bank-001")
	require.NoError(s.T(), err)

	_, err = s.ledger.Append(ctx, s.key(), -3, "hops-0001")
	require.Error(s.T(), err)
	assert.Equal(s.T(), pkgerrors.CodeNegativeInventory, pkgerrors.CodeOf(err))

	snap, err := s.ledger.CurrentSnapshot(ctx, s.key())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 2, snap.Units)
	assert.Equal(s.T(), uint64(1), snap.Version)
}

func (s *LedgerSuite) TestZeroDeltaRejected() {
	_, err := s.ledger.Append(context.Background(), s.key(), 0, "bank-001")
	require.Error(s.T(), err)
	assert.Equal(s.T(), pkgerrors.CodeInvalidRequest, pkgerrors.CodeOf(err))
}

func (s *LedgerSuite) TestCompareAppendDetectsStaleVersion() {
	ctx := context.Background()

	_, err := s.ledger.Append(ctx, s.key(), +4, "bank-001")
	require.NoError(s.T(), err)

	// Writer holding version 0 lost the race.
	_, err = s.ledger.CompareAppend(ctx, s.key(), -1, "hops-0001", 0)
	require.Error(s.T(), err)
	assert.Equal(s.T(), pkgerrors.CodeConflict, pkgerrors.CodeOf(err))
}

func (s *LedgerSuite) TestInvalidCellKeyRejected() {
	_, err := s.ledger.CurrentSnapshot(context.Background(), CellKey{Bank: "b", Type: "X+", Component: domain.ComponentWhole})
	require.Error(s.T(), err)
	assert.Equal(s.T(), pkgerrors.CodeInvalidBloodType, pkgerrors.CodeOf(err))

	_, err = s.ledger.Append(context.Background(), CellKey{Bank: "b", Type: domain.ONeg, Component: "serum"}, 1, "b")
	require.Error(s.T(), err)
	assert.Equal(s.T(), pkgerrors.CodeInvalidComponent, pkgerrors.CodeOf(err))
}

func (s *LedgerSuite) TestHistoryAtFoldsDeltas() {
	ctx := context.Background()

	s.clock = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	_, err := s.ledger.Append(ctx, s.key(), +10, "bank-001")
	require.NoError(s.T(), err)

	s.clock = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	_, err = s.ledger.Append(ctx, s.key(), -4, "hops-0001")
	require.NoError(s.T(), err)

	s.clock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	_, err = s.ledger.Append(ctx, s.key(), +1, "bank-001")
	require.NoError(s.T(), err)

	units, err := s.ledger.HistoryAt(ctx, s.key(), time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 10, units)

	units, err = s.ledger.HistoryAt(ctx, s.key(), time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 6, units)

	units, err = s.ledger.HistoryAt(ctx, s.key(), time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 7, units)

	units, err = s.ledger.HistoryAt(ctx, s.key(), time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 0, units)
}

// TestConcurrentAppendsSumExactly drives many writers at one cell and checks
// that the final count equals the sum of applied deltas and that no
// committed version ever went negative.
func TestConcurrentAppendsSumExactly(t *testing.T) {
	store := NewInMemoryStore()
	ledger := New(store, WithRetryBound(100))
	key := CellKey{Bank: "bank-001", Type: domain.APos, Component: domain.ComponentRBC}
	ctx := context.Background()

	_, err := ledger.Append(ctx, key, +200, "bank-001")
	require.NoError(t, err)

	const writers = 40
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		delta := -3
		if i%2 == 0 {
			delta = +2
		}
		go func(d int) {
			defer wg.Done()
			_, err := ledger.Append(ctx, key, d, "writer")
			assert.NoError(t, err)
		}(delta)
	}
	wg.Wait()

	snap, err := ledger.CurrentSnapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 200+20*2-20*3, snap.Units)
	assert.Equal(t, uint64(writers+1), snap.Version)

	versions, err := store.History(ctx, key, time.Now().Add(time.Hour))
	require.NoError(t, err)
	running := 0
	for _, v := range versions {
		running += v.Delta
		require.GreaterOrEqual(t, v.Units, 0)
		require.Equal(t, running, v.Units)
	}
}
