package txlog

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"bloodbridge/pkg/domain"
	pkgerrors "bloodbridge/pkg/errors"
)

type LogSuite struct {
	suite.Suite
	log *Log
}

func TestLogSuite(t *testing.T) {
	suite.Run(t, new(LogSuite))
}

func (s *LogSuite) SetupTest() {
	s.log = New(NewInMemoryStore())
}

func (s *LogSuite) donation(cell string, delta int) Entry {
	return Entry{
		EntityType: EntityInventoryCell,
		EntityID:   cell,
		Action:     ActionDonationRecorded,
		Payload:    Payload{Bank: "bank-001", BloodType: domain.ONeg, Component: domain.ComponentWhole, Delta: delta},
		Actor:      "bank-001",
	}
}

func (s *LogSuite) request(id string, units int) Entry {
	return Entry{
		EntityType: EntityRequest,
		EntityID:   id,
		Action:     ActionRequestCreated,
		Payload: Payload{
			Hospital: "hosp-001", BloodType: domain.ONeg, Component: domain.ComponentWhole,
			Urgency: domain.UrgencyEmergency, Units: units, Status: StatusOpen, Remainder: units,
		},
		Actor: "hosp-001",
	}
}

func (s *LogSuite) TestSequenceNumbersAreDenseAndOrdered() {
	ctx := context.Background()

	seq, err := s.log.Append(ctx, s.donation("bank-001/O-/whole", 5))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), uint64(1), seq)

	seq, err = s.log.Append(ctx, s.request("hops-0001", 2))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), uint64(2), seq)

	entries, err := s.log.Read(ctx, 1, 0)
	require.NoError(s.T(), err)
	require.Len(s.T(), entries, 2)
	for i, e := range entries {
		assert.Equal(s.T(), uint64(i+1), e.Seq)
		assert.False(s.T(), e.At.IsZero())
		assert.NotEqual(s.T(), "", e.ID.String())
	}
}

func (s *LogSuite) TestAppendMintsActorScopedEntryIDs() {
	ctx := context.Background()

	_, err := s.log.Append(ctx, s.donation("bank-001/O-/whole", 5))
	require.NoError(s.T(), err)
	_, err = s.log.Append(ctx, s.request("hops-0001", 2))
	require.NoError(s.T(), err)

	entries, err := s.log.Read(ctx, 1, 0)
	require.NoError(s.T(), err)
	require.Len(s.T(), entries, 2)
	assert.True(s.T(), strings.HasPrefix(entries[0].ID.String(), "bank-001-"))
	assert.True(s.T(), strings.HasPrefix(entries[1].ID.String(), "hosp-001-"))
	assert.NotEqual(s.T(), entries[0].ID, entries[1].ID)

	// A caller-supplied ID survives untouched.
	preset := s.donation("bank-001/O-/whole", 1)
	preset.ID = domain.NewTransactionID("intake")
	_, err = s.log.Append(ctx, preset)
	require.NoError(s.T(), err)
	trail, err := s.log.Read(ctx, 3, 0)
	require.NoError(s.T(), err)
	require.Len(s.T(), trail, 1)
	assert.Equal(s.T(), preset.ID, trail[0].ID)
}

func (s *LogSuite) TestDuplicateRequestRejected() {
	ctx := context.Background()

	_, err := s.log.Append(ctx, s.request("hops-0001", 2))
	require.NoError(s.T(), err)

	_, err = s.log.Append(ctx, s.request("hops-0001", 3))
	require.Error(s.T(), err)
	assert.Equal(s.T(), pkgerrors.CodeConflict, pkgerrors.CodeOf(err))
}

func (s *LogSuite) TestReferentialValidityEnforcedBeforeAppend() {
	ctx := context.Background()

	// Reserving against a request the log has never seen.
	_, err := s.log.Append(ctx, Entry{
		EntityType: EntityRequest,
		EntityID:   "hops-9999",
		Action:     ActionUnitsReserved,
		Payload:    Payload{Units: 1, Delta: -1, Status: StatusPartiallyReserved},
		Actor:      "allocator",
	})
	require.Error(s.T(), err)
	assert.Equal(s.T(), pkgerrors.CodeReferentialViolation, pkgerrors.CodeOf(err))

	// Reserving from a cell no donation ever created.
	_, err = s.log.Append(ctx, s.request("hops-0001", 2))
	require.NoError(s.T(), err)
	_, err = s.log.Append(ctx, Entry{
		EntityType: EntityRequest,
		EntityID:   "hops-0001",
		Action:     ActionUnitsReserved,
		Payload:    Payload{Units: 1, Delta: -1, Status: StatusPartiallyReserved, Remainder: 1},
		Refs:       []string{"bank-404/O-/whole"},
		Actor:      "allocator",
	})
	require.Error(s.T(), err)
	assert.Equal(s.T(), pkgerrors.CodeReferentialViolation, pkgerrors.CodeOf(err))

	// Nothing was appended by the failed attempts.
	entries, err := s.log.Read(ctx, 1, 0)
	require.NoError(s.T(), err)
	assert.Len(s.T(), entries, 1)
}

func (s *LogSuite) TestIllegalTransitionRejected() {
	ctx := context.Background()

	_, err := s.log.Append(ctx, s.request("hops-0001", 2))
	require.NoError(s.T(), err)

	// Fulfilling an open request with no reservations.
	_, err = s.log.Append(ctx, Entry{
		EntityType: EntityRequest,
		EntityID:   "hops-0001",
		Action:     ActionRequestFulfilled,
		Payload:    Payload{Status: StatusFulfilled},
		Actor:      "allocator",
	})
	require.Error(s.T(), err)
	assert.Equal(s.T(), pkgerrors.CodeConflict, pkgerrors.CodeOf(err))
}

func (s *LogSuite) TestTerminalStatusFreezesRequest() {
	ctx := context.Background()

	_, err := s.log.Append(ctx, s.request("hops-0001", 2))
	require.NoError(s.T(), err)
	_, err = s.log.Append(ctx, Entry{
		EntityType: EntityRequest,
		EntityID:   "hops-0001",
		Action:     ActionRequestCancelled,
		Payload:    Payload{Status: StatusCancelled, Reason: "hospital withdrew"},
		Actor:      "hosp-001",
	})
	require.NoError(s.T(), err)

	_, err = s.log.Append(ctx, Entry{
		EntityType: EntityRequest,
		EntityID:   "hops-0001",
		Action:     ActionUnitsReserved,
		Payload:    Payload{Units: 1, Delta: -1, Status: StatusPartiallyReserved},
		Actor:      "allocator",
	})
	require.Error(s.T(), err)
	assert.Equal(s.T(), pkgerrors.CodeConflict, pkgerrors.CodeOf(err))
}

func (s *LogSuite) TestDomainValuesValidated() {
	ctx := context.Background()

	bad := s.donation("bank-001/O-/whole", 5)
	bad.Payload.BloodType = "Z+"
	_, err := s.log.Append(ctx, bad)
	require.Error(s.T(), err)
	assert.Equal(s.T(), pkgerrors.CodeInvalidBloodType, pkgerrors.CodeOf(err))

	bad = s.donation("bank-001/O-/whole", 0)
	_, err = s.log.Append(ctx, bad)
	require.Error(s.T(), err)
	assert.Equal(s.T(), pkgerrors.CodeInvalidRequest, pkgerrors.CodeOf(err))
}

func (s *LogSuite) TestAuditTrailFollowsRefs() {
	ctx := context.Background()
	cell := "bank-001/O-/whole"

	_, err := s.log.Append(ctx, s.donation(cell, 5))
	require.NoError(s.T(), err)
	_, err = s.log.Append(ctx, s.request("hops-0001", 2))
	require.NoError(s.T(), err)
	_, err = s.log.Append(ctx, Entry{
		EntityType: EntityRequest,
		EntityID:   "hops-0001",
		Action:     ActionUnitsReserved,
		Payload:    Payload{Bank: "bank-001", Units: 2, Delta: -2, Status: StatusPartiallyReserved},
		Refs:       []string{cell},
		Actor:      "allocator",
	})
	require.NoError(s.T(), err)

	trail, err := s.log.AuditTrail(ctx, cell, time.Time{}, time.Time{})
	require.NoError(s.T(), err)
	require.Len(s.T(), trail, 2)
	assert.Equal(s.T(), ActionDonationRecorded, trail[0].Action)
	assert.Equal(s.T(), ActionUnitsReserved, trail[1].Action)
	assert.Less(s.T(), trail[0].Seq, trail[1].Seq)

	trail, err = s.log.AuditTrail(ctx, "hops-0001", time.Time{}, time.Time{})
	require.NoError(s.T(), err)
	require.Len(s.T(), trail, 2)
	for i := 1; i < len(trail); i++ {
		assert.Equal(s.T(), trail[i-1].Seq+1, trail[i].Seq, "trail must have no gaps for this entity's contiguous writes")
	}
}
