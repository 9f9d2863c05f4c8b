//go:build integration

package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"bloodbridge/internal/notify"
	"bloodbridge/pkg/domain"
	"bloodbridge/pkg/testutil/containers"
)

func TestKafkaPublisherDeliversShortfalls(t *testing.T) {
	rc := containers.NewRedpandaContainer(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	publisher, err := notify.NewKafkaPublisher(ctx, []string{rc.Broker}, logger)
	require.NoError(t, err)
	defer publisher.Close()

	event := notify.ShortfallEvent{
		RequestID:      "hops-0001",
		Hospital:       "stmarys",
		BloodType:      domain.ONeg,
		Component:      domain.ComponentWhole,
		Urgency:        domain.UrgencyEmergency,
		UnitsShort:     2,
		EligibleDonors: []string{"don-001", "don-002"},
		OccurredAt:     time.Now().UTC(),
	}
	require.NoError(t, publisher.PublishShortfall(ctx, event))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(rc.Broker),
		kgo.ConsumeTopics(notify.TopicShortfalls),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	fetches := consumer.PollFetches(fetchCtx)
	require.NoError(t, fetches.Err())
	records := fetches.Records()
	require.Len(t, records, 1)

	assert.Equal(t, []byte("hops-0001"), records[0].Key)
	var got notify.ShortfallEvent
	require.NoError(t, json.Unmarshal(records[0].Value, &got))
	assert.Equal(t, event.RequestID, got.RequestID)
	assert.Equal(t, event.UnitsShort, got.UnitsShort)
	assert.Equal(t, event.EligibleDonors, got.EligibleDonors)
}
