package stats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vodforge/internal/observability/metrics"
)

func publishAll(t *testing.T, sink Sink, events ...Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, sink.Publish(context.Background(), ev))
	}
}

func TestAggregatorViewerCounts(t *testing.T) {
	agg := NewAggregator()
	publishAll(t, agg,
		Event{Type: EventJoin, Room: "r"},
		Event{Type: EventJoin, Room: "r"},
		Event{Type: EventJoin, Room: "r"},
		Event{Type: EventLeave, Room: "r"},
		Event{Type: EventLeave, Room: "r"},
		Event{Type: EventLeave, Room: "r"},
		Event{Type: EventLeave, Room: "r"},
	)
	stats, ok := agg.Stats("r")
	require.True(t, ok)
	assert.Equal(t, 0, stats.CurrentViewers)
	assert.Equal(t, 3, stats.PeakViewers)
}

func TestAggregatorMessagesAndQuality(t *testing.T) {
	agg := NewAggregator()
	publishAll(t, agg,
		Event{Type: EventMessage, Room: "r"},
		Event{Type: EventMessage, Room: "r"},
		Event{Type: EventQuality, Room: "r", Quality: "720p"},
		Event{Type: EventQuality, Room: "r", Quality: "480"},
		Event{Type: EventQuality, Room: "r", Quality: "1080P"},
	)
	stats, _ := agg.Stats("r")
	assert.Equal(t, 2, stats.TotalMessages)
	assert.Equal(t, 3, stats.QualitySwitches)
	assert.Equal(t, "760p", stats.AverageQuality)
}

func TestAggregatorConversionUsesHighestTier(t *testing.T) {
	agg := NewAggregator()
	publishAll(t, agg,
		Event{Type: EventQuality, Room: "job-1", Quality: "240p"},
		Event{Type: EventConversion, Room: "job-1", Resolutions: []string{"144p", "240p", "480p", "720p"}},
	)
	stats, _ := agg.Stats("job-1")
	assert.Equal(t, "720p", stats.AverageQuality)
}

func TestAggregatorRejectsInvalidEvents(t *testing.T) {
	agg := NewAggregator()
	cases := []Event{
		{Type: EventJoin},
		{Type: "dance", Room: "r"},
		{Type: EventQuality, Room: "r", Quality: "hd"},
		{Type: EventQuality, Room: "r"},
		{Type: EventConversion, Room: "r"},
	}
	for _, ev := range cases {
		assert.ErrorIs(t, agg.Publish(context.Background(), ev), ErrInvalidEvent, "%+v", ev)
	}
	_, ok := agg.Stats("r")
	assert.False(t, ok)
}

func TestAggregatorRoomsAreIndependent(t *testing.T) {
	agg := NewAggregator()
	publishAll(t, agg, Event{Type: EventJoin, Room: "a"}, Event{Type: EventMessage, Room: "b"})
	a, _ := agg.Stats("a")
	b, _ := agg.Stats("b")
	assert.Equal(t, 1, a.CurrentViewers)
	assert.Zero(t, a.TotalMessages)
	assert.Zero(t, b.CurrentViewers)
	assert.Equal(t, 1, b.TotalMessages)
}

func TestSubscriptionReceivesRoomUpdates(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	agg := NewAggregator(WithClock(func() time.Time { return now }))
	sub := agg.Subscribe("a")
	defer sub.Close()
	all := agg.Subscribe("")
	defer all.Close()

	publishAll(t, agg, Event{Type: EventJoin, Room: "b"}, Event{Type: EventJoin, Room: "a"})

	select {
	case update := <-sub.Updates():
		assert.Equal(t, "a", update.Room)
		assert.Equal(t, 1, update.CurrentViewers)
		assert.Equal(t, now, update.UpdatedAt)
	case <-time.After(time.Second):
		t.Fatal("no update")
	}
	assert.Len(t, all.Updates(), 2)
}

func TestSubscriptionDropsWhenFull(t *testing.T) {
	agg := NewAggregator(WithBuffer(1))
	sub := agg.Subscribe("r")
	publishAll(t, agg, Event{Type: EventJoin, Room: "r"}, Event{Type: EventJoin, Room: "r"})

	first := <-sub.Updates()
	assert.Equal(t, 1, first.CurrentViewers)
	sub.Close()
	_, open := <-sub.Updates()
	assert.False(t, open)
	sub.Close()
}

func TestSubscriptionSeesUpdatesInApplyOrder(t *testing.T) {
	const publishers = 200
	agg := NewAggregator(WithBuffer(publishers))
	sub := agg.Subscribe("r")
	defer sub.Close()

	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, agg.Publish(context.Background(), Event{Type: EventMessage, Room: "r"}))
		}()
	}
	wg.Wait()

	last := 0
	for i := 0; i < publishers; i++ {
		update := <-sub.Updates()
		require.Greater(t, update.TotalMessages, last, "update %d arrived out of order", i)
		last = update.TotalMessages
	}
	assert.Equal(t, publishers, last)
}

func TestAggregatorCountsEvents(t *testing.T) {
	rec := metrics.New()
	agg := NewAggregator(WithMetrics(rec))
	publishAll(t, agg, Event{Type: EventJoin, Room: "r"}, Event{Type: EventJoin, Room: "r"})
	count, err := testutil.GatherAndCount(rec.Registry(), "vodforge_stats_events_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestParseQuality(t *testing.T) {
	h, err := ParseQuality(" 720p ")
	require.NoError(t, err)
	assert.Equal(t, 720, h)
	_, err = ParseQuality("0p")
	assert.Error(t, err)
}
