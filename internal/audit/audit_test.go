package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/edgeagent/internal/agent/events"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	log, err := NewLog(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestRecordAndRecent(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	for i, outcome := range []string{"converged", "start_failed", "converged"} {
		err := log.Record(ctx, Entry{
			ReconcileID: string(rune('a' + i)),
			StartedAt:   time.Now().Add(-time.Second),
			FinishedAt:  time.Now(),
			DurationMS:  42,
			Outcome:     outcome,
			Status:      "running",
			Project:     "p1",
			SnapshotID:  "s1",
		})
		require.NoError(t, err)
	}

	entries, err := log.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].ReconcileID, "newest first")
	assert.Equal(t, "b", entries[1].ReconcileID)
	assert.Equal(t, int64(42), entries[0].DurationMS)
	assert.Equal(t, "p1", entries[0].Project)
}

func TestByOutcome(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, log.Record(ctx, Entry{ReconcileID: "r1", Outcome: "converged", Status: "running"}))
	require.NoError(t, log.Record(ctx, Entry{ReconcileID: "r2", Outcome: "aborted", Status: "stopped"}))

	entries, err := log.ByOutcome(ctx, "aborted", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "r2", entries[0].ReconcileID)
}

func TestRecorderPairsStartedAndFinished(t *testing.T) {
	log := newTestLog(t)
	bus := events.NewBus()
	defer bus.Close()

	recorder := NewRecorder(log)
	recorder.Start(context.Background(), bus)
	defer recorder.Stop()

	startedAt := time.Now().Add(-2 * time.Second).Truncate(time.Second)
	bus.Publish(events.ReconcileStarted{ReconcileID: "r1", StartedAt: startedAt, Deauthorize: true})
	bus.Publish(events.ReconcileFinished{
		ReconcileID: "r1",
		FinishedAt:  time.Now(),
		Duration:    2 * time.Second,
		Outcome:     "converged",
		Status:      "stopped",
	})

	require.Eventually(t, func() bool {
		entries, err := log.Recent(context.Background(), 1)
		return err == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := log.Recent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "r1", entries[0].ReconcileID)
	assert.True(t, entries[0].Deauthorize, "deauthorize flag comes from the started event")
	assert.Equal(t, startedAt.Unix(), entries[0].StartedAt.Unix())
}

func TestRecorderWithoutStartedEventStillRecords(t *testing.T) {
	log := newTestLog(t)
	bus := events.NewBus()
	defer bus.Close()

	recorder := NewRecorder(log)
	recorder.Start(context.Background(), bus)
	defer recorder.Stop()

	bus.Publish(events.ReconcileFinished{
		ReconcileID: "orphan",
		FinishedAt:  time.Now(),
		Duration:    time.Second,
		Outcome:     "aborted",
		Status:      "stopped",
	})

	require.Eventually(t, func() bool {
		entries, err := log.Recent(context.Background(), 1)
		return err == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := log.Recent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "orphan", entries[0].ReconcileID)
	assert.False(t, entries[0].Deauthorize)
}
