package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slotAt(id string, start time.Time, tracked time.Duration, client string) Slot {
	return Slot{
		SourceID: id,
		UserID:   "user-1",
		TaskID:   "task-1",
		StartsAt: start,
		Tracked:  tracked,
		Client:   client,
	}
}

func TestAssembleTimeLogsEmpty(t *testing.T) {
	assert.Nil(t, AssembleTimeLogs(nil))
	assert.Nil(t, AssembleTimeLogs([]Slot{}))
}

func TestAssembleTimeLogsMergesAdjacent(t *testing.T) {
	base := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)

	logs := AssembleTimeLogs([]Slot{
		slotAt("s1", base, 10*time.Minute, trackedClient),
		slotAt("s2", base.Add(10*time.Minute), 10*time.Minute, trackedClient),
		slotAt("s3", base.Add(20*time.Minute), 10*time.Minute, trackedClient),
	})

	require.Len(t, logs, 1)
	assert.Equal(t, "s1", logs[0].SourceID)
	assert.Equal(t, base, logs[0].StartedAt)
	assert.Equal(t, base.Add(30*time.Minute), logs[0].StoppedAt)
	assert.Equal(t, "tracked", logs[0].LogType)
	assert.Len(t, logs[0].Slots, 3)
}

func TestAssembleTimeLogsSplitsOnGap(t *testing.T) {
	base := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)

	logs := AssembleTimeLogs([]Slot{
		slotAt("s1", base, 10*time.Minute, trackedClient),
		// 5 minute gap: a new session starts.
		slotAt("s2", base.Add(15*time.Minute), 10*time.Minute, trackedClient),
	})

	require.Len(t, logs, 2)
	assert.Equal(t, "s1", logs[0].SourceID)
	assert.Equal(t, "s2", logs[1].SourceID)
	assert.Equal(t, base.Add(10*time.Minute), logs[0].StoppedAt)
	assert.Equal(t, base.Add(25*time.Minute), logs[1].StoppedAt)
}

func TestAssembleTimeLogsSortsInput(t *testing.T) {
	base := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)

	logs := AssembleTimeLogs([]Slot{
		slotAt("s2", base.Add(10*time.Minute), 10*time.Minute, trackedClient),
		slotAt("s1", base, 10*time.Minute, trackedClient),
	})

	require.Len(t, logs, 1)
	assert.Equal(t, "s1", logs[0].SourceID, "earliest slot names the log")
}

func TestAssembleTimeLogsOverlapExtends(t *testing.T) {
	base := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)

	logs := AssembleTimeLogs([]Slot{
		slotAt("s1", base, 10*time.Minute, trackedClient),
		// Starts inside s1 but ends earlier: the log's end must not shrink.
		slotAt("s2", base.Add(5*time.Minute), 2*time.Minute, trackedClient),
	})

	require.Len(t, logs, 1)
	assert.Equal(t, base.Add(10*time.Minute), logs[0].StoppedAt)
}

func TestAssembleTimeLogsLastSlotDecidesType(t *testing.T) {
	base := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)

	logs := AssembleTimeLogs([]Slot{
		slotAt("s1", base, 10*time.Minute, trackedClient),
		slotAt("s2", base.Add(10*time.Minute), 10*time.Minute, "web"),
	})

	require.Len(t, logs, 1)
	assert.Equal(t, "manual", logs[0].LogType)
}

func TestAssembleTimeLogsIdempotentSourceID(t *testing.T) {
	base := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)

	slots := []Slot{
		slotAt("s1", base, 10*time.Minute, trackedClient),
		slotAt("s2", base.Add(10*time.Minute), 10*time.Minute, trackedClient),
	}

	first := AssembleTimeLogs(slots)
	second := AssembleTimeLogs(slots)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].SourceID, second[0].SourceID,
		"re-assembly of the same slots yields the same log identity")
}
